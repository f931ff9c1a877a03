// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rank

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/cellgraph/aggregation"
)

// GeneGroup identifies one cell of the Gene×Group table.
type GeneGroup struct {
	Var   int64
	Group string
}

// Accum accumulates the statistics of one gene in one group.
type Accum struct {
	// N is the number of cells in the group.
	N int64
	// S is the sum of the normalized expression.
	S float64
	// R is the sum of the expression ranks over all cells of the group,
	// implicit zeros included.
	R float64
}

// Merge returns the sum of two partial accumulators of the same key.
func (a Accum) Merge(o Accum) Accum {
	if a.N == 0 {
		a.N = o.N
	}
	return Accum{N: a.N, S: a.S + o.S, R: a.R + o.R}
}

// Table is the Gene×Group table. Partial tables returned by tasks are
// merged into the coordinator's table with Merge.
type Table map[GeneGroup]Accum

// Merge adds the partial table p into t.
func (t Table) Merge(p Table) {
	for k, v := range p {
		t[k] = t[k].Merge(v)
	}
}

// Grouping assigns every cell of the aggregation to one group, given by the
// value of an obs column.
type Grouping struct {
	// Key is the obs column.
	Key string
	// Labels is the sorted list of distinct values of the column.
	Labels []string
	// Members holds the obs ids of each group, parallel to Labels.
	Members []*roaring.Bitmap
	// NTotal is the number of cells.
	NTotal int64

	index map[int64]int
}

// NewGrouping groups obsIDs by the parallel slice values.
func NewGrouping(key string, obsIDs []int64, values []string) (*Grouping, error) {
	if len(obsIDs) != len(values) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("grouping %s: %d obs ids, %d values", key, len(obsIDs), len(values)))
	}
	g := &Grouping{
		Key:    key,
		NTotal: int64(len(obsIDs)),
		index:  make(map[int64]int, len(obsIDs)),
	}
	labels := map[string]int{}
	for _, v := range values {
		labels[v] = 0
	}
	for v := range labels {
		g.Labels = append(g.Labels, v)
	}
	sort.Strings(g.Labels)
	g.Members = make([]*roaring.Bitmap, len(g.Labels))
	for i, v := range g.Labels {
		labels[v] = i
		g.Members[i] = roaring.New()
	}
	for i, id := range obsIDs {
		if id < 0 || id > math.MaxUint32 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("grouping %s: obs_id %d out of range", key, id))
		}
		gi := labels[values[i]]
		if _, ok := g.index[id]; ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("grouping %s: duplicate obs_id %d", key, id))
		}
		g.index[id] = gi
		g.Members[gi].Add(uint32(id))
	}
	return g, nil
}

// Size returns the number of cells in group i.
func (g *Grouping) Size(i int) int64 { return int64(g.Members[i].GetCardinality()) }

// group returns the group index of a cell.
func (g *Grouping) group(obsID int64) (int, bool) {
	i, ok := g.index[obsID]
	return i, ok
}

// NewTable returns the Gene×Group table for varIDs with every N set and
// every sum zero.
func (g *Grouping) NewTable(varIDs []int64) Table {
	t := make(Table, len(varIDs)*len(g.Labels))
	for _, v := range varIDs {
		for i, label := range g.Labels {
			t[GeneGroup{v, label}] = Accum{N: g.Size(i)}
		}
	}
	return t
}

// forEachChunk reads array in gene chunks that fit the S/R task budget and
// calls fn with the de-duplicated cells of each chunk.
func forEachChunk(ctx context.Context, cfg Config, g *Grouping, array string, band []int64, fn func(map[int64]*geneCells) error) error {
	agg, err := aggregation.Open(ctx, cfg.URI, cfg.taskStore(cfg.Opts.AccumBufferBytes))
	if err != nil {
		return err
	}
	chunk := ChunkSize(g.NTotal, cfg.Opts.AccumBufferBytes, cfg.Opts)
	for _, vars := range chunkVars(band, chunk) {
		cells, err := agg.ReadX(ctx, array, vars)
		if err != nil {
			return err
		}
		genes, err := collectGenes(cells)
		if err != nil {
			return err
		}
		if err := fn(genes); err != nil {
			return err
		}
	}
	return nil
}

// computeS sums the normalized expression of each (gene, group) of band.
// Keys without stored values are absent from the result.
func computeS(ctx context.Context, cfg Config, g *Grouping, band []int64) (Table, error) {
	t := Table{}
	var unknown int
	err := forEachChunk(ctx, cfg, g, aggregation.XNormed, band, func(genes map[int64]*geneCells) error {
		for v, gc := range genes {
			for i, obs := range gc.obs {
				gi, ok := g.group(obs)
				if !ok {
					unknown++
					continue
				}
				k := GeneGroup{v, g.Labels[gi]}
				a := t[k]
				a.S += float64(gc.values[i])
				t[k] = a
			}
		}
		return nil
	})
	if unknown > 0 {
		log.Error.Printf("%s: %d normalized cells reference unknown obs ids", g.Key, unknown)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// computeR computes the rank sum of each (gene, group) of band, including
// the contribution of implicit zeros. Every key of band is present in the
// result.
//
// The n - nnz implicit zeros of a gene tie for the lowest ranks and get
// rank (N+1)/2 each, where N = NTotal - nnz. A stored rank r becomes N + r
// once the zeros are accounted for. So for a group with n cells, nnz of them
// stored, and stored rank sum rs:
//
//	R = (n - nnz)*(N+1)/2 + N*nnz + rs
func computeR(ctx context.Context, cfg Config, g *Grouping, band []int64) (Table, error) {
	type partial struct {
		nnz     int64
		rankSum float64
	}
	var unknown int
	sums := make([]partial, len(g.Labels))
	t := Table{}
	finish := func(v int64, nnzTotal int64) {
		zeros := float64(g.NTotal - nnzTotal)
		for i, label := range g.Labels {
			n := g.Size(i)
			p := sums[i]
			r := float64(n-p.nnz)*(zeros+1)/2 + zeros*float64(p.nnz) + p.rankSum
			t[GeneGroup{v, label}] = Accum{R: r}
		}
	}
	err := forEachChunk(ctx, cfg, g, aggregation.XRanked, band, func(genes map[int64]*geneCells) error {
		for v, gc := range genes {
			for i := range sums {
				sums[i] = partial{}
			}
			var nnz int64
			for i, obs := range gc.obs {
				gi, ok := g.group(obs)
				if !ok {
					unknown++
					continue
				}
				sums[gi].nnz++
				sums[gi].rankSum += float64(gc.values[i])
				nnz++
			}
			finish(v, nnz)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if unknown > 0 {
		log.Error.Printf("%s: %d ranked cells reference unknown obs ids", g.Key, unknown)
	}
	if len(g.Labels) == 0 {
		return t, nil
	}
	for i := range sums {
		sums[i] = partial{}
	}
	for _, v := range band {
		if _, ok := t[GeneGroup{v, g.Labels[0]}]; !ok {
			finish(v, 0)
		}
	}
	return t, nil
}
