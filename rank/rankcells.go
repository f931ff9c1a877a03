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
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/cellgraph/aggregation"
)

// geneCells holds the stored cells of one gene, in the order they were
// read, after removal of duplicates and explicit zeros.
type geneCells struct {
	obs    []int64
	values []float32
}

// collectGenes groups cells by gene. When a (gene, cell) pair is stored
// more than once the first occurrence wins. Stored zeros are dropped after
// de-duplication, so a cell whose first stored value is zero is absent.
func collectGenes(cells []aggregation.Cell) (map[int64]*geneCells, error) {
	genes := map[int64]*geneCells{}
	seen := map[int64]*roaring.Bitmap{}
	var ndup int
	for _, c := range cells {
		if c.ObsID < 0 || c.ObsID > math.MaxUint32 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("cell %+v: obs_id out of range", c))
		}
		bm := seen[c.VarID]
		if bm == nil {
			bm = roaring.New()
			seen[c.VarID] = bm
		}
		if !bm.CheckedAdd(uint32(c.ObsID)) {
			ndup++
			continue
		}
		if c.Value == 0 {
			continue
		}
		g := genes[c.VarID]
		if g == nil {
			g = &geneCells{}
			genes[c.VarID] = g
		}
		g.obs = append(g.obs, c.ObsID)
		g.values = append(g.values, c.Value)
	}
	if ndup > 0 {
		log.Printf("dropped %d duplicate (gene, cell) entries", ndup)
	}
	return genes, nil
}

// averageRanks returns the 1-based ascending ranks of values. Tied values
// get the mean of the ranks they span.
func averageRanks(values []float32) []float64 {
	order := make([]int, len(values))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return values[order[i]] < values[order[j]] })
	ranks := make([]float64, len(values))
	for i := 0; i < len(order); {
		j := i + 1
		for j < len(order) && values[order[j]] == values[order[i]] {
			j++
		}
		// Positions i..j-1 hold ranks i+1..j.
		r := float64(i+1+j) / 2
		for k := i; k < j; k++ {
			ranks[order[k]] = r
		}
		i = j
	}
	return ranks
}

// rankedCells ranks every gene of genes and returns the ranked cells sorted
// by (var, obs).
func rankedCells(genes map[int64]*geneCells) []aggregation.Cell {
	var n int
	vars := make([]int64, 0, len(genes))
	for v, g := range genes {
		vars = append(vars, v)
		n += len(g.obs)
	}
	sort.Slice(vars, func(i, j int) bool { return vars[i] < vars[j] })
	out := make([]aggregation.Cell, 0, n)
	for _, v := range vars {
		g := genes[v]
		ranks := averageRanks(g.values)
		start := len(out)
		for i, obs := range g.obs {
			out = append(out, aggregation.Cell{VarID: v, ObsID: obs, Value: float32(ranks[i])})
		}
		gene := out[start:]
		sort.Slice(gene, func(i, j int) bool { return gene[i].ObsID < gene[j].ObsID })
	}
	return out
}

// rankBand ranks the cells of one band of genes and writes them to a new
// raw_X_ranked fragment. The fragment is not committed.
func rankBand(ctx context.Context, cfg Config, band []int64) (aggregation.FragmentInfo, error) {
	agg, err := aggregation.Open(ctx, cfg.URI, cfg.taskStore(cfg.Opts.RankBufferBytes))
	if err != nil {
		return aggregation.FragmentInfo{}, err
	}
	cells, err := agg.ReadX(ctx, aggregation.XNormed, band)
	if err != nil {
		return aggregation.FragmentInfo{}, err
	}
	genes, err := collectGenes(cells)
	if err != nil {
		return aggregation.FragmentInfo{}, err
	}
	cells = nil
	w := agg.NewFragmentWriter(ctx, aggregation.XRanked)
	if err := w.Append(rankedCells(genes)...); err != nil {
		w.Abort()
		return aggregation.FragmentInfo{}, err
	}
	info, err := w.Close()
	if err != nil {
		w.Abort()
		return aggregation.FragmentInfo{}, err
	}
	return info, nil
}

// RankCells replaces raw_X_ranked with the per-gene ranks of raw_X_normed.
// Genes are processed in bands sized by ChunkSize, at most
// Opts.Parallelism bands at a time. The new fragments become visible only
// if every band succeeds; otherwise raw_X_ranked is left untouched.
func RankCells(ctx context.Context, cfg Config) error {
	agg, err := aggregation.Open(ctx, cfg.URI, cfg.Store)
	if err != nil {
		return err
	}
	obs, err := agg.ReadObs(ctx)
	if err != nil {
		return err
	}
	vars, err := agg.ReadVar(ctx)
	if err != nil {
		return err
	}
	chunk := ChunkSize(int64(obs.Len()), cfg.Opts.RankBufferBytes, cfg.Opts)
	bands := chunkVars(vars.VarIDs, chunk)
	log.Printf("rank cells: %d obs, %d genes, %d genes per task, %d tasks",
		obs.Len(), vars.Len(), chunk, len(bands))

	frags := make([]aggregation.FragmentInfo, len(bands))
	err = traverse.Limit(cfg.Opts.Parallelism).Each(len(bands), func(i int) error {
		info, err := rankBand(ctx, cfg, bands[i])
		if err != nil {
			return errors.E(err, fmt.Sprintf("rank genes %d..%d", bands[i][0], bands[i][len(bands[i])-1]))
		}
		frags[i] = info
		log.Debug.Printf("rank cells: task %d/%d done, %d cells", i+1, len(bands), info.NumCells)
		return nil
	})
	if err != nil {
		agg.Discard(ctx, aggregation.XRanked, frags)
		return err
	}
	if err := agg.Commit(ctx, aggregation.XRanked, frags, true); err != nil {
		agg.Discard(ctx, aggregation.XRanked, frags)
		return err
	}
	var n int64
	for _, f := range frags {
		n += f.NumCells
	}
	log.Printf("rank cells: committed %d ranked cells", n)
	return nil
}
