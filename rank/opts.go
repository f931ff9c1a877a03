// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rank

import (
	"math"
	"runtime"

	"github.com/grailbio/cellgraph/aggregation"
)

// Opts controls the ranking engine.
type Opts struct {
	// Parallelism is the maximum number of concurrent tasks. Each task opens
	// its own aggregation handle.
	Parallelism int
	// RankBufferBytes is the memory budget of one RankCells task.
	RankBufferBytes int64
	// AccumBufferBytes is the memory budget of one S or R task.
	AccumBufferBytes int64
	// Partitions is the number of gene partitions of RankGenesGroups. Each
	// partition becomes one S task and one R task.
	Partitions int
	// SparsityGuess is the expected fraction of zero cells of a gene. It is
	// used to size gene chunks.
	SparsityGuess float64
	// BytesPerRow is the memory charged for one stored cell when it is read.
	// It is used to size gene chunks.
	BytesPerRow int
	// TopN is the number of genes reported per group.
	TopN int
	// GroupBy lists the obs columns to group cells by.
	GroupBy []string
}

// DefaultOpts is the default value of Opts.
var DefaultOpts = Opts{
	Parallelism:      defaultParallelism(),
	RankBufferBytes:  8 << 30,
	AccumBufferBytes: 2 << 30,
	Partitions:       defaultPartitions(),
	SparsityGuess:    0.9,
	BytesPerRow:      int(aggregation.CellBytes),
	TopN:             20,
	GroupBy:          []string{"cell_type_ontology_term_id", "tissue_ontology_term_id"},
}

func defaultParallelism() int {
	n := runtime.NumCPU() / 8
	if n < 4 {
		n = 4
	}
	return n
}

func defaultPartitions() int {
	n := runtime.NumCPU() / 2
	if n < 1 {
		n = 1
	}
	return n
}

// Config describes one run of the ranking engine. It is passed by value to
// every task.
type Config struct {
	// URI is the aggregation.
	URI string
	// Store configures the aggregation handles. InitBufferBytes is replaced
	// by the per-task budget of Opts.
	Store aggregation.Opts
	Opts  Opts
}

// ChunkSize estimates how many genes fit in bufferBytes when there are nObs
// cells: bufferBytes / (nObs * (1 - SparsityGuess) * BytesPerRow), at least
// one. The estimate is a heuristic; a chunk that turns out larger than the
// buffer makes the read fail.
func ChunkSize(nObs int64, bufferBytes int64, opts Opts) int {
	perGene := int64(math.Ceil(float64(nObs) * (1 - opts.SparsityGuess) * float64(opts.BytesPerRow)))
	if perGene <= 0 {
		perGene = 1
	}
	n := bufferBytes / perGene
	if n < 1 {
		return 1
	}
	if n > int64(maxInt) {
		return maxInt
	}
	return int(n)
}

const maxInt = int(^uint(0) >> 1)

// chunkVars splits varIDs into consecutive bands of at most size ids.
func chunkVars(varIDs []int64, size int) [][]int64 {
	var bands [][]int64
	for start := 0; start < len(varIDs); start += size {
		end := start + size
		if end > len(varIDs) || end < start {
			end = len(varIDs)
		}
		bands = append(bands, varIDs[start:end])
	}
	return bands
}

// taskStore returns the store options of a task with the given budget.
func (c Config) taskStore(bufferBytes int64) aggregation.Opts {
	o := c.Store
	o.InitBufferBytes = bufferBytes
	return o
}
