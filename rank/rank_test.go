// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rank

import (
	"io/ioutil"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"testing"

	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/cellgraph/aggregation"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/grailbio/testutil/h"
	"github.com/stretchr/testify/require"
)

const cellTypeKey = "cell_type_ontology_term_id"

// newTestConfig creates an aggregation with one cell per entry of
// cellTypes and nVar genes named G0, G1, ...
func newTestConfig(t *testing.T, cellTypes []string, nVar int) (Config, func()) {
	ctx := vcontext.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	uri := filepath.Join(dir, "agg")
	_, err := aggregation.Create(ctx, uri)
	assert.NoError(t, err)
	store := aggregation.DefaultOpts
	store.BlockBytes = 32
	agg, err := aggregation.Open(ctx, uri, store)
	assert.NoError(t, err)
	obs := make([]aggregation.ObsRow, len(cellTypes))
	for i, ct := range cellTypes {
		obs[i] = aggregation.ObsRow{ObsID: int64(i), CellType: ct, Tissue: "UBERON:0002048"}
	}
	assert.NoError(t, agg.WriteObs(ctx, obs))
	vars := make([]aggregation.VarRow, nVar)
	for i := range vars {
		vars[i] = aggregation.VarRow{VarID: int64(i), VarName: "G" + strconv.Itoa(i)}
	}
	assert.NoError(t, agg.WriteVar(ctx, vars))

	opts := DefaultOpts
	opts.Parallelism = 3
	opts.Partitions = 2
	opts.RankBufferBytes = 1 << 20
	opts.AccumBufferBytes = 1 << 20
	return Config{URI: uri, Store: store, Opts: opts}, cleanup
}

func writeNormed(t *testing.T, cfg Config, cells []aggregation.Cell) {
	ctx := vcontext.Background()
	agg, err := aggregation.Open(ctx, cfg.URI, cfg.Store)
	assert.NoError(t, err)
	assert.NoError(t, agg.WriteX(ctx, aggregation.XNormed, cells))
}

func readRanked(t *testing.T, cfg Config) []aggregation.Cell {
	ctx := vcontext.Background()
	agg, err := aggregation.Open(ctx, cfg.URI, cfg.Store)
	assert.NoError(t, err)
	cells, err := agg.ReadX(ctx, aggregation.XRanked, nil)
	assert.NoError(t, err)
	return cells
}

// statsByKey runs the S/R stage for the cell type grouping and indexes the
// resulting rows.
func statsByKey(t *testing.T, cfg Config) (map[GeneGroup]Row, *Grouping) {
	ctx := vcontext.Background()
	agg, err := aggregation.Open(ctx, cfg.URI, cfg.Store)
	assert.NoError(t, err)
	obs, err := agg.ReadObs(ctx, cellTypeKey)
	assert.NoError(t, err)
	vars, err := agg.ReadVar(ctx)
	assert.NoError(t, err)
	g, err := NewGrouping(cellTypeKey, obs.ObsIDs, obs.Columns[cellTypeKey])
	assert.NoError(t, err)
	rows, err := rankGrouping(ctx, cfg, g, vars.VarIDs)
	assert.NoError(t, err)
	m := map[GeneGroup]Row{}
	for _, r := range rows {
		m[r.GeneGroup] = r
	}
	return m, g
}

func TestChunkSize(t *testing.T) {
	opts := Opts{SparsityGuess: 0.9, BytesPerRow: 8}
	expect.EQ(t, ChunkSize(1000, 8000, opts), 10)
	expect.EQ(t, ChunkSize(1000, 10, opts), 1)
	expect.EQ(t, ChunkSize(0, 10, opts), 10)
	expect.EQ(t, chunkVars([]int64{1, 2, 3, 4, 5}, 2), [][]int64{{1, 2}, {3, 4}, {5}})
	expect.EQ(t, len(chunkVars(nil, 2)), 0)
}

func TestDefaultChunksFitBuffer(t *testing.T) {
	ctx := vcontext.Background()
	const nObs, nVar, perGene = 100, 20, 10
	cellTypes := make([]string, nObs)
	for i := range cellTypes {
		cellTypes[i] = []string{"A", "B"}[i%2]
	}
	cfg, cleanup := newTestConfig(t, cellTypes, nVar)
	defer cleanup()
	// Every gene is stored in exactly 1 - SparsityGuess of the cells.
	var cells []aggregation.Cell
	for v := 0; v < nVar; v++ {
		for k := 0; k < perGene; k++ {
			cells = append(cells, aggregation.Cell{
				VarID: int64(v),
				ObsID: int64((v*7 + k*10) % nObs),
				Value: float32(k + 1),
			})
		}
	}
	writeNormed(t, cfg, cells)

	cfg.Opts = DefaultOpts
	cfg.Opts.RankBufferBytes = 1600
	cfg.Opts.AccumBufferBytes = 1600
	chunk := ChunkSize(nObs, cfg.Opts.RankBufferBytes, cfg.Opts)
	expect.True(t, chunk < nVar)
	expect.True(t, int64(chunk*perGene)*aggregation.CellBytes <= cfg.Opts.RankBufferBytes)

	assert.NoError(t, RankCells(ctx, cfg))
	agg, err := aggregation.Open(ctx, cfg.URI, cfg.Store)
	assert.NoError(t, err)
	n, err := agg.NumCells(ctx, aggregation.XRanked)
	assert.NoError(t, err)
	expect.EQ(t, n, int64(nVar*perGene))

	r, err := RankGenesGroups(ctx, cfg, []string{cellTypeKey})
	assert.NoError(t, err)
	expect.EQ(t, len(r[cellTypeKey]), 2)
}

func TestAverageRanks(t *testing.T) {
	expect.EQ(t, averageRanks([]float32{3, 1, 3, 2}), []float64{3.5, 1, 3.5, 2})
	expect.EQ(t, averageRanks([]float32{5, 5, 5}), []float64{2, 2, 2})
	expect.EQ(t, len(averageRanks(nil)), 0)
}

func TestCollectGenes(t *testing.T) {
	genes, err := collectGenes([]aggregation.Cell{
		{VarID: 0, ObsID: 1, Value: 2},
		{VarID: 0, ObsID: 2, Value: 0},
		{VarID: 1, ObsID: 1, Value: 0},
		{VarID: 0, ObsID: 1, Value: 7},
		{VarID: 1, ObsID: 1, Value: 4},
		{VarID: 1, ObsID: 3, Value: 1},
	})
	assert.NoError(t, err)
	expect.EQ(t, len(genes), 2)
	expect.EQ(t, genes[0].obs, []int64{1})
	expect.EQ(t, genes[0].values, []float32{2})
	expect.EQ(t, genes[1].obs, []int64{3})
	expect.EQ(t, genes[1].values, []float32{1})

	_, err = collectGenes([]aggregation.Cell{{VarID: 0, ObsID: -1, Value: 1}})
	expect.NotNil(t, err)
}

func TestRankCells(t *testing.T) {
	ctx := vcontext.Background()
	cfg, cleanup := newTestConfig(t, []string{"A", "A", "A", "B"}, 3)
	defer cleanup()
	writeNormed(t, cfg, []aggregation.Cell{
		{VarID: 0, ObsID: 0, Value: 0.5},
		{VarID: 0, ObsID: 1, Value: 0.1},
		{VarID: 0, ObsID: 2, Value: 0.5},
		{VarID: 0, ObsID: 3, Value: 0},
		{VarID: 2, ObsID: 3, Value: 9},
	})
	// A later fragment never overrides an earlier value.
	writeNormed(t, cfg, []aggregation.Cell{
		{VarID: 0, ObsID: 1, Value: 100},
		{VarID: 2, ObsID: 0, Value: 1},
	})
	cfg.Opts.BytesPerRow = 1 << 20 // two genes per task
	assert.NoError(t, RankCells(ctx, cfg))
	expect.EQ(t, readRanked(t, cfg), []aggregation.Cell{
		{VarID: 0, ObsID: 0, Value: 2.5},
		{VarID: 0, ObsID: 1, Value: 1},
		{VarID: 0, ObsID: 2, Value: 2.5},
		{VarID: 2, ObsID: 0, Value: 1},
		{VarID: 2, ObsID: 3, Value: 2},
	})

	// Ranking again replaces the previous ranking.
	assert.NoError(t, RankCells(ctx, cfg))
	agg, err := aggregation.Open(ctx, cfg.URI, cfg.Store)
	assert.NoError(t, err)
	n, err := agg.NumCells(ctx, aggregation.XRanked)
	assert.NoError(t, err)
	expect.EQ(t, n, int64(5))
}

func TestRankCellsFailureCommitsNothing(t *testing.T) {
	ctx := vcontext.Background()
	cfg, cleanup := newTestConfig(t, []string{"A", "A", "B", "B", "B", "B"}, 2)
	defer cleanup()
	writeNormed(t, cfg, []aggregation.Cell{
		{VarID: 0, ObsID: 0, Value: 1},
		{VarID: 0, ObsID: 1, Value: 2},
		{VarID: 0, ObsID: 2, Value: 3},
		{VarID: 1, ObsID: 4, Value: 5},
	})
	assert.NoError(t, RankCells(ctx, cfg))
	agg, err := aggregation.Open(ctx, cfg.URI, cfg.Store)
	assert.NoError(t, err)
	before, err := agg.Fragments(ctx, aggregation.XRanked)
	assert.NoError(t, err)

	// One gene per task. Gene 0 does not fit in a two-cell buffer; gene 1
	// does.
	cfg.Opts.RankBufferBytes = 48
	cfg.Opts.BytesPerRow = 1 << 20
	expect.NotNil(t, RankCells(ctx, cfg))

	after, err := agg.Fragments(ctx, aggregation.XRanked)
	assert.NoError(t, err)
	expect.EQ(t, after, before)
	infos, err := ioutil.ReadDir(filepath.Join(cfg.URI, aggregation.XRanked))
	assert.NoError(t, err)
	var names []string
	for _, info := range infos {
		names = append(names, info.Name())
	}
	want := []string{"manifest.rio"}
	for _, f := range before {
		want = append(want, f.Name)
	}
	expect.That(t, names, h.UnorderedElementsAre(toInterfaces(want)...))
	expect.EQ(t, len(readRanked(t, cfg)), 4)
}

func toInterfaces(s []string) []interface{} {
	out := make([]interface{}, len(s))
	for i := range s {
		out[i] = s[i]
	}
	return out
}

func TestHandExample(t *testing.T) {
	ctx := vcontext.Background()
	// Gene 0 is [0, 0, 1, 2] in A and [0, 3] in B. Gene 1 is never stored.
	cfg, cleanup := newTestConfig(t, []string{"A", "A", "A", "A", "B", "B"}, 2)
	defer cleanup()
	writeNormed(t, cfg, []aggregation.Cell{
		{VarID: 0, ObsID: 0, Value: 0},
		{VarID: 0, ObsID: 2, Value: 1},
		{VarID: 0, ObsID: 3, Value: 2},
		{VarID: 0, ObsID: 5, Value: 3},
	})
	assert.NoError(t, RankCells(ctx, cfg))
	rows, g := statsByKey(t, cfg)
	expect.EQ(t, g.Labels, []string{"A", "B"})
	expect.EQ(t, g.NTotal, int64(6))

	a, b := rows[GeneGroup{0, "A"}], rows[GeneGroup{0, "B"}]
	expect.EQ(t, a.N, int64(4))
	expect.EQ(t, b.N, int64(2))
	expect.EQ(t, a.R, 13.0)
	expect.EQ(t, b.R, 8.0)
	expect.EQ(t, a.S, 3.0)
	expect.EQ(t, b.S, 3.0)
	std := math.Sqrt(4 * 2 * 7 / 12.0)
	require.InDelta(t, -1/std, a.U, 1e-12)
	require.InDelta(t, 1/std, b.U, 1e-12)
	require.InDelta(t, math.Erfc(1/std/math.Sqrt2), a.P, 1e-12)
	require.InDelta(t, math.Log2((0.75+1e-9)/(1+1e-9)), a.LFC, 1e-12)
	require.InDelta(t, math.Log2((1.5+1e-9)/(1+1e-9)), b.LFC, 1e-12)

	// No stored values: every cell ties at the mean rank.
	a1, b1 := rows[GeneGroup{1, "A"}], rows[GeneGroup{1, "B"}]
	expect.EQ(t, a1.R, 14.0)
	expect.EQ(t, b1.R, 7.0)
	expect.EQ(t, a1.U, 0.0)
	expect.EQ(t, a1.P, 1.0)
	expect.EQ(t, b1.PAdj, 1.0)
}

// bruteForceR ranks all cells of a gene, implicit zeros included, and sums
// the ranks of each group.
func bruteForceR(values []float32, groups []string) map[string]float64 {
	ranks := averageRanks(values)
	r := map[string]float64{}
	for i, g := range groups {
		r[g] += ranks[i]
	}
	return r
}

func TestRankSumMatchesDense(t *testing.T) {
	groups := []string{"X", "Y", "X", "Z", "Y"}
	dense := [][]float32{
		{0, 1.5, 0, 2, 1.5},
		{3, 2, 1, 0.5, 4},
		{0, 0, 0.25, 0, 0},
	}
	cfg, cleanup := newTestConfig(t, groups, len(dense))
	defer cleanup()
	var cells []aggregation.Cell
	for v, row := range dense {
		for o, x := range row {
			if x != 0 {
				cells = append(cells, aggregation.Cell{VarID: int64(v), ObsID: int64(o), Value: x})
			}
		}
	}
	writeNormed(t, cfg, cells)
	cfg.Opts.Partitions = 1
	cfg.Opts.BytesPerRow = 1 << 22 // one gene per chunk
	assert.NoError(t, RankCells(vcontext.Background(), cfg))
	rows, g := statsByKey(t, cfg)
	for v, row := range dense {
		want := bruteForceR(row, groups)
		var total float64
		for _, label := range g.Labels {
			got := rows[GeneGroup{int64(v), label}]
			require.InDelta(t, want[label], got.R, 1e-9, "gene %d group %s", v, label)
			total += got.R
		}
		// The ranks of all cells sum to NTotal*(NTotal+1)/2.
		require.InDelta(t, 15.0, total, 1e-9)
	}
	// Gene 1 has no zeros, so R is the plain rank sum.
	expect.EQ(t, rows[GeneGroup{1, "X"}].R, 4.0+2.0)
}

func TestSingleGroup(t *testing.T) {
	cfg, cleanup := newTestConfig(t, []string{"A", "A", "A"}, 1)
	defer cleanup()
	writeNormed(t, cfg, []aggregation.Cell{{VarID: 0, ObsID: 1, Value: 2}})
	assert.NoError(t, RankCells(vcontext.Background(), cfg))
	rows, _ := statsByKey(t, cfg)
	r := rows[GeneGroup{0, "A"}]
	expect.EQ(t, r.U, 0.0)
	expect.EQ(t, r.P, 1.0)
	expect.EQ(t, r.PAdj, 1.0)
}

func TestDeriveStatisticsEmptyGroup(t *testing.T) {
	rows := []Row{{GeneGroup: GeneGroup{0, "A"}, Accum: Accum{N: 0}}}
	DeriveStatistics(rows, 4)
	expect.EQ(t, rows[0].U, 0.0)
	expect.EQ(t, rows[0].P, 1.0)
	expect.False(t, math.IsNaN(rows[0].LFC))
}

func TestAdjustBH(t *testing.T) {
	raw := []float64{0.01, 0.04, 0.03, 0.2}
	adj := adjustBH(raw)
	want := []float64{0.04, 0.04 * 4 / 3, 0.04 * 4 / 3, 0.2}
	for i := range want {
		require.InDelta(t, want[i], adj[i], 1e-12)
		expect.True(t, adj[i] >= raw[i])
		expect.True(t, adj[i] <= 1)
	}
	order := []int{0, 1, 2, 3}
	sort.Slice(order, func(i, j int) bool { return raw[order[i]] < raw[order[j]] })
	for k := 1; k < len(order); k++ {
		expect.True(t, adj[order[k]] >= adj[order[k-1]])
	}
	expect.EQ(t, adjustBH([]float64{0.9, 0.8}), []float64{0.9, 0.9})
	expect.EQ(t, len(adjustBH(nil)), 0)
}

func TestSelectTopN(t *testing.T) {
	rows := []Row{
		{GeneGroup: GeneGroup{0, "A"}, U: 1},
		{GeneGroup: GeneGroup{1, "A"}, U: 3},
		{GeneGroup: GeneGroup{2, "A"}, U: 1},
		{GeneGroup: GeneGroup{3, "A"}, U: -2},
		{GeneGroup: GeneGroup{0, "B"}, U: 0},
	}
	top := SelectTopN(rows, 3)
	var vars []int64
	for _, r := range top["A"] {
		vars = append(vars, r.Var)
	}
	expect.EQ(t, vars, []int64{1, 0, 2})
	expect.EQ(t, len(top["B"]), 1)

	top = SelectTopN(rows, -1)
	expect.EQ(t, len(top["A"]), 0)
	expect.EQ(t, len(top["B"]), 0)
}

func TestAccumMerge(t *testing.T) {
	tab := Table{{0, "A"}: {N: 3}}
	tab.Merge(Table{{0, "A"}: {S: 1.5}})
	tab.Merge(Table{{0, "A"}: {R: 4}})
	expect.EQ(t, tab[GeneGroup{0, "A"}], Accum{N: 3, S: 1.5, R: 4})
}

func TestNewGroupingDuplicateObs(t *testing.T) {
	_, err := NewGrouping(cellTypeKey, []int64{1, 1}, []string{"A", "B"})
	expect.NotNil(t, err)
	g, err := NewGrouping(cellTypeKey, []int64{4, 2, 9}, []string{"B", "A", "B"})
	assert.NoError(t, err)
	expect.EQ(t, g.Labels, []string{"A", "B"})
	expect.EQ(t, g.Size(1), int64(2))
	expect.EQ(t, g.Members[1].ToArray(), []uint32{4, 9})
}

func TestRankGenesGroups(t *testing.T) {
	ctx := vcontext.Background()
	cfg, cleanup := newTestConfig(t, []string{"CL:1", "CL:1", "CL:2", "CL:2", "CL:2"}, 3)
	defer cleanup()
	writeNormed(t, cfg, []aggregation.Cell{
		{VarID: 0, ObsID: 0, Value: 5},
		{VarID: 0, ObsID: 1, Value: 4},
		{VarID: 1, ObsID: 2, Value: 1},
		{VarID: 1, ObsID: 3, Value: 2},
		{VarID: 1, ObsID: 4, Value: 3},
		{VarID: 2, ObsID: 0, Value: 1},
		{VarID: 2, ObsID: 4, Value: 1},
	})
	assert.NoError(t, RankCells(ctx, cfg))
	cfg.Opts.TopN = 2

	_, err := RankGenesGroups(ctx, cfg, []string{"cell_typ"})
	expect.NotNil(t, err)

	negative := cfg
	negative.Opts.TopN = -1
	_, err = RankGenesGroups(ctx, negative, []string{cellTypeKey})
	expect.NotNil(t, err)

	r, err := RankGenesGroups(ctx, cfg, []string{"cell_typ", cellTypeKey})
	assert.NoError(t, err)
	expect.EQ(t, len(r), 1)
	groups := r[cellTypeKey]
	expect.EQ(t, len(groups), 2)
	for _, gr := range groups {
		expect.EQ(t, gr.Len(), 2)
		expect.EQ(t, len(gr.Pvals), 2)
		expect.EQ(t, len(gr.PvalsAdj), 2)
		expect.EQ(t, len(gr.LFC), 2)
		expect.EQ(t, len(gr.Scores), 2)
		expect.True(t, gr.Scores[0] >= gr.Scores[1])
	}
	expect.EQ(t, groups["CL:1"].Genes[0], "G0")
	expect.EQ(t, groups["CL:2"].Genes[0], "G1")

	// The default keys rank by tissue as well.
	r, err = RankGenesGroups(ctx, cfg, nil)
	assert.NoError(t, err)
	expect.EQ(t, len(r), 2)
	expect.EQ(t, len(r["tissue_ontology_term_id"]), 1)
}

func TestSuggest(t *testing.T) {
	expect.EQ(t, suggest("tisue_ontology_term_id", aggregation.TermColumns), "tissue_ontology_term_id")
	expect.EQ(t, validGroupBy([]string{"bogus", cellTypeKey}), []string{cellTypeKey})
}
