// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rank

import (
	"math"
	"sort"
)

// lfcEpsilon is added to both means of the log fold change.
const lfcEpsilon = 1e-9

// Row is one (gene, group) entry of a ranking, with its statistics.
type Row struct {
	GeneGroup
	Accum
	// U is the standardized Wilcoxon rank-sum score.
	U float64
	// P is the two-sided p-value of U.
	P float64
	// PAdj is P after Benjamini-Hochberg adjustment.
	PAdj float64
	// LFC is the log2 fold change of the group mean over the overall mean.
	LFC float64
}

// Rows flattens t into rows ordered by var id, then by group label order of
// g. Only keys of varIDs are returned.
func (t Table) Rows(g *Grouping, varIDs []int64) []Row {
	rows := make([]Row, 0, len(varIDs)*len(g.Labels))
	for _, v := range varIDs {
		for _, label := range g.Labels {
			k := GeneGroup{v, label}
			rows = append(rows, Row{GeneGroup: k, Accum: t[k]})
		}
	}
	return rows
}

// DeriveStatistics fills U, P, PAdj and LFC of rows. nTotal is the number of
// cells in the aggregation. The p-values are adjusted over all rows.
func DeriveStatistics(rows []Row, nTotal int64) {
	total := float64(nTotal)
	sumS := map[int64]float64{}
	for _, r := range rows {
		sumS[r.Var] += r.S
	}
	pvals := make([]float64, len(rows))
	for i := range rows {
		r := &rows[i]
		n := float64(r.N)
		std := math.Sqrt(n * (total - n) * (total + 1) / 12)
		if std == 0 || math.IsNaN(std) {
			r.U = 0
		} else {
			r.U = (r.R - n*(total+1)/2) / std
		}
		r.P = math.Erfc(math.Abs(r.U) / math.Sqrt2)
		if math.IsNaN(r.P) {
			r.P = 1
		}
		pvals[i] = r.P
		var mean float64
		if r.N > 0 {
			mean = r.S / n
		}
		var overall float64
		if nTotal > 0 {
			overall = sumS[r.Var] / total
		}
		r.LFC = math.Log2((mean + lfcEpsilon) / (overall + lfcEpsilon))
	}
	for i, p := range adjustBH(pvals) {
		rows[i].PAdj = p
	}
}

// adjustBH returns the Benjamini-Hochberg adjusted p-values of pvals, in
// the same order. Adjusted values are capped at 1, and they are monotone in
// the raw values.
func adjustBH(pvals []float64) []float64 {
	n := len(pvals)
	adj := make([]float64, n)
	if n == 0 {
		return adj
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return pvals[order[i]] < pvals[order[j]] })
	running := 1.0
	for k := n - 1; k >= 0; k-- {
		i := order[k]
		v := pvals[i] * float64(n) / float64(k+1)
		if v < running {
			running = v
		}
		adj[i] = running
	}
	return adj
}

// SelectTopN returns, per group, the n rows with the largest U. Ties keep
// the order of rows. A negative n selects no rows.
func SelectTopN(rows []Row, n int) map[string][]Row {
	if n < 0 {
		n = 0
	}
	groups := map[string][]Row{}
	for _, r := range rows {
		groups[r.Group] = append(groups[r.Group], r)
	}
	for label, g := range groups {
		sort.SliceStable(g, func(i, j int) bool { return g[i].U > g[j].U })
		if len(g) > n {
			g = g[:n]
		}
		groups[label] = g
	}
	return groups
}
