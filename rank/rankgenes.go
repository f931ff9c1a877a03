// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rank

import (
	"context"
	"fmt"

	"github.com/antzucaro/matchr"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/cellgraph/aggregation"
	"github.com/grailbio/cellgraph/report"
)

// suggest returns the element of candidates closest to s.
func suggest(s string, candidates []string) string {
	best, bestDist := "", -1
	for _, c := range candidates {
		if d := matchr.Levenshtein(s, c); bestDist < 0 || d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

// validGroupBy returns the keys of groupBy that name a term column. The
// others are logged with the closest valid name.
func validGroupBy(groupBy []string) []string {
	var valid []string
	for _, key := range groupBy {
		if aggregation.IsTermColumn(key) {
			valid = append(valid, key)
			continue
		}
		log.Error.Printf("rank genes: unknown groupby key %q (did you mean %q?); skipping",
			key, suggest(key, aggregation.TermColumns))
	}
	return valid
}

// RankGenesGroups ranks the genes of every group of each groupBy key by the
// Wilcoxon rank-sum test of the group against all other cells. It requires
// raw_X_ranked to be up to date with raw_X_normed (see RankCells). Unknown
// keys are skipped; an error is returned if no key is valid. When groupBy
// is empty, cfg.Opts.GroupBy is used.
func RankGenesGroups(ctx context.Context, cfg Config, groupBy []string) (report.Rankings, error) {
	if cfg.Opts.TopN < 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("rank genes: negative number of genes per group %d", cfg.Opts.TopN))
	}
	if len(groupBy) == 0 {
		groupBy = cfg.Opts.GroupBy
	}
	keys := validGroupBy(groupBy)
	if len(keys) == 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("rank genes: no valid groupby key in %q", groupBy))
	}
	agg, err := aggregation.Open(ctx, cfg.URI, cfg.Store)
	if err != nil {
		return nil, err
	}
	obs, err := agg.ReadObs(ctx, keys...)
	if err != nil {
		return nil, err
	}
	vars, err := agg.ReadVar(ctx)
	if err != nil {
		return nil, err
	}
	rankings := report.Rankings{}
	for _, key := range keys {
		values, _ := obs.Column(key)
		g, err := NewGrouping(key, obs.ObsIDs, values)
		if err != nil {
			return nil, err
		}
		rows, err := rankGrouping(ctx, cfg, g, vars.VarIDs)
		if err != nil {
			return nil, errors.E(err, fmt.Sprintf("rank genes by %s", key))
		}
		rankings[key] = groupRankings(SelectTopN(rows, cfg.Opts.TopN), vars.NameMap())
	}
	return rankings, nil
}

// rankGrouping computes the statistics of every (gene, group) of g. Genes
// are split into Opts.Partitions bands; each band is one S task and one R
// task.
func rankGrouping(ctx context.Context, cfg Config, g *Grouping, varIDs []int64) ([]Row, error) {
	parts := cfg.Opts.Partitions
	if parts < 1 {
		parts = 1
	}
	size := len(varIDs) / parts
	if size < 1 {
		size = 1
	}
	bands := chunkVars(varIDs, size)
	log.Printf("rank genes by %s: %d cells, %d groups, %d genes in %d partitions",
		g.Key, g.NTotal, len(g.Labels), len(varIDs), len(bands))

	partials := make([]Table, 2*len(bands))
	err := traverse.Limit(cfg.Opts.Parallelism).Each(len(partials), func(i int) (err error) {
		band := bands[i/2]
		if i%2 == 0 {
			partials[i], err = computeS(ctx, cfg, g, band)
		} else {
			partials[i], err = computeR(ctx, cfg, g, band)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	t := g.NewTable(varIDs)
	for _, p := range partials {
		t.Merge(p)
	}
	rows := t.Rows(g, varIDs)
	DeriveStatistics(rows, g.NTotal)
	return rows, nil
}

// groupRankings converts the top rows of each group to report form.
func groupRankings(top map[string][]Row, names map[int64]string) map[string]*report.GroupRanking {
	out := make(map[string]*report.GroupRanking, len(top))
	for label, rows := range top {
		r := &report.GroupRanking{
			Genes:    make([]string, len(rows)),
			Pvals:    make([]float64, len(rows)),
			PvalsAdj: make([]float64, len(rows)),
			LFC:      make([]float64, len(rows)),
			Scores:   make([]float64, len(rows)),
		}
		for i, row := range rows {
			r.Genes[i] = names[row.Var]
			r.Pvals[i] = row.P
			r.PvalsAdj[i] = row.PAdj
			r.LFC[i] = row.LFC
			r.Scores[i] = row.U
		}
		out[label] = r
	}
	return out
}
