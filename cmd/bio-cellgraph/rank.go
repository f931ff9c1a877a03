// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/cellgraph/rank"
	"github.com/grailbio/cellgraph/report"
	"v.io/x/lib/cmdline"
)

func newCmdRankCells() *cmdline.Command {
	cmd := &cmdline.Command{
		Name: "rank-cells",
		Short: `Rank the normalized expression of every gene across cells.
The result replaces raw_X_ranked only if every gene was ranked`,
		ArgsName: "uri",
	}
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("rank-cells takes one uri argument, but got %v", argv)
		}
		return rank.RankCells(vcontext.Background(), rankConfig(argv[0]))
	})
	return cmd
}

type rankGenesFlags struct {
	groupBy    string
	n          int
	partitions int
	out, tsv   string
}

func newCmdRankGenesGroups() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "rank-genes-groups",
		Short:    "Rank the marker genes of each group of cells with the Wilcoxon rank-sum test",
		ArgsName: "uri",
	}
	flags := rankGenesFlags{}
	cmd.Flags.StringVar(&flags.groupBy, "groupby", strings.Join(rank.DefaultOpts.GroupBy, ","),
		"Comma-separated list of obs term columns to group cells by")
	cmd.Flags.IntVar(&flags.n, "n", rank.DefaultOpts.TopN, "Number of genes reported per group")
	cmd.Flags.IntVar(&flags.partitions, "partitions", rank.DefaultOpts.Partitions, "Number of gene partitions")
	cmd.Flags.StringVar(&flags.out, "o", report.Stdout, "Output JSON file. A .gz suffix gzips it")
	cmd.Flags.StringVar(&flags.tsv, "tsv", "", "If set, also write the rankings as a TSV file")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("rank-genes-groups takes one uri argument, but got %v", argv)
		}
		return rankGenesGroups(vcontext.Background(), rankConfig(argv[0]), flags)
	})
	return cmd
}

func rankGenesGroups(ctx context.Context, cfg rank.Config, flags rankGenesFlags) error {
	cfg.Opts.TopN = flags.n
	cfg.Opts.Partitions = flags.partitions
	var groupBy []string
	for _, key := range strings.Split(flags.groupBy, ",") {
		if key = strings.TrimSpace(key); key != "" {
			groupBy = append(groupBy, key)
		}
	}
	r, err := rank.RankGenesGroups(ctx, cfg, groupBy)
	if err != nil {
		return err
	}
	if err := report.WriteJSON(ctx, flags.out, r); err != nil {
		return err
	}
	if flags.tsv != "" {
		return report.WriteRankingsTSV(ctx, flags.tsv, r)
	}
	return nil
}
