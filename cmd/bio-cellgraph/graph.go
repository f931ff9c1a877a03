// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/cellgraph/ontology"
	"github.com/grailbio/cellgraph/report"
	"github.com/grailbio/cellgraph/termgraph"
	"v.io/x/lib/cmdline"
)

type graphFlags struct {
	owlInfo, rankings, out string
	filterNonHuman         bool
}

func newCmdCreateGraph() *cmdline.Command {
	cmd := &cmdline.Command{
		Name: "create-graph",
		Short: `Write the ontology terms used by an aggregation, with their ancestors,
cell counts and marker genes`,
		ArgsName: "uri",
	}
	flags := graphFlags{}
	cmd.Flags.StringVar(&flags.owlInfo, "owl-info", "", "YAML descriptor of the ontology sources")
	cmd.Flags.StringVar(&flags.rankings, "rank-genes-groups", "", "Rankings JSON written by rank-genes-groups. If empty, no marker genes are attached")
	cmd.Flags.StringVar(&flags.out, "o", report.Stdout, "Output JSON file. A .gz suffix gzips it")
	cmd.Flags.BoolVar(&flags.filterNonHuman, "filter-non-human", false, "Do not seed deprecated and non-human CL and UBERON terms")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("create-graph takes one uri argument, but got %v", argv)
		}
		if flags.owlInfo == "" {
			return fmt.Errorf("create-graph: -owl-info is required")
		}
		return createGraph(vcontext.Background(), argv[0], flags)
	})
	return cmd
}

func createGraph(ctx context.Context, uri string, flags graphFlags) error {
	opts := termgraph.DefaultOpts
	opts.FilterNonHuman = flags.filterNonHuman
	load := ontology.DefaultLoadOpts
	load.Parallelism = *parallelismFlag
	g, err := termgraph.Build(ctx, termgraph.Config{
		URI:        uri,
		Store:      storeOpts(),
		Descriptor: flags.owlInfo,
		Rankings:   flags.rankings,
		Load:       load,
		Opts:       opts,
	})
	if err != nil {
		return err
	}
	return report.WriteJSON(ctx, flags.out, g)
}
