// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/cellgraph/aggregation"
	"github.com/grailbio/cellgraph/report"
	"v.io/x/lib/cmdline"
)

func newCmdCreate() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "create",
		Short:    "Create an empty aggregation",
		ArgsName: "uri",
	}
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("create takes one uri argument, but got %v", argv)
		}
		_, err := aggregation.Create(vcontext.Background(), argv[0])
		return err
	})
	return cmd
}

type importFlags struct {
	obs, vars, normed string
	batchCells        int
}

func newCmdImport() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "import",
		Short:    "Load the obs and var tables and normalized cells into an aggregation",
		ArgsName: "uri",
	}
	flags := importFlags{}
	cmd.Flags.StringVar(&flags.obs, "obs", "", "TSV file of the obs table, with an obs_id column and the term columns")
	cmd.Flags.StringVar(&flags.vars, "var", "", "TSV file of the var table, with var_id and feature_id columns")
	cmd.Flags.StringVar(&flags.normed, "normed", "", "TSV file of normalized cells, with var_id, obs_id and value columns")
	cmd.Flags.IntVar(&flags.batchCells, "batch-cells", 1<<24, "Number of cells per imported fragment")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("import takes one uri argument, but got %v", argv)
		}
		return importAggregation(vcontext.Background(), argv[0], flags)
	})
	return cmd
}

func importAggregation(ctx context.Context, uri string, flags importFlags) error {
	agg, err := aggregation.Open(ctx, uri, storeOpts())
	if err != nil {
		return err
	}
	if flags.obs != "" {
		rows, err := aggregation.ReadObsFile(ctx, flags.obs)
		if err != nil {
			return err
		}
		if err := agg.WriteObs(ctx, rows); err != nil {
			return err
		}
		log.Printf("%s: imported %d obs", uri, len(rows))
	}
	if flags.vars != "" {
		rows, err := aggregation.ReadVarFile(ctx, flags.vars)
		if err != nil {
			return err
		}
		if err := agg.WriteVar(ctx, rows); err != nil {
			return err
		}
		log.Printf("%s: imported %d genes", uri, len(rows))
	}
	if flags.normed != "" {
		if err := agg.ImportCellsTSV(ctx, aggregation.XNormed, flags.normed, flags.batchCells); err != nil {
			return err
		}
	}
	return nil
}

func newCmdConsolidate() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "consolidate",
		Short:    "Rewrite X arrays as a single fragment each",
		ArgsName: "uri",
	}
	normed := cmd.Flags.Bool("normed", false, "Consolidate raw_X_normed")
	ranked := cmd.Flags.Bool("ranked", false, "Consolidate raw_X_ranked")
	chunk := cmd.Flags.Int("chunk-genes", 1024, "Number of genes read at a time")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("consolidate takes one uri argument, but got %v", argv)
		}
		var arrays []string
		if *normed {
			arrays = append(arrays, aggregation.XNormed)
		}
		if *ranked {
			arrays = append(arrays, aggregation.XRanked)
		}
		if len(arrays) == 0 {
			arrays = []string{aggregation.XNormed, aggregation.XRanked}
		}
		return consolidate(vcontext.Background(), argv[0], arrays, *chunk)
	})
	return cmd
}

func consolidate(ctx context.Context, uri string, arrays []string, chunk int) error {
	agg, err := aggregation.Open(ctx, uri, storeOpts())
	if err != nil {
		return err
	}
	for _, array := range arrays {
		if err := agg.Consolidate(ctx, array, chunk); err != nil {
			return err
		}
	}
	return nil
}

func newCmdChecksum() *cmdline.Command {
	cmd := &cmdline.Command{
		Name: "checksum",
		Short: `Compute a checksum of an X array.
The checksum is a JSON object that does not depend on how cells are split into fragments`,
		ArgsName: "uri array",
	}
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 {
			return fmt.Errorf("checksum takes a uri and an array name, but got %v", argv)
		}
		return checksum(vcontext.Background(), argv[0], argv[1], report.Stdout)
	})
	return cmd
}

func checksum(ctx context.Context, uri, array, out string) error {
	if !aggregation.IsXArray(array) {
		return fmt.Errorf("checksum: %q is not one of %s, %s", array, aggregation.XNormed, aggregation.XRanked)
	}
	agg, err := aggregation.Open(ctx, uri, storeOpts())
	if err != nil {
		return err
	}
	c, err := agg.Checksum(ctx, array)
	if err != nil {
		return err
	}
	return report.WriteJSON(ctx, out, c)
}
