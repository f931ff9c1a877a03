// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// bio-cellgraph builds single-cell aggregations and derives the ontology
// graph and per-group gene rankings from them.
//
// A typical run:
//
//	bio-cellgraph create s3://bucket/agg
//	bio-cellgraph import s3://bucket/agg -obs obs.tsv -var var.tsv -normed cells.tsv
//	bio-cellgraph rank-cells s3://bucket/agg
//	bio-cellgraph rank-genes-groups s3://bucket/agg -o rankings.json
//	bio-cellgraph create-graph s3://bucket/agg -owl-info owl_info.yml -rank-genes-groups rankings.json -o graph.json.gz
package main

import (
	"flag"
	"os"
	"regexp"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/cellgraph/aggregation"
	"github.com/grailbio/cellgraph/rank"
	"v.io/x/lib/cmdline"
)

var (
	parallelismFlag = flag.Int("parallelism", rank.DefaultOpts.Parallelism,
		"Maximum number of concurrent ranking tasks and ontology fetches")
	bufferBytesFlag = flag.Int64("buffer-bytes", rank.DefaultOpts.RankBufferBytes,
		"Memory budget of one rank-cells task. S and R tasks get a quarter of it")
)

// storeOpts returns the aggregation options given by the global flags.
func storeOpts() aggregation.Opts {
	opts := aggregation.DefaultOpts
	opts.InitBufferBytes = *bufferBytesFlag
	return opts
}

// rankConfig returns the ranking configuration of uri given by the global
// flags.
func rankConfig(uri string) rank.Config {
	opts := rank.DefaultOpts
	opts.Parallelism = *parallelismFlag
	opts.RankBufferBytes = *bufferBytesFlag
	opts.AccumBufferBytes = *bufferBytesFlag / 4
	return rank.Config{URI: uri, Store: storeOpts(), Opts: opts}
}

func registerS3() {
	if file.FindImplementation("s3") != nil {
		return
	}
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

func main() {
	shutdown := grail.Init()
	registerS3()
	cmdline.HideGlobalFlagsExcept(regexp.MustCompile(`^(parallelism|buffer-bytes)$`))
	root := &cmdline.Command{
		Name:     "bio-cellgraph",
		Short:    "Build single-cell aggregations, gene rankings and ontology graphs",
		LookPath: false,
		Children: []*cmdline.Command{
			newCmdCreate(),
			newCmdImport(),
			newCmdRankCells(),
			newCmdRankGenesGroups(),
			newCmdConsolidate(),
			newCmdCreateGraph(),
			newCmdChecksum(),
		},
	}
	env := cmdline.EnvFromOS()
	err := cmdline.ParseAndRun(root, env, os.Args[1:])
	shutdown()
	os.Exit(cmdline.ExitCode(err, env.Stderr))
}
