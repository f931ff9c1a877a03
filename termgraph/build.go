// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package termgraph builds the annotated ontology subgraph of the terms an
// aggregation uses: the terms named in obs, the seed ontologies, and every
// term reachable from them over parents, part_of, have_part, derives_from
// and develops_from links.
package termgraph

import (
	"context"
	"strconv"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/cellgraph/aggregation"
	"github.com/grailbio/cellgraph/ontology"
	"github.com/grailbio/cellgraph/report"
	"golang.org/x/sync/errgroup"
)

// Config describes one graph build.
type Config struct {
	// URI is the aggregation.
	URI string
	// Store configures the aggregation handle.
	Store aggregation.Opts
	// Descriptor is the location of the owl_info descriptor.
	Descriptor string
	// Rankings is the path of a rankings document. If empty, no marker genes
	// are attached.
	Rankings string
	// Load configures ontology loading.
	Load ontology.LoadOpts
	// Opts configures seeds and annotation.
	Opts Opts
}

// Build runs the whole pipeline: it loads the descriptor, the rankings, the
// ontologies and the obs and var tables, computes the closure of the seeds,
// and returns the annotated subgraph as a graph document.
func Build(ctx context.Context, cfg Config) (*report.Graph, error) {
	desc, err := ontology.ReadDescriptor(ctx, cfg.Descriptor)
	if err != nil {
		return nil, err
	}
	var rankings report.Rankings
	if cfg.Rankings != "" {
		if rankings, err = report.ReadRankings(ctx, cfg.Rankings); err != nil {
			return nil, err
		}
	}
	agg, err := aggregation.Open(ctx, cfg.URI, cfg.Store)
	if err != nil {
		return nil, err
	}

	var (
		master *ontology.Master
		obs    *aggregation.ObsTable
		vars   *aggregation.VarTable
		eg     errgroup.Group
	)
	eg.Go(func() (err error) {
		master, err = ontology.Load(ctx, desc, cfg.Load)
		return
	})
	eg.Go(func() (err error) {
		if obs, err = agg.ReadObs(ctx, aggregation.TermColumns...); err == nil {
			obs.StripTermSuffixes()
		}
		return
	})
	eg.Go(func() (err error) {
		vars, err = agg.ReadVar(ctx)
		return
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	checkRankedGenes(rankings, vars)

	direct, seeds := SeedTerms(master, obs, cfg.Opts)
	terms := Closure(master, seeds)
	log.Printf("%d terms directly in use, %d total (including ancestral terms)", len(direct), len(terms))

	inUse := Subgraph(master, terms)
	Annotate(inUse, obs, rankings, cfg.Opts)
	Cleanup(inUse)

	g := &report.Graph{
		Dataset:      cfg.URI,
		CreatedOn:    time.Now().Format(time.RFC3339),
		OwlInfo:      map[string]string{},
		Fingerprints: map[string]string{},
		Ontologies:   inUse.Doc(),
	}
	for _, name := range master.Names() {
		src, _ := master.Source(name)
		g.OwlInfo[name] = src.URL
		g.Fingerprints[name] = strconv.FormatUint(src.Fingerprint, 16)
	}
	return g, nil
}

// checkRankedGenes logs ranked genes that the var table does not list.
func checkRankedGenes(rankings report.Rankings, vars *aggregation.VarTable) {
	known := make(map[string]bool, vars.Len())
	for _, name := range vars.Names {
		known[name] = true
	}
	missing := map[string]bool{}
	for _, groups := range rankings {
		for _, g := range groups {
			for _, gene := range g.Genes {
				if !known[gene] {
					missing[gene] = true
				}
			}
		}
	}
	if len(missing) > 0 {
		log.Error.Printf("rankings name %d genes missing from the var table", len(missing))
	}
}
