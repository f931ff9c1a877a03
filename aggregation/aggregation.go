// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package aggregation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
)

// Names of the tables in an aggregation.
const (
	Obs        = "obs"
	Var        = "var"
	XNormed    = "raw_X_normed"
	XRanked    = "raw_X_ranked"
	schemaFile = "aggregation.json"

	// SchemaVersion is stored in aggregation.json.
	SchemaVersion = "2.0.0"
)

// TermColumns lists the obs columns that hold ontology term ids.
var TermColumns = []string{
	"assay_ontology_term_id",
	"cell_type_ontology_term_id",
	"development_stage_ontology_term_id",
	"disease_ontology_term_id",
	"ethnicity_ontology_term_id",
	"organism_ontology_term_id",
	"sex_ontology_term_id",
	"tissue_ontology_term_id",
}

// IsTermColumn reports whether col is one of TermColumns.
func IsTermColumn(col string) bool {
	for _, c := range TermColumns {
		if c == col {
			return true
		}
	}
	return false
}

// IsXArray reports whether name is one of the two sparse arrays.
func IsXArray(name string) bool { return name == XNormed || name == XRanked }

// Opts controls how an aggregation handle reads and writes arrays.
type Opts struct {
	// InitBufferBytes caps the memory used to materialize one read of an X
	// array (ReadX). It does not apply to streaming reads (ScanX).
	InitBufferBytes int64
	// BlockBytes is the goal size of one uncompressed fragment block.
	BlockBytes int
	// Transformers are the recordio transformers applied to fragment blocks.
	Transformers []string
	// MaxFlushParallelism is the number of blocks a fragment writer compresses
	// concurrently.
	MaxFlushParallelism int
}

// DefaultOpts is the default value of Opts.
var DefaultOpts = Opts{
	InitBufferBytes:     2 << 30,
	BlockBytes:          1 << 20,
	Transformers:        []string{"zstd"},
	MaxFlushParallelism: 2,
}

// Aggregation is a handle to an aggregation rooted at a URI. A handle holds
// no open files, so it is cheap to create one per task. Thread compatible.
type Aggregation struct {
	uri  string
	opts Opts
}

type schema struct {
	Version     string
	TermColumns []string
}

// Create creates an empty aggregation at uri. It fails if an aggregation
// already exists there.
func Create(ctx context.Context, uri string) (*Aggregation, error) {
	path := file.Join(uri, schemaFile)
	if _, err := file.Stat(ctx, path); err == nil {
		return nil, errors.E(errors.Exists, fmt.Sprintf("aggregation %s already exists", uri))
	}
	data, err := json.Marshal(schema{Version: SchemaVersion, TermColumns: TermColumns})
	if err != nil {
		return nil, err
	}
	if err := file.WriteFile(ctx, path, data); err != nil {
		return nil, errors.E(err, fmt.Sprintf("create %s", uri))
	}
	a := &Aggregation{uri: uri, opts: DefaultOpts}
	for _, array := range []string{XNormed, XRanked} {
		if err := a.writeManifest(ctx, array, manifest{}); err != nil {
			return nil, err
		}
	}
	log.Printf("created aggregation %s", uri)
	return a, nil
}

// Open opens an existing aggregation.
func Open(ctx context.Context, uri string, opts Opts) (*Aggregation, error) {
	data, err := file.ReadFile(ctx, file.Join(uri, schemaFile))
	if err != nil {
		return nil, errors.E(err, fmt.Sprintf("open aggregation %s", uri))
	}
	var s schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.E(err, fmt.Sprintf("open aggregation %s: corrupt %s", uri, schemaFile))
	}
	if s.Version != SchemaVersion {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("aggregation %s: schema version %s, expect %s", uri, s.Version, SchemaVersion))
	}
	if opts.BlockBytes <= 0 {
		opts.BlockBytes = DefaultOpts.BlockBytes
	}
	if opts.MaxFlushParallelism <= 0 {
		opts.MaxFlushParallelism = DefaultOpts.MaxFlushParallelism
	}
	return &Aggregation{uri: uri, opts: opts}, nil
}

// URI returns the root of the aggregation.
func (a *Aggregation) URI() string { return a.uri }

// Opts returns the options the handle was opened with.
func (a *Aggregation) Opts() Opts { return a.opts }

func (a *Aggregation) path(elems ...string) string {
	return file.Join(append([]string{a.uri}, elems...)...)
}
