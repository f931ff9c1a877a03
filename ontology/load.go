// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ontology

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	farm "github.com/dgryski/go-farm"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
)

// LoadOpts controls Load.
type LoadOpts struct {
	// Parallelism is the number of ontologies fetched and parsed at once.
	Parallelism int
	// LinkWhitelist maps an ontology prefix to the prefixes that its
	// part_of, have_part, derives_from and develops_from links may target.
	// An ontology missing from the map may link to any prefix listed in the
	// descriptor.
	LinkWhitelist map[string][]string
}

// DefaultLoadOpts is the default value of LoadOpts.
var DefaultLoadOpts = LoadOpts{
	Parallelism: 8,
}

func (o LoadOpts) linkAllowed(prefix string, desc Descriptor) func(string) bool {
	allowed := map[string]bool{}
	if wl, ok := o.LinkWhitelist[prefix]; ok {
		for _, p := range wl {
			allowed[p] = true
		}
	} else {
		for p := range desc.Sources {
			allowed[p] = true
		}
	}
	return func(p string) bool { return allowed[p] }
}

// parseSource dispatches on the file name, ignoring a ".gz" suffix.
func parseSource(url string, data []byte, prefix string, linkAllowed func(string) bool) (Ontology, error) {
	name := strings.TrimSuffix(url, ".gz")
	switch {
	case strings.HasSuffix(name, ".obo"):
		return ParseOBO(bytes.NewReader(data), prefix, linkAllowed)
	case strings.HasSuffix(name, ".json"):
		return ParseJSON(bytes.NewReader(data), prefix, linkAllowed)
	case strings.HasSuffix(name, ".owl"):
		return nil, errors.E(errors.NotSupported, fmt.Sprintf("%s: OWL files are not supported; use the .obo or .json release of %s", url, prefix))
	}
	return nil, errors.E(errors.NotSupported, fmt.Sprintf("%s: unknown ontology file type", url))
}

// Load fetches and parses every ontology of the descriptor.
func Load(ctx context.Context, desc Descriptor, opts LoadOpts) (*Master, error) {
	prefixes := desc.Prefixes()
	onts := make([]Ontology, len(prefixes))
	sources := make([]Source, len(prefixes))
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	err := traverse.Limit(parallelism).Each(len(prefixes), func(i int) error {
		prefix := prefixes[i]
		url, err := desc.URL(prefix)
		if err != nil {
			return err
		}
		start := time.Now()
		data, err := readSource(ctx, url)
		if err != nil {
			return err
		}
		ont, err := parseSource(url, data, prefix, opts.linkAllowed(prefix, desc))
		if err != nil {
			return errors.E(err, fmt.Sprintf("load %s from %s", prefix, url))
		}
		onts[i] = ont
		sources[i] = Source{
			URL:         url,
			Version:     desc.Sources[prefix].Latest,
			Fingerprint: farm.Fingerprint64(data),
		}
		log.Printf("loaded %s: %d terms from %s in %v", prefix, len(ont), url, time.Since(start))
		return nil
	})
	if err != nil {
		return nil, err
	}
	m := NewMaster()
	for i, prefix := range prefixes {
		if err := m.Add(prefix, onts[i], sources[i]); err != nil {
			return nil, err
		}
	}
	return m, nil
}
