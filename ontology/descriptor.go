// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ontology

import (
	"context"
	"fmt"
	"io/ioutil"
	"sort"
	"strings"

	"github.com/grailbio/base/errors"
	"gopkg.in/yaml.v3"
)

// SourceInfo is one entry of an owl_info descriptor.
type SourceInfo struct {
	// Latest names the version to load.
	Latest string `yaml:"latest"`
	// URLs maps a version to the location of the ontology file.
	URLs map[string]string `yaml:"urls"`
}

// Descriptor lists the ontologies to load, keyed by ontology prefix. It uses
// the layout of the cellxgene owl_info.yml file:
//
//   CL:
//     latest: v2021-08-10
//     urls:
//       v2021-08-10: https://example.org/cl.obo
type Descriptor struct {
	Sources map[string]SourceInfo
	// base is the directory of the descriptor. Relative URLs are resolved
	// against it.
	base string
}

// ParseDescriptor parses a descriptor. Relative URLs are resolved against
// base.
func ParseDescriptor(data []byte, base string) (Descriptor, error) {
	d := Descriptor{base: base}
	if err := yaml.Unmarshal(data, &d.Sources); err != nil {
		return d, errors.E(err, "parse ontology descriptor")
	}
	for prefix, info := range d.Sources {
		if info.Latest == "" {
			return d, errors.E(errors.Invalid, fmt.Sprintf("ontology descriptor: %s has no latest version", prefix))
		}
		if _, ok := info.URLs[info.Latest]; !ok {
			return d, errors.E(errors.Invalid, fmt.Sprintf("ontology descriptor: %s has no url for version %s", prefix, info.Latest))
		}
	}
	return d, nil
}

// ReadDescriptor reads a descriptor from a local path, an s3 path or an
// http(s) URL.
func ReadDescriptor(ctx context.Context, uri string) (Descriptor, error) {
	in, err := openSource(ctx, uri)
	if err != nil {
		return Descriptor{}, err
	}
	data, err := ioutil.ReadAll(in)
	if cerr := in.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Descriptor{}, errors.E(err, fmt.Sprintf("read %s", uri))
	}
	return ParseDescriptor(data, dirOf(uri))
}

// Prefixes returns the sorted ontology prefixes.
func (d Descriptor) Prefixes() []string {
	p := make([]string, 0, len(d.Sources))
	for prefix := range d.Sources {
		p = append(p, prefix)
	}
	sort.Strings(p)
	return p
}

// URL returns the location of the latest version of the ontology.
func (d Descriptor) URL(prefix string) (string, error) {
	info, ok := d.Sources[prefix]
	if !ok {
		return "", fmt.Errorf("ontology descriptor has no entry for %s", prefix)
	}
	u := info.URLs[info.Latest]
	if d.base != "" && !strings.Contains(u, "://") && !strings.HasPrefix(u, "/") {
		u = d.base + "/" + u
	}
	return u, nil
}

// URLs returns the location of the latest version of every ontology, keyed
// by prefix.
func (d Descriptor) URLs() map[string]string {
	m := make(map[string]string, len(d.Sources))
	for prefix := range d.Sources {
		m[prefix], _ = d.URL(prefix)
	}
	return m
}

func dirOf(uri string) string {
	i := strings.LastIndexByte(uri, '/')
	if i < 0 {
		return ""
	}
	if scheme := strings.Index(uri, "://"); scheme >= 0 && i < scheme+3 {
		return ""
	}
	return uri[:i]
}
