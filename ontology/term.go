// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ontology holds typed ontology term graphs and loads them from OBO
// and JSON term files listed in an owl_info descriptor.
package ontology

import (
	"fmt"
	"sort"
	"strings"
)

// TermID identifies a term, as "<PREFIX>:<code>", e.g. "CL:0000066".
type TermID string

// Prefix returns the ontology prefix of the id, e.g. "CL". It returns the
// whole id if it has no colon.
func (id TermID) Prefix() string {
	s := string(id)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i]
	}
	return s
}

// LinkKind is a kind of directed relationship between two terms.
type LinkKind int

const (
	// Parents is the subclass (is_a) relation within one ontology.
	Parents LinkKind = iota
	// PartOf is BFO:0000050.
	PartOf
	// HavePart is BFO:0000051.
	HavePart
	// DerivesFrom is RO:0001000.
	DerivesFrom
	// DevelopsFrom is RO:0002202.
	DevelopsFrom
	// NumLinkKinds is the number of link kinds.
	NumLinkKinds
)

var linkKindNames = [NumLinkKinds]string{"parents", "part_of", "have_part", "derives_from", "develops_from"}

// String returns the name used for the link kind in JSON documents.
func (k LinkKind) String() string {
	if k < 0 || k >= NumLinkKinds {
		return fmt.Sprintf("LinkKind(%d)", int(k))
	}
	return linkKindNames[k]
}

// ParseLinkKind converts a name returned by LinkKind.String back to a kind.
func ParseLinkKind(name string) (LinkKind, error) {
	for k, n := range linkKindNames {
		if n == name {
			return LinkKind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown link kind %q", name)
}

// Term is one ontology term.
type Term struct {
	ID         TermID
	Label      string
	Deprecated bool
	// Links[k] lists the targets of links of kind k.
	Links    [NumLinkKinds][]TermID
	Synonyms []string
	// OnlyInTaxon lists the taxa (RO:0002160) the term is restricted to.
	OnlyInTaxon []TermID
}

// Clone returns a deep copy of t.
func (t *Term) Clone() *Term {
	c := *t
	for k := range c.Links {
		c.Links[k] = append([]TermID(nil), t.Links[k]...)
	}
	c.Synonyms = append([]string(nil), t.Synonyms...)
	c.OnlyInTaxon = append([]TermID(nil), t.OnlyInTaxon...)
	return &c
}

// Ontology maps term ids to the terms of one ontology.
type Ontology map[TermID]*Term

// Graph is a read-only view of a set of ontologies.
type Graph interface {
	// Lookup finds a term by id.
	Lookup(id TermID) (*Term, bool)
	// Owner returns the name of the ontology that defines the term.
	Owner(id TermID) (string, bool)
	// Links returns the targets of links of the given kind from the term.
	Links(id TermID, kind LinkKind) []TermID
}

// Source records where an ontology was loaded from.
type Source struct {
	// URL is the location the ontology was read from.
	URL string
	// Version is the descriptor's "latest" version.
	Version string
	// Fingerprint is a farmhash of the uncompressed source bytes.
	Fingerprint uint64
}

// Master is the set of ontologies loaded for a run. It is immutable once
// built and safe for concurrent readers.
type Master struct {
	ontologies map[string]Ontology
	sources    map[string]Source
	owner      map[TermID]string
}

// NewMaster creates an empty Master.
func NewMaster() *Master {
	return &Master{
		ontologies: map[string]Ontology{},
		sources:    map[string]Source{},
		owner:      map[TermID]string{},
	}
}

// Add registers an ontology. Term ids must be unique across all ontologies
// of the master. Add is not safe for concurrent use and must not be called
// after the master is shared.
func (m *Master) Add(name string, ont Ontology, src Source) error {
	if _, ok := m.ontologies[name]; ok {
		return fmt.Errorf("ontology %s added twice", name)
	}
	for id := range ont {
		if other, ok := m.owner[id]; ok {
			return fmt.Errorf("term %s is defined by both %s and %s", id, other, name)
		}
	}
	for id := range ont {
		m.owner[id] = name
	}
	m.ontologies[name] = ont
	m.sources[name] = src
	return nil
}

// Names returns the sorted names of the ontologies.
func (m *Master) Names() []string {
	names := make([]string, 0, len(m.ontologies))
	for name := range m.ontologies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Ontology returns the named ontology.
func (m *Master) Ontology(name string) (Ontology, bool) {
	ont, ok := m.ontologies[name]
	return ont, ok
}

// Source returns the provenance of the named ontology.
func (m *Master) Source(name string) (Source, bool) {
	src, ok := m.sources[name]
	return src, ok
}

// NumTerms returns the total number of terms.
func (m *Master) NumTerms() int { return len(m.owner) }

// Lookup implements Graph.
func (m *Master) Lookup(id TermID) (*Term, bool) {
	name, ok := m.owner[id]
	if !ok {
		return nil, false
	}
	t := m.ontologies[name][id]
	return t, true
}

// Owner implements Graph.
func (m *Master) Owner(id TermID) (string, bool) {
	name, ok := m.owner[id]
	return name, ok
}

// Links implements Graph.
func (m *Master) Links(id TermID, kind LinkKind) []TermID {
	t, ok := m.Lookup(id)
	if !ok {
		return nil
	}
	return t.Links[kind]
}
