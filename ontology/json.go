// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ontology

import (
	"encoding/json"
	"fmt"
	"io"
)

// rawTerm is the JSON form of a term in a term map file.
type rawTerm struct {
	Label        string   `json:"label"`
	Deprecated   bool     `json:"deprecated"`
	Parents      []TermID `json:"parents"`
	PartOf       []TermID `json:"part_of"`
	HavePart     []TermID `json:"have_part"`
	DerivesFrom  []TermID `json:"derives_from"`
	DevelopsFrom []TermID `json:"develops_from"`
	Synonyms     []string `json:"synonyms"`
	OnlyInTaxon  []TermID `json:"only_in_taxon"`
}

// ParseJSON parses a term map, a JSON object from term id to
//
//   {"label": ..., "deprecated": ..., "parents": [...], "part_of": [...],
//    "have_part": [...], "derives_from": [...], "develops_from": [...],
//    "synonyms": [...], "only_in_taxon": [...]}
//
// Missing fields are empty. The same prefix rules as ParseOBO apply.
func ParseJSON(r io.Reader, prefix string, linkAllowed func(prefix string) bool) (Ontology, error) {
	if linkAllowed == nil {
		linkAllowed = func(string) bool { return true }
	}
	var raw map[TermID]rawTerm
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse %s term map: %v", prefix, err)
	}
	ont := make(Ontology, len(raw))
	for id, rt := range raw {
		if id.Prefix() != prefix {
			continue
		}
		t := &Term{
			ID:          id,
			Label:       rt.Label,
			Deprecated:  rt.Deprecated,
			Synonyms:    rt.Synonyms,
			OnlyInTaxon: rt.OnlyInTaxon,
		}
		for _, p := range rt.Parents {
			if p.Prefix() == prefix {
				t.Links[Parents] = append(t.Links[Parents], p)
			}
		}
		for kind, targets := range map[LinkKind][]TermID{
			PartOf:       rt.PartOf,
			HavePart:     rt.HavePart,
			DerivesFrom:  rt.DerivesFrom,
			DevelopsFrom: rt.DevelopsFrom,
		} {
			for _, target := range targets {
				if linkAllowed(target.Prefix()) {
					t.Links[kind] = append(t.Links[kind], target)
				}
			}
		}
		ont[id] = t
	}
	return ont, nil
}
