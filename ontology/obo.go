// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ontology

import (
	"bufio"
	"io"
	"strings"

	"github.com/pkg/errors"
)

const oboScannerBufferSize = 1 << 20

// relationKinds maps OBO relationship names and ids to link kinds.
var relationKinds = map[string]LinkKind{
	"part_of":       PartOf,
	"BFO:0000050":   PartOf,
	"has_part":      HavePart,
	"BFO:0000051":   HavePart,
	"derives_from":  DerivesFrom,
	"RO:0001000":    DerivesFrom,
	"develops_from": DevelopsFrom,
	"RO:0002202":    DevelopsFrom,
}

var onlyInTaxon = map[string]bool{"only_in_taxon": true, "RO:0002160": true}

// ParseOBO parses the [Term] stanzas of an OBO flat file into the terms of
// the ontology named prefix. Terms whose id has another prefix are skipped.
// is_a targets are kept only within the same ontology; part_of, has_part,
// derives_from and develops_from targets only when linkAllowed accepts their
// prefix. A nil linkAllowed accepts every prefix.
func ParseOBO(r io.Reader, prefix string, linkAllowed func(prefix string) bool) (Ontology, error) {
	if linkAllowed == nil {
		linkAllowed = func(string) bool { return true }
	}
	p := oboParser{
		scanner:     bufio.NewScanner(r),
		prefix:      prefix,
		linkAllowed: linkAllowed,
		ont:         Ontology{},
	}
	p.scanner.Buffer(make([]byte, oboScannerBufferSize), oboScannerBufferSize)
	if err := p.parse(); err != nil {
		return nil, err
	}
	return p.ont, nil
}

type oboParser struct {
	scanner     *bufio.Scanner
	line        int
	prefix      string
	linkAllowed func(string) bool
	ont         Ontology
}

func (p *oboParser) next() (string, bool) {
	if !p.scanner.Scan() {
		return "", false
	}
	p.line++
	return strings.TrimRight(p.scanner.Text(), " \t\r"), true
}

func (p *oboParser) parse() error {
	line, ok := p.next()
	for ok {
		if line != "[Term]" {
			line, ok = p.next()
			continue
		}
		var (
			t   *Term
			err error
		)
		t, line, ok, err = p.parseTerm()
		if err != nil {
			return err
		}
		if t == nil {
			continue
		}
		if _, dup := p.ont[t.ID]; dup {
			return errors.Errorf("line %d: term %s defined twice", p.line, t.ID)
		}
		p.ont[t.ID] = t
	}
	return errors.Wrap(p.scanner.Err(), "couldn't read OBO data")
}

// parseTerm parses the body of a [Term] stanza. It returns the term (nil if
// the term belongs to another ontology) and the first line after the
// stanza.
func (p *oboParser) parseTerm() (t *Term, line string, ok bool, err error) {
	start := p.line
	t = &Term{}
	for {
		line, ok = p.next()
		if !ok || strings.HasPrefix(line, "[") {
			break
		}
		key, val, found := cut(line, ": ")
		if !found {
			continue
		}
		switch key {
		case "id":
			t.ID = TermID(val)
		case "name":
			t.Label = val
		case "is_obsolete":
			t.Deprecated = val == "true"
		case "synonym":
			if text, scope := parseSynonym(val); scope == "EXACT" {
				t.Synonyms = append(t.Synonyms, text)
			}
		case "is_a":
			target := TermID(stripComment(val))
			if target.Prefix() == p.prefix {
				t.Links[Parents] = append(t.Links[Parents], target)
			}
		case "relationship":
			rel, target, found := cut(stripComment(val), " ")
			if !found {
				return nil, line, ok, errors.Errorf("line %d: malformed relationship %q", p.line, val)
			}
			tid := TermID(target)
			if onlyInTaxon[rel] {
				t.OnlyInTaxon = append(t.OnlyInTaxon, tid)
			} else if kind, known := relationKinds[rel]; known && p.linkAllowed(tid.Prefix()) {
				t.Links[kind] = append(t.Links[kind], tid)
			}
		}
	}
	if t.ID == "" {
		return nil, line, ok, errors.Errorf("line %d: [Term] stanza without id", start)
	}
	if t.ID.Prefix() != p.prefix {
		return nil, line, ok, nil
	}
	return t, line, ok, nil
}

func cut(s, sep string) (before, after string, found bool) {
	if i := strings.Index(s, sep); i >= 0 {
		return s[:i], s[i+len(sep):], true
	}
	return s, "", false
}

// stripComment removes a trailing "! comment" and "{qualifiers}" from an
// is_a or relationship value.
func stripComment(val string) string {
	if i := strings.IndexByte(val, '!'); i >= 0 {
		val = val[:i]
	}
	if i := strings.IndexByte(val, '{'); i >= 0 {
		val = val[:i]
	}
	return strings.TrimSpace(val)
}

// parseSynonym parses `"text" SCOPE [xrefs]`. Escaped quotes inside the text
// are unescaped.
func parseSynonym(val string) (text, scope string) {
	if !strings.HasPrefix(val, `"`) {
		return "", ""
	}
	var b strings.Builder
	i := 1
	for ; i < len(val); i++ {
		c := val[i]
		if c == '\\' && i+1 < len(val) {
			i++
			b.WriteByte(val[i])
			continue
		}
		if c == '"' {
			break
		}
		b.WriteByte(c)
	}
	if i >= len(val) {
		return "", ""
	}
	fields := strings.Fields(val[i+1:])
	if len(fields) > 0 {
		scope = fields[0]
	}
	return b.String(), scope
}
