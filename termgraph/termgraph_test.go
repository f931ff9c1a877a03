// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package termgraph

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/cellgraph/aggregation"
	"github.com/grailbio/cellgraph/ontology"
	"github.com/grailbio/cellgraph/report"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/grailbio/testutil/h"
)

func term(id, label string, links map[ontology.LinkKind][]ontology.TermID) *ontology.Term {
	t := &ontology.Term{ID: ontology.TermID(id), Label: label}
	for k, v := range links {
		t.Links[k] = v
	}
	return t
}

// testMaster returns a small master with a cycle, a cross-ontology link and
// a dangling link.
func testMaster(t *testing.T) *ontology.Master {
	m := ontology.NewMaster()
	assert.NoError(t, m.Add("CL", ontology.Ontology{
		"CL:0000000": term("CL:0000000", "cell", nil),
		"CL:0000066": term("CL:0000066", "epithelial cell", map[ontology.LinkKind][]ontology.TermID{
			ontology.Parents: {"CL:0000000"},
			ontology.PartOf:  {"UBERON:0000483"},
		}),
		"CL:0000001": term("CL:0000001", "fungal cell", map[ontology.LinkKind][]ontology.TermID{
			ontology.Parents: {"CL:0000000"},
		}),
		"CL:0000002": {ID: "CL:0000002", Label: "worm cell", OnlyInTaxon: []ontology.TermID{"NCBITaxon:6239"}},
		"CL:0000003": {ID: "CL:0000003", Label: "old cell", Deprecated: true},
	}, ontology.Source{URL: "cl.obo"}))
	assert.NoError(t, m.Add("UBERON", ontology.Ontology{
		"UBERON:0000061": term("UBERON:0000061", "anatomical structure", nil),
		"UBERON:0000483": term("UBERON:0000483", "epithelium", map[ontology.LinkKind][]ontology.TermID{
			ontology.Parents: {"UBERON:0000061"},
		}),
		"UBERON:0000171": term("UBERON:0000171", "respiration organ", map[ontology.LinkKind][]ontology.TermID{
			ontology.Parents:  {"UBERON:0000061"},
			ontology.HavePart: {"UBERON:0002048"},
		}),
		"UBERON:0002048": term("UBERON:0002048", "lung", map[ontology.LinkKind][]ontology.TermID{
			ontology.Parents:     {"UBERON:0000171"},
			ontology.DevelopsFrom: {"GO:0000001"},
		}),
		"UBERON:0009999": term("UBERON:0009999", "unused", nil),
	}, ontology.Source{URL: "uberon.json"}))
	return m
}

func TestNonHumanFilter(t *testing.T) {
	f := DefaultNonHumanFilter
	for _, test := range []struct {
		t    ontology.Term
		want bool
	}{
		{ontology.Term{Label: "epithelial cell"}, false},
		{ontology.Term{Label: "Neuron (Sensu Arthropoda)"}, true},
		{ontology.Term{Label: "germ cell (sensu arthopoda)"}, true},
		{ontology.Term{Label: "sporocyte"}, true},
		{ontology.Term{Label: "macrophage (mus musculus)"}, true},
		{ontology.Term{Label: "T cell", OnlyInTaxon: []ontology.TermID{"NCBITaxon:10090"}}, true},
		{ontology.Term{Label: "T cell", OnlyInTaxon: []ontology.TermID{"NCBITaxon:10090", HomoSapiens}}, false},
	} {
		expect.EQ(t, f.NonHuman(&test.t), test.want, test.t.Label)
	}
	noTaxon := NonHumanFilter{}
	expect.False(t, noTaxon.NonHuman(&ontology.Term{Label: "x", OnlyInTaxon: []ontology.TermID{"NCBITaxon:10090"}}))
}

func obsTable(cellTypes, tissues []string) *aggregation.ObsTable {
	ids := make([]int64, len(cellTypes))
	for i := range ids {
		ids[i] = int64(i)
	}
	return &aggregation.ObsTable{
		ObsIDs: ids,
		Columns: map[string][]string{
			"cell_type_ontology_term_id": cellTypes,
			"tissue_ontology_term_id":    tissues,
		},
	}
}

func TestSeedTerms(t *testing.T) {
	m := testMaster(t)
	obs := obsTable(
		[]string{"CL:0000066", "CL:0000066", "unknown", "CL:0000002"},
		[]string{"UBERON:0002048", "na", "", "FOO:1"})
	opts := DefaultOpts
	opts.SeedOntologies = nil
	direct, seeds := SeedTerms(m, obs, opts)
	expect.EQ(t, direct.Sorted(), []ontology.TermID{"CL:0000002", "CL:0000066", "UBERON:0002048"})
	expect.EQ(t, seeds, direct)

	opts = DefaultOpts
	direct, seeds = SeedTerms(m, obs, opts)
	expect.EQ(t, len(direct), 3)
	expect.EQ(t, len(seeds), 6)

	opts.FilterNonHuman = true
	_, seeds = SeedTerms(m, obs, opts)
	// The fungal and deprecated cells are not seeded; the worm cell stays
	// because the dataset uses it.
	expect.EQ(t, seeds.Sorted(), []ontology.TermID{"CL:0000000", "CL:0000002", "CL:0000066", "UBERON:0002048"})
}

func TestClosure(t *testing.T) {
	m := testMaster(t)
	seeds := TermSet{"CL:0000066": true, "UBERON:0002048": true}
	got := Closure(m, seeds)
	expect.EQ(t, got.Sorted(), []ontology.TermID{
		"CL:0000000", "CL:0000066",
		"UBERON:0000061", "UBERON:0000171", "UBERON:0000483", "UBERON:0002048",
	})
	// Seeds are not modified, and the closure is a fixpoint.
	expect.EQ(t, len(seeds), 2)
	expect.EQ(t, Closure(m, got), got)
	expect.EQ(t, len(Closure(m, TermSet{})), 0)
}

func TestAnnotate(t *testing.T) {
	m := testMaster(t)
	obs := obsTable(
		[]string{"CL:0000066", "CL:0000066", "CL:0000066", "unknown"},
		[]string{"UBERON:0002048", "UBERON:0002048", "na", "UBERON:0002048"})
	_, seeds := SeedTerms(m, obs, Opts{Sentinels: DefaultOpts.Sentinels})
	u := Subgraph(m, Closure(m, seeds))
	rankings := report.Rankings{
		"cell_type_ontology_term_id": {
			"CL:0000066": {Genes: []string{"KRT5", "KRT14"}},
			"CL:9999999": {Genes: []string{"X"}},
		},
	}
	Annotate(u, obs, rankings, DefaultOpts)
	Cleanup(u)

	epi, ok := u.Lookup("CL:0000066")
	assert.True(t, ok)
	expect.EQ(t, epi.NCells, int64(3))
	expect.EQ(t, epi.Links[ontology.PartOf], []ontology.TermID{"UBERON:0000483", "UBERON:0002048"})
	expect.EQ(t, epi.Genes, []string{"KRT5", "KRT14"})
	lung, ok := u.Lookup("UBERON:0002048")
	assert.True(t, ok)
	expect.EQ(t, lung.NCells, int64(3))
	expect.EQ(t, len(lung.Genes), 0)
	_, ok = u.Lookup("na")
	expect.False(t, ok)

	// The master is unchanged.
	orig, _ := m.Lookup("CL:0000066")
	expect.EQ(t, orig.Links[ontology.PartOf], []ontology.TermID{"UBERON:0000483"})

	doc := u.Doc()
	expect.EQ(t, doc["CL"]["CL:0000066"].PartOf, []ontology.TermID{"UBERON:0000483", "UBERON:0002048"})
	expect.EQ(t, doc["CL"]["CL:0000000"].NCells, int64(0))
}

func TestCleanup(t *testing.T) {
	n := &Node{Term: &ontology.Term{ID: "CL:1", Synonyms: []string{"b", "a", "b"}}}
	n.Links[ontology.Parents] = []ontology.TermID{"CL:3", "CL:2", "CL:3"}
	u := InUse{"CL": {"CL:1": n}}
	Cleanup(u)
	expect.EQ(t, n.Synonyms, []string{"a", "b"})
	expect.EQ(t, n.Links[ontology.Parents], []ontology.TermID{"CL:2", "CL:3"})
	expect.EQ(t, u.Len(), 1)
}

func TestBuild(t *testing.T) {
	ctx := vcontext.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	write := func(name, data string) string {
		path := filepath.Join(dir, name)
		assert.NoError(t, ioutil.WriteFile(path, []byte(data), 0644))
		return path
	}
	write("cl.json", `{
		"CL:0000000": {"label": "cell"},
		"CL:0000066": {"label": "epithelial cell", "parents": ["CL:0000000"], "synonyms": ["epitheliocyte"]},
		"CL:0000236": {"label": "B cell", "parents": ["CL:0000000"]}
	}`)
	write("uberon.json", `{
		"UBERON:0000061": {"label": "anatomical structure"},
		"UBERON:0000171": {"label": "respiration organ", "parents": ["UBERON:0000061"]},
		"UBERON:0002048": {"label": "lung", "parents": ["UBERON:0000171"]},
		"UBERON:0002107": {"label": "liver", "parents": ["UBERON:0000061"]}
	}`)
	desc := write("owl_info.yml", `
CL: {latest: v1, urls: {v1: cl.json}}
UBERON: {latest: v1, urls: {v1: uberon.json}}
`)
	rankingsPath := filepath.Join(dir, "rankings.json")
	assert.NoError(t, report.WriteJSON(ctx, rankingsPath, report.Rankings{
		"cell_type_ontology_term_id": {
			"CL:0000066": {Genes: []string{"KRT5"}, Pvals: []float64{0.01}, PvalsAdj: []float64{0.02}, LFC: []float64{1}, Scores: []float64{3}},
		},
	}))

	uri := filepath.Join(dir, "agg")
	agg, err := aggregation.Create(ctx, uri)
	assert.NoError(t, err)
	assert.NoError(t, agg.WriteObs(ctx, []aggregation.ObsRow{
		{ObsID: 0, CellType: "CL:0000066", Tissue: "UBERON:0002048"},
		{ObsID: 1, CellType: "CL:0000066", Tissue: "na"},
		{ObsID: 2, CellType: "CL:0000066", Tissue: "UBERON:0002048 (organoid)"},
	}))
	assert.NoError(t, agg.WriteVar(ctx, []aggregation.VarRow{{VarID: 0, VarName: "KRT5"}}))

	opts := DefaultOpts
	opts.SeedOntologies = nil
	g, err := Build(ctx, Config{
		URI:        uri,
		Store:      aggregation.DefaultOpts,
		Descriptor: desc,
		Rankings:   rankingsPath,
		Load:       ontology.DefaultLoadOpts,
		Opts:       opts,
	})
	assert.NoError(t, err)
	expect.EQ(t, g.Dataset, uri)
	expect.EQ(t, g.OwlInfo["CL"], filepath.Join(dir, "cl.json"))
	expect.EQ(t, len(g.Fingerprints), 2)

	var ids []string
	for _, terms := range g.Ontologies {
		for id := range terms {
			ids = append(ids, string(id))
		}
	}
	expect.That(t, ids, h.UnorderedElementsAre(
		"CL:0000000", "CL:0000066",
		"UBERON:0000061", "UBERON:0000171", "UBERON:0002048"))

	epi := g.Ontologies["CL"]["CL:0000066"]
	expect.EQ(t, epi.NCells, int64(3))
	expect.EQ(t, epi.PartOf, []ontology.TermID{"UBERON:0002048"})
	expect.EQ(t, epi.Genes, []string{"KRT5"})
	expect.EQ(t, epi.Synonyms, []string{"epitheliocyte"})
	expect.EQ(t, g.Ontologies["UBERON"]["UBERON:0002048"].NCells, int64(2))
}
