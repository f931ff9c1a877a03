// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package aggregation

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
)

// ObsRow is one row of the obs table.
type ObsRow struct {
	ObsID            int64  `tsv:"obs_id"`
	ObsName          string `tsv:"obs_name"`
	DatasetID        string `tsv:"dataset_id"`
	Assay            string `tsv:"assay_ontology_term_id"`
	CellType         string `tsv:"cell_type_ontology_term_id"`
	DevelopmentStage string `tsv:"development_stage_ontology_term_id"`
	Disease          string `tsv:"disease_ontology_term_id"`
	Ethnicity        string `tsv:"ethnicity_ontology_term_id"`
	Organism         string `tsv:"organism_ontology_term_id"`
	Sex              string `tsv:"sex_ontology_term_id"`
	Tissue           string `tsv:"tissue_ontology_term_id"`
}

// column returns the value of the named column. ok is false if the row has
// no such column.
func (r *ObsRow) column(name string) (v string, ok bool) {
	switch name {
	case "obs_name":
		return r.ObsName, true
	case "dataset_id":
		return r.DatasetID, true
	case "assay_ontology_term_id":
		return r.Assay, true
	case "cell_type_ontology_term_id":
		return r.CellType, true
	case "development_stage_ontology_term_id":
		return r.DevelopmentStage, true
	case "disease_ontology_term_id":
		return r.Disease, true
	case "ethnicity_ontology_term_id":
		return r.Ethnicity, true
	case "organism_ontology_term_id":
		return r.Organism, true
	case "sex_ontology_term_id":
		return r.Sex, true
	case "tissue_ontology_term_id":
		return r.Tissue, true
	}
	return "", false
}

// VarRow is one row of the var table.
type VarRow struct {
	VarID   int64  `tsv:"var_id"`
	VarName string `tsv:"feature_id"`
}

// ObsTable is a column-oriented view of selected obs columns. Columns[c][i]
// is the value of column c for the cell ObsIDs[i].
type ObsTable struct {
	ObsIDs  []int64
	Columns map[string][]string
}

// Len returns the number of cells.
func (t *ObsTable) Len() int { return len(t.ObsIDs) }

// Column returns the values of the named column.
func (t *ObsTable) Column(name string) ([]string, bool) {
	c, ok := t.Columns[name]
	return c, ok
}

// termSuffixRE matches a term id with an optional parenthesised annotation,
// as in "UBERON:0002048 (organoid)".
var termSuffixRE = regexp.MustCompile(`^(.+:\S+)(?:\s\(.*\))?$`)

// StripTermSuffix removes a parenthesised annotation that follows a term id.
// Values that do not look like term ids are returned unchanged.
func StripTermSuffix(v string) string {
	m := termSuffixRE.FindStringSubmatch(v)
	if m == nil {
		return v
	}
	return m[1]
}

// StripTermSuffixes applies StripTermSuffix to every term column of t.
func (t *ObsTable) StripTermSuffixes() {
	for name, col := range t.Columns {
		if !IsTermColumn(name) {
			continue
		}
		for i, v := range col {
			col[i] = StripTermSuffix(v)
		}
	}
}

// VarTable lists the genes of the aggregation, sorted by VarIDs.
type VarTable struct {
	VarIDs []int64
	Names  []string
}

// Len returns the number of genes.
func (t *VarTable) Len() int { return len(t.VarIDs) }

// NameMap returns a map from var id to gene name.
func (t *VarTable) NameMap() map[int64]string {
	m := make(map[int64]string, len(t.VarIDs))
	for i, id := range t.VarIDs {
		m[id] = t.Names[i]
	}
	return m
}

// ReadObsFile reads obs rows from a TSV file with a header row.
func ReadObsFile(ctx context.Context, path string) ([]ObsRow, error) {
	var rows []ObsRow
	err := readTSV(ctx, path, func(r *tsv.Reader) error {
		var row ObsRow
		if err := r.Read(&row); err != nil {
			return err
		}
		rows = append(rows, row)
		return nil
	})
	return rows, err
}

// ReadVarFile reads var rows from a TSV file with a header row.
func ReadVarFile(ctx context.Context, path string) ([]VarRow, error) {
	var rows []VarRow
	err := readTSV(ctx, path, func(r *tsv.Reader) error {
		var row VarRow
		if err := r.Read(&row); err != nil {
			return err
		}
		rows = append(rows, row)
		return nil
	})
	return rows, err
}

// readTSV calls readRow until it returns io.EOF.
func readTSV(ctx context.Context, path string, readRow func(r *tsv.Reader) error) (err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return errors.E(err, fmt.Sprintf("open %s", path))
	}
	defer file.CloseAndReport(ctx, in, &err)
	r := tsv.NewReader(in.Reader(ctx))
	r.HasHeaderRow = true
	r.UseHeaderNames = true
	for line := 2; ; line++ {
		if err := readRow(r); err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.E(err, fmt.Sprintf("read %s:%d", path, line))
		}
	}
}

// WriteObs replaces the obs table.
func (a *Aggregation) WriteObs(ctx context.Context, rows []ObsRow) (err error) {
	out, err := file.Create(ctx, a.path(Obs+".tsv"))
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := tsv.NewRowWriter(out.Writer(ctx))
	for i := range rows {
		if err := w.Write(&rows[i]); err != nil {
			return err
		}
	}
	return w.Flush()
}

// WriteVar replaces the var table.
func (a *Aggregation) WriteVar(ctx context.Context, rows []VarRow) (err error) {
	out, err := file.Create(ctx, a.path(Var+".tsv"))
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := tsv.NewRowWriter(out.Writer(ctx))
	for i := range rows {
		if err := w.Write(&rows[i]); err != nil {
			return err
		}
	}
	return w.Flush()
}

// ReadObs reads the named obs columns. Valid names are obs_name, dataset_id
// and TermColumns.
func (a *Aggregation) ReadObs(ctx context.Context, columns ...string) (*ObsTable, error) {
	var probe ObsRow
	for _, c := range columns {
		if _, ok := probe.column(c); !ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("obs has no column %q", c))
		}
	}
	rows, err := ReadObsFile(ctx, a.path(Obs+".tsv"))
	if err != nil {
		return nil, err
	}
	t := &ObsTable{
		ObsIDs:  make([]int64, len(rows)),
		Columns: make(map[string][]string, len(columns)),
	}
	for _, c := range columns {
		t.Columns[c] = make([]string, len(rows))
	}
	for i := range rows {
		t.ObsIDs[i] = rows[i].ObsID
		for _, c := range columns {
			t.Columns[c][i], _ = rows[i].column(c)
		}
	}
	return t, nil
}

// ReadVar reads the var table.
func (a *Aggregation) ReadVar(ctx context.Context) (*VarTable, error) {
	rows, err := ReadVarFile(ctx, a.path(Var+".tsv"))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].VarID < rows[j].VarID })
	t := &VarTable{
		VarIDs: make([]int64, len(rows)),
		Names:  make([]string, len(rows)),
	}
	for i, r := range rows {
		if i > 0 && r.VarID == rows[i-1].VarID {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("var table: duplicate var_id %d", r.VarID))
		}
		t.VarIDs[i] = r.VarID
		t.Names[i] = r.VarName
	}
	return t, nil
}
