// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/klauspost/compress/gzip"
)

// Stdout is the path that names the standard output.
const Stdout = "-"

// WriteJSON writes v as JSON to path. Path Stdout writes to the standard
// output; a path ending in ".gz" is gzipped.
func WriteJSON(ctx context.Context, path string, v interface{}) error {
	return writeTo(ctx, path, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(v)
	})
}

// writeTo calls fn with a writer for path.
func writeTo(ctx context.Context, path string, fn func(w io.Writer) error) (err error) {
	if path == Stdout {
		return fn(os.Stdout)
	}
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, fmt.Sprintf("create %s", path))
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := out.Writer(ctx)
	if !strings.HasSuffix(path, ".gz") {
		return fn(w)
	}
	gz := gzip.NewWriter(w)
	if err := fn(gz); err != nil {
		return err
	}
	return gz.Close()
}

// readJSON reads a JSON document written by WriteJSON.
func readJSON(ctx context.Context, path string, v interface{}) (err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return errors.E(err, fmt.Sprintf("open %s", path))
	}
	defer file.CloseAndReport(ctx, in, &err)
	var r io.Reader = in.Reader(ctx)
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return errors.E(err, fmt.Sprintf("gunzip %s", path))
		}
		defer gz.Close() // nolint: errcheck
		r = gz
	}
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return errors.E(err, fmt.Sprintf("decode %s", path))
	}
	return nil
}

// ReadRankings reads a rankings document and checks that the arrays of each
// group are aligned.
func ReadRankings(ctx context.Context, path string) (Rankings, error) {
	var r Rankings
	if err := readJSON(ctx, path, &r); err != nil {
		return nil, err
	}
	for key, groups := range r {
		for label, g := range groups {
			n := len(g.Genes)
			if len(g.Pvals) != n || len(g.PvalsAdj) != n || len(g.LFC) != n || len(g.Scores) != n {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("%s: %s/%s: arrays are not aligned", path, key, label))
			}
		}
	}
	return r, nil
}

// ReadGraph reads a graph document.
func ReadGraph(ctx context.Context, path string) (*Graph, error) {
	g := &Graph{}
	if err := readJSON(ctx, path, g); err != nil {
		return nil, err
	}
	return g, nil
}

var rankingsTSVHeader = []string{"groupby", "label", "rank", "gene", "score", "pval", "pval_adj", "lfc"}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

// WriteRankingsTSV writes the rankings in long format, one row per
// (grouping key, group, gene), with columns
//
//	groupby label rank gene score pval pval_adj lfc
//
// Rows are sorted by grouping key and label; rank is 1-based.
func WriteRankingsTSV(ctx context.Context, path string, r Rankings) error {
	return writeTo(ctx, path, func(out io.Writer) error {
		w := tsv.NewWriter(out)
		for _, col := range rankingsTSVHeader {
			w.WriteString(col)
		}
		if err := w.EndLine(); err != nil {
			return err
		}
		keys := make([]string, 0, len(r))
		for key := range r {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			labels := make([]string, 0, len(r[key]))
			for label := range r[key] {
				labels = append(labels, label)
			}
			sort.Strings(labels)
			for _, label := range labels {
				g := r[key][label]
				for i := range g.Genes {
					w.WriteString(key)
					w.WriteString(label)
					w.WriteInt64(int64(i + 1))
					w.WriteString(g.Genes[i])
					w.WriteString(formatFloat(g.Scores[i]))
					w.WriteString(formatFloat(g.Pvals[i]))
					w.WriteString(formatFloat(g.PvalsAdj[i]))
					w.WriteString(formatFloat(g.LFC[i]))
					if err := w.EndLine(); err != nil {
						return err
					}
				}
			}
		}
		return w.Flush()
	})
}
