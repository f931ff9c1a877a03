// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package aggregation

import (
	"context"
	"fmt"
	"sort"
	"unsafe"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
)

// CellBytes is the in-memory size of one Cell. ReadX charges it against
// Opts.InitBufferBytes for every cell it returns.
const CellBytes = int64(unsafe.Sizeof(Cell{}))

// SortCells sorts cells by (var, obs). Cells with equal keys keep their
// relative order, so the first stored occurrence stays first.
func SortCells(cells []Cell) {
	sort.SliceStable(cells, func(i, j int) bool { return cells[i].Less(cells[j]) })
}

// normalizeVars returns a sorted, duplicate-free copy of vars. A nil vars
// stays nil and means "every var".
func normalizeVars(vars []int64) []int64 {
	if vars == nil {
		return nil
	}
	s := append([]int64{}, vars...)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	n := 0
	for i, v := range s {
		if i == 0 || v != s[n-1] {
			s[n] = v
			n++
		}
	}
	return s[:n]
}

// WriteX sorts cells, writes them as one fragment, and commits the fragment
// after the existing ones.
func (a *Aggregation) WriteX(ctx context.Context, array string, cells []Cell) error {
	sorted := append([]Cell{}, cells...)
	SortCells(sorted)
	fw := a.NewFragmentWriter(ctx, array)
	if err := fw.Append(sorted...); err != nil {
		fw.Abort()
		return err
	}
	info, err := fw.Close()
	if err != nil {
		fw.Abort()
		return err
	}
	return a.Commit(ctx, array, []FragmentInfo{info}, false)
}

// ScanX calls fn for every committed cell of the array whose var is in
// varIDs. A nil varIDs selects the whole array. Fragments are visited in
// commit order, and the cells of one fragment in (var, obs) order, so among
// cells with the same (var, obs) the first one visited is the first one
// stored. Fragments whose var range misses varIDs are not opened.
func (a *Aggregation) ScanX(ctx context.Context, array string, varIDs []int64, fn func(Cell) error) error {
	frags, err := a.Fragments(ctx, array)
	if err != nil {
		return err
	}
	vars := normalizeVars(varIDs)
	if vars != nil && len(vars) == 0 {
		return nil
	}
	for _, f := range frags {
		if vars != nil && (f.EndVar < vars[0] || f.StartVar > vars[len(vars)-1]) {
			continue
		}
		fr, err := openFragment(ctx, a.path(array, f.Name))
		if err != nil {
			return err
		}
		err = fr.scan(vars, fn)
		if cerr := fr.close(ctx); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// ReadX returns the cells that ScanX would visit, in the same order. It
// fails if they need more than Opts.InitBufferBytes of memory.
func (a *Aggregation) ReadX(ctx context.Context, array string, varIDs []int64) ([]Cell, error) {
	limit := a.opts.InitBufferBytes / CellBytes
	var cells []Cell
	err := a.ScanX(ctx, array, varIDs, func(c Cell) error {
		if a.opts.InitBufferBytes > 0 && int64(len(cells)) >= limit {
			return errors.E(errors.Invalid, fmt.Sprintf(
				"%s: read of %d genes exceeds the %d byte buffer; use smaller chunks or a larger buffer",
				array, len(varIDs), a.opts.InitBufferBytes))
		}
		cells = append(cells, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cells, nil
}

// NumCells returns the number of committed cells of the array, read from
// the manifest.
func (a *Aggregation) NumCells(ctx context.Context, array string) (int64, error) {
	frags, err := a.Fragments(ctx, array)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, f := range frags {
		n += f.NumCells
	}
	return n, nil
}

// Consolidate rewrites the array as a single fragment sorted by (var, obs).
// It reads chunkVars genes of the var table at a time. Readers see either
// the old fragments or the new one.
func (a *Aggregation) Consolidate(ctx context.Context, array string, chunkVars int) error {
	if chunkVars <= 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("consolidate %s: chunk size %d", array, chunkVars))
	}
	frags, err := a.Fragments(ctx, array)
	if err != nil {
		return err
	}
	if len(frags) <= 1 {
		log.Printf("%s: %d fragments, nothing to consolidate", array, len(frags))
		return nil
	}
	vt, err := a.ReadVar(ctx)
	if err != nil {
		return err
	}
	fw := a.NewFragmentWriter(ctx, array)
	for start := 0; start < len(vt.VarIDs); start += chunkVars {
		end := start + chunkVars
		if end > len(vt.VarIDs) {
			end = len(vt.VarIDs)
		}
		cells, err := a.ReadX(ctx, array, vt.VarIDs[start:end])
		if err == nil {
			SortCells(cells)
			err = fw.Append(cells...)
		}
		if err != nil {
			fw.Abort()
			return err
		}
	}
	info, err := fw.Close()
	if err != nil {
		fw.Abort()
		return err
	}
	var before int64
	for _, f := range frags {
		before += f.NumCells
	}
	if info.NumCells != before {
		fw.Abort()
		return errors.E(errors.Integrity, fmt.Sprintf(
			"consolidate %s: %d cells written, %d committed; cells with var ids missing from the var table?",
			array, info.NumCells, before))
	}
	log.Printf("%s: consolidated %d fragments, %d cells", array, len(frags), info.NumCells)
	return a.Commit(ctx, array, []FragmentInfo{info}, true)
}

// cellRow is one row of a cells TSV file.
type cellRow struct {
	VarID int64   `tsv:"var_id"`
	ObsID int64   `tsv:"obs_id"`
	Value float64 `tsv:"value"`
}

// ImportCellsTSV loads (var_id, obs_id, value) rows from a TSV file with a
// header row into the array. Rows need not be sorted. Every batchCells rows
// become one fragment; all fragments are committed together at the end.
func (a *Aggregation) ImportCellsTSV(ctx context.Context, array, path string, batchCells int) error {
	if batchCells <= 0 {
		batchCells = int(a.opts.InitBufferBytes / CellBytes)
	}
	var (
		frags []FragmentInfo
		batch []Cell
	)
	abort := func() {
		a.removeFragments(ctx, array, frags)
	}
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		SortCells(batch)
		fw := a.NewFragmentWriter(ctx, array)
		if err := fw.Append(batch...); err != nil {
			fw.Abort()
			return err
		}
		info, err := fw.Close()
		if err != nil {
			fw.Abort()
			return err
		}
		frags = append(frags, info)
		batch = batch[:0]
		return nil
	}
	err := readTSV(ctx, path, func(r *tsv.Reader) error {
		var row cellRow
		if err := r.Read(&row); err != nil {
			return err
		}
		batch = append(batch, Cell{VarID: row.VarID, ObsID: row.ObsID, Value: float32(row.Value)})
		if len(batch) >= batchCells {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		abort()
		return err
	}
	log.Printf("%s: imported %d fragments from %s", array, len(frags), path)
	return a.Commit(ctx, array, frags, false)
}
