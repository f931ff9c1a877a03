// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package aggregation

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"sort"

	"github.com/biogo/store/llrb"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/recordio"
)

// blockKey orders the blocks of a fragment by (EndVar, seq), where seq is
// the position of the block in the file.
type blockKey struct {
	endVar int64
	seq    int
	entry  blockIndexEntry
}

// Compare compares two blockKey objects for use in llrb.
func (k blockKey) Compare(c llrb.Comparable) int {
	k2 := c.(blockKey)
	if k.endVar != k2.endVar {
		if k.endVar < k2.endVar {
			return -1
		}
		return 1
	}
	return k.seq - k2.seq
}

// fragmentReader reads cells from one fragment.
type fragmentReader struct {
	label string // for logging only.
	in    file.File
	rio   recordio.Scanner
	index fragmentIndex
	// byEnd indexes index.Blocks. Since the cells of a fragment are sorted,
	// block var ranges are non-decreasing in both StartVar and EndVar.
	byEnd llrb.Tree
}

func openFragment(ctx context.Context, path string) (*fragmentReader, error) {
	fr := &fragmentReader{label: path}
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, fmt.Sprintf("open fragment %s", path))
	}
	fr.in = in
	fr.rio = recordio.NewScanner(in.Reader(ctx), recordio.ScannerOpts{})
	trailer := fr.rio.Trailer()
	if len(trailer) == 0 {
		err := fmt.Errorf("%v: fragment does not contain an index: %v", path, fr.rio.Err())
		fr.close(ctx)
		return nil, err
	}
	if err := gob.NewDecoder(bytes.NewReader(trailer)).Decode(&fr.index); err != nil {
		fr.close(ctx)
		return nil, errors.E(err, fmt.Sprintf("%s: unmarshal fragment index", path))
	}
	if fr.index.Magic != fragmentIndexMagic || fr.index.Version != fragmentVersion {
		fr.close(ctx)
		return nil, errors.E(errors.Invalid, fmt.Sprintf("%s: bad fragment index header %x %s", path, fr.index.Magic, fr.index.Version))
	}
	for i, b := range fr.index.Blocks {
		fr.byEnd.Insert(blockKey{endVar: b.EndVar, seq: i, entry: b})
	}
	return fr, nil
}

func (fr *fragmentReader) close(ctx context.Context) error {
	var err errors.Once
	err.Set(fr.rio.Finish())
	err.Set(fr.in.Close(ctx))
	return err.Err()
}

// blocksFor returns the blocks that may contain one of vars, in file order.
// vars must be sorted. A nil vars selects every block.
func (fr *fragmentReader) blocksFor(vars []int64) []blockIndexEntry {
	if vars == nil {
		return fr.index.Blocks
	}
	selected := map[int]bool{}
	to := blockKey{endVar: math.MaxInt64, seq: math.MaxInt32}
	for _, v := range vars {
		fr.byEnd.DoRange(func(c llrb.Comparable) bool {
			k := c.(blockKey)
			if k.entry.StartVar > v {
				return true
			}
			selected[k.seq] = true
			return false
		}, blockKey{endVar: v, seq: -1}, to)
	}
	seqs := make([]int, 0, len(selected))
	for seq := range selected {
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)
	blocks := make([]blockIndexEntry, len(seqs))
	for i, seq := range seqs {
		blocks[i] = fr.index.Blocks[seq]
	}
	return blocks
}

// readBlock reads and uncompresses the block at the given offset.
func (fr *fragmentReader) readBlock(fileOff uint64) ([]byte, error) {
	fr.rio.Seek(recordio.ItemLocation{Block: fileOff, Item: 0})
	if !fr.rio.Scan() {
		err := fr.rio.Err()
		if err == nil {
			err = fmt.Errorf("%s: failed to read a block at offset %d", fr.label, fileOff)
		}
		return nil, err
	}
	return fr.rio.Get().([]byte), nil
}

// scan calls fn for every cell of the fragment whose var is in vars, in
// (var, obs) order. vars must be sorted; nil selects every var.
func (fr *fragmentReader) scan(vars []int64, fn func(Cell) error) error {
	blocks := fr.blocksFor(vars)
	log.Debug.Printf("%s: reading %d of %d blocks", fr.label, len(blocks), len(fr.index.Blocks))
	for _, b := range blocks {
		buf, err := fr.readBlock(b.FileOffset)
		if err != nil {
			return err
		}
		err = decodeBlock(buf, func(c Cell) error {
			if vars != nil && !containsVar(vars, c.VarID) {
				return nil
			}
			return fn(c)
		})
		if err != nil {
			return errors.E(err, fmt.Sprintf("%s: block at %d", fr.label, b.FileOffset))
		}
	}
	return nil
}

func containsVar(vars []int64, v int64) bool {
	i := sort.Search(len(vars), func(i int) bool { return vars[i] >= v })
	return i < len(vars) && vars[i] == v
}
