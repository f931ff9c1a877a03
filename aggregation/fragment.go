// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package aggregation

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/recordio"
	"github.com/grailbio/base/recordio/recordioiov"
	"github.com/grailbio/base/recordio/recordiozstd"
	"github.com/grailbio/base/syncqueue"
	"v.io/x/lib/vlog"
)

const (
	// fragmentIndexMagic is the value of fragmentIndex.Magic.
	fragmentIndexMagic = uint64(0x5c3a19e07b44d2f1)
	fragmentVersion    = "FRAG1"
)

func init() {
	recordiozstd.Init()
}

// Cell is one stored entry of a sparse X array.
type Cell struct {
	VarID int64
	ObsID int64
	Value float32
}

// Less orders cells by (VarID, ObsID).
func (c Cell) Less(o Cell) bool {
	if c.VarID != o.VarID {
		return c.VarID < o.VarID
	}
	return c.ObsID < o.ObsID
}

// FragmentInfo describes a fragment file. It is stored in the array manifest.
type FragmentInfo struct {
	// Name is the file name, relative to the array directory.
	Name string
	// NumCells is the number of cells in the fragment.
	NumCells int64
	// StartVar and EndVar are the smallest and largest var ids in the
	// fragment, both inclusive. They are meaningless when NumCells is zero.
	StartVar, EndVar int64
}

// blockIndexEntry describes one recordio block of a fragment.
type blockIndexEntry struct {
	StartVar, EndVar int64
	NumRecords       uint32
	FileOffset       uint64
}

// fragmentIndex is stored in the recordio trailer of a fragment.
type fragmentIndex struct {
	Magic    uint64
	Version  string
	Array    string
	NumCells int64
	Blocks   []blockIndexEntry
}

var fragmentSeq int64

func newFragmentName() string {
	return fmt.Sprintf("frag-%d-%d.rio", time.Now().UnixNano(), atomic.AddInt64(&fragmentSeq, 1))
}

// blockWriteBuf holds the encoded cells of one block.
type blockWriteBuf struct {
	label      string // for logging only.
	seq        int    // sequence number, 0, 1, 2, ...
	numRecords int
	startVar   int64
	endVar     int64
	data       byteBuffer

	// For delta-encoding var and obs ids.
	prevVar, prevObs int64
}

func (wb *blockWriteBuf) reset(seq int, label string) {
	wb.seq = seq
	wb.label = label
	wb.numRecords = 0
	wb.startVar = 0
	wb.endVar = 0
	wb.data = wb.data[:0]
	wb.prevVar = 0
	wb.prevObs = 0
}

func (wb *blockWriteBuf) put(c Cell) {
	if wb.numRecords == 0 {
		wb.startVar = c.VarID
	}
	wb.endVar = c.VarID
	wb.numRecords++
	if c.VarID != wb.prevVar {
		wb.prevObs = 0
	}
	wb.data.PutVarint64(c.VarID - wb.prevVar)
	wb.data.PutVarint64(c.ObsID - wb.prevObs)
	wb.data.PutFloat32(c.Value)
	wb.prevVar = c.VarID
	wb.prevObs = c.ObsID
}

// decodeBlock decodes the payload of one block and calls fn for each cell.
func decodeBlock(buf []byte, fn func(Cell) error) error {
	b := byteBuffer(buf)
	n, err := b.Uvarint64()
	if err != nil {
		return err
	}
	var prevVar, prevObs int64
	for i := uint64(0); i < n; i++ {
		dv, err := b.Varint64()
		if err != nil {
			return err
		}
		do, err := b.Varint64()
		if err != nil {
			return err
		}
		v, err := b.Float32()
		if err != nil {
			return err
		}
		if dv != 0 {
			prevObs = 0
		}
		c := Cell{VarID: prevVar + dv, ObsID: prevObs + do, Value: v}
		prevVar, prevObs = c.VarID, c.ObsID
		if err := fn(c); err != nil {
			return err
		}
	}
	if len(b) != 0 {
		return fmt.Errorf("decodeBlock: %d trailing bytes", len(b))
	}
	return nil
}

// FragmentWriter writes one fragment of an X array. Cells must be appended
// in non-decreasing (var, obs) order. The fragment is invisible to readers
// until it is passed to Commit. Thread compatible.
type FragmentWriter struct {
	ctx        context.Context
	array      string
	name       string
	path       string
	label      string          // for logging
	out        file.File       // output destination.
	rio        recordio.Writer // recordio wrapper for out.
	blockBytes int

	nextBlockSeq int
	// The current buffer. Once it becomes full, it is asynchronously
	// compressed and written to rio.
	buf     *blockWriteBuf
	bufPool *syncqueue.LIFO

	err errors.Once

	mu sync.Mutex
	// Block indexes generated so far. Guarded by mu.
	blocks []blockIndexEntry

	info    FragmentInfo
	last    Cell
	hasLast bool
	closed  bool
}

// NewFragmentWriter creates a new fragment in the given array. Errors are
// reported by Append and Close.
func (a *Aggregation) NewFragmentWriter(ctx context.Context, array string) *FragmentWriter {
	name := newFragmentName()
	fw := &FragmentWriter{
		ctx:        ctx,
		array:      array,
		name:       name,
		path:       a.path(array, name),
		label:      array + "/" + name,
		blockBytes: a.opts.BlockBytes,
		bufPool:    syncqueue.NewLIFO(),
		info:       FragmentInfo{Name: name},
	}
	if !IsXArray(array) {
		fw.err.Set(fmt.Errorf("%s: not an X array", array))
		return fw
	}
	for i := 0; i < a.opts.MaxFlushParallelism+1; i++ {
		fw.bufPool.Put(&blockWriteBuf{})
	}
	out, err := file.Create(ctx, fw.path)
	if err != nil {
		fw.err.Set(err)
		return fw
	}
	fw.out = out
	fw.rio = recordio.NewWriter(out.Writer(ctx), recordio.WriterOpts{
		Transformers:        a.opts.Transformers,
		Marshal:             fw.marshalBlock,
		Index:               fw.indexCallback,
		MaxFlushParallelism: uint32(a.opts.MaxFlushParallelism),
	})
	fw.rio.AddHeader(recordio.KeyTrailer, true)
	fw.newBuf()
	return fw
}

// Name returns the file name of the fragment, relative to the array directory.
func (fw *FragmentWriter) Name() string { return fw.name }

// newBuf takes a buffer from the pool. It blocks if too many flushes are
// in progress.
func (fw *FragmentWriter) newBuf() {
	if fw.buf != nil {
		log.Panicf("%s: overwriting buffer", fw.label)
	}
	vv, ok := fw.bufPool.Get()
	if !ok {
		panic("get")
	}
	wb := vv.(*blockWriteBuf)
	seq := fw.nextBlockSeq
	fw.nextBlockSeq++
	wb.reset(seq, fmt.Sprintf("%s:%d", fw.label, seq))
	fw.buf = wb
}

// flushBuf starts flushing the buffer to the recordio file. It returns before
// the data reaches storage.
func (fw *FragmentWriter) flushBuf() {
	vlog.VI(1).Infof("%v: flushing %d cells", fw.buf.label, fw.buf.numRecords)
	fw.rio.Append(fw.buf)
	fw.rio.Flush()
	fw.buf = nil
}

func (fw *FragmentWriter) marshalBlock(scratch []byte, v interface{}) ([]byte, error) {
	wb := v.(*blockWriteBuf)
	var hdr byteBuffer
	hdr.PutUvarint64(uint64(wb.numRecords))
	serialized := recordioiov.Slice(scratch, len(hdr)+len(wb.data))
	copy(serialized, hdr)
	copy(serialized[len(hdr):], wb.data)
	return serialized, nil
}

func (fw *FragmentWriter) indexCallback(loc recordio.ItemLocation, v interface{}) error {
	wb := v.(*blockWriteBuf)
	if loc.Item != 0 {
		log.Panicf("%s: block %d holds more than one item", wb.label, loc.Block)
	}
	index := blockIndexEntry{
		StartVar:   wb.startVar,
		EndVar:     wb.endVar,
		NumRecords: uint32(wb.numRecords),
		FileOffset: loc.Block,
	}
	fw.mu.Lock()
	fw.blocks = append(fw.blocks, index)
	fw.mu.Unlock()
	fw.bufPool.Put(wb)
	return nil
}

// Append adds cells to the fragment.
func (fw *FragmentWriter) Append(cells ...Cell) error {
	if fw.closed {
		return fmt.Errorf("%s: append after close", fw.label)
	}
	if err := fw.err.Err(); err != nil {
		return err
	}
	for _, c := range cells {
		if fw.hasLast && c.Less(fw.last) {
			err := fmt.Errorf("%s: cell %+v appended after %+v", fw.label, c, fw.last)
			fw.err.Set(err)
			return err
		}
		if fw.info.NumCells == 0 {
			fw.info.StartVar = c.VarID
		}
		fw.info.EndVar = c.VarID
		fw.info.NumCells++
		fw.last, fw.hasLast = c, true
		fw.buf.put(c)
		if len(fw.buf.data) >= fw.blockBytes {
			fw.flushBuf()
			fw.newBuf()
		}
	}
	return nil
}

// Close finishes the fragment and returns its description. No method shall
// be called after Close.
func (fw *FragmentWriter) Close() (FragmentInfo, error) {
	if fw.closed {
		return fw.info, fw.err.Err()
	}
	fw.closed = true
	if fw.out == nil {
		return fw.info, fw.err.Err()
	}
	if fw.buf.numRecords > 0 {
		fw.flushBuf()
	} else {
		fw.bufPool.Put(fw.buf)
		fw.buf = nil
	}
	fw.rio.Wait()
	fw.mu.Lock()
	blocks := fw.blocks
	fw.mu.Unlock()
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].FileOffset < blocks[j].FileOffset })
	index := fragmentIndex{
		Magic:    fragmentIndexMagic,
		Version:  fragmentVersion,
		Array:    fw.array,
		NumCells: fw.info.NumCells,
		Blocks:   blocks,
	}
	log.Debug.Printf("%s: creating index with %d blocks, %d cells", fw.label, len(blocks), index.NumCells)
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(index); err != nil {
		fw.err.Set(err)
	} else {
		fw.rio.SetTrailer(b.Bytes())
	}
	fw.err.Set(fw.rio.Finish())
	fw.err.Set(fw.out.Close(fw.ctx))
	return fw.info, fw.err.Err()
}

// Abort closes the writer and removes the fragment file. It is used on the
// error path of a task, so its own failures are only logged.
func (fw *FragmentWriter) Abort() {
	if _, err := fw.Close(); err != nil {
		log.Debug.Printf("%s: abort: %v", fw.label, err)
	}
	if fw.out == nil {
		return
	}
	if err := file.Remove(fw.ctx, fw.path); err != nil {
		log.Error.Printf("%s: remove: %v", fw.label, err)
	}
}
