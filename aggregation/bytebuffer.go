// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package aggregation

import (
	"encoding/binary"
	"fmt"
	"math"
)

// byteBuffer encodes and decodes the varint and fixed-width values of a
// fragment block, growing the backing slice on writes. A buffer is used
// either for reading or for writing, never both.
type byteBuffer []byte

// Float32 reads a little-endian float32.
func (b *byteBuffer) Float32() (float32, error) {
	if len(*b) < 4 {
		return 0, fmt.Errorf("byteBuffer.Float32: %d bytes left", len(*b))
	}
	value := binary.LittleEndian.Uint32(*b)
	*b = (*b)[4:]
	return math.Float32frombits(value), nil
}

// Varint64 reads a signed varint.
func (b *byteBuffer) Varint64() (int64, error) {
	value, n := binary.Varint(*b)
	if n <= 0 {
		return 0, fmt.Errorf("byteBuffer.Varint64: underflow")
	}
	*b = (*b)[n:]
	return value, nil
}

// Uvarint64 reads an unsigned varint.
func (b *byteBuffer) Uvarint64() (uint64, error) {
	value, n := binary.Uvarint(*b)
	if n <= 0 {
		return 0, fmt.Errorf("byteBuffer.Uvarint64: underflow")
	}
	*b = (*b)[n:]
	return value, nil
}

// Ensure that b can store at least "bytes" more bytes.
func (b *byteBuffer) alloc(bytes int) []byte {
	blen := len(*b)
	newLen := blen + bytes
	if cap(*b) >= newLen {
		(*b) = (*b)[:newLen]
		return (*b)[blen:]
	}
	newCap := (newLen/16 + 1) * 16
	if newCap < cap(*b)*2 {
		newCap = cap(*b) * 2
	}
	newBuf := make([]byte, newLen, newCap)
	copy(newBuf, *b)
	*b = newBuf
	return (*b)[blen:]
}

// PutFloat32 adds the value as a little-endian float32.
func (b *byteBuffer) PutFloat32(value float32) {
	binary.LittleEndian.PutUint32(b.alloc(4), math.Float32bits(value))
}

// PutVarint64 adds the value as a signed varint.
func (b *byteBuffer) PutVarint64(value int64) {
	x := b.alloc(binary.MaxVarintLen64)
	n := binary.PutVarint(x, value)
	if delta := binary.MaxVarintLen64 - n; delta != 0 {
		(*b) = (*b)[:len(*b)-delta]
	}
}

// PutUvarint64 adds the value as an unsigned varint.
func (b *byteBuffer) PutUvarint64(value uint64) {
	x := b.alloc(binary.MaxVarintLen64)
	n := binary.PutUvarint(x, value)
	if delta := binary.MaxVarintLen64 - n; delta != 0 {
		(*b) = (*b)[:len(*b)-delta]
	}
}
