// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package aggregation

import (
	"context"
	"encoding/binary"
	"hash"
	"math"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/base/unsafe"
)

// Checksum summarizes the committed contents of an X array. All sums are
// commutative, so the checksum does not depend on how cells are split into
// fragments or in which order they were written.
type Checksum struct {
	// Array is the name of the array.
	Array string
	// NCells is the number of stored cells.
	NCells int64
	// SumVar is the sum of var ids.
	SumVar uint64
	// SumObs is the sum of obs ids.
	SumObs uint64
	// SumValue is the sum of hashes of (var, obs, value).
	SumValue uint64
	// SumGene is the sum of hashes of (var, gene name) over the genes that
	// have at least one stored cell.
	SumGene uint64
}

func hashCell(h hash.Hash64, c Cell) uint64 {
	var buf [20]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(c.VarID))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(c.ObsID))
	binary.LittleEndian.PutUint32(buf[16:], math.Float32bits(c.Value))
	h.Reset()
	h.Write(buf[:])
	return h.Sum64()
}

func hashGene(h hash.Hash64, varID int64, name string) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(varID))
	h.Reset()
	h.Write(buf[:])
	h.Write(unsafe.StringToBytes(name))
	return h.Sum64()
}

// Checksum computes the checksum of the named X array.
func (a *Aggregation) Checksum(ctx context.Context, array string) (Checksum, error) {
	vt, err := a.ReadVar(ctx)
	if err != nil {
		return Checksum{}, err
	}
	names := vt.NameMap()
	c := Checksum{Array: array}
	h := seahash.New()
	seen := map[int64]bool{}
	err = a.ScanX(ctx, array, nil, func(cell Cell) error {
		c.NCells++
		c.SumVar += uint64(cell.VarID)
		c.SumObs += uint64(cell.ObsID)
		c.SumValue += hashCell(h, cell)
		if !seen[cell.VarID] {
			seen[cell.VarID] = true
			c.SumGene += hashGene(h, cell.VarID, names[cell.VarID])
		}
		return nil
	})
	return c, err
}
