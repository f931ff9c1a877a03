// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package aggregation

import (
	"testing"

	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestByteBuffer(t *testing.T) {
	b := byteBuffer{}
	b.PutUvarint64(333334)
	b.PutVarint64(-1234)
	b.PutFloat32(0.125)

	r := b
	u, err := r.Uvarint64()
	assert.NoError(t, err)
	expect.EQ(t, u, uint64(333334))
	v, err := r.Varint64()
	assert.NoError(t, err)
	expect.EQ(t, v, int64(-1234))
	f, err := r.Float32()
	assert.NoError(t, err)
	expect.EQ(t, f, float32(0.125))
	expect.EQ(t, len(r), 0)

	_, err = r.Float32()
	expect.NotNil(t, err)
	_, err = r.Varint64()
	expect.NotNil(t, err)
}
