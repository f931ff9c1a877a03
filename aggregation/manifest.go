// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package aggregation

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/recordio"
	"v.io/x/lib/vlog"
)

const (
	manifestFile  = "manifest.rio"
	manifestMagic = uint64(0x9d14be3a662c0e57)
)

// manifest lists the fragments of an X array that are visible to readers.
type manifest struct {
	Magic      uint64
	Generation int64
	Fragments  []FragmentInfo
}

func (a *Aggregation) readManifest(ctx context.Context, array string) (m manifest, err error) {
	if !IsXArray(array) {
		return m, errors.E(errors.Invalid, fmt.Sprintf("%s: not an X array", array))
	}
	path := a.path(array, manifestFile)
	in, err := file.Open(ctx, path)
	if err != nil {
		return m, errors.E(err, fmt.Sprintf("open manifest %s", path))
	}
	var once errors.Once
	defer func() {
		once.Set(in.Close(ctx))
		if err == nil {
			err = once.Err()
		}
	}()
	sc := recordio.NewScanner(in.Reader(ctx), recordio.ScannerOpts{})
	if !sc.Scan() {
		err := sc.Err()
		if err == nil {
			err = fmt.Errorf("%s: empty manifest", path)
		}
		return m, err
	}
	if err := gob.NewDecoder(bytes.NewReader(sc.Get().([]byte))).Decode(&m); err != nil {
		return m, errors.E(err, fmt.Sprintf("%s: corrupt manifest", path))
	}
	once.Set(sc.Finish())
	if m.Magic != manifestMagic {
		return m, errors.E(errors.Invalid, fmt.Sprintf("%s: bad magic %x", path, m.Magic))
	}
	return m, nil
}

// writeManifest replaces the manifest of the array. The file implementation
// makes the new contents visible only when the file is closed without error.
func (a *Aggregation) writeManifest(ctx context.Context, array string, m manifest) error {
	m.Magic = manifestMagic
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(m); err != nil {
		return err
	}
	path := a.path(array, manifestFile)
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, fmt.Sprintf("create manifest %s", path))
	}
	w := recordio.NewWriter(out.Writer(ctx), recordio.WriterOpts{
		Marshal: func(scratch []byte, v interface{}) ([]byte, error) {
			return v.([]byte), nil
		},
	})
	w.Append(b.Bytes())
	var once errors.Once
	once.Set(w.Finish())
	once.Set(out.Close(ctx))
	return once.Err()
}

// Fragments returns the committed fragments of the array, in commit order.
func (a *Aggregation) Fragments(ctx context.Context, array string) ([]FragmentInfo, error) {
	m, err := a.readManifest(ctx, array)
	if err != nil {
		return nil, err
	}
	return m.Fragments, nil
}

// Commit makes frags visible to readers of the array. If replace is true,
// the previously committed fragments are dropped from the manifest and their
// files removed; otherwise frags are appended after them. Empty fragments
// are removed instead of committed. Commit must not run concurrently with
// another Commit on the same array.
func (a *Aggregation) Commit(ctx context.Context, array string, frags []FragmentInfo, replace bool) error {
	old, err := a.readManifest(ctx, array)
	if err != nil {
		return err
	}
	next := manifest{Generation: old.Generation + 1}
	if !replace {
		next.Fragments = append(next.Fragments, old.Fragments...)
	}
	var empty []FragmentInfo
	for _, f := range frags {
		if f.NumCells == 0 {
			empty = append(empty, f)
			continue
		}
		next.Fragments = append(next.Fragments, f)
	}
	if err := a.writeManifest(ctx, array, next); err != nil {
		return errors.E(err, fmt.Sprintf("commit %d fragments to %s", len(frags), array))
	}
	vlog.VI(1).Infof("%s: generation %d, %d fragments", array, next.Generation, len(next.Fragments))
	if replace {
		a.removeFragments(ctx, array, old.Fragments)
	}
	a.removeFragments(ctx, array, empty)
	return nil
}

// removeFragments deletes fragment files that are no longer listed in the
// manifest. Failures leave unreferenced files behind and are only logged.
func (a *Aggregation) removeFragments(ctx context.Context, array string, frags []FragmentInfo) {
	for _, f := range frags {
		if err := file.Remove(ctx, a.path(array, f.Name)); err != nil {
			log.Error.Printf("%s: remove unreferenced fragment %s: %v", array, f.Name, err)
		}
	}
}

// Discard removes fragments that were written but will never be committed.
// Failures are only logged.
func (a *Aggregation) Discard(ctx context.Context, array string, frags []FragmentInfo) {
	var written []FragmentInfo
	for _, f := range frags {
		if f.Name != "" {
			written = append(written, f)
		}
	}
	a.removeFragments(ctx, array, written)
}
