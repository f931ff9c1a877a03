// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ontology

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/klauspost/compress/gzip"
)

type fileReadCloser struct {
	ctx context.Context
	io.Reader
	f file.File
}

func (r fileReadCloser) Close() error { return r.f.Close(r.ctx) }

// openSource opens a local file, an s3 object or an http(s) URL.
func openSource(ctx context.Context, uri string) (io.ReadCloser, error) {
	if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
		req, err := http.NewRequest(http.MethodGet, uri, nil)
		if err != nil {
			return nil, err
		}
		resp, err := http.DefaultClient.Do(req.WithContext(ctx))
		if err != nil {
			return nil, errors.E(err, fmt.Sprintf("fetch %s", uri))
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close() // nolint: errcheck
			return nil, errors.E(errors.NotExist, fmt.Sprintf("fetch %s: %s", uri, resp.Status))
		}
		return resp.Body, nil
	}
	f, err := file.Open(ctx, uri)
	if err != nil {
		return nil, errors.E(err, fmt.Sprintf("open %s", uri))
	}
	return fileReadCloser{ctx: ctx, Reader: f.Reader(ctx), f: f}, nil
}

// readSource reads the whole source, uncompressing it if the name ends in
// ".gz".
func readSource(ctx context.Context, uri string) ([]byte, error) {
	in, err := openSource(ctx, uri)
	if err != nil {
		return nil, err
	}
	var r io.Reader = in
	if strings.HasSuffix(uri, ".gz") {
		gz, err := gzip.NewReader(in)
		if err != nil {
			in.Close() // nolint: errcheck
			return nil, errors.E(err, fmt.Sprintf("gunzip %s", uri))
		}
		r = gz
	}
	data, err := ioutil.ReadAll(r)
	if cerr := in.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, errors.E(err, fmt.Sprintf("read %s", uri))
	}
	return data, nil
}
