// Copyright 2020 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

// Package bundle reads an update bundle: a gzip-or-plain tar stream
// whose first member is Manifest.json, followed by one tar member per
// manifest image, in manifest order. It never buffers an image to
// disk or memory; each image is handed to the caller as an io.Reader
// positioned directly over the tar stream, the same streaming contract
// mender-artifact's areader uses.
package bundle

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"encoding/json"
	"io"

	"github.com/northerntech/rupdate/rerr"
)

var gzipMagic = []byte{0x1f, 0x8b}

// Reader streams an update bundle's images in manifest order.
type Reader struct {
	tr       *tar.Reader
	gz       *gzip.Reader
	manifest Manifest
	next     int
}

// Open reads and validates Manifest.json, the bundle's mandatory first
// tar entry, and returns a Reader positioned to stream the images that
// follow it. It transparently accepts either a gzip-compressed or a
// bare tar stream.
func Open(r io.Reader) (*Reader, Manifest, error) {
	br := bufio.NewReader(r)

	var gz *gzip.Reader
	var tr *tar.Reader
	peek, _ := br.Peek(2)
	if len(peek) == 2 && peek[0] == gzipMagic[0] && peek[1] == gzipMagic[1] {
		var err error
		gz, err = gzip.NewReader(br)
		if err != nil {
			return nil, Manifest{}, rerr.Wrap(rerr.KindBadBundle, err, "bundle: opening gzip stream")
		}
		tr = tar.NewReader(gz)
	} else {
		tr = tar.NewReader(br)
	}

	hdr, err := tr.Next()
	if err != nil {
		return nil, Manifest{}, rerr.Wrap(rerr.KindBadBundle, err, "bundle: reading first tar entry")
	}
	if hdr.Name != "Manifest.json" {
		return nil, Manifest{}, rerr.Wrapf(rerr.KindBadBundle, rerr.ErrBadBundle,
			"bundle: first entry is %q, want Manifest.json", hdr.Name)
	}

	var manifest Manifest
	dec := json.NewDecoder(tr)
	if err := dec.Decode(&manifest); err != nil {
		return nil, Manifest{}, rerr.Wrap(rerr.KindBadBundle, err, "bundle: decoding Manifest.json")
	}
	if err := manifest.validate(); err != nil {
		return nil, Manifest{}, err
	}

	return &Reader{tr: tr, gz: gz, manifest: manifest}, manifest, nil
}

// Next returns the name and content stream of the next image in
// manifest order. It returns io.EOF once every manifest image has been
// returned. The returned io.Reader is only valid until the following
// call to Next or Close.
func (r *Reader) Next() (name string, stream io.Reader, err error) {
	if r.next >= len(r.manifest.Images) {
		return "", nil, io.EOF
	}
	want := r.manifest.Images[r.next]

	hdr, err := r.tr.Next()
	if err == io.EOF {
		return "", nil, rerr.Wrapf(rerr.KindBadBundle, rerr.ErrBadBundle,
			"bundle: missing entry for image %q, bundle ended early", want.Filename)
	}
	if err != nil {
		return "", nil, rerr.Wrap(rerr.KindBadBundle, err, "bundle: reading tar entry")
	}
	if hdr.Name != want.Filename {
		return "", nil, rerr.Wrapf(rerr.KindBadBundle, rerr.ErrBadBundle,
			"bundle: expected entry %q, found %q", want.Filename, hdr.Name)
	}

	r.next++
	return want.Name, r.tr, nil
}

// Close asserts that every manifest image was consumed exactly once,
// in order, and that the bundle has no trailing members beyond them.
// It also releases the gzip decompressor, if one was opened.
func (r *Reader) Close() error {
	var closeErr error
	if r.gz != nil {
		closeErr = r.gz.Close()
	}

	if r.next != len(r.manifest.Images) {
		return rerr.Wrapf(rerr.KindBadBundle, rerr.ErrBadBundle,
			"bundle: only %d of %d manifest images were read", r.next, len(r.manifest.Images))
	}
	if _, err := r.tr.Next(); err != io.EOF {
		return rerr.Wrapf(rerr.KindBadBundle, rerr.ErrBadBundle,
			"bundle: unexpected trailing entry after last manifest image")
	}
	return closeErr
}
