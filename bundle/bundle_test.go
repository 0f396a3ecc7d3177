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

package bundle

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"io/ioutil"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tarEntry struct {
	name string
	data []byte
}

func buildBundle(t *testing.T, gz bool, manifestJSON []byte, entries []tarEntry) []byte {
	t.Helper()
	var raw bytes.Buffer
	var tw *tar.Writer
	var gzw *gzip.Writer
	if gz {
		gzw = gzip.NewWriter(&raw)
		tw = tar.NewWriter(gzw)
	} else {
		tw = tar.NewWriter(&raw)
	}

	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "Manifest.json", Size: int64(len(manifestJSON))}))
	_, err := tw.Write(manifestJSON)
	require.NoError(t, err)

	for _, e := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: e.name, Size: int64(len(e.data))}))
		_, err := tw.Write(e.data)
		require.NoError(t, err)
	}

	require.NoError(t, tw.Close())
	if gzw != nil {
		require.NoError(t, gzw.Close())
	}
	return raw.Bytes()
}

func imageManifest(t *testing.T, images []ManifestImage) []byte {
	t.Helper()
	m := Manifest{Version: 1, RollbackAllowed: true, Images: images}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	return data
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestOpenAndStreamImagesInOrder(t *testing.T) {
	rootfs := []byte("root filesystem bytes")
	app := []byte("app partition bytes")
	manifest := imageManifest(t, []ManifestImage{
		{Name: "rootfs", Filename: "rootfs.img", Sha256: sha256Hex(rootfs)},
		{Name: "app", Filename: "app.img", Sha256: sha256Hex(app)},
	})
	raw := buildBundle(t, true, manifest, []tarEntry{
		{"rootfs.img", rootfs},
		{"app.img", app},
	})

	r, m, err := Open(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 1, m.Version)
	require.Len(t, m.Images, 2)

	name, stream, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "rootfs", name)
	data, err := ioutil.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, rootfs, data)

	name, stream, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, "app", name)
	data, err = ioutil.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, app, data)

	_, _, err = r.Next()
	assert.Equal(t, io.EOF, err)
	require.NoError(t, r.Close())
}

func TestOpenUncompressedBundle(t *testing.T) {
	rootfs := []byte("bytes")
	manifest := imageManifest(t, []ManifestImage{{Name: "rootfs", Filename: "rootfs.img", Sha256: sha256Hex(rootfs)}})
	raw := buildBundle(t, false, manifest, []tarEntry{{"rootfs.img", rootfs}})

	r, _, err := Open(bytes.NewReader(raw))
	require.NoError(t, err)
	_, stream, err := r.Next()
	require.NoError(t, err)
	data, err := ioutil.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, rootfs, data)
}

func TestOpenRejectsNonManifestFirstEntry(t *testing.T) {
	var raw bytes.Buffer
	tw := tar.NewWriter(&raw)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "rootfs.img", Size: 3}))
	_, err := tw.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	_, _, err = Open(bytes.NewReader(raw.Bytes()))
	assert.Error(t, err)
}

func TestCloseRejectsMissingImageEntry(t *testing.T) {
	manifest := imageManifest(t, []ManifestImage{{Name: "rootfs", Filename: "rootfs.img", Sha256: sha256Hex([]byte("x"))}})
	raw := buildBundle(t, false, manifest, nil)

	r, _, err := Open(bytes.NewReader(raw))
	require.NoError(t, err)
	_, _, err = r.Next()
	assert.Error(t, err)
	assert.Error(t, r.Close())
}

func TestCloseRejectsTrailingEntry(t *testing.T) {
	img := []byte("bytes")
	manifest := imageManifest(t, []ManifestImage{{Name: "rootfs", Filename: "rootfs.img", Sha256: sha256Hex(img)}})
	raw := buildBundle(t, false, manifest, []tarEntry{
		{"rootfs.img", img},
		{"extra.img", []byte("should not be here")},
	})

	r, _, err := Open(bytes.NewReader(raw))
	require.NoError(t, err)
	_, stream, err := r.Next()
	require.NoError(t, err)
	_, err = ioutil.ReadAll(stream)
	require.NoError(t, err)

	assert.Error(t, r.Close())
}

func TestManifestRejectsMultipleChecksumFields(t *testing.T) {
	manifest := imageManifest(t, []ManifestImage{{Name: "rootfs", Filename: "rootfs.img", Sha256: "aa", Md5: "bb"}})
	_, _, err := Open(bytes.NewReader(buildBundle(t, false, manifest, nil)))
	assert.Error(t, err)
}

func TestManifestRejectsUnknownVersion(t *testing.T) {
	m := Manifest{Version: 99, Images: []ManifestImage{{Name: "a", Filename: "a.img", Sha256: sha256Hex(nil)}}}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	_, _, err = Open(bytes.NewReader(buildBundle(t, false, data, nil)))
	assert.Error(t, err)
}
