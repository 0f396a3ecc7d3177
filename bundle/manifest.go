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
	"encoding/hex"

	"github.com/northerntech/rupdate/checksum"
	"github.com/northerntech/rupdate/rerr"
)

// KnownManifestVersions are the Manifest.json "version" values this
// reader accepts.
var KnownManifestVersions = map[int]bool{1: true}

// ManifestImage is one entry of Manifest.json's "images" array. Exactly
// one checksum field must be set; which one determines the algorithm
// used to verify the corresponding image stream.
type ManifestImage struct {
	Name     string `json:"name"`
	Filename string `json:"filename"`
	Sha256   string `json:"sha256,omitempty"`
	Sha1     string `json:"sha1,omitempty"`
	Md5      string `json:"md5,omitempty"`
}

// Checksum returns the algorithm and raw expected digest for this
// image, decoding the hex-encoded manifest field.
func (m ManifestImage) Checksum() (checksum.Algorithm, []byte, error) {
	fields := map[string]string{"sha256": m.Sha256, "sha1": m.Sha1, "md5": m.Md5}
	var field, value string
	count := 0
	for name, v := range fields {
		if v != "" {
			field, value = name, v
			count++
		}
	}
	if count != 1 {
		return 0, nil, rerr.Wrapf(rerr.KindBadBundle, rerr.ErrBadBundle,
			"image %q must declare exactly one checksum field, found %d", m.Name, count)
	}
	algo, _ := checksum.ParseManifestField(field)
	raw, err := hex.DecodeString(value)
	if err != nil {
		return 0, nil, rerr.Wrapf(rerr.KindBadBundle, rerr.ErrBadBundle,
			"image %q has malformed %s checksum: %s", m.Name, field, err)
	}
	if len(raw) != algo.Size() {
		return 0, nil, rerr.Wrapf(rerr.KindBadBundle, rerr.ErrBadBundle,
			"image %q %s checksum has %d bytes, want %d", m.Name, field, len(raw), algo.Size())
	}
	return algo, raw, nil
}

// Manifest is the decoded Manifest.json, the bundle's first tar entry.
type Manifest struct {
	Version         int               `json:"version"`
	RollbackAllowed bool              `json:"rollback_allowed"`
	Images          []ManifestImage   `json:"images"`
	Meta            map[string]string `json:"meta,omitempty"`
}

func (m Manifest) validate() error {
	if !KnownManifestVersions[m.Version] {
		return rerr.Wrapf(rerr.KindBadBundle, rerr.ErrBadBundle,
			"manifest: unsupported version %d", m.Version)
	}
	if len(m.Images) == 0 {
		return rerr.Wrapf(rerr.KindBadBundle, rerr.ErrBadBundle,
			"manifest: images list is empty")
	}
	for _, img := range m.Images {
		if img.Name == "" || img.Filename == "" {
			return rerr.Wrapf(rerr.KindBadBundle, rerr.ErrBadBundle,
				"manifest: image entry missing name or filename")
		}
		if _, _, err := img.Checksum(); err != nil {
			return err
		}
	}
	return nil
}
