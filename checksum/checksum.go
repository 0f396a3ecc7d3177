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

// Package checksum implements the polymorphic hash family used to
// integrity-protect the partition config and update environment blobs,
// and to verify bundle image payloads. The algorithm is carried in-band
// as a small tag so a decoder can accept any supported type while a
// given persisted blob has exactly one.
package checksum

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"hash"
	"hash/crc32"

	"github.com/pkg/errors"
)

// Algorithm is the in-band type tag. Values are stable: they are
// persisted on disk and must never be renumbered.
type Algorithm uint32

const (
	Sha256 Algorithm = iota
	Sha1
	Md5
	Crc32
)

var sizes = map[Algorithm]int{
	Sha256: sha256.Size,
	Sha1:   sha1.Size,
	Md5:    md5.Size,
	Crc32:  crc32.Size,
}

var names = map[Algorithm]string{
	Sha256: "sha256",
	Sha1:   "sha1",
	Md5:    "md5",
	Crc32:  "crc32",
}

func (a Algorithm) String() string {
	if n, ok := names[a]; ok {
		return n
	}
	return "unknown"
}

// Size returns the output size in bytes for the algorithm.
func (a Algorithm) Size() int {
	return sizes[a]
}

// Valid reports whether a is one of the four supported algorithms.
func (a Algorithm) Valid() bool {
	_, ok := sizes[a]
	return ok
}

// ParseAlgorithm validates a tag value read off the wire.
func ParseAlgorithm(tag uint32) (Algorithm, error) {
	a := Algorithm(tag)
	if !a.Valid() {
		return 0, errors.Errorf("checksum: unsupported hash algorithm tag %d", tag)
	}
	return a, nil
}

// New returns a fresh hash.Hash for algo. CRC-32 uses the IEEE 802.3
// polynomial, per the pinned choice in spec.md's Open Questions.
func New(algo Algorithm) (hash.Hash, error) {
	switch algo {
	case Sha256:
		return sha256.New(), nil
	case Sha1:
		return sha1.New(), nil
	case Md5:
		return md5.New(), nil
	case Crc32:
		return crc32.NewIEEE(), nil
	default:
		return nil, errors.Errorf("checksum: unsupported hash algorithm %v", algo)
	}
}

// ParseManifestField maps a manifest checksum field name ("sha256",
// "sha1", "md5") to the Algorithm that computes it.
func ParseManifestField(field string) (Algorithm, bool) {
	for a, n := range names {
		if n == field {
			return a, true
		}
	}
	return 0, false
}

// Equal does a constant-time comparison of two full digests, per
// spec.md's "bytewise constant-time-equal" verification rule.
func Equal(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
