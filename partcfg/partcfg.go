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

// Package partcfg decodes and encodes the static partition layout blob
// shared by userspace and the bootloader: which partition sets exist,
// and which A/B device nodes back each one, for both the Linux kernel
// and the bootloader's own view of the device.
package partcfg

import (
	"bytes"
	"io"

	"github.com/northerntech/rupdate/checksum"
	"github.com/northerntech/rupdate/codec"
	"github.com/northerntech/rupdate/rerr"
)

const (
	Magic          = "EBPC"
	CurrentVersion = uint32(1)

	nameFieldSize = 36

	// maxSets and maxPartitions bound the sequence counts accepted from
	// an on-disk blob before allocating, so a corrupt count field (e.g.
	// from a torn write) cannot drive an oversized or panicking
	// allocation. Set.ID is a uint8, so no conforming encoder ever
	// produces more than 256 distinct sets; maxPartitions generously
	// allows two partitions (A and B) per set.
	maxSets       = 256
	maxPartitions = 2 * maxSets
)

// Variant selects one member of an A/B partition set.
type Variant uint8

const (
	VariantA Variant = iota
	VariantB
)

func (v Variant) String() string {
	if v == VariantA {
		return "A"
	}
	return "B"
}

// Other returns the opposite variant.
func (v Variant) Other() Variant {
	if v == VariantA {
		return VariantB
	}
	return VariantA
}

type SetDescriptor struct {
	ID   uint8
	Name string
}

type PartitionDescriptor struct {
	Variant        Variant
	SetID          uint8
	BootDevice     string
	BootPartition  string
	LinuxDevice    string
	LinuxPartition string
}

// Config is the decoded, read-only partition layout. It is safe for
// concurrent reads.
type Config struct {
	Version       uint32
	HashAlgorithm checksum.Algorithm
	Sets          []SetDescriptor
	Partitions    []PartitionDescriptor
}

// Load decodes a Config from r, verifying its magic, version and
// trailing checksum.
func Load(r io.Reader) (*Config, error) {
	var prefix bytes.Buffer
	tee := io.TeeReader(r, &prefix)
	d := codec.NewReader(tee)

	d.Magic(Magic)
	version := d.ReadU32()
	hashAlgoTag := d.ReadU32()

	setCount := d.ReadBoundedCount(maxSets)
	sets := make([]SetDescriptor, 0, setCount)
	for i := uint64(0); i < setCount; i++ {
		id := d.ReadU8()
		name := d.ReadFixedString(nameFieldSize)
		sets = append(sets, SetDescriptor{ID: id, Name: name})
	}

	partCount := d.ReadBoundedCount(maxPartitions)
	parts := make([]PartitionDescriptor, 0, partCount)
	for i := uint64(0); i < partCount; i++ {
		variant := d.ReadU8()
		setID := d.ReadU8()
		bootDevice := d.ReadFixedString(nameFieldSize)
		bootPartition := d.ReadFixedString(nameFieldSize)
		linuxDevice := d.ReadFixedString(nameFieldSize)
		linuxPartition := d.ReadFixedString(nameFieldSize)
		if variant != uint8(VariantA) && variant != uint8(VariantB) {
			return nil, rerr.Wrapf(rerr.KindIntegrity, rerr.ErrMalformedEncoding,
				"partcfg: partition %d has unknown variant tag %d", i, variant)
		}
		parts = append(parts, PartitionDescriptor{
			Variant:        Variant(variant),
			SetID:          setID,
			BootDevice:     bootDevice,
			BootPartition:  bootPartition,
			LinuxDevice:    linuxDevice,
			LinuxPartition: linuxPartition,
		})
	}

	if err := d.Err(); err != nil {
		return nil, err
	}

	hashAlgo, err := checksum.ParseAlgorithm(hashAlgoTag)
	if err != nil {
		return nil, rerr.Wrap(rerr.KindIntegrity, rerr.ErrMalformedEncoding, err.Error())
	}
	if version > CurrentVersion {
		return nil, rerr.Wrapf(rerr.KindIntegrity, rerr.ErrUnsupportedVersion,
			"partcfg: version %d newer than supported %d", version, CurrentVersion)
	}

	// trailer: hashsum_type + hashsum, read directly from the
	// underlying reader (not teed into prefix, since it is not part
	// of the structural prefix the checksum covers). hashsum_type
	// must agree with the header's hash_algorithm field.
	trailer := codec.NewReader(r)
	hashsumTag := trailer.ReadU32()
	if hashsumTag != hashAlgoTag {
		return nil, rerr.Wrapf(rerr.KindIntegrity, rerr.ErrMalformedEncoding,
			"partcfg: trailing hashsum_type %d does not match header hash_algorithm %d",
			hashsumTag, hashAlgoTag)
	}
	hashsum := trailer.ReadBytes(hashAlgo.Size())
	if err := trailer.Err(); err != nil {
		return nil, err
	}

	h, err := checksum.New(hashAlgo)
	if err != nil {
		return nil, rerr.Wrap(rerr.KindIntegrity, rerr.ErrMalformedEncoding, err.Error())
	}
	h.Write(prefix.Bytes())
	if !checksum.Equal(h.Sum(nil), hashsum) {
		return nil, rerr.New(rerr.KindIntegrity, rerr.ErrChecksumMismatch.Error())
	}

	cfg := &Config{
		Version:       version,
		HashAlgorithm: hashAlgo,
		Sets:          sets,
		Partitions:    parts,
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	seenID := make(map[uint8]bool, len(c.Sets))
	seenName := make(map[string]bool, len(c.Sets))
	for _, s := range c.Sets {
		if seenID[s.ID] {
			return rerr.Wrapf(rerr.KindIntegrity, rerr.ErrMalformedEncoding,
				"partcfg: duplicate set id %d", s.ID)
		}
		if seenName[s.Name] {
			return rerr.Wrapf(rerr.KindIntegrity, rerr.ErrMalformedEncoding,
				"partcfg: duplicate set name %q", s.Name)
		}
		seenID[s.ID] = true
		seenName[s.Name] = true
	}
	for _, p := range c.Partitions {
		if !seenID[p.SetID] {
			return rerr.Wrapf(rerr.KindIntegrity, rerr.ErrMalformedEncoding,
				"partcfg: partition references unknown set id %d", p.SetID)
		}
	}
	return nil
}

// Save encodes cfg, always writing CurrentVersion and computing the
// trailing checksum with cfg.HashAlgorithm.
func (c *Config) Save(w io.Writer) error {
	var prefix bytes.Buffer
	e := codec.NewWriter(&prefix)
	e.WriteBytes([]byte(Magic))
	e.WriteU32(CurrentVersion)
	e.WriteU32(uint32(c.HashAlgorithm))
	e.WriteCount(uint64(len(c.Sets)))
	for _, s := range c.Sets {
		e.WriteU8(s.ID)
		e.WriteFixedString(s.Name, nameFieldSize)
	}
	e.WriteCount(uint64(len(c.Partitions)))
	for _, p := range c.Partitions {
		e.WriteU8(uint8(p.Variant))
		e.WriteU8(p.SetID)
		e.WriteFixedString(p.BootDevice, nameFieldSize)
		e.WriteFixedString(p.BootPartition, nameFieldSize)
		e.WriteFixedString(p.LinuxDevice, nameFieldSize)
		e.WriteFixedString(p.LinuxPartition, nameFieldSize)
	}
	if err := e.Err(); err != nil {
		return err
	}

	h, err := checksum.New(c.HashAlgorithm)
	if err != nil {
		return err
	}
	h.Write(prefix.Bytes())
	sum := h.Sum(nil)

	out := codec.NewWriter(w)
	out.WriteBytes(prefix.Bytes())
	out.WriteU32(uint32(c.HashAlgorithm))
	out.WriteBytes(sum)
	return out.Err()
}

// ResolveSet looks up a set by name.
func (c *Config) ResolveSet(name string) (SetDescriptor, error) {
	for _, s := range c.Sets {
		if s.Name == name {
			return s, nil
		}
	}
	return SetDescriptor{}, rerr.Wrapf(rerr.KindGeneric, rerr.ErrNotFound, "partcfg: set %q not found", name)
}

// ResolvePartition looks up the descriptor for a set's given variant.
func (c *Config) ResolvePartition(setName string, variant Variant) (PartitionDescriptor, error) {
	set, err := c.ResolveSet(setName)
	if err != nil {
		return PartitionDescriptor{}, err
	}
	for _, p := range c.Partitions {
		if p.SetID == set.ID && p.Variant == variant {
			return p, nil
		}
	}
	return PartitionDescriptor{}, rerr.Wrapf(rerr.KindGeneric, rerr.ErrNotFound,
		"partcfg: set %q has no %s partition", setName, variant)
}

// IsUpdateable reports whether both A and B variants exist for the set.
func (c *Config) IsUpdateable(setName string) bool {
	set, err := c.ResolveSet(setName)
	if err != nil {
		return false
	}
	haveA, haveB := false, false
	for _, p := range c.Partitions {
		if p.SetID != set.ID {
			continue
		}
		if p.Variant == VariantA {
			haveA = true
		} else {
			haveB = true
		}
	}
	return haveA && haveB
}

// UpdateableSets returns the names of every set with both variants
// present, in the order they appear in Sets.
func (c *Config) UpdateableSets() []string {
	var out []string
	for _, s := range c.Sets {
		if c.IsUpdateable(s.Name) {
			out = append(out, s.Name)
		}
	}
	return out
}
