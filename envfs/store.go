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

package envfs

import (
	"bytes"
	"io"
	"sync"

	"github.com/northerntech/rupdate/checksum"
	"github.com/northerntech/rupdate/rerr"
)

// RawDevice is the raw, filesystem-less storage region UpdateEnv lives
// on: a fixed-offset, addressable byte range with no append semantics.
// *os.File satisfies this directly.
type RawDevice interface {
	io.ReaderAt
	io.WriterAt
}

// Syncer is implemented by RawDevices that can be told to flush to
// stable storage before a write is considered durable (e.g. *os.File).
type Syncer interface {
	Sync() error
}

// Store is the two-slot persistence layer of spec.md §4.4. Each slot
// is a self-contained encoded UpdateState blob (magic + payload +
// hashsum) at a fixed byte offset; the newer of the two by revision is
// authoritative, and writes always go to the other slot.
type Store struct {
	dev     RawDevice
	offsets [2]int64
	slotLen int64
	algo    checksum.Algorithm

	mu        sync.Mutex
	haveLast  bool
	lastSlot  int
	lastState UpdateState
}

// NewStore builds a Store over dev. slot0Offset and slot1Offset are
// the fixed byte offsets of the two slots (in practice separated by a
// fixed gap, e.g. 4 KiB); slotLen bounds how many bytes are read back
// per slot. algo selects the hash algorithm new writes are protected
// with; reads accept whatever algorithm a slot's own trailer declares.
func NewStore(dev RawDevice, slot0Offset, slot1Offset, slotLen int64, algo checksum.Algorithm) *Store {
	return &Store{
		dev:     dev,
		offsets: [2]int64{slot0Offset, slot1Offset},
		slotLen: slotLen,
		algo:    algo,
	}
}

func (s *Store) decodeSlot(slot int) (UpdateState, error) {
	sr := io.NewSectionReader(s.dev, s.offsets[slot], s.slotLen)
	return DecodeState(sr)
}

// classify decodes both slots and applies the read protocol: both
// invalid is an error, one valid returns it, both valid returns the
// higher revision with slot 0 winning ties.
func (s *Store) classify() (winner int, state UpdateState, err error) {
	st0, err0 := s.decodeSlot(0)
	st1, err1 := s.decodeSlot(1)

	switch {
	case err0 != nil && err1 != nil:
		return -1, UpdateState{}, rerr.Wrap(rerr.KindIntegrity, rerr.ErrNoValidState,
			"envfs: both update environment slots are invalid")
	case err0 == nil && err1 != nil:
		return 0, st0, nil
	case err0 != nil && err1 == nil:
		return 1, st1, nil
	default:
		if st1.Revision > st0.Revision {
			return 1, st1, nil
		}
		return 0, st0, nil
	}
}

// Read decodes both slots and returns the authoritative one, caching
// which slot won so a following Write knows where the stale slot is
// without re-decoding.
func (s *Store) Read() (UpdateState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	winner, state, err := s.classify()
	if err != nil {
		s.haveLast = false
		return UpdateState{}, err
	}
	s.haveLast = true
	s.lastSlot = winner
	s.lastState = state
	return state, nil
}

// Write persists next as the new authoritative state: it computes the
// target (stale) slot and the next revision from the last successful
// Read (performing one internally if none has happened yet, or if both
// slots were invalid, in which case this call bootstraps slot 0 at
// revision 0), writes only that slot, and never touches the slot the
// last read came from.
func (s *Store) Write(next UpdateState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := 0
	revision := uint32(0)

	if !s.haveLast {
		winner, state, err := s.classify()
		if err != nil {
			// Bootstrap: no valid state exists yet anywhere on
			// the device. Write the very first copy to slot 0.
			target, revision = 0, 0
		} else {
			target = 1 - winner
			revision = state.Revision + 1
		}
	} else {
		target = 1 - s.lastSlot
		revision = s.lastState.Revision + 1
	}

	toWrite := next.Clone()
	toWrite.Revision = revision
	toWrite.Version = CurrentVersion

	var buf bytes.Buffer
	if err := EncodeState(&buf, toWrite, s.algo); err != nil {
		return err
	}
	if int64(buf.Len()) > s.slotLen {
		return rerr.Wrapf(rerr.KindGeneric, rerr.ErrMalformedEncoding,
			"envfs: encoded state (%d bytes) does not fit in slot (%d bytes)",
			buf.Len(), s.slotLen)
	}

	if _, err := s.dev.WriteAt(buf.Bytes(), s.offsets[target]); err != nil {
		return rerr.Wrap(rerr.KindGeneric, err, "envfs: writing update environment slot")
	}
	if syncer, ok := s.dev.(Syncer); ok {
		if err := syncer.Sync(); err != nil {
			return rerr.Wrap(rerr.KindGeneric, err, "envfs: syncing update environment slot")
		}
	}

	s.haveLast = true
	s.lastSlot = target
	s.lastState = toWrite
	return nil
}

// Init bootstraps a fresh device: it writes the Normal state for
// setNames to slot 0 and returns it. It is meant for provisioning, not
// for steady-state use; calling it on an already-initialized device
// simply performs a normal write cycle.
func (s *Store) Init(setNames []string) (UpdateState, error) {
	st := NewNormal(setNames)
	if err := s.Write(st); err != nil {
		return UpdateState{}, err
	}
	return st, nil
}
