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

// Package envfs implements UpdateState, the update lifecycle's
// persistent value type, and Store, the two-slot raw-storage
// persistence layer described in spec.md §4.4: integrity-verified
// reads, revision-based latest-writer-wins, and atomic write-via-
// other-slot.
package envfs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/northerntech/rupdate/checksum"
	"github.com/northerntech/rupdate/codec"
	"github.com/northerntech/rupdate/partcfg"
	"github.com/northerntech/rupdate/rerr"
)

const (
	Magic          = "EBUS"
	CurrentVersion = uint32(1)

	nameFieldSize = 36

	// maxPartSel bounds the partsel sequence count accepted from an
	// on-disk slot before allocating, so a corrupt count field (e.g.
	// from a write torn mid-slot, the P3 crash-injection regime) fails
	// cleanly with ErrMalformedEncoding instead of panicking the whole
	// read out from under Store.classify(), which needs this slot to
	// fail so it can fall back to the other one. partcfg.Set.ID is a
	// uint8, so no conforming partition config has more than 256
	// updateable sets, and partsel has exactly one entry per updateable
	// set.
	maxPartSel = 256
)

// State is the update lifecycle state, persisted as a single byte.
type State uint8

const (
	StateNormal State = iota
	StateInstalled
	StateCommitted
	StateTesting
	StateRevert
)

var stateNames = map[State]string{
	StateNormal:    "normal",
	StateInstalled: "installed",
	StateCommitted: "committed",
	StateTesting:   "testing",
	StateRevert:    "revert",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

func (s State) MarshalJSON() ([]byte, error) {
	n, ok := stateNames[s]
	if !ok {
		return nil, fmt.Errorf("envfs: cannot marshal unknown state %d", uint8(s))
	}
	return json.Marshal(n)
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for k, v := range stateNames {
		if v == name {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("envfs: unknown state %q", name)
}

func parseState(tag uint8) (State, error) {
	s := State(tag)
	if _, ok := stateNames[s]; !ok {
		return 0, rerr.Wrapf(rerr.KindIntegrity, rerr.ErrMalformedEncoding,
			"envfs: unknown state tag %d", tag)
	}
	return s, nil
}

// PartitionSelection records, per updateable set, which variant is
// active and whether that set participated in the most recent install.
type PartitionSelection struct {
	Name     string
	Active   partcfg.Variant
	Rollback bool
	Affected bool
}

// UpdateState is the full persisted lifecycle state:§3's UpdateState.
type UpdateState struct {
	Version        uint32
	Revision       uint32
	RemainingTries int16
	State          State
	PartSel        []PartitionSelection
}

// NewNormal builds the initial state for a freshly provisioned device:
// Normal, every updateable set active=A, nothing affected, no retries
// in flight.
func NewNormal(setNames []string) UpdateState {
	sel := make([]PartitionSelection, 0, len(setNames))
	for _, name := range setNames {
		sel = append(sel, PartitionSelection{Name: name, Active: partcfg.VariantA})
	}
	return UpdateState{
		Version:        CurrentVersion,
		RemainingTries: -1,
		State:          StateNormal,
		PartSel:        sel,
	}
}

// Selection returns a pointer to the named set's selection so callers
// can mutate it in place, or nil if name is not present.
func (s *UpdateState) Selection(name string) *PartitionSelection {
	for i := range s.PartSel {
		if s.PartSel[i].Name == name {
			return &s.PartSel[i]
		}
	}
	return nil
}

// Clone returns a deep copy, so state-machine transitions can build
// their result from the current value without aliasing its slice.
func (s UpdateState) Clone() UpdateState {
	out := s
	out.PartSel = append([]PartitionSelection(nil), s.PartSel...)
	return out
}

// EncodeState writes st using algo for the trailing checksum.
func EncodeState(w io.Writer, st UpdateState, algo checksum.Algorithm) error {
	var prefix bytes.Buffer
	e := codec.NewWriter(&prefix)
	e.WriteBytes([]byte(Magic))
	e.WriteU32(CurrentVersion)
	e.WriteU32(st.Revision)
	e.WriteI16(st.RemainingTries)
	e.WriteU8(uint8(st.State))
	e.WriteCount(uint64(len(st.PartSel)))
	for _, sel := range st.PartSel {
		e.WriteFixedString(sel.Name, nameFieldSize)
		e.WriteU8(uint8(sel.Active))
		e.WriteBool(sel.Rollback)
		e.WriteBool(sel.Affected)
	}
	if err := e.Err(); err != nil {
		return err
	}

	h, err := checksum.New(algo)
	if err != nil {
		return err
	}
	h.Write(prefix.Bytes())
	sum := h.Sum(nil)

	out := codec.NewWriter(w)
	out.WriteBytes(prefix.Bytes())
	out.WriteU32(uint32(algo))
	out.WriteBytes(sum)
	return out.Err()
}

// DecodeState reads and verifies a single slot's blob.
func DecodeState(r io.Reader) (UpdateState, error) {
	var prefix bytes.Buffer
	tee := io.TeeReader(r, &prefix)
	d := codec.NewReader(tee)

	d.Magic(Magic)
	version := d.ReadU32()
	revision := d.ReadU32()
	remaining := d.ReadI16()
	stateTag := d.ReadU8()
	count := d.ReadBoundedCount(maxPartSel)

	sel := make([]PartitionSelection, 0, count)
	for i := uint64(0); i < count; i++ {
		name := d.ReadFixedString(nameFieldSize)
		active := d.ReadU8()
		rollback := d.ReadBool()
		affected := d.ReadBool()
		if active != uint8(partcfg.VariantA) && active != uint8(partcfg.VariantB) {
			return UpdateState{}, rerr.Wrapf(rerr.KindIntegrity, rerr.ErrMalformedEncoding,
				"envfs: selection %d has unknown variant tag %d", i, active)
		}
		sel = append(sel, PartitionSelection{
			Name:     name,
			Active:   partcfg.Variant(active),
			Rollback: rollback,
			Affected: affected,
		})
	}
	if err := d.Err(); err != nil {
		return UpdateState{}, err
	}

	if version > CurrentVersion {
		return UpdateState{}, rerr.Wrapf(rerr.KindIntegrity, rerr.ErrUnsupportedVersion,
			"envfs: version %d newer than supported %d", version, CurrentVersion)
	}
	state, err := parseState(stateTag)
	if err != nil {
		return UpdateState{}, err
	}

	trailer := codec.NewReader(r)
	hashsumTag := trailer.ReadU32()
	algo, err := checksum.ParseAlgorithm(hashsumTag)
	if err != nil {
		return UpdateState{}, rerr.Wrap(rerr.KindIntegrity, rerr.ErrMalformedEncoding, err.Error())
	}
	hashsum := trailer.ReadBytes(algo.Size())
	if err := trailer.Err(); err != nil {
		return UpdateState{}, err
	}

	h, err := checksum.New(algo)
	if err != nil {
		return UpdateState{}, rerr.Wrap(rerr.KindIntegrity, rerr.ErrMalformedEncoding, err.Error())
	}
	h.Write(prefix.Bytes())
	if !checksum.Equal(h.Sum(nil), hashsum) {
		return UpdateState{}, rerr.New(rerr.KindIntegrity, rerr.ErrChecksumMismatch.Error())
	}

	return UpdateState{
		Version:        version,
		Revision:       revision,
		RemainingTries: remaining,
		State:          state,
		PartSel:        sel,
	}, nil
}
