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

// Package bootside is the reference bootloader-side implementation of
// the boot transitions in spec.md §4.5. userspace and the bootloader
// share the same on-disk UpdateEnv encoding and the same transition
// rules (statemachine.Boot); this package is the thin wrapper a real
// bootloader would embed to read, transition and re-persist that state
// during early boot, before handing off to the kernel.
package bootside

import (
	"fmt"

	"github.com/northerntech/rupdate/envfs"
	"github.com/northerntech/rupdate/partcfg"
	"github.com/northerntech/rupdate/statemachine"
)

// Decision is what the bootloader should actually do after running one
// boot transition: which variant of each partition set to hand off to.
type Decision struct {
	State      envfs.UpdateState
	ActiveSets map[string]partcfg.Variant
}

// Boot runs exactly one boot-time transition against store and returns
// what the bootloader should boot next. It performs the same single
// read-modify-write discipline as the userspace commands: one Read,
// one transition, and a Write only when the transition actually
// changes the persisted state (Normal/Installed boots are no-ops and
// are not written back, since spec.md §4.5 records no state change for
// them).
func Boot(store *envfs.Store) (Decision, error) {
	cur, err := store.Read()
	if err != nil {
		return Decision{}, err
	}

	next, err := statemachine.Boot(cur)
	if err != nil {
		return Decision{}, err
	}

	if next.State != cur.State || next.RemainingTries != cur.RemainingTries ||
		!sameActives(cur, next) {
		if err := store.Write(next); err != nil {
			return Decision{}, err
		}
	}

	return Decision{State: next, ActiveSets: activeSets(next)}, nil
}

func sameActives(a, b envfs.UpdateState) bool {
	if len(a.PartSel) != len(b.PartSel) {
		return false
	}
	for i := range a.PartSel {
		if a.PartSel[i].Active != b.PartSel[i].Active {
			return false
		}
	}
	return true
}

func activeSets(st envfs.UpdateState) map[string]partcfg.Variant {
	out := make(map[string]partcfg.Variant, len(st.PartSel))
	for _, sel := range st.PartSel {
		out[sel.Name] = sel.Active
	}
	return out
}

// Describe renders a Decision as a human-readable line per set, for use
// by cmd/bootsim and in tests.
func (d Decision) Describe() string {
	out := fmt.Sprintf("state=%s remaining_tries=%d", d.State.State, d.State.RemainingTries)
	for name, v := range d.ActiveSets {
		out += fmt.Sprintf(" %s=%s", name, v)
	}
	return out
}
