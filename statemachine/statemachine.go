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

// Package statemachine implements the legal transitions of the update
// lifecycle, spec.md §4.5, as pure functions over an envfs.UpdateState
// value. Userspace transitions (Update/Commit/Finish/Revert/Rollback)
// are driven by rupdate subcommands; Boot implements the bootloader
// side of the same contract and is shared with package bootside.
package statemachine

import (
	"github.com/northerntech/rupdate/envfs"
	"github.com/northerntech/rupdate/rerr"
)

const DefaultBootRetries = int16(3)

func invalidTransition(from envfs.State, command string) error {
	return rerr.Wrapf(rerr.KindInvalidStateTransition, rerr.ErrInvalidTransition,
		"cannot run %q from state %s", command, from)
}

// Update performs the userspace "update" transition: for every set
// named in affected, mark it affected with the bundle's rollback
// permission, reset remaining_tries, and move to Installed. Legal from
// Normal or Installed (an Installed→Installed re-run simply overwrites
// the inactive variants again).
func Update(cur envfs.UpdateState, affected []string, rollbackAllowed bool) (envfs.UpdateState, error) {
	if cur.State != envfs.StateNormal && cur.State != envfs.StateInstalled {
		return envfs.UpdateState{}, invalidTransition(cur.State, "update")
	}

	next := cur.Clone()
	for _, name := range affected {
		sel := next.Selection(name)
		if sel == nil {
			return envfs.UpdateState{}, rerr.Wrapf(rerr.KindGeneric, rerr.ErrNotFound,
				"update: set %q has no partition selection", name)
		}
		sel.Affected = true
		sel.Rollback = rollbackAllowed
	}
	next.RemainingTries = -1
	next.State = envfs.StateInstalled
	return next, nil
}

// Commit performs "commit --boot-retries N": Installed → Committed,
// arming remaining_tries. A second commit on an already-Committed
// state is InvalidStateTransition (spec.md's pinned answer to the
// "idempotent or error" open question), preserving one-commit-per-
// install.
func Commit(cur envfs.UpdateState, tries int16) (envfs.UpdateState, error) {
	if cur.State != envfs.StateInstalled {
		return envfs.UpdateState{}, invalidTransition(cur.State, "commit")
	}
	if tries < 1 {
		return envfs.UpdateState{}, rerr.Wrapf(rerr.KindInvalidArgs, rerr.ErrInvalidTransition,
			"commit: boot-retries must be >= 1, got %d", tries)
	}

	next := cur.Clone()
	next.RemainingTries = tries
	next.State = envfs.StateCommitted
	return next, nil
}

// Finish performs "finish": Testing → Normal, clearing affected and
// remaining_tries on every set that was affected.
func Finish(cur envfs.UpdateState) (envfs.UpdateState, error) {
	if cur.State != envfs.StateTesting {
		return envfs.UpdateState{}, invalidTransition(cur.State, "finish")
	}

	next := cur.Clone()
	for i := range next.PartSel {
		if next.PartSel[i].Affected {
			next.PartSel[i].Affected = false
		}
	}
	next.RemainingTries = -1
	next.State = envfs.StateNormal
	return next, nil
}

// Revert performs "revert": Testing → Revert. Selections are left
// untouched; the bootloader performs the actual swap-back on its next
// boot transition (see Boot).
func Revert(cur envfs.UpdateState) (envfs.UpdateState, error) {
	if cur.State != envfs.StateTesting {
		return envfs.UpdateState{}, invalidTransition(cur.State, "revert")
	}

	next := cur.Clone()
	next.State = envfs.StateRevert
	return next, nil
}

// Rollback performs "rollback": for every set with rollback==true,
// swap its active variant, then clear rollback everywhere. Legal only
// from Normal, and stays in Normal.
func Rollback(cur envfs.UpdateState) (envfs.UpdateState, error) {
	if cur.State != envfs.StateNormal {
		return envfs.UpdateState{}, invalidTransition(cur.State, "rollback")
	}

	next := cur.Clone()
	for i := range next.PartSel {
		if next.PartSel[i].Rollback {
			next.PartSel[i].Active = next.PartSel[i].Active.Other()
			next.PartSel[i].Rollback = false
		}
	}
	return next, nil
}

// Boot performs the bootloader-side transition for the current state,
// per spec.md §4.5's "Boot transitions" table. It is pure: callers
// decide whether and how to persist the result and whether to actually
// hand off to the resulting active variants.
func Boot(cur envfs.UpdateState) (envfs.UpdateState, error) {
	switch cur.State {
	case envfs.StateNormal, envfs.StateInstalled:
		// No state change; boot (old) active variants.
		return cur.Clone(), nil

	case envfs.StateCommitted:
		next := cur.Clone()
		for i := range next.PartSel {
			if next.PartSel[i].Affected {
				next.PartSel[i].Active = next.PartSel[i].Active.Other()
			}
		}
		next.State = envfs.StateTesting
		// The boot that swaps onto the new image already counts as
		// the first of the armed retries.
		next.RemainingTries--
		if next.RemainingTries < 0 {
			return revertBoot(next)
		}
		return next, nil

	case envfs.StateTesting:
		next := cur.Clone()
		next.RemainingTries--
		if next.RemainingTries < 0 {
			return revertBoot(next)
		}
		return next, nil

	case envfs.StateRevert:
		return revertBoot(cur.Clone())

	default:
		return envfs.UpdateState{}, rerr.Wrapf(rerr.KindInvalidStateTransition,
			rerr.ErrInvalidTransition, "boot: unknown state %s", cur.State)
	}
}

// revertBoot implements the shared "Revert, or Testing with
// remaining_tries<=0" row: swap every affected set's active variant
// back, clear affected and rollback, and return to Normal.
func revertBoot(next envfs.UpdateState) (envfs.UpdateState, error) {
	for i := range next.PartSel {
		if next.PartSel[i].Affected {
			next.PartSel[i].Active = next.PartSel[i].Active.Other()
			next.PartSel[i].Affected = false
			next.PartSel[i].Rollback = false
		}
	}
	next.RemainingTries = -1
	next.State = envfs.StateNormal
	return next, nil
}
