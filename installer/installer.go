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

// Package installer is the orchestrator: it glues bundle.Reader,
// partcfg.Config, envfs.Store and statemachine into the user-facing
// update/commit/finish/revert/rollback operations of spec.md §4.6-4.7.
package installer

import (
	"fmt"
	"io"
	"os"

	"github.com/northerntech/rupdate/bundle"
	"github.com/northerntech/rupdate/checksum"
	"github.com/northerntech/rupdate/envfs"
	"github.com/northerntech/rupdate/partcfg"
	"github.com/northerntech/rupdate/rerr"
	"github.com/northerntech/rupdate/statemachine"
)

// chunkSize mirrors the teacher's dual_rootfs_device.go choice of
// writing in sector-aligned, megabyte-ish chunks rather than letting
// io.Copy pick its own buffer size.
const chunkSize = 1 * 1024 * 1024

// RawWriter is an open destination for an image's bytes: a raw,
// filesystem-less block device or file opened for writing.
type RawWriter interface {
	io.WriterAt
	io.Closer
}

// DeviceOpener opens the raw device backing a partition for writing.
// The default implementation opens the kernel device node directly;
// tests substitute an in-memory fake.
type DeviceOpener interface {
	OpenForWrite(path string) (RawWriter, error)
}

type fileDeviceOpener struct{}

func (fileDeviceOpener) OpenForWrite(path string) (RawWriter, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, rerr.Wrapf(rerr.KindGeneric, err, "installer: opening %s for writing", path)
	}
	return f, nil
}

// ProgressReporter receives byte counts as an image streams to its
// destination. *github.com/mendersoftware/progressbar.Bar satisfies
// this directly.
type ProgressReporter interface {
	Tick(n int64)
	Finish()
}

// Installer drives the update lifecycle for one device.
type Installer struct {
	cfg     *partcfg.Config
	store   *envfs.Store
	devices DeviceOpener
}

// New builds an Installer writing to real device nodes.
func New(cfg *partcfg.Config, store *envfs.Store) *Installer {
	return &Installer{cfg: cfg, store: store, devices: fileDeviceOpener{}}
}

// NewWithDeviceOpener builds an Installer against a caller-supplied
// DeviceOpener, for tests.
func NewWithDeviceOpener(cfg *partcfg.Config, store *envfs.Store, devices DeviceOpener) *Installer {
	return &Installer{cfg: cfg, store: store, devices: devices}
}

// State returns the currently persisted update state.
func (inst *Installer) State() (envfs.UpdateState, error) {
	return inst.store.Read()
}

// devicePath resolves the kernel device node for a partition descriptor.
func devicePath(p partcfg.PartitionDescriptor) string {
	return fmt.Sprintf("/dev/%s%s", p.LinuxDevice, p.LinuxPartition)
}

// Update streams bundleData's images onto the inactive variant of each
// set it names, verifying every image's checksum before marking any
// set affected, and persists the resulting Installed state in a single
// Store.Write. It is legal only from Normal or Installed. Each affected
// set is marked rollback-eligible only when both the bundle's
// rollback_allowed and the caller's rollbackAllowed permit it. When dry
// is true, image bytes are still streamed and checksummed but never
// written to a device, and the update environment is not written: the
// returned state is the one the update would have persisted.
func (inst *Installer) Update(bundleData io.Reader, dry bool, rollbackAllowed bool, reporter ProgressReporter) (envfs.UpdateState, error) {
	cur, err := inst.store.Read()
	if err != nil {
		return envfs.UpdateState{}, err
	}
	if cur.State != envfs.StateNormal && cur.State != envfs.StateInstalled {
		return envfs.UpdateState{}, rerr.Wrapf(rerr.KindInvalidStateTransition, rerr.ErrInvalidTransition,
			"update: cannot install from state %s", cur.State)
	}

	br, manifest, err := bundle.Open(bundleData)
	if err != nil {
		return envfs.UpdateState{}, err
	}

	affected := make([]string, 0, len(manifest.Images))
	for _, img := range manifest.Images {
		name, stream, nerr := br.Next()
		if nerr != nil {
			return envfs.UpdateState{}, nerr
		}

		sel := cur.Selection(name)
		if sel == nil {
			return envfs.UpdateState{}, rerr.Wrapf(rerr.KindBadBundle, rerr.ErrBadBundle,
				"update: bundle references unknown set %q", name)
		}
		target := sel.Active.Other()
		part, perr := inst.cfg.ResolvePartition(name, target)
		if perr != nil {
			return envfs.UpdateState{}, perr
		}

		algo, want, cerr := img.Checksum()
		if cerr != nil {
			return envfs.UpdateState{}, cerr
		}
		h, herr := checksum.New(algo)
		if herr != nil {
			return envfs.UpdateState{}, rerr.Wrap(rerr.KindBadBundle, herr, "update: selecting checksum algorithm")
		}

		var dest io.Writer = io.Discard
		var dev RawWriter
		if !dry {
			dev, err = inst.devices.OpenForWrite(devicePath(part))
			if err != nil {
				return envfs.UpdateState{}, err
			}
			dest = &offsetWriter{w: dev, reporter: reporter}
		}

		buf := make([]byte, chunkSize)
		if _, werr := io.CopyBuffer(io.MultiWriter(dest, h), stream, buf); werr != nil {
			if dev != nil {
				dev.Close()
			}
			return envfs.UpdateState{}, rerr.Wrapf(rerr.KindGeneric, werr, "update: streaming image %q", name)
		}
		if dev != nil {
			if cerr := dev.Close(); cerr != nil {
				return envfs.UpdateState{}, rerr.Wrap(rerr.KindGeneric, cerr, "update: closing device")
			}
		}

		if !checksum.Equal(h.Sum(nil), want) {
			return envfs.UpdateState{}, rerr.Wrapf(rerr.KindIntegrity, rerr.ErrChecksumMismatch,
				"update: image %q failed checksum verification", name)
		}
		affected = append(affected, name)
	}
	if err := br.Close(); err != nil {
		return envfs.UpdateState{}, err
	}
	if reporter != nil {
		reporter.Finish()
	}

	next, err := statemachine.Update(cur, affected, rollbackAllowed && manifest.RollbackAllowed)
	if err != nil {
		return envfs.UpdateState{}, err
	}
	if dry {
		return next, nil
	}
	if err := inst.store.Write(next); err != nil {
		return envfs.UpdateState{}, err
	}
	return next, nil
}

// Commit arms remaining_tries and moves Installed -> Committed.
func (inst *Installer) Commit(tries int16) (envfs.UpdateState, error) {
	cur, err := inst.store.Read()
	if err != nil {
		return envfs.UpdateState{}, err
	}
	next, err := statemachine.Commit(cur, tries)
	if err != nil {
		return envfs.UpdateState{}, err
	}
	if err := inst.store.Write(next); err != nil {
		return envfs.UpdateState{}, err
	}
	return next, nil
}

// Finish accepts the running update, moving Testing -> Normal.
func (inst *Installer) Finish() (envfs.UpdateState, error) {
	cur, err := inst.store.Read()
	if err != nil {
		return envfs.UpdateState{}, err
	}
	next, err := statemachine.Finish(cur)
	if err != nil {
		return envfs.UpdateState{}, err
	}
	if err := inst.store.Write(next); err != nil {
		return envfs.UpdateState{}, err
	}
	return next, nil
}

// Revert requests a bootloader-side revert on the next boot.
func (inst *Installer) Revert() (envfs.UpdateState, error) {
	cur, err := inst.store.Read()
	if err != nil {
		return envfs.UpdateState{}, err
	}
	next, err := statemachine.Revert(cur)
	if err != nil {
		return envfs.UpdateState{}, err
	}
	if err := inst.store.Write(next); err != nil {
		return envfs.UpdateState{}, err
	}
	return next, nil
}

// Rollback swaps every set flagged rollback=true back to its previous
// variant, from Normal.
func (inst *Installer) Rollback() (envfs.UpdateState, error) {
	cur, err := inst.store.Read()
	if err != nil {
		return envfs.UpdateState{}, err
	}
	next, err := statemachine.Rollback(cur)
	if err != nil {
		return envfs.UpdateState{}, err
	}
	if err := inst.store.Write(next); err != nil {
		return envfs.UpdateState{}, err
	}
	return next, nil
}

// offsetWriter adapts a RawWriter (io.WriterAt) to io.Writer by
// tracking a monotonically increasing write offset, and ticks an
// optional ProgressReporter as bytes land.
type offsetWriter struct {
	w        RawWriter
	off      int64
	reporter ProgressReporter
}

func (o *offsetWriter) Write(p []byte) (int, error) {
	n, err := o.w.WriteAt(p, o.off)
	o.off += int64(n)
	if n > 0 && o.reporter != nil {
		o.reporter.Tick(int64(n))
	}
	return n, err
}
