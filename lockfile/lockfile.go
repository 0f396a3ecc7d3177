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

// Package lockfile provides the advisory, exclusive, non-blocking
// process lock rupdate takes before touching the update environment,
// so two rupdate invocations (e.g. a manual "rupdate update" racing a
// scripted "rupdate commit") cannot interleave their read-modify-write
// cycles.
package lockfile

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/northerntech/rupdate/rerr"
)

// DefaultPath is where rupdate takes its lock, matching the location
// spec.md assumes for the running system.
const DefaultPath = "/var/lock/rupdate"

// Lock is a held advisory lock. Close releases it.
type Lock struct {
	f *os.File
}

// Acquire opens (creating if necessary) and flock(2)s path exclusively
// and non-blocking. It fails immediately with rerr.ErrBusy if another
// process already holds the lock, rather than waiting.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, rerr.Wrapf(rerr.KindGeneric, err, "lockfile: opening %s", path)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, rerr.Wrapf(rerr.KindGeneric, rerr.ErrBusy,
				"lockfile: %s is held by another rupdate process", path)
		}
		return nil, rerr.Wrapf(rerr.KindGeneric, err, "lockfile: locking %s", path)
	}

	return &Lock{f: f}, nil
}

// Close releases the lock and closes the underlying file descriptor.
func (l *Lock) Close() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return rerr.Wrap(rerr.KindGeneric, err, "lockfile: unlocking")
	}
	return l.f.Close()
}
