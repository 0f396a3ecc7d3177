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
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northerntech/rupdate/checksum"
)

// fakeDevice is an in-memory RawDevice. failAfter, when non-zero, makes
// every WriteAt short-write after that many bytes, simulating a
// power loss partway through a slot write.
type fakeDevice struct {
	data      []byte
	failAfter int
}

func newFakeDevice(size int) *fakeDevice {
	return &fakeDevice{data: make([]byte, size)}
}

func (d *fakeDevice) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, d.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (d *fakeDevice) WriteAt(p []byte, off int64) (int, error) {
	n := len(p)
	if d.failAfter > 0 && d.failAfter < n {
		n = d.failAfter
	}
	copy(d.data[off:], p[:n])
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

const slotLen = 512

func TestStoreInitAndRead(t *testing.T) {
	dev := newFakeDevice(2 * slotLen)
	store := NewStore(dev, 0, slotLen, slotLen, checksum.Sha256)

	st, err := store.Init([]string{"rootfs"})
	require.NoError(t, err)
	assert.Equal(t, StateNormal, st.State)

	got, err := store.Read()
	require.NoError(t, err)
	assert.Equal(t, st.PartSel, got.PartSel)
}

func TestStoreWriteAlternatesSlots(t *testing.T) {
	dev := newFakeDevice(2 * slotLen)
	store := NewStore(dev, 0, slotLen, slotLen, checksum.Sha256)

	_, err := store.Init([]string{"rootfs"})
	require.NoError(t, err)
	assert.Equal(t, 0, store.lastSlot)

	next := NewNormal([]string{"rootfs"})
	next.State = StateInstalled
	require.NoError(t, store.Write(next))
	assert.Equal(t, 1, store.lastSlot)
	assert.Equal(t, uint32(1), store.lastState.Revision)

	require.NoError(t, store.Write(next))
	assert.Equal(t, 0, store.lastSlot)
	assert.Equal(t, uint32(2), store.lastState.Revision)
}

func TestStoreHigherRevisionWins(t *testing.T) {
	dev := newFakeDevice(2 * slotLen)
	store := NewStore(dev, 0, slotLen, slotLen, checksum.Sha256)

	st := NewNormal([]string{"rootfs"})
	require.NoError(t, EncodeState(sectionWriter(dev, 0), st, checksum.Sha256))
	st.Revision = 5
	st.State = StateInstalled
	require.NoError(t, EncodeState(sectionWriter(dev, slotLen), st, checksum.Sha256))

	got, err := store.Read()
	require.NoError(t, err)
	assert.Equal(t, StateInstalled, got.State)
	assert.Equal(t, uint32(5), got.Revision)
}

func TestStoreBothSlotsInvalid(t *testing.T) {
	dev := newFakeDevice(2 * slotLen)
	store := NewStore(dev, 0, slotLen, slotLen, checksum.Sha256)

	_, err := store.Read()
	assert.Error(t, err)
}

func TestStoreSurvivesTornWriteToStaleSlot(t *testing.T) {
	dev := newFakeDevice(2 * slotLen)
	store := NewStore(dev, 0, slotLen, slotLen, checksum.Sha256)
	_, err := store.Init([]string{"rootfs"})
	require.NoError(t, err)

	// A crash mid-write corrupts only the stale (never-read) slot 1;
	// slot 0 remains the valid, authoritative copy.
	dev.failAfter = 5
	next := NewNormal([]string{"rootfs"})
	next.State = StateInstalled
	_ = store.Write(next) // torn write, error expected but slot 0 untouched

	store2 := NewStore(dev, 0, slotLen, slotLen, checksum.Sha256)
	got, err := store2.Read()
	require.NoError(t, err)
	assert.Equal(t, StateNormal, got.State)
}

// sectionWriter adapts a WriterAt plus fixed offset to io.Writer for
// tests that want to hand-seed a specific slot's bytes directly.
type offsetTestWriter struct {
	dev RawDevice
	off int64
}

func (w *offsetTestWriter) Write(p []byte) (int, error) {
	n, err := w.dev.WriteAt(p, w.off)
	w.off += int64(n)
	return n, err
}

func sectionWriter(dev RawDevice, off int64) io.Writer {
	return &offsetTestWriter{dev: dev, off: off}
}
