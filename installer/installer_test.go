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

package installer

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northerntech/rupdate/checksum"
	"github.com/northerntech/rupdate/envfs"
	"github.com/northerntech/rupdate/partcfg"
)

type fakeEnvDevice struct{ data []byte }

func newFakeEnvDevice(size int) *fakeEnvDevice { return &fakeEnvDevice{data: make([]byte, size)} }

func (d *fakeEnvDevice) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, d.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (d *fakeEnvDevice) WriteAt(p []byte, off int64) (int, error) {
	return copy(d.data[off:], p), nil
}

// fakeTarget is an in-memory RawWriter standing in for a real block device.
type fakeTarget struct{ data []byte }

func (f *fakeTarget) WriteAt(p []byte, off int64) (int, error) {
	if int(off)+len(p) > len(f.data) {
		grown := make([]byte, int(off)+len(p))
		copy(grown, f.data)
		f.data = grown
	}
	return copy(f.data[off:], p), nil
}

func (f *fakeTarget) Close() error { return nil }

type fakeOpener struct {
	targets map[string]*fakeTarget
	opened  []string
}

func newFakeOpener() *fakeOpener { return &fakeOpener{targets: map[string]*fakeTarget{}} }

func (o *fakeOpener) OpenForWrite(path string) (RawWriter, error) {
	o.opened = append(o.opened, path)
	t := &fakeTarget{}
	o.targets[path] = t
	return t, nil
}

func testConfig() *partcfg.Config {
	return &partcfg.Config{
		Version:       partcfg.CurrentVersion,
		HashAlgorithm: checksum.Sha256,
		Sets:          []partcfg.SetDescriptor{{ID: 0, Name: "rootfs"}},
		Partitions: []partcfg.PartitionDescriptor{
			{Variant: partcfg.VariantA, SetID: 0, LinuxDevice: "mmcblk0p", LinuxPartition: "2"},
			{Variant: partcfg.VariantB, SetID: 0, LinuxDevice: "mmcblk0p", LinuxPartition: "3"},
		},
	}
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func buildBundle(t *testing.T, name string, data []byte) []byte {
	t.Helper()
	m := map[string]interface{}{
		"version":          1,
		"rollback_allowed": true,
		"images": []map[string]string{{
			"name": name, "filename": name + ".img", "sha256": sha256Hex(data),
		}},
	}
	manifest, err := json.Marshal(m)
	require.NoError(t, err)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "Manifest.json", Size: int64(len(manifest))}))
	_, err = tw.Write(manifest)
	require.NoError(t, err)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: name + ".img", Size: int64(len(data))}))
	_, err = tw.Write(data)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func newTestInstaller(t *testing.T, opener DeviceOpener) (*Installer, *envfs.Store) {
	t.Helper()
	dev := newFakeEnvDevice(1024)
	store := envfs.NewStore(dev, 0, 512, 512, checksum.Sha256)
	_, err := store.Init([]string{"rootfs"})
	require.NoError(t, err)
	return NewWithDeviceOpener(testConfig(), store, opener), store
}

func TestUpdateWritesInactivePartitionAndMarksAffected(t *testing.T) {
	opener := newFakeOpener()
	inst, _ := newTestInstaller(t, opener)

	image := []byte("new rootfs content")
	bundleData := buildBundle(t, "rootfs", image)

	st, err := inst.Update(bytes.NewReader(bundleData), false, true, nil)
	require.NoError(t, err)
	assert.Equal(t, envfs.StateInstalled, st.State)
	assert.True(t, st.Selection("rootfs").Affected)
	assert.True(t, st.Selection("rootfs").Rollback)

	require.Contains(t, opener.opened, "/dev/mmcblk0p3")
	assert.Equal(t, image, opener.targets["/dev/mmcblk0p3"].data)
}

func TestUpdateDryRunDoesNotOpenDevice(t *testing.T) {
	opener := newFakeOpener()
	inst, _ := newTestInstaller(t, opener)

	image := []byte("new rootfs content")
	bundleData := buildBundle(t, "rootfs", image)

	st, err := inst.Update(bytes.NewReader(bundleData), true, true, nil)
	require.NoError(t, err)
	assert.Equal(t, envfs.StateInstalled, st.State)
	assert.Empty(t, opener.opened)
}

func TestUpdateRejectsChecksumMismatch(t *testing.T) {
	opener := newFakeOpener()
	inst, _ := newTestInstaller(t, opener)

	bundleData := buildBundle(t, "rootfs", []byte("content"))
	// Corrupt the image payload after the manifest declares its checksum.
	corrupted := bytes.Replace(bundleData, []byte("content"), []byte("CONTENT"), 1)

	_, err := inst.Update(bytes.NewReader(corrupted), false, true, nil)
	assert.Error(t, err)
}

func TestFullLifecycle(t *testing.T) {
	opener := newFakeOpener()
	inst, _ := newTestInstaller(t, opener)

	image := []byte("v2 rootfs")
	_, err := inst.Update(bytes.NewReader(buildBundle(t, "rootfs", image)), false, true, nil)
	require.NoError(t, err)

	st, err := inst.Commit(3)
	require.NoError(t, err)
	assert.Equal(t, envfs.StateCommitted, st.State)

	st, err = inst.State()
	require.NoError(t, err)
	assert.Equal(t, envfs.StateCommitted, st.State)
}

func TestUpdateRejectsWhileCommitted(t *testing.T) {
	opener := newFakeOpener()
	inst, _ := newTestInstaller(t, opener)

	_, err := inst.Update(bytes.NewReader(buildBundle(t, "rootfs", []byte("x"))), false, true, nil)
	require.NoError(t, err)
	_, err = inst.Commit(3)
	require.NoError(t, err)

	_, err = inst.Update(bytes.NewReader(buildBundle(t, "rootfs", []byte("y"))), false, true, nil)
	assert.Error(t, err)
}
