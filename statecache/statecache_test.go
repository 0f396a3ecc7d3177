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

package statecache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northerntech/rupdate/envfs"
)

func TestPutGetRoundTrip(t *testing.T) {
	cache, err := Open(t.TempDir())
	require.NoError(t, err)
	defer cache.Close()

	st := envfs.NewNormal([]string{"rootfs"})
	st.Revision = 7
	require.NoError(t, cache.Put(st))

	got, err := cache.Get()
	require.NoError(t, err)
	assert.Equal(t, st.Revision, got.Revision)
	assert.Equal(t, st.PartSel, got.PartSel)
}

func TestGetBeforePutIsNotFound(t *testing.T) {
	cache, err := Open(t.TempDir())
	require.NoError(t, err)
	defer cache.Close()

	_, err = cache.Get()
	assert.Error(t, err)
}
