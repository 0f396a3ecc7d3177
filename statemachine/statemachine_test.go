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

package statemachine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northerntech/rupdate/envfs"
	"github.com/northerntech/rupdate/partcfg"
)

func TestUpdateMarksAffectedAndMovesToInstalled(t *testing.T) {
	cur := envfs.NewNormal([]string{"rootfs", "app"})
	next, err := Update(cur, []string{"rootfs"}, true)
	require.NoError(t, err)
	assert.Equal(t, envfs.StateInstalled, next.State)
	assert.True(t, next.Selection("rootfs").Affected)
	assert.True(t, next.Selection("rootfs").Rollback)
	assert.False(t, next.Selection("app").Affected)
}

func TestUpdateRejectsUnknownSet(t *testing.T) {
	cur := envfs.NewNormal([]string{"rootfs"})
	_, err := Update(cur, []string{"does-not-exist"}, true)
	assert.Error(t, err)
}

func TestUpdateIllegalFromTesting(t *testing.T) {
	cur := envfs.NewNormal([]string{"rootfs"})
	cur.State = envfs.StateTesting
	_, err := Update(cur, []string{"rootfs"}, true)
	assert.Error(t, err)
}

func TestCommitArmsRetriesFromInstalled(t *testing.T) {
	cur := envfs.NewNormal([]string{"rootfs"})
	cur.State = envfs.StateInstalled
	next, err := Commit(cur, 3)
	require.NoError(t, err)
	assert.Equal(t, envfs.StateCommitted, next.State)
	assert.Equal(t, int16(3), next.RemainingTries)
}

func TestSecondCommitIsInvalidTransition(t *testing.T) {
	cur := envfs.NewNormal([]string{"rootfs"})
	cur.State = envfs.StateCommitted
	_, err := Commit(cur, 3)
	assert.Error(t, err)
}

func TestCommitRejectsZeroRetries(t *testing.T) {
	cur := envfs.NewNormal([]string{"rootfs"})
	cur.State = envfs.StateInstalled
	_, err := Commit(cur, 0)
	assert.Error(t, err)
}

func TestFinishClearsAffectedAndReturnsNormal(t *testing.T) {
	cur := envfs.NewNormal([]string{"rootfs"})
	cur.Selection("rootfs").Affected = true
	cur.State = envfs.StateTesting
	next, err := Finish(cur)
	require.NoError(t, err)
	assert.Equal(t, envfs.StateNormal, next.State)
	assert.False(t, next.Selection("rootfs").Affected)
	assert.Equal(t, int16(-1), next.RemainingTries)
}

func TestRevertFromTesting(t *testing.T) {
	cur := envfs.NewNormal([]string{"rootfs"})
	cur.State = envfs.StateTesting
	next, err := Revert(cur)
	require.NoError(t, err)
	assert.Equal(t, envfs.StateRevert, next.State)
}

func TestRollbackSwapsFlaggedSetsOnly(t *testing.T) {
	cur := envfs.NewNormal([]string{"rootfs", "app"})
	cur.Selection("rootfs").Rollback = true
	next, err := Rollback(cur)
	require.NoError(t, err)
	assert.Equal(t, partcfg.VariantB, next.Selection("rootfs").Active)
	assert.Equal(t, partcfg.VariantA, next.Selection("app").Active)
	assert.False(t, next.Selection("rootfs").Rollback)
}

// TestScenarioThreeAutomaticRevert reproduces the worked example: after
// commit -r 3, three boots must leave remaining_tries at 0 still in
// Testing; the fourth boot is the one that reverts.
func TestScenarioThreeAutomaticRevert(t *testing.T) {
	cur := envfs.NewNormal([]string{"rootfs"})
	cur.Selection("rootfs").Affected = true
	cur.State = envfs.StateInstalled

	committed, err := Commit(cur, 3)
	require.NoError(t, err)

	boot1, err := Boot(committed)
	require.NoError(t, err)
	assert.Equal(t, envfs.StateTesting, boot1.State)
	assert.Equal(t, int16(2), boot1.RemainingTries)
	assert.Equal(t, partcfg.VariantB, boot1.Selection("rootfs").Active)

	boot2, err := Boot(boot1)
	require.NoError(t, err)
	assert.Equal(t, envfs.StateTesting, boot2.State)
	assert.Equal(t, int16(1), boot2.RemainingTries)

	boot3, err := Boot(boot2)
	require.NoError(t, err)
	assert.Equal(t, envfs.StateTesting, boot3.State)
	assert.Equal(t, int16(0), boot3.RemainingTries)

	boot4, err := Boot(boot3)
	require.NoError(t, err)
	assert.Equal(t, envfs.StateNormal, boot4.State)
	assert.Equal(t, int16(-1), boot4.RemainingTries)
	assert.Equal(t, partcfg.VariantA, boot4.Selection("rootfs").Active)
	assert.False(t, boot4.Selection("rootfs").Affected)
}

func TestBootFromRevertSwapsBackImmediately(t *testing.T) {
	cur := envfs.NewNormal([]string{"rootfs"})
	cur.Selection("rootfs").Affected = true
	cur.Selection("rootfs").Active = partcfg.VariantB
	cur.State = envfs.StateRevert

	next, err := Boot(cur)
	require.NoError(t, err)
	assert.Equal(t, envfs.StateNormal, next.State)
	assert.Equal(t, partcfg.VariantA, next.Selection("rootfs").Active)
}

func TestBootFromNormalIsNoop(t *testing.T) {
	cur := envfs.NewNormal([]string{"rootfs"})
	next, err := Boot(cur)
	require.NoError(t, err)
	assert.Equal(t, cur, next)
}
