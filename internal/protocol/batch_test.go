package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hengadev/medvault/internal/types"
	"github.com/hengadev/medvault/internal/vaulterr"
)

func TestBatchAccess_SnapshotOfExistingRecords(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		f.enroll(patient, types.RolePatient)
		f.enroll(research, types.RoleResearcher)
		before := []uploaded{
			f.upload(patient, "visit 1", types.DataTypeEHR),
			f.upload(patient, "visit 2", types.DataTypeEHR),
		}

		req, err := f.engine.RequestBatchAccess(f.ctx, research, patient, types.KindView, 0)
		require.NoError(t, err)
		assert.True(t, req.IsBatch())

		later := f.upload(patient, "visit 3", types.DataTypeEHR)

		grants, err := f.engine.ApproveBatchAccess(f.ctx, patient, req.ID, ownerRewrapper(t, patient))
		require.NoError(t, err)
		require.Len(t, grants, 3)
		for _, g := range grants {
			assert.Equal(t, types.SourceBatch, g.Source)
			assert.Equal(t, req.ID, g.RequestID)
		}

		for _, u := range append(before, later) {
			assert.Equal(t, u.plaintext, f.open(research, u))
		}

		after := f.upload(patient, "visit 4", types.DataTypeEHR)
		ok, err := f.engine.CheckAccess(f.ctx, research, after.record.ID)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestBatchAccess_KindMismatch(t *testing.T) {
	f := newFixture(t, newMemory())
	f.enroll(patient, types.RolePatient)
	f.enroll(research, types.RoleResearcher)
	r1 := f.upload(patient, "visit", types.DataTypeEHR)

	batch, err := f.engine.RequestBatchAccess(f.ctx, research, patient, types.KindView, 0)
	require.NoError(t, err)
	single, err := f.engine.Request(f.ctx, research, patient, r1.record.ID, types.KindView, 0)
	require.NoError(t, err)

	_, err = f.engine.Approve(f.ctx, patient, batch.ID, ownerRewrapper(t, patient))
	assert.ErrorIs(t, err, vaulterr.ErrRequestKindMismatch)
	_, err = f.engine.ApproveBatchAccess(f.ctx, patient, single.ID, ownerRewrapper(t, patient))
	assert.ErrorIs(t, err, vaulterr.ErrRequestKindMismatch)
}

func TestBatchAccess_IncentiveAndEmptyCatalog(t *testing.T) {
	f := newFixture(t, newMemory())
	f.enroll(patient, types.RolePatient)
	f.enroll(research, types.RoleResearcher)
	_, err := f.engine.Deposit(f.ctx, research, 500)
	require.NoError(t, err)

	req, err := f.engine.RequestBatchAccess(f.ctx, research, patient, types.KindView, 500)
	require.NoError(t, err)

	grants, err := f.engine.ApproveBatchAccess(f.ctx, patient, req.ID, ownerRewrapper(t, patient))
	require.NoError(t, err)
	assert.Empty(t, grants)
	assert.Equal(t, uint64(500), f.balance(patient))
	assert.Zero(t, f.balance(research))

	_, err = f.engine.ApproveBatchAccess(f.ctx, patient, req.ID, ownerRewrapper(t, patient))
	assert.ErrorIs(t, err, vaulterr.ErrNotPending)
}
