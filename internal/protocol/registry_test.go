package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hengadev/medvault/internal/types"
	"github.com/hengadev/medvault/internal/vaulterr"
)

func TestRegister(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		u, err := f.engine.Register(f.ctx, patient, types.RolePatient, testPublicPEM(t, patient))
		require.NoError(t, err)
		assert.Equal(t, types.RolePatient, u.Role)
		assert.True(t, u.Active)
		assert.False(t, u.Verified)
		assert.Equal(t, f.clock.Now(), u.RegisteredAt)

		_, err = f.engine.Register(f.ctx, patient, types.RoleProvider, nil)
		assert.ErrorIs(t, err, vaulterr.ErrAlreadyRegistered)
		assert.True(t, vaulterr.IsStateConflictError(err))

		got, err := f.engine.GetUser(f.ctx, patient)
		require.NoError(t, err)
		assert.Equal(t, types.RolePatient, got.Role)
	})
}

func TestRegister_Validation(t *testing.T) {
	f := newFixture(t, newMemory())

	_, err := f.engine.Register(f.ctx, "", types.RolePatient, nil)
	assert.ErrorIs(t, err, vaulterr.ErrInvalidAddress)
	assert.NotErrorIs(t, err, vaulterr.ErrInvalidPatientAddress)
	assert.True(t, vaulterr.IsValidationError(err))

	_, err = f.engine.Register(f.ctx, patient, types.RoleNone, nil)
	assert.ErrorIs(t, err, vaulterr.ErrInvalidRole)

	_, err = f.engine.Register(f.ctx, patient, types.RolePatient, []byte("not a key"))
	assert.ErrorIs(t, err, vaulterr.ErrInvalidPublicKey)

	_, err = f.engine.GetUser(f.ctx, patient)
	assert.ErrorIs(t, err, vaulterr.ErrNotFound)
}

func TestVerify(t *testing.T) {
	f := newFixture(t, newMemory())
	_, err := f.engine.Register(f.ctx, provider, types.RoleProvider, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, f.engine.Verify(f.ctx, provider, provider), vaulterr.ErrNotAuthority)
	assert.ErrorIs(t, f.engine.Verify(f.ctx, registrar, "ghost"), vaulterr.ErrNotFound)

	require.NoError(t, f.engine.Verify(f.ctx, registrar, provider))
	assert.ErrorIs(t, f.engine.Verify(f.ctx, registrar, provider), vaulterr.ErrAlreadyVerified)

	u, err := f.engine.GetUser(f.ctx, provider)
	require.NoError(t, err)
	assert.True(t, u.Verified)
	assert.True(t, u.IsVerifiedParty())
}

func TestSetActive_BlocksTransitions(t *testing.T) {
	f := newFixture(t, newMemory())
	f.enroll(patient, types.RolePatient)
	f.enroll(provider, types.RoleProvider)
	r1 := f.upload(patient, "ecg", types.DataTypeEHR)

	assert.ErrorIs(t, f.engine.SetActive(f.ctx, patient, provider, false), vaulterr.ErrNotAuthority)
	require.NoError(t, f.engine.SetActive(f.ctx, registrar, provider, false))

	_, err := f.engine.Request(f.ctx, provider, patient, r1.record.ID, types.KindView, 0)
	assert.ErrorIs(t, err, vaulterr.ErrRequesterNotVerified)

	require.NoError(t, f.engine.SetActive(f.ctx, registrar, provider, true))
	_, err = f.engine.Request(f.ctx, provider, patient, r1.record.ID, types.KindView, 0)
	assert.NoError(t, err)
}

func TestPublicKeys(t *testing.T) {
	f := newFixture(t, newMemory())
	_, err := f.engine.Register(f.ctx, provider, types.RoleProvider, nil)
	require.NoError(t, err)

	_, err = f.engine.GetPublicKey(f.ctx, provider)
	assert.ErrorIs(t, err, vaulterr.ErrNoKeyOnFile)
	_, err = f.engine.GetPublicKey(f.ctx, "ghost")
	assert.ErrorIs(t, err, vaulterr.ErrNotFound)

	assert.ErrorIs(t, f.engine.SetPublicKey(f.ctx, provider, []byte("junk")), vaulterr.ErrInvalidPublicKey)
	require.NoError(t, f.engine.SetPublicKey(f.ctx, provider, testPublicPEM(t, provider)))

	key, err := f.engine.GetPublicKey(f.ctx, provider)
	require.NoError(t, err)
	assert.Equal(t, testPublicPEM(t, provider), key)
}
