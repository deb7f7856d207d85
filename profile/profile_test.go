package profile_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coin-ledger/profile"
)

func TestMemory_UnknownAccountIsUnverified(t *testing.T) {
	dir := profile.NewMemory()
	p, err := dir.GetProfile(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, profile.StatusUnverified, p.IdentityStatus)
	assert.Empty(t, p.Tier)
}

func TestMemory_SaveAndGet(t *testing.T) {
	dir := profile.NewMemory()
	require.NoError(t, dir.SaveProfile(context.Background(), profile.Profile{
		AccountID: "alice", IdentityStatus: profile.StatusVerified, Tier: "gold",
	}))

	p, err := dir.GetProfile(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, profile.StatusVerified, p.IdentityStatus)
	assert.Equal(t, "gold", p.Tier)
	assert.False(t, p.UpdatedAt.IsZero())
}

func TestMemory_RejectsUnknownStatus(t *testing.T) {
	dir := profile.NewMemory()
	err := dir.SaveProfile(context.Background(), profile.Profile{AccountID: "alice", IdentityStatus: "maybe"})
	assert.ErrorIs(t, err, profile.ErrInvalidStatus)
}

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"verified", "pending", "unverified"} {
		st, err := profile.ParseStatus(s)
		require.NoError(t, err)
		assert.Equal(t, profile.Status(s), st)
	}
	_, err := profile.ParseStatus("")
	assert.Error(t, err)
}
