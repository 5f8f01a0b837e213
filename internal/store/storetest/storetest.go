// Package storetest holds behaviour checks shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/vpnconnector/internal/store"
	"github.com/loykin/vpnconnector/internal/tunnel"
)

// Run exercises s against a freshly created schema.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.EnsureSchema(ctx))
	// idempotent
	require.NoError(t, s.EnsureSchema(ctx))

	rec := store.Record{
		ConfigID:       "11111111-1111-1111-1111-111111111111",
		OrganizationID: 7,
		UserEmail:      "ops@example.com",
		Name:           "office",
		ConnectionType: "openvpn",
		Metadata:       map[string]any{"filename": "office.ovpn"},
		IsActive:       true,
	}
	require.NoError(t, s.Create(ctx, rec))
	other := rec
	other.ConfigID = "22222222-2222-2222-2222-222222222222"
	other.OrganizationID = 8
	other.ConnectionType = "fortinet_ssl"
	require.NoError(t, s.Create(ctx, other))

	got, err := s.Get(ctx, 7, rec.ConfigID)
	require.NoError(t, err)
	assert.Equal(t, tunnel.PhaseConfigured, got.Status)
	assert.Equal(t, "office.ovpn", got.Metadata["filename"])
	assert.True(t, got.IsActive)
	assert.Nil(t, got.LastUsedAt)
	assert.False(t, got.CreatedAt.IsZero())

	// org scoping
	_, err = s.Get(ctx, 8, rec.ConfigID)
	assert.ErrorIs(t, err, tunnel.ErrNotFound)
	_, err = s.Get(ctx, 0, rec.ConfigID)
	assert.NoError(t, err)

	list, err := s.List(ctx, 7)
	require.NoError(t, err)
	require.Len(t, list, 1)
	all, err := s.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.UpdatePhase(ctx, rec.ConfigID, tunnel.PhaseConnected))
	used := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.Touch(ctx, rec.ConfigID, used))
	require.NoError(t, s.SetSecretRef(ctx, rec.ConfigID, "vpn-config-1"))
	got, err = s.Get(ctx, 7, rec.ConfigID)
	require.NoError(t, err)
	assert.Equal(t, tunnel.PhaseConnected, got.Status)
	assert.Equal(t, "vpn-config-1", got.SecretRef)
	require.NotNil(t, got.LastUsedAt)
	assert.WithinDuration(t, used, *got.LastUsedAt, time.Second)

	assert.Error(t, s.UpdatePhase(ctx, rec.ConfigID, tunnel.Phase("bogus")))
	assert.ErrorIs(t, s.UpdatePhase(ctx, "missing", tunnel.PhaseError), tunnel.ErrNotFound)

	counts, err := s.CountByPhase(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[tunnel.PhaseConnected])
	assert.Equal(t, 1, counts[tunnel.PhaseConfigured])

	require.NoError(t, s.Delete(ctx, rec.ConfigID))
	_, err = s.Get(ctx, 0, rec.ConfigID)
	assert.ErrorIs(t, err, tunnel.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, rec.ConfigID), tunnel.ErrNotFound)
}
