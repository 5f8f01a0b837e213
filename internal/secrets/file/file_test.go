package file

import (
	"context"
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/vpnconnector/internal/secrets"
)

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	require.NoError(t, err)

	in := secrets.Bundle{
		Config:      "client\nremote vpn.example.com 1194\n",
		Credentials: secrets.Credentials{Username: "alice", Password: "s3cret"},
	}
	ref, err := s.Put(ctx, "cfg-1", in)
	require.NoError(t, err)
	assert.NotEmpty(t, ref.SecretID)

	if runtime.GOOS != "windows" {
		fi, err := os.Stat(ref.SecretID)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
	}

	out, err := s.Get(ctx, "cfg-1")
	require.NoError(t, err)
	assert.Equal(t, in, out)

	require.NoError(t, s.Delete(ctx, "cfg-1"))
	_, err = s.Get(ctx, "cfg-1")
	assert.ErrorIs(t, err, secrets.ErrNotFound)
	assert.NoError(t, s.Delete(ctx, "cfg-1"))
}

func TestRejectsPathLikeIDs(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	_, err = s.Put(context.Background(), "../escape", secrets.Bundle{})
	assert.Error(t, err)
	_, err = s.Get(context.Background(), "a/b")
	assert.Error(t, err)
}
