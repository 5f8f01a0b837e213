package factory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/vpnconnector/internal/secrets/file"
)

func TestNewFileDefault(t *testing.T) {
	s, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	_, ok := s.(*file.Store)
	assert.True(t, ok)
}

func TestNewUnknownType(t *testing.T) {
	_, err := New(Config{Type: "vault"})
	assert.Error(t, err)
}

func TestNewAzureRequiresURLs(t *testing.T) {
	_, err := New(Config{Type: "azure"})
	assert.Error(t, err)
}
