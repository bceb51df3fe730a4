package client

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileIdentityRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "identity")
	id := NewFileIdentity(path)

	_, ok := id.Load()
	assert.False(t, ok)

	require.NoError(t, id.Save("token-abc"))
	token, ok := id.Load()
	require.True(t, ok)
	assert.Equal(t, "token-abc", token)
}

func TestMemoryIdentity(t *testing.T) {
	var id MemoryIdentity
	_, ok := id.Load()
	assert.False(t, ok)

	require.NoError(t, id.Save("tok"))
	token, ok := id.Load()
	require.True(t, ok)
	assert.Equal(t, "tok", token)
}
