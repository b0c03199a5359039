package keyprovider

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGetMissingReturnsNotFound(t *testing.T) {
	m := NewMemory()
	_, err := m.Get("no-such-session")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryPutThenGetRoundTrips(t *testing.T) {
	m := NewMemory()
	keys := Keys{MasterKey: []byte("k"), MasterSalt: []byte("s")}
	require.NoError(t, m.Put("sess-1", keys))

	got, err := m.Get("sess-1")
	require.NoError(t, err)
	assert.Equal(t, keys, got)
}

func TestMemoryRotateChangesKeyMaterialAndBumpsVersion(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Put("sess-1", Keys{MasterKey: make([]byte, 16), MasterSalt: make([]byte, 14)}))

	rotated, err := m.Rotate("sess-1")
	require.NoError(t, err)
	assert.Equal(t, 1, rotated.Version)
	assert.Len(t, rotated.MasterKey, 16)
	assert.Len(t, rotated.MasterSalt, 14)
}

func TestMemoryRotateUnknownSessionFails(t *testing.T) {
	m := NewMemory()
	_, err := m.Rotate("ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFileProviderPersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.json")

	f1 := NewFile(path)
	keys := Keys{MasterKey: []byte("k"), MasterSalt: []byte("s")}
	require.NoError(t, f1.Put("sess-1", keys))

	f2 := NewFile(path)
	got, err := f2.Get("sess-1")
	require.NoError(t, err)
	assert.Equal(t, keys, got)

	_, statErr := os.Stat(path)
	require.NoError(t, statErr)
}

func TestFileProviderGetMissingSessionFails(t *testing.T) {
	dir := t.TempDir()
	f := NewFile(filepath.Join(dir, "keys.json"))
	_, err := f.Get("ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFileProviderDeleteRemovesEntry(t *testing.T) {
	dir := t.TempDir()
	f := NewFile(filepath.Join(dir, "keys.json"))
	require.NoError(t, f.Put("sess-1", Keys{MasterKey: []byte("k")}))
	require.NoError(t, f.Delete("sess-1"))

	_, err := f.Get("sess-1")
	require.ErrorIs(t, err, ErrNotFound)
}
