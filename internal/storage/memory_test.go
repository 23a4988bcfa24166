package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T, dir string) *Memory {
	t.Helper()
	m, err := OpenMemory(dir)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestStoreScopesKeysByPlugin(t *testing.T) {
	m := openMemory(t, InMemory)
	seen, url := m.Scope("seen"), m.Scope("url")

	require.NoError(t, seen.Set("alice", "hello", 0))
	require.NoError(t, url.Set("alice", "https://example.com", 0))

	v, err := seen.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	keys, err := url.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, keys)

	require.NoError(t, seen.Delete("alice"))
	_, err = seen.Get("alice")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, seen.Delete("alice"), ErrNotFound)

	_, err = url.Get("alice")
	assert.NoError(t, err)
}

func TestStoreTTL(t *testing.T) {
	s := openMemory(t, InMemory).Scope("p")
	require.NoError(t, s.Set("short", "v", 50*time.Millisecond))
	require.NoError(t, s.Set("long", "v", 0))

	time.Sleep(100 * time.Millisecond)
	_, err := s.Get("short")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get("long")
	assert.NoError(t, err)
}

func TestStoreJSON(t *testing.T) {
	s := openMemory(t, InMemory).Scope("seen")
	type record struct {
		Channel string
		At      int64
	}
	require.NoError(t, s.SetJSON("bob", record{"#chan", 42}, 0))

	var got record
	require.NoError(t, s.GetJSON("bob", &got))
	assert.Equal(t, record{"#chan", 42}, got)
}

func TestMemoryPersistsToDisk(t *testing.T) {
	dir := t.TempDir()
	m, err := OpenMemory(dir)
	require.NoError(t, err)
	require.NoError(t, m.Scope("p").Set("k", "v", 0))
	require.NoError(t, m.Close())

	reopened := openMemory(t, dir)
	v, err := reopened.Scope("p").Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}
