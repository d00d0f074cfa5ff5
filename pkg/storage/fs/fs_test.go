package fs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, found, err := s.Get("keyvault", "header")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, s.Put("keyvault", "header", []byte("h1")))
	require.NoError(t, s.Put("keyvault", "record:ab-cd", []byte("r1")))

	value, found, err := s.Get("keyvault", "record:ab-cd")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("r1"), value)

	// Overwrite wins.
	require.NoError(t, s.Put("keyvault", "header", []byte("h2")))
	value, _, err = s.Get("keyvault", "header")
	require.NoError(t, err)
	require.Equal(t, []byte("h2"), value)
}

func TestStoreListSince(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Put("keyvault", "header", []byte("h")))
	require.NoError(t, s.Put("keyvault", "record_index", []byte("i")))
	require.NoError(t, s.Put("keyvault", "record:1", []byte("r")))

	entries, cursor, err := s.ListSince("keyvault", "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "header", entries[0].Key)
	require.Equal(t, "record:1", entries[1].Key)
	require.Equal(t, "record_index", entries[2].Key)
	require.Equal(t, "record_index", cursor)

	page, _, err := s.ListSince("keyvault", "header", 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "record:1", page[0].Key)
}
