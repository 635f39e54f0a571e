package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckpointRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")

	ckpt, err := LoadCheckpoint(path)
	require.NoError(t, err, "a missing file yields an empty checkpoint")
	require.Equal(t, 0, ckpt.CompletedCount())

	require.NoError(t, ckpt.MarkComplete("cafes"))
	require.NoError(t, ckpt.MarkComplete("bars"))
	require.True(t, ckpt.IsComplete("cafes"))
	require.False(t, ckpt.IsComplete("gyms"))

	// A fresh load sees what the previous process persisted.
	reloaded, err := LoadCheckpoint(path)
	require.NoError(t, err)
	require.Equal(t, 2, reloaded.CompletedCount())
	require.True(t, reloaded.IsComplete("cafes"))
	require.True(t, reloaded.IsComplete("bars"))
}

func TestCheckpointClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	ckpt, err := LoadCheckpoint(path)
	require.NoError(t, err)
	require.NoError(t, ckpt.MarkComplete("cafes"))

	require.NoError(t, ckpt.Clear())
	require.False(t, ckpt.IsComplete("cafes"))
	_, err = os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist)

	// Clearing an already-clean checkpoint is not an error.
	require.NoError(t, ckpt.Clear())
}

func TestCheckpointRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := LoadCheckpoint(path)
	require.Error(t, err)
}
