package snapshotstore_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/divtxt/raftkv/raft"
	"github.com/divtxt/raftkv/snapshotstore"
)

func TestReloadEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := snapshotstore.Open(dir, nil)
	require.NoError(t, err)
	meta, err := s.Reload()
	require.NoError(t, err)
	require.Equal(t, raft.LogIndex(0), meta.LastIncludedIndex)
	require.Equal(t, "", s.DataDir())
}

func TestPromoteStagingDir(t *testing.T) {
	dir := t.TempDir()
	s, err := snapshotstore.Open(dir, nil)
	require.NoError(t, err)
	_, err = s.Reload()
	require.NoError(t, err)

	staging, err := s.NewStagingDir()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(staging, "data", "kv.db"), []byte("hello"), 0o644))

	meta := raft.SnapshotMetadata{LastIncludedIndex: 42, LastIncludedTerm: 3}
	require.NoError(t, s.PromoteStagingDir(staging, meta))
	require.Equal(t, meta, s.CurrentMeta())

	files, err := s.OpenDataFiles()
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, "kv.db", files[0].Name())
	for _, f := range files {
		require.NoError(t, f.Close())
	}

	s2, err := snapshotstore.Open(dir, nil)
	require.NoError(t, err)
	reloaded, err := s2.Reload()
	require.NoError(t, err)
	require.Equal(t, meta, reloaded)
}

func TestTakeInstallMutualExclusion(t *testing.T) {
	dir := t.TempDir()
	s, err := snapshotstore.Open(dir, nil)
	require.NoError(t, err)

	require.True(t, s.TryBeginTakingSnapshot())
	require.False(t, s.TryBeginInstallingSnapshot())
	s.EndTakingSnapshot()
	require.True(t, s.TryBeginInstallingSnapshot())
	s.EndInstallingSnapshot()
}
