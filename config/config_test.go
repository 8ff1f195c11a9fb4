package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/divtxt/raftkv/config"
	"github.com/divtxt/raftkv/raft"
)

const sample = `
nodeId: n1
peers:
  - id: n1
    endpoint: http://127.0.0.1:8101
  - id: n2
    endpoint: http://127.0.0.1:8102
  - id: n3
    endpoint: http://127.0.0.1:8103
dataDir: /tmp/raftkv/n1/log
snapshotDir: /tmp/raftkv/n1/snap
listenAddr: 127.0.0.1:8101
logLevel: debug
settings:
  voteTimeout: 200ms
  asyncWrite: true
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	return path
}

func TestLoadAndBuildConfiguration(t *testing.T) {
	f, err := config.Load(writeSample(t))
	require.NoError(t, err)
	require.Equal(t, raft.ServerId("n1"), f.ThisServerId())

	cfg, err := f.BuildConfiguration()
	require.NoError(t, err)
	require.Equal(t, uint(3), cfg.ClusterSize())
	ep, ok := cfg.Endpoint("n2")
	require.True(t, ok)
	require.Equal(t, "http://127.0.0.1:8102", ep)
}

func TestBuildSettingsAppliesOverrides(t *testing.T) {
	f, err := config.Load(writeSample(t))
	require.NoError(t, err)

	s := f.BuildSettings()
	require.Equal(t, 200*time.Millisecond, s.VoteTimeout)
	require.True(t, s.AsyncWrite)
	// Unset fields keep the defaults.
	require.Equal(t, raft.DefaultSettings().MaxEntryBatchSize, s.MaxEntryBatchSize)
}

func TestLoadRejectsMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nodeId: n1\n"), 0o644))
	_, err := config.Load(path)
	require.Error(t, err)
}
