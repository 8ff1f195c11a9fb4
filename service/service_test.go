package service_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/divtxt/raftkv/raft"
	"github.com/divtxt/raftkv/raftlog"
	"github.com/divtxt/raftkv/service"
	"github.com/divtxt/raftkv/snapshotstore"
	"github.com/divtxt/raftkv/statemachine/memkv"
)

type noopTransport struct{}

func (noopTransport) SendRequestVote(raft.Peer, *raft.RequestVote) (*raft.VoteResponse, error) {
	return &raft.VoteResponse{}, nil
}
func (noopTransport) SendAppendEntries(raft.Peer, *raft.AppendEntries) (*raft.AppendEntriesResponse, error) {
	return &raft.AppendEntriesResponse{}, nil
}
func (noopTransport) SendInstallSnapshot(raft.Peer, *raft.InstallSnapshot) (*raft.InstallSnapshotResponse, error) {
	return &raft.InstallSnapshotResponse{}, nil
}

func newSingleNode(t *testing.T) *raft.ConsensusNode {
	t.Helper()
	dir := t.TempDir()
	logStore, err := raftlog.Open(dir+"/log", raftlog.DefaultConfig(), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = logStore.Close() })

	snaps, err := snapshotstore.Open(dir+"/snap", nil)
	require.NoError(t, err)

	config, err := raft.NewConfiguration([]raft.Peer{{Id: "n1"}}, "n1")
	require.NoError(t, err)

	settings := raft.DefaultSettings()
	settings.VoteTimeout = 20 * time.Millisecond
	settings.KeepAlivePeriod = 5 * time.Millisecond

	node, err := raft.New("n1", config, logStore, snaps, memkv.New(), noopTransport{}, settings, nil, nil)
	require.NoError(t, err)
	node.Start()
	t.Cleanup(node.Stop)
	return node
}

func waitForLeader(t *testing.T, node *raft.ConsensusNode) {
	t.Helper()
	require.Eventually(t, func() bool {
		return node.GetRole() == raft.LEADER
	}, time.Second, time.Millisecond)
}

func TestReplicateAndReadIndexGetOverHTTP(t *testing.T) {
	node := newSingleNode(t)
	waitForLeader(t, node)

	svc := service.New(node)
	srv := service.NewServer(svc)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	client := service.NewClient(ts.URL, time.Second)
	ctx := context.Background()

	info, err := client.GetLeader(ctx)
	require.NoError(t, err)
	require.Equal(t, raft.ServerId("n1"), info.Id)

	cmd := memkv.EncodeCommand(memkv.Command{Op: memkv.OpSet, Key: []byte("a"), Value: []byte("1")})
	index, result, err := client.Replicate(ctx, cmd)
	require.NoError(t, err)
	require.Equal(t, raft.SUCCESS, result)
	require.Greater(t, uint64(index), uint64(0))

	commitIndex, result, err := client.GetLeaderCommitIndex(ctx)
	require.NoError(t, err)
	require.Equal(t, raft.SUCCESS, result)
	require.GreaterOrEqual(t, commitIndex, index)

	value, err := client.ReadIndexGet(ctx, commitIndex, []byte("a"), time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte("1"), value)
}

func TestReadIndexGetTimesOutIfNeverCaughtUp(t *testing.T) {
	node := newSingleNode(t)
	svc := service.New(node)
	_, err := svc.ReadIndexGet(context.Background(), 1000, []byte("a"), 30*time.Millisecond)
	require.Error(t, err)
}
