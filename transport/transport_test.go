package transport_test

import (
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/divtxt/raftkv/raft"
	"github.com/divtxt/raftkv/raftlog"
	"github.com/divtxt/raftkv/snapshotstore"
	"github.com/divtxt/raftkv/statemachine/memkv"
	"github.com/divtxt/raftkv/transport"
)

func newTestNode(t *testing.T, id raft.ServerId, peers []raft.Peer) *raft.ConsensusNode {
	t.Helper()
	dir := t.TempDir()
	cfg := raftlog.DefaultConfig()
	logStore, err := raftlog.Open(dir, cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = logStore.Close() })

	snaps, err := snapshotstore.Open(dir+"-snap", nil)
	require.NoError(t, err)

	config, err := raft.NewConfiguration(peers, id)
	require.NoError(t, err)

	node, err := raft.New(id, config, logStore, snaps, memkv.New(), loopbackTransport{}, raft.DefaultSettings(), nil, nil)
	require.NoError(t, err)
	return node
}

type loopbackTransport struct{}

func (loopbackTransport) SendRequestVote(raft.Peer, *raft.RequestVote) (*raft.VoteResponse, error) {
	return nil, os.ErrClosed
}
func (loopbackTransport) SendAppendEntries(raft.Peer, *raft.AppendEntries) (*raft.AppendEntriesResponse, error) {
	return nil, os.ErrClosed
}
func (loopbackTransport) SendInstallSnapshot(raft.Peer, *raft.InstallSnapshot) (*raft.InstallSnapshotResponse, error) {
	return nil, os.ErrClosed
}

func TestRequestVoteOverHTTP(t *testing.T) {
	peers := []raft.Peer{{Id: "n1", Endpoint: ""}, {Id: "n2", Endpoint: ""}}
	node := newTestNode(t, "n1", peers)

	srv := transport.NewServer(node, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	client := transport.NewClient(time.Second)
	resp, err := client.SendRequestVote(raft.Peer{Id: "n1", Endpoint: ts.URL}, &raft.RequestVote{
		Term: 5, CandidateId: "n2", LastLogIndex: 0, LastLogTerm: 0,
	})
	require.NoError(t, err)
	require.True(t, resp.Granted)
	require.Equal(t, raft.TermNo(5), resp.Term)
}
