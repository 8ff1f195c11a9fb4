package proxy_test

import (
	"context"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/divtxt/raftkv/proxy"
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

func newSingleNodeServer(t *testing.T) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	logStore, err := raftlog.Open(dir+"/log", raftlog.DefaultConfig(), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = logStore.Close() })

	snaps, err := snapshotstore.Open(dir+"/snap", nil)
	require.NoError(t, err)

	// The node must advertise its real endpoint in its configuration so the
	// proxy's GetLeader-based discovery can find it, so bind the listener
	// before constructing the node and hand it to httptest afterwards.
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	endpoint := "http://" + lis.Addr().String()

	config, err := raft.NewConfiguration([]raft.Peer{{Id: "n1", Endpoint: endpoint}}, "n1")
	require.NoError(t, err)

	settings := raft.DefaultSettings()
	settings.VoteTimeout = 20 * time.Millisecond
	settings.KeepAlivePeriod = 5 * time.Millisecond

	node, err := raft.New("n1", config, logStore, snaps, memkv.New(), noopTransport{}, settings, nil, nil)
	require.NoError(t, err)
	node.Start()
	t.Cleanup(node.Stop)

	require.Eventually(t, func() bool { return node.GetRole() == raft.LEADER }, time.Second, time.Millisecond)

	ts := httptest.NewUnstartedServer(service.NewServer(service.New(node)).Router())
	_ = ts.Listener.Close()
	ts.Listener = lis
	ts.Start()
	return ts
}

func TestProxyReplicateAndGet(t *testing.T) {
	ts := newSingleNodeServer(t)
	defer ts.Close()

	p := proxy.New([]string{ts.URL}, time.Second)

	ctx := context.Background()
	cmd := memkv.EncodeCommand(memkv.Command{Op: memkv.OpSet, Key: []byte("a"), Value: []byte("1")})
	_, err := p.Replicate(ctx, cmd)
	require.NoError(t, err)

	value, err := p.Get(ctx, ts.URL, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), value)
}

func TestProxyGetConfiguration(t *testing.T) {
	ts := newSingleNodeServer(t)
	defer ts.Close()

	p := proxy.New([]string{ts.URL}, time.Second)
	peers, err := p.GetConfiguration(context.Background())
	require.NoError(t, err)
	require.Len(t, peers, 1)
	require.Equal(t, raft.ServerId("n1"), peers[0].Id)
}
