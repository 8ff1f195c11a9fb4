package raft_test

// In-process multi-node cluster harness for the consensus engine's
// integration tests: a hub maps ServerId to *raft.ConsensusNode, and a
// connector bound to "from" implements raft.Transport by calling straight
// into the addressed node's Handle* methods instead of going over a socket.
// An unreachable peer surfaces as an error, matching raft.Transport's
// signature; partitioning a node is done by removing it from the hub.

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/divtxt/raftkv/raft"
	"github.com/divtxt/raftkv/raftlog"
	"github.com/divtxt/raftkv/snapshotstore"
	"github.com/divtxt/raftkv/statemachine/memkv"
)

type hub struct {
	mu    sync.Mutex
	nodes map[raft.ServerId]*raft.ConsensusNode
}

func newHub() *hub {
	return &hub{nodes: make(map[raft.ServerId]*raft.ConsensusNode)}
}

func (h *hub) set(id raft.ServerId, n *raft.ConsensusNode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nodes[id] = n
}

func (h *hub) remove(id raft.ServerId) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.nodes, id)
}

func (h *hub) get(id raft.ServerId) *raft.ConsensusNode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nodes[id]
}

func (h *hub) connectorFor(from raft.ServerId) *connector {
	return &connector{hub: h, from: from}
}

type connector struct {
	hub  *hub
	from raft.ServerId
}

func (c *connector) SendRequestVote(peer raft.Peer, rpc *raft.RequestVote) (*raft.VoteResponse, error) {
	n := c.hub.get(peer.Id)
	if n == nil {
		return nil, fmt.Errorf("cluster_test: %v unreachable from %v", peer.Id, c.from)
	}
	return n.HandleRequestVote(rpc)
}

func (c *connector) SendAppendEntries(peer raft.Peer, rpc *raft.AppendEntries) (*raft.AppendEntriesResponse, error) {
	n := c.hub.get(peer.Id)
	if n == nil {
		return nil, fmt.Errorf("cluster_test: %v unreachable from %v", peer.Id, c.from)
	}
	return n.HandleAppendEntries(rpc)
}

func (c *connector) SendInstallSnapshot(peer raft.Peer, rpc *raft.InstallSnapshot) (*raft.InstallSnapshotResponse, error) {
	n := c.hub.get(peer.Id)
	if n == nil {
		return nil, fmt.Errorf("cluster_test: %v unreachable from %v", peer.Id, c.from)
	}
	return n.HandleInstallSnapshot(rpc)
}

var _ raft.Transport = (*connector)(nil)

// testNode bundles a ConsensusNode with the backing state a test needs to
// inspect directly (its memkv instance, for reading applied state).
type testNode struct {
	node *raft.ConsensusNode
	sm   *memkv.KV
}

func fastTestSettings() raft.Settings {
	s := raft.DefaultSettings()
	s.VoteTimeout = 30 * time.Millisecond
	s.KeepAlivePeriod = 8 * time.Millisecond
	s.MaxAwaitTimeout = 2 * time.Second
	s.CatchupMargin = 5
	s.CatchupTimeout = 3 * time.Second
	s.SnapshotMinLogSize = 1_000_000 // effectively disabled unless a test lowers it
	s.SnapshotCheckInterval = 20 * time.Millisecond
	return s
}

// newTestCluster starts len(ids) nodes, all wired through a shared hub, and
// returns the hub and the nodes; teardown is registered with t.Cleanup.
// Every node starts as a FOLLOWER;
// callers wait for a leader to emerge via awaitLeader.
func newTestCluster(t *testing.T, ids []raft.ServerId, settings raft.Settings) (*hub, map[raft.ServerId]*testNode) {
	t.Helper()
	h := newHub()

	peers := make([]raft.Peer, len(ids))
	for i, id := range ids {
		peers[i] = raft.Peer{Id: id, Endpoint: string(id)}
	}

	nodes := make(map[raft.ServerId]*testNode, len(ids))
	for _, id := range ids {
		dir := t.TempDir()
		logStore, err := raftlog.Open(dir+"/log", raftlog.DefaultConfig(), nil, nil)
		require.NoError(t, err)
		snaps, err := snapshotstore.Open(dir+"/snap", nil)
		require.NoError(t, err)

		cfg, err := raft.NewConfiguration(peers, id)
		require.NoError(t, err)

		sm := memkv.New()
		n, err := raft.New(id, cfg, logStore, snaps, sm, h.connectorFor(id), settings, nil, nil)
		require.NoError(t, err)

		nodes[id] = &testNode{node: n, sm: sm}
		h.set(id, n)
	}

	for _, tn := range nodes {
		tn.node.Start()
	}
	t.Cleanup(func() {
		for _, tn := range nodes {
			tn.node.Stop()
		}
	})
	return h, nodes
}

// awaitLeader polls until exactly one node among candidates believes itself
// LEADER, and returns its id. Fails the test if none emerges within timeout.
func awaitLeader(t *testing.T, nodes map[raft.ServerId]*testNode, candidates []raft.ServerId, timeout time.Duration) raft.ServerId {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var leader raft.ServerId
		count := 0
		for _, id := range candidates {
			if nodes[id].node.GetRole() == raft.LEADER {
				leader = id
				count++
			}
		}
		if count == 1 {
			return leader
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no single leader emerged among %v within %v", candidates, timeout)
	return ""
}

func allIds(nodes map[raft.ServerId]*testNode) []raft.ServerId {
	ids := make([]raft.ServerId, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	return ids
}

// -- Scenario 1: three-node happy path --------------------------

func TestThreeNodeHappyPath(t *testing.T) {
	_, nodes := newTestCluster(t, []raft.ServerId{"n1", "n2", "n3"}, fastTestSettings())

	leaderId := awaitLeader(t, nodes, allIds(nodes), 2*time.Second)
	leader := nodes[leaderId].node

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data := memkv.EncodeCommand(memkv.Command{Op: memkv.OpSet, Key: []byte("hello"), Value: []byte("world")})
	index, err := leader.Replicate(ctx, data)
	require.NoError(t, err)
	require.Equal(t, raft.LogIndex(1), index)

	for _, id := range allIds(nodes) {
		tn := nodes[id]
		require.Eventually(t, func() bool {
			return tn.node.GetLastApplied() >= index
		}, time.Second, 5*time.Millisecond, "node %v never applied index %d", id, index)

		require.NoError(t, tn.node.WaitForApplied(context.Background(), index))
		v, err := tn.sm.Get([]byte("hello"))
		require.NoError(t, err)
		require.Equal(t, []byte("world"), v)
	}

	for _, id := range allIds(nodes) {
		require.Equal(t, raft.LogIndex(1), nodes[id].node.GetCommitIndex())
	}
}

// -- Scenario 6: read-index linearizability across writes --------------------

func TestReadIndexReflectsLatestWrite(t *testing.T) {
	_, nodes := newTestCluster(t, []raft.ServerId{"n1", "n2", "n3"}, fastTestSettings())
	leaderId := awaitLeader(t, nodes, allIds(nodes), 2*time.Second)
	leader := nodes[leaderId].node

	ctx := context.Background()
	put := func(v string) raft.LogIndex {
		data := memkv.EncodeCommand(memkv.Command{Op: memkv.OpSet, Key: []byte("k"), Value: []byte(v)})
		index, err := leader.Replicate(ctx, data)
		require.NoError(t, err)
		return index
	}
	put("v1")
	lastIndex := put("v2")

	for _, id := range allIds(nodes) {
		tn := nodes[id]
		waitCtx, cancel := context.WithTimeout(ctx, time.Second)
		require.NoError(t, tn.node.WaitForApplied(waitCtx, lastIndex))
		cancel()
		v, err := tn.sm.Get([]byte("k"))
		require.NoError(t, err)
		require.Equal(t, []byte("v2"), v, "node %v read-index read did not observe the latest write", id)
	}
}

// -- Election safety: at most one leader per term ----------------------------

func TestElectionSafetyOneLeaderPerTerm(t *testing.T) {
	_, nodes := newTestCluster(t, []raft.ServerId{"n1", "n2", "n3", "n4", "n5"}, fastTestSettings())
	leaderId := awaitLeader(t, nodes, allIds(nodes), 3*time.Second)

	term := nodes[leaderId].node.GetCurrentTerm()
	for _, id := range allIds(nodes) {
		n := nodes[id].node
		if n.GetCurrentTerm() == term && id != leaderId {
			require.NotEqual(t, raft.LEADER, n.GetRole(), "two leaders in the same term %d", term)
		}
	}
}

// -- Membership: adding a fourth server ---------------------------------------

func TestAddPeerJoinsAndReplicates(t *testing.T) {
	h, nodes := newTestCluster(t, []raft.ServerId{"n1", "n2", "n3"}, fastTestSettings())
	leaderId := awaitLeader(t, nodes, allIds(nodes), 2*time.Second)
	leader := nodes[leaderId].node

	dir := t.TempDir()
	logStore, err := raftlog.Open(dir+"/log", raftlog.DefaultConfig(), nil, nil)
	require.NoError(t, err)
	snaps, err := snapshotstore.Open(dir+"/snap", nil)
	require.NoError(t, err)
	sm := memkv.New()

	// n4 is constructed already knowing the full target membership, but the
	// existing nodes don't know n4 yet: until the CONFIGURATION entry from
	// AddPeer commits, they deny its pre-votes (not in their configuration),
	// so the joiner cannot disrupt the healthy cluster while catching up.
	joinCfg, err := raft.NewConfiguration([]raft.Peer{
		{Id: "n1", Endpoint: "n1"},
		{Id: "n2", Endpoint: "n2"},
		{Id: "n3", Endpoint: "n3"},
		{Id: "n4", Endpoint: "n4"},
	}, "n4")
	require.NoError(t, err)
	n4, err := raft.New("n4", joinCfg, logStore, snaps, sm, h.connectorFor("n4"), fastTestSettings(), nil, nil)
	require.NoError(t, err)
	h.set("n4", n4)
	n4.Start()
	t.Cleanup(n4.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, leader.AddPeer(ctx, raft.Peer{Id: "n4", Endpoint: "n4"}))

	require.Eventually(t, func() bool {
		return leader.GetConfiguration().Contains("n4")
	}, time.Second, 5*time.Millisecond)

	data := memkv.EncodeCommand(memkv.Command{Op: memkv.OpSet, Key: []byte("after-join"), Value: []byte("1")})
	index, err := leader.Replicate(context.Background(), data)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return n4.GetLastApplied() >= index
	}, 2*time.Second, 5*time.Millisecond, "new peer never caught up on post-join writes")
	v, err := sm.Get([]byte("after-join"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)
}

// -- Removal: leader removing a follower shrinks quorum ----------------------

func TestRemovePeerShrinksQuorum(t *testing.T) {
	_, nodes := newTestCluster(t, []raft.ServerId{"n1", "n2", "n3"}, fastTestSettings())
	leaderId := awaitLeader(t, nodes, allIds(nodes), 2*time.Second)
	leader := nodes[leaderId].node

	var victim raft.ServerId
	for _, id := range allIds(nodes) {
		if id != leaderId {
			victim = id
			break
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, leader.RemovePeer(ctx, victim))

	require.Eventually(t, func() bool {
		return !leader.GetConfiguration().Contains(victim)
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, uint(2), leader.GetConfiguration().ClusterSize())

	remaining := make([]raft.ServerId, 0, 2)
	for _, id := range allIds(nodes) {
		if id != victim {
			remaining = append(remaining, id)
		}
	}
	for _, id := range remaining {
		require.Eventually(t, func() bool {
			return !nodes[id].node.GetConfiguration().Contains(victim)
		}, time.Second, 5*time.Millisecond, "node %v still believes %v is a member", id, victim)
	}
}

// -- Leader crash: the rest of the cluster elects a new leader and keeps
// -- committing writes ------------------------------------------------------

func TestLeaderCrashElectsNewLeaderAndContinues(t *testing.T) {
	h, nodes := newTestCluster(t, []raft.ServerId{"n1", "n2", "n3"}, fastTestSettings())
	firstLeaderId := awaitLeader(t, nodes, allIds(nodes), 2*time.Second)
	firstLeader := nodes[firstLeaderId].node

	data := memkv.EncodeCommand(memkv.Command{Op: memkv.OpSet, Key: []byte("before-crash"), Value: []byte("1")})
	_, err := firstLeader.Replicate(context.Background(), data)
	require.NoError(t, err)

	// Simulate a crash: remove the leader from the hub so no remaining node
	// can reach it, then stop its timers so it doesn't keep occupying the
	// ServerId in a half-alive state.
	h.remove(firstLeaderId)
	nodes[firstLeaderId].node.Stop()

	survivors := make([]raft.ServerId, 0, 2)
	for _, id := range allIds(nodes) {
		if id != firstLeaderId {
			survivors = append(survivors, id)
		}
	}

	secondLeaderId := awaitLeader(t, nodes, survivors, 3*time.Second)
	require.NotEqual(t, firstLeaderId, secondLeaderId)
	secondLeader := nodes[secondLeaderId].node

	data2 := memkv.EncodeCommand(memkv.Command{Op: memkv.OpSet, Key: []byte("after-crash"), Value: []byte("2")})
	index2, err := secondLeader.Replicate(context.Background(), data2)
	require.NoError(t, err)

	for _, id := range survivors {
		tn := nodes[id]
		waitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		require.NoError(t, tn.node.WaitForApplied(waitCtx, index2))
		cancel()
		v, err := tn.sm.Get([]byte("after-crash"))
		require.NoError(t, err)
		require.Equal(t, []byte("2"), v)
	}
}

// -- Partition/rejoin: an isolated follower catches up once reconnected -----

func TestFollowerCatchesUpAfterPartitionHeals(t *testing.T) {
	h, nodes := newTestCluster(t, []raft.ServerId{"n1", "n2", "n3"}, fastTestSettings())
	leaderId := awaitLeader(t, nodes, allIds(nodes), 2*time.Second)
	leader := nodes[leaderId].node

	var isolated raft.ServerId
	for _, id := range allIds(nodes) {
		if id != leaderId {
			isolated = id
			break
		}
	}

	// Isolate one follower: the remaining leader+follower pair is still a
	// majority of 3, so writes keep committing without it.
	h.remove(isolated)

	for i := 0; i < 3; i++ {
		data := memkv.EncodeCommand(memkv.Command{
			Op: memkv.OpSet, Key: []byte("k"), Value: []byte(fmt.Sprintf("v%d", i)),
		})
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, err := leader.Replicate(ctx, data)
		cancel()
		require.NoError(t, err)
	}

	// Heal the partition: the isolated follower's replicator (still running
	// on the leader) should catch it up via ordinary AppendEntries.
	h.set(isolated, nodes[isolated].node)

	waitCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	lastIndex := leader.GetCommitIndex()
	require.NoError(t, nodes[isolated].node.WaitForApplied(waitCtx, lastIndex))

	v, err := nodes[isolated].sm.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v)
}

// -- Snapshot install: a follower too far behind the compacted log -----------

func TestFollowerCatchesUpViaSnapshotInstall(t *testing.T) {
	settings := fastTestSettings()
	settings.SnapshotMinLogSize = 20
	h, nodes := newTestCluster(t, []raft.ServerId{"n1", "n2", "n3"}, settings)
	leaderId := awaitLeader(t, nodes, allIds(nodes), 2*time.Second)
	leader := nodes[leaderId].node

	var isolated raft.ServerId
	for _, id := range allIds(nodes) {
		if id != leaderId {
			isolated = id
			break
		}
	}
	h.remove(isolated)

	for i := 0; i < 60; i++ {
		data := memkv.EncodeCommand(memkv.Command{
			Op: memkv.OpSet, Key: []byte(fmt.Sprintf("k%03d", i)), Value: []byte(fmt.Sprintf("v%d", i)),
		})
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, err := leader.Replicate(ctx, data)
		cancel()
		require.NoError(t, err)
	}

	// Wait for the leader's snapshotter to compact away the log prefix the
	// isolated follower still needs, so only InstallSnapshot can catch it up.
	require.Eventually(t, func() bool {
		return leader.GetSnapshotMeta().LastIncludedIndex >= 30
	}, 5*time.Second, 10*time.Millisecond, "leader never compacted its log")

	h.set(isolated, nodes[isolated].node)

	commitIndex := leader.GetCommitIndex()
	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, nodes[isolated].node.WaitForApplied(waitCtx, commitIndex))
	require.GreaterOrEqual(t, nodes[isolated].node.GetSnapshotMeta().LastIncludedIndex, raft.LogIndex(30),
		"follower caught up without installing a snapshot")

	for i := 0; i < 60; i += 7 {
		v, err := nodes[isolated].sm.Get([]byte(fmt.Sprintf("k%03d", i)))
		require.NoError(t, err)
		require.Equal(t, []byte(fmt.Sprintf("v%d", i)), v)
	}
}

// -- Scenario 4 mechanics: a conflicting suffix is truncated and rewritten ---

func TestConflictingFollowerSuffixIsTruncated(t *testing.T) {
	dir := t.TempDir()
	logStore, err := raftlog.Open(dir+"/log", raftlog.DefaultConfig(), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = logStore.Close() })
	snaps, err := snapshotstore.Open(dir+"/snap", nil)
	require.NoError(t, err)

	cfg, err := raft.NewConfiguration([]raft.Peer{
		{Id: "n1", Endpoint: "n1"}, {Id: "n2", Endpoint: "n2"}, {Id: "n3", Endpoint: "n3"},
	}, "n1")
	require.NoError(t, err)

	sm := memkv.New()
	// An empty hub: every outbound RPC fails, so n1 stays a follower and the
	// test drives its AppendEntries handler directly.
	n, err := raft.New("n1", cfg, logStore, snaps, sm, newHub().connectorFor("n1"), fastTestSettings(), nil, nil)
	require.NoError(t, err)
	n.Start()
	t.Cleanup(n.Stop)

	mk := func(index raft.LogIndex, term raft.TermNo, v string) raft.LogEntry {
		return raft.LogEntry{
			Index: index, Term: term, Type: raft.EntryData,
			Data: memkv.EncodeCommand(memkv.Command{Op: memkv.OpSet, Key: []byte("k"), Value: []byte(v)}),
		}
	}

	resp, err := n.HandleAppendEntries(&raft.AppendEntries{
		Term: 1, LeaderId: "n2", PrevLogIndex: 0, PrevLogTerm: 0,
		Entries: []raft.LogEntry{mk(1, 1, "a"), mk(2, 1, "b"), mk(3, 1, "c")}, CommitIndex: 1,
	})
	require.NoError(t, err)
	require.Equal(t, raft.AppendEntriesSuccess, resp.Result)
	require.Equal(t, raft.LogIndex(3), logStore.LastIndex())

	// A new leader at term 2 probing past our last entry: rejected with a
	// last-log-index hint so it can back up.
	resp, err = n.HandleAppendEntries(&raft.AppendEntries{
		Term: 2, LeaderId: "n3", PrevLogIndex: 5, PrevLogTerm: 1, CommitIndex: 3,
	})
	require.NoError(t, err)
	require.Equal(t, raft.AppendEntriesFail, resp.Result)
	require.Equal(t, raft.LogIndex(3), resp.LastLogIndex)

	// The same leader resending from index 2 with term-2 entries: indices 2-3
	// conflict and must be truncated away, then replaced.
	resp, err = n.HandleAppendEntries(&raft.AppendEntries{
		Term: 2, LeaderId: "n3", PrevLogIndex: 1, PrevLogTerm: 1,
		Entries: []raft.LogEntry{mk(2, 2, "B"), mk(3, 2, "C")}, CommitIndex: 3,
	})
	require.NoError(t, err)
	require.Equal(t, raft.AppendEntriesSuccess, resp.Result)

	entry, ok := logStore.GetEntry(2)
	require.True(t, ok)
	require.Equal(t, raft.TermNo(2), entry.Term)
	require.Equal(t, raft.LogIndex(3), logStore.LastIndex())

	waitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, n.WaitForApplied(waitCtx, 3))
	v, err := sm.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("C"), v)

	// A straggler AppendEntries from the deposed term-1 leader: rejected, and
	// the response carries our newer term.
	resp, err = n.HandleAppendEntries(&raft.AppendEntries{
		Term: 1, LeaderId: "n2", PrevLogIndex: 3, PrevLogTerm: 1, CommitIndex: 3,
	})
	require.NoError(t, err)
	require.Equal(t, raft.AppendEntriesFail, resp.Result)
	require.Equal(t, raft.TermNo(2), resp.Term)
}

// -- Durability: a synchronously acknowledged write survives restart ---------

func TestCommittedEntrySurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	settings := fastTestSettings()

	openStores := func() (*raftlog.SegmentedLog, *snapshotstore.Store) {
		logStore, err := raftlog.Open(dir+"/log", raftlog.DefaultConfig(), nil, nil)
		require.NoError(t, err)
		snaps, err := snapshotstore.Open(dir+"/snap", nil)
		require.NoError(t, err)
		return logStore, snaps
	}

	cfg, err := raft.NewConfiguration([]raft.Peer{{Id: "n1", Endpoint: "n1"}}, "n1")
	require.NoError(t, err)

	logStore, snaps := openStores()
	sm := memkv.New()
	node, err := raft.New("n1", cfg, logStore, snaps, sm, newHub().connectorFor("n1"), settings, nil, nil)
	require.NoError(t, err)
	node.Start()

	require.Eventually(t, func() bool { return node.GetRole() == raft.LEADER }, 2*time.Second, time.Millisecond)

	data := memkv.EncodeCommand(memkv.Command{Op: memkv.OpSet, Key: []byte("durable"), Value: []byte("yes")})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	index, err := node.Replicate(ctx, data)
	cancel()
	require.NoError(t, err)

	node.Stop()
	require.NoError(t, logStore.Close())

	logStore2, snaps2 := openStores()
	t.Cleanup(func() { _ = logStore2.Close() })
	sm2 := memkv.New()
	node2, err := raft.New("n1", cfg, logStore2, snaps2, sm2, newHub().connectorFor("n1"), settings, nil, nil)
	require.NoError(t, err)
	node2.Start()
	t.Cleanup(node2.Stop)

	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, node2.WaitForApplied(waitCtx, index))
	v, err := sm2.Get([]byte("durable"))
	require.NoError(t, err)
	require.Equal(t, []byte("yes"), v)
}
