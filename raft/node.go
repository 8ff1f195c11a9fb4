package raft

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// ConsensusNode is the central coordinator: it
// owns node state, term, election/heartbeat timers, per-peer replication
// tracking, the apply loop, the snapshotter, and the engine lock that
// serializes every protocol transition.
//
// One coarse-grained mutex (the "engine lock") plus two condition variables
// (commitIndexCV/catchUpCV) serialize everything; the lock is never held
// across network or disk I/O beyond the small critical sections each
// operation needs.
type ConsensusNode struct {
	// -- Immutable for the lifetime of the node
	id        ServerId
	log       LogStore
	snapshots SnapshotStore
	sm        StateMachine
	transport Transport
	settings  Settings
	logger    kitlog.Logger
	metrics   NodeMetrics

	// -- The engine lock. Guards every field below.
	mu            sync.Mutex
	commitIndexCV *sync.Cond
	catchUpCV     *sync.Cond

	role        ServerState
	currentTerm TermNo
	votedFor    ServerId
	leaderId    ServerId
	config      *Configuration

	// lastLeaderContact is when this node last accepted an AppendEntries or
	// InstallSnapshot from a live leader; zero before first contact. Gates
	// pre-vote grants.
	lastLeaderContact time.Time

	lastApplied  LogIndex
	applyBusy    bool // an Apply call is in flight outside the lock
	snapshotMeta SnapshotMetadata

	// installStagingDir is the in-progress staging directory for a snapshot
	// currently being received via InstallSnapshot chunks from the leader
	// (follower side only; "" when no transfer is in progress).
	installStagingDir string

	// Leader-only. Keyed by every peer currently being replicated to,
	// including peers not yet part of the committed Configuration
	// (membership-change catch-up phase).
	peerProgress  map[ServerId]*PeerProgress
	peerEndpoint  map[ServerId]string
	peerWake      map[ServerId]chan struct{} // non-blocking wake for a peer's replicator
	replicatorGen uint64                     // bumped on every step-down; replicators exit when stale

	// awaitingCommit holds one channel per in-flight synchronous Replicate
	// call, keyed by the LogIndex it is waiting on. applyLoop answers and
	// deletes entries once their index has been applied;
	// stepDownLocked/Stop fail all of them outright (their entry may never
	// commit, or may commit under a different leader's term).
	awaitingCommit map[LogIndex][]chan error

	// Candidate/pre-candidate-only vote tallies.
	votesReceived      map[ServerId]bool
	preVoteReceived    map[ServerId]bool
	preVoteInFlight    bool
	voteRound          uint64
	membershipInFlight bool

	electionTimer *time.Timer

	stopped bool
	stopCh  chan struct{}
	rng     *rand.Rand
}

// New allocates a ConsensusNode. The caller must have already restored the
// state machine from the latest snapshot (if any) before calling New; New
// replays the log from lastApplied up to the persisted commit index via the
// apply loop once Start is called.
func New(
	id ServerId,
	config *Configuration,
	log LogStore,
	snapshots SnapshotStore,
	sm StateMachine,
	transport Transport,
	settings Settings,
	logger kitlog.Logger,
	metrics NodeMetrics,
) (*ConsensusNode, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if !config.Contains(id) {
		return nil, fmt.Errorf("raft: this server id %v is not in the starting configuration", id)
	}
	if logger == nil {
		logger = kitlog.NewNopLogger()
	}

	snapMeta, err := snapshots.Reload()
	if err != nil {
		return nil, fmt.Errorf("raft: reloading snapshot metadata: %w", err)
	}

	n := &ConsensusNode{
		id:             id,
		log:            log,
		snapshots:      snapshots,
		sm:             sm,
		transport:      transport,
		settings:       settings,
		logger:         kitlog.With(logger, "component", "raft", "node", string(id)),
		metrics:        metrics,
		role:           FOLLOWER,
		currentTerm:    log.CurrentTerm(),
		votedFor:       log.VotedFor(),
		config:         config,
		lastApplied:    snapMeta.LastIncludedIndex,
		snapshotMeta:   snapMeta,
		peerProgress:   make(map[ServerId]*PeerProgress),
		peerEndpoint:   make(map[ServerId]string),
		peerWake:       make(map[ServerId]chan struct{}),
		awaitingCommit: make(map[LogIndex][]chan error),
		stopCh:         make(chan struct{}),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano() + int64(len(id)))),
	}
	n.commitIndexCV = sync.NewCond(&n.mu)
	n.catchUpCV = sync.NewCond(&n.mu)
	n.reportRole()
	n.reportTerm()
	return n, nil
}

// Start brings the node up as a FOLLOWER, replays any already-committed but
// not-yet-applied entries, and starts the election timer. Safe to call once.
func (n *ConsensusNode) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resetElectionTimerLocked(time.Now())
	go n.applyLoop()
	go n.snapshotterLoop()
}

// Stop halts all timers and background loops. The node must not be used
// afterwards.
func (n *ConsensusNode) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	if n.electionTimer != nil {
		n.electionTimer.Stop()
	}
	n.replicatorGen++ // stop any running replicators
	n.failAwaitingCommitLocked(errNodeStopped)
	close(n.stopCh)
	n.mu.Unlock()
	n.commitIndexCV.Broadcast()
	n.catchUpCV.Broadcast()
}

// GetRole returns the node's current believed role.
func (n *ConsensusNode) GetRole() ServerState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

// GetCurrentTerm returns the node's current term.
func (n *ConsensusNode) GetCurrentTerm() TermNo {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentTerm
}

// GetLeaderId returns the ServerId this node believes is the current
// leader, or "" if unknown.
func (n *ConsensusNode) GetLeaderId() ServerId {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderId
}

// GetConfiguration returns the currently active Configuration: the one from
// the last applied CONFIGURATION entry or installed snapshot.
func (n *ConsensusNode) GetConfiguration() *Configuration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.config
}

// GetCommitIndex returns the persisted commit index.
func (n *ConsensusNode) GetCommitIndex() LogIndex {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.log.CommitIndex()
}

// GetLastApplied returns the index of the highest entry applied to the
// state machine so far.
func (n *ConsensusNode) GetLastApplied() LogIndex {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastApplied
}

// GetSnapshotMeta returns the metadata of the current snapshot, or the zero
// value if no snapshot has been taken or installed yet.
func (n *ConsensusNode) GetSnapshotMeta() SnapshotMetadata {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.snapshotMeta
}

func (n *ConsensusNode) reportRole() {
	if n.metrics != nil {
		n.metrics.SetRole(n.role)
	}
}

func (n *ConsensusNode) reportTerm() {
	if n.metrics != nil {
		n.metrics.SetTerm(n.currentTerm)
	}
}

// stepDownLocked transitions to FOLLOWER. If term > currentTerm, the term is
// adopted and the vote cleared and persisted before anything else happens.
// Must be called with mu held.
func (n *ConsensusNode) stepDownLocked(term TermNo) error {
	becameFollower := n.role != FOLLOWER
	if term > n.currentTerm {
		n.currentTerm = term
		n.votedFor = ""
		n.leaderId = "" // whoever led the old term does not lead this one
		noVote := ServerId("")
		if err := n.log.UpdateMeta(MetaUpdate{Term: &term, VotedFor: &noVote}); err != nil {
			return err
		}
		n.reportTerm()
	}
	if n.role == LEADER {
		n.stopReplicatorsLocked()
	}
	n.role = FOLLOWER
	n.votesReceived = nil
	n.preVoteReceived = nil
	n.preVoteInFlight = false
	if becameFollower {
		n.reportRole()
		level.Info(n.logger).Log("msg", "stepped down to follower", "term", n.currentTerm)
	}
	return nil
}

func (n *ConsensusNode) stopReplicatorsLocked() {
	n.replicatorGen++
	n.peerProgress = make(map[ServerId]*PeerProgress)
	n.peerEndpoint = make(map[ServerId]string)
	n.peerWake = make(map[ServerId]chan struct{})
	n.failAwaitingCommitLocked(errNotLeaderAnymore)
}

// triggerReplicationLocked wakes peerId's replicator immediately instead of
// waiting for the next heartbeat tick, if a replicator is currently running
// for it. Must be called with mu held.
func (n *ConsensusNode) triggerReplicationLocked(peerId ServerId) {
	ch, ok := n.peerWake[peerId]
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// triggerAllReplicatorsLocked wakes every currently running replicator. Must
// be called with mu held.
func (n *ConsensusNode) triggerAllReplicatorsLocked() {
	for peerId := range n.peerWake {
		n.triggerReplicationLocked(peerId)
	}
}

// failAwaitingCommitLocked fails every in-flight synchronous Replicate call
// with err and clears the wait set. Must be called with mu held.
func (n *ConsensusNode) failAwaitingCommitLocked(err error) {
	for idx, waiters := range n.awaitingCommit {
		for _, ch := range waiters {
			ch <- err
			close(ch)
		}
		delete(n.awaitingCommit, idx)
	}
}

// isUpToDate reports whether (candidateLastTerm, candidateLastIndex) is at
// least as up-to-date as (ourLastTerm, ourLastIndex): higher last term, or
// same last term and >= last index.
func isUpToDate(candidateLastTerm TermNo, candidateLastIndex LogIndex, ourLastTerm TermNo, ourLastIndex LogIndex) bool {
	if candidateLastTerm != ourLastTerm {
		return candidateLastTerm > ourLastTerm
	}
	return candidateLastIndex >= ourLastIndex
}

func randomElectionTimeout(rng *rand.Rand, t time.Duration) time.Duration {
	return t + time.Duration(rng.Int63n(int64(t)))
}
