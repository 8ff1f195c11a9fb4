// Package service implements the Client-Facing Service: a thin
// veneer over a raft.ConsensusNode that exposes write replication,
// configuration queries, membership changes, leader discovery, and the
// read-index handshake used for linearizable follower reads. It carries no
// protocol state of its own; every operation either reads from the node or
// drives one of its existing methods.
package service

import (
	"context"
	"time"

	"github.com/divtxt/raftkv/raft"
)

// Service wraps a node for client consumption.
type Service struct {
	node *raft.ConsensusNode
}

// New wraps node.
func New(node *raft.ConsensusNode) *Service {
	return &Service{node: node}
}

// LeaderInfo answers GetLeader: the id and endpoint this node currently
// believes is the leader, or ok=false if unknown.
type LeaderInfo struct {
	Id       raft.ServerId
	Endpoint string
	Ok       bool
}

// GetLeader reports the endpoint of the node currently believed leader.
func (s *Service) GetLeader() LeaderInfo {
	id := s.node.GetLeaderId()
	if id == "" {
		return LeaderInfo{}
	}
	endpoint, ok := s.node.GetConfiguration().Endpoint(id)
	return LeaderInfo{Id: id, Endpoint: endpoint, Ok: ok}
}

// GetConfiguration returns the currently active peer set.
func (s *Service) GetConfiguration() []raft.Peer {
	return s.node.GetConfiguration().AllPeers()
}

// GetLeaderCommitIndex returns the leader's commit index. It is only
// meaningful when called on the leader; a non-leader answers with its own
// (possibly stale) commit index and ResultCode NOT_LEADER so the caller
// knows to refresh and retry against the real leader.
func (s *Service) GetLeaderCommitIndex() (raft.LogIndex, raft.ResultCode) {
	if s.node.GetRole() != raft.LEADER {
		return s.node.GetCommitIndex(), raft.NOT_LEADER
	}
	return s.node.GetCommitIndex(), raft.SUCCESS
}

// Replicate appends a DATA entry: leader-only, synchronous unless the
// node's settings ask for AsyncWrite. Translates raft.ErrNotLeader into the
// NOT_LEADER result code clients must retry on.
func (s *Service) Replicate(ctx context.Context, data []byte) (raft.LogIndex, raft.ResultCode, error) {
	index, err := s.node.Replicate(ctx, data)
	switch err {
	case nil:
		return index, raft.SUCCESS, nil
	case raft.ErrNotLeader:
		return 0, raft.NOT_LEADER, nil
	default:
		return 0, raft.FAIL, err
	}
}

// AddPeers adds each peer in order, stopping at
// the first failure. Single-server-at-a-time membership changes mean
// a multi-peer call here is a convenience loop, not an atomic batch.
func (s *Service) AddPeers(ctx context.Context, peers []raft.Peer) raft.ResultCode {
	for _, p := range peers {
		if err := s.node.AddPeer(ctx, p); err != nil {
			if err == raft.ErrNotLeader {
				return raft.NOT_LEADER
			}
			return raft.FAIL
		}
	}
	return raft.SUCCESS
}

// RemovePeers removes each peer in order, stopping at the first failure.
func (s *Service) RemovePeers(ctx context.Context, ids []raft.ServerId) raft.ResultCode {
	for _, id := range ids {
		if err := s.node.RemovePeer(ctx, id); err != nil {
			if err == raft.ErrNotLeader {
				return raft.NOT_LEADER
			}
			return raft.FAIL
		}
	}
	return raft.SUCCESS
}

// ReadIndexGet implements the read-index read path: obtain the
// leader's commit index (leaderCommitIndex, fetched by the caller via an
// RPC to whichever node it believes is the leader), wait locally until this
// node has applied at least that index, then serve the read from the state
// machine. If this node is not caught up within timeout, returns
// context.DeadlineExceeded.
func (s *Service) ReadIndexGet(ctx context.Context, leaderCommitIndex raft.LogIndex, key []byte, timeout time.Duration) ([]byte, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.node.WaitForApplied(waitCtx, leaderCommitIndex); err != nil {
		return nil, err
	}
	return s.node.ReadFromStateMachine(key)
}
