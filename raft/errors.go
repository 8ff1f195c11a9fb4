package raft

import "errors"

var (
	// errNodeStopped is returned to any caller blocked on a Replicate call
	// when Stop is invoked.
	errNodeStopped = errors.New("raft: node stopped")
	// errNotLeaderAnymore is returned to a Replicate caller whose entry was
	// proposed while this node was leader but whose fate became unknown when
	// the node stepped down; the entry may still commit under a later leader.
	errNotLeaderAnymore = errors.New("raft: no longer leader, entry's fate is unknown")
	// ErrNotLeader is returned by Replicate, AddPeer and RemovePeer when this node does not
	// currently believe itself to be the leader.
	ErrNotLeader = errors.New("raft: not the leader")
	// ErrTimeout is returned by Replicate when MaxAwaitTimeout elapses
	// before the proposed entry commits.
	ErrTimeout = errors.New("raft: timed out waiting for entry to commit")
)
