// Package raft implements the consensus engine: node roles, terms, election
// and heartbeat timers, log replication, snapshot orchestration, membership
// changes and the read-index protocol.
//
// Every role transition, term change, and commit-index update on a
// ConsensusNode (see node.go) is serialized by a single mutex (the "engine
// lock") plus two condition variables; callers and RPC handlers acquire it
// for the duration of a state transition and release it before any network
// send; local log appends and metadata writes happen while it is held.
package raft

import "fmt"

// ServerId identifies a single node in the cluster. Must be non-empty and
// unique within a Configuration.
type ServerId string

// TermNo is a Raft term number. Terms are monotonically increasing; there is
// at most one leader per term.
type TermNo uint64

// LogIndex is a 1-based index into the replicated log. An index of 0 means
// "no entry" (e.g. an empty log, or "no previous entry").
type LogIndex uint64

// Command is an opaque, already-serialized state machine command.
type Command []byte

// EntryType distinguishes ordinary state machine commands from internal
// membership-change records.
type EntryType uint8

const (
	// EntryData carries an opaque Command to be applied to the state machine.
	EntryData EntryType = iota
	// EntryConfiguration carries a serialized Configuration; applying it
	// updates the node's in-memory membership.
	EntryConfiguration
)

func (t EntryType) String() string {
	switch t {
	case EntryData:
		return "DATA"
	case EntryConfiguration:
		return "CONFIGURATION"
	default:
		return fmt.Sprintf("EntryType(%d)", uint8(t))
	}
}

// LogEntry is a single durable record in the replicated log, identified by
// (Index, Term). Two entries at the same (Index, Term) on any two nodes must
// carry identical Data and an identical prefix (the Log Matching Property).
type LogEntry struct {
	Index LogIndex
	Term  TermNo
	Type  EntryType
	Data  Command
}

// ServerState is the role a node believes it is currently playing.
type ServerState uint8

const (
	FOLLOWER ServerState = iota
	CANDIDATE
	LEADER
)

func (s ServerState) String() string {
	switch s {
	case FOLLOWER:
		return "FOLLOWER"
	case CANDIDATE:
		return "CANDIDATE"
	case LEADER:
		return "LEADER"
	default:
		return fmt.Sprintf("ServerState(%d)", uint8(s))
	}
}

// ResultCode is returned on client-facing RPCs.
type ResultCode uint8

const (
	SUCCESS ResultCode = iota
	FAIL
	NOT_LEADER
)

func (r ResultCode) String() string {
	switch r {
	case SUCCESS:
		return "SUCCESS"
	case FAIL:
		return "FAIL"
	case NOT_LEADER:
		return "NOT_LEADER"
	default:
		return fmt.Sprintf("ResultCode(%d)", uint8(r))
	}
}

// Peer is one member of a Configuration: a ServerId and the network endpoint
// (host:port, or any string the Transport implementation understands) that
// carries its RPCs.
type Peer struct {
	Id       ServerId
	Endpoint string
}
