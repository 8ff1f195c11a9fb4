package raft

// This file declares the wire-level message shapes.
// Serialization itself is a transport concern (see package transport); the
// engine only deals with these Go values.

// RequestVote is sent by a candidate to solicit votes, and by anyone running
// a pre-vote round (IsPreVote=true) ahead of a real election.
type RequestVote struct {
	Term         TermNo
	CandidateId  ServerId
	LastLogIndex LogIndex
	LastLogTerm  TermNo
	IsPreVote    bool
}

// VoteResponse answers a RequestVote.
type VoteResponse struct {
	Term    TermNo
	Granted bool
}

// AppendEntries is sent by the leader to replicate log entries, and doubles
// as a heartbeat when Entries is empty.
type AppendEntries struct {
	Term         TermNo
	LeaderId     ServerId
	PrevLogIndex LogIndex
	PrevLogTerm  TermNo
	Entries      []LogEntry
	CommitIndex  LogIndex
}

// AppendEntriesResult is the result field of AppendEntriesResponse.
type AppendEntriesResult uint8

const (
	AppendEntriesSuccess AppendEntriesResult = iota
	AppendEntriesFail
)

// AppendEntriesResponse answers an AppendEntries. LastLogIndex is a hint the
// leader uses to back up NextIndex quickly on failure.
type AppendEntriesResponse struct {
	Term         TermNo
	Result       AppendEntriesResult
	LastLogIndex LogIndex
}

// SnapshotMetadata describes a snapshot's compaction boundary and the
// configuration in effect at that point.
type SnapshotMetadata struct {
	LastIncludedIndex LogIndex
	LastIncludedTerm  TermNo
	Peers             []Peer
}

// InstallSnapshot carries one fixed-size chunk of a snapshot transfer.
// FileName/Offset/Data identify where this chunk belongs within the
// snapshot's data tree; IsFirst/IsLast bookend the stream.
type InstallSnapshot struct {
	Term     TermNo
	LeaderId ServerId
	Meta     SnapshotMetadata
	FileName string
	Offset   int64
	Data     []byte
	IsFirst  bool
	IsLast   bool
}

// InstallSnapshotResponse answers an InstallSnapshot chunk.
type InstallSnapshotResponse struct {
	Term   TermNo
	Result ResultCode
}

// Transport is the Peer Transport abstraction: the outbound side a
// ConsensusNode uses to reach other nodes. Implementations (package
// transport) own the actual connections; the engine holds only ServerIds and
// looks up endpoints via the current Configuration.
//
// Every method must apply a bounded deadline to the underlying I/O and
// must not be called while the engine lock is held.
type Transport interface {
	SendRequestVote(peer Peer, rpc *RequestVote) (*VoteResponse, error)
	SendAppendEntries(peer Peer, rpc *AppendEntries) (*AppendEntriesResponse, error)
	SendInstallSnapshot(peer Peer, rpc *InstallSnapshot) (*InstallSnapshotResponse, error)
}
