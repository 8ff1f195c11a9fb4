package raft

import (
	"fmt"
	"time"
)

// Settings holds the node's startup thresholds. config.Load
// produces one of these from a YAML file or flags; tests construct them
// directly.
type Settings struct {
	// VoteTimeout is T: the election timer fires after a random duration in
	// [T, 2T).
	VoteTimeout time.Duration
	// KeepAlivePeriod is the leader's heartbeat interval.
	KeepAlivePeriod time.Duration
	// MaxEntryBatchSize bounds how many entries an AppendEntries carries at
	// once.
	MaxEntryBatchSize int
	// CatchupMargin bounds how close a joining peer's MatchIndex must be to
	// the leader's LastIndex before a CONFIGURATION entry is proposed.
	CatchupMargin LogIndex
	// CatchupTimeout bounds how long AddPeer waits for a joining peer to
	// catch up before giving up.
	CatchupTimeout time.Duration
	// MaxAwaitTimeout bounds how long a synchronous Replicate call waits for
	// its entry to commit.
	MaxAwaitTimeout time.Duration
	// AsyncWrite: when true, Replicate acknowledges the caller after local
	// durability only, without waiting for majority commit. Weaker
	// guarantee; default false (synchronous).
	AsyncWrite bool
	// SnapshotMinLogSize is the number of uncompacted log entries that must
	// accumulate before the snapshotter considers taking a new snapshot.
	SnapshotMinLogSize uint64
	// SnapshotCheckInterval is how often the background snapshotter
	// reconsiders whether to take a snapshot.
	SnapshotCheckInterval time.Duration
}

// DefaultSettings returns reasonable values for a small cluster on a local
// network.
func DefaultSettings() Settings {
	return Settings{
		VoteTimeout:           150 * time.Millisecond,
		KeepAlivePeriod:       50 * time.Millisecond,
		MaxEntryBatchSize:     64,
		CatchupMargin:         10,
		CatchupTimeout:        10 * time.Second,
		MaxAwaitTimeout:       2 * time.Second,
		AsyncWrite:            false,
		SnapshotMinLogSize:    10000,
		SnapshotCheckInterval: 30 * time.Second,
	}
}

// Validate checks that the settings are internally consistent.
func (s Settings) Validate() error {
	if s.VoteTimeout <= 0 {
		return fmt.Errorf("raft: VoteTimeout must be positive, got %v", s.VoteTimeout)
	}
	if s.KeepAlivePeriod <= 0 {
		return fmt.Errorf("raft: KeepAlivePeriod must be positive, got %v", s.KeepAlivePeriod)
	}
	if s.KeepAlivePeriod >= s.VoteTimeout {
		return fmt.Errorf(
			"raft: KeepAlivePeriod (%v) must be smaller than VoteTimeout (%v)",
			s.KeepAlivePeriod, s.VoteTimeout,
		)
	}
	if s.MaxEntryBatchSize <= 0 {
		return fmt.Errorf("raft: MaxEntryBatchSize must be positive, got %v", s.MaxEntryBatchSize)
	}
	if s.MaxAwaitTimeout <= 0 {
		return fmt.Errorf("raft: MaxAwaitTimeout must be positive, got %v", s.MaxAwaitTimeout)
	}
	return nil
}
