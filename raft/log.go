package raft

import "fmt"

// MetaUpdate describes a partial update to a LogStore's persisted metadata.
// Nil fields are left unchanged. Implementations must apply whichever subset
// is set atomically with respect to crashes.
type MetaUpdate struct {
	Term        *TermNo
	VotedFor    *ServerId
	FirstIndex  *LogIndex
	CommitIndex *LogIndex
}

// LogStore is the Segmented Log Store contract: a durable, ordered,
// append-only sequence of LogEntry values plus the small amount of
// persistent metadata (current term, voted-for, commit index, first/last
// index) a node needs to recover exactly its last durably-acknowledged
// state after a crash.
//
// The state machine's apply loop is owned by ConsensusNode (commit.go), so
// LogStore only needs to be the durable log + metadata, and it reports
// errors instead of panicking: log I/O errors are fatal to the node, but
// the node decides how to die, not the store.
//
// Append, TruncateSuffix and UpdateMeta are issued under the engine lock,
// but TruncatePrefix is called by the snapshotter and the snapshot installer
// without it, and read-index readers call accessors without it, so
// implementations must be safe for concurrent use (see
// raftlog.SegmentedLog's internal mutex).
type LogStore interface {
	// FirstIndex returns the index of the first entry still in the log
	// (i.e. the index right after the current snapshot's last included
	// index, or 1 if there is no snapshot and the log is non-empty, or 0 if
	// the log is empty and there is no snapshot).
	FirstIndex() LogIndex

	// LastIndex returns the index of the last entry in the log. 0 if the
	// log is empty and there has never been a snapshot.
	LastIndex() LogIndex

	// CurrentTerm returns the persisted current term.
	CurrentTerm() TermNo

	// VotedFor returns the persisted voted-for ServerId for CurrentTerm, or
	// "" if no vote has been cast this term.
	VotedFor() ServerId

	// CommitIndex returns the persisted commit index.
	CommitIndex() LogIndex

	// GetEntry returns the entry at index, or ok=false if index is outside
	// [FirstIndex(), LastIndex()].
	GetEntry(index LogIndex) (entry LogEntry, ok bool)

	// Append appends entries, which must start immediately after
	// LastIndex() (no gaps), and returns the new LastIndex(). Entries must
	// already have Index and Term set by the caller.
	Append(entries []LogEntry) (LogIndex, error)

	// TruncatePrefix deletes all entries with index < newFirstIndex and
	// advances FirstIndex() to newFirstIndex. Used after a snapshot seals a
	// prefix of the log.
	TruncatePrefix(newFirstIndex LogIndex) error

	// TruncateSuffix deletes all entries with index > keepLastIndex and
	// sets LastIndex() to keepLastIndex. Used by a follower resolving a
	// prevLogTerm mismatch.
	TruncateSuffix(keepLastIndex LogIndex) error

	// UpdateMeta atomically applies the given partial metadata update.
	UpdateMeta(update MetaUpdate) error

	// Close releases any open file handles.
	Close() error
}

// GetIndexAndTermOfLastEntry returns the (index, term) of the log's last
// entry, consulting snapshotLastIncludedIndex/Term when the log is empty but
// a snapshot exists (so "last entry" correctly reflects compacted history).
func GetIndexAndTermOfLastEntry(
	log LogStore,
	snapshotLastIncludedIndex LogIndex,
	snapshotLastIncludedTerm TermNo,
) (LogIndex, TermNo, error) {
	lastIndex := log.LastIndex()
	if lastIndex == 0 {
		return snapshotLastIncludedIndex, snapshotLastIncludedTerm, nil
	}
	if lastIndex == snapshotLastIncludedIndex {
		return lastIndex, snapshotLastIncludedTerm, nil
	}
	entry, ok := log.GetEntry(lastIndex)
	if !ok {
		return 0, 0, fmt.Errorf("raft: log missing entry at its own LastIndex()=%v", lastIndex)
	}
	return lastIndex, entry.Term, nil
}

// TermAtIndex returns the term of the entry at index, special-cased to
// snapshotLastIncludedTerm when index equals snapshotLastIncludedIndex.
func TermAtIndex(
	log LogStore,
	index LogIndex,
	snapshotLastIncludedIndex LogIndex,
	snapshotLastIncludedTerm TermNo,
) (TermNo, bool) {
	if index == 0 {
		return 0, true
	}
	if index == snapshotLastIncludedIndex {
		return snapshotLastIncludedTerm, true
	}
	entry, ok := log.GetEntry(index)
	if !ok {
		return 0, false
	}
	return entry.Term, true
}
