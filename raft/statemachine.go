package raft

// StateMachine is the narrow capability set the engine drives: apply
// a committed command, produce a snapshot, restore from one, and serve
// point reads for the read-index path. A concrete key-value backend (or any
// other deterministic service state) implements this and is passed in at
// construction; the engine never knows what Data actually means.
//
// The log is LogStore and lastApplied is owned by ConsensusNode
// (commit.go), so StateMachine is left with exactly the four operations the
// engine needs: apply, snapshot out, restore, read.
//
// The engine guarantees Apply and WriteSnapshot are never called
// concurrently over the same entry range, and ReadSnapshot is never called
// concurrently with Apply.
type StateMachine interface {
	// Apply applies a single committed DATA entry's command bytes. Must be
	// deterministic: given the same bytes, every replica's Apply must have
	// the same observable effect.
	Apply(data []byte) error

	// WriteSnapshot produces a self-contained snapshot at newSnapshotDir
	// representing state after applying log entries in
	// (oldSnapshotLastIncludedIndex, lastAppliedIndex] from log. oldSnapshotDir
	// is the current snapshot's data directory (or "" if none yet) and may be
	// used as a base to speed up incremental snapshotting.
	WriteSnapshot(
		oldSnapshotDir string,
		newSnapshotDir string,
		log LogStore,
		oldSnapshotLastIncludedIndex LogIndex,
		lastAppliedIndex LogIndex,
	) error

	// ReadSnapshot reinitializes the state machine from a snapshot directory,
	// the one holding data/ (as produced by WriteSnapshot or received via
	// InstallSnapshot).
	ReadSnapshot(dir string) error

	// Get is an optional read accessor for the read-index path. A
	// state machine that does not support point reads may return an error.
	Get(key []byte) ([]byte, error)
}
