package raft

import "io"

// SnapshotFile is one opened, sorted-order data file within a snapshot, as
// produced by SnapshotStore.OpenDataFiles for leader-side streaming.
type SnapshotFile interface {
	io.ReadCloser
	Name() string
}

// SnapshotStore is the Snapshot Store contract: it holds the current
// snapshot's metadata and opaque data tree, and mediates transfer of that
// tree to a lagging follower. At most one of IsTakingSnapshot and
// IsInstallingSnapshot may be true at any moment; ConsensusNode checks both
// before starting either operation.
type SnapshotStore interface {
	// Reload re-reads metadata from disk, or initializes to the empty
	// snapshot (LastIncludedIndex=0) if none exists yet.
	Reload() (SnapshotMetadata, error)

	// CurrentMeta returns the most recently loaded/updated metadata without
	// touching disk.
	CurrentMeta() SnapshotMetadata

	// DataDir returns the directory holding the current snapshot's data
	// tree.
	DataDir() string

	// NewStagingDir allocates a fresh, empty directory to write a new
	// snapshot (or receive one via InstallSnapshot chunks) into, returning
	// its path.
	NewStagingDir() (string, error)

	// PromoteStagingDir atomically makes the given staging directory (as
	// returned by NewStagingDir) the new current snapshot, writing the given
	// metadata, and discards the previous snapshot directory. Must be
	// write-temp-then-rename so a crash mid-promotion leaves the prior
	// snapshot intact.
	PromoteStagingDir(stagingDir string, meta SnapshotMetadata) error

	// DiscardStagingDir removes a staging directory abandoned after a
	// failed snapshot/install attempt, leaving the prior snapshot
	// authoritative.
	DiscardStagingDir(stagingDir string) error

	// OpenDataFiles opens every file under the current snapshot's data tree
	// in deterministic sorted order, for the leader side of InstallSnapshot
	// streaming.
	OpenDataFiles() ([]SnapshotFile, error)

	// TryBeginTakingSnapshot atomically sets IsTakingSnapshot if neither
	// flag is set, returning false if a snapshot or install is already in
	// progress.
	TryBeginTakingSnapshot() bool
	// EndTakingSnapshot clears IsTakingSnapshot.
	EndTakingSnapshot()

	// TryBeginInstallingSnapshot atomically sets IsInstallingSnapshot if
	// neither flag is set, returning false otherwise.
	TryBeginInstallingSnapshot() bool
	// EndInstallingSnapshot clears IsInstallingSnapshot.
	EndInstallingSnapshot()
}
