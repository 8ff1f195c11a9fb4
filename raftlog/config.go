// Package raftlog implements raft.LogStore as a directory of append-only,
// memory-mapped-index segment files: a store file of length-prefixed
// records plus a fixed-width gommap'd index file per segment, rolled over
// once either cap is reached.
package raftlog

// Config bounds segment sizes and sets the index of the first entry.
type Config struct {
	// MaxStoreBytes is the store file size at which a segment is sealed and
	// a new one started.
	MaxStoreBytes uint64
	// MaxIndexBytes is the index file size at which a segment is sealed.
	MaxIndexBytes uint64
	// InitialOffset is the first index value used when the log is empty.
	InitialOffset uint64
}

// DefaultConfig returns segment sizing suitable for a small KV workload.
func DefaultConfig() Config {
	return Config{
		MaxStoreBytes: 4 << 20, // 4 MiB
		MaxIndexBytes: entryWidth * 4096,
		InitialOffset: 1,
	}
}
