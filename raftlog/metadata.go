package raftlog

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/divtxt/raftkv/raft"
)

// persistedMeta is the small amount of state a node must recover exactly
// after a crash: current term, the vote cast this term, and the log
// boundaries. Written as JSON to a single file, replaced atomically via
// write-temp-then-rename on every update so a crash mid-write never leaves a
// torn file behind (the same durability idiom used by
// snapshotstore.PromoteStagingDir for the larger snapshot directory).
type persistedMeta struct {
	Term        raft.TermNo
	VotedFor    raft.ServerId
	FirstIndex  raft.LogIndex
	CommitIndex raft.LogIndex
}

const metaFileName = "meta.json"

func loadMeta(dir string) (persistedMeta, error) {
	path := filepath.Join(dir, metaFileName)
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return persistedMeta{}, nil
	}
	if err != nil {
		return persistedMeta{}, err
	}
	var m persistedMeta
	if err := json.Unmarshal(b, &m); err != nil {
		return persistedMeta{}, err
	}
	return m, nil
}

func saveMeta(dir string, m persistedMeta) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, metaFileName+".tmp")
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, metaFileName))
}
