// Package snapshotstore implements raft.SnapshotStore as a directory tree
// with write-temp-then-rename promotion, in the same durability idiom
// raftlog uses for its metadata file. A mutex-guarded field holds the
// current metadata, and a CURRENT marker file gives a crash-recovering
// process the same answer without replaying anything.
package snapshotstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/divtxt/raftkv/raft"
)

const currentFileName = "CURRENT"

// Store is a filesystem-backed raft.SnapshotStore rooted at a directory
// containing:
//
//	CURRENT                a one-line file naming the active snapshot-NNNN dir
//	snapshot-<index>/meta.json, snapshot-<index>/data/...   sealed snapshots
//	staging-<id>/data/...   in-progress snapshot or InstallSnapshot transfer
//
// Promotion renames a staging directory into place and rewrites CURRENT
// atomically (write-temp-then-rename), so a crash mid-promotion leaves the
// previous snapshot fully intact.
type Store struct {
	root   string
	logger kitlog.Logger

	mu   sync.Mutex
	meta raft.SnapshotMetadata
	dir  string // root/snapshot-<index>, "" if none yet

	busy atomic.Bool // true while either taking or installing a snapshot
}

// Open prepares a Store rooted at root, creating it if necessary. Call
// Reload once before first use to populate in-memory metadata.
func Open(root string, logger kitlog.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = kitlog.NewNopLogger()
	}
	return &Store{root: root, logger: kitlog.With(logger, "component", "snapshotstore")}, nil
}

func (s *Store) currentPath() string {
	return filepath.Join(s.root, currentFileName)
}

// Reload re-reads CURRENT and the named snapshot's meta.json, or reports the
// empty snapshot if none exists yet.
func (s *Store) Reload() (raft.SnapshotMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name, err := os.ReadFile(s.currentPath())
	if os.IsNotExist(err) {
		s.dir = ""
		s.meta = raft.SnapshotMetadata{}
		return s.meta, nil
	}
	if err != nil {
		return raft.SnapshotMetadata{}, err
	}
	dir := filepath.Join(s.root, string(name))
	metaBytes, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return raft.SnapshotMetadata{}, fmt.Errorf("snapshotstore: reading %s: %w", dir, err)
	}
	var meta raft.SnapshotMetadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return raft.SnapshotMetadata{}, err
	}
	s.dir = dir
	s.meta = meta
	return meta, nil
}

func (s *Store) CurrentMeta() raft.SnapshotMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

func (s *Store) DataDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dir == "" {
		return ""
	}
	return filepath.Join(s.dir, "data")
}

func (s *Store) NewStagingDir() (string, error) {
	dir := filepath.Join(s.root, fmt.Sprintf("staging-%d", time.Now().UnixNano()))
	if err := os.MkdirAll(filepath.Join(dir, "data"), 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func (s *Store) DiscardStagingDir(stagingDir string) error {
	return os.RemoveAll(stagingDir)
}

// PromoteStagingDir writes meta into stagingDir, renames it into place as
// snapshot-<LastIncludedIndex>, flips CURRENT to point at it, and discards
// the previous snapshot directory.
func (s *Store) PromoteStagingDir(stagingDir string, meta raft.SnapshotMetadata) error {
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(stagingDir, "meta.json"), metaBytes, 0o644); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	newDir := filepath.Join(s.root, fmt.Sprintf("snapshot-%020d", meta.LastIncludedIndex))
	if err := os.RemoveAll(newDir); err != nil {
		return err
	}
	if err := os.Rename(stagingDir, newDir); err != nil {
		return err
	}

	tmp := s.currentPath() + ".tmp"
	if err := os.WriteFile(tmp, []byte(filepath.Base(newDir)), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.currentPath()); err != nil {
		return err
	}

	oldDir := s.dir
	s.dir = newDir
	s.meta = meta
	if oldDir != "" && oldDir != newDir {
		if err := os.RemoveAll(oldDir); err != nil {
			level.Warn(s.logger).Log("msg", "failed to remove superseded snapshot dir", "dir", oldDir, "err", err)
		}
	}
	level.Info(s.logger).Log("msg", "promoted snapshot", "dir", newDir, "lastIncludedIndex", meta.LastIncludedIndex)
	return nil
}

// OpenDataFiles opens every regular file under the current snapshot's data
// tree, in deterministic sorted order, for InstallSnapshot streaming.
// Returned SnapshotFile.Name() is the path relative to the data dir, which
// the receiving follower uses to reconstruct the same tree.
func (s *Store) OpenDataFiles() ([]raft.SnapshotFile, error) {
	dataDir := s.DataDir()
	if dataDir == "" {
		return nil, nil
	}
	var relPaths []string
	err := filepath.Walk(dataDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dataDir, path)
		if err != nil {
			return err
		}
		relPaths = append(relPaths, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(relPaths)

	files := make([]raft.SnapshotFile, 0, len(relPaths))
	for _, rel := range relPaths {
		f, err := os.Open(filepath.Join(dataDir, rel))
		if err != nil {
			for _, opened := range files {
				_ = opened.Close()
			}
			return nil, err
		}
		files = append(files, &snapshotFile{File: f, name: rel})
	}
	return files, nil
}

type snapshotFile struct {
	*os.File
	name string
}

func (f *snapshotFile) Name() string { return f.name }

func (s *Store) TryBeginTakingSnapshot() bool {
	return s.busy.CompareAndSwap(false, true)
}

func (s *Store) EndTakingSnapshot() {
	s.busy.Store(false)
}

func (s *Store) TryBeginInstallingSnapshot() bool {
	return s.busy.CompareAndSwap(false, true)
}

func (s *Store) EndInstallingSnapshot() {
	s.busy.Store(false)
}

var _ raft.SnapshotStore = (*Store)(nil)
