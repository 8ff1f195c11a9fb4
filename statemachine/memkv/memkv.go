package memkv

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/divtxt/raftkv/raft"
)

// KV is a trivial in-memory key-value store implementing raft.StateMachine.
// Every Apply is a SET or DELETE; WriteSnapshot serializes the whole map
// (no incremental snapshotting, which is acceptable for the reference backend's
// scale).
type KV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New returns an empty KV.
func New() *KV {
	return &KV{data: make(map[string][]byte)}
}

func (kv *KV) Apply(data []byte) error {
	cmd, err := DecodeCommand(data)
	if err != nil {
		return err
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()
	switch cmd.Op {
	case OpSet:
		kv.data[string(cmd.Key)] = cmd.Value
	case OpDelete:
		delete(kv.data, string(cmd.Key))
	default:
		return fmt.Errorf("memkv: unknown op %d", cmd.Op)
	}
	return nil
}

func (kv *KV) Get(key []byte) ([]byte, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	v, ok := kv.data[string(key)]
	if !ok {
		return nil, fmt.Errorf("memkv: key not found")
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

const snapshotFileName = "kv.gob"

// WriteSnapshot ignores oldSnapshotDir/log/oldSnapshotLastIncludedIndex
// (the whole map is small enough to serialize wholesale every time) and
// writes the current in-memory state to newSnapshotDir/data/kv.gob.
func (kv *KV) WriteSnapshot(oldSnapshotDir, newSnapshotDir string, log raft.LogStore, oldSnapshotLastIncludedIndex, lastAppliedIndex raft.LogIndex) error {
	kv.mu.RLock()
	snapshot := make(map[string][]byte, len(kv.data))
	for k, v := range kv.data {
		snapshot[k] = v
	}
	kv.mu.RUnlock()

	dataDir := filepath.Join(newSnapshotDir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dataDir, snapshotFileName))
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewEncoder(f).Encode(snapshot)
}

// ReadSnapshot replaces the in-memory map with the contents of
// dir/data/kv.gob, as produced by WriteSnapshot or assembled on disk by a
// received InstallSnapshot transfer.
func (kv *KV) ReadSnapshot(dir string) error {
	path := filepath.Join(dir, "data", snapshotFileName)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		kv.mu.Lock()
		kv.data = make(map[string][]byte)
		kv.mu.Unlock()
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	var loaded map[string][]byte
	if err := gob.NewDecoder(f).Decode(&loaded); err != nil {
		return err
	}
	kv.mu.Lock()
	kv.data = loaded
	kv.mu.Unlock()
	return nil
}

var _ raft.StateMachine = (*KV)(nil)
