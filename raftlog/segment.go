package raftlog

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/divtxt/raftkv/raft"
)

// segment is one (store, index) file pair covering a contiguous range of log
// indices starting at baseOffset. Stores raft.LogEntry values directly and
// supports TruncateAfter for Raft's log-matching rollback.
type segment struct {
	store      *store
	index      *index
	baseOffset uint64
	nextOffset uint64
	cfg        Config
}

func newSegment(dir string, baseOffset uint64, c Config) (*segment, error) {
	s := &segment{baseOffset: baseOffset, cfg: c}

	storeFile, err := os.OpenFile(
		filepath.Join(dir, fmt.Sprintf("%020d%s", baseOffset, ".store")),
		os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644,
	)
	if err != nil {
		return nil, err
	}
	if s.store, err = newStore(storeFile); err != nil {
		return nil, err
	}

	indexFile, err := os.OpenFile(
		filepath.Join(dir, fmt.Sprintf("%020d%s", baseOffset, ".index")),
		os.O_RDWR|os.O_CREATE, 0o644,
	)
	if err != nil {
		return nil, err
	}
	if s.index, err = newIndex(indexFile, c); err != nil {
		return nil, err
	}

	if off, _, err := s.index.Read(-1); err != nil {
		s.nextOffset = baseOffset
	} else {
		s.nextOffset = baseOffset + uint64(off) + 1
	}
	return s, nil
}

func encodeEntry(e raft.LogEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(b []byte) (raft.LogEntry, error) {
	var e raft.LogEntry
	err := gob.NewDecoder(bytes.NewReader(b)).Decode(&e)
	return e, err
}

// Append stores entry, which must carry entry.Index == s.nextOffset.
func (s *segment) Append(entry raft.LogEntry) (uint64, error) {
	cur := s.nextOffset
	data, err := encodeEntry(entry)
	if err != nil {
		return 0, err
	}
	_, pos, err := s.store.Append(data)
	if err != nil {
		return 0, err
	}
	if err := s.index.Write(uint32(cur-s.baseOffset), pos); err != nil {
		return 0, err
	}
	s.nextOffset++
	return cur, nil
}

// Read returns the entry at absolute index off.
func (s *segment) Read(off uint64) (raft.LogEntry, error) {
	_, pos, err := s.index.Read(int64(off - s.baseOffset))
	if err != nil {
		return raft.LogEntry{}, err
	}
	data, err := s.store.Read(pos)
	if err != nil {
		return raft.LogEntry{}, err
	}
	return decodeEntry(data)
}

// IsMaxed reports whether the segment has reached either configured cap and
// should no longer accept Appends.
func (s *segment) IsMaxed() bool {
	return s.store.size >= s.cfg.MaxStoreBytes || s.index.size >= s.cfg.MaxIndexBytes
}

// TruncateAfter discards every entry with absolute index > keepLastIndex,
// which must fall within [baseOffset, nextOffset). Used to implement
// raft.LogStore.TruncateSuffix when the truncation point lands inside this
// segment rather than dropping it wholesale.
func (s *segment) TruncateAfter(keepLastIndex uint64) error {
	var keepCount uint32
	if keepLastIndex+1 > s.baseOffset {
		keepCount = uint32(keepLastIndex + 1 - s.baseOffset)
	}
	var truncPos uint64
	if keepCount > 0 {
		_, pos, err := s.index.Read(int64(keepCount - 1))
		if err != nil {
			return err
		}
		data, err := s.store.Read(pos)
		if err != nil {
			return err
		}
		truncPos = pos + lenWidth + uint64(len(data))
	}
	if err := s.index.Truncate(keepCount); err != nil {
		return err
	}
	if err := s.store.Truncate(truncPos); err != nil {
		return err
	}
	s.nextOffset = keepLastIndex + 1
	return nil
}

func (s *segment) Close() error {
	if err := s.index.Close(); err != nil {
		return err
	}
	return s.store.Close()
}

func (s *segment) Remove() error {
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.Remove(s.index.Name()); err != nil {
		return err
	}
	return os.Remove(s.store.Name())
}
