package raftlog_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/divtxt/raftkv/raft"
	"github.com/divtxt/raftkv/raftlog"
)

func newTestLog(t *testing.T) *raftlog.SegmentedLog {
	t.Helper()
	dir, err := os.MkdirTemp("", "raftlog-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	cfg := raftlog.DefaultConfig()
	cfg.MaxStoreBytes = 256
	cfg.MaxIndexBytes = 24 // 2 entries per segment (entryWidth = 4+8 bytes)
	cfg.InitialOffset = 1

	l, err := raftlog.Open(dir, cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestAppendAndGetEntry(t *testing.T) {
	l := newTestLog(t)
	require.Equal(t, raft.LogIndex(0), l.LastIndex())

	for i := 1; i <= 5; i++ {
		entry := raft.LogEntry{Index: raft.LogIndex(i), Term: 1, Type: raft.EntryData, Data: []byte("v")}
		last, err := l.Append([]raft.LogEntry{entry})
		require.NoError(t, err)
		require.Equal(t, raft.LogIndex(i), last)
	}

	require.Equal(t, raft.LogIndex(5), l.LastIndex())
	entry, ok := l.GetEntry(3)
	require.True(t, ok)
	require.Equal(t, raft.TermNo(1), entry.Term)

	_, ok = l.GetEntry(6)
	require.False(t, ok)
}

func TestUpdateMetaPersists(t *testing.T) {
	l := newTestLog(t)
	term := raft.TermNo(4)
	votedFor := raft.ServerId("n2")
	require.NoError(t, l.UpdateMeta(raft.MetaUpdate{Term: &term, VotedFor: &votedFor}))
	require.Equal(t, term, l.CurrentTerm())
	require.Equal(t, votedFor, l.VotedFor())
}

func TestTruncateSuffix(t *testing.T) {
	l := newTestLog(t)
	for i := 1; i <= 4; i++ {
		_, err := l.Append([]raft.LogEntry{{Index: raft.LogIndex(i), Term: 1, Type: raft.EntryData, Data: []byte("v")}})
		require.NoError(t, err)
	}
	require.NoError(t, l.TruncateSuffix(2))
	require.Equal(t, raft.LogIndex(2), l.LastIndex())
	_, ok := l.GetEntry(3)
	require.False(t, ok)

	_, err := l.Append([]raft.LogEntry{{Index: 3, Term: 2, Type: raft.EntryData, Data: []byte("w")}})
	require.NoError(t, err)
	entry, ok := l.GetEntry(3)
	require.True(t, ok)
	require.Equal(t, raft.TermNo(2), entry.Term)
}

func TestTruncatePrefix(t *testing.T) {
	l := newTestLog(t)
	for i := 1; i <= 4; i++ {
		_, err := l.Append([]raft.LogEntry{{Index: raft.LogIndex(i), Term: 1, Type: raft.EntryData, Data: []byte("v")}})
		require.NoError(t, err)
	}
	require.NoError(t, l.TruncatePrefix(3))
	require.Equal(t, raft.LogIndex(3), l.FirstIndex())
	_, ok := l.GetEntry(2)
	require.False(t, ok)
	entry, ok := l.GetEntry(4)
	require.True(t, ok)
	require.Equal(t, raft.TermNo(1), entry.Term)
}
