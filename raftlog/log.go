package raftlog

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/benbjohnson/immutable"
	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/divtxt/raftkv/raft"
)

var _ raft.LogStore = (*SegmentedLog)(nil)

// SegmentedLog is a raft.LogStore backed by a directory of segment files:
// segment rollover, directory scanning on startup, and base-offset naming.
// Entries carry a Term and EntryType (not just an opaque record), metadata
// (term, votedFor, commit index) is persisted alongside the segments, and
// TruncateSuffix/TruncatePrefix support Raft's log-matching and compaction
// needs that an append-only commit log never has to.
//
// segments is kept as an immutable.SortedMap keyed by base offset rather
// than a plain slice, the same structural-sharing directory
// dreamsxin-wal's WAL holds in its atomic.Value-published state
// (github.com/benbjohnson/immutable): every roll or truncation builds a new
// map value sharing the unchanged segments with the old one instead of
// copying the whole segment list.
type SegmentedLog struct {
	mu sync.RWMutex

	dir    string
	cfg    Config
	logger kitlog.Logger

	segments      *immutable.SortedMap[uint64, *segment]
	activeSegment *segment
	meta          persistedMeta

	metrics *logMetrics
}

type logMetrics struct {
	entriesAppended prometheus.Counter
	segmentsRolled  prometheus.Counter
	lastIndex       prometheus.Gauge
	firstIndex      prometheus.Gauge
}

func newLogMetrics(reg prometheus.Registerer) *logMetrics {
	factory := promauto.With(reg)
	return &logMetrics{
		entriesAppended: factory.NewCounter(prometheus.CounterOpts{
			Name: "raftkv_log_entries_appended_total",
			Help: "Total log entries appended to the segmented log store.",
		}),
		segmentsRolled: factory.NewCounter(prometheus.CounterOpts{
			Name: "raftkv_log_segments_rolled_total",
			Help: "Total number of times a segment was sealed and a new one started.",
		}),
		lastIndex: factory.NewGauge(prometheus.GaugeOpts{
			Name: "raftkv_log_last_index",
			Help: "Index of the last entry in the log.",
		}),
		firstIndex: factory.NewGauge(prometheus.GaugeOpts{
			Name: "raftkv_log_first_index",
			Help: "Index of the first entry retained in the log.",
		}),
	}
}

// Open opens (creating if necessary) a SegmentedLog rooted at dir. reg may
// be nil to skip metrics registration (as in tests).
func Open(dir string, cfg Config, logger kitlog.Logger, reg prometheus.Registerer) (*SegmentedLog, error) {
	if cfg.MaxStoreBytes == 0 {
		cfg = DefaultConfig()
	}
	if cfg.InitialOffset == 0 {
		cfg.InitialOffset = 1
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = kitlog.NewNopLogger()
	}
	meta, err := loadMeta(dir)
	if err != nil {
		return nil, err
	}

	l := &SegmentedLog{
		dir:    dir,
		cfg:    cfg,
		logger: kitlog.With(logger, "component", "raftlog"),
		meta:   meta,
	}
	if reg != nil {
		l.metrics = newLogMetrics(reg)
	}
	if err := l.setup(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SegmentedLog) setup() error {
	files, err := os.ReadDir(l.dir)
	if err != nil {
		return err
	}
	seen := make(map[uint64]bool)
	var bases []uint64
	for _, f := range files {
		name := f.Name()
		if !strings.HasSuffix(name, ".store") && !strings.HasSuffix(name, ".index") {
			continue
		}
		base := strings.TrimSuffix(strings.TrimSuffix(name, ".store"), ".index")
		off, parseErr := strconv.ParseUint(base, 10, 64)
		if parseErr != nil {
			continue
		}
		if !seen[off] {
			seen[off] = true
			bases = append(bases, off)
		}
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })

	segments := &immutable.SortedMap[uint64, *segment]{}
	for _, base := range bases {
		s, err := newSegment(l.dir, base, l.cfg)
		if err != nil {
			return err
		}
		segments = segments.Set(base, s)
	}
	if segments.Len() == 0 {
		start := uint64(l.meta.FirstIndex)
		if start == 0 {
			start = l.cfg.InitialOffset
		}
		s, err := newSegment(l.dir, start, l.cfg)
		if err != nil {
			return err
		}
		segments = segments.Set(start, s)
	}
	l.segments = segments
	l.activeSegment = l.lastSegmentLocked()
	return nil
}

// lastSegmentLocked returns the segment with the highest base offset.
func (l *SegmentedLog) lastSegmentLocked() *segment {
	var last *segment
	it := l.segments.Iterator()
	for !it.Done() {
		_, s, _ := it.Next()
		last = s
	}
	return last
}

func (l *SegmentedLog) reportGauges() {
	if l.metrics == nil {
		return
	}
	l.metrics.firstIndex.Set(float64(l.firstIndexLocked()))
	l.metrics.lastIndex.Set(float64(l.lastIndexLocked()))
}

func (l *SegmentedLog) firstIndexLocked() raft.LogIndex {
	if l.meta.FirstIndex == 0 && l.lastIndexLocked() > 0 {
		return raft.LogIndex(l.cfg.InitialOffset)
	}
	return l.meta.FirstIndex
}

func (l *SegmentedLog) lastIndexLocked() raft.LogIndex {
	var lastNonEmpty raft.LogIndex
	var lastBase uint64
	it := l.segments.Iterator()
	for !it.Done() {
		_, s, _ := it.Next()
		lastBase = s.baseOffset
		if s.nextOffset > s.baseOffset {
			lastNonEmpty = raft.LogIndex(s.nextOffset - 1)
		}
	}
	if lastNonEmpty == 0 && lastBase > 0 {
		// Every segment is empty: the log was either never written to
		// (base = InitialOffset, so this reports 0) or fully compacted away,
		// in which case the last index is the snapshot boundary the next
		// segment starts right after.
		return raft.LogIndex(lastBase - 1)
	}
	return lastNonEmpty
}

func (l *SegmentedLog) FirstIndex() raft.LogIndex {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.firstIndexLocked()
}

func (l *SegmentedLog) LastIndex() raft.LogIndex {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastIndexLocked()
}

func (l *SegmentedLog) CurrentTerm() raft.TermNo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.meta.Term
}

func (l *SegmentedLog) VotedFor() raft.ServerId {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.meta.VotedFor
}

func (l *SegmentedLog) CommitIndex() raft.LogIndex {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.meta.CommitIndex
}

func (l *SegmentedLog) segmentFor(index raft.LogIndex) *segment {
	idx := uint64(index)
	it := l.segments.Iterator()
	for !it.Done() {
		_, s, _ := it.Next()
		if s.baseOffset <= idx && idx < s.nextOffset {
			return s
		}
	}
	return nil
}

func (l *SegmentedLog) GetEntry(index raft.LogIndex) (raft.LogEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < l.meta.FirstIndex {
		return raft.LogEntry{}, false
	}
	s := l.segmentFor(index)
	if s == nil {
		return raft.LogEntry{}, false
	}
	entry, err := s.Read(uint64(index))
	if err != nil {
		return raft.LogEntry{}, false
	}
	return entry, true
}

func (l *SegmentedLog) Append(entries []raft.LogEntry) (raft.LogIndex, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	expected := uint64(l.lastIndexLocked()) + 1
	for _, e := range entries {
		if uint64(e.Index) != expected {
			return 0, fmt.Errorf("raftlog: non-contiguous append: expected index %d, got %d", expected, e.Index)
		}
		if _, err := l.activeSegment.Append(e); err != nil {
			return 0, err
		}
		if l.activeSegment.IsMaxed() {
			if err := l.rollSegmentLocked(uint64(e.Index) + 1); err != nil {
				return 0, err
			}
		}
		if l.metrics != nil {
			l.metrics.entriesAppended.Inc()
		}
		expected++
	}
	l.reportGauges()
	return l.lastIndexLocked(), nil
}

func (l *SegmentedLog) rollSegmentLocked(nextBase uint64) error {
	s, err := newSegment(l.dir, nextBase, l.cfg)
	if err != nil {
		return err
	}
	l.segments = l.segments.Set(nextBase, s)
	l.activeSegment = s
	if l.metrics != nil {
		l.metrics.segmentsRolled.Inc()
	}
	return nil
}

// TruncatePrefix drops whole segments now fully covered by a snapshot.
// Entries that remain on disk in the boundary segment but fall below
// newFirstIndex become unreachable via GetEntry.
func (l *SegmentedLog) TruncatePrefix(newFirstIndex raft.LogIndex) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.segments
	it := l.segments.Iterator()
	for !it.Done() {
		base, s, _ := it.Next()
		if s.nextOffset <= uint64(newFirstIndex) {
			if err := s.Remove(); err != nil {
				return err
			}
			kept = kept.Delete(base)
		}
	}
	l.segments = kept
	if l.segments.Len() == 0 {
		s, err := newSegment(l.dir, uint64(newFirstIndex), l.cfg)
		if err != nil {
			return err
		}
		l.segments = l.segments.Set(uint64(newFirstIndex), s)
	}
	l.activeSegment = l.lastSegmentLocked()
	l.meta.FirstIndex = newFirstIndex
	if err := saveMeta(l.dir, l.meta); err != nil {
		return err
	}
	l.reportGauges()
	level.Debug(l.logger).Log("msg", "truncated log prefix", "newFirstIndex", newFirstIndex)
	return nil
}

// TruncateSuffix discards every entry with index > keepLastIndex: whole
// segments beyond it are removed outright, and the
// segment straddling the boundary is truncated in place.
func (l *SegmentedLog) TruncateSuffix(keepLastIndex raft.LogIndex) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.segments
	it := l.segments.Iterator()
	for !it.Done() {
		base, s, _ := it.Next()
		if s.baseOffset > uint64(keepLastIndex) {
			if err := s.Remove(); err != nil {
				return err
			}
			kept = kept.Delete(base)
		}
	}
	l.segments = kept
	if l.segments.Len() == 0 {
		start := uint64(l.meta.FirstIndex)
		if start == 0 {
			start = l.cfg.InitialOffset
		}
		s, err := newSegment(l.dir, start, l.cfg)
		if err != nil {
			return err
		}
		l.segments = l.segments.Set(start, s)
		l.activeSegment = s
		l.reportGauges()
		return nil
	}
	last := l.lastSegmentLocked()
	if uint64(keepLastIndex) < last.nextOffset-1 || (uint64(keepLastIndex) == last.baseOffset && last.nextOffset > last.baseOffset) {
		if err := last.TruncateAfter(uint64(keepLastIndex)); err != nil {
			return err
		}
	}
	l.activeSegment = last
	if last.IsMaxed() {
		if err := l.rollSegmentLocked(last.nextOffset); err != nil {
			return err
		}
	}
	l.reportGauges()
	return nil
}

func (l *SegmentedLog) UpdateMeta(update raft.MetaUpdate) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if update.Term != nil {
		l.meta.Term = *update.Term
	}
	if update.VotedFor != nil {
		l.meta.VotedFor = *update.VotedFor
	}
	if update.FirstIndex != nil {
		l.meta.FirstIndex = *update.FirstIndex
	}
	if update.CommitIndex != nil {
		l.meta.CommitIndex = *update.CommitIndex
	}
	return saveMeta(l.dir, l.meta)
}

func (l *SegmentedLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	it := l.segments.Iterator()
	for !it.Done() {
		_, s, _ := it.Next()
		if err := s.Close(); err != nil {
			return err
		}
	}
	return nil
}
