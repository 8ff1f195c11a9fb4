package raft

import (
	"context"
	"sort"
	"time"

	"github.com/go-kit/log/level"
)

// Replicate proposes data as a new DATA log entry and, unless
// settings.AsyncWrite is set, blocks until it commits (is stored on a
// majority, per the current-term commit rule) and this leader has applied it
// to its state machine, or settings.MaxAwaitTimeout elapses.
//
// Returns ErrNotLeader immediately if this node does not believe itself to
// be the leader. A non-nil error does not mean the entry will never commit:
// it may already be committed under a different leader's term by the time
// the caller observes the error.
func (n *ConsensusNode) Replicate(ctx context.Context, data []byte) (LogIndex, error) {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return 0, errNodeStopped
	}
	if n.role != LEADER {
		n.mu.Unlock()
		return 0, ErrNotLeader
	}
	entry := LogEntry{
		Index: n.log.LastIndex() + 1,
		Term:  n.currentTerm,
		Type:  EntryData,
		Data:  data,
	}
	index, err := n.log.Append([]LogEntry{entry})
	if err != nil {
		n.mu.Unlock()
		return 0, err
	}
	n.triggerAllReplicatorsLocked()
	n.maybeAdvanceCommitIndexLocked()
	if n.settings.AsyncWrite {
		n.mu.Unlock()
		return index, nil
	}

	waitCh := make(chan error, 1)
	n.awaitingCommit[index] = append(n.awaitingCommit[index], waitCh)
	n.mu.Unlock()

	start := time.Now()
	timer := time.NewTimer(n.settings.MaxAwaitTimeout)
	defer timer.Stop()
	select {
	case err := <-waitCh:
		if n.metrics != nil {
			n.metrics.ObserveReplicateLatency(time.Since(start))
		}
		return index, err
	case <-timer.C:
		return index, ErrTimeout
	case <-ctx.Done():
		return index, ctx.Err()
	case <-n.stopCh:
		return index, errNodeStopped
	}
}

// maybeAdvanceCommitIndexLocked implements the current-term commit rule:
// a leader may only advance commitIndex to an index N for which
// a majority of MatchIndex values (including its own LastIndex) are >= N,
// AND the entry at N was written in the leader's own current term. Must be
// called with mu held, and only while role == LEADER.
func (n *ConsensusNode) maybeAdvanceCommitIndexLocked() {
	if n.role != LEADER {
		return
	}
	// Only configuration members count toward the majority: a joining peer
	// being caught up ahead of its CONFIGURATION entry replicates the log
	// but has no vote in the commit decision yet.
	matches := make([]LogIndex, 0, len(n.peerProgress)+1)
	if n.config.Contains(n.id) {
		matches = append(matches, n.log.LastIndex())
	}
	for id, pp := range n.peerProgress {
		if !n.config.Contains(id) {
			continue
		}
		matches = append(matches, pp.MatchIndex)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })

	quorum := n.config.QuorumSize()
	if quorum == 0 || int(quorum) > len(matches) {
		return
	}
	candidate := matches[quorum-1]
	if candidate <= n.log.CommitIndex() {
		return
	}
	term, ok := TermAtIndex(n.log, candidate, n.snapshotMeta.LastIncludedIndex, n.snapshotMeta.LastIncludedTerm)
	if !ok || term != n.currentTerm {
		return
	}
	if err := n.log.UpdateMeta(MetaUpdate{CommitIndex: &candidate}); err != nil {
		level.Error(n.logger).Log("msg", "failed to persist advanced commit index", "err", err)
		return
	}
	if n.metrics != nil {
		n.metrics.SetCommitIndex(candidate)
	}
	n.commitIndexCV.Broadcast()
}

// applyLoop runs for the lifetime of the node, applying newly committed
// entries to the state machine in order. It is the only goroutine that calls
// StateMachine.Apply, so no external synchronization is needed there.
//
// Each iteration claims exactly one index under the lock and re-derives it
// from lastApplied, so a snapshot install that jumps lastApplied forward
// mid-backlog simply makes the loop resume past the installed boundary
// instead of re-applying entries the snapshot already covers. The loop
// pauses while an InstallSnapshot transfer is staging (installStagingDir is
// set): the state it would be applying onto is about to be replaced
// wholesale, and ReadSnapshot must never run concurrently with Apply.
func (n *ConsensusNode) applyLoop() {
	for {
		n.mu.Lock()
		for !n.stopped && (n.log.CommitIndex() <= n.lastApplied || n.installStagingDir != "") {
			n.commitIndexCV.Wait()
		}
		if n.stopped {
			n.mu.Unlock()
			return
		}
		idx := n.lastApplied + 1
		entry, ok := n.log.GetEntry(idx)
		if !ok {
			// A committed entry the log cannot produce is an unrecoverable
			// local invariant violation; stop applying rather than spin.
			level.Error(n.logger).Log("msg", "apply loop: committed entry missing from log", "index", idx)
			n.mu.Unlock()
			return
		}
		n.applyBusy = true
		n.mu.Unlock()

		var applyErr error
		switch entry.Type {
		case EntryData:
			applyErr = n.sm.Apply(entry.Data)
			if applyErr != nil {
				level.Error(n.logger).Log("msg", "state machine apply failed", "index", entry.Index, "err", applyErr)
			}
		case EntryConfiguration:
			n.applyConfigurationEntry(entry)
		}

		n.mu.Lock()
		n.applyBusy = false
		if entry.Index > n.lastApplied {
			n.lastApplied = entry.Index
			if n.metrics != nil {
				n.metrics.SetLastApplied(entry.Index)
			}
		}
		if waiters, ok := n.awaitingCommit[entry.Index]; ok {
			for _, ch := range waiters {
				ch <- applyErr
				close(ch)
			}
			delete(n.awaitingCommit, entry.Index)
		}
		n.catchUpCV.Broadcast()
		// Wakes WaitForApplied readers and a snapshot installer waiting for
		// an in-flight Apply to drain.
		n.commitIndexCV.Broadcast()
		n.mu.Unlock()
	}
}
