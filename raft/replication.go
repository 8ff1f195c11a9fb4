package raft

import (
	"time"

	"github.com/go-kit/log/level"
)

// HandleRequestVote answers a RequestVote RPC. A pre-vote
// (rpc.IsPreVote) never changes currentTerm or votedFor: the responder
// simply reports whether it would grant a real vote at rpc.Term, without
// committing to anything.
func (n *ConsensusNode) HandleRequestVote(rpc *RequestVote) (*VoteResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return nil, errNodeStopped
	}

	if rpc.Term < n.currentTerm {
		return &VoteResponse{Term: n.currentTerm, Granted: false}, nil
	}

	if rpc.IsPreVote {
		// A pre-vote is granted iff the candidate is a member of our
		// configuration, its term is at least ours, we have not heard from a
		// leader within the last election timeout, and its log is at least
		// as up-to-date as ours; it
		// never requires us to adopt the term or clear our vote. The
		// membership check keeps a node that is still joining (or was
		// removed) from disrupting a healthy cluster.
		lastIndex, lastTerm, err := GetIndexAndTermOfLastEntry(n.log, n.snapshotMeta.LastIncludedIndex, n.snapshotMeta.LastIncludedTerm)
		if err != nil {
			return nil, err
		}
		granted := n.config.Contains(rpc.CandidateId) &&
			rpc.Term >= n.currentTerm &&
			n.notHeardFromLeaderRecentlyLocked() &&
			isUpToDate(rpc.LastLogTerm, rpc.LastLogIndex, lastTerm, lastIndex)
		return &VoteResponse{Term: n.currentTerm, Granted: granted}, nil
	}

	if rpc.Term > n.currentTerm {
		if err := n.stepDownLocked(rpc.Term); err != nil {
			return nil, err
		}
	}

	if n.votedFor != "" && n.votedFor != rpc.CandidateId {
		return &VoteResponse{Term: n.currentTerm, Granted: false}, nil
	}

	lastIndex, lastTerm, err := GetIndexAndTermOfLastEntry(n.log, n.snapshotMeta.LastIncludedIndex, n.snapshotMeta.LastIncludedTerm)
	if err != nil {
		return nil, err
	}
	if !isUpToDate(rpc.LastLogTerm, rpc.LastLogIndex, lastTerm, lastIndex) {
		return &VoteResponse{Term: n.currentTerm, Granted: false}, nil
	}

	candidate := rpc.CandidateId
	if err := n.log.UpdateMeta(MetaUpdate{Term: &rpc.Term, VotedFor: &candidate}); err != nil {
		return nil, err
	}
	n.votedFor = candidate
	n.resetElectionTimerLocked(time.Now())
	level.Debug(n.logger).Log("msg", "granted vote", "candidate", candidate, "term", rpc.Term)
	return &VoteResponse{Term: n.currentTerm, Granted: true}, nil
}

// notHeardFromLeaderRecentlyLocked reports whether this node has gone at
// least a full election timeout without leader contact. Gates pre-vote
// grants: a node that still hears a live leader denies pre-votes, so a
// rejoining or partitioned node can't win a pre-vote round against a
// cluster that is in fact healthy.
func (n *ConsensusNode) notHeardFromLeaderRecentlyLocked() bool {
	return n.lastLeaderContact.IsZero() || time.Since(n.lastLeaderContact) >= n.settings.VoteTimeout
}

// effectiveLastIndexLocked is LastIndex(), floored at the snapshot boundary
// when the log itself is empty post-compaction. Must be called with mu held.
func (n *ConsensusNode) effectiveLastIndexLocked() LogIndex {
	li := n.log.LastIndex()
	if li < n.snapshotMeta.LastIncludedIndex {
		return n.snapshotMeta.LastIncludedIndex
	}
	return li
}

// HandleAppendEntries answers an AppendEntries RPC.
func (n *ConsensusNode) HandleAppendEntries(rpc *AppendEntries) (*AppendEntriesResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return nil, errNodeStopped
	}

	reply := func(result AppendEntriesResult) *AppendEntriesResponse {
		return &AppendEntriesResponse{Term: n.currentTerm, Result: result, LastLogIndex: n.effectiveLastIndexLocked()}
	}

	if rpc.Term < n.currentTerm {
		return reply(AppendEntriesFail), nil
	}
	if rpc.Term > n.currentTerm {
		if err := n.stepDownLocked(rpc.Term); err != nil {
			return nil, err
		}
	} else if n.role == CANDIDATE {
		if err := n.stepDownLocked(rpc.Term); err != nil {
			return nil, err
		}
	}

	if n.leaderId != "" && n.leaderId != rpc.LeaderId {
		// Dueling leaders in the same term: both can't be right. Bump past
		// this term so a fresh election sorts it out.
		if err := n.stepDownLocked(n.currentTerm + 1); err != nil {
			return nil, err
		}
		return reply(AppendEntriesFail), nil
	}
	n.leaderId = rpc.LeaderId
	n.lastLeaderContact = time.Now()
	n.resetElectionTimerLocked(n.lastLeaderContact)

	lastIndex := n.effectiveLastIndexLocked()
	if rpc.PrevLogIndex > lastIndex {
		return reply(AppendEntriesFail), nil
	}
	prevTerm, ok := TermAtIndex(n.log, rpc.PrevLogIndex, n.snapshotMeta.LastIncludedIndex, n.snapshotMeta.LastIncludedTerm)
	if !ok || prevTerm != rpc.PrevLogTerm {
		return reply(AppendEntriesFail), nil
	}

	for i, e := range rpc.Entries {
		existingTerm, has := TermAtIndex(n.log, e.Index, n.snapshotMeta.LastIncludedIndex, n.snapshotMeta.LastIncludedTerm)
		if has && existingTerm == e.Term {
			continue
		}
		if has {
			if err := n.log.TruncateSuffix(e.Index - 1); err != nil {
				return nil, err
			}
		}
		if _, err := n.log.Append(rpc.Entries[i:]); err != nil {
			return nil, err
		}
		break
	}

	if n.installStagingDir != "" {
		// The leader went back to shipping log entries mid-transfer: the
		// snapshot install was abandoned. Drop the stale staging state so
		// the apply loop resumes.
		old := n.installStagingDir
		n.installStagingDir = ""
		n.snapshots.EndInstallingSnapshot()
		n.commitIndexCV.Broadcast()
		go func() { _ = n.snapshots.DiscardStagingDir(old) }()
	}

	lastNewEntryIndex := rpc.PrevLogIndex + LogIndex(len(rpc.Entries))
	if rpc.CommitIndex > n.log.CommitIndex() {
		newCommit := rpc.CommitIndex
		if newCommit > lastNewEntryIndex {
			newCommit = lastNewEntryIndex
		}
		if err := n.log.UpdateMeta(MetaUpdate{CommitIndex: &newCommit}); err != nil {
			return nil, err
		}
		if n.metrics != nil {
			n.metrics.SetCommitIndex(newCommit)
		}
		n.commitIndexCV.Broadcast()
	}
	return reply(AppendEntriesSuccess), nil
}

// runReplicator is the leader-side per-peer loop, one
// goroutine per peer for as long as replicatorGen == gen. It sends an
// immediate AppendEntries on start (establishing authority without waiting
// for the first heartbeat tick), then on every heartbeat tick or explicit
// wake (new entry appended, or a failure response asking for an immediate
// retry).
func (n *ConsensusNode) runReplicator(peerId ServerId, gen uint64) {
	wake := make(chan struct{}, 1)
	n.mu.Lock()
	if n.stopped || n.replicatorGen != gen {
		n.mu.Unlock()
		return
	}
	n.peerWake[peerId] = wake
	n.mu.Unlock()

	ticker := time.NewTicker(n.settings.KeepAlivePeriod)
	defer ticker.Stop()

	n.replicateOnce(peerId, gen)
	for {
		select {
		case <-n.stopCh:
			return
		case <-wake:
			if !n.replicatorStillValid(peerId, gen) {
				return
			}
			n.replicateOnce(peerId, gen)
		case <-ticker.C:
			if !n.replicatorStillValid(peerId, gen) {
				return
			}
			n.replicateOnce(peerId, gen)
		}
	}
}

func (n *ConsensusNode) replicatorStillValid(peerId ServerId, gen uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped || n.role != LEADER || n.replicatorGen != gen {
		return false
	}
	// Dropped from the progress map: the peer was removed from the
	// configuration (or its AddPeer attempt failed); this replicator is done.
	_, ok := n.peerProgress[peerId]
	return ok
}

// replicateOnce sends exactly one AppendEntries (or switches to an
// InstallSnapshot transfer, if the peer has fallen behind the log's
// retained prefix) to peerId and processes the response.
func (n *ConsensusNode) replicateOnce(peerId ServerId, gen uint64) {
	n.mu.Lock()
	if n.stopped || n.role != LEADER || n.replicatorGen != gen {
		n.mu.Unlock()
		return
	}
	pp, ok := n.peerProgress[peerId]
	if !ok {
		n.mu.Unlock()
		return
	}
	peer, ok := n.peerFor(peerId)
	if !ok {
		n.mu.Unlock()
		return
	}

	prevLogIndex := pp.NextIndex - 1
	prevLogTerm, haveTerm := TermAtIndex(n.log, prevLogIndex, n.snapshotMeta.LastIncludedIndex, n.snapshotMeta.LastIncludedTerm)
	if !haveTerm || pp.NextIndex < n.log.FirstIndex() {
		meta := n.snapshotMeta
		n.mu.Unlock()
		n.installSnapshotOnPeer(peerId, gen, peer, meta)
		return
	}

	entries := n.collectEntriesLocked(pp.NextIndex)
	term := n.currentTerm
	leaderId := n.id
	commitIndex := n.log.CommitIndex()
	n.mu.Unlock()

	rpc := &AppendEntries{
		Term:         term,
		LeaderId:     leaderId,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		CommitIndex:  commitIndex,
	}
	start := time.Now()
	resp, err := n.transport.SendAppendEntries(peer, rpc)
	if err != nil {
		level.Debug(n.logger).Log("msg", "AppendEntries RPC failed", "peer", peerId, "err", err)
		return
	}
	if n.metrics != nil {
		n.metrics.ObserveAppendEntriesRTT(peerId, time.Since(start))
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.handleAppendEntriesResponseLocked(peerId, gen, rpc, resp)
}

// collectEntriesLocked gathers up to settings.MaxEntryBatchSize entries
// starting at fromIndex. Must be called with mu held.
func (n *ConsensusNode) collectEntriesLocked(fromIndex LogIndex) []LogEntry {
	lastIndex := n.log.LastIndex()
	if fromIndex > lastIndex {
		return nil
	}
	max := n.settings.MaxEntryBatchSize
	entries := make([]LogEntry, 0, max)
	for idx := fromIndex; idx <= lastIndex && len(entries) < max; idx++ {
		entry, ok := n.log.GetEntry(idx)
		if !ok {
			break
		}
		entries = append(entries, entry)
	}
	return entries
}

func (n *ConsensusNode) handleAppendEntriesResponseLocked(peerId ServerId, gen uint64, req *AppendEntries, resp *AppendEntriesResponse) {
	if n.stopped || n.role != LEADER || n.replicatorGen != gen {
		return
	}
	if resp.Term > n.currentTerm {
		_ = n.stepDownLocked(resp.Term)
		return
	}
	pp, ok := n.peerProgress[peerId]
	if !ok {
		return
	}

	if resp.Result == AppendEntriesSuccess {
		newMatch := req.PrevLogIndex + LogIndex(len(req.Entries))
		if newMatch > pp.MatchIndex {
			pp.MatchIndex = newMatch
		}
		pp.NextIndex = pp.MatchIndex + 1
		pp.IsInstallingSnapshot = false
		if !pp.IsCaughtUp && n.log.LastIndex() >= pp.MatchIndex &&
			(n.log.LastIndex()-pp.MatchIndex) <= n.settings.CatchupMargin {
			pp.IsCaughtUp = true
			n.catchUpCV.Broadcast()
		}
		n.maybeAdvanceCommitIndexLocked()
		if pp.NextIndex <= n.log.LastIndex() {
			n.triggerReplicationLocked(peerId)
		}
		return
	}

	// Failure: back NextIndex up using the follower's hint, but never below
	// MatchIndex+1.
	newNext := resp.LastLogIndex + 1
	if floor := pp.MatchIndex + 1; newNext < floor {
		newNext = floor
	}
	if newNext < 1 {
		newNext = 1
	}
	if newNext >= pp.NextIndex && pp.NextIndex > pp.MatchIndex+1 {
		newNext = pp.NextIndex - 1
	}
	pp.NextIndex = newNext
	n.triggerReplicationLocked(peerId)
}
