package raft

import (
	"time"

	"github.com/go-kit/log/level"
)

// startPreVoteLocked begins a pre-vote round: RequestVote with
// IsPreVote=true, at the *next* term but without actually incrementing
// currentTerm or recording a vote. A pre-vote win promotes to a real
// election. Each election timeout starts a fresh round; bumping voteRound
// invalidates any straggling responses from the previous one. Must be
// called with mu held.
func (n *ConsensusNode) startPreVoteLocked(now time.Time) {
	if n.role == LEADER {
		return
	}
	lastIndex, lastTerm, err := GetIndexAndTermOfLastEntry(n.log, n.snapshotMeta.LastIncludedIndex, n.snapshotMeta.LastIncludedTerm)
	if err != nil {
		level.Error(n.logger).Log("msg", "failed to read last log entry for pre-vote", "err", err)
		return
	}
	n.preVoteInFlight = true
	n.preVoteReceived = map[ServerId]bool{n.id: true}
	n.voteRound++
	round := n.voteRound
	if n.metrics != nil {
		n.metrics.IncElectionsStarted()
	}
	if uint(len(n.preVoteReceived)) >= n.config.QuorumSize() {
		// Single-node cluster: our own pre-vote already is a majority.
		n.startRealElectionLocked(now)
		return
	}
	candidateTerm := n.currentTerm + 1
	rpc := &RequestVote{
		Term:         candidateTerm,
		CandidateId:  n.id,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
		IsPreVote:    true,
	}
	level.Debug(n.logger).Log("msg", "starting pre-vote", "candidateTerm", candidateTerm)
	n.config.ForEachPeer(func(peerId ServerId) error {
		peer, _ := n.peerFor(peerId)
		go n.sendRequestVoteAsync(peer, rpc, round)
		return nil
	})
}

// startRealElectionLocked transitions to CANDIDATE, increments the term,
// votes for self, persists (term, votedFor) before anything else, and
// solicits votes. Must be called with mu held.
func (n *ConsensusNode) startRealElectionLocked(now time.Time) {
	n.preVoteInFlight = false
	n.currentTerm++
	n.votedFor = n.id
	term := n.currentTerm
	self := n.id
	if err := n.log.UpdateMeta(MetaUpdate{Term: &term, VotedFor: &self}); err != nil {
		level.Error(n.logger).Log("msg", "failed to persist term/vote for election", "err", err)
		return
	}
	n.reportTerm()
	n.role = CANDIDATE
	n.leaderId = ""
	n.reportRole()
	n.votesReceived = map[ServerId]bool{n.id: true}
	n.resetElectionTimerLocked(now)
	n.voteRound++
	round := n.voteRound

	lastIndex, lastTerm, err := GetIndexAndTermOfLastEntry(n.log, n.snapshotMeta.LastIncludedIndex, n.snapshotMeta.LastIncludedTerm)
	if err != nil {
		level.Error(n.logger).Log("msg", "failed to read last log entry for election", "err", err)
		return
	}
	rpc := &RequestVote{
		Term:         n.currentTerm,
		CandidateId:  n.id,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
		IsPreVote:    false,
	}
	level.Info(n.logger).Log("msg", "starting election", "term", n.currentTerm)
	n.config.ForEachPeer(func(peerId ServerId) error {
		peer, _ := n.peerFor(peerId)
		go n.sendRequestVoteAsync(peer, rpc, round)
		return nil
	})

	if n.config.QuorumSize() <= 1 {
		n.becomeLeaderLocked(now)
	}
}

func (n *ConsensusNode) peerFor(id ServerId) (Peer, bool) {
	if ep, ok := n.peerEndpoint[id]; ok {
		return Peer{Id: id, Endpoint: ep}, true
	}
	ep, ok := n.config.Endpoint(id)
	return Peer{Id: id, Endpoint: ep}, ok
}

// sendRequestVoteAsync sends rpc to peer without holding the engine lock,
// then feeds the response (if any) back in under the lock.
func (n *ConsensusNode) sendRequestVoteAsync(peer Peer, rpc *RequestVote, round uint64) {
	resp, err := n.transport.SendRequestVote(peer, rpc)
	if err != nil {
		level.Warn(n.logger).Log("msg", "RequestVote RPC failed", "peer", peer.Id, "err", err)
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handleVoteResponseLocked(peer.Id, rpc, resp, round)
}

func (n *ConsensusNode) handleVoteResponseLocked(from ServerId, req *RequestVote, resp *VoteResponse, round uint64) {
	if n.stopped || round != n.voteRound {
		return
	}
	if resp.Term > n.currentTerm {
		_ = n.stepDownLocked(resp.Term)
		return
	}
	if !resp.Granted {
		return
	}
	if req.IsPreVote {
		if !n.preVoteInFlight {
			return
		}
		n.preVoteReceived[from] = true
		if uint(len(n.preVoteReceived)) >= n.config.QuorumSize() {
			n.startRealElectionLocked(time.Now())
		}
		return
	}
	if n.role != CANDIDATE || req.Term != n.currentTerm {
		return
	}
	n.votesReceived[from] = true
	if uint(len(n.votesReceived)) >= n.config.QuorumSize() {
		n.becomeLeaderLocked(time.Now())
	}
}

// becomeLeaderLocked transitions to LEADER on election win: resets
// per-peer PeerProgress, starts a replicator goroutine per peer, and sends
// an immediate empty AppendEntries to establish authority. Must be called
// with mu held.
func (n *ConsensusNode) becomeLeaderLocked(now time.Time) {
	if n.role == LEADER {
		return
	}
	n.role = LEADER
	n.leaderId = n.id
	n.votesReceived = nil
	n.reportRole()
	if n.metrics != nil {
		n.metrics.IncElectionsWon()
	}

	lastIndex := n.log.LastIndex()
	if lastIndex < n.snapshotMeta.LastIncludedIndex {
		lastIndex = n.snapshotMeta.LastIncludedIndex
	}
	n.replicatorGen++
	gen := n.replicatorGen
	n.peerProgress = make(map[ServerId]*PeerProgress)
	n.peerEndpoint = make(map[ServerId]string)
	for _, p := range n.config.AllPeers() {
		if p.Id == n.id {
			continue
		}
		n.peerProgress[p.Id] = newPeerProgress(lastIndex)
		n.peerEndpoint[p.Id] = p.Endpoint
		go n.runReplicator(p.Id, gen)
	}
	level.Info(n.logger).Log("msg", "elected leader", "term", n.currentTerm)
}
