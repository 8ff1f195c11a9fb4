package raft

import "time"

// resetElectionTimerLocked (re)schedules the election timer to fire after a
// randomized interval in [T, 2T) where T = settings.VoteTimeout. Must
// be called with mu held.
func (n *ConsensusNode) resetElectionTimerLocked(now time.Time) {
	if n.stopped {
		return
	}
	d := randomElectionTimeout(n.rng, n.settings.VoteTimeout)
	if n.electionTimer == nil {
		n.electionTimer = time.AfterFunc(d, n.onElectionTimeout)
		return
	}
	n.electionTimer.Reset(d)
}

// onElectionTimeout fires on the election timer's own goroutine. If this
// node is not LEADER, it starts a pre-vote round.
func (n *ConsensusNode) onElectionTimeout() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}
	now := time.Now()
	if n.role != LEADER {
		n.startPreVoteLocked(now)
	}
	n.resetElectionTimerLocked(now)
}
