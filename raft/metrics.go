package raft

import "time"

// NodeMetrics is the narrow set of observations ConsensusNode reports. A nil
// NodeMetrics is valid (all call sites nil-check); package metrics supplies
// a concrete Prometheus + HdrHistogram-backed implementation.
type NodeMetrics interface {
	// SetRole is called whenever the node's role changes.
	SetRole(role ServerState)
	// SetTerm is called whenever the current term changes.
	SetTerm(term TermNo)
	// SetCommitIndex is called whenever commitIndex advances.
	SetCommitIndex(index LogIndex)
	// SetLastApplied is called whenever lastApplied advances.
	SetLastApplied(index LogIndex)
	// IncElectionsStarted counts election rounds started by this node.
	IncElectionsStarted()
	// IncElectionsWon counts elections this node has won.
	IncElectionsWon()
	// ObserveReplicateLatency records how long a synchronous Replicate call
	// waited for its entry to commit.
	ObserveReplicateLatency(d time.Duration)
	// ObserveAppendEntriesRTT records a round trip to a peer.
	ObserveAppendEntriesRTT(peer ServerId, d time.Duration)
}
