package raft

// PeerProgress is the leader's bookkeeping for a single follower. It is
// created when a peer enters the configuration and destroyed on removal or
// leader step-down; the ConsensusNode exclusively owns these.
type PeerProgress struct {
	// NextIndex is the next log index to send to this peer.
	NextIndex LogIndex
	// MatchIndex is the highest index known to be replicated on this peer.
	MatchIndex LogIndex
	// IsCaughtUp gates a joining peer: true once MatchIndex is within
	// catchup_margin of the leader's last log index.
	IsCaughtUp bool
	// IsInstallingSnapshot is true while an InstallSnapshot transfer to this
	// peer is in flight.
	IsInstallingSnapshot bool
}

// newPeerProgress creates the initial PeerProgress for a freshly-elected
// leader or a newly added peer: NextIndex = lastLogIndex+1, MatchIndex = 0.
func newPeerProgress(lastLogIndex LogIndex) *PeerProgress {
	return &PeerProgress{
		NextIndex:  lastLogIndex + 1,
		MatchIndex: 0,
	}
}
