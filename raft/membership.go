package raft

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-kit/log/level"
)

// serializeConfiguration encodes a Configuration's peer list as the Data
// payload of an EntryConfiguration log entry.
func serializeConfiguration(c *Configuration) ([]byte, error) {
	return json.Marshal(c.AllPeers())
}

// decodePeerList decodes the peer list payload of a CONFIGURATION entry.
func decodePeerList(data []byte) ([]Peer, error) {
	var peers []Peer
	if err := json.Unmarshal(data, &peers); err != nil {
		return nil, fmt.Errorf("raft: decoding CONFIGURATION entry: %w", err)
	}
	return peers, nil
}

// applyConfigurationEntry installs a committed CONFIGURATION entry's peer
// set as the node's active Configuration. If this node is absent from the
// new peer set it was removed: it steps down (if leader) and lets the
// caller's eventual Stop tear it down; a removed node does not shut itself
// down automatically, since it may still be asked to serve stale reads or
// rejoin later.
func (n *ConsensusNode) applyConfigurationEntry(entry LogEntry) {
	n.mu.Lock()
	defer n.mu.Unlock()
	peers, err := decodePeerList(entry.Data)
	if err != nil {
		// Committed entries are supposed to be well-formed; a payload that
		// does not decode means local corruption, not a membership change.
		// Keep the current configuration rather than guessing.
		level.Error(n.logger).Log("msg", "malformed CONFIGURATION entry", "index", entry.Index, "err", err)
		return
	}

	removed := true
	for _, p := range peers {
		if p.Id == n.id {
			removed = false
			break
		}
	}
	if removed {
		level.Info(n.logger).Log("msg", "applied CONFIGURATION entry that removes this server", "index", entry.Index)
		if n.role == LEADER {
			// The self-removal itself succeeded; answer its RemovePeer waiter
			// before the step-down fails every other in-flight call.
			if waiters, ok := n.awaitingCommit[entry.Index]; ok {
				for _, ch := range waiters {
					ch <- nil
					close(ch)
				}
				delete(n.awaitingCommit, entry.Index)
			}
			n.stopReplicatorsLocked()
			n.role = FOLLOWER
			n.reportRole()
		}
		return
	}

	cfg, err := NewConfiguration(peers, n.id)
	if err != nil {
		level.Error(n.logger).Log("msg", "invalid CONFIGURATION entry peer set", "index", entry.Index, "err", err)
		return
	}
	n.config = cfg
	if n.role == LEADER {
		n.reconcileReplicatorsLocked()
	}
}

// reconcileReplicatorsLocked starts replicators for peers newly present in
// n.config and stops tracking ones no longer present. Must be called with mu
// held, only while role == LEADER.
func (n *ConsensusNode) reconcileReplicatorsLocked() {
	gen := n.replicatorGen
	lastIndex := n.effectiveLastIndexLocked()
	live := make(map[ServerId]bool)
	for _, p := range n.config.AllPeers() {
		if p.Id == n.id {
			continue
		}
		live[p.Id] = true
		if _, ok := n.peerProgress[p.Id]; !ok {
			n.peerProgress[p.Id] = newPeerProgress(lastIndex)
			n.peerEndpoint[p.Id] = p.Endpoint
			go n.runReplicator(p.Id, gen)
		}
	}
	for id := range n.peerProgress {
		if !live[id] {
			delete(n.peerProgress, id)
			delete(n.peerEndpoint, id)
			delete(n.peerWake, id)
		}
	}
}

// AddPeer implements the catch-up-then-commit membership change protocol:
// the new peer is replicated to (outside the committed Configuration)
// until its MatchIndex is within CatchupMargin of the leader's last log
// index, at which point a CONFIGURATION entry adding it is proposed and
// waited on like any other Replicate call. Only the leader may call this;
// only one membership change may be in flight at a time.
func (n *ConsensusNode) AddPeer(ctx context.Context, peer Peer) error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return errNodeStopped
	}
	if n.role != LEADER {
		n.mu.Unlock()
		return ErrNotLeader
	}
	if n.membershipInFlight {
		n.mu.Unlock()
		return fmt.Errorf("raft: a membership change is already in flight")
	}
	if n.config.Contains(peer.Id) {
		n.mu.Unlock()
		return fmt.Errorf("raft: peer already in configuration: %v", peer.Id)
	}
	n.membershipInFlight = true
	gen := n.replicatorGen
	lastIndex := n.effectiveLastIndexLocked()
	n.peerProgress[peer.Id] = newPeerProgress(lastIndex)
	n.peerEndpoint[peer.Id] = peer.Endpoint
	go n.runReplicator(peer.Id, gen)
	n.mu.Unlock()

	committed := false
	defer func() {
		n.mu.Lock()
		n.membershipInFlight = false
		if !committed && !n.config.Contains(peer.Id) {
			// The change didn't go through; stop replicating to a
			// non-member. Should the CONFIGURATION entry commit after all,
			// applying it re-adds the peer and restarts its replicator.
			delete(n.peerProgress, peer.Id)
			delete(n.peerEndpoint, peer.Id)
			delete(n.peerWake, peer.Id)
		}
		n.mu.Unlock()
	}()

	// Wait on catchUpCV until the new peer's replicator reports it within
	// CatchupMargin of the leader's last index. The helper goroutine turns
	// timeout/cancellation/stop into a broadcast so the wait below can
	// observe them.
	deadline := time.NewTimer(n.settings.CatchupTimeout)
	defer deadline.Stop()
	waitDone := make(chan struct{})
	defer close(waitDone)
	var timedOut, cancelled bool
	go func() {
		select {
		case <-deadline.C:
			n.mu.Lock()
			timedOut = true
			n.mu.Unlock()
		case <-ctx.Done():
			n.mu.Lock()
			cancelled = true
			n.mu.Unlock()
		case <-n.stopCh:
		case <-waitDone:
		}
		n.catchUpCV.Broadcast()
	}()

	n.mu.Lock()
	for {
		if n.stopped {
			n.mu.Unlock()
			return errNodeStopped
		}
		if n.role != LEADER || n.replicatorGen != gen {
			n.mu.Unlock()
			return ErrNotLeader
		}
		if timedOut {
			n.mu.Unlock()
			return fmt.Errorf("raft: peer %v did not catch up within %v", peer.Id, n.settings.CatchupTimeout)
		}
		if cancelled {
			n.mu.Unlock()
			return ctx.Err()
		}
		if pp, ok := n.peerProgress[peer.Id]; ok && pp.IsCaughtUp {
			n.mu.Unlock()
			break
		}
		n.catchUpCV.Wait()
	}

	n.mu.Lock()
	newConfig, err := n.config.WithAddedPeer(peer)
	n.mu.Unlock()
	if err != nil {
		return err
	}
	data, err := serializeConfiguration(newConfig)
	if err != nil {
		return err
	}
	_, err = n.proposeConfiguration(ctx, data)
	committed = err == nil
	return err
}

// RemovePeer proposes a CONFIGURATION entry removing id and waits for it to
// commit. If id is this node's own id, the leader steps down
// immediately once the entry commits (applyConfigurationEntry handles that).
func (n *ConsensusNode) RemovePeer(ctx context.Context, id ServerId) error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return errNodeStopped
	}
	if n.role != LEADER {
		n.mu.Unlock()
		return ErrNotLeader
	}
	if n.membershipInFlight {
		n.mu.Unlock()
		return fmt.Errorf("raft: a membership change is already in flight")
	}
	newConfig, err := n.config.WithRemovedPeer(id)
	if err != nil {
		n.mu.Unlock()
		return err
	}
	n.membershipInFlight = true
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		n.membershipInFlight = false
		n.mu.Unlock()
	}()

	data, err := serializeConfiguration(newConfig)
	if err != nil {
		return err
	}
	_, err = n.proposeConfiguration(ctx, data)
	return err
}

// proposeConfiguration appends and waits for a CONFIGURATION entry, mirroring
// Replicate but bypassing its AsyncWrite short-circuit: membership changes
// always wait for commit.
func (n *ConsensusNode) proposeConfiguration(ctx context.Context, data []byte) (LogIndex, error) {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return 0, errNodeStopped
	}
	if n.role != LEADER {
		n.mu.Unlock()
		return 0, ErrNotLeader
	}
	entry := LogEntry{Index: n.log.LastIndex() + 1, Term: n.currentTerm, Type: EntryConfiguration, Data: data}
	index, err := n.log.Append([]LogEntry{entry})
	if err != nil {
		n.mu.Unlock()
		return 0, err
	}
	n.triggerAllReplicatorsLocked()
	waitCh := make(chan error, 1)
	n.awaitingCommit[index] = append(n.awaitingCommit[index], waitCh)
	n.mu.Unlock()

	timer := time.NewTimer(n.settings.MaxAwaitTimeout)
	defer timer.Stop()
	select {
	case err := <-waitCh:
		return index, err
	case <-timer.C:
		return index, ErrTimeout
	case <-ctx.Done():
		return index, ctx.Err()
	case <-n.stopCh:
		return index, errNodeStopped
	}
}
