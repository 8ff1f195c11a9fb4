package raft

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-kit/log/level"
)

// snapshotChunkSize bounds a single InstallSnapshot RPC's payload.
const snapshotChunkSize = 32 * 1024

// snapshotterLoop periodically considers taking a new snapshot, bounded by
// settings.SnapshotCheckInterval and settings.SnapshotMinLogSize.
func (n *ConsensusNode) snapshotterLoop() {
	ticker := time.NewTicker(n.settings.SnapshotCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.maybeTakeSnapshot()
		}
	}
}

func (n *ConsensusNode) maybeTakeSnapshot() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	lastApplied := n.lastApplied
	lastIncluded := n.snapshotMeta.LastIncludedIndex
	n.mu.Unlock()

	if lastApplied <= lastIncluded || uint64(lastApplied-lastIncluded) < n.settings.SnapshotMinLogSize {
		return
	}
	if !n.snapshots.TryBeginTakingSnapshot() {
		return
	}
	defer n.snapshots.EndTakingSnapshot()

	n.mu.Lock()
	oldDir := n.snapshots.DataDir()
	oldIncludedIndex := n.snapshotMeta.LastIncludedIndex
	oldIncludedTerm := n.snapshotMeta.LastIncludedTerm
	lastAppliedNow := n.lastApplied
	logRef := n.log
	n.mu.Unlock()

	stagingDir, err := n.snapshots.NewStagingDir()
	if err != nil {
		level.Error(n.logger).Log("msg", "failed to allocate snapshot staging dir", "err", err)
		return
	}

	lastIncludedTerm, ok := TermAtIndex(logRef, lastAppliedNow, oldIncludedIndex, oldIncludedTerm)
	if !ok {
		level.Error(n.logger).Log("msg", "could not determine term for new snapshot boundary", "index", lastAppliedNow)
		_ = n.snapshots.DiscardStagingDir(stagingDir)
		return
	}

	if err := n.sm.WriteSnapshot(oldDir, stagingDir, logRef, oldIncludedIndex, lastAppliedNow); err != nil {
		level.Error(n.logger).Log("msg", "state machine snapshot write failed", "err", err)
		_ = n.snapshots.DiscardStagingDir(stagingDir)
		return
	}

	n.mu.Lock()
	peers := n.config.AllPeers()
	n.mu.Unlock()
	meta := SnapshotMetadata{LastIncludedIndex: lastAppliedNow, LastIncludedTerm: lastIncludedTerm, Peers: peers}
	if err := n.snapshots.PromoteStagingDir(stagingDir, meta); err != nil {
		level.Error(n.logger).Log("msg", "failed to promote snapshot staging dir", "err", err)
		return
	}

	n.mu.Lock()
	n.snapshotMeta = meta
	n.mu.Unlock()

	if err := logRef.TruncatePrefix(lastAppliedNow + 1); err != nil {
		level.Error(n.logger).Log("msg", "failed to truncate log prefix after snapshot", "err", err)
	}
	level.Info(n.logger).Log("msg", "took snapshot", "lastIncludedIndex", lastAppliedNow)
}

// installSnapshotOnPeer streams the current snapshot's data tree to peerId
// in fixed-size chunks, used in place of AppendEntries when the peer's
// NextIndex has fallen behind the log's retained prefix.
func (n *ConsensusNode) installSnapshotOnPeer(peerId ServerId, gen uint64, peer Peer, meta SnapshotMetadata) {
	n.mu.Lock()
	pp, ok := n.peerProgress[peerId]
	if !ok || pp.IsInstallingSnapshot || n.replicatorGen != gen {
		n.mu.Unlock()
		return
	}
	pp.IsInstallingSnapshot = true
	term := n.currentTerm
	leaderId := n.id
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		if pp, ok := n.peerProgress[peerId]; ok {
			pp.IsInstallingSnapshot = false
		}
		n.mu.Unlock()
	}()

	files, err := n.snapshots.OpenDataFiles()
	if err != nil {
		level.Error(n.logger).Log("msg", "failed to open snapshot data files", "err", err)
		return
	}
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()

	buf := make([]byte, snapshotChunkSize)
	first := true
	for _, f := range files {
		offset := int64(0)
		for {
			if !n.replicatorStillValid(peerId, gen) {
				return
			}
			nRead, readErr := f.Read(buf)
			if nRead > 0 {
				chunk := make([]byte, nRead)
				copy(chunk, buf[:nRead])
				resp, sendErr := n.transport.SendInstallSnapshot(peer, &InstallSnapshot{
					Term:     term,
					LeaderId: leaderId,
					Meta:     meta,
					FileName: f.Name(),
					Offset:   offset,
					Data:     chunk,
					IsFirst:  first,
					IsLast:   false,
				})
				if sendErr != nil {
					level.Debug(n.logger).Log("msg", "InstallSnapshot RPC failed", "peer", peerId, "err", sendErr)
					return
				}
				if resp.Term > term {
					n.mu.Lock()
					_ = n.stepDownLocked(resp.Term)
					n.mu.Unlock()
					return
				}
				first = false
				offset += int64(nRead)
			}
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				level.Error(n.logger).Log("msg", "failed reading snapshot data file", "file", f.Name(), "err", readErr)
				return
			}
		}
	}

	resp, err := n.transport.SendInstallSnapshot(peer, &InstallSnapshot{
		Term:     term,
		LeaderId: leaderId,
		Meta:     meta,
		IsFirst:  first,
		IsLast:   true,
	})
	if err != nil {
		level.Debug(n.logger).Log("msg", "InstallSnapshot completion RPC failed", "peer", peerId, "err", err)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if resp.Term > n.currentTerm {
		_ = n.stepDownLocked(resp.Term)
		return
	}
	if n.role != LEADER || n.replicatorGen != gen {
		return
	}
	if resp.Result == SUCCESS {
		if pp, ok := n.peerProgress[peerId]; ok {
			pp.MatchIndex = meta.LastIncludedIndex
			pp.NextIndex = meta.LastIncludedIndex + 1
		}
		n.triggerReplicationLocked(peerId)
	}
}

// HandleInstallSnapshot answers one chunk of an InstallSnapshot transfer.
// Chunks for the current transfer are written
// directly into a staging directory; IsLast promotes it to the current
// snapshot, restores the state machine from it, and truncates the log
// prefix up to the snapshot boundary.
func (n *ConsensusNode) HandleInstallSnapshot(rpc *InstallSnapshot) (*InstallSnapshotResponse, error) {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return nil, errNodeStopped
	}
	if rpc.Term < n.currentTerm {
		resp := &InstallSnapshotResponse{Term: n.currentTerm, Result: FAIL}
		n.mu.Unlock()
		return resp, nil
	}
	if rpc.Term > n.currentTerm {
		if err := n.stepDownLocked(rpc.Term); err != nil {
			n.mu.Unlock()
			return nil, err
		}
	}
	n.leaderId = rpc.LeaderId
	n.lastLeaderContact = time.Now()
	n.resetElectionTimerLocked(n.lastLeaderContact)

	if rpc.IsFirst {
		if n.installStagingDir != "" {
			// A previous transfer was abandoned mid-stream (the leader retries
			// from the first chunk); reuse the install slot we still hold.
			old := n.installStagingDir
			n.installStagingDir = ""
			_ = n.snapshots.DiscardStagingDir(old)
		} else if !n.snapshots.TryBeginInstallingSnapshot() {
			n.mu.Unlock()
			return &InstallSnapshotResponse{Term: n.currentTerm, Result: FAIL}, nil
		}
		dir, err := n.snapshots.NewStagingDir()
		if err != nil {
			n.snapshots.EndInstallingSnapshot()
			n.mu.Unlock()
			return nil, err
		}
		n.installStagingDir = dir
	}
	stagingDir := n.installStagingDir
	n.mu.Unlock()

	if stagingDir == "" {
		return &InstallSnapshotResponse{Term: rpc.Term, Result: FAIL}, nil
	}

	if rpc.FileName != "" && len(rpc.Data) > 0 {
		if err := writeSnapshotChunk(stagingDir, rpc.FileName, rpc.Offset, rpc.Data); err != nil {
			level.Error(n.logger).Log("msg", "failed writing received snapshot chunk", "err", err)
			n.abortSnapshotInstall(stagingDir)
			return nil, err
		}
	}

	if !rpc.IsLast {
		n.mu.Lock()
		term := n.currentTerm
		n.mu.Unlock()
		return &InstallSnapshotResponse{Term: term, Result: SUCCESS}, nil
	}

	// Let any Apply that started before the transfer finish; ReadSnapshot
	// must not run concurrently with it. New applies are already paused by
	// installStagingDir being set.
	n.mu.Lock()
	for n.applyBusy && !n.stopped {
		n.commitIndexCV.Wait()
	}
	if n.stopped {
		n.mu.Unlock()
		return nil, errNodeStopped
	}
	n.mu.Unlock()

	if err := n.sm.ReadSnapshot(stagingDir); err != nil {
		level.Error(n.logger).Log("msg", "failed to load received snapshot into state machine", "err", err)
		n.abortSnapshotInstall(stagingDir)
		return nil, err
	}
	if err := n.snapshots.PromoteStagingDir(stagingDir, rpc.Meta); err != nil {
		level.Error(n.logger).Log("msg", "failed to promote received snapshot", "err", err)
		n.abortSnapshotInstall(stagingDir)
		return nil, err
	}

	n.mu.Lock()
	n.installStagingDir = ""
	n.snapshots.EndInstallingSnapshot()
	n.snapshotMeta = rpc.Meta
	if rpc.Meta.LastIncludedIndex > n.lastApplied {
		n.lastApplied = rpc.Meta.LastIncludedIndex
	}
	if rpc.Meta.LastIncludedIndex > n.log.CommitIndex() {
		// Everything a snapshot covers is committed by definition.
		newCommit := rpc.Meta.LastIncludedIndex
		if err := n.log.UpdateMeta(MetaUpdate{CommitIndex: &newCommit}); err != nil {
			level.Error(n.logger).Log("msg", "failed to persist commit index after snapshot install", "err", err)
		}
	}
	newConfig, err := NewConfiguration(rpc.Meta.Peers, n.id)
	if err == nil {
		n.config = newConfig
	}
	term := n.currentTerm
	n.commitIndexCV.Broadcast() // resume the paused apply loop
	n.mu.Unlock()

	if err := n.log.TruncatePrefix(rpc.Meta.LastIncludedIndex + 1); err != nil {
		level.Error(n.logger).Log("msg", "failed to truncate log after installing snapshot", "err", err)
	}

	return &InstallSnapshotResponse{Term: term, Result: SUCCESS}, nil
}

// abortSnapshotInstall discards the staging directory of a failed install
// and releases the install slot, leaving the prior snapshot authoritative.
func (n *ConsensusNode) abortSnapshotInstall(stagingDir string) {
	n.mu.Lock()
	n.installStagingDir = ""
	n.snapshots.EndInstallingSnapshot()
	n.commitIndexCV.Broadcast() // resume the paused apply loop
	n.mu.Unlock()
	_ = n.snapshots.DiscardStagingDir(stagingDir)
}

// writeSnapshotChunk writes data at offset within stagingDir/data/fileName
// (fileName is relative to the sender's data tree), creating parent
// directories as needed.
func writeSnapshotChunk(stagingDir, fileName string, offset int64, data []byte) error {
	path := filepath.Join(stagingDir, "data", filepath.Clean(fileName))
	if !strings.HasPrefix(path, filepath.Clean(stagingDir)+string(filepath.Separator)) {
		return fmt.Errorf("raft: snapshot chunk file name escapes staging dir: %q", fileName)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteAt(data, offset); err != nil {
		return err
	}
	return nil
}
