package raft

import (
	"fmt"
	"time"
)

// ReplicationState is the leader's record of one peer, including
// non-voters.
type ReplicationState struct {
	// Matched is the highest LogID known to be stored on the peer.
	// It increments monotonically.
	Matched LogID

	// The handle of the peer's replication stream.
	stream *replicationStream

	// tx is the reply slot of a pending AddNonVoter call, resolved when
	// the peer reaches line rate.
	tx chan AddNonVoterResult

	// removeSince is the deadline after which a replaced peer's stream
	// may be dropped. Nil unless the peer is being demoted.
	removeSince *time.Time
}

// send delivers an event to the peer's replication stream without
// blocking. Failures to send are ignored; the stream task will observe
// closure or catch up through another path.
func (r *ReplicationState) send(event RaftEvent) {
	select {
	case r.stream.commands <- event:
	default:
	}
}

// spawnReplicationStream starts a new replication stream for the target
// and returns its replication state handle.
func (l *LeaderCore) spawnReplicationStream(
	target NodeID,
	callerTx chan AddNonVoterResult,
) *ReplicationState {
	stream := &replicationStream{
		id:                l.id,
		target:            target,
		term:              l.currentTerm,
		network:           l.network,
		log:               l.log,
		logger:            l.options.logger,
		heartbeatInterval: l.options.heartbeatInterval,
		maxEntriesPerRPC:  l.options.maxEntriesPerRPC,
		commands:          make(chan RaftEvent, 64),
		events:            l.events,
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
		commitIndex:       l.commitIndex,
		nextIndex:         l.lastLogID.Index + 1,
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		stream.run()
	}()

	return &ReplicationState{stream: stream, tx: callerTx}
}

// handleReplicaEvent processes a single event coming from one of the
// replication streams. Handler errors are logged but do not abort other
// peers' progress.
func (l *LeaderCore) handleReplicaEvent(event ReplicaEvent) {
	var err error
	switch event := event.(type) {
	case RevertToFollowerEvent:
		err = l.handleRevertToFollower(event.Target, event.Term)
	case UpdateMatchedEvent:
		err = l.handleUpdateMatched(event.Target, event.Matched)
	case NeedsSnapshotEvent:
		err = l.handleNeedsSnapshot(event.Target, event.Reply)
	case snapshotDoneEvent:
		err = l.handleSnapshotDone(event)
	case ShutdownEvent:
		l.setState(Shutdown)
		return
	}

	if err != nil {
		l.options.logger.Errorf(
			"error while processing event from replication stream: error = %v",
			err,
		)
	}
}

// handleRevertToFollower steps the node down when a peer has observed a
// term greater than ours. Equal terms do not cause a step-down.
func (l *LeaderCore) handleRevertToFollower(target NodeID, term uint64) error {
	if term <= l.currentTerm {
		return nil
	}

	l.options.logger.Infof(
		"reverting to follower: target = %s, localTerm = %d, remoteTerm = %d",
		target,
		l.currentTerm,
		term,
	)

	l.currentTerm = term
	l.votedFor = ""
	if err := l.stateStorage.SetHardState(HardState{CurrentTerm: l.currentTerm}); err != nil {
		return l.mapStorageError(err)
	}
	l.knownLeader.Store(NodeID(""))
	l.setState(Follower)

	return nil
}

func (l *LeaderCore) handleUpdateMatched(target NodeID, matched LogID) error {
	// Update the target's match index & check if it is awaiting removal.
	state, ok := l.nodes[target]
	if !ok {
		// The peer was removed concurrently.
		return nil
	}

	l.options.logger.Debugf(
		"match updated: target = %s, matched = %s, previous = %s",
		target,
		matched,
		state.Matched,
	)

	if matched.Less(state.Matched) {
		panic(fmt.Sprintf(
			"matched must increment monotonically: target = %s, matched = %s, previous = %s",
			target,
			matched,
			state.Matched,
		))
	}

	state.Matched = matched

	// When adding a non-voter, the caller blocks until the replication
	// becomes line rate.
	if state.tx != nil && l.isLineRate(state) {
		state.tx <- AddNonVoterResult{Matched: state.Matched}
		state.tx = nil
	}

	// Drop the replication stream if needed.
	if !l.tryRemoveReplication(target) {
		l.updateLeaderMetrics(target, matched)
	}

	if matched.Index <= l.commitIndex {
		l.reportMetrics()
		return nil
	}

	l.maybeAdvanceCommit()
	l.reportMetrics()

	return nil
}

// isLineRate reports whether the peer's replication is within the
// configured lag of the leader's last log index. The predicate is
// evaluated fresh on every match update.
func (l *LeaderCore) isLineRate(state *ReplicationState) bool {
	var distance uint64
	if l.lastLogID.Index > state.Matched.Index {
		distance = l.lastLogID.Index - state.Matched.Index
	}
	return distance <= l.options.lineRateLag
}

// tryRemoveReplication drops the target's replication stream if the peer
// has been replaced, its removal deadline has passed, and it is no
// longer part of the membership.
func (l *LeaderCore) tryRemoveReplication(target NodeID) bool {
	state, ok := l.nodes[target]
	if !ok || state.removeSince == nil {
		return false
	}
	if l.membership.Contains(target) {
		state.removeSince = nil
		return false
	}
	if time.Now().Before(*state.removeSince) {
		return false
	}

	l.options.logger.Infof("removing replication stream: target = %s", target)

	state.stream.terminate()
	delete(l.nodes, target)
	delete(l.leaderMetrics.Replication, target)

	return true
}

func (l *LeaderCore) updateLeaderMetrics(target NodeID, matched LogID) {
	l.leaderMetrics.Replication[target] = ReplicationMetrics{Matched: matched}
}

// calcCommitIndex computes the largest index committable in the current
// term. Under joint consensus the quorum must be satisfied in both
// constituent sets independently.
func (l *LeaderCore) calcCommitIndex() uint64 {
	committed, ok := l.membership.GreatestMajorityValue(l.matchLogIndexes())
	if !ok {
		return l.commitIndex
	}
	return committed
}

// matchLogIndexes builds the per-node match index map consumed by the
// quorum computation. Nodes whose highest match is from a prior term are
// excluded, not mapped to zero: a leader commits previous-term entries
// only by counting a current-term entry on top of them.
func (l *LeaderCore) matchLogIndexes() map[NodeID]uint64 {
	values := make(map[NodeID]uint64)

	for id := range l.membership.AllNodes() {
		var matched LogID
		if id == l.id {
			matched = l.lastLogID
		} else if state, ok := l.nodes[id]; ok {
			matched = state.Matched
		}

		if matched.Term == l.currentTerm {
			values[id] = matched.Index
		}
	}

	return values
}

// handleNeedsSnapshot services a replication stream whose requested
// entries have been compacted out of the log.
func (l *LeaderCore) handleNeedsSnapshot(target NodeID, reply chan *Snapshot) error {
	threshold := l.options.snapshotPolicy.LogsSinceLast

	// Check for existence of a current snapshot.
	snapshot, err := l.snapshotStorage.LastSnapshot()
	if err != nil {
		return l.mapStorageError(err)
	}

	// If a snapshot exists and its distance from the leader's last log
	// index is within half of the configured threshold, serve it as is.
	if snapshot != nil &&
		snapshotIsWithinHalfOfThreshold(snapshot.Meta.LastLogID.Index, l.lastLogID.Index, threshold) {
		reply <- snapshot
		return nil
	}

	// If a snapshot build is already in progress, spawn a task that
	// awaits its completion and then drops the reply. The stream will
	// observe the closed channel and re-issue its request, which will
	// then find the finished snapshot above. Leaders never enter a
	// streaming-receive snapshot state.
	if l.snapshotState != nil {
		done := l.snapshotState.done
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			select {
			case <-done:
			case <-l.done:
			}
			close(reply)
		}()
		return nil
	}

	// Otherwise force a snapshot build and drop the reply so the stream
	// re-requests once the build completes.
	l.triggerLogCompaction(true)
	close(reply)
	return nil
}

// snapshotIsWithinHalfOfThreshold checks if the given snapshot is within
// half of the configured snapshot threshold of the last log index. The
// distance saturates at zero when the snapshot is ahead of the local
// last-log window during recovery.
func snapshotIsWithinHalfOfThreshold(snapshotLastIndex uint64, lastLogIndex uint64, threshold uint64) bool {
	var distance uint64
	if lastLogIndex > snapshotLastIndex {
		distance = lastLogIndex - snapshotLastIndex
	}
	return distance <= threshold/2
}
