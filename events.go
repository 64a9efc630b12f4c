package raft

// ReplicaEvent is an event sent from a replication stream to the leader
// loop. Events from a single stream are delivered in the order they were
// sent; ordering across streams is unspecified.
type ReplicaEvent interface {
	isReplicaEvent()
}

// UpdateMatchedEvent reports a new high-water mark for the target peer.
type UpdateMatchedEvent struct {
	// The peer that stored new entries.
	Target NodeID

	// The highest LogID known to be stored on the peer.
	Matched LogID
}

// RevertToFollowerEvent reports that the target peer observed a term
// greater than the leader's.
type RevertToFollowerEvent struct {
	// The peer that observed the greater term.
	Target NodeID

	// The term the peer observed.
	Term uint64
}

// NeedsSnapshotEvent reports that the entries requested by the target
// peer have been compacted out of the log and the peer needs a snapshot.
type NeedsSnapshotEvent struct {
	// The peer that needs the snapshot.
	Target NodeID

	// Reply receives the snapshot to send. It must be buffered with
	// capacity one. Closing it without a send tells the stream to
	// re-request later.
	Reply chan *Snapshot
}

// ShutdownEvent terminates the leader loop.
type ShutdownEvent struct{}

// snapshotDoneEvent is the internal completion notification of a
// detached snapshot build task.
type snapshotDoneEvent struct {
	snapshot *Snapshot
	err      error
}

func (UpdateMatchedEvent) isReplicaEvent()    {}
func (RevertToFollowerEvent) isReplicaEvent() {}
func (NeedsSnapshotEvent) isReplicaEvent()    {}
func (ShutdownEvent) isReplicaEvent()         {}
func (snapshotDoneEvent) isReplicaEvent()     {}

// RaftEvent is a command sent from the leader loop to a replication
// stream over its per-peer channel.
type RaftEvent interface {
	isRaftEvent()
}

// ReplicateEvent notifies a stream that new entries have been appended
// to the leader's log.
type ReplicateEvent struct {
	// The leader's last appended entry.
	LastLogID LogID

	// The leader's commit index.
	CommitIndex uint64
}

// UpdateCommitIndexEvent notifies a stream that the commit index has
// advanced.
type UpdateCommitIndexEvent struct {
	// The new commit index.
	CommitIndex uint64
}

func (ReplicateEvent) isRaftEvent()         {}
func (UpdateCommitIndexEvent) isRaftEvent() {}
