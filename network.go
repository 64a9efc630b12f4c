package raft

import "context"

// AppendEntriesRequest is a request to replicate log entries to a peer.
type AppendEntriesRequest struct {
	// The term of the leader.
	Term uint64

	// The ID of the leader.
	LeaderID NodeID

	// The index of the log entry immediately preceding the new ones.
	PrevLogIndex uint64

	// The term of the entry at PrevLogIndex.
	PrevLogTerm uint64

	// The log entries to store. Empty for heartbeats.
	Entries []*LogEntry

	// The commit index of the leader.
	LeaderCommit uint64
}

// AppendEntriesResponse is a peer's response to an AppendEntriesRequest.
type AppendEntriesResponse struct {
	// The current term of the peer.
	Term uint64

	// Whether the peer stored the entries.
	Success bool

	// On failure, a hint for the next index to try.
	Index uint64
}

// InstallSnapshotRequest is a request to install a chunk of a snapshot
// on a peer.
type InstallSnapshotRequest struct {
	// The term of the leader.
	Term uint64

	// The ID of the leader.
	LeaderID NodeID

	// The last log entry included in the snapshot.
	LastIncludedIndex uint64

	// The term of the last included entry.
	LastIncludedTerm uint64

	// The byte offset of this chunk within the snapshot.
	Offset int64

	// The chunk data.
	Bytes []byte

	// Whether this is the final chunk.
	Done bool
}

// InstallSnapshotResponse is a peer's response to an InstallSnapshotRequest.
type InstallSnapshotResponse struct {
	// The current term of the peer.
	Term uint64

	// The number of snapshot bytes the peer has written so far.
	BytesWritten int64
}

// Network sends RPCs to other nodes in the cluster. Implementations must
// be safe for concurrent use; each replication stream issues its own
// requests independently.
type Network interface {
	// AppendEntries sends an AppendEntries RPC to the target node.
	AppendEntries(ctx context.Context, target NodeID, request AppendEntriesRequest) (*AppendEntriesResponse, error)

	// InstallSnapshot sends an InstallSnapshot RPC to the target node.
	InstallSnapshot(ctx context.Context, target NodeID, request InstallSnapshotRequest) (*InstallSnapshotResponse, error)
}
