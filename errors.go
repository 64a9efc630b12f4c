package raft

import (
	"errors"
	"fmt"
	"io"
)

// NotLeaderError is returned when an operation is submitted to a node
// that is not the leader. Only the leader may accept operations.
type NotLeaderError struct {
	// The ID of the node the operation was submitted to.
	ServerID NodeID

	// The ID of the node that this node recognizes as the leader. Note
	// that this may not always be accurate.
	KnownLeader NodeID
}

// Error formats and returns an error message indicating that the node with
// the ID e.ServerID is not the leader, and the known leader is e.KnownLeader.
func (e NotLeaderError) Error() string {
	return fmt.Sprintf("server %s is not the leader: knownLeader = %s", e.ServerID, e.KnownLeader)
}

// isFatalStorageError reports whether a storage failure is unrecoverable.
// A storage that reports itself closed mid-flight, or whose contents
// failed to decode, cannot be retried; transient failures can be, by the
// peer re-issuing its request.
func isFatalStorageError(err error) bool {
	return errors.Is(err, errLogNotOpen) ||
		errors.Is(err, errStateStorageNotOpen) ||
		errors.Is(err, errSnapshotStoreNotOpen) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
