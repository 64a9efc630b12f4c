package raft

import (
	"context"
	"errors"
	"time"

	"github.com/phughk/openraft/internal/util"
)

const snapshotChunkSize = 32 * 1024

const (
	rpcTimeout         = time.Duration(200 * time.Millisecond)
	snapshotRPCTimeout = 3 * rpcTimeout
)

// errStaleTerm indicates that a peer responded with a term greater than
// the stream's. The stream reports it to the leader and stops.
var errStaleTerm = errors.New("peer responded with a greater term")

// replicationStream is the long-lived task that replicates the log to a
// single peer. It owns its own send queue and back-off state; the leader
// loop communicates with it exclusively through channels.
type replicationStream struct {
	// The ID of the leader.
	id NodeID

	// The peer this stream replicates to.
	target NodeID

	// The term under which this stream was spawned. The stream never
	// outlives the term.
	term uint64

	network Network
	log     Log
	logger  Logger

	heartbeatInterval time.Duration
	maxEntriesPerRPC  int

	// commands carries events from the leader loop. The leader sends
	// non-blockingly; a dropped command is recovered by the next
	// heartbeat tick.
	commands chan RaftEvent

	// events carries replica events to the leader loop.
	events chan<- ReplicaEvent

	// stop is closed to terminate the stream.
	stop chan struct{}

	// done is closed when the stream's run loop has returned.
	done chan struct{}

	// The leader's commit index as last communicated to this stream.
	commitIndex uint64

	// The next log index to send to the peer.
	nextIndex uint64

	// The highest LogID known to be stored on the peer.
	matched LogID
}

func (s *replicationStream) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case event := <-s.commands:
			s.handleEvent(event)
		case <-ticker.C:
		}

		// Drain any queued commands so that a burst of appends results
		// in a single batched RPC.
	drain:
		for {
			select {
			case <-s.stop:
				return
			case event := <-s.commands:
				s.handleEvent(event)
			default:
				break drain
			}
		}

		if err := s.replicate(); err != nil {
			return
		}
	}
}

func (s *replicationStream) handleEvent(event RaftEvent) {
	switch event := event.(type) {
	case ReplicateEvent:
		s.commitIndex = util.Max(s.commitIndex, event.CommitIndex)
	case UpdateCommitIndexEvent:
		s.commitIndex = util.Max(s.commitIndex, event.CommitIndex)
	}
}

// replicate sends a single AppendEntries RPC to the peer, falling back to
// snapshot installation if the peer's next entry has been compacted away.
// It returns an error only when the stream must stop.
func (s *replicationStream) replicate() error {
	firstID := s.log.FirstID()

	if s.nextIndex <= firstID.Index {
		return s.installSnapshot()
	}

	prevLogIndex := s.nextIndex - 1
	prevLogTerm := firstID.Term
	if prevLogIndex > firstID.Index {
		prevEntry, err := s.log.GetEntry(prevLogIndex)
		if err != nil {
			// Compacted while preparing the request.
			return s.installSnapshot()
		}
		prevLogTerm = prevEntry.Term
	}

	entries := make([]*LogEntry, 0, s.maxEntriesPerRPC)
	end := util.Min(s.log.NextIndex(), s.nextIndex+uint64(s.maxEntriesPerRPC))
	for index := s.nextIndex; index < end; index++ {
		entry, err := s.log.GetEntry(index)
		if err != nil {
			return s.installSnapshot()
		}
		entries = append(entries, entry)
	}

	request := AppendEntriesRequest{
		Term:         s.term,
		LeaderID:     s.id,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		LeaderCommit: s.commitIndex,
	}

	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	response, err := s.network.AppendEntries(ctx, s.target, request)
	cancel()
	if err != nil {
		s.logger.Debugf(
			"failed to send AppendEntries RPC: target = %s, error = %v",
			s.target,
			err,
		)
		return nil
	}

	// A peer with a more up-to-date term means this node is no longer
	// the legitimate leader.
	if response.Term > s.term {
		s.sendEvent(RevertToFollowerEvent{Target: s.target, Term: response.Term})
		return errStaleTerm
	}

	if !response.Success {
		s.nextIndex = util.Max(1, response.Index)
		return nil
	}

	matched := LogID{Term: prevLogTerm, Index: prevLogIndex}
	if len(entries) > 0 {
		matched = entries[len(entries)-1].LogID()
	}
	if s.matched.Less(matched) {
		s.matched = matched
		s.nextIndex = matched.Index + 1
		s.sendEvent(UpdateMatchedEvent{Target: s.target, Matched: matched})
	}

	return nil
}

// installSnapshot asks the leader for the current snapshot and streams it
// to the peer in chunks. If the leader drops the request, the stream
// retries on a later tick.
func (s *replicationStream) installSnapshot() error {
	reply := make(chan *Snapshot, 1)
	s.sendEvent(NeedsSnapshotEvent{Target: s.target, Reply: reply})

	var snapshot *Snapshot
	select {
	case <-s.stop:
		return nil
	case received, ok := <-reply:
		if !ok {
			// No snapshot available yet; re-request later.
			return nil
		}
		snapshot = received
	}

	s.logger.Infof(
		"sending snapshot: target = %s, lastLogId = %s",
		s.target,
		snapshot.Meta.LastLogID,
	)

	var offset int64
	for {
		select {
		case <-s.stop:
			return nil
		default:
		}

		chunkEnd := util.Min(offset+snapshotChunkSize, int64(len(snapshot.Data)))
		request := InstallSnapshotRequest{
			Term:              s.term,
			LeaderID:          s.id,
			LastIncludedIndex: snapshot.Meta.LastLogID.Index,
			LastIncludedTerm:  snapshot.Meta.LastLogID.Term,
			Offset:            offset,
			Bytes:             snapshot.Data[offset:chunkEnd],
			Done:              chunkEnd == int64(len(snapshot.Data)),
		}

		ctx, cancel := context.WithTimeout(context.Background(), snapshotRPCTimeout)
		response, err := s.network.InstallSnapshot(ctx, s.target, request)
		cancel()
		if err != nil {
			s.logger.Debugf(
				"failed to send InstallSnapshot RPC: target = %s, error = %v",
				s.target,
				err,
			)
			return nil
		}

		if response.Term > s.term {
			s.sendEvent(RevertToFollowerEvent{Target: s.target, Term: response.Term})
			return errStaleTerm
		}

		// The peer is either missing part of the snapshot or already has
		// this part. Resume from the peer's offset.
		if response.BytesWritten != chunkEnd {
			offset = response.BytesWritten
			continue
		}

		if request.Done {
			break
		}
		offset = chunkEnd
	}

	matched := snapshot.Meta.LastLogID
	if s.matched.Less(matched) {
		s.matched = matched
		s.nextIndex = matched.Index + 1
		s.sendEvent(UpdateMatchedEvent{Target: s.target, Matched: matched})
	}

	return nil
}

// sendEvent delivers an event to the leader loop, giving up if the
// stream is terminated first.
func (s *replicationStream) sendEvent(event ReplicaEvent) {
	select {
	case s.events <- event:
	case <-s.stop:
	}
}

// terminate stops the stream. It must be called at most once.
func (s *replicationStream) terminate() {
	close(s.stop)
}
