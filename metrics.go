package raft

// ReplicationMetrics is the reported replication progress of one peer.
type ReplicationMetrics struct {
	// The highest LogID known to be stored on the peer.
	Matched LogID
}

// LeaderMetrics is a point-in-time report of the leader's state.
type LeaderMetrics struct {
	// The current term.
	Term uint64

	// The index of the leader's last appended entry.
	LastLogIndex uint64

	// The current commit index.
	CommitIndex uint64

	// Per-peer replication progress.
	Replication map[NodeID]ReplicationMetrics
}

// reportMetrics publishes a snapshot of the leader's metrics. The
// channel holds the latest report only; a stale unconsumed report is
// replaced rather than blocking the loop.
func (l *LeaderCore) reportMetrics() {
	replication := make(map[NodeID]ReplicationMetrics, len(l.leaderMetrics.Replication))
	for id, m := range l.leaderMetrics.Replication {
		replication[id] = m
	}

	metrics := LeaderMetrics{
		Term:         l.currentTerm,
		LastLogIndex: l.lastLogID.Index,
		CommitIndex:  l.commitIndex,
		Replication:  replication,
	}

	select {
	case l.metricsCh <- metrics:
	default:
		select {
		case <-l.metricsCh:
		default:
		}
		select {
		case l.metricsCh <- metrics:
		default:
		}
	}
}

// Metrics returns a channel carrying the most recent leader metrics
// report.
func (l *LeaderCore) Metrics() <-chan LeaderMetrics {
	return l.metricsCh
}
