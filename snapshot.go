package raft

import "fmt"

// snapshotBuild tracks a detached snapshot build task. Its done channel
// is closed once the leader loop has handled the build's completion,
// whether or not the snapshot was saved; this is the broadcast that
// unblocks any streams waiting for a fresh snapshot.
type snapshotBuild struct {
	done chan struct{}
}

// triggerLogCompaction starts a detached snapshot build if one is due
// and none is in progress. The build serializes the state machine off
// the leader loop; saving the result and compacting the log happen back
// on the loop when the completion event arrives.
func (l *LeaderCore) triggerLogCompaction(force bool) {
	if l.snapshotState != nil {
		return
	}
	if l.lastApplied.Index <= l.lastSnapshotLogID.Index {
		return
	}
	if !force &&
		l.lastApplied.Index-l.lastSnapshotLogID.Index < l.options.snapshotPolicy.LogsSinceLast {
		return
	}

	appliedID := l.lastApplied
	build := &snapshotBuild{done: make(chan struct{})}
	l.snapshotState = build

	l.options.logger.Infof("starting to take snapshot: lastLogId = %s", appliedID)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		var event snapshotDoneEvent
		data, err := l.fsm.Snapshot()
		if err != nil {
			event.err = err
		} else {
			event.snapshot = NewSnapshot(appliedID, data)
		}

		select {
		case l.events <- event:
		case <-l.done:
		}
	}()
}

// handleSnapshotDone saves a finished snapshot, compacts the log behind
// it, and publishes completion to any waiting streams.
func (l *LeaderCore) handleSnapshotDone(event snapshotDoneEvent) error {
	build := l.snapshotState
	l.snapshotState = nil
	if build != nil {
		defer close(build.done)
	}

	if event.err != nil {
		return fmt.Errorf("failed to take snapshot of state machine: error = %v", event.err)
	}

	if err := l.snapshotStorage.SaveSnapshot(event.snapshot); err != nil {
		return l.mapStorageError(err)
	}
	l.lastSnapshotLogID = event.snapshot.Meta.LastLogID

	if l.log.Contains(l.lastSnapshotLogID.Index) {
		l.options.logger.Warnf("compacting log: logIndex = %d", l.lastSnapshotLogID.Index)
		if err := l.log.Compact(l.lastSnapshotLogID.Index); err != nil {
			return l.mapStorageError(err)
		}
	}

	l.options.logger.Infof(
		"snapshot taken successfully: lastLogId = %s",
		l.lastSnapshotLogID,
	)

	return nil
}
