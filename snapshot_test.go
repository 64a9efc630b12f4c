package raft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSnapshotIsWithinHalfOfThreshold(t *testing.T) {
	tests := []struct {
		name              string
		snapshotLastIndex uint64
		lastLogIndex      uint64
		threshold         uint64
		expected          bool
	}{
		{
			name:              "TrueWhenWithinHalfThreshold",
			snapshotLastIndex: 50,
			lastLogIndex:      100,
			threshold:         500,
			expected:          true,
		},
		{
			name:              "FalseWhenAboveHalfThreshold",
			snapshotLastIndex: 1,
			lastLogIndex:      500,
			threshold:         100,
			expected:          false,
		},
		{
			name:              "GuardsAgainstUnderflow",
			snapshotLastIndex: 200,
			lastLogIndex:      100,
			threshold:         500,
			expected:          true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := snapshotIsWithinHalfOfThreshold(
				test.snapshotLastIndex,
				test.lastLogIndex,
				test.threshold,
			)
			require.Equal(t, test.expected, result)
		})
	}
}

func TestNeedsSnapshotServesFreshSnapshot(t *testing.T) {
	leader, _ := newTestLeader(t, "1", "2")
	leader.currentTerm = 5
	leader.lastLogID = NewLogID(5, 150)
	leader.options.snapshotPolicy = SnapshotPolicy{LogsSinceLast: 100}

	snapshot := NewSnapshot(NewLogID(4, 120), []byte("state"))
	require.NoError(t, leader.snapshotStorage.SaveSnapshot(snapshot))

	reply := make(chan *Snapshot, 1)
	require.NoError(t, leader.handleNeedsSnapshot("2", reply))

	select {
	case received, ok := <-reply:
		require.True(t, ok)
		require.Equal(t, snapshot.Meta.ID, received.Meta.ID)
	default:
		t.Fatal("no snapshot was sent through the reply channel")
	}
	require.Nil(t, leader.snapshotState)
}

func TestNeedsSnapshotAttachesToInProgressBuild(t *testing.T) {
	leader, _ := newTestLeader(t, "1", "2")
	leader.currentTerm = 5
	leader.lastLogID = NewLogID(5, 500)
	leader.options.snapshotPolicy = SnapshotPolicy{LogsSinceLast: 100}

	stale := NewSnapshot(NewLogID(4, 100), []byte("state"))
	require.NoError(t, leader.snapshotStorage.SaveSnapshot(stale))

	build := &snapshotBuild{done: make(chan struct{})}
	leader.snapshotState = build

	reply := make(chan *Snapshot, 1)
	require.NoError(t, leader.handleNeedsSnapshot("2", reply))

	// The build is still running: the reply stays pending and the build
	// state is untouched.
	require.Same(t, build, leader.snapshotState)
	select {
	case <-reply:
		t.Fatal("reply resolved before the build completed")
	case <-time.After(50 * time.Millisecond):
	}

	// Completion drops the reply, telling the stream to re-request.
	close(build.done)
	select {
	case _, ok := <-reply:
		require.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("reply was not dropped after the build completed")
	}

	leader.wg.Wait()
}

func TestNeedsSnapshotTriggersBuild(t *testing.T) {
	leader, _ := newTestLeader(t, "1", "2")
	leader.currentTerm = 5
	leader.lastLogID = NewLogID(5, 500)
	leader.lastApplied = NewLogID(5, 400)
	leader.options.snapshotPolicy = SnapshotPolicy{LogsSinceLast: 100}

	reply := make(chan *Snapshot, 1)
	require.NoError(t, leader.handleNeedsSnapshot("2", reply))

	// The reply is dropped immediately and a build is started.
	_, ok := <-reply
	require.False(t, ok)
	require.NotNil(t, leader.snapshotState)

	// The detached task publishes its result as an event on the leader's
	// inbound channel.
	select {
	case event := <-leader.events:
		done, ok := event.(snapshotDoneEvent)
		require.True(t, ok)
		require.NoError(t, done.err)
		require.Equal(t, NewLogID(5, 400), done.snapshot.Meta.LastLogID)

		require.NoError(t, leader.handleSnapshotDone(done))
	case <-time.After(5 * time.Second):
		t.Fatal("snapshot build never completed")
	}

	require.Nil(t, leader.snapshotState)
	require.Equal(t, NewLogID(5, 400), leader.lastSnapshotLogID)

	saved, err := leader.snapshotStorage.LastSnapshot()
	require.NoError(t, err)
	require.NotNil(t, saved)
	require.Equal(t, NewLogID(5, 400), saved.Meta.LastLogID)

	leader.wg.Wait()
}

func TestSnapshotDoneCompactsLog(t *testing.T) {
	leader, _ := newTestLeader(t, "1", "2")
	leader.currentTerm = 5
	appendTestEntries(t, leader, 5, 5, 5, 5, 5)
	leader.lastApplied = NewLogID(5, 3)

	build := &snapshotBuild{done: make(chan struct{})}
	leader.snapshotState = build
	event := snapshotDoneEvent{snapshot: NewSnapshot(NewLogID(5, 3), []byte("state"))}

	require.NoError(t, leader.handleSnapshotDone(event))

	// Entries covered by the snapshot are gone; later ones remain.
	require.False(t, leader.log.Contains(3))
	require.True(t, leader.log.Contains(4))
	require.Equal(t, NewLogID(5, 3), leader.log.FirstID())

	// The completion broadcast fired.
	select {
	case <-build.done:
	default:
		t.Fatal("build completion was not broadcast")
	}
}

func TestTriggerLogCompactionRespectsPolicy(t *testing.T) {
	leader, _ := newTestLeader(t, "1", "2")
	leader.currentTerm = 5
	leader.lastApplied = NewLogID(5, 10)
	leader.lastSnapshotLogID = NewLogID(5, 8)
	leader.options.snapshotPolicy = SnapshotPolicy{LogsSinceLast: 100}

	// Distance below the policy threshold: no build.
	leader.triggerLogCompaction(false)
	require.Nil(t, leader.snapshotState)

	// Forcing overrides the threshold.
	leader.triggerLogCompaction(true)
	require.NotNil(t, leader.snapshotState)

	event := <-leader.events
	require.NoError(t, leader.handleSnapshotDone(event.(snapshotDoneEvent)))
	require.Nil(t, leader.snapshotState)

	// Nothing new applied since the last snapshot: even a forced
	// trigger has nothing to build.
	leader.triggerLogCompaction(true)
	require.Nil(t, leader.snapshotState)

	leader.wg.Wait()
}
