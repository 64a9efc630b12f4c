package raft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRevertToFollowerOnGreaterTerm(t *testing.T) {
	leader, _ := newTestLeader(t, "1", "2", "3")
	leader.currentTerm = 5
	leader.votedFor = "1"
	leader.state.Store(uint32(Leader))

	require.NoError(t, leader.handleRevertToFollower("2", 7))

	require.Equal(t, Follower, leader.State())
	require.Equal(t, uint64(7), leader.currentTerm)
	require.Equal(t, NodeID(""), leader.votedFor)

	// The new term is persisted before the role transition is observable.
	hardState, err := leader.stateStorage.HardState()
	require.NoError(t, err)
	require.Equal(t, HardState{CurrentTerm: 7}, hardState)
}

func TestNoStepDownOnEqualOrLesserTerm(t *testing.T) {
	leader, _ := newTestLeader(t, "1", "2", "3")
	leader.currentTerm = 5
	leader.votedFor = "1"
	leader.state.Store(uint32(Leader))

	require.NoError(t, leader.handleRevertToFollower("2", 5))
	require.Equal(t, Leader, leader.State())
	require.Equal(t, uint64(5), leader.currentTerm)

	require.NoError(t, leader.handleRevertToFollower("2", 3))
	require.Equal(t, Leader, leader.State())
	require.Equal(t, NodeID("1"), leader.votedFor)
}

func TestShutdownEventStopsProcessing(t *testing.T) {
	leader, _ := newTestLeader(t, "1", "2", "3")
	leader.state.Store(uint32(Leader))

	leader.handleReplicaEvent(ShutdownEvent{})

	require.Equal(t, Shutdown, leader.State())
}

func TestChangeMembershipJointFlow(t *testing.T) {
	leader, _ := newTestLeader(t, "1", "2", "3")
	leader.currentTerm = 1
	leader.state.Store(uint32(Leader))
	appendTestEntries(t, leader, 1)
	leader.nodes["2"] = stubReplicationState()
	leader.nodes["3"] = stubReplicationState()
	leader.nodes["4"] = stubReplicationState()

	tx := make(chan error, 1)
	leader.handleChangeMembership(changeMembershipRequest{
		members: []NodeID{"1", "2", "4"},
		tx:      tx,
	})

	// The joint configuration takes effect as soon as it is appended.
	require.True(t, leader.membership.IsInJointConsensus())
	require.Equal(t, NewLogID(1, 2), leader.lastLogID)
	require.Empty(t, tx)

	// Node 2 stores the joint entry: both the old majority {1,2} of
	// {1,2,3} and the new majority {1,2} of {1,2,4} hold it, so it
	// commits and the uniform configuration is appended.
	require.NoError(t, leader.handleUpdateMatched("2", NewLogID(1, 2)))
	require.Equal(t, uint64(2), leader.commitIndex)
	require.False(t, leader.membership.IsInJointConsensus())
	require.Equal(t, NewLogID(1, 3), leader.lastLogID)
	require.Empty(t, tx)

	// Committing the uniform configuration completes the change.
	require.NoError(t, leader.handleUpdateMatched("2", NewLogID(1, 3)))
	require.Equal(t, uint64(3), leader.commitIndex)

	select {
	case err := <-tx:
		require.NoError(t, err)
	default:
		t.Fatal("membership change was not resolved")
	}

	// The replaced node is marked for removal; the surviving ones are not.
	require.NotNil(t, leader.nodes["3"].removeSince)
	require.Nil(t, leader.nodes["2"].removeSince)
	require.Nil(t, leader.changeTx)
}

func TestChangeMembershipRejectsConcurrentChange(t *testing.T) {
	leader, _ := newTestLeader(t, "1", "2")
	leader.currentTerm = 1
	appendTestEntries(t, leader, 1)
	leader.nodes["2"] = stubReplicationState()
	leader.changeTx = make(chan error, 1)

	tx := make(chan error, 1)
	leader.handleChangeMembership(changeMembershipRequest{
		members: []NodeID{"1", "2", "3"},
		tx:      tx,
	})

	select {
	case err := <-tx:
		require.Error(t, err)
	default:
		t.Fatal("concurrent membership change was not rejected")
	}
}

func TestSubmitAppendsAndRegistersRequest(t *testing.T) {
	leader, _ := newTestLeader(t, "1", "2", "3")
	leader.currentTerm = 3
	appendTestEntries(t, leader, 3)
	leader.nodes["2"] = stubReplicationState()
	leader.nodes["3"] = stubReplicationState()

	tx := make(chan SubmitResult, 1)
	leader.handleSubmit(submitRequest{data: []byte("op"), tx: tx})

	require.Equal(t, NewLogID(3, 2), leader.lastLogID)
	require.Len(t, leader.awaitingCommitted, 1)
	require.Equal(t, uint64(2), leader.awaitingCommitted[0].entry.Index)

	// Streams are notified of the new entry.
	for id, state := range leader.nodes {
		select {
		case event := <-state.stream.commands:
			require.Equal(t, ReplicateEvent{LastLogID: NewLogID(3, 2)}, event)
		default:
			t.Fatalf("no replicate event sent to node %s", id)
		}
	}

	// A quorum has not stored the entry yet.
	require.Equal(t, uint64(0), leader.commitIndex)
	require.Empty(t, tx)
}
