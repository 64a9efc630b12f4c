package raft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGreatestMajorityValueSingleConfig(t *testing.T) {
	config := NewMembershipConfig("1", "2", "3")

	value, ok := config.GreatestMajorityValue(map[NodeID]uint64{"1": 10, "2": 10, "3": 8})
	require.True(t, ok)
	require.Equal(t, uint64(10), value)

	value, ok = config.GreatestMajorityValue(map[NodeID]uint64{"1": 10, "2": 7, "3": 8})
	require.True(t, ok)
	require.Equal(t, uint64(8), value)

	// A single value cannot form a 2-of-3 majority.
	_, ok = config.GreatestMajorityValue(map[NodeID]uint64{"1": 10})
	require.False(t, ok)

	_, ok = config.GreatestMajorityValue(nil)
	require.False(t, ok)
}

func TestGreatestMajorityValueJointConfig(t *testing.T) {
	config := MembershipConfig{
		Members:               map[NodeID]struct{}{"1": {}, "2": {}, "3": {}},
		MembersAfterConsensus: map[NodeID]struct{}{"4": {}, "5": {}, "6": {}},
	}

	// Both sets must have a majority; the result is the smaller of the
	// two majority values.
	value, ok := config.GreatestMajorityValue(map[NodeID]uint64{
		"1": 10, "2": 10, "3": 10,
		"4": 8, "5": 8, "6": 2,
	})
	require.True(t, ok)
	require.Equal(t, uint64(8), value)

	// A majority in only one set does not commit.
	_, ok = config.GreatestMajorityValue(map[NodeID]uint64{"1": 10, "2": 10, "3": 10})
	require.False(t, ok)

	// Overlapping sets count nodes in each set they belong to.
	overlapping := MembershipConfig{
		Members:               map[NodeID]struct{}{"1": {}, "2": {}, "3": {}},
		MembersAfterConsensus: map[NodeID]struct{}{"2": {}, "3": {}, "4": {}},
	}
	value, ok = overlapping.GreatestMajorityValue(map[NodeID]uint64{"2": 9, "3": 9})
	require.True(t, ok)
	require.Equal(t, uint64(9), value)
}

func TestAllNodes(t *testing.T) {
	config := MembershipConfig{
		Members:               map[NodeID]struct{}{"1": {}, "2": {}},
		MembersAfterConsensus: map[NodeID]struct{}{"2": {}, "3": {}},
	}

	all := config.AllNodes()
	require.Len(t, all, 3)
	require.Contains(t, all, NodeID("1"))
	require.Contains(t, all, NodeID("2"))
	require.Contains(t, all, NodeID("3"))

	require.True(t, config.Contains("3"))
	require.False(t, config.Contains("4"))
	require.True(t, config.IsInJointConsensus())
	require.False(t, NewMembershipConfig("1").IsInJointConsensus())
}
