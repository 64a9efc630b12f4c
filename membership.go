package raft

import "sort"

// MembershipConfig is the effective cluster membership. Outside of a
// membership change it holds a single node set. While a change is in
// flight it holds the joint pair (members, membersAfterConsensus) and
// quorum-dependent decisions must be satisfied in both sets independently.
type MembershipConfig struct {
	// Members is the current node set.
	Members map[NodeID]struct{}

	// MembersAfterConsensus is the target node set of an in-flight
	// membership change. Nil when the membership is uniform.
	MembersAfterConsensus map[NodeID]struct{}
}

// NewMembershipConfig creates a uniform membership containing the
// provided nodes.
func NewMembershipConfig(ids ...NodeID) MembershipConfig {
	members := make(map[NodeID]struct{}, len(ids))
	for _, id := range ids {
		members[id] = struct{}{}
	}
	return MembershipConfig{Members: members}
}

// IsInJointConsensus reports whether a membership change is in flight.
func (c MembershipConfig) IsInJointConsensus() bool {
	return c.MembersAfterConsensus != nil
}

// AllNodes returns the union of all constituent node sets.
func (c MembershipConfig) AllNodes() map[NodeID]struct{} {
	all := make(map[NodeID]struct{}, len(c.Members)+len(c.MembersAfterConsensus))
	for id := range c.Members {
		all[id] = struct{}{}
	}
	for id := range c.MembersAfterConsensus {
		all[id] = struct{}{}
	}
	return all
}

// Contains reports whether the node is a member of any constituent set.
func (c MembershipConfig) Contains(id NodeID) bool {
	if _, ok := c.Members[id]; ok {
		return true
	}
	_, ok := c.MembersAfterConsensus[id]
	return ok
}

// GreatestMajorityValue returns the largest value v such that, in every
// constituent set of the membership, a strict majority of that set's
// members have values[id] >= v. Nodes absent from values do not count
// towards any quorum. The second return value is false if the values
// cannot satisfy the quorums.
func (c MembershipConfig) GreatestMajorityValue(values map[NodeID]uint64) (uint64, bool) {
	greatest, ok := majorityValue(c.Members, values)
	if !ok {
		return 0, false
	}

	if c.MembersAfterConsensus != nil {
		next, ok := majorityValue(c.MembersAfterConsensus, values)
		if !ok {
			return 0, false
		}
		if next < greatest {
			greatest = next
		}
	}

	return greatest, true
}

// majorityValue returns the largest value held by a strict majority of
// the provided node set.
func majorityValue(set map[NodeID]struct{}, values map[NodeID]uint64) (uint64, bool) {
	present := make([]uint64, 0, len(set))
	for id := range set {
		if value, ok := values[id]; ok {
			present = append(present, value)
		}
	}

	majority := len(set)/2 + 1
	if len(present) < majority {
		return 0, false
	}

	sort.Slice(present, func(i, j int) bool { return present[i] > present[j] })

	return present[majority-1], true
}
