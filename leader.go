package raft

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phughk/openraft/internal/logger"
)

// State represents the current state of a node.
type State uint32

const (
	// Leader is a state indicating that the node is responsible for
	// replicating and committing log entries.
	Leader State = iota

	// Follower is a state indicating that the node accepts entries
	// replicated by the leader. A node in the follower state may not
	// accept operations for replication.
	Follower

	// Shutdown is a state indicating that the node is offline.
	Shutdown
)

// String converts a State into a string.
func (s State) String() string {
	switch s {
	case Leader:
		return "leader"
	case Follower:
		return "follower"
	case Shutdown:
		return "shutdown"
	default:
		panic("invalid state")
	}
}

// SubmitResult is the outcome of a submitted operation. The result is
// delivered once the operation's entry commits and has been applied to
// the state machine.
type SubmitResult struct {
	// The LogID of the entry that carried the operation.
	LogID LogID

	// The response produced by the state machine.
	Response interface{}

	// The error, if the operation could not be replicated.
	Err error
}

// AddNonVoterResult is the outcome of adding a non-voter. The result is
// delivered once replication to the new node reaches line rate.
type AddNonVoterResult struct {
	// The highest LogID known to be stored on the new node.
	Matched LogID

	// The error, if the node could not be added.
	Err error
}

// clientRequest is a locally appended entry whose caller is blocked
// until the entry commits.
type clientRequest struct {
	entry *LogEntry
	tx    chan SubmitResult
}

type submitRequest struct {
	data []byte
	tx   chan SubmitResult
}

type addNonVoterRequest struct {
	target NodeID
	tx     chan AddNonVoterResult
}

type changeMembershipRequest struct {
	members []NodeID
	tx      chan error
}

// LeaderCore is the leader-side replication and commit core. All of its
// mutable state is owned by a single loop goroutine; replication streams
// and public methods communicate with the loop exclusively through
// channels.
type LeaderCore struct {
	// The ID of this node.
	id NodeID

	// The ID of the node this node last recognized as leader. Cleared
	// when a greater term is observed. Read from caller goroutines, so
	// it is stored atomically.
	knownLeader atomic.Value

	// The configuration options for this node.
	options options

	// The network transport used by the replication streams.
	network Network

	// The state machine provided by the client that operations will be
	// applied to.
	fsm StateMachine

	log             Log
	stateStorage    StateStorage
	snapshotStorage SnapshotStorage

	// The effective membership. Joint while a membership change is in
	// flight.
	membership MembershipConfig

	// Maps ID to the replication state of every non-self node the
	// leader is replicating to, including non-voters.
	nodes map[NodeID]*ReplicationState

	// The current term. Must be persisted.
	currentTerm uint64

	// The ID of the candidate this node voted for. Must be persisted.
	votedFor NodeID

	// The leader's last locally appended entry.
	lastLogID LogID

	// Index of the last log entry that was committed. Only grows for
	// the lifetime of the leader; it is reconstructed on start-up and
	// never persisted by this core.
	commitIndex uint64

	// The last entry applied to the state machine.
	lastApplied LogID

	// The last log entry covered by a snapshot.
	lastSnapshotLogID LogID

	// Non-nil while a detached snapshot build task is alive.
	snapshotState *snapshotBuild

	// Requests whose local log append succeeded and whose callers are
	// blocked until commit, in ascending index order.
	awaitingCommitted []*clientRequest

	// The reply slot of an in-flight membership change.
	changeTx chan error

	leaderMetrics LeaderMetrics
	metricsCh     chan LeaderMetrics

	// events is the single inbound channel of the leader loop.
	events chan ReplicaEvent

	// requests funnels public API calls into the leader loop.
	requests chan interface{}

	// done is closed when the leader loop has terminated.
	done chan struct{}

	state atomic.Uint32

	wg sync.WaitGroup
}

// NewLeaderCore creates a new LeaderCore with the provided ID and
// configuration options. The members must contain the IDs of all voting
// nodes in the cluster, including this one. The dataPath is the top
// level directory where state for this node will be persisted.
func NewLeaderCore(
	id NodeID,
	members []NodeID,
	fsm StateMachine,
	network Network,
	dataPath string,
	opts ...Option,
) (*LeaderCore, error) {
	// Apply provided options.
	var options options
	for _, opt := range opts {
		if err := opt(&options); err != nil {
			return nil, err
		}
	}

	// Set default values if option not provided.
	if options.logger == nil {
		defaultLogger, err := logger.NewLogger()
		if err != nil {
			return nil, err
		}
		options.logger = defaultLogger
	}
	if options.heartbeatInterval == 0 {
		options.heartbeatInterval = defaultHeartbeat
	}
	if options.maxEntriesPerRPC == 0 {
		options.maxEntriesPerRPC = defaultMaxEntriesPerRPC
	}
	if options.lineRateLag == 0 {
		options.lineRateLag = defaultLineRateLag
	}
	if options.removeAfter == 0 {
		options.removeAfter = defaultRemoveAfter
	}
	if options.snapshotPolicy.LogsSinceLast == 0 {
		options.snapshotPolicy = SnapshotPolicy{LogsSinceLast: defaultLogsSinceLast}
	}
	if options.log == nil {
		options.log = NewLog(dataPath)
	}
	if options.stateStorage == nil {
		options.stateStorage = NewStateStorage(dataPath)
	}
	if options.snapshotStorage == nil {
		options.snapshotStorage = NewSnapshotStorage(dataPath)
	}

	membership := NewMembershipConfig(members...)
	if !membership.Contains(id) {
		return nil, fmt.Errorf("members must contain this node: id = %s", id)
	}

	l := &LeaderCore{
		id:              id,
		options:         options,
		network:         network,
		fsm:             fsm,
		log:             options.log,
		stateStorage:    options.stateStorage,
		snapshotStorage: options.snapshotStorage,
		membership:      membership,
		nodes:           make(map[NodeID]*ReplicationState),
		leaderMetrics:   LeaderMetrics{Replication: make(map[NodeID]ReplicationMetrics)},
		metricsCh:       make(chan LeaderMetrics, 1),
		events:          make(chan ReplicaEvent, 64),
		requests:        make(chan interface{}, 16),
		done:            make(chan struct{}),
	}
	l.state.Store(uint32(Shutdown))

	return l, nil
}

// Start recovers persisted state and enters the leader role for a fresh
// term. The caller is responsible for having won the election for that
// term; this core does not campaign.
func (l *LeaderCore) Start() error {
	if l.State() != Shutdown {
		return nil
	}

	if err := l.openStorage(); err != nil {
		return err
	}

	// Restore the current term and vote if they have been persisted.
	hardState, err := l.stateStorage.HardState()
	if err != nil {
		return err
	}

	// Entering the leader role begins a new term with this node as the
	// recorded vote.
	l.currentTerm = hardState.CurrentTerm + 1
	l.votedFor = l.id
	if err := l.stateStorage.SetHardState(HardState{CurrentTerm: l.currentTerm, VotedFor: l.votedFor}); err != nil {
		return err
	}
	l.knownLeader.Store(l.id)

	l.lastLogID = l.log.LastID()

	// Restore the state machine from the most recent snapshot if there
	// is one. The commit index is reconstructed from the snapshot; it is
	// re-established past that point as current-term entries replicate.
	snapshot, err := l.snapshotStorage.LastSnapshot()
	if err != nil {
		return err
	}
	if snapshot != nil {
		if err := l.fsm.Restore(snapshot); err != nil {
			return fmt.Errorf("failed to restore state machine with snapshot: error = %v", err)
		}
		l.lastSnapshotLogID = snapshot.Meta.LastLogID
		l.commitIndex = snapshot.Meta.LastLogID.Index
		l.lastApplied = snapshot.Meta.LastLogID
	}

	l.state.Store(uint32(Leader))

	// Spawn a replication stream for every other member.
	for id := range l.membership.AllNodes() {
		if id == l.id {
			continue
		}
		l.nodes[id] = l.spawnReplicationStream(id, nil)
	}

	// Append a no-op entry for the new term. Entries from prior terms
	// become committable only once this entry replicates to a quorum.
	noop := NewLogEntry(l.log.NextIndex(), l.currentTerm, make([]byte, 0), NoOpEntry)
	if err := l.log.AppendEntry(noop); err != nil {
		return err
	}
	l.lastLogID = noop.LogID()
	l.broadcastReplicate()

	// A single-voter cluster is its own quorum.
	l.maybeAdvanceCommit()

	l.wg.Add(1)
	go l.run()

	l.options.logger.Infof(
		"leader started: id = %s, term = %d, lastLogId = %s",
		l.id,
		l.currentTerm,
		l.lastLogID,
	)

	return nil
}

// Stop stops the leader core if it is not already stopped.
func (l *LeaderCore) Stop() {
	if l.State() != Shutdown {
		select {
		case l.events <- ShutdownEvent{}:
		case <-l.done:
		}
	}

	l.wg.Wait()
	l.state.Store(uint32(Shutdown))

	if err := l.log.Close(); err != nil {
		l.options.logger.Errorf("failed to close log: error = %v", err)
	}
	if err := l.stateStorage.Close(); err != nil {
		l.options.logger.Errorf("failed to close state storage: error = %v", err)
	}
	if err := l.snapshotStorage.Close(); err != nil {
		l.options.logger.Errorf("failed to close snapshot storage: error = %v", err)
	}

	l.options.logger.Info("leader stopped")
}

// State returns the current state of the node.
func (l *LeaderCore) State() State {
	return State(l.state.Load())
}

// KnownLeader returns the ID of the node this node recognizes as the
// leader. Empty if unknown.
func (l *LeaderCore) KnownLeader() NodeID {
	if id, ok := l.knownLeader.Load().(NodeID); ok {
		return id
	}
	return ""
}

func (l *LeaderCore) setState(state State) {
	l.state.Store(uint32(state))
}

// Submit accepts an operation from a client for replication. The
// returned channel delivers the response once the operation has been
// committed and applied to the state machine, and is closed without a
// value if leadership is lost first.
func (l *LeaderCore) Submit(operation []byte) <-chan SubmitResult {
	tx := make(chan SubmitResult, 1)
	request := submitRequest{data: operation, tx: tx}
	if !l.sendRequest(request) {
		tx <- SubmitResult{Err: NotLeaderError{ServerID: l.id, KnownLeader: l.KnownLeader()}}
	}
	return tx
}

// AddNonVoter adds a node to the cluster as a non-voter and starts
// replicating to it. The returned channel delivers a result once the
// node's replication reaches line rate, and is closed without a value
// if leadership is lost first.
func (l *LeaderCore) AddNonVoter(target NodeID) <-chan AddNonVoterResult {
	tx := make(chan AddNonVoterResult, 1)
	request := addNonVoterRequest{target: target, tx: tx}
	if !l.sendRequest(request) {
		tx <- AddNonVoterResult{Err: NotLeaderError{ServerID: l.id, KnownLeader: l.KnownLeader()}}
	}
	return tx
}

// ChangeMembership replaces the cluster's voting membership with the
// provided node set using joint consensus. The returned channel
// delivers nil once the uniform configuration has committed, and is
// closed without a value if leadership is lost first.
func (l *LeaderCore) ChangeMembership(members []NodeID) <-chan error {
	tx := make(chan error, 1)
	request := changeMembershipRequest{members: members, tx: tx}
	if !l.sendRequest(request) {
		tx <- NotLeaderError{ServerID: l.id, KnownLeader: l.KnownLeader()}
	}
	return tx
}

func (l *LeaderCore) sendRequest(request interface{}) bool {
	if l.State() != Leader {
		return false
	}
	select {
	case l.requests <- request:
		return true
	case <-l.done:
		return false
	}
}

// run drains the leader's inbound channels until the node leaves the
// leader state, then tears down replication and fails pending callers.
func (l *LeaderCore) run() {
	defer l.wg.Done()

	for l.State() == Leader {
		select {
		case event := <-l.events:
			l.handleReplicaEvent(event)
		case request := <-l.requests:
			l.handleRequest(request)
		}
	}

	l.shutdownReplication()
	l.failPending()
	close(l.done)
}

func (l *LeaderCore) handleRequest(request interface{}) {
	switch request := request.(type) {
	case submitRequest:
		l.handleSubmit(request)
	case addNonVoterRequest:
		l.handleAddNonVoter(request)
	case changeMembershipRequest:
		l.handleChangeMembership(request)
	}
}

func (l *LeaderCore) handleSubmit(request submitRequest) {
	entry := NewLogEntry(l.log.NextIndex(), l.currentTerm, request.data, OperationEntry)
	if err := l.log.AppendEntry(entry); err != nil {
		l.mapStorageError(err)
		request.tx <- SubmitResult{Err: err}
		return
	}
	l.lastLogID = entry.LogID()
	l.awaitingCommitted = append(l.awaitingCommitted, &clientRequest{entry: entry, tx: request.tx})

	l.options.logger.Debugf(
		"operation submitted: logIndex = %d, logTerm = %d",
		entry.Index,
		entry.Term,
	)

	l.broadcastReplicate()
	l.maybeAdvanceCommit()
	l.reportMetrics()
}

func (l *LeaderCore) handleAddNonVoter(request addNonVoterRequest) {
	if request.target == l.id {
		request.tx <- AddNonVoterResult{
			Err: fmt.Errorf("cannot add this node as a non-voter: id = %s", l.id),
		}
		return
	}
	if state, ok := l.nodes[request.target]; ok {
		if state.tx != nil {
			request.tx <- AddNonVoterResult{
				Err: fmt.Errorf("node is already being added: target = %s", request.target),
			}
			return
		}
		if l.isLineRate(state) {
			request.tx <- AddNonVoterResult{Matched: state.Matched}
			return
		}
		state.tx = request.tx
		return
	}

	l.nodes[request.target] = l.spawnReplicationStream(request.target, request.tx)

	l.options.logger.Infof("non-voter added: target = %s", request.target)
}

func (l *LeaderCore) handleChangeMembership(request changeMembershipRequest) {
	if l.changeTx != nil {
		request.tx <- fmt.Errorf("a membership change is already in progress")
		return
	}
	if len(request.members) == 0 {
		request.tx <- fmt.Errorf("membership must not be empty")
		return
	}

	next := make(map[NodeID]struct{}, len(request.members))
	for _, id := range request.members {
		next[id] = struct{}{}
	}

	// Replication to new members starts immediately; they count towards
	// the joint quorum as soon as they hold current-term entries.
	for id := range next {
		if id == l.id {
			continue
		}
		if _, ok := l.nodes[id]; !ok {
			l.nodes[id] = l.spawnReplicationStream(id, nil)
		}
	}

	joint := MembershipConfig{
		Members:               l.membership.Members,
		MembersAfterConsensus: next,
	}

	l.changeTx = request.tx
	if err := l.appendMembershipEntry(joint); err != nil {
		l.changeTx = nil
		request.tx <- err
	}
}

// appendMembershipEntry appends a configuration entry to the log. The
// configuration takes effect as soon as it is appended, not when it
// commits.
func (l *LeaderCore) appendMembershipEntry(config MembershipConfig) error {
	entry := NewLogEntry(l.log.NextIndex(), l.currentTerm, marshalMembership(config), ConfigEntry)
	if err := l.log.AppendEntry(entry); err != nil {
		return l.mapStorageError(err)
	}
	l.membership = config
	l.lastLogID = entry.LogID()

	l.options.logger.Infof(
		"membership entry appended: logIndex = %d, joint = %v",
		entry.Index,
		config.IsInJointConsensus(),
	)

	l.broadcastReplicate()
	l.maybeAdvanceCommit()
	return nil
}

// broadcastReplicate notifies every replication stream that new entries
// are available. Failures to send are ignored; a stream that misses the
// notification catches up on its next heartbeat tick.
func (l *LeaderCore) broadcastReplicate() {
	for _, state := range l.nodes {
		state.send(ReplicateEvent{LastLogID: l.lastLogID, CommitIndex: l.commitIndex})
	}
}

// maybeAdvanceCommit recomputes the commit index and, if it advanced,
// broadcasts it and drains newly committed requests. Apart from the seed
// taken from the snapshot in Start, this is the only place commitIndex is
// written.
func (l *LeaderCore) maybeAdvanceCommit() {
	commitIndex := l.calcCommitIndex()
	if commitIndex <= l.commitIndex {
		return
	}

	l.options.logger.Debugf(
		"updating commit index: currentCommitIndex = %d, newCommitIndex = %d",
		l.commitIndex,
		commitIndex,
	)
	l.commitIndex = commitIndex

	// Update all replication streams based on the new commit index.
	for _, state := range l.nodes {
		state.send(UpdateCommitIndexEvent{CommitIndex: l.commitIndex})
	}

	l.applyCommitted()
}

// applyCommitted applies every committed but unapplied entry to the
// state machine, resolving awaiting callers in log order.
func (l *LeaderCore) applyCommitted() {
	for l.lastApplied.Index < l.commitIndex {
		index := l.lastApplied.Index + 1
		entry, err := l.log.GetEntry(index)
		if err != nil {
			l.mapStorageError(err)
			return
		}

		var request *clientRequest
		if len(l.awaitingCommitted) > 0 && l.awaitingCommitted[0].entry.Index == index {
			request = l.awaitingCommitted[0]
			l.awaitingCommitted = l.awaitingCommitted[1:]
		}

		// The hand-off may append a follow-up configuration entry and
		// re-enter this loop, so the applied position advances first.
		l.lastApplied = entry.LogID()
		l.clientRequestPostCommit(entry, request)
	}

	l.triggerLogCompaction(false)
}

// clientRequestPostCommit applies a committed entry to the state machine
// and resolves its caller, if any. Each entry is handed off at most once
// while this leader is active.
func (l *LeaderCore) clientRequestPostCommit(entry *LogEntry, request *clientRequest) {
	switch entry.EntryType {
	case NoOpEntry:
	case OperationEntry:
		operation := &Operation{LogIndex: entry.Index, LogTerm: entry.Term, Bytes: entry.Data}
		response := l.fsm.Apply(operation)
		if request != nil {
			request.tx <- SubmitResult{LogID: entry.LogID(), Response: response}
		}
		l.options.logger.Debugf(
			"applied operation to state machine: logIndex = %d, logTerm = %d",
			entry.Index,
			entry.Term,
		)
	case ConfigEntry:
		l.configEntryCommitted(entry)
	}
}

// configEntryCommitted advances a membership change. A committed joint
// configuration is followed by the uniform configuration; a committed
// uniform configuration completes the change and marks replaced peers
// for removal.
func (l *LeaderCore) configEntryCommitted(entry *LogEntry) {
	config, err := unmarshalMembership(entry.Data)
	if err != nil {
		l.options.logger.Errorf("failed to decode membership entry: error = %v", err)
		return
	}

	if config.IsInJointConsensus() {
		uniform := MembershipConfig{Members: config.MembersAfterConsensus}
		if err := l.appendMembershipEntry(uniform); err != nil {
			l.options.logger.Errorf("failed to append uniform membership: error = %v", err)
		}
		return
	}

	for id, state := range l.nodes {
		// Pending non-voters are not retired by a membership change.
		if state.tx != nil {
			continue
		}
		if !l.membership.Contains(id) && state.removeSince == nil {
			deadline := time.Now().Add(l.options.removeAfter)
			state.removeSince = &deadline
			l.options.logger.Infof(
				"node marked for removal: target = %s, deadline = %v",
				id,
				deadline,
			)
		}
	}

	if l.changeTx != nil {
		l.changeTx <- nil
		l.changeTx = nil
	}
}

// mapStorageError logs a storage failure and, for fatal classes,
// transitions the node to shutdown. Transient failures are abandoned;
// the affected peer re-issues its request.
func (l *LeaderCore) mapStorageError(err error) error {
	if isFatalStorageError(err) {
		l.options.logger.Errorf("fatal storage error: error = %v", err)
		l.setState(Shutdown)
		return err
	}
	l.options.logger.Errorf("storage error: error = %v", err)
	return err
}

func (l *LeaderCore) openStorage() error {
	if err := l.stateStorage.Open(); err != nil {
		return err
	}
	if err := l.stateStorage.Replay(); err != nil {
		return err
	}
	if err := l.log.Open(); err != nil {
		return err
	}
	if err := l.log.Replay(); err != nil {
		return err
	}
	if err := l.snapshotStorage.Open(); err != nil {
		return err
	}
	return l.snapshotStorage.Replay()
}

// shutdownReplication terminates every replication stream and drains the
// event channel until they have all stopped.
func (l *LeaderCore) shutdownReplication() {
	for _, state := range l.nodes {
		state.stream.terminate()
	}
	for _, state := range l.nodes {
		for {
			select {
			case <-state.stream.done:
			case <-l.events:
				continue
			}
			break
		}
	}
}

// failPending closes the reply slots of every blocked caller. A closed
// channel tells the caller that leadership was lost before its request
// completed.
func (l *LeaderCore) failPending() {
	for _, request := range l.awaitingCommitted {
		close(request.tx)
	}
	l.awaitingCommitted = nil

	for _, state := range l.nodes {
		if state.tx != nil {
			close(state.tx)
			state.tx = nil
		}
	}

	if l.changeTx != nil {
		close(l.changeTx)
		l.changeTx = nil
	}

	// Requests that were enqueued but never reached the loop.
	for {
		select {
		case request := <-l.requests:
			switch request := request.(type) {
			case submitRequest:
				close(request.tx)
			case addNonVoterRequest:
				close(request.tx)
			case changeMembershipRequest:
				close(request.tx)
			}
		default:
			return
		}
	}
}
