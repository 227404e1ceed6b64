package raft

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/keva-db/keva/rpc/common"
)

var (
	logger = common.GetLogger("raft")

	metricElections = metrics.NewCounter("keva_raft_elections_total")
	metricProposals = metrics.NewCounter("keva_raft_proposals_total")
	metricLeaseRead = metrics.NewCounter("keva_raft_lease_reads_total")
)

// --------------------------------------------------------------------------
// Roles and Configuration
// --------------------------------------------------------------------------

// Role is the consensus role of a node within one partition's replica group.
type Role uint8

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// SendFunc delivers a consensus message to a peer node id and returns the
// peer's response. Called from short-lived goroutines, never from the
// event loop itself.
type SendFunc func(to string, msg *common.Message) (*common.Message, error)

// Config parameterizes one partition's consensus group.
type Config struct {
	NodeID    string
	Partition uint32
	Replicas  []string // replica node ids, including the local node

	RTTMillisecond uint64
	LogRetention   uint64

	// Apply folds a committed entry into the state machine. Invoked from
	// the event loop, in index order, exactly once per loop lifetime.
	Apply func(entry common.LogEntry)
	// SaveState / RestoreState checkpoint the state machine for log
	// compaction and recovery.
	SaveState    func(w io.Writer) error
	RestoreState func(r io.Reader) error
}

// --------------------------------------------------------------------------
// Internal Events
// --------------------------------------------------------------------------

// rpcEvent is an inbound peer request awaiting a synchronous reply.
type rpcEvent struct {
	msg     *common.Message
	replyCh chan *common.Message
}

// respEvent is the asynchronous response to a message this node sent. seq
// orders responses against lease read registrations.
type respEvent struct {
	peer string
	resp *common.Message
	seq  uint64
}

type proposal struct {
	op    common.Operation
	key   string
	value []byte

	resultCh chan error
	// set by the loop when the entry is appended
	index uint64
	term  uint64
}

type readRequest struct {
	resultCh chan readResult
}

type readResult struct {
	index uint64
	err   error
}

// pendingRead is a registered linearizable read waiting for its lease
// confirmation (a majority of append responses to heartbeats sent at or
// after minSeq) and for the applied index to reach readIndex.
type pendingRead struct {
	req       *readRequest
	readIndex uint64
	minSeq    uint64
	acks      map[string]bool
	confirmed bool
}

// --------------------------------------------------------------------------
// Node
// --------------------------------------------------------------------------

// Node runs consensus for one partition. All consensus state is owned by a
// single goroutine; peers, proposals, reads and ticks reach it through
// channels, so no field below needs a lock.
type Node struct {
	cfg   Config
	store *Store
	log   *raftLog
	peers []string // replicas minus self

	role        Role
	term        uint64
	votedFor    string
	leaderID    string
	commitIndex uint64
	applied     uint64

	votes      map[string]bool
	nextIndex  map[string]uint64
	matchIndex map[string]uint64

	electionElapsed  int
	electionTimeout  int
	heartbeatElapsed int

	sendSeq      uint64
	noopIndex    uint64 // index of this term's no-op entry, set on election win
	pendingProps map[uint64]*proposal
	pendingReads []*pendingRead

	msgCh  chan *rpcEvent
	respCh chan *respEvent
	propCh chan *proposal
	readCh chan *readRequest
	stopCh chan struct{}
	doneCh chan struct{}

	send SendFunc

	// observable from other goroutines
	obsLeader atomic.Pointer[string]
	obsRole   atomic.Uint32
	obsTerm   atomic.Uint64
}

// NewNode recovers durable state and builds the consensus node for one
// partition. Start must be called before the node processes anything.
func NewNode(cfg Config, store *Store, send SendFunc) (*Node, error) {
	n := &Node{
		cfg:          cfg,
		store:        store,
		send:         send,
		votes:        make(map[string]bool),
		nextIndex:    make(map[string]uint64),
		matchIndex:   make(map[string]uint64),
		pendingProps: make(map[uint64]*proposal),
		msgCh:        make(chan *rpcEvent),
		respCh:       make(chan *respEvent, 256),
		propCh:       make(chan *proposal),
		readCh:       make(chan *readRequest),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}

	for _, id := range cfg.Replicas {
		if id != cfg.NodeID {
			n.peers = append(n.peers, id)
		}
	}

	// Restore the state machine checkpoint first, then replay the log
	// above it. Replay of already-applied entries is idempotent.
	if cfg.RestoreState != nil {
		if _, err := store.LoadCheckpoint(cfg.RestoreState); err != nil {
			return nil, fmt.Errorf("partition %d checkpoint restore failed: %w", cfg.Partition, err)
		}
	}

	log, err := store.Recover()
	if err != nil {
		return nil, fmt.Errorf("partition %d log recovery failed: %w", cfg.Partition, err)
	}
	n.log = log

	hs := store.HardState()
	n.term = hs.Term
	n.votedFor = hs.VotedFor
	n.applied = log.snapIndex

	// Replay committed entries into the state machine. Entries above the
	// old applied checkpoint may or may not have been committed; they are
	// re-committed through normal consensus, so only replay up to it.
	for idx := n.applied + 1; idx <= hs.Applied; idx++ {
		entry, ok := log.entry(idx)
		if !ok {
			break
		}
		if cfg.Apply != nil {
			cfg.Apply(entry)
		}
		n.applied = idx
	}
	n.commitIndex = n.applied

	n.resetElectionTimer()
	n.becomeFollower(n.term, "")
	return n, nil
}

// Start launches the event loop.
func (n *Node) Start() {
	go n.run()
}

// Stop terminates the event loop and waits for it to exit. Pending
// proposals and reads fail with Unavailable.
func (n *Node) Stop() {
	close(n.stopCh)
	<-n.doneCh
}

// --------------------------------------------------------------------------
// Public API (any goroutine)
// --------------------------------------------------------------------------

// Role returns the node's current role.
func (n *Node) Role() Role {
	return Role(n.obsRole.Load())
}

// Term returns the node's current term.
func (n *Node) Term() uint64 {
	return n.obsTerm.Load()
}

// LeaderHint returns the last known leader id, possibly empty.
func (n *Node) LeaderHint() string {
	if p := n.obsLeader.Load(); p != nil {
		return *p
	}
	return ""
}

// HandleMessage processes an inbound consensus message and returns the
// response to send back. Blocks until the event loop has handled it.
func (n *Node) HandleMessage(msg *common.Message) *common.Message {
	ev := &rpcEvent{msg: msg, replyCh: make(chan *common.Message, 1)}
	select {
	case n.msgCh <- ev:
		return <-ev.replyCh
	case <-n.stopCh:
		return common.NewErrorResponse(common.NewError(common.CodeUnavailable, "partition shutting down"))
	}
}

// Propose replicates one operation and returns after it is committed and
// applied locally. A context expiry means the outcome is unknown: the entry
// may still commit.
func (n *Node) Propose(ctx context.Context, op common.Operation, key string, value []byte) error {
	metricProposals.Inc()
	p := &proposal{op: op, key: key, value: value, resultCh: make(chan error, 1)}

	select {
	case n.propCh <- p:
	case <-ctx.Done():
		return common.NewError(common.CodeTimeout, "proposal not accepted in time")
	case <-n.stopCh:
		return common.NewError(common.CodeUnavailable, "partition shutting down")
	}

	select {
	case err := <-p.resultCh:
		return err
	case <-ctx.Done():
		return common.NewError(common.CodeTimeout, "proposal outcome unknown")
	case <-n.stopCh:
		return common.NewError(common.CodeUnavailable, "partition shutting down")
	}
}

// LinearizableRead confirms leadership through a heartbeat round and
// returns an applied index that reflects every write committed before the
// read was issued. The caller serves the read from local state at or above
// that index.
func (n *Node) LinearizableRead(ctx context.Context) (uint64, error) {
	metricLeaseRead.Inc()
	r := &readRequest{resultCh: make(chan readResult, 1)}

	select {
	case n.readCh <- r:
	case <-ctx.Done():
		return 0, common.NewError(common.CodeTimeout, "read not accepted in time")
	case <-n.stopCh:
		return 0, common.NewError(common.CodeUnavailable, "partition shutting down")
	}

	select {
	case res := <-r.resultCh:
		return res.index, res.err
	case <-ctx.Done():
		return 0, common.NewError(common.CodeTimeout, "read lease not confirmed in time")
	case <-n.stopCh:
		return 0, common.NewError(common.CodeUnavailable, "partition shutting down")
	}
}

// --------------------------------------------------------------------------
// Event Loop
// --------------------------------------------------------------------------

func (n *Node) run() {
	defer close(n.doneCh)

	ticker := time.NewTicker(time.Duration(n.cfg.RTTMillisecond) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			n.failPending(common.NewError(common.CodeUnavailable, "partition shutting down"))
			return
		case <-ticker.C:
			n.tick()
		case ev := <-n.msgCh:
			ev.replyCh <- n.step(ev.msg)
		case ev := <-n.respCh:
			n.handleResponse(ev)
		case p := <-n.propCh:
			n.handlePropose(p)
		case r := <-n.readCh:
			n.handleRead(r)
		}
	}
}

func (n *Node) tick() {
	switch n.role {
	case Leader:
		n.heartbeatElapsed++
		if n.heartbeatElapsed >= common.HeartbeatRTTFactor {
			n.heartbeatElapsed = 0
			n.broadcastAppend()
		}
	default:
		n.electionElapsed++
		if n.electionElapsed >= n.electionTimeout {
			n.startElection()
		}
	}
}

func (n *Node) resetElectionTimer() {
	n.electionElapsed = 0
	n.electionTimeout = common.ElectionRTTFactor + rand.Intn(common.ElectionRTTFactor)
}

// --------------------------------------------------------------------------
// Role Transitions
// --------------------------------------------------------------------------

func (n *Node) becomeFollower(term uint64, leaderID string) {
	stepDown := n.role != Follower

	n.role = Follower
	if term > n.term {
		n.term = term
		n.votedFor = ""
		if err := n.store.SaveHardState(n.term, n.votedFor); err != nil {
			logger.Errorf("partition %d failed to persist term %d: %v", n.cfg.Partition, term, err)
		}
	}
	n.leaderID = leaderID
	n.resetElectionTimer()
	n.publishObservable()

	if stepDown {
		logger.Infof("partition %d stepping down to follower in term %d", n.cfg.Partition, n.term)
		n.failPending(common.NewNotLeader(leaderID))
	}
}

func (n *Node) startElection() {
	n.role = Candidate
	n.term++
	n.votedFor = n.cfg.NodeID
	n.leaderID = ""
	if err := n.store.SaveHardState(n.term, n.votedFor); err != nil {
		logger.Errorf("partition %d failed to persist vote: %v", n.cfg.Partition, err)
		return
	}

	metricElections.Inc()
	n.votes = map[string]bool{n.cfg.NodeID: true}
	n.resetElectionTimer()
	n.publishObservable()

	logger.Infof("partition %d starting election for term %d", n.cfg.Partition, n.term)

	if n.hasQuorum(len(n.votes)) {
		n.becomeLeader()
		return
	}

	req := common.NewVoteRequest(n.cfg.NodeID, n.cfg.Partition, n.term, n.log.lastIndex(), n.log.lastTerm())
	for _, peer := range n.peers {
		n.sendAsync(peer, req, 0)
	}
}

func (n *Node) becomeLeader() {
	n.role = Leader
	n.leaderID = n.cfg.NodeID
	n.heartbeatElapsed = 0
	n.publishObservable()

	last := n.log.lastIndex()
	for _, peer := range n.peers {
		n.nextIndex[peer] = last + 1
		n.matchIndex[peer] = 0
	}

	logger.Infof("partition %d won election, leading term %d", n.cfg.Partition, n.term)

	// Committing an entry of the current term is the only way to learn the
	// commit bound of entries from earlier terms. Reads registered before
	// this no-op applies are held at its index, see handleRead.
	n.noopIndex = last + 1
	n.appendLocal(common.LogEntry{
		Partition: n.cfg.Partition,
		Term:      n.term,
		Index:     last + 1,
		Op:        common.OpNoOp,
		Timestamp: time.Now().UnixNano(),
	})
	n.maybeCommit()
	n.broadcastAppend()
}

func (n *Node) publishObservable() {
	leader := n.leaderID
	n.obsLeader.Store(&leader)
	n.obsRole.Store(uint32(n.role))
	n.obsTerm.Store(n.term)
}

// --------------------------------------------------------------------------
// Inbound Messages
// --------------------------------------------------------------------------

func (n *Node) step(msg *common.Message) *common.Message {
	switch msg.MsgType {
	case common.MsgTVoteRequest:
		return n.stepVoteRequest(msg)
	case common.MsgTAppendEntries:
		return n.stepAppendEntries(msg)
	default:
		return common.NewErrorResponse(common.NewErrorf(common.CodeProtocolMismatch, "unexpected consensus message %s", msg.MsgType))
	}
}

func (n *Node) stepVoteRequest(msg *common.Message) *common.Message {
	if msg.Term > n.term {
		n.becomeFollower(msg.Term, "")
	}
	if msg.Term < n.term {
		return common.NewVoteResponse(n.cfg.NodeID, n.cfg.Partition, n.term, false)
	}

	alreadyVoted := n.votedFor != "" && n.votedFor != msg.CandidateID
	if alreadyVoted || !n.log.upToDate(msg.LastLogIndex, msg.LastLogTerm) {
		return common.NewVoteResponse(n.cfg.NodeID, n.cfg.Partition, n.term, false)
	}

	n.votedFor = msg.CandidateID
	if err := n.store.SaveHardState(n.term, n.votedFor); err != nil {
		logger.Errorf("partition %d failed to persist vote: %v", n.cfg.Partition, err)
		return common.NewVoteResponse(n.cfg.NodeID, n.cfg.Partition, n.term, false)
	}
	n.resetElectionTimer()
	return common.NewVoteResponse(n.cfg.NodeID, n.cfg.Partition, n.term, true)
}

func (n *Node) stepAppendEntries(msg *common.Message) *common.Message {
	if msg.Term < n.term {
		return common.NewAppendResponse(n.cfg.NodeID, n.cfg.Partition, n.term, false, 0)
	}

	// Valid leader contact for this term.
	if msg.Term > n.term || n.role != Follower || n.leaderID != msg.From {
		n.becomeFollower(msg.Term, msg.From)
	}
	n.electionElapsed = 0
	n.leaderID = msg.From

	if !n.log.matches(msg.PrevLogIndex, msg.PrevLogTerm) {
		// The hint lets the leader skip straight back to our log end
		// instead of probing one index per round trip.
		hint := n.log.lastIndex()
		if msg.PrevLogIndex <= hint {
			hint = n.commitIndex
		}
		return common.NewAppendResponse(n.cfg.NodeID, n.cfg.Partition, n.term, false, hint)
	}

	if len(msg.Entries) > 0 {
		if err := n.appendFromLeader(msg.Entries); err != nil {
			logger.Errorf("partition %d failed to persist entries: %v", n.cfg.Partition, err)
			return common.NewAppendResponse(n.cfg.NodeID, n.cfg.Partition, n.term, false, n.commitIndex)
		}
	}

	matched := msg.PrevLogIndex + uint64(len(msg.Entries))
	if msg.LeaderCommit > n.commitIndex {
		n.commitIndex = min(msg.LeaderCommit, n.log.lastIndex())
		n.applyCommitted()
	}
	return common.NewAppendResponse(n.cfg.NodeID, n.cfg.Partition, n.term, true, matched)
}

// appendFromLeader reconciles the leader's entries with the local log. A
// conflicting suffix is truncated wholesale, then the leader's entries are
// appended; entries already present are skipped.
func (n *Node) appendFromLeader(entries []common.LogEntry) error {
	first := 0
	truncated := false

	for i, e := range entries {
		term, ok := n.log.term(e.Index)
		if ok && term == e.Term {
			first = i + 1
			continue
		}
		if ok {
			n.log.truncateFrom(e.Index)
			truncated = true
		}
		first = i
		break
	}

	if first >= len(entries) && !truncated {
		return nil
	}

	fresh := entries[first:]
	n.log.append(fresh...)

	if truncated {
		return n.store.RewriteLog(n.log.snapIndex, n.log.snapTerm, n.log.entries)
	}
	return n.store.AppendEntries(fresh)
}

// --------------------------------------------------------------------------
// Responses to Our RPCs
// --------------------------------------------------------------------------

func (n *Node) sendAsync(peer string, msg *common.Message, seq uint64) {
	go func() {
		resp, err := n.send(peer, msg)
		if err != nil || resp == nil {
			return
		}
		select {
		case n.respCh <- &respEvent{peer: peer, resp: resp, seq: seq}:
		case <-n.stopCh:
		}
	}()
}

func (n *Node) handleResponse(ev *respEvent) {
	resp := ev.resp
	if resp.Term > n.term {
		n.becomeFollower(resp.Term, "")
		return
	}

	switch resp.MsgType {
	case common.MsgTVoteResponse:
		if n.role != Candidate || resp.Term != n.term || !resp.Granted {
			return
		}
		n.votes[ev.peer] = true
		if n.hasQuorum(len(n.votes)) {
			n.becomeLeader()
		}

	case common.MsgTAppendResponse:
		if n.role != Leader || resp.Term != n.term {
			return
		}
		if resp.Success {
			if resp.MatchIndex > n.matchIndex[ev.peer] {
				n.matchIndex[ev.peer] = resp.MatchIndex
				n.nextIndex[ev.peer] = resp.MatchIndex + 1
			}
			n.maybeCommit()
			n.recordLeaseAck(ev.peer, ev.seq)
		} else {
			// Log mismatch: step nextIndex back (bounded by the follower's
			// hint) and retry immediately.
			next := n.nextIndex[ev.peer]
			if next > 1 {
				next--
			}
			if resp.MatchIndex+1 < next {
				next = resp.MatchIndex + 1
			}
			if next < 1 {
				next = 1
			}
			n.nextIndex[ev.peer] = next
			n.sendAppend(ev.peer)
		}
	}
}

// --------------------------------------------------------------------------
// Leader Replication
// --------------------------------------------------------------------------

func (n *Node) broadcastAppend() {
	for _, peer := range n.peers {
		n.sendAppend(peer)
	}
}

func (n *Node) sendAppend(peer string) {
	next := n.nextIndex[peer]
	if next < n.log.snapIndex+1 {
		// The follower is behind our compaction horizon. Compaction is
		// bounded by the slowest match index, so this only happens to a
		// peer that joined the replica set after a rebalance; it catches
		// up from the checkpoint through the coordinator, not here.
		next = n.log.snapIndex + 1
		n.nextIndex[peer] = next
	}

	prev := next - 1
	prevTerm, _ := n.log.term(prev)

	// Copy the suffix: the event loop may truncate or append while the
	// send goroutine is serializing.
	entries := append([]common.LogEntry(nil), n.log.slice(next)...)

	n.sendSeq++
	msg := common.NewAppendEntries(n.cfg.NodeID, n.cfg.Partition, n.term, prev, prevTerm, n.commitIndex, entries)
	n.sendAsync(peer, msg, n.sendSeq)
}

func (n *Node) appendLocal(entry common.LogEntry) {
	n.log.append(entry)
	if err := n.store.AppendEntries([]common.LogEntry{entry}); err != nil {
		logger.Errorf("partition %d failed to persist local entry: %v", n.cfg.Partition, err)
	}
}

func (n *Node) handlePropose(p *proposal) {
	if n.role != Leader {
		p.resultCh <- common.NewNotLeader(n.leaderID)
		return
	}

	index := n.log.lastIndex() + 1
	entry := common.LogEntry{
		Partition: n.cfg.Partition,
		Term:      n.term,
		Index:     index,
		Op:        p.op,
		Key:       p.key,
		Value:     p.value,
		Timestamp: time.Now().UnixNano(),
	}

	p.index = index
	p.term = n.term
	n.appendLocal(entry)
	n.pendingProps[index] = p

	n.maybeCommit()
	n.broadcastAppend()
}

// maybeCommit advances the commit index to the highest entry of the current
// term replicated on a majority. Entries from earlier terms commit only
// transitively.
func (n *Node) maybeCommit() {
	if n.role != Leader {
		return
	}

	for idx := n.log.lastIndex(); idx > n.commitIndex; idx-- {
		term, ok := n.log.term(idx)
		if !ok || term != n.term {
			break
		}

		count := 1 // self, durably appended
		for _, peer := range n.peers {
			if n.matchIndex[peer] >= idx {
				count++
			}
		}
		if n.hasQuorum(count) {
			n.commitIndex = idx
			n.applyCommitted()
			return
		}
	}
}

func (n *Node) hasQuorum(count int) bool {
	return count > len(n.cfg.Replicas)/2
}

// --------------------------------------------------------------------------
// Apply Path
// --------------------------------------------------------------------------

func (n *Node) applyCommitted() {
	for n.applied < n.commitIndex {
		entry, ok := n.log.entry(n.applied + 1)
		if !ok {
			logger.Errorf("partition %d missing committed entry %d", n.cfg.Partition, n.applied+1)
			return
		}
		if n.cfg.Apply != nil {
			n.cfg.Apply(entry)
		}
		n.applied = entry.Index

		if p, ok := n.pendingProps[entry.Index]; ok {
			delete(n.pendingProps, entry.Index)
			if entry.Term == p.term {
				p.resultCh <- nil
			} else {
				// A different entry committed at this index, the proposal
				// was lost in a leader change.
				p.resultCh <- common.NewNotLeader(n.leaderID)
			}
		}
	}

	n.serveConfirmedReads()
	n.maybeCompact()
}

// maybeCompact checkpoints the state machine and drops the applied log
// prefix once it exceeds the retention bound. The compaction horizon never
// passes the slowest replica's match index, so every follower stays
// reachable by plain log replication.
func (n *Node) maybeCompact() {
	retention := n.cfg.LogRetention
	if retention == 0 {
		return
	}
	if n.applied < n.log.snapIndex+2*retention {
		return
	}

	horizon := n.applied - retention
	if n.role == Leader {
		for _, peer := range n.peers {
			if m := n.matchIndex[peer]; m < horizon {
				horizon = m
			}
		}
	}
	if horizon <= n.log.snapIndex {
		return
	}

	if n.cfg.SaveState != nil {
		if err := n.store.SaveCheckpoint(n.cfg.SaveState); err != nil {
			logger.Errorf("partition %d checkpoint failed: %v", n.cfg.Partition, err)
			return
		}
	}
	if err := n.store.SaveApplied(n.applied); err != nil {
		logger.Errorf("partition %d failed to persist applied index: %v", n.cfg.Partition, err)
		return
	}

	n.log.compactTo(horizon)
	if err := n.store.RewriteLog(n.log.snapIndex, n.log.snapTerm, n.log.entries); err != nil {
		logger.Errorf("partition %d log compaction failed: %v", n.cfg.Partition, err)
		return
	}
	logger.Debugf("partition %d compacted log below %d", n.cfg.Partition, horizon)
}

// --------------------------------------------------------------------------
// Linearizable Reads
// --------------------------------------------------------------------------

func (n *Node) handleRead(r *readRequest) {
	if n.role != Leader {
		r.resultCh <- readResult{err: common.NewNotLeader(n.leaderID)}
		return
	}

	// Until the no-op of the current term commits, commitIndex may trail
	// entries the previous leader already committed and acknowledged.
	// Holding the read at the no-op index keeps those entries visible.
	readIndex := n.commitIndex
	if readIndex < n.noopIndex {
		readIndex = n.noopIndex
	}

	pr := &pendingRead{
		req:       r,
		readIndex: readIndex,
		minSeq:    n.sendSeq + 1,
		acks:      map[string]bool{},
	}

	if n.hasQuorum(1) {
		// Single-replica group: leadership cannot be contested.
		pr.confirmed = true
		n.pendingReads = append(n.pendingReads, pr)
		n.serveConfirmedReads()
		return
	}

	n.pendingReads = append(n.pendingReads, pr)
	n.broadcastAppend()
}

// recordLeaseAck counts an append response towards the lease of every read
// registered before the responded-to heartbeat was sent.
func (n *Node) recordLeaseAck(peer string, seq uint64) {
	if seq == 0 || len(n.pendingReads) == 0 {
		return
	}
	for _, pr := range n.pendingReads {
		if pr.confirmed || seq < pr.minSeq {
			continue
		}
		pr.acks[peer] = true
		if n.hasQuorum(len(pr.acks) + 1) {
			pr.confirmed = true
		}
	}
	n.serveConfirmedReads()
}

// serveConfirmedReads completes reads whose lease is confirmed and whose
// read index is applied.
func (n *Node) serveConfirmedReads() {
	remaining := n.pendingReads[:0]
	for _, pr := range n.pendingReads {
		if pr.confirmed && n.applied >= pr.readIndex {
			pr.req.resultCh <- readResult{index: pr.readIndex}
		} else {
			remaining = append(remaining, pr)
		}
	}
	n.pendingReads = remaining
}

func (n *Node) failPending(err error) {
	for idx, p := range n.pendingProps {
		delete(n.pendingProps, idx)
		p.resultCh <- err
	}
	for _, pr := range n.pendingReads {
		pr.req.resultCh <- readResult{err: err}
	}
	n.pendingReads = nil
}
