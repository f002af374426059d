// Package controller implements the Raft role state machine (component I):
// elections, vote discipline, commit advancement from peer match positions,
// proxying, catch-up scheduling, and role updates. It is wired directly to
// a statelog.StateLog for persistent state and a channel.Manager for
// transport, following the same explicit-handle-passing discipline spec §9
// calls for in place of the source's static scheduler registration.
package controller

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/quorumkv/raftlog/channel"
	"github.com/quorumkv/raftlog/group"
	"github.com/quorumkv/raftlog/peer"
	"github.com/quorumkv/raftlog/rangeset"
	"github.com/quorumkv/raftlog/scheduler"
	"github.com/quorumkv/raftlog/statelog"
	"github.com/quorumkv/raftlog/types"
	"github.com/quorumkv/raftlog/wire"
)

// Role is this member's position in the Raft state machine.
type Role uint8

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
	RoleInterimLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "FOLLOWER"
	case RoleCandidate:
		return "CANDIDATE"
	case RoleLeader:
		return "LEADER"
	case RoleInterimLeader:
		return "INTERIM_LEADER"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

const (
	electionTimeoutMin = 150 * time.Millisecond
	electionTimeoutMax = 300 * time.Millisecond
	leaderCheckPeriod  = 75 * time.Millisecond
)

// Config configures a Controller.
type Config struct {
	LocalID    types.MemberID
	StateLog   *statelog.StateLog
	Channels   *channel.Manager
	Scheduler  *scheduler.Scheduler
	Logger     log.Logger
	Registerer prometheus.Registerer

	// Group is the persisted roster role changes are applied against via
	// its propose/apply two-phase protocol. May be nil in tests that don't
	// exercise role changes.
	Group *group.File

	// Peers is the initial set of remote consensus/proxy/observer members.
	Peers []*peer.Peer
}

// Controller runs the Raft role state machine for one local member.
type Controller struct {
	localID   types.MemberID
	log       *statelog.StateLog
	channels  *channel.Manager
	sched     *scheduler.Scheduler
	logger    log.Logger
	metrics   *metrics
	group     *group.File

	mu          sync.Mutex
	role        Role
	peers       map[types.MemberID]*peer.Peer
	electionSeq uint64 // bumped on every reset; a stale timer no-ops if it fires late
	knownLeader types.MemberID // last peer observed sending WRITE_DATA; used to forward role-change requests

	electionTimerAt time.Time // when the local election timer last reset; LEADER_CHECK grants iff not yet fired
	cancelElection  scheduler.Cancel
	cancelLeaderChk scheduler.Cancel

	// Vote tally for the in-flight election, if any. REQUEST_VOTE replies
	// arrive asynchronously through HandleCommand (dispatched off whichever
	// channel delivered them), so the tally lives on the controller rather
	// than in startElection's stack.
	electionTerm    types.Term
	votesGranted    int
	votedFrom       map[types.MemberID]bool
	standbyOnlyVote bool

	// leaderCheckTerm/leaderCheckValidated tally LEADER_CHECK replies for
	// the probe currently outstanding.
	leaderCheckTerm      types.Term
	leaderCheckValidated int
	leaderCheckFrom      map[types.MemberID]bool
}

type metrics struct {
	elections      prometheus.Counter
	becameLeader   prometheus.Counter
	roleGauge      prometheus.Gauge
	commitConflict prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		elections: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "controller_elections_started_total", Help: "Elections this member has started.",
		}),
		becameLeader: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "controller_became_leader_total", Help: "Times this member won an election.",
		}),
		roleGauge: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "controller_role", Help: "Current role (0=follower,1=candidate,2=leader,3=interim_leader).",
		}),
		commitConflict: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "controller_commit_conflicts_total", Help: "CommitConflictError observed applying a remote write.",
		}),
	}
}

// New constructs a Controller in the FOLLOWER role with its election timer
// armed.
func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	c := &Controller{
		localID:  cfg.LocalID,
		log:      cfg.StateLog,
		channels: cfg.Channels,
		sched:    cfg.Scheduler,
		logger:   cfg.Logger,
		metrics:  newMetrics(cfg.Registerer),
		group:    cfg.Group,
		role:     RoleFollower,
		peers:    make(map[types.MemberID]*peer.Peer),
	}
	for _, p := range cfg.Peers {
		c.peers[p.ID()] = p
	}
	c.resetElectionTimerLocked()
	return c
}

// Role returns the controller's current role.
func (c *Controller) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// Peers returns a snapshot slice of all known peers, sorted by id.
func (c *Controller) Peers() []*peer.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*peer.Peer, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// consensusPeersLocked returns peers (excluding self) that provide
// consensus, i.e. vote and count toward commit quorum.
func (c *Controller) consensusPeersLocked() []*peer.Peer {
	var out []*peer.Peer
	for _, p := range c.peers {
		if p.Role().ProvidesConsensus() {
			out = append(out, p)
		}
	}
	return out
}

// majorityOf returns the quorum size for a cluster of peerCount remote
// consensus members plus this member itself, i.e. a strict majority of
// peerCount+1.
func majorityOf(peerCount int) int {
	return (peerCount+1)/2 + 1
}

func randomElectionTimeout() time.Duration {
	span := electionTimeoutMax - electionTimeoutMin
	return electionTimeoutMin + time.Duration(rand.Int63n(int64(span)))
}

// resetElectionTimerLocked reschedules the election timeout, invalidating
// any previously scheduled one by bumping electionSeq. Must be called with
// c.mu held.
func (c *Controller) resetElectionTimerLocked() {
	c.electionSeq++
	seq := c.electionSeq
	c.electionTimerAt = time.Now()
	if c.cancelElection != nil {
		c.cancelElection()
	}
	if c.sched == nil {
		return
	}
	c.cancelElection = c.sched.After(randomElectionTimeout(), func() { c.onElectionTimeout(seq) })
}

func (c *Controller) onElectionTimeout(seq uint64) {
	c.mu.Lock()
	if seq != c.electionSeq || c.role == RoleLeader || c.role == RoleInterimLeader {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.startElection()
}

// startElection increments currentTerm, votes for self, and broadcasts
// REQUEST_VOTE to every consensus peer. Replies are tallied asynchronously
// as HandleRequestVoteReply is invoked by the channel dispatcher; this
// function only fires the requests.
func (c *Controller) startElection() {
	c.mu.Lock()
	if c.role == RoleLeader || c.role == RoleInterimLeader {
		c.mu.Unlock()
		return
	}
	c.role = RoleCandidate
	consensusPeers := c.consensusPeersLocked()
	c.mu.Unlock()

	term, err := c.log.IncrementCurrentTerm(1, c.localID)
	if err != nil {
		level.Error(c.logger).Log("msg", "failed to persist new term", "err", err)
		return
	}
	c.metrics.elections.Inc()
	hi := c.log.CaptureHighest()

	c.mu.Lock()
	c.electionTerm = term
	c.votesGranted = 1 // self
	c.votedFrom = map[types.MemberID]bool{c.localID: true}
	c.standbyOnlyVote = true
	c.mu.Unlock()

	payload := wire.RequestVote{Term: term, CandidateID: c.localID, CandHighestTerm: hi.Term, CandHighestPos: hi.HighestPosition}.Encode()
	for _, p := range consensusPeers {
		if ch, ok := c.channels.Client(p.ID()); ok {
			ch.WriteCommand(wire.OpRequestVote, payload)
		}
	}
}

// HandleRequestVoteReply tallies a vote reply arriving from fromPeer. Stale
// replies (wrong term, no election in flight, already counted) are ignored.
func (c *Controller) HandleRequestVoteReply(fromPeer types.MemberID, reply wire.RequestVoteReply) {
	c.mu.Lock()
	if c.role != RoleCandidate || reply.Term != c.electionTerm || !reply.Granted || c.votedFrom[fromPeer] {
		c.mu.Unlock()
		return
	}
	c.votedFrom[fromPeer] = true
	c.votesGranted++
	if p, ok := c.peers[fromPeer]; ok && p.Role() != types.RoleStandby {
		c.standbyOnlyVote = false
	}
	consensusPeers := c.consensusPeersLocked()
	quorum := majorityOf(len(consensusPeers))
	won := c.votesGranted >= quorum
	interim := c.standbyOnlyVote && len(consensusPeers) > 0
	c.mu.Unlock()

	if won {
		c.becomeLeader(interim)
	}
}

// becomeLeader transitions to LEADER (or INTERIM_LEADER if the winning
// quorum was standbys-only) and starts periodic LEADER_CHECK probing. A
// no-op if the controller has already left the CANDIDATE role (e.g. a
// duplicate call racing a second quorum-reaching reply).
func (c *Controller) becomeLeader(interim bool) {
	c.mu.Lock()
	if c.role != RoleCandidate {
		c.mu.Unlock()
		return
	}
	term := c.electionTerm
	if interim {
		c.role = RoleInterimLeader
	} else {
		c.role = RoleLeader
	}
	c.mu.Unlock()
	c.metrics.becameLeader.Inc()
	c.metrics.roleGauge.Set(float64(c.Role()))

	// Per spec §3's lifecycle rule ("term logs are created on leader election
	// or on a follower's first write under a new term"), the leader opens its
	// own term log immediately rather than waiting for the first Append.
	hi := c.log.CaptureHighest()
	if _, err := c.log.DefineTerm(hi.Term, term, hi.HighestPosition); err != nil {
		level.Error(c.logger).Log("msg", "failed to open term log for new leadership term", "term", term, "err", err)
	}

	if c.cancelLeaderChk != nil {
		c.cancelLeaderChk()
	}
	if c.sched != nil {
		c.cancelLeaderChk = c.sched.Every(leaderCheckPeriod, c.probeLeaderCheck)
	}
}

// probeLeaderCheck issues LEADER_CHECK to every consensus peer and resets
// the tally HandleLeaderCheckReply accumulates into. If the previous
// round's tally never reached quorum, the leader steps down — mirroring a
// leader that has lost touch with a majority of followers.
func (c *Controller) probeLeaderCheck() {
	c.mu.Lock()
	isLeader := c.role == RoleLeader || c.role == RoleInterimLeader
	consensusPeers := c.consensusPeersLocked()
	quorum := majorityOf(len(consensusPeers))
	priorValidated := c.leaderCheckValidated
	priorTermSet := c.leaderCheckTerm != 0
	c.mu.Unlock()
	if !isLeader {
		return
	}

	if priorTermSet && priorValidated+1 < quorum {
		c.mu.Lock()
		if c.role == RoleLeader || c.role == RoleInterimLeader {
			c.role = RoleFollower
			c.resetElectionTimerLocked()
		}
		c.mu.Unlock()
		return
	}

	term := c.log.CurrentTerm()
	c.mu.Lock()
	c.leaderCheckTerm = term
	c.leaderCheckValidated = 0
	c.leaderCheckFrom = make(map[types.MemberID]bool, len(consensusPeers))
	c.mu.Unlock()

	for _, p := range consensusPeers {
		if ch, ok := c.channels.Client(p.ID()); ok {
			ch.WriteCommand(wire.OpLeaderCheck, nil)
		}
	}
}

// HandleLeaderCheckReply tallies a LEADER_CHECK reply from fromPeer toward
// the currently outstanding probe.
func (c *Controller) HandleLeaderCheckReply(fromPeer types.MemberID, reply wire.LeaderCheckReply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !reply.Validated || reply.Term != c.leaderCheckTerm || c.leaderCheckFrom == nil || c.leaderCheckFrom[fromPeer] {
		return
	}
	c.leaderCheckFrom[fromPeer] = true
	c.leaderCheckValidated++
}

// HandleRequestVote processes an incoming REQUEST_VOTE: it bumps
// currentTerm if behind, then grants iff term > currentTerm and the
// candidate's (highestTerm, highestPos) is not behind the voter's own.
func (c *Controller) HandleRequestVote(req wire.RequestVote) wire.RequestVoteReply {
	advanced, err := c.log.CheckCurrentTerm(req.Term)
	if err != nil {
		level.Error(c.logger).Log("msg", "checkCurrentTerm failed", "err", err)
		return wire.RequestVoteReply{Term: c.log.CurrentTerm(), Granted: false}
	}
	if advanced {
		c.mu.Lock()
		if c.role == RoleLeader || c.role == RoleInterimLeader || c.role == RoleCandidate {
			c.role = RoleFollower
		}
		c.mu.Unlock()
	}

	current := c.log.CurrentTerm()
	if req.Term <= current && !advanced {
		return wire.RequestVoteReply{Term: current, Granted: false}
	}

	hi := c.log.CaptureHighest()
	behind := req.CandHighestTerm < hi.Term || (req.CandHighestTerm == hi.Term && req.CandHighestPos < hi.HighestPosition)
	if behind {
		return wire.RequestVoteReply{Term: current, Granted: false}
	}

	granted, err := c.log.CheckCandidate(req.CandidateID)
	if err != nil {
		level.Error(c.logger).Log("msg", "checkCandidate failed", "err", err)
		return wire.RequestVoteReply{Term: current, Granted: false}
	}
	if granted {
		c.mu.Lock()
		c.resetElectionTimerLocked()
		c.mu.Unlock()
	}
	return wire.RequestVoteReply{Term: current, Granted: granted}
}

// HandleLeaderCheck grants a positive reply iff this follower's own
// election timer is still within its window, i.e. it has not independently
// decided the leader is gone and started its own election.
func (c *Controller) HandleLeaderCheck() wire.LeaderCheckReply {
	c.mu.Lock()
	sinceReset := time.Since(c.electionTimerAt)
	c.mu.Unlock()
	if sinceReset >= electionTimeoutMax {
		return wire.LeaderCheckReply{Validated: false}
	}
	return wire.LeaderCheckReply{Term: c.log.CurrentTerm(), Validated: true}
}

// HandleWriteData applies an incoming leader write. Followers accept iff
// prevTermAt(pos) matches prevTerm; on a higher-term write the follower
// first bumps currentTerm and attempts defineTerm, discarding empty
// conflicting term logs. A committed-data conflict surfaces
// CommitConflictError to the caller, which per spec is fatal iff the
// conflict lies below durablePosition.
func (c *Controller) HandleWriteData(w wire.WriteData) (wire.WriteDataReply, error) {
	if _, err := c.log.CheckCurrentTerm(w.Term); err != nil {
		return wire.WriteDataReply{}, err
	}

	tl, ok := c.log.TermLogAt(w.Pos)
	if ok && tl.Term() == w.Term {
		if prev, _ := c.log.PrevTermAt(w.Pos); prev != w.PrevTerm {
			hi := c.log.CaptureHighest()
			return wire.WriteDataReply{Term: w.Term, HighestPos: hi.HighestPosition}, nil
		}
	} else {
		var err error
		if tl, err = c.log.DefineTerm(w.PrevTerm, w.Term, w.Pos); err != nil {
			c.metrics.commitConflict.Inc()
			return wire.WriteDataReply{}, err
		}
	}

	if err := tl.Write(w.Bytes, w.Pos); err != nil {
		hi := tl.CaptureHighest()
		return wire.WriteDataReply{Term: w.Term, HighestPos: hi.HighestPosition}, nil
	}
	c.log.Commit(w.CommitPos)

	c.mu.Lock()
	c.resetElectionTimerLocked()
	c.mu.Unlock()

	hi := c.log.CaptureHighest()
	return wire.WriteDataReply{Term: w.Term, HighestPos: hi.HighestPosition}, nil
}

// RecordAck updates a peer's match position after a successful WRITE_DATA
// reply and recomputes whether commit can advance.
func (c *Controller) RecordAck(peerID types.MemberID, highestPos types.Position) {
	c.mu.Lock()
	p, ok := c.peers[peerID]
	consensusPeers := c.consensusPeersLocked()
	c.mu.Unlock()
	if !ok {
		return
	}
	p.SetMatchPosition(highestPos)
	c.maybeAdvanceCommit(consensusPeers)
}

// maybeAdvanceCommit computes the highest position acknowledged by a
// quorum (counting self) and, if it advances, issues Commit.
func (c *Controller) maybeAdvanceCommit(consensusPeers []*peer.Peer) {
	hi := c.log.CaptureHighest()
	matches := make([]types.Position, 0, len(consensusPeers)+1)
	matches = append(matches, hi.HighestPosition) // self
	for _, p := range consensusPeers {
		matches = append(matches, p.MatchPosition())
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })
	quorum := majorityOf(len(consensusPeers))
	if quorum > len(matches) {
		return
	}
	candidate := matches[quorum-1]
	if candidate > hi.CommitPosition {
		c.log.Commit(candidate)
	}
}

// WriteAndProxy fans a leader-origin write out through an intermediate
// peer: the leader still counts the remaining followers' acks directly, and
// the proxy additionally applies and forwards the write as WRITE_VIA_PROXY.
func (c *Controller) WriteAndProxy(proxyID types.MemberID, w wire.WriteData) error {
	ch, ok := c.channels.Client(proxyID)
	if !ok {
		return fmt.Errorf("%w: no channel to proxy %d", types.ErrNoConsensus, proxyID)
	}
	return ch.WriteCommand(wire.OpWriteAndProxy, w.Encode())
}

// HandleWriteAndProxy is called on the intermediate peer: it applies the
// write locally via HandleWriteData, then forwards it as WRITE_VIA_PROXY to
// every remaining peer (excluding the originating leader and itself).
func (c *Controller) HandleWriteAndProxy(originLeader types.MemberID, w wire.WriteData) (wire.WriteDataReply, error) {
	reply, err := c.HandleWriteData(w)
	if err != nil {
		return reply, err
	}
	for _, p := range c.Peers() {
		if p.ID() == originLeader || p.ID() == c.localID {
			continue
		}
		if ch, ok := c.channels.Client(p.ID()); ok {
			ch.WriteCommand(wire.OpWriteViaProxy, w.Encode())
		}
	}
	return reply, nil
}

// HandleMissingData registers a catch-up gap a peer reported, to be
// serviced lazily. Returns the Peer so the caller (the channel dispatcher)
// can enqueue a background fill.
func (c *Controller) HandleMissingData(peerID types.MemberID, msg wire.QueryDataReplyMissing) *peer.Peer {
	c.mu.Lock()
	p, ok := c.peers[peerID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	p.Missing.Add(msg.StartPos, msg.EndPos)
	return p
}

// ServiceCatchUp pushes the committed bytes of the next pending missing range
// for p as a normal WRITE_DATA, which is idempotent with whatever the peer
// already has.
func (c *Controller) ServiceCatchUp(p *peer.Peer) error {
	r, ok := p.Missing.Next()
	if !ok {
		return nil
	}
	tl, ok := c.log.TermLogAt(r.Start)
	if !ok {
		return fmt.Errorf("%w: no term log covers catch-up position %d", types.ErrNotFound, r.Start)
	}
	end := r.End
	if tlEnd := tl.EndPosition(); tlEnd < end {
		end = tlEnd
	}
	n := end - r.Start
	const maxCatchUpChunk = 1 << 20
	if n > maxCatchUpChunk {
		end = r.Start + maxCatchUpChunk
	}
	buf := make([]byte, end-r.Start)
	reader := tl.OpenReader(r.Start)
	got, err := reader.Read(context.Background(), buf)
	if err != nil {
		return err
	}
	buf = buf[:got]

	ch, ok := c.channels.Client(p.ID())
	if !ok {
		return fmt.Errorf("%w: no channel to peer %d", types.ErrNoConsensus, p.ID())
	}
	hi := tl.CaptureHighest()
	prevTerm, _ := c.log.PrevTermAt(r.Start)
	w := wire.WriteData{PrevTerm: prevTerm, Term: tl.Term(), Pos: r.Start, HighestPos: hi.HighestPosition, CommitPos: hi.CommitPosition, Bytes: buf}
	if err := ch.WriteCommand(wire.OpWriteData, w.Encode()); err != nil {
		return err
	}
	p.Missing.Remove(r.Start, r.Start+types.Position(len(buf)))
	return nil
}

// RangeSetFor exposes a peer's pending catch-up ranges, mostly for tests
// and observability.
func RangeSetFor(p *peer.Peer) []rangeset.Range { return p.Missing.Ranges() }

// SyncCommit implements the application-visible syncCommit(p, timeout):
// accepted iff commitPosition >= p, then issues SYNC_COMMIT to every
// consensus peer and waits for a quorum to report syncMatchPosition >= p.
func (c *Controller) SyncCommit(ctx context.Context, p types.Position) (types.Position, error) {
	hi := c.log.CaptureHighest()
	if hi.CommitPosition < p {
		return 0, fmt.Errorf("%w: position %d not yet committed (commit=%d)", types.ErrConfirmationTimeout, p, hi.CommitPosition)
	}
	tl, ok := c.log.TermLogAt(p - 1)
	if !ok && p > 0 {
		return 0, fmt.Errorf("%w: no term log covers position %d", types.ErrNotFound, p)
	}
	var term, prevTerm types.Term
	if tl != nil {
		term = tl.Term()
		prevTerm, _ = c.log.PrevTermAt(p)
	}

	consensusPeers := c.Peers()
	var filtered []*peer.Peer
	for _, cp := range consensusPeers {
		if cp.Role().ProvidesConsensus() {
			filtered = append(filtered, cp)
		}
	}
	msg := wire.SyncCommit{PrevTerm: prevTerm, Term: term, Pos: p}
	for _, cp := range filtered {
		if ch, ok := c.channels.Client(cp.ID()); ok {
			ch.WriteCommand(wire.OpSyncCommit, msg.Encode())
		}
	}

	quorum := majorityOf(len(filtered))
	deadline := time.NewTicker(5 * time.Millisecond)
	defer deadline.Stop()
	for {
		acked := 1 // self counts once SyncCommit below is applied locally
		newDurable, _, err := c.log.SyncCommit(prevTerm, term, p)
		if err != nil {
			return 0, err
		}
		for _, cp := range filtered {
			if cp.SyncMatchPosition() >= p {
				acked++
			}
		}
		if acked >= quorum {
			return newDurable, nil
		}
		select {
		case <-ctx.Done():
			return 0, nil // sentinel -2 semantics: caller distinguishes via ctx
		case <-deadline.C:
		}
	}
}

// HandleSyncCommit is the follower side: verify the triple, fsync, reply
// with the new durable position.
func (c *Controller) HandleSyncCommit(msg wire.SyncCommit) (wire.SyncCommitReply, error) {
	durable, ok, err := c.log.SyncCommit(msg.PrevTerm, msg.Term, msg.Pos)
	if err != nil {
		return wire.SyncCommitReply{}, err
	}
	if !ok {
		return wire.SyncCommitReply{Term: c.log.CurrentTerm(), Pos: 0}, nil
	}
	return wire.SyncCommitReply{Term: msg.Term, Pos: durable}, nil
}

// Failover voluntarily steps down iff at least one consensus peer has
// matchPosition >= this member's highestPosition.
func (c *Controller) Failover() error {
	c.mu.Lock()
	if c.role != RoleLeader && c.role != RoleInterimLeader {
		c.mu.Unlock()
		return types.ErrNotLeader
	}
	consensusPeers := c.consensusPeersLocked()
	c.mu.Unlock()

	hi := c.log.CaptureHighest()
	for _, p := range consensusPeers {
		if p.MatchPosition() >= hi.HighestPosition {
			c.mu.Lock()
			c.role = RoleFollower
			c.resetElectionTimerLocked()
			c.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("%w: no peer caught up enough to take over", types.ErrNoConsensus)
}

// NewWriter rejects writes on a non-leader or interim-leader, distinguishing
// the two per spec §9's open question: a plain follower returns
// ErrNotLeader (normal proxy flow control), while an interim leader (a
// standbys-only quorum winner) returns the more specific ErrInterimLeader so
// a client can tell "try the real leader" apart from "no client writes are
// possible here yet".
func (c *Controller) NewWriter() error {
	switch c.Role() {
	case RoleLeader:
		return nil
	case RoleInterimLeader:
		return types.ErrInterimLeader
	default:
		return types.ErrNotLeader
	}
}

// Append is the leader-side entry point for spec §2's application →
// Controller → StateLog → ChannelManager data flow: it gates on NewWriter,
// writes data to this member's own term log at the current highest
// position, then broadcasts the result as WRITE_DATA to every consensus
// peer so they can replicate it. It returns the position immediately after
// the written bytes; the caller uses waitForCommit/SyncCommit (on the
// returned position) to await quorum if it needs that guarantee.
func (c *Controller) Append(data []byte) (types.Position, error) {
	if err := c.NewWriter(); err != nil {
		return 0, err
	}

	term := c.log.CurrentTerm()
	hi := c.log.CaptureHighest()
	pos := hi.HighestPosition

	tl, ok := c.log.TermLogAt(pos)
	if !ok {
		var err error
		tl, err = c.log.DefineTerm(hi.Term, term, pos)
		if err != nil {
			return 0, err
		}
	}
	if err := tl.Write(data, pos); err != nil {
		return 0, err
	}

	c.mu.Lock()
	consensusPeers := c.consensusPeersLocked()
	c.mu.Unlock()
	c.maybeAdvanceCommit(consensusPeers)

	newHi := tl.CaptureHighest()
	commitHi := c.log.CaptureHighest()
	prevTerm, _ := c.log.PrevTermAt(pos)
	w := wire.WriteData{PrevTerm: prevTerm, Term: term, Pos: pos, HighestPos: newHi.HighestPosition, CommitPos: commitHi.CommitPosition, Bytes: data}
	payload := w.Encode()
	for _, p := range consensusPeers {
		if ch, ok := c.channels.Client(p.ID()); ok {
			if err := ch.WriteCommand(wire.OpWriteData, payload); err != nil {
				level.Warn(c.logger).Log("msg", "failed to replicate WRITE_DATA", "peer", p.ID(), "err", err)
			}
		}
	}
	return newHi.HighestPosition, nil
}

// ProposeRoleChange requests that memberID's role become role. Per spec
// §4.F, a leader proposes the change against its own group file (using the
// two-phase propose/apply discipline of spec §4.G) and then replicates it
// to every peer as UPDATE_ROLE; a non-leader instead forwards the request
// to the last peer it has observed acting as leader.
func (c *Controller) ProposeRoleChange(memberID types.MemberID, role types.Role) error {
	if c.group == nil {
		return fmt.Errorf("%w: no group file configured", types.ErrNotFound)
	}

	if err := c.NewWriter(); err != nil {
		c.mu.Lock()
		leader := c.knownLeader
		c.mu.Unlock()
		if leader == 0 {
			return err
		}
		ch, ok := c.channels.Client(leader)
		if !ok {
			return err
		}
		req := wire.UpdateRole{GroupVersion: c.group.Version(), MemberID: memberID, Role: role}
		return ch.WriteCommand(wire.OpUpdateRole, req.Encode())
	}

	expected := c.group.Version()
	p := group.Proposal{Op: group.OpRole, ExpectedVersion: expected, MemberID: memberID, Role: role}
	if err := c.group.Apply(p); err != nil {
		return err
	}

	c.mu.Lock()
	if pr, ok := c.peers[memberID]; ok {
		pr.SetRole(role)
		pr.SetGroupVersion(expected + 1)
	}
	c.mu.Unlock()

	req := wire.UpdateRole{GroupVersion: expected, MemberID: memberID, Role: role}
	payload := req.Encode()
	for _, pr := range c.Peers() {
		if ch, ok := c.channels.Client(pr.ID()); ok {
			if err := ch.WriteCommand(wire.OpUpdateRole, payload); err != nil {
				level.Warn(c.logger).Log("msg", "failed to replicate UPDATE_ROLE", "peer", pr.ID(), "err", err)
			}
		}
	}
	return nil
}

// HandleUpdateRole applies an incoming UPDATE_ROLE request via the group
// file's version-checked Apply, per spec §4.G — it never mutates peer
// state directly off an unvalidated message. If applying succeeds and this
// member is the leader, the change is relayed on to every other peer
// (excluding the one it arrived from) so the whole cluster converges on a
// single leader-originated decision; a follower applying a leader-relayed
// UPDATE_ROLE does not relay it further.
func (c *Controller) HandleUpdateRole(fromPeer types.MemberID, req wire.UpdateRole) wire.UpdateRoleReply {
	if c.group == nil {
		return wire.UpdateRoleReply{GroupVersion: req.GroupVersion, MemberID: req.MemberID, Result: 1}
	}
	p := group.Proposal{Op: group.OpRole, ExpectedVersion: req.GroupVersion, MemberID: req.MemberID, Role: req.Role}
	if err := c.group.Apply(p); err != nil {
		level.Warn(c.logger).Log("msg", "rejected UPDATE_ROLE", "from", fromPeer, "err", err)
		return wire.UpdateRoleReply{GroupVersion: req.GroupVersion, MemberID: req.MemberID, Result: 1}
	}

	c.mu.Lock()
	if pr, ok := c.peers[req.MemberID]; ok {
		pr.SetRole(req.Role)
		pr.SetGroupVersion(req.GroupVersion + 1)
	}
	isLeader := c.role == RoleLeader || c.role == RoleInterimLeader
	c.mu.Unlock()

	if isLeader {
		payload := req.Encode()
		for _, pr := range c.Peers() {
			if pr.ID() == fromPeer {
				continue
			}
			if ch, ok := c.channels.Client(pr.ID()); ok {
				ch.WriteCommand(wire.OpUpdateRole, payload)
			}
		}
	}
	return wire.UpdateRoleReply{GroupVersion: req.GroupVersion, MemberID: req.MemberID, Result: 0}
}

// HandleQueryTerms answers a QUERY_TERMS probe (spec §4.F: "supports probing
// historical term boundaries") with the registration triple of every term
// log starting within [req.StartPos, req.EndPos).
func (c *Controller) HandleQueryTerms(req wire.QueryTerms) []wire.TermBoundary {
	bounds := c.log.TermBoundaries(req.StartPos, req.EndPos)
	out := make([]wire.TermBoundary, len(bounds))
	for i, b := range bounds {
		out[i] = wire.TermBoundary{PrevTerm: b.PrevTerm, Term: b.Term, StartPos: b.Start}
	}
	return out
}

// HandleQueryData answers a QUERY_DATA request with the committed bytes
// covering [req.StartPos, req.EndPos), mirroring ServiceCatchUp's own
// term-log lookup. If that range isn't available locally, the missing
// return value carries a QueryDataReplyMissing instead.
func (c *Controller) HandleQueryData(req wire.QueryData) (reply wire.QueryDataReply, missing *wire.QueryDataReplyMissing) {
	currentTerm := c.log.CurrentTerm()
	tl, ok := c.log.TermLogAt(req.StartPos)
	if !ok {
		return wire.QueryDataReply{}, &wire.QueryDataReplyMissing{CurrentTerm: currentTerm, StartPos: req.StartPos, EndPos: req.EndPos}
	}
	end := req.EndPos
	if tlEnd := tl.EndPosition(); tlEnd < end {
		end = tlEnd
	}
	if commit := tl.CommitPosition(); commit < end {
		end = commit
	}
	if end <= req.StartPos {
		return wire.QueryDataReply{}, &wire.QueryDataReplyMissing{CurrentTerm: currentTerm, Term: tl.Term(), StartPos: req.StartPos, EndPos: req.EndPos}
	}
	buf := make([]byte, end-req.StartPos)
	reader := tl.OpenReader(req.StartPos)
	got, err := reader.Read(context.Background(), buf)
	if err != nil {
		return wire.QueryDataReply{}, &wire.QueryDataReplyMissing{CurrentTerm: currentTerm, Term: tl.Term(), StartPos: req.StartPos, EndPos: req.EndPos}
	}
	buf = buf[:got]
	prevTerm, _ := c.log.PrevTermAt(req.StartPos)
	return wire.QueryDataReply{CurrentTerm: currentTerm, PrevTerm: prevTerm, Term: tl.Term(), Pos: req.StartPos, Bytes: buf}, nil
}

// ForceElection triggers an immediate election regardless of the current
// timer state, per opcode FORCE_ELECTION.
func (c *Controller) ForceElection() {
	go c.startElection()
}

// AddPeer registers a new remote member, used when the group file gains an
// entry via an applied join/role-update control message.
func (c *Controller) AddPeer(p *peer.Peer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[p.ID()] = p
}

// RemovePeer drops a member, used when the group file removes an entry.
func (c *Controller) RemovePeer(id types.MemberID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.peers, id)
}

// Stop cancels all scheduled timers.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelElection != nil {
		c.cancelElection()
	}
	if c.cancelLeaderChk != nil {
		c.cancelLeaderChk()
	}
}

// HandleCommand is the channel.Handler wired into channel.Manager.Config;
// it decodes every opcode the controller participates in and either tallies
// a reply or decodes the request, runs it, and writes the matching reply
// opcode back over the same channel.
func (c *Controller) HandleCommand(ch *channel.Channel, op wire.Opcode, payload []byte) {
	peerID := ch.PeerID()
	switch op {
	case wire.OpRequestVote:
		req, err := wire.DecodeRequestVote(payload)
		if err != nil {
			level.Warn(c.logger).Log("msg", "bad REQUEST_VOTE payload", "peer", peerID, "err", err)
			return
		}
		reply := c.HandleRequestVote(req)
		ch.WriteCommand(wire.OpRequestVoteReply, reply.Encode())

	case wire.OpRequestVoteReply:
		reply, err := wire.DecodeRequestVoteReply(payload)
		if err != nil {
			return
		}
		c.HandleRequestVoteReply(peerID, reply)

	case wire.OpLeaderCheck:
		ch.WriteCommand(wire.OpLeaderCheckReply, c.HandleLeaderCheck().Encode())

	case wire.OpLeaderCheckReply:
		reply, err := wire.DecodeLeaderCheckReply(payload)
		if err != nil {
			return
		}
		c.HandleLeaderCheckReply(peerID, reply)

	case wire.OpWriteData:
		w, err := wire.DecodeWriteData(payload)
		if err != nil {
			level.Warn(c.logger).Log("msg", "bad WRITE_DATA payload", "peer", peerID, "err", err)
			return
		}
		c.mu.Lock()
		c.knownLeader = peerID
		c.mu.Unlock()
		reply, err := c.HandleWriteData(w)
		if err != nil {
			level.Error(c.logger).Log("msg", "failed to apply WRITE_DATA", "peer", peerID, "err", err)
			return
		}
		ch.WriteCommand(wire.OpWriteDataReply, reply.Encode())

	case wire.OpWriteAndProxy:
		w, err := wire.DecodeWriteData(payload)
		if err != nil {
			return
		}
		c.mu.Lock()
		c.knownLeader = peerID
		c.mu.Unlock()
		reply, err := c.HandleWriteAndProxy(peerID, w)
		if err != nil {
			return
		}
		ch.WriteCommand(wire.OpWriteDataReply, reply.Encode())

	case wire.OpWriteViaProxy:
		w, err := wire.DecodeWriteData(payload)
		if err != nil {
			return
		}
		reply, err := c.HandleWriteData(w)
		if err != nil {
			return
		}
		ch.WriteCommand(wire.OpWriteDataReply, reply.Encode())

	case wire.OpWriteDataReply:
		reply, err := wire.DecodeWriteDataReply(payload)
		if err != nil {
			return
		}
		c.RecordAck(peerID, reply.HighestPos)

	case wire.OpSyncCommit:
		msg, err := wire.DecodeSyncCommit(payload)
		if err != nil {
			return
		}
		reply, err := c.HandleSyncCommit(msg)
		if err != nil {
			level.Error(c.logger).Log("msg", "failed to apply SYNC_COMMIT", "peer", peerID, "err", err)
			return
		}
		ch.WriteCommand(wire.OpSyncCommitReply, reply.Encode())

	case wire.OpSyncCommitReply:
		reply, err := wire.DecodeSyncCommitReply(payload)
		if err != nil {
			return
		}
		c.mu.Lock()
		p, ok := c.peers[peerID]
		c.mu.Unlock()
		if ok {
			p.SetSyncMatchPosition(reply.Pos)
		}

	case wire.OpQueryDataReplyMissing:
		msg, err := wire.DecodeQueryDataReplyMissing(payload)
		if err != nil {
			return
		}
		if p := c.HandleMissingData(peerID, msg); p != nil {
			if err := c.ServiceCatchUp(p); err != nil {
				level.Warn(c.logger).Log("msg", "catch-up service failed", "peer", peerID, "err", err)
			}
		}

	case wire.OpForceElection:
		c.ForceElection()

	case wire.OpUpdateRole:
		req, err := wire.DecodeUpdateRole(payload)
		if err != nil {
			return
		}
		reply := c.HandleUpdateRole(peerID, req)
		ch.WriteCommand(wire.OpUpdateRoleReply, reply.Encode())

	case wire.OpQueryTerms:
		req, err := wire.DecodeQueryTerms(payload)
		if err != nil {
			return
		}
		ch.WriteCommand(wire.OpQueryTermsReply, wire.EncodeQueryTermsReply(c.HandleQueryTerms(req)))

	case wire.OpQueryData:
		req, err := wire.DecodeQueryData(payload)
		if err != nil {
			return
		}
		reply, missing := c.HandleQueryData(req)
		if missing != nil {
			ch.WriteCommand(wire.OpQueryDataReplyMissing, missing.Encode())
			return
		}
		ch.WriteCommand(wire.OpQueryDataReply, reply.Encode())

	default:
		// Known opcodes the controller does not handle (NOP, COMPACT,
		// SNAPSHOT_SCORE, GROUP_VERSION, GROUP_FILE and the replies not
		// matched above) reach this point and are dropped without a reply;
		// only unrecognized opcodes go to the channel's UnknownHandler.
	}
}
