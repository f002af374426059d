package controller

import (
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/quorumkv/raftlog/group"
	"github.com/quorumkv/raftlog/peer"
	"github.com/quorumkv/raftlog/statelog"
	"github.com/quorumkv/raftlog/types"
	"github.com/quorumkv/raftlog/wire"
)

func newTestStateLog(t *testing.T) *statelog.StateLog {
	t.Helper()
	dir := t.TempDir()
	sl, err := statelog.Open(statelog.Config{
		BasePath:        filepath.Join(dir, "state"),
		CreateFilePath:  true,
		SegmentCapacity: 64,
		Registerer:      prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { sl.Close() })
	return sl
}

func newTestController(t *testing.T, localID types.MemberID) *Controller {
	t.Helper()
	return New(Config{
		LocalID:    localID,
		StateLog:   newTestStateLog(t),
		Channels:   nil,
		Registerer: prometheus.NewRegistry(),
	})
}

func newTestGroup(t *testing.T, seed []group.Member) *group.File {
	t.Helper()
	gf, err := group.Open(group.Config{
		Path:    filepath.Join(t.TempDir(), "g.group"),
		GroupID: 1,
		Seed:    seed,
	})
	require.NoError(t, err)
	return gf
}

func TestNewControllerStartsFollower(t *testing.T) {
	c := newTestController(t, 1)
	require.Equal(t, RoleFollower, c.Role())
}

func TestHandleRequestVoteGrantsWhenNotBehind(t *testing.T) {
	c := newTestController(t, 1)
	reply := c.HandleRequestVote(wire.RequestVote{Term: 5, CandidateID: 2, CandHighestTerm: 0, CandHighestPos: 0})
	require.True(t, reply.Granted)
	require.EqualValues(t, 5, reply.Term)
}

func TestHandleRequestVoteRejectsStaleTerm(t *testing.T) {
	c := newTestController(t, 1)
	first := c.HandleRequestVote(wire.RequestVote{Term: 5, CandidateID: 2})
	require.True(t, first.Granted)

	second := c.HandleRequestVote(wire.RequestVote{Term: 5, CandidateID: 3})
	require.False(t, second.Granted, "second candidate in the same term must not also be granted")
}

func TestHandleRequestVoteRejectsBehindCandidate(t *testing.T) {
	c := newTestController(t, 1)
	_, err := c.log.DefineTerm(0, 1, 0)
	require.NoError(t, err)
	tl, ok := c.log.TermLogAt(0)
	require.True(t, ok)
	require.NoError(t, tl.Write([]byte("hello"), 0))
	c.log.Commit(5)

	reply := c.HandleRequestVote(wire.RequestVote{Term: 2, CandidateID: 2, CandHighestTerm: 0, CandHighestPos: 0})
	require.False(t, reply.Granted)
}

func TestHandleWriteDataAppliesAndReplies(t *testing.T) {
	c := newTestController(t, 1)
	_, err := c.log.DefineTerm(0, 1, 0)
	require.NoError(t, err)

	reply, err := c.HandleWriteData(wire.WriteData{PrevTerm: 0, Term: 1, Pos: 0, HighestPos: 5, CommitPos: 5, Bytes: []byte("hello")})
	require.NoError(t, err)
	require.EqualValues(t, 5, reply.HighestPos)
	require.EqualValues(t, 5, c.log.CaptureHighest().CommitPosition)
}

func TestRecordAckAdvancesCommitAtQuorum(t *testing.T) {
	c := newTestController(t, 1)
	_, err := c.log.DefineTerm(0, 1, 0)
	require.NoError(t, err)
	tl, ok := c.log.TermLogAt(0)
	require.True(t, ok)
	require.NoError(t, tl.Write([]byte("hello world"), 0))

	// A 4-member cluster (this leader plus 3 peers) needs 3 total positive
	// acks (self + 2 peers) to reach majority.
	p2 := peer.New(2, "addr2", types.RoleNormal)
	p3 := peer.New(3, "addr3", types.RoleNormal)
	p4 := peer.New(4, "addr4", types.RoleNormal)
	c.AddPeer(p2)
	c.AddPeer(p3)
	c.AddPeer(p4)

	c.RecordAck(2, 11)
	require.Zero(t, c.log.CaptureHighest().CommitPosition, "only self + one peer acked, short of a 4-node majority")

	c.RecordAck(3, 11)
	require.EqualValues(t, 11, c.log.CaptureHighest().CommitPosition)
}

func TestHandleRequestVoteReplyIgnoresStaleTerm(t *testing.T) {
	c := newTestController(t, 1)
	p2 := peer.New(2, "addr2", types.RoleNormal)
	c.AddPeer(p2)

	c.mu.Lock()
	c.role = RoleCandidate
	c.electionTerm = 5
	c.votesGranted = 1
	c.votedFrom = map[types.MemberID]bool{1: true}
	c.standbyOnlyVote = true
	c.mu.Unlock()

	c.HandleRequestVoteReply(2, wire.RequestVoteReply{Term: 4, Granted: true})
	require.Equal(t, RoleCandidate, c.Role(), "a reply for a stale term must not win the election")
}

func TestHandleRequestVoteReplyWinsMajority(t *testing.T) {
	c := newTestController(t, 1)
	p2 := peer.New(2, "addr2", types.RoleNormal)
	c.AddPeer(p2)

	c.mu.Lock()
	c.role = RoleCandidate
	c.electionTerm = 5
	c.votesGranted = 1
	c.votedFrom = map[types.MemberID]bool{1: true}
	c.standbyOnlyVote = true
	c.mu.Unlock()

	c.HandleRequestVoteReply(2, wire.RequestVoteReply{Term: 5, Granted: true})
	require.Equal(t, RoleLeader, c.Role())
}

func TestHandleRequestVoteReplyStandbyOnlyQuorumBecomesInterim(t *testing.T) {
	c := newTestController(t, 1)
	p2 := peer.New(2, "addr2", types.RoleStandby)
	c.AddPeer(p2)

	c.mu.Lock()
	c.role = RoleCandidate
	c.electionTerm = 5
	c.votesGranted = 1
	c.votedFrom = map[types.MemberID]bool{1: true}
	c.standbyOnlyVote = true
	c.mu.Unlock()

	c.HandleRequestVoteReply(2, wire.RequestVoteReply{Term: 5, Granted: true})
	require.Equal(t, RoleInterimLeader, c.Role())
}

func TestNewWriterDistinguishesRoles(t *testing.T) {
	c := newTestController(t, 1)
	require.ErrorIs(t, c.NewWriter(), types.ErrNotLeader)

	c.mu.Lock()
	c.role = RoleInterimLeader
	c.mu.Unlock()
	require.ErrorIs(t, c.NewWriter(), types.ErrInterimLeader)

	c.mu.Lock()
	c.role = RoleLeader
	c.mu.Unlock()
	require.NoError(t, c.NewWriter())
}

func TestAppendRejectsWhenNotLeader(t *testing.T) {
	c := newTestController(t, 1)
	_, err := c.Append([]byte("hello"))
	require.ErrorIs(t, err, types.ErrNotLeader)
}

func TestAppendWritesLocallyAndAdvancesCommitAlone(t *testing.T) {
	c := newTestController(t, 1)
	c.mu.Lock()
	c.role = RoleLeader
	c.electionTerm = 1
	c.mu.Unlock()
	_, err := c.log.DefineTerm(0, 1, 0)
	require.NoError(t, err)

	pos, err := c.Append([]byte("hello world"))
	require.NoError(t, err)
	require.EqualValues(t, 11, pos)
	// Alone in the cluster, self is the only consensus member: commit
	// advances immediately without waiting on any peer ack.
	require.EqualValues(t, 11, c.log.CaptureHighest().CommitPosition)

	pos2, err := c.Append([]byte("!"))
	require.NoError(t, err)
	require.EqualValues(t, 12, pos2)
}

func TestProposeRoleChangeAppliesViaGroupFile(t *testing.T) {
	gf := newTestGroup(t, []group.Member{{ID: 2, Address: "addr2", Role: types.RoleNormal}})
	c := New(Config{LocalID: 1, StateLog: newTestStateLog(t), Group: gf, Registerer: prometheus.NewRegistry()})
	c.mu.Lock()
	c.role = RoleLeader
	c.mu.Unlock()

	require.NoError(t, c.ProposeRoleChange(2, types.RoleStandby))
	require.EqualValues(t, 1, gf.Version())
	require.Equal(t, types.RoleStandby, gf.Members()[0].Role)
}

func TestProposeRoleChangeRejectsWhenNotLeaderAndNoKnownLeader(t *testing.T) {
	gf := newTestGroup(t, []group.Member{{ID: 2, Address: "addr2", Role: types.RoleNormal}})
	c := New(Config{LocalID: 1, StateLog: newTestStateLog(t), Group: gf, Registerer: prometheus.NewRegistry()})
	require.ErrorIs(t, c.ProposeRoleChange(2, types.RoleStandby), types.ErrNotLeader)
	require.EqualValues(t, 0, gf.Version(), "a rejected proposal must not touch the group file")
}

func TestHandleUpdateRoleAppliesThroughGroupFileNotDirectMutation(t *testing.T) {
	gf := newTestGroup(t, []group.Member{{ID: 2, Address: "addr2", Role: types.RoleNormal}})
	c := New(Config{LocalID: 1, StateLog: newTestStateLog(t), Group: gf, Registerer: prometheus.NewRegistry()})
	p2 := peer.New(2, "addr2", types.RoleNormal)
	c.AddPeer(p2)

	reply := c.HandleUpdateRole(3, wire.UpdateRole{GroupVersion: 0, MemberID: 2, Role: types.RoleStandby})
	require.EqualValues(t, 0, reply.Result)
	require.EqualValues(t, 1, gf.Version(), "a successful apply must bump the group file's version")
	require.Equal(t, types.RoleStandby, p2.Role(), "peer state is updated only after the group file accepts the change")
}

func TestHandleUpdateRoleRejectsStaleVersion(t *testing.T) {
	gf := newTestGroup(t, []group.Member{{ID: 2, Address: "addr2", Role: types.RoleNormal}})
	c := New(Config{LocalID: 1, StateLog: newTestStateLog(t), Group: gf, Registerer: prometheus.NewRegistry()})
	p2 := peer.New(2, "addr2", types.RoleNormal)
	c.AddPeer(p2)

	reply := c.HandleUpdateRole(3, wire.UpdateRole{GroupVersion: 9, MemberID: 2, Role: types.RoleStandby})
	require.NotZero(t, reply.Result)
	require.EqualValues(t, 0, gf.Version())
	require.Equal(t, types.RoleNormal, p2.Role(), "a version-mismatched proposal must not mutate peer state")
}

func TestHandleQueryTermsReturnsBoundariesInRange(t *testing.T) {
	c := newTestController(t, 1)
	_, err := c.log.DefineTerm(0, 1, 0)
	require.NoError(t, err)
	tl, ok := c.log.TermLogAt(0)
	require.True(t, ok)
	require.NoError(t, tl.Write([]byte("0123456789"), 0))
	require.NoError(t, tl.FinishTerm(10))
	_, err = c.log.DefineTerm(1, 2, 10)
	require.NoError(t, err)

	bounds := c.HandleQueryTerms(wire.QueryTerms{StartPos: 0, EndPos: 100})
	require.Len(t, bounds, 2)
	require.EqualValues(t, 0, bounds[0].StartPos)
	require.EqualValues(t, 1, bounds[0].Term)
	require.EqualValues(t, 10, bounds[1].StartPos)
	require.EqualValues(t, 1, bounds[1].PrevTerm)
	require.EqualValues(t, 2, bounds[1].Term)
}

func TestHandleQueryDataReturnsBytesForCommittedRange(t *testing.T) {
	c := newTestController(t, 1)
	_, err := c.log.DefineTerm(0, 1, 0)
	require.NoError(t, err)
	tl, ok := c.log.TermLogAt(0)
	require.True(t, ok)
	require.NoError(t, tl.Write([]byte("hello world"), 0))
	c.log.Commit(11)

	reply, missing := c.HandleQueryData(wire.QueryData{StartPos: 0, EndPos: 11})
	require.Nil(t, missing)
	require.Equal(t, []byte("hello world"), reply.Bytes)
	require.EqualValues(t, 1, reply.Term)
}

func TestHandleQueryDataReportsMissingRange(t *testing.T) {
	c := newTestController(t, 1)
	reply, missing := c.HandleQueryData(wire.QueryData{StartPos: 50, EndPos: 100})
	require.NotNil(t, missing)
	require.Equal(t, wire.QueryDataReply{}, reply)
	require.EqualValues(t, 50, missing.StartPos)
	require.EqualValues(t, 100, missing.EndPos)
}

func TestFailoverRequiresCaughtUpPeer(t *testing.T) {
	c := newTestController(t, 1)
	_, err := c.log.DefineTerm(0, 1, 0)
	require.NoError(t, err)
	tl, ok := c.log.TermLogAt(0)
	require.True(t, ok)
	require.NoError(t, tl.Write([]byte("hello"), 0))

	c.mu.Lock()
	c.role = RoleLeader
	c.mu.Unlock()

	p2 := peer.New(2, "addr2", types.RoleNormal)
	c.AddPeer(p2)

	require.Error(t, c.Failover(), "no peer has caught up yet")

	p2.SetMatchPosition(5)
	require.NoError(t, c.Failover())
	require.Equal(t, RoleFollower, c.Role())
}

func TestHandleMissingDataRegistersRange(t *testing.T) {
	c := newTestController(t, 1)
	p2 := peer.New(2, "addr2", types.RoleNormal)
	c.AddPeer(p2)

	got := c.HandleMissingData(2, wire.QueryDataReplyMissing{StartPos: 0, EndPos: 10})
	require.NotNil(t, got)
	require.False(t, p2.Missing.Empty())
}

func TestRemovePeer(t *testing.T) {
	c := newTestController(t, 1)
	p2 := peer.New(2, "addr2", types.RoleNormal)
	c.AddPeer(p2)
	require.Len(t, c.Peers(), 1)
	c.RemovePeer(2)
	require.Len(t, c.Peers(), 0)
}

