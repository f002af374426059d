package group

import (
	"path/filepath"
	"testing"

	"github.com/quorumkv/raftlog/types"
	"github.com/stretchr/testify/require"
)

func TestOpenFreshSeedsRoster(t *testing.T) {
	path := filepath.Join(t.TempDir(), "g.group")
	gf, err := Open(Config{
		Path:    path,
		GroupID: 99,
		Seed: []Member{
			{ID: 1, Address: "10.0.0.1:7000", Role: types.RoleNormal},
			{ID: 2, Address: "10.0.0.2:7000", Role: types.RoleNormal},
		},
	})
	require.NoError(t, err)
	require.EqualValues(t, 0, gf.Version())
	require.Len(t, gf.Members(), 2)
}

func TestApplyJoinBumpsVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "g.group")
	gf, err := Open(Config{Path: path, GroupID: 1})
	require.NoError(t, err)

	require.NoError(t, gf.Apply(Proposal{Op: OpJoin, ExpectedVersion: 0, Address: "10.0.0.5:7000", Role: types.RoleObserver}))
	require.EqualValues(t, 1, gf.Version())
	require.Len(t, gf.Members(), 1)
	require.Equal(t, types.RoleObserver, gf.Members()[0].Role)
}

func TestApplyRejectsVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "g.group")
	gf, err := Open(Config{Path: path, GroupID: 1})
	require.NoError(t, err)

	err = gf.Apply(Proposal{Op: OpJoin, ExpectedVersion: 5, Address: "x", Role: types.RoleObserver})
	require.ErrorIs(t, err, types.ErrVersionMismatch)
	require.EqualValues(t, 0, gf.Version())
}

func TestRecoverPrefersNewOverCurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "g.group")
	gf, err := Open(Config{
		Path:    path,
		GroupID: 1,
		Seed:    []Member{{ID: 1, Address: "10.0.0.1:7000", Role: types.RoleNormal}},
	})
	require.NoError(t, err)
	require.NoError(t, gf.Apply(Proposal{Op: OpRole, ExpectedVersion: 0, MemberID: 1, Role: types.RoleStandby}))

	gf2, err := Open(Config{Path: path})
	require.NoError(t, err)
	require.EqualValues(t, 1, gf2.Version())
	require.Equal(t, types.RoleStandby, gf2.Members()[0].Role)
}

func TestProposalEncodeDecodeRoundTrip(t *testing.T) {
	p := Proposal{Op: OpRole, ExpectedVersion: 3, MemberID: 7, Role: types.RoleProxy}
	got, err := DecodeProposal(p.Encode())
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestProposeCallbackFiresOnApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "g.group")
	gf, err := Open(Config{
		Path:    path,
		GroupID: 1,
		Seed:    []Member{{ID: 1, Address: "10.0.0.1:7000", Role: types.RoleNormal}},
	})
	require.NoError(t, err)

	p := Proposal{Op: OpRole, ExpectedVersion: 0, MemberID: 1, Role: types.RoleStandby}
	var got Snapshot
	fired := 0
	b := gf.Propose(p, func(snap Snapshot) {
		fired++
		got = snap
	})
	require.Equal(t, p.Encode(), b)

	require.NoError(t, gf.Apply(p))
	require.Equal(t, 1, fired, "callback must fire exactly once for its exact proposal bytes")
	require.EqualValues(t, 1, got.Version)
	require.Equal(t, types.RoleStandby, got.Members[0].Role)
}

func TestProposeCallbackDoesNotFireOnDifferentProposal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "g.group")
	gf, err := Open(Config{
		Path:    path,
		GroupID: 1,
		Seed:    []Member{{ID: 1, Address: "10.0.0.1:7000", Role: types.RoleNormal}},
	})
	require.NoError(t, err)

	fired := false
	gf.Propose(Proposal{Op: OpRole, ExpectedVersion: 0, MemberID: 1, Role: types.RoleStandby}, func(Snapshot) {
		fired = true
	})

	require.NoError(t, gf.Apply(Proposal{Op: OpRole, ExpectedVersion: 0, MemberID: 1, Role: types.RoleProxy}))
	require.False(t, fired, "a callback registered for different proposal bytes must not fire")
}

func TestApplyRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "g.group")
	gf, err := Open(Config{
		Path:    path,
		GroupID: 1,
		Seed:    []Member{{ID: 1, Address: "a", Role: types.RoleNormal}, {ID: 2, Address: "b", Role: types.RoleNormal}},
	})
	require.NoError(t, err)
	require.NoError(t, gf.Apply(Proposal{Op: OpRemove, ExpectedVersion: 0, MemberID: 2}))
	require.Len(t, gf.Members(), 1)
}
