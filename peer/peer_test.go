package peer

import (
	"testing"

	"github.com/quorumkv/raftlog/types"
	"github.com/stretchr/testify/require"
)

func TestMatchPositionNeverRegresses(t *testing.T) {
	p := New(1, "10.0.0.1:7000", types.RoleNormal)
	p.SetMatchPosition(100)
	p.SetMatchPosition(50)
	require.EqualValues(t, 100, p.MatchPosition())
	p.SetMatchPosition(150)
	require.EqualValues(t, 150, p.MatchPosition())
}

func TestRoleAndGroupVersion(t *testing.T) {
	p := New(2, "10.0.0.2:7000", types.RoleObserver)
	require.Equal(t, types.RoleObserver, p.Role())
	p.SetRole(types.RoleNormal)
	require.Equal(t, types.RoleNormal, p.Role())

	p.SetGroupVersion(5)
	p.SetGroupVersion(3)
	require.EqualValues(t, 5, p.GroupVersion())
}

func TestSnapshotScore(t *testing.T) {
	p := New(3, "10.0.0.3:7000", types.RoleNormal)
	p.SetSnapshotScore(4, 10)
	sessions, weight := p.SnapshotScore()
	require.EqualValues(t, 4, sessions)
	require.EqualValues(t, 10, weight)
}

func TestMissingRangeSet(t *testing.T) {
	p := New(4, "10.0.0.4:7000", types.RoleNormal)
	require.True(t, p.Missing.Empty())
	p.Missing.Add(10, 20)
	require.False(t, p.Missing.Empty())
}
