package rangeset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddMergesOverlapping(t *testing.T) {
	s := New()
	s.Add(0, 10)
	s.Add(5, 20)
	require.Equal(t, []Range{{Start: 0, End: 20}}, s.Ranges())
}

func TestAddMergesAdjacent(t *testing.T) {
	s := New()
	s.Add(0, 10)
	s.Add(10, 20)
	require.Equal(t, []Range{{Start: 0, End: 20}}, s.Ranges())
}

func TestAddKeepsDisjointSeparate(t *testing.T) {
	s := New()
	s.Add(0, 10)
	s.Add(20, 30)
	require.Equal(t, []Range{{Start: 0, End: 10}, {Start: 20, End: 30}}, s.Ranges())
}

func TestAddBridgesTwoDisjointRanges(t *testing.T) {
	s := New()
	s.Add(0, 10)
	s.Add(20, 30)
	s.Add(10, 20)
	require.Equal(t, []Range{{Start: 0, End: 30}}, s.Ranges())
}

func TestRemoveSplitsRange(t *testing.T) {
	s := New()
	s.Add(0, 30)
	s.Remove(10, 20)
	require.Equal(t, []Range{{Start: 0, End: 10}, {Start: 20, End: 30}}, s.Ranges())
}

func TestRemoveTrimsEdges(t *testing.T) {
	s := New()
	s.Add(0, 10)
	s.Remove(0, 5)
	require.Equal(t, []Range{{Start: 5, End: 10}}, s.Ranges())
}

func TestNextAndEmpty(t *testing.T) {
	s := New()
	_, ok := s.Next()
	require.False(t, ok)
	require.True(t, s.Empty())

	s.Add(5, 10)
	r, ok := s.Next()
	require.True(t, ok)
	require.Equal(t, Range{Start: 5, End: 10}, r)
	require.False(t, s.Empty())
}
