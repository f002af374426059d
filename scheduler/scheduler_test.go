package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAfterFiresOnce(t *testing.T) {
	s := New(2, nil, nil)
	defer s.Stop()

	var n atomic.Int32
	s.After(10*time.Millisecond, func() { n.Add(1) })

	require.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, n.Load())
}

func TestEveryFiresRepeatedly(t *testing.T) {
	s := New(1, nil, nil)
	defer s.Stop()

	var n atomic.Int32
	cancel := s.Every(5*time.Millisecond, func() { n.Add(1) })

	require.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
}

func TestCancelPreventsFiring(t *testing.T) {
	s := New(1, nil, nil)
	defer s.Stop()

	var n atomic.Int32
	cancel := s.After(20*time.Millisecond, func() { n.Add(1) })
	cancel()

	time.Sleep(60 * time.Millisecond)
	require.EqualValues(t, 0, n.Load())
}

func TestUncaughtHandlerReceivesPanics(t *testing.T) {
	caught := make(chan struct{}, 1)
	s := New(1, nil, func(err error) { caught <- struct{}{} })
	defer s.Stop()

	s.After(time.Millisecond, func() { panic("boom") })

	select {
	case <-caught:
	case <-time.After(time.Second):
		t.Fatal("uncaught handler was not invoked")
	}
}
