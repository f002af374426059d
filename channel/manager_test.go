package channel

import (
	"testing"
	"time"

	"github.com/quorumkv/raftlog/types"
	"github.com/quorumkv/raftlog/wire"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, memberID types.MemberID, groupID, token uint64) *Manager {
	t.Helper()
	m := New(Config{
		LocalMemberID: memberID,
		GroupID:       groupID,
		GroupToken:    token,
		ListenAddress: "127.0.0.1:0",
		Handle:        func(*Channel, wire.Opcode, []byte) {},
	})
	require.NoError(t, m.Listen())
	t.Cleanup(m.Stop)
	return m
}

func TestManagerAcceptsMatchingGroup(t *testing.T) {
	server := newTestManager(t, 1, 42, 7)
	client := newTestManager(t, 2, 42, 7)

	client.AddPeer(1, server.listener.Addr().String())

	require.Eventually(t, func() bool {
		_, ok := client.Client(1)
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestManagerRejectsWrongToken(t *testing.T) {
	server := newTestManager(t, 1, 42, 7)
	client := newTestManager(t, 2, 42, 99) // wrong token

	var faulted bool
	client.cfg.UncaughtJoinFault = func(addr string, err error) { faulted = true }
	client.AddPeer(1, server.listener.Addr().String())

	require.Eventually(t, func() bool { return faulted }, time.Second, 5*time.Millisecond)
	_, ok := client.Client(1)
	require.False(t, ok)
}

func TestManagerPartitionRejectsNewConnections(t *testing.T) {
	server := newTestManager(t, 1, 42, 7)
	server.SetPartitioned(true)

	client := newTestManager(t, 2, 42, 7)
	client.AddPeer(1, server.listener.Addr().String())

	time.Sleep(50 * time.Millisecond)
	_, ok := client.Client(1)
	require.False(t, ok)
}
