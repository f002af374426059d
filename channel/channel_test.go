package channel

import (
	"net"
	"testing"
	"time"

	"github.com/quorumkv/raftlog/types"
	"github.com/quorumkv/raftlog/wire"
	"github.com/stretchr/testify/require"
)

func pipeChannels(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	a, b := net.Pipe()
	ca := New(a, RoleClient, 1, nil, nil)
	cb := New(b, RoleServer, 2, nil, nil)
	t.Cleanup(func() { ca.Close(); cb.Close() })
	return ca, cb
}

func TestWriteCommandAndInputLoopDispatch(t *testing.T) {
	ca, cb := pipeChannels(t)

	received := make(chan wire.Opcode, 1)
	go cb.InputLoop(func(ch *Channel, op wire.Opcode, payload []byte) {
		received <- op
	}, nil)

	require.NoError(t, ca.WriteCommand(wire.OpNop, nil))

	select {
	case op := <-received:
		require.Equal(t, wire.OpNop, op)
	case <-time.After(time.Second):
		t.Fatal("command not received")
	}
}

func TestUnknownOpcodeInvokesCallback(t *testing.T) {
	ca, cb := pipeChannels(t)

	unknownCh := make(chan wire.Opcode, 1)
	go cb.InputLoop(func(*Channel, wire.Opcode, []byte) {}, func(op wire.Opcode) { unknownCh <- op })

	require.NoError(t, ca.WriteCommand(wire.Opcode(200), []byte("x")))

	select {
	case op := <-unknownCh:
		require.EqualValues(t, 200, op)
	case <-time.After(time.Second):
		t.Fatal("unknown callback not invoked")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	ca, _ := pipeChannels(t)
	require.NoError(t, ca.Close())
	require.NoError(t, ca.Close())
	require.True(t, ca.Closed())
}

func TestWriteAfterCloseFails(t *testing.T) {
	ca, _ := pipeChannels(t)
	require.NoError(t, ca.Close())
	err := ca.WriteCommand(wire.OpNop, nil)
	require.ErrorIs(t, err, types.ErrClosed)
}
