// Package channel implements the control-connection wire wrapper (the
// "channel (wire)" half of component D sitting directly on net.Conn) and
// the channel manager (component E): connection lifecycle, accept loop,
// reconnect backoff, and write-timeout supervision.
package channel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/quorumkv/raftlog/types"
	"github.com/quorumkv/raftlog/wire"
)

// Handler dispatches one received command. Implementations reply by writing
// directly to the Channel passed to them.
type Handler func(ch *Channel, op wire.Opcode, payload []byte)

// UnknownHandler is invoked for an unrecognized opcode; the frame's bytes
// have already been consumed off the wire.
type UnknownHandler func(op wire.Opcode)

// Role distinguishes client (outbound, reconnecting) channels from server
// (inbound, accepted) channels for write-timeout threshold purposes.
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

// writeCheckDelay is the write-timeout supervisor's tick period.
const writeCheckDelay = 125 * time.Millisecond

// clientWriteTicks and serverWriteTicks are the per-role stall thresholds
// expressed in ticks of writeCheckDelay, per spec §4.E. A stalled channel is
// closed on the first tick past its threshold: client 2 ticks (250-375ms
// effective), server 50 ticks (6.25-6.375s effective).
const (
	clientWriteTicks = 2
	serverWriteTicks = 50
)

// Channel wraps one established, handshaked TCP connection carrying framed
// commands. Writes are serialized by writeMu; at most one write may be in
// flight, tracked by inWrite for the timeout supervisor.
type Channel struct {
	conn   net.Conn
	role   Role
	peerID types.MemberID
	logger log.Logger

	writeMu sync.Mutex
	closed  atomic.Bool

	// inWrite and stallTicks implement the write-timeout supervisor: inWrite
	// is set true for the duration of a Write call; a periodic tick
	// increments stallTicks while inWrite is true and resets it to 0 the
	// moment a write completes.
	inWrite    atomic.Bool
	stallTicks atomic.Int32

	onClose func(*Channel)
}

// New wraps an already-handshaked conn as a Channel.
func New(conn net.Conn, role Role, peerID types.MemberID, logger log.Logger, onClose func(*Channel)) *Channel {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Channel{conn: conn, role: role, peerID: peerID, logger: logger, onClose: onClose}
}

// PeerID returns the member id this channel was established with.
func (c *Channel) PeerID() types.MemberID { return c.peerID }

// WriteCommand frames and writes one command, exclusively with respect to
// any other writer on this channel. On any I/O failure the channel is
// closed, matching spec §4.E's "output side is cleared and socket closed".
func (c *Channel) WriteCommand(op wire.Opcode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return types.ErrClosed
	}
	c.inWrite.Store(true)
	err := wire.WriteCommand(c.conn, op, payload)
	c.inWrite.Store(false)
	c.stallTicks.Store(0)
	if err != nil {
		c.Close()
		return fmt.Errorf("channel: write: %w", err)
	}
	return nil
}

// InputLoop reads framed commands until EOF or error, dispatching each to
// handle (or unknown for an unrecognized opcode), then closes the channel
// and invokes onClose so the owning manager can schedule a reconnect.
func (c *Channel) InputLoop(handle Handler, unknown UnknownHandler) {
	defer c.Close()
	for {
		op, payload, err := wire.ReadCommand(c.conn)
		if err != nil {
			if !c.closed.Load() {
				level.Debug(c.logger).Log("msg", "channel input loop ended", "peer", c.peerID, "err", err)
			}
			return
		}
		if !isKnownOpcode(op) {
			if unknown != nil {
				unknown(op)
			}
			continue
		}
		handle(c, op, payload)
	}
}

func isKnownOpcode(op wire.Opcode) bool {
	switch op {
	case wire.OpNop, wire.OpRequestVote, wire.OpRequestVoteReply,
		wire.OpQueryTerms, wire.OpQueryTermsReply,
		wire.OpQueryData, wire.OpQueryDataReply,
		wire.OpWriteData, wire.OpWriteDataReply,
		wire.OpSyncCommit, wire.OpSyncCommitReply,
		wire.OpCompact,
		wire.OpSnapshotScore, wire.OpSnapshotScoreReply,
		wire.OpUpdateRole, wire.OpUpdateRoleReply,
		wire.OpGroupVersion, wire.OpGroupVersionReply,
		wire.OpGroupFile, wire.OpGroupFileReply,
		wire.OpLeaderCheck, wire.OpLeaderCheckReply,
		wire.OpWriteAndProxy, wire.OpWriteViaProxy,
		wire.OpQueryDataReplyMissing, wire.OpForceElection:
		return true
	default:
		return false
	}
}

// tickWriteTimeout advances the stall counter if a write is in flight,
// force-closing the channel once the per-role threshold is exceeded. Called
// by the manager's scheduler every writeCheckDelay.
func (c *Channel) tickWriteTimeout() {
	if !c.inWrite.Load() {
		return
	}
	ticks := c.stallTicks.Add(1)
	threshold := int32(clientWriteTicks)
	if c.role == RoleServer {
		threshold = serverWriteTicks
	}
	if ticks > threshold {
		level.Warn(c.logger).Log("msg", "write-timeout supervisor force-closing stalled channel", "peer", c.peerID, "ticks", ticks)
		c.Close()
	}
}

// Close closes the underlying connection. Idempotent.
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.conn.Close()
	if c.onClose != nil {
		c.onClose(c)
	}
	return err
}

// Closed reports whether the channel has been closed.
func (c *Channel) Closed() bool { return c.closed.Load() }

// WaitForConnection blocks until ready is closed or ctx is done; Channel itself is already
// connected by construction, so this exists for callers (e.g. a client
// awaiting its first successful reconnect) layered on top by Manager.
func WaitForConnection(ctx context.Context, ready <-chan struct{}) error {
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
