// Package peer implements per-remote-member state (component H): match
// position, role, group version and compaction watermark, all updated
// lock-free since they're read far more often (every commit advance check)
// than written (once per ack or role change). Generalizes the teacher's
// atomic-field-via-reflection pattern to native atomic.Uint64/Uint32 loads
// and compare-and-swaps, per spec §9's re-architecture note.
package peer

import (
	"sync/atomic"

	"github.com/quorumkv/raftlog/rangeset"
	"github.com/quorumkv/raftlog/types"
)

// Peer tracks everything the controller and channel manager need to know
// about one remote group member.
type Peer struct {
	id      types.MemberID
	address string

	role              atomic.Uint32 // types.Role
	matchPosition     atomic.Uint64 // types.Position
	syncMatchPosition atomic.Uint64 // types.Position
	compactPosition   atomic.Uint64 // types.Position
	groupVersion      atomic.Uint64

	// activeSessions and weight feed snapshot-peer selection (lowest
	// activeSessions wins, ties broken preferring followers over the leader).
	activeSessions atomic.Uint32
	snapshotWeight atomic.Uint32

	// Missing is the set of position ranges this peer has reported missing,
	// serviced lazily by catch-up; rangeset.Set is internally synchronized.
	Missing *rangeset.Set
}

// New constructs a Peer for a group member at the given address and initial
// role.
func New(id types.MemberID, address string, role types.Role) *Peer {
	p := &Peer{id: id, address: address, Missing: rangeset.New()}
	p.role.Store(uint32(role))
	return p
}

// ID returns the member id this Peer represents.
func (p *Peer) ID() types.MemberID { return p.id }

// Address returns the peer's advertised endpoint.
func (p *Peer) Address() string { return p.address }

// Role returns the peer's current role.
func (p *Peer) Role() types.Role { return types.Role(p.role.Load()) }

// SetRole stores a new role, e.g. on receiving an applied UPDATE_ROLE.
func (p *Peer) SetRole(r types.Role) { p.role.Store(uint32(r)) }

// MatchPosition returns the highest position this peer has acknowledged.
func (p *Peer) MatchPosition() types.Position { return types.Position(p.matchPosition.Load()) }

// SetMatchPosition stores a new match position if it advances the existing
// one; match position must never regress (an out-of-order ack must not
// undo a later one).
func (p *Peer) SetMatchPosition(pos types.Position) {
	raisedMax(&p.matchPosition, uint64(pos))
}

// SyncMatchPosition returns the highest position this peer has fsynced and
// acknowledged via SYNC_COMMIT_REPLY.
func (p *Peer) SyncMatchPosition() types.Position {
	return types.Position(p.syncMatchPosition.Load())
}

// SetSyncMatchPosition raises the sync-match position.
func (p *Peer) SetSyncMatchPosition(pos types.Position) {
	raisedMax(&p.syncMatchPosition, uint64(pos))
}

// CompactPosition returns the lowest position this peer still needs
// (positions before it may be safely compacted locally once every peer has
// reported a compact position at or above it).
func (p *Peer) CompactPosition() types.Position { return types.Position(p.compactPosition.Load()) }

// SetCompactPosition raises the compact position.
func (p *Peer) SetCompactPosition(pos types.Position) {
	raisedMax(&p.compactPosition, uint64(pos))
}

// GroupVersion returns the last group-file version this peer is known to
// have applied.
func (p *Peer) GroupVersion() uint64 { return p.groupVersion.Load() }

// SetGroupVersion raises the peer's known group version.
func (p *Peer) SetGroupVersion(v uint64) { raisedMax(&p.groupVersion, v) }

// SnapshotScore reports {activeSessions, weight} as last observed from a
// SNAPSHOT_SCORE reply.
func (p *Peer) SnapshotScore() (activeSessions, weight uint32) {
	return p.activeSessions.Load(), p.snapshotWeight.Load()
}

// SetSnapshotScore records a fresh SNAPSHOT_SCORE reply.
func (p *Peer) SetSnapshotScore(activeSessions, weight uint32) {
	p.activeSessions.Store(activeSessions)
	p.snapshotWeight.Store(weight)
}

func raisedMax(addr *atomic.Uint64, v uint64) {
	for {
		cur := addr.Load()
		if v <= cur {
			return
		}
		if addr.CompareAndSwap(cur, v) {
			return
		}
	}
}
