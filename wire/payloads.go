package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/quorumkv/raftlog/types"
)

// voteGrantedBit is the sign bit of the term field in a REQUEST_VOTE reply;
// spec §4.D encodes the granted flag in the high bit of the term.
const voteGrantedBit = uint64(1) << 63

// RequestVote is the payload of opcode REQUEST_VOTE.
type RequestVote struct {
	Term            types.Term
	CandidateID     types.MemberID
	CandHighestTerm types.Term
	CandHighestPos  types.Position
}

func (m RequestVote) Encode() []byte {
	buf := make([]byte, 32)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(m.Term))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(m.CandidateID))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(m.CandHighestTerm))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(m.CandHighestPos))
	return buf
}

func DecodeRequestVote(buf []byte) (RequestVote, error) {
	if len(buf) != 32 {
		return RequestVote{}, fmt.Errorf("%w: REQUEST_VOTE payload must be 32 bytes", types.ErrCorrupt)
	}
	return RequestVote{
		Term:            types.Term(binary.LittleEndian.Uint64(buf[0:8])),
		CandidateID:     types.MemberID(binary.LittleEndian.Uint64(buf[8:16])),
		CandHighestTerm: types.Term(binary.LittleEndian.Uint64(buf[16:24])),
		CandHighestPos:  types.Position(binary.LittleEndian.Uint64(buf[24:32])),
	}, nil
}

// RequestVoteReply is the payload of the REQUEST_VOTE reply opcode.
type RequestVoteReply struct {
	Term    types.Term
	Granted bool
}

func (m RequestVoteReply) Encode() []byte {
	buf := make([]byte, 8)
	v := uint64(m.Term)
	if m.Granted {
		v |= voteGrantedBit
	}
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func DecodeRequestVoteReply(buf []byte) (RequestVoteReply, error) {
	if len(buf) != 8 {
		return RequestVoteReply{}, fmt.Errorf("%w: REQUEST_VOTE reply payload must be 8 bytes", types.ErrCorrupt)
	}
	v := binary.LittleEndian.Uint64(buf)
	return RequestVoteReply{Term: types.Term(v &^ voteGrantedBit), Granted: v&voteGrantedBit != 0}, nil
}

// QueryTerms is the payload of opcode QUERY_TERMS.
type QueryTerms struct {
	StartPos, EndPos types.Position
}

func (m QueryTerms) Encode() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(m.StartPos))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(m.EndPos))
	return buf
}

func DecodeQueryTerms(buf []byte) (QueryTerms, error) {
	if len(buf) != 16 {
		return QueryTerms{}, fmt.Errorf("%w: QUERY_TERMS payload must be 16 bytes", types.ErrCorrupt)
	}
	return QueryTerms{
		StartPos: types.Position(binary.LittleEndian.Uint64(buf[0:8])),
		EndPos:   types.Position(binary.LittleEndian.Uint64(buf[8:16])),
	}, nil
}

// TermBoundary is one repeated entry in a QUERY_TERMS reply.
type TermBoundary struct {
	PrevTerm, Term types.Term
	StartPos       types.Position
}

const termBoundarySize = 24

func EncodeQueryTermsReply(bounds []TermBoundary) []byte {
	buf := make([]byte, len(bounds)*termBoundarySize)
	for i, b := range bounds {
		off := i * termBoundarySize
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(b.PrevTerm))
		binary.LittleEndian.PutUint64(buf[off+8:off+16], uint64(b.Term))
		binary.LittleEndian.PutUint64(buf[off+16:off+24], uint64(b.StartPos))
	}
	return buf
}

func DecodeQueryTermsReply(buf []byte) ([]TermBoundary, error) {
	if len(buf)%termBoundarySize != 0 {
		return nil, fmt.Errorf("%w: QUERY_TERMS reply payload misaligned", types.ErrCorrupt)
	}
	out := make([]TermBoundary, len(buf)/termBoundarySize)
	for i := range out {
		off := i * termBoundarySize
		out[i] = TermBoundary{
			PrevTerm: types.Term(binary.LittleEndian.Uint64(buf[off : off+8])),
			Term:     types.Term(binary.LittleEndian.Uint64(buf[off+8 : off+16])),
			StartPos: types.Position(binary.LittleEndian.Uint64(buf[off+16 : off+24])),
		}
	}
	return out, nil
}

// QueryData is the payload of opcode QUERY_DATA.
type QueryData struct {
	StartPos, EndPos types.Position
}

func (m QueryData) Encode() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(m.StartPos))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(m.EndPos))
	return buf
}

func DecodeQueryData(buf []byte) (QueryData, error) {
	if len(buf) != 16 {
		return QueryData{}, fmt.Errorf("%w: QUERY_DATA payload must be 16 bytes", types.ErrCorrupt)
	}
	return QueryData{
		StartPos: types.Position(binary.LittleEndian.Uint64(buf[0:8])),
		EndPos:   types.Position(binary.LittleEndian.Uint64(buf[8:16])),
	}, nil
}

// queryDataHeaderSize is the fixed-field prefix of a QUERY_DATA reply
// payload, ahead of the variable-length byte slice.
const queryDataHeaderSize = 32

// QueryDataReply is the payload of the QUERY_DATA reply opcode.
type QueryDataReply struct {
	CurrentTerm    types.Term
	PrevTerm, Term types.Term
	Pos            types.Position
	Bytes          []byte
}

func (m QueryDataReply) Encode() []byte {
	buf := make([]byte, queryDataHeaderSize+len(m.Bytes))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(m.CurrentTerm))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(m.PrevTerm))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(m.Term))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(m.Pos))
	copy(buf[queryDataHeaderSize:], m.Bytes)
	return buf
}

func DecodeQueryDataReply(buf []byte) (QueryDataReply, error) {
	if len(buf) < queryDataHeaderSize {
		return QueryDataReply{}, fmt.Errorf("%w: QUERY_DATA reply payload too short", types.ErrCorrupt)
	}
	return QueryDataReply{
		CurrentTerm: types.Term(binary.LittleEndian.Uint64(buf[0:8])),
		PrevTerm:    types.Term(binary.LittleEndian.Uint64(buf[8:16])),
		Term:        types.Term(binary.LittleEndian.Uint64(buf[16:24])),
		Pos:         types.Position(binary.LittleEndian.Uint64(buf[24:32])),
		Bytes:       append([]byte(nil), buf[queryDataHeaderSize:]...),
	}, nil
}

// QueryDataReplyMissing is the payload of opcode QUERY_DATA_REPLY_MISSING,
// sent by a follower instead of QueryDataReply when it lacks the requested
// range, so the leader can schedule catch-up via a RangeSet.
type QueryDataReplyMissing struct {
	CurrentTerm      types.Term
	PrevTerm, Term   types.Term
	StartPos, EndPos types.Position
}

func (m QueryDataReplyMissing) Encode() []byte {
	buf := make([]byte, 40)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(m.CurrentTerm))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(m.PrevTerm))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(m.Term))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(m.StartPos))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(m.EndPos))
	return buf
}

func DecodeQueryDataReplyMissing(buf []byte) (QueryDataReplyMissing, error) {
	if len(buf) != 40 {
		return QueryDataReplyMissing{}, fmt.Errorf("%w: QUERY_DATA_REPLY_MISSING payload must be 40 bytes", types.ErrCorrupt)
	}
	return QueryDataReplyMissing{
		CurrentTerm: types.Term(binary.LittleEndian.Uint64(buf[0:8])),
		PrevTerm:    types.Term(binary.LittleEndian.Uint64(buf[8:16])),
		Term:        types.Term(binary.LittleEndian.Uint64(buf[16:24])),
		StartPos:    types.Position(binary.LittleEndian.Uint64(buf[24:32])),
		EndPos:      types.Position(binary.LittleEndian.Uint64(buf[32:40])),
	}, nil
}

// writeDataHeaderSize is the fixed-field prefix ahead of the data bytes in a
// WRITE_DATA / WRITE_AND_PROXY / WRITE_VIA_PROXY payload.
const writeDataHeaderSize = 40

// WriteData is the payload shared by WRITE_DATA, WRITE_AND_PROXY and
// WRITE_VIA_PROXY.
type WriteData struct {
	PrevTerm, Term types.Term
	Pos            types.Position
	HighestPos     types.Position
	CommitPos      types.Position
	Bytes          []byte
}

func (m WriteData) Encode() []byte {
	buf := make([]byte, writeDataHeaderSize+len(m.Bytes))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(m.PrevTerm))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(m.Term))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(m.Pos))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(m.HighestPos))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(m.CommitPos))
	copy(buf[writeDataHeaderSize:], m.Bytes)
	return buf
}

func DecodeWriteData(buf []byte) (WriteData, error) {
	if len(buf) < writeDataHeaderSize {
		return WriteData{}, fmt.Errorf("%w: WRITE_DATA payload too short", types.ErrCorrupt)
	}
	return WriteData{
		PrevTerm:   types.Term(binary.LittleEndian.Uint64(buf[0:8])),
		Term:       types.Term(binary.LittleEndian.Uint64(buf[8:16])),
		Pos:        types.Position(binary.LittleEndian.Uint64(buf[16:24])),
		HighestPos: types.Position(binary.LittleEndian.Uint64(buf[24:32])),
		CommitPos:  types.Position(binary.LittleEndian.Uint64(buf[32:40])),
		Bytes:      append([]byte{}, buf[writeDataHeaderSize:]...),
	}, nil
}

// WriteDataReply is the payload of the WRITE_DATA reply opcode. A follower
// rejecting the write (prevTermAt mismatch) replies with its own
// highestPosition so the leader can back off, per spec §4.F.
type WriteDataReply struct {
	Term       types.Term
	HighestPos types.Position
}

func (m WriteDataReply) Encode() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(m.Term))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(m.HighestPos))
	return buf
}

func DecodeWriteDataReply(buf []byte) (WriteDataReply, error) {
	if len(buf) != 16 {
		return WriteDataReply{}, fmt.Errorf("%w: WRITE_DATA reply payload must be 16 bytes", types.ErrCorrupt)
	}
	return WriteDataReply{
		Term:       types.Term(binary.LittleEndian.Uint64(buf[0:8])),
		HighestPos: types.Position(binary.LittleEndian.Uint64(buf[8:16])),
	}, nil
}

// SyncCommit is the payload of opcode SYNC_COMMIT.
type SyncCommit struct {
	PrevTerm, Term types.Term
	Pos            types.Position
}

func (m SyncCommit) Encode() []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(m.PrevTerm))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(m.Term))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(m.Pos))
	return buf
}

func DecodeSyncCommit(buf []byte) (SyncCommit, error) {
	if len(buf) != 24 {
		return SyncCommit{}, fmt.Errorf("%w: SYNC_COMMIT payload must be 24 bytes", types.ErrCorrupt)
	}
	return SyncCommit{
		PrevTerm: types.Term(binary.LittleEndian.Uint64(buf[0:8])),
		Term:     types.Term(binary.LittleEndian.Uint64(buf[8:16])),
		Pos:      types.Position(binary.LittleEndian.Uint64(buf[16:24])),
	}, nil
}

// SyncCommitReply is the payload of the SYNC_COMMIT reply opcode.
type SyncCommitReply struct {
	GroupVersion uint64
	Term         types.Term
	Pos          types.Position
}

func (m SyncCommitReply) Encode() []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint64(buf[0:8], m.GroupVersion)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(m.Term))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(m.Pos))
	return buf
}

func DecodeSyncCommitReply(buf []byte) (SyncCommitReply, error) {
	if len(buf) != 24 {
		return SyncCommitReply{}, fmt.Errorf("%w: SYNC_COMMIT reply payload must be 24 bytes", types.ErrCorrupt)
	}
	return SyncCommitReply{
		GroupVersion: binary.LittleEndian.Uint64(buf[0:8]),
		Term:         types.Term(binary.LittleEndian.Uint64(buf[8:16])),
		Pos:          types.Position(binary.LittleEndian.Uint64(buf[16:24])),
	}, nil
}

// Compact is the payload of opcode COMPACT.
type Compact struct {
	Pos types.Position
}

func (m Compact) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(m.Pos))
	return buf
}

func DecodeCompact(buf []byte) (Compact, error) {
	if len(buf) != 8 {
		return Compact{}, fmt.Errorf("%w: COMPACT payload must be 8 bytes", types.ErrCorrupt)
	}
	return Compact{Pos: types.Position(binary.LittleEndian.Uint64(buf))}, nil
}

// SnapshotScoreReply is the payload of the SNAPSHOT_SCORE reply opcode.
type SnapshotScoreReply struct {
	ActiveSessions uint32
	Weight         uint32
}

func (m SnapshotScoreReply) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], m.ActiveSessions)
	binary.LittleEndian.PutUint32(buf[4:8], m.Weight)
	return buf
}

func DecodeSnapshotScoreReply(buf []byte) (SnapshotScoreReply, error) {
	if len(buf) != 8 {
		return SnapshotScoreReply{}, fmt.Errorf("%w: SNAPSHOT_SCORE reply payload must be 8 bytes", types.ErrCorrupt)
	}
	return SnapshotScoreReply{
		ActiveSessions: binary.LittleEndian.Uint32(buf[0:4]),
		Weight:         binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// UpdateRole is the payload of opcode UPDATE_ROLE.
type UpdateRole struct {
	GroupVersion uint64
	MemberID     types.MemberID
	Role         types.Role
}

func (m UpdateRole) Encode() []byte {
	buf := make([]byte, 17)
	binary.LittleEndian.PutUint64(buf[0:8], m.GroupVersion)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(m.MemberID))
	buf[16] = byte(m.Role)
	return buf
}

func DecodeUpdateRole(buf []byte) (UpdateRole, error) {
	if len(buf) != 17 {
		return UpdateRole{}, fmt.Errorf("%w: UPDATE_ROLE payload must be 17 bytes", types.ErrCorrupt)
	}
	return UpdateRole{
		GroupVersion: binary.LittleEndian.Uint64(buf[0:8]),
		MemberID:     types.MemberID(binary.LittleEndian.Uint64(buf[8:16])),
		Role:         types.Role(buf[16]),
	}, nil
}

// UpdateRoleReply is the payload of the UPDATE_ROLE reply opcode.
type UpdateRoleReply struct {
	GroupVersion uint64
	MemberID     types.MemberID
	Result       uint32
}

func (m UpdateRoleReply) Encode() []byte {
	buf := make([]byte, 20)
	binary.LittleEndian.PutUint64(buf[0:8], m.GroupVersion)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(m.MemberID))
	binary.LittleEndian.PutUint32(buf[16:20], m.Result)
	return buf
}

func DecodeUpdateRoleReply(buf []byte) (UpdateRoleReply, error) {
	if len(buf) != 20 {
		return UpdateRoleReply{}, fmt.Errorf("%w: UPDATE_ROLE reply payload must be 20 bytes", types.ErrCorrupt)
	}
	return UpdateRoleReply{
		GroupVersion: binary.LittleEndian.Uint64(buf[0:8]),
		MemberID:     types.MemberID(binary.LittleEndian.Uint64(buf[8:16])),
		Result:       binary.LittleEndian.Uint32(buf[16:20]),
	}, nil
}

// GroupVersion is the shared payload shape of GROUP_VERSION request/reply.
type GroupVersion struct {
	Version uint64
}

func (m GroupVersion) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, m.Version)
	return buf
}

func DecodeGroupVersion(buf []byte) (GroupVersion, error) {
	if len(buf) != 8 {
		return GroupVersion{}, fmt.Errorf("%w: GROUP_VERSION payload must be 8 bytes", types.ErrCorrupt)
	}
	return GroupVersion{Version: binary.LittleEndian.Uint64(buf)}, nil
}

// GroupFile is the payload of opcode GROUP_FILE (request carries the
// caller's known version; reply carries the serialized file body).
type GroupFile struct {
	Version uint64
}

func (m GroupFile) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, m.Version)
	return buf
}

func DecodeGroupFile(buf []byte) (GroupFile, error) {
	if len(buf) != 8 {
		return GroupFile{}, fmt.Errorf("%w: GROUP_FILE payload must be 8 bytes", types.ErrCorrupt)
	}
	return GroupFile{Version: binary.LittleEndian.Uint64(buf)}, nil
}

// LeaderCheckReply is the payload of the LEADER_CHECK reply opcode. Term is
// -1 (encoded as all-ones) if the follower's election timer already fired
// and it cannot validate the leader's quorum.
type LeaderCheckReply struct {
	Term      types.Term
	Validated bool
}

func (m LeaderCheckReply) Encode() []byte {
	buf := make([]byte, 8)
	if m.Validated {
		binary.LittleEndian.PutUint64(buf, uint64(m.Term))
	} else {
		binary.LittleEndian.PutUint64(buf, ^uint64(0))
	}
	return buf
}

func DecodeLeaderCheckReply(buf []byte) (LeaderCheckReply, error) {
	if len(buf) != 8 {
		return LeaderCheckReply{}, fmt.Errorf("%w: LEADER_CHECK reply payload must be 8 bytes", types.ErrCorrupt)
	}
	v := binary.LittleEndian.Uint64(buf)
	if v == ^uint64(0) {
		return LeaderCheckReply{Validated: false}, nil
	}
	return LeaderCheckReply{Term: types.Term(v), Validated: true}, nil
}
