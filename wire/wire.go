// Package wire implements the length-prefixed binary protocol (component D)
// shared by every TCP connection the channel manager opens or accepts: a
// fixed 40-byte connect header followed, on the control connection type, by
// an 8-byte-framed command stream.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/quorumkv/raftlog/types"
)

// ConnectMagic identifies this protocol version on the wire.
const ConnectMagic = uint64(0x48D7B2F1F3CA4B6A)

// ConnHeaderSize is the fixed size of the connect header, CRC included.
const ConnHeaderSize = 40

// connCRCSize is how many leading bytes of the header the CRC covers.
const connCRCSize = 36

// ConnType enumerates the purpose of a newly established connection.
type ConnType uint32

const (
	ConnControl  ConnType = 0
	ConnPlain    ConnType = 1
	ConnJoin     ConnType = 2
	ConnSnapshot ConnType = 3
)

// ConnectHeader is the first thing written and read on every connection.
type ConnectHeader struct {
	GroupToken uint64
	GroupID    uint64
	SenderID   types.MemberID
	Type       ConnType
}

// Encode serializes h into a 40-byte buffer with a trailing CRC-32C.
func (h ConnectHeader) Encode() []byte {
	buf := make([]byte, ConnHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], ConnectMagic)
	binary.LittleEndian.PutUint64(buf[8:16], h.GroupToken)
	binary.LittleEndian.PutUint64(buf[16:24], h.GroupID)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(h.SenderID))
	binary.LittleEndian.PutUint32(buf[32:36], uint32(h.Type))
	binary.LittleEndian.PutUint32(buf[36:40], types.CRC32C(buf[:connCRCSize]))
	return buf
}

// DecodeConnectHeader parses a 40-byte buffer. A magic mismatch and a CRC
// mismatch both return an error wrapping types.ErrChecksumMismatch; only the
// message text tells them apart.
func DecodeConnectHeader(buf []byte) (ConnectHeader, error) {
	if len(buf) != ConnHeaderSize {
		return ConnectHeader{}, fmt.Errorf("%w: connect header must be %d bytes, got %d", types.ErrCorrupt, ConnHeaderSize, len(buf))
	}
	if binary.LittleEndian.Uint64(buf[0:8]) != ConnectMagic {
		return ConnectHeader{}, fmt.Errorf("%w: connect header bad magic", types.ErrChecksumMismatch)
	}
	want := binary.LittleEndian.Uint32(buf[36:40])
	got := types.CRC32C(buf[:connCRCSize])
	if want != got {
		return ConnectHeader{}, fmt.Errorf("%w: connect header CRC mismatch", types.ErrChecksumMismatch)
	}
	return ConnectHeader{
		GroupToken: binary.LittleEndian.Uint64(buf[8:16]),
		GroupID:    binary.LittleEndian.Uint64(buf[16:24]),
		SenderID:   types.MemberID(binary.LittleEndian.Uint64(buf[24:32])),
		Type:       ConnType(binary.LittleEndian.Uint32(buf[32:36])),
	}, nil
}

// RejectHeader is written by the accepting side when the group token or
// group id in an incoming ConnectHeader doesn't match: {token: 0, group: 0}
// encoded and CRC'd normally, so the remote can still parse it as a header.
func RejectHeader() []byte {
	return ConnectHeader{GroupToken: 0, GroupID: 0}.Encode()
}

// WriteConnectHeader writes h to w in full or returns an error.
func WriteConnectHeader(w io.Writer, h ConnectHeader) error {
	_, err := w.Write(h.Encode())
	return err
}

// ReadConnectHeader reads and decodes a ConnectHeader from r.
func ReadConnectHeader(r io.Reader) (ConnectHeader, error) {
	buf := make([]byte, ConnHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return ConnectHeader{}, err
	}
	return DecodeConnectHeader(buf)
}

// Opcode identifies a command on the control connection. Requests are even,
// replies are odd (request | 1), per spec §4.D.
type Opcode uint8

const (
	OpNop Opcode = 0

	OpRequestVote      Opcode = 2
	OpRequestVoteReply Opcode = 3

	OpQueryTerms      Opcode = 4
	OpQueryTermsReply Opcode = 5

	OpQueryData      Opcode = 6
	OpQueryDataReply Opcode = 7

	OpWriteData      Opcode = 8
	OpWriteDataReply Opcode = 9

	OpSyncCommit      Opcode = 10
	OpSyncCommitReply Opcode = 11

	OpCompact Opcode = 12

	OpSnapshotScore      Opcode = 14
	OpSnapshotScoreReply Opcode = 15

	OpUpdateRole      Opcode = 16
	OpUpdateRoleReply Opcode = 17

	OpGroupVersion      Opcode = 18
	OpGroupVersionReply Opcode = 19

	OpGroupFile      Opcode = 20
	OpGroupFileReply Opcode = 21

	OpLeaderCheck      Opcode = 22
	OpLeaderCheckReply Opcode = 23

	OpWriteAndProxy Opcode = 24
	OpWriteViaProxy Opcode = 26

	OpQueryDataReplyMissing Opcode = 29

	OpForceElection Opcode = 34
)

func (op Opcode) String() string {
	switch op {
	case OpNop:
		return "NOP"
	case OpRequestVote:
		return "REQUEST_VOTE"
	case OpRequestVoteReply:
		return "REQUEST_VOTE_REPLY"
	case OpQueryTerms:
		return "QUERY_TERMS"
	case OpQueryTermsReply:
		return "QUERY_TERMS_REPLY"
	case OpQueryData:
		return "QUERY_DATA"
	case OpQueryDataReply:
		return "QUERY_DATA_REPLY"
	case OpWriteData:
		return "WRITE_DATA"
	case OpWriteDataReply:
		return "WRITE_DATA_REPLY"
	case OpSyncCommit:
		return "SYNC_COMMIT"
	case OpSyncCommitReply:
		return "SYNC_COMMIT_REPLY"
	case OpCompact:
		return "COMPACT"
	case OpSnapshotScore:
		return "SNAPSHOT_SCORE"
	case OpSnapshotScoreReply:
		return "SNAPSHOT_SCORE_REPLY"
	case OpUpdateRole:
		return "UPDATE_ROLE"
	case OpUpdateRoleReply:
		return "UPDATE_ROLE_REPLY"
	case OpGroupVersion:
		return "GROUP_VERSION"
	case OpGroupVersionReply:
		return "GROUP_VERSION_REPLY"
	case OpGroupFile:
		return "GROUP_FILE"
	case OpGroupFileReply:
		return "GROUP_FILE_REPLY"
	case OpLeaderCheck:
		return "LEADER_CHECK"
	case OpLeaderCheckReply:
		return "LEADER_CHECK_REPLY"
	case OpWriteAndProxy:
		return "WRITE_AND_PROXY"
	case OpWriteViaProxy:
		return "WRITE_VIA_PROXY"
	case OpQueryDataReplyMissing:
		return "QUERY_DATA_REPLY_MISSING"
	case OpForceElection:
		return "FORCE_ELECTION"
	default:
		return fmt.Sprintf("Opcode(%d)", uint8(op))
	}
}

// CommandHeaderSize is the fixed 8-byte header preceding every command:
// 3-byte little-endian length (low 24 bits), 1-byte opcode, 4 reserved bytes.
const CommandHeaderSize = 8

// EncodeCommand prepends the 8-byte command header to payload and returns
// the full framed command. The 4 reserved bytes are left zero: per spec §9
// open question, command-payload CRC is unimplemented upstream and this
// repo keeps the reserved bytes zero for wire compatibility rather than
// inventing a configuration knob for it.
func EncodeCommand(op Opcode, payload []byte) []byte {
	if len(payload) > 0xFFFFFF {
		panic("wire: command payload exceeds 24-bit length field")
	}
	buf := make([]byte, CommandHeaderSize+len(payload))
	length := uint32(len(payload))
	buf[0] = byte(length)
	buf[1] = byte(length >> 8)
	buf[2] = byte(length >> 16)
	buf[3] = byte(op)
	// buf[4:8] reserved, left zero.
	copy(buf[CommandHeaderSize:], payload)
	return buf
}

// ReadCommand reads one framed command from r: its opcode and payload.
func ReadCommand(r io.Reader) (Opcode, []byte, error) {
	var hdr [CommandHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	length := uint32(hdr[0]) | uint32(hdr[1])<<8 | uint32(hdr[2])<<16
	op := Opcode(hdr[3])
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return op, payload, nil
}

// WriteCommand frames and writes one command to w.
func WriteCommand(w io.Writer, op Opcode, payload []byte) error {
	_, err := w.Write(EncodeCommand(op, payload))
	return err
}

// UnknownOpcodeHandler is invoked by a command dispatcher when it reads a
// frame whose opcode it doesn't recognize; the frame's bytes have already
// been consumed off the wire by ReadCommand, satisfying spec §4.D's
// requirement that the reader still consume the declared command length.
type UnknownOpcodeHandler func(op Opcode)
