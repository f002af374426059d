package wire

import (
	"bytes"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/quorumkv/raftlog/types"
	"github.com/stretchr/testify/require"
)

func TestConnectHeaderRoundTrip(t *testing.T) {
	h := ConnectHeader{GroupToken: 42, GroupID: 7, SenderID: 3, Type: ConnControl}
	var buf bytes.Buffer
	require.NoError(t, WriteConnectHeader(&buf, h))

	got, err := ReadConnectHeader(&buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestConnectHeaderBadMagic(t *testing.T) {
	buf := ConnectHeader{}.Encode()
	buf[0] ^= 0xFF
	_, err := DecodeConnectHeader(buf)
	require.ErrorIs(t, err, types.ErrChecksumMismatch)
}

func TestConnectHeaderCRCMismatch(t *testing.T) {
	buf := ConnectHeader{GroupToken: 1}.Encode()
	buf[8] ^= 0xFF // corrupt a data byte without fixing the trailing CRC
	_, err := DecodeConnectHeader(buf)
	require.ErrorIs(t, err, types.ErrChecksumMismatch)
}

func TestRejectHeaderParsesAsZeroed(t *testing.T) {
	h, err := DecodeConnectHeader(RejectHeader())
	require.NoError(t, err)
	require.Zero(t, h.GroupToken)
	require.Zero(t, h.GroupID)
}

func TestCommandRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := RequestVote{Term: 5, CandidateID: 2, CandHighestTerm: 4, CandHighestPos: 100}.Encode()
	require.NoError(t, WriteCommand(&buf, OpRequestVote, payload))

	op, got, err := ReadCommand(&buf)
	require.NoError(t, err)
	require.Equal(t, OpRequestVote, op)

	rv, err := DecodeRequestVote(got)
	require.NoError(t, err)
	require.EqualValues(t, 5, rv.Term)
	require.EqualValues(t, 100, rv.CandHighestPos)
}

func TestCommandEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCommand(&buf, OpNop, nil))
	op, payload, err := ReadCommand(&buf)
	require.NoError(t, err)
	require.Equal(t, OpNop, op)
	require.Empty(t, payload)
}

func TestRequestVoteReplyEncodesGrantedInSignBit(t *testing.T) {
	granted := RequestVoteReply{Term: 9, Granted: true}.Encode()
	got, err := DecodeRequestVoteReply(granted)
	require.NoError(t, err)
	require.True(t, got.Granted)
	require.EqualValues(t, 9, got.Term)

	denied := RequestVoteReply{Term: 9, Granted: false}.Encode()
	got2, err := DecodeRequestVoteReply(denied)
	require.NoError(t, err)
	require.False(t, got2.Granted)
	require.EqualValues(t, 9, got2.Term)
}

func TestWriteDataRoundTripWithBytes(t *testing.T) {
	wd := WriteData{PrevTerm: 1, Term: 2, Pos: 10, HighestPos: 20, CommitPos: 15, Bytes: []byte("payload")}
	got, err := DecodeWriteData(wd.Encode())
	require.NoError(t, err)
	require.Equal(t, wd, got)
}

func TestQueryTermsReplyRoundTrip(t *testing.T) {
	bounds := []TermBoundary{{PrevTerm: 1, Term: 2, StartPos: 0}, {PrevTerm: 2, Term: 3, StartPos: 50}}
	got, err := DecodeQueryTermsReply(EncodeQueryTermsReply(bounds))
	require.NoError(t, err)
	require.Equal(t, bounds, got)
}

func TestLeaderCheckReplyUnvalidated(t *testing.T) {
	got, err := DecodeLeaderCheckReply(LeaderCheckReply{Validated: false}.Encode())
	require.NoError(t, err)
	require.False(t, got.Validated)
}

func TestWriteDataRoundTripFuzzed(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(0, 256)
	for i := 0; i < 200; i++ {
		var wd WriteData
		f.Fuzz(&wd)
		got, err := DecodeWriteData(wd.Encode())
		require.NoError(t, err)
		require.Equal(t, wd, got)
	}
}

func TestReadCommandRejectsGarbageWithoutPanicking(t *testing.T) {
	f := fuzz.New().NumElements(0, 512)
	for i := 0; i < 200; i++ {
		var garbage []byte
		f.Fuzz(&garbage)
		_, _, _ = ReadCommand(bytes.NewReader(garbage))
	}
}
