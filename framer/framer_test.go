package framer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeSmall(t *testing.T) {
	payload := bytes.Repeat([]byte{7}, 50)
	buf := Encode(payload, false)
	require.Len(t, buf, 1+50)

	length, control, headerLen, err := Decode(buf)
	require.NoError(t, err)
	require.False(t, control)
	require.Equal(t, 50, length)
	require.Equal(t, 1, headerLen)
}

func TestEncodeDecodeMedium(t *testing.T) {
	payload := bytes.Repeat([]byte{9}, 500)
	buf := Encode(payload, false)
	require.Len(t, buf, 2+500)

	length, control, headerLen, err := Decode(buf)
	require.NoError(t, err)
	require.False(t, control)
	require.Equal(t, 500, length)
	require.Equal(t, 2, headerLen)
}

func TestEncodeDecodeLarge(t *testing.T) {
	payload := bytes.Repeat([]byte{3}, 70000)
	buf := Encode(payload, false)
	require.Len(t, buf, 5+70000)

	length, control, headerLen, err := Decode(buf)
	require.NoError(t, err)
	require.False(t, control)
	require.Equal(t, 70000, length)
	require.Equal(t, 5, headerLen)
}

func TestEncodeControl(t *testing.T) {
	payload := []byte("control-msg")
	buf := Encode(payload, true)
	length, control, headerLen, err := Decode(buf)
	require.NoError(t, err)
	require.True(t, control)
	require.Equal(t, len(payload), length)
	require.Equal(t, 5, headerLen)
}

func TestReaderDeliversInOrderSplitAcrossFeeds(t *testing.T) {
	var messages [][]byte
	var controls [][]byte
	r := NewReader(
		func(p []byte) { messages = append(messages, append([]byte(nil), p...)) },
		func(p []byte) { controls = append(controls, append([]byte(nil), p...)) },
	)

	full := append(Encode([]byte("hello"), false), Encode([]byte("ctrl1"), true)...)
	full = append(full, Encode([]byte("world"), false)...)

	// Feed one byte at a time to exercise partial-frame buffering.
	for i := 0; i < len(full); i++ {
		_, err := r.Feed(full[i : i+1])
		require.NoError(t, err)
	}

	require.Equal(t, [][]byte{[]byte("hello"), []byte("world")}, messages)
	require.Equal(t, [][]byte{[]byte("ctrl1")}, controls)
}

func TestDecodeRejectsUnrecognizedTag(t *testing.T) {
	_, _, _, err := Decode([]byte{0xc5, 0, 0, 0, 0})
	require.Error(t, err)
}
