// Package framer implements the variable-length message framer (component
// J) that the database-facing adapter layers over the committed byte
// stream. It is specified here only to the extent its wire framing and
// control-message delivery ordering are part of the core contract; the
// adapter that turns frames into application message boundaries is out of
// scope per spec §1.
package framer

import (
	"encoding/binary"
	"fmt"

	"github.com/quorumkv/raftlog/types"
)

const (
	tag1Byte    = 0x00 // 0b0xxxxxxx, matched via mask below
	tag2ByteHi  = 0x80 // 0b10xxxxxx
	tag5ByteLen = 0xe0 // normal, 32-bit length
	tag5ByteCtl = 0xff // control, 32-bit length
)

const twoByteBase = 128 // 2-byte header encodes length-128 in its low 14 bits

// Encode returns the framed bytes for one logical message: a variable
// length header (1, 2, or 5 bytes) followed by payload. control selects the
// 0xff tag, delivered out-of-band to a control receiver in addition to (or
// instead of) being exposed to application readers.
func Encode(payload []byte, control bool) []byte {
	n := len(payload)
	if control {
		return encode5(tag5ByteCtl, payload)
	}
	switch {
	case n <= 0x7f:
		return append([]byte{byte(n)}, payload...)
	case n <= twoByteBase+16383: // 14-bit length minus the 128 base fits in 2 bytes
		v := uint16(n-twoByteBase) | 0x8000
		return append([]byte{byte(v >> 8), byte(v)}, payload...)
	default:
		return encode5(tag5ByteLen, payload)
	}
}

func encode5(tag byte, payload []byte) []byte {
	buf := make([]byte, 5+len(payload))
	buf[0] = tag
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[5:], payload)
	return buf
}

// Decode parses one frame's header from buf (which must hold at least the
// header bytes HeaderLen would report, and ideally the full frame) and
// returns the payload length, whether it's a control message, and how many
// header bytes were consumed.
func Decode(buf []byte) (payloadLen int, control bool, headerLen int, err error) {
	if len(buf) == 0 {
		return 0, false, 0, fmt.Errorf("%w: empty frame header", types.ErrCorrupt)
	}
	first := buf[0]
	switch {
	case first&0x80 == 0:
		return int(first), false, 1, nil
	case first&0xc0 == 0x80:
		if len(buf) < 2 {
			return 0, false, 0, fmt.Errorf("%w: truncated 2-byte frame header", types.ErrCorrupt)
		}
		v := (uint16(first) << 8) | uint16(buf[1])
		length := int(v&0x3fff) + twoByteBase
		return length, false, 2, nil
	case first == tag5ByteLen || first == tag5ByteCtl:
		if len(buf) < 5 {
			return 0, false, 0, fmt.Errorf("%w: truncated 5-byte frame header", types.ErrCorrupt)
		}
		length := int(binary.BigEndian.Uint32(buf[1:5]))
		return length, first == tag5ByteCtl, 5, nil
	default:
		return 0, false, 0, fmt.Errorf("%w: unrecognized frame tag 0x%02x", types.ErrCorrupt, first)
	}
}

// ControlReceiver is delivered each control message's payload, in the order
// the messages occupy the log, independently of whether application readers
// have consumed the surrounding stream yet.
type ControlReceiver func(payload []byte)

// Reader incrementally decodes frames from an accumulating byte buffer (the
// committed stream), delivering application frames to onMessage and control
// frames to onControl in position order.
type Reader struct {
	buf       []byte
	onMessage func(payload []byte)
	onControl ControlReceiver
}

// NewReader constructs a Reader. Either callback may be nil to ignore that
// class of frame.
func NewReader(onMessage func(payload []byte), onControl ControlReceiver) *Reader {
	return &Reader{onMessage: onMessage, onControl: onControl}
}

// Feed appends newly committed bytes and decodes as many complete frames as
// are available, returning the number of bytes consumed.
func (r *Reader) Feed(data []byte) (consumed int, err error) {
	r.buf = append(r.buf, data...)
	offset := 0
	for {
		if len(r.buf)-offset == 0 {
			break
		}
		length, control, headerLen, decodeErr := Decode(r.buf[offset:])
		if decodeErr != nil {
			if len(r.buf[offset:]) < 5 {
				break // not enough bytes yet to know the header shape
			}
			return 0, decodeErr
		}
		if len(r.buf)-offset < headerLen+length {
			break // full frame not yet available
		}
		payload := r.buf[offset+headerLen : offset+headerLen+length]
		if control {
			if r.onControl != nil {
				r.onControl(append([]byte(nil), payload...))
			}
		} else if r.onMessage != nil {
			r.onMessage(append([]byte(nil), payload...))
		}
		offset += headerLen + length
	}
	consumed = len(data)
	r.buf = append([]byte(nil), r.buf[offset:]...)
	return consumed, nil
}
