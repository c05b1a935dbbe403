// Package protocol
// Author: momentics <momentics@gmail.com>
//
// WebSocket frame model: opcodes, header bits and constructors for the
// control and data frames the engine emits.

package protocol

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/momentics/wsengine/api"
)

// Header bits of the first two bytes of a frame.
const (
	FinBit  byte = 0x80
	Rsv1Bit byte = 0x40
	Rsv2Bit byte = 0x20
	Rsv3Bit byte = 0x10
	MaskBit byte = 0x80

	opcodeMask byte = 0x0F
	lenMask    byte = 0x7F
)

// MaxControlPayload is the largest payload a Close, Ping or Pong frame may carry.
const MaxControlPayload = 125

// MaxHeaderLen is the longest possible frame header: two fixed bytes, an
// eight byte extended length and a four byte mask key.
const MaxHeaderLen = 14

// OpCode identifies the frame type.
type OpCode byte

const (
	OpContinue OpCode = 0x0
	OpText     OpCode = 0x1
	OpBinary   OpCode = 0x2
	OpClose    OpCode = 0x8
	OpPing     OpCode = 0x9
	OpPong     OpCode = 0xA
)

// Valid reports whether op is one of the opcodes defined by RFC 6455.
func (op OpCode) Valid() bool {
	switch op {
	case OpContinue, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	}
	return false
}

// IsControl reports whether op is Close, Ping or Pong.
func (op OpCode) IsControl() bool { return op&0x8 != 0 }

// IsData reports whether op is Continue, Text or Binary.
func (op OpCode) IsData() bool { return op&0x8 == 0 }

func (op OpCode) String() string {
	switch op {
	case OpContinue:
		return "continue"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return fmt.Sprintf("reserved(0x%X)", byte(op))
	}
}

// RsvMask is a set of reserved header bits an extension may claim.
type RsvMask byte

const (
	Rsv1 RsvMask = RsvMask(Rsv1Bit)
	Rsv2 RsvMask = RsvMask(Rsv2Bit)
	Rsv3 RsvMask = RsvMask(Rsv3Bit)
)

// Frame is a decoded WebSocket frame. Payload is always stored unmasked;
// masking only exists on the wire.
type Frame struct {
	Fin     bool
	Rsv1    bool
	Rsv2    bool
	Rsv3    bool
	OpCode  OpCode
	Masked  bool
	MaskKey [4]byte
	Payload []byte
}

// rsv returns the reserved bits of f as they appear in the first header byte.
func (f *Frame) rsv() RsvMask {
	var m RsvMask
	if f.Rsv1 {
		m |= Rsv1
	}
	if f.Rsv2 {
		m |= Rsv2
	}
	if f.Rsv3 {
		m |= Rsv3
	}
	return m
}

// HasRsv reports whether any reserved bit is set.
func (f *Frame) HasRsv() bool { return f.Rsv1 || f.Rsv2 || f.Rsv3 }

func (f *Frame) String() string {
	return fmt.Sprintf("Frame{fin=%t rsv=%03b op=%s masked=%t len=%d}",
		f.Fin, byte(f.rsv())>>4, f.OpCode, f.Masked, len(f.Payload))
}

// NewTextFrame returns a final text frame.
func NewTextFrame(s string) *Frame {
	return &Frame{Fin: true, OpCode: OpText, Payload: []byte(s)}
}

// NewBinaryFrame returns a final binary frame.
func NewBinaryFrame(b []byte) *Frame {
	return &Frame{Fin: true, OpCode: OpBinary, Payload: b}
}

// NewPingFrame returns a ping carrying data.
func NewPingFrame(data []byte) *Frame {
	return &Frame{Fin: true, OpCode: OpPing, Payload: data}
}

// NewPongFrame returns a pong carrying data.
func NewPongFrame(data []byte) *Frame {
	return &Frame{Fin: true, OpCode: OpPong, Payload: data}
}

// NewCloseFrame returns a close frame carrying code and reason. NoStatus yields
// an empty payload. The reason is truncated on a rune boundary to fit the
// control frame limit.
func NewCloseFrame(code CloseCode, reason string) (*Frame, error) {
	if code == CloseNoStatus {
		return &Frame{Fin: true, OpCode: OpClose}, nil
	}
	if !code.Sendable() {
		return nil, api.Errorf(api.KindProtocol, "close code %d may not be sent", uint16(code))
	}
	limit := MaxControlPayload - 2
	if len(reason) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(reason[cut]) {
			cut--
		}
		reason = reason[:cut]
	}
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, uint16(code))
	copy(payload[2:], reason)
	return &Frame{Fin: true, OpCode: OpClose, Payload: payload}, nil
}

// CloseDetails parses the payload of a close frame.
func (f *Frame) CloseDetails() (CloseCode, string, error) {
	switch len(f.Payload) {
	case 0:
		return CloseNoStatus, "", nil
	case 1:
		return 0, "", api.NewError(api.KindProtocol, "close frame payload of one byte")
	}
	code := CloseCode(binary.BigEndian.Uint16(f.Payload))
	if !code.Sendable() {
		return 0, "", api.Errorf(api.KindProtocol, "received invalid close code %d", uint16(code))
	}
	reason := f.Payload[2:]
	if !utf8.Valid(reason) {
		return 0, "", api.NewError(api.KindEncoding, "close reason is not valid utf-8")
	}
	return code, string(reason), nil
}

// Fragment splits a data message into frames whose payload does not exceed
// size. The first frame carries op, the rest are continuations. A size of
// zero or less disables fragmentation.
func Fragment(op OpCode, payload []byte, size int) []*Frame {
	if size <= 0 || len(payload) <= size {
		return []*Frame{{Fin: true, OpCode: op, Payload: payload}}
	}
	frames := make([]*Frame, 0, (len(payload)+size-1)/size)
	for off := 0; off < len(payload); off += size {
		end := off + size
		if end > len(payload) {
			end = len(payload)
		}
		fop := OpContinue
		if off == 0 {
			fop = op
		}
		frames = append(frames, &Frame{Fin: end == len(payload), OpCode: fop, Payload: payload[off:end]})
	}
	return frames
}
