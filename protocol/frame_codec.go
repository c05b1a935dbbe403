// File: protocol/frame_codec.go
// Package protocol implements the frame codec with frame size enforcement.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Decoding works on a byte buffer that may hold a partial frame, one frame
// or many. Payload size limits are checked before the payload is buffered,
// so a peer advertising a huge length is rejected from the header alone.

package protocol

import (
	"encoding/binary"
	"math"

	"github.com/momentics/wsengine/api"
)

// DefaultMaxFramePayload is the maximum payload accepted for a single frame
// when the codec is not configured otherwise.
const DefaultMaxFramePayload = 1 << 20 // 1 MiB

// Codec turns bytes into validated frames and back. It holds no per-stream
// state; every call is independent.
type Codec struct {
	// MaxPayload bounds the declared payload length of an inbound frame.
	// Zero or less means DefaultMaxFramePayload.
	MaxPayload int64
	// Role decides which masking rule applies to inbound frames and whether
	// outbound frames are masked.
	Role api.Role
	// Claimed lists reserved bits an extension has taken over.
	Claimed RsvMask
	// Lenient disables the inbound masking check.
	Lenient bool
}

// NewCodec returns a codec with the default payload limit.
func NewCodec(role api.Role) *Codec {
	return &Codec{MaxPayload: DefaultMaxFramePayload, Role: role}
}

// Decode parses the next frame from raw. It returns the frame and the count
// of bytes consumed. If raw does not yet hold a complete frame it returns
// (nil, 0, nil) and the caller must retry once more bytes arrive.
func (c *Codec) Decode(raw []byte) (*Frame, int, error) {
	if len(raw) < 2 {
		return nil, 0, nil
	}
	b0, b1 := raw[0], raw[1]
	f := &Frame{
		Fin:    b0&FinBit != 0,
		Rsv1:   b0&Rsv1Bit != 0,
		Rsv2:   b0&Rsv2Bit != 0,
		Rsv3:   b0&Rsv3Bit != 0,
		OpCode: OpCode(b0 & opcodeMask),
		Masked: b1&MaskBit != 0,
	}

	if !f.OpCode.Valid() {
		return nil, 0, api.Errorf(api.KindProtocol, "reserved opcode 0x%X", byte(f.OpCode))
	}
	if unclaimed := f.rsv() &^ c.Claimed; unclaimed != 0 {
		return nil, 0, api.Errorf(api.KindProtocol, "reserved bits 0x%02X set without extension", byte(unclaimed))
	}
	if !c.Lenient {
		if c.Role == api.RoleServer && !f.Masked {
			return nil, 0, api.NewError(api.KindProtocol, "client frame is not masked")
		}
		if c.Role == api.RoleClient && f.Masked {
			return nil, 0, api.NewError(api.KindProtocol, "server frame is masked")
		}
	}

	length := uint64(b1 & lenMask)
	offset := 2
	switch length {
	case 126:
		if len(raw) < offset+2 {
			return nil, 0, nil
		}
		length = uint64(binary.BigEndian.Uint16(raw[offset:]))
		offset += 2
		if length < 126 {
			return nil, 0, api.NewError(api.KindProtocol, "payload length not minimally encoded")
		}
	case 127:
		if len(raw) < offset+8 {
			return nil, 0, nil
		}
		length = binary.BigEndian.Uint64(raw[offset:])
		offset += 8
		if length>>63 != 0 {
			return nil, 0, api.NewError(api.KindProtocol, "payload length has most significant bit set")
		}
		if length <= math.MaxUint16 {
			return nil, 0, api.NewError(api.KindProtocol, "payload length not minimally encoded")
		}
	}

	if f.OpCode.IsControl() {
		if !f.Fin {
			return nil, 0, api.NewError(api.KindProtocol, "fragmented control frame")
		}
		if length > MaxControlPayload {
			return nil, 0, api.NewError(api.KindProtocol, "control frame payload exceeds 125 bytes")
		}
	}
	if length > uint64(c.maxPayload()) || length > uint64(math.MaxInt-MaxHeaderLen) {
		return nil, 0, api.NewError(api.KindCapacity, "frame payload exceeds maximum allowed size").
			WithContext("length", length)
	}

	if f.Masked {
		if len(raw) < offset+4 {
			return nil, 0, nil
		}
		copy(f.MaskKey[:], raw[offset:offset+4])
		offset += 4
	}

	total := offset + int(length)
	if len(raw) < total {
		return nil, 0, nil
	}
	f.Payload = make([]byte, length)
	copy(f.Payload, raw[offset:total])
	if f.Masked {
		MaskBytes(f.MaskKey, 0, f.Payload)
	}
	return f, total, nil
}

func (c *Codec) maxPayload() int64 {
	if c.MaxPayload <= 0 {
		return DefaultMaxFramePayload
	}
	return c.MaxPayload
}

// Encode serialises f. Client codecs always mask; a zero MaskKey is replaced
// by a fresh random key. f itself is not modified.
func (c *Codec) Encode(f *Frame) ([]byte, error) {
	return c.AppendFrame(nil, f)
}

// AppendFrame serialises f onto dst and returns the extended slice.
func (c *Codec) AppendFrame(dst []byte, f *Frame) ([]byte, error) {
	if !f.OpCode.Valid() {
		return dst, api.Errorf(api.KindProtocol, "reserved opcode 0x%X", byte(f.OpCode))
	}
	plen := len(f.Payload)
	if f.OpCode.IsControl() && (!f.Fin || plen > MaxControlPayload) {
		return dst, api.NewError(api.KindProtocol, "invalid control frame")
	}
	mask := f.Masked || c.Role == api.RoleClient

	b0 := byte(f.OpCode) | byte(f.rsv())
	if f.Fin {
		b0 |= FinBit
	}
	var maskBit byte
	if mask {
		maskBit = MaskBit
	}

	switch {
	case plen <= 125:
		dst = append(dst, b0, byte(plen)|maskBit)
	case plen <= math.MaxUint16:
		dst = append(dst, b0, 126|maskBit)
		dst = binary.BigEndian.AppendUint16(dst, uint16(plen))
	default:
		dst = append(dst, b0, 127|maskBit)
		dst = binary.BigEndian.AppendUint64(dst, uint64(plen))
	}

	if !mask {
		return append(dst, f.Payload...), nil
	}
	key := f.MaskKey
	if key == ([4]byte{}) {
		var err error
		if key, err = NewMaskKey(); err != nil {
			return dst, api.Wrap(api.KindInternal, "mask key", err)
		}
	}
	dst = append(dst, key[:]...)
	start := len(dst)
	dst = append(dst, f.Payload...)
	MaskBytes(key, 0, dst[start:])
	return dst, nil
}
