// Package protocol
// Author: momentics <momentics@gmail.com>
//
// Application level messages and the assembler that rebuilds them from
// fragmented frames.

package protocol

import (
	"fmt"
	"unicode/utf8"

	"github.com/momentics/wsengine/api"
)

// MessageKind distinguishes text from binary messages.
type MessageKind byte

const (
	KindText   MessageKind = MessageKind(OpText)
	KindBinary MessageKind = MessageKind(OpBinary)
)

// Message is a complete text or binary message.
type Message struct {
	Kind MessageKind
	Data []byte
}

// TextMessage builds a text message.
func TextMessage(s string) Message { return Message{Kind: KindText, Data: []byte(s)} }

// BinaryMessage builds a binary message.
func BinaryMessage(b []byte) Message { return Message{Kind: KindBinary, Data: b} }

// IsText reports whether m is a text message.
func (m Message) IsText() bool { return m.Kind == KindText }

// IsBinary reports whether m is a binary message.
func (m Message) IsBinary() bool { return m.Kind == KindBinary }

// Len returns the payload length.
func (m Message) Len() int { return len(m.Data) }

// Text returns the payload as a string. Binary payloads must be valid UTF-8
// to be converted.
func (m Message) Text() (string, error) {
	if !utf8.Valid(m.Data) {
		return "", api.NewError(api.KindEncoding, "message is not valid utf-8")
	}
	return string(m.Data), nil
}

// OpCode returns the frame opcode that carries m.
func (m Message) OpCode() OpCode { return OpCode(m.Kind) }

func (m Message) String() string {
	if m.IsText() {
		return fmt.Sprintf("Text(%q)", m.Data)
	}
	return fmt.Sprintf("Binary(%d bytes)", len(m.Data))
}

// Assembler collects the frames of one fragmented message. At most one
// message is in progress at a time.
type Assembler struct {
	// MaxMessage bounds the total payload of an assembled message. Zero means unbounded.
	MaxMessage int64
	// Capacity bounds the number of frames per message. Zero means unbounded.
	Capacity int

	op     OpCode
	frames int
	buf    []byte
}

// InProgress reports whether a fragmented message is being collected.
func (a *Assembler) InProgress() bool { return a.frames > 0 }

// Reset discards any partial message.
func (a *Assembler) Reset() {
	a.op, a.frames, a.buf = 0, 0, nil
}

// Push adds a data frame. It returns the completed message once the final
// frame arrives, and nil while the message is still incomplete.
func (a *Assembler) Push(f *Frame) (*Message, error) {
	switch f.OpCode {
	case OpContinue:
		if !a.InProgress() {
			return nil, api.NewError(api.KindProtocol, "continuation frame without message in progress")
		}
	case OpText, OpBinary:
		if a.InProgress() {
			return nil, api.NewError(api.KindProtocol, "new data frame while fragmented message in progress")
		}
		a.op = f.OpCode
	default:
		return nil, api.Errorf(api.KindInternal, "assembler received %s frame", f.OpCode)
	}

	if a.MaxMessage > 0 && int64(len(a.buf))+int64(len(f.Payload)) > a.MaxMessage {
		a.Reset()
		return nil, api.NewError(api.KindCapacity, "message exceeds maximum allowed size")
	}
	a.frames++
	if a.Capacity > 0 && a.frames > a.Capacity {
		a.Reset()
		return nil, api.NewError(api.KindCapacity, "too many fragments in message")
	}

	if f.Fin && a.frames == 1 {
		// unfragmented: hand the payload over without copying
		msg := &Message{Kind: MessageKind(a.op), Data: f.Payload}
		a.Reset()
		return finish(msg)
	}
	a.buf = append(a.buf, f.Payload...)
	if !f.Fin {
		return nil, nil
	}
	msg := &Message{Kind: MessageKind(a.op), Data: a.buf}
	a.Reset()
	return finish(msg)
}

func finish(m *Message) (*Message, error) {
	if m.IsText() && !utf8.Valid(m.Data) {
		return nil, api.NewError(api.KindEncoding, "text message is not valid utf-8")
	}
	return m, nil
}
