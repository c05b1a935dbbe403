// File: protocol/sender.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Sender is the goroutine-safe handle through which application code asks a
// connection to send. Requests are posted to the owning reactor and applied
// on the reactor goroutine in post order.

package protocol

// CommandKind selects what a Command asks the reactor to do.
type CommandKind int

const (
	CmdSend CommandKind = iota
	CmdPing
	CmdPong
	CmdClose
	CmdShutdown
)

func (k CommandKind) String() string {
	switch k {
	case CmdSend:
		return "send"
	case CmdPing:
		return "ping"
	case CmdPong:
		return "pong"
	case CmdClose:
		return "close"
	case CmdShutdown:
		return "shutdown"
	}
	return "unknown"
}

// Command is a request posted to a reactor mailbox.
type Command struct {
	Token   uint64
	Kind    CommandKind
	Message Message
	Data    []byte
	Code    CloseCode
	Reason  string
}

// Mailbox accepts commands for a reactor. Post must be safe for concurrent use.
type Mailbox interface {
	Post(cmd Command) error
}

// Sender addresses one connection.
type Sender struct {
	token uint64
	mbox  Mailbox
}

// NewSender returns a Sender posting to mbox on behalf of token.
func NewSender(token uint64, mbox Mailbox) *Sender {
	return &Sender{token: token, mbox: mbox}
}

// Token identifies the connection within its reactor.
func (s *Sender) Token() uint64 { return s.token }

// Send queues msg.
func (s *Sender) Send(msg Message) error {
	return s.mbox.Post(Command{Token: s.token, Kind: CmdSend, Message: msg})
}

// SendText queues a text message.
func (s *Sender) SendText(text string) error { return s.Send(TextMessage(text)) }

// SendBinary queues a binary message.
func (s *Sender) SendBinary(b []byte) error { return s.Send(BinaryMessage(b)) }

// Ping queues a ping carrying data.
func (s *Sender) Ping(data []byte) error {
	return s.mbox.Post(Command{Token: s.token, Kind: CmdPing, Data: data})
}

// Pong queues an unsolicited pong carrying data.
func (s *Sender) Pong(data []byte) error {
	return s.mbox.Post(Command{Token: s.token, Kind: CmdPong, Data: data})
}

// Close starts the closing handshake with code.
func (s *Sender) Close(code CloseCode) error { return s.CloseWithReason(code, "") }

// CloseWithReason starts the closing handshake with code and reason.
func (s *Sender) CloseWithReason(code CloseCode, reason string) error {
	return s.mbox.Post(Command{Token: s.token, Kind: CmdClose, Code: code, Reason: reason})
}

// Shutdown asks the whole reactor to shut down.
func (s *Sender) Shutdown() error {
	return s.mbox.Post(Command{Token: s.token, Kind: CmdShutdown})
}
