// File: reactor/observer.go
// Author: momentics <momentics@gmail.com>

package reactor

import (
	"github.com/momentics/wsengine/api"
	"github.com/momentics/wsengine/protocol"
)

// Observer extends protocol.Observer with socket lifecycle events.
// control.Metrics implements it.
type Observer interface {
	protocol.Observer
	Accepted()
	Rejected(reason string)
	Opened()
	Released()
}

type nopObserver struct{}

func (nopObserver) FrameIn(protocol.OpCode, int)        {}
func (nopObserver) FrameOut(protocol.OpCode, int)       {}
func (nopObserver) MessageIn(protocol.MessageKind, int) {}
func (nopObserver) Error(api.Kind)                      {}
func (nopObserver) Closed(protocol.CloseCode)           {}
func (nopObserver) Accepted()                           {}
func (nopObserver) Rejected(string)                     {}
func (nopObserver) Opened()                             {}
func (nopObserver) Released()                           {}
