// Package protocol
// Author: momentics <momentics@gmail.com>
//
// Close codes (RFC 6455 section 7.4) and their mapping from error kinds.

package protocol

import (
	"errors"
	"strconv"

	"github.com/momentics/wsengine/api"
)

// CloseCode is the status carried by a close frame.
type CloseCode uint16

const (
	CloseNormal              CloseCode = 1000
	CloseGoingAway           CloseCode = 1001
	CloseProtocolError       CloseCode = 1002
	CloseUnsupported         CloseCode = 1003
	CloseNoStatus            CloseCode = 1005
	CloseAbnormal            CloseCode = 1006
	CloseInvalidPayload      CloseCode = 1007
	ClosePolicyViolation     CloseCode = 1008
	CloseMessageTooBig       CloseCode = 1009
	CloseExtensionRequired   CloseCode = 1010
	CloseInternalError       CloseCode = 1011
	CloseServiceRestart      CloseCode = 1012
	CloseTryAgainLater       CloseCode = 1013
	CloseBadGateway          CloseCode = 1014
	CloseTLSHandshakeFailure CloseCode = 1015
)

// Bounds of the ranges reserved for libraries and private use.
const (
	CloseLibraryMin CloseCode = 3000
	CloseLibraryMax CloseCode = 3999
	ClosePrivateMin CloseCode = 4000
	ClosePrivateMax CloseCode = 4999
)

var closeCodeNames = map[CloseCode]string{
	CloseNormal:              "normal",
	CloseGoingAway:           "going away",
	CloseProtocolError:       "protocol error",
	CloseUnsupported:         "unsupported data",
	CloseNoStatus:            "no status",
	CloseAbnormal:            "abnormal closure",
	CloseInvalidPayload:      "invalid payload",
	ClosePolicyViolation:     "policy violation",
	CloseMessageTooBig:       "message too big",
	CloseExtensionRequired:   "extension required",
	CloseInternalError:       "internal error",
	CloseServiceRestart:      "service restart",
	CloseTryAgainLater:       "try again later",
	CloseBadGateway:          "bad gateway",
	CloseTLSHandshakeFailure: "tls handshake failure",
}

func (c CloseCode) String() string {
	if name, ok := closeCodeNames[c]; ok {
		return name
	}
	switch {
	case c.IsLibrary():
		return "library(" + strconv.Itoa(int(c)) + ")"
	case c.IsPrivate():
		return "private(" + strconv.Itoa(int(c)) + ")"
	}
	return "invalid(" + strconv.Itoa(int(c)) + ")"
}

// IsLibrary reports whether c lies in the range registered for libraries and frameworks.
func (c CloseCode) IsLibrary() bool { return c >= CloseLibraryMin && c <= CloseLibraryMax }

// IsPrivate reports whether c lies in the private-use range.
func (c CloseCode) IsPrivate() bool { return c >= ClosePrivateMin && c <= ClosePrivateMax }

// Sendable reports whether c may appear in a close frame on the wire.
// 1004, 1005, 1006 and 1015 are local-only indications.
func (c CloseCode) Sendable() bool {
	switch {
	case c >= CloseNormal && c <= CloseBadGateway:
		return c != 1004 && c != CloseNoStatus && c != CloseAbnormal
	case c.IsLibrary(), c.IsPrivate():
		return true
	}
	return false
}

// CloseCoder is implemented by handler errors that pick their own close code.
type CloseCoder interface {
	CloseCode() CloseCode
}

// CloseCodeFor maps an error to the code a failing connection sends.
func CloseCodeFor(err error) CloseCode {
	var cc CloseCoder
	if errors.As(err, &cc) {
		if code := cc.CloseCode(); code.Sendable() {
			return code
		}
	}
	switch api.KindOf(err) {
	case api.KindProtocol, api.KindHandshake:
		return CloseProtocolError
	case api.KindEncoding:
		return CloseInvalidPayload
	case api.KindCapacity:
		return CloseMessageTooBig
	default:
		return CloseInternalError
	}
}

// CloseReasonFor returns the reason sent along with code when err fails a
// connection. Engine errors send their message; any other error is described
// by the name of code so application error text stays local.
func CloseReasonFor(err error, code CloseCode) string {
	var e *api.Error
	if errors.As(err, &e) && e.Kind != api.KindCustom {
		return e.Message
	}
	return code.String()
}
