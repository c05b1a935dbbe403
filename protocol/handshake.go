// File: protocol/handshake.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// HTTP upgrade exchange: building and validating requests and responses,
// computing Sec-WebSocket-Accept per RFC 6455 section 1.3. Parsing is
// incremental so it can run on a non-blocking input buffer.

package protocol

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/momentics/wsengine/api"
)

const (
	WebSocketGUID            = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	MaxHandshakeSize         = 8192
	RequiredWebSocketVersion = "13"

	HeaderConnection   = "Connection"
	HeaderUpgrade      = "Upgrade"
	HeaderSecKey       = "Sec-WebSocket-Key"
	HeaderSecVersion   = "Sec-WebSocket-Version"
	HeaderSecAccept    = "Sec-WebSocket-Accept"
	HeaderSecProtocol  = "Sec-WebSocket-Protocol"
	HeaderSecExtension = "Sec-WebSocket-Extensions"
)

var headerTerminator = []byte("\r\n\r\n")

// badUpgrade is the single rejection returned for any malformed upgrade
// request, so a peer cannot tell which check failed.
func badUpgrade() error {
	return api.NewError(api.KindHandshake, "invalid websocket upgrade request")
}

// ComputeAcceptKey computes the Sec-WebSocket-Accept value from the client's key.
func ComputeAcceptKey(clientKey string) string {
	hash := sha1.Sum([]byte(clientKey + WebSocketGUID))
	return base64.StdEncoding.EncodeToString(hash[:])
}

// GenerateKey returns a fresh Sec-WebSocket-Key: 16 random bytes, base64 encoded.
func GenerateKey() (string, error) {
	var p [16]byte
	if _, err := rand.Read(p[:]); err != nil {
		return "", api.Wrap(api.KindInternal, "generate key", err)
	}
	return base64.StdEncoding.EncodeToString(p[:]), nil
}

// Request is the client half of the upgrade exchange.
type Request struct {
	Method   string
	Resource string
	Host     string
	Header   http.Header
}

// Key returns the Sec-WebSocket-Key header.
func (r *Request) Key() string { return r.Header.Get(HeaderSecKey) }

// Version returns the Sec-WebSocket-Version header.
func (r *Request) Version() string { return r.Header.Get(HeaderSecVersion) }

// Protocols returns the requested subprotocols in preference order.
func (r *Request) Protocols() []string { return headerList(r.Header, HeaderSecProtocol) }

// Extensions returns the requested extension offers, parameters included.
func (r *Request) Extensions() []string { return headerList(r.Header, HeaderSecExtension) }

// AddProtocol appends a subprotocol to the offer.
func (r *Request) AddProtocol(p string) { r.Header.Add(HeaderSecProtocol, p) }

// AddExtension appends an extension offer, e.g. "permessage-deflate; client_max_window_bits".
func (r *Request) AddExtension(e string) { r.Header.Add(HeaderSecExtension, e) }

// Origin returns the Origin header.
func (r *Request) Origin() string { return r.Header.Get("Origin") }

// Bytes serialises the request line and headers.
func (r *Request) Bytes() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\nHost: %s\r\n", r.Method, r.Resource, r.Host)
	_ = r.Header.Write(&b)
	b.WriteString("\r\n")
	return b.Bytes()
}

func (r *Request) String() string {
	return fmt.Sprintf("%s %s (host=%s key=%s)", r.Method, r.Resource, r.Host, r.Key())
}

// NewRequestFromURL builds a conforming client request for a ws or wss URL.
func NewRequestFromURL(u *url.URL) (*Request, error) {
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, api.Errorf(api.KindHandshake, "unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, api.NewError(api.KindHandshake, "url has no host")
	}
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	h := make(http.Header)
	h.Set(HeaderUpgrade, "websocket")
	h.Set(HeaderConnection, "Upgrade")
	h.Set(HeaderSecVersion, RequiredWebSocketVersion)
	h.Set(HeaderSecKey, key)
	return &Request{
		Method:   http.MethodGet,
		Resource: u.RequestURI(),
		Host:     u.Host,
		Header:   h,
	}, nil
}

// ParseRequest parses an upgrade request from the start of raw. It returns
// (nil, 0, nil) while the header block is incomplete.
func ParseRequest(raw []byte) (*Request, int, error) {
	end, err := headerEnd(raw)
	if end == 0 || err != nil {
		return nil, 0, err
	}
	hr, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(raw[:end])))
	if err != nil {
		return nil, 0, api.Wrap(api.KindHandshake, "malformed upgrade request", err)
	}
	return &Request{
		Method:   hr.Method,
		Resource: hr.RequestURI,
		Host:     hr.Host,
		Header:   hr.Header,
	}, end, nil
}

// Response is the server half of the upgrade exchange.
type Response struct {
	Status int
	Reason string
	Header http.Header
	Body   []byte
}

// Accept returns the Sec-WebSocket-Accept header.
func (r *Response) Accept() string { return r.Header.Get(HeaderSecAccept) }

// Protocol returns the negotiated subprotocol, if any.
func (r *Response) Protocol() string { return r.Header.Get(HeaderSecProtocol) }

// SetProtocol selects a subprotocol.
func (r *Response) SetProtocol(p string) { r.Header.Set(HeaderSecProtocol, p) }

// Extensions returns the accepted extensions.
func (r *Response) Extensions() []string { return headerList(r.Header, HeaderSecExtension) }

// AddExtension accepts an extension.
func (r *Response) AddExtension(e string) { r.Header.Add(HeaderSecExtension, e) }

// Bytes serialises the status line, headers and body.
func (r *Response) Bytes() []byte {
	var b bytes.Buffer
	reason := r.Reason
	if reason == "" {
		reason = http.StatusText(r.Status)
	}
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", r.Status, reason)
	_ = r.Header.Write(&b)
	b.WriteString("\r\n")
	b.Write(r.Body)
	return b.Bytes()
}

func (r *Response) String() string {
	return fmt.Sprintf("%d %s (accept=%s)", r.Status, r.Reason, r.Accept())
}

// NewResponseFromRequest validates a server side upgrade request and returns
// the minimal 101 response for it. Any malformed request yields the same
// generic HandshakeFailure.
func NewResponseFromRequest(req *Request) (*Response, error) {
	if req.Method != http.MethodGet ||
		!headerContainsToken(req.Header, HeaderUpgrade, "websocket") ||
		!headerContainsToken(req.Header, HeaderConnection, "upgrade") ||
		req.Version() != RequiredWebSocketVersion ||
		!validKey(req.Key()) {
		return nil, badUpgrade()
	}
	h := make(http.Header)
	h.Set(HeaderUpgrade, "websocket")
	h.Set(HeaderConnection, "Upgrade")
	h.Set(HeaderSecAccept, ComputeAcceptKey(req.Key()))
	return &Response{
		Status: http.StatusSwitchingProtocols,
		Reason: "Switching Protocols",
		Header: h,
	}, nil
}

// RejectResponse builds the response a server writes when it refuses an upgrade.
func RejectResponse(status int) *Response {
	body := []byte(http.StatusText(status))
	h := make(http.Header)
	h.Set(HeaderSecVersion, RequiredWebSocketVersion)
	h.Set(HeaderConnection, "close")
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	return &Response{Status: status, Header: h, Body: body}
}

// ParseResponse parses the server's reply from the start of raw. It returns
// (nil, 0, nil) while the header block is incomplete. Only the header block
// is consumed.
func ParseResponse(raw []byte) (*Response, int, error) {
	end, err := headerEnd(raw)
	if end == 0 || err != nil {
		return nil, 0, err
	}
	hr, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw[:end])), nil)
	if err != nil {
		return nil, 0, api.Wrap(api.KindHandshake, "malformed upgrade response", err)
	}
	_ = hr.Body.Close()
	reason := strings.TrimSpace(strings.TrimPrefix(hr.Status, strconv.Itoa(hr.StatusCode)))
	return &Response{Status: hr.StatusCode, Reason: reason, Header: hr.Header}, end, nil
}

// Validate checks a server response against the request that produced it.
func (r *Response) Validate(req *Request) error {
	if r.Status != http.StatusSwitchingProtocols {
		return api.Errorf(api.KindHandshake, "server answered %d %s", r.Status, r.Reason)
	}
	if !headerContainsToken(r.Header, HeaderUpgrade, "websocket") ||
		!headerContainsToken(r.Header, HeaderConnection, "upgrade") {
		return api.NewError(api.KindHandshake, "invalid upgrade headers in response")
	}
	if r.Accept() != ComputeAcceptKey(req.Key()) {
		return api.NewError(api.KindHandshake, "Sec-WebSocket-Accept does not match key")
	}
	if p := r.Protocol(); p != "" && !containsFold(req.Protocols(), p) {
		return api.Errorf(api.KindHandshake, "server selected unrequested protocol %q", p)
	}
	return nil
}

// Handshake is the completed upgrade exchange handed to Handler.OnOpen.
type Handshake struct {
	Request   *Request
	Response  *Response
	PeerAddr  net.Addr
	LocalAddr net.Addr
}

// headerEnd returns the length of the header block including the blank
// line, or 0 if raw does not hold it yet.
func headerEnd(raw []byte) (int, error) {
	limit := raw
	if len(limit) > MaxHandshakeSize {
		limit = limit[:MaxHandshakeSize]
	}
	if i := bytes.Index(limit, headerTerminator); i >= 0 {
		return i + len(headerTerminator), nil
	}
	if len(raw) >= MaxHandshakeSize {
		return 0, api.NewError(api.KindCapacity, "handshake headers too large")
	}
	return 0, nil
}

func validKey(key string) bool {
	if key == "" {
		return false
	}
	b, err := base64.StdEncoding.DecodeString(key)
	return err == nil && len(b) == 16
}

// headerContainsToken checks if headerName contains the given token, case-insensitive.
func headerContainsToken(h http.Header, headerName, token string) bool {
	for _, v := range h.Values(headerName) {
		for _, p := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(p), token) {
				return true
			}
		}
	}
	return false
}

// headerList flattens a comma separated header into its elements.
func headerList(h http.Header, name string) []string {
	var out []string
	for _, v := range h.Values(name) {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
