// File: protocol/handshake_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/momentics/wsengine/api"
)

const sampleRequest = "GET /chat HTTP/1.1\r\n" +
	"Host: server.example.com\r\n" +
	"Upgrade: websocket\r\n" +
	"Connection: keep-alive, Upgrade\r\n" +
	"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
	"Sec-WebSocket-Protocol: chat, superchat\r\n" +
	"Sec-WebSocket-Version: 13\r\n\r\n"

func TestComputeAcceptKey(t *testing.T) {
	got := ComputeAcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	if want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="; got != want {
		t.Errorf("ComputeAcceptKey = %q, want %q", got, want)
	}
}

func TestParseRequest(t *testing.T) {
	raw := []byte(sampleRequest + "\x81\x00")
	req, n, err := ParseRequest(raw)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if n != len(sampleRequest) {
		t.Errorf("consumed %d, want %d", n, len(sampleRequest))
	}
	if req.Resource != "/chat" || req.Host != "server.example.com" {
		t.Errorf("request = %v", req)
	}
	if got := req.Protocols(); len(got) != 2 || got[0] != "chat" || got[1] != "superchat" {
		t.Errorf("Protocols = %v", got)
	}
}

func TestParseRequestIncremental(t *testing.T) {
	for i := 0; i < len(sampleRequest); i++ {
		req, n, err := ParseRequest([]byte(sampleRequest[:i]))
		if req != nil || n != 0 || err != nil {
			t.Fatalf("prefix %d: got (%v, %d, %v)", i, req, n, err)
		}
	}
}

func TestParseRequestTooLarge(t *testing.T) {
	raw := []byte("GET / HTTP/1.1\r\nX-Pad: " + strings.Repeat("a", MaxHandshakeSize))
	_, _, err := ParseRequest(raw)
	if api.KindOf(err) != api.KindCapacity {
		t.Errorf("err = %v, want capacity error", err)
	}
}

func TestNewResponseFromRequest(t *testing.T) {
	req, _, err := ParseRequest([]byte(sampleRequest))
	if err != nil {
		t.Fatal(err)
	}
	res, err := NewResponseFromRequest(req)
	if err != nil {
		t.Fatalf("NewResponseFromRequest: %v", err)
	}
	if res.Status != http.StatusSwitchingProtocols {
		t.Errorf("status = %d", res.Status)
	}
	if res.Accept() != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Errorf("accept = %q", res.Accept())
	}
	if err := res.Validate(req); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestNewResponseFromRequestRejects(t *testing.T) {
	cases := map[string]string{
		"missing version": strings.Replace(sampleRequest, "Sec-WebSocket-Version: 13\r\n", "", 1),
		"wrong version":   strings.Replace(sampleRequest, "Version: 13", "Version: 8", 1),
		"missing key":     strings.Replace(sampleRequest, "Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n", "", 1),
		"short key":       strings.Replace(sampleRequest, "dGhlIHNhbXBsZSBub25jZQ==", "c2hvcnQ=", 1),
		"no upgrade":      strings.Replace(sampleRequest, "Upgrade: websocket\r\n", "", 1),
		"post":            strings.Replace(sampleRequest, "GET", "POST", 1),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			req, _, err := ParseRequest([]byte(raw))
			if err != nil {
				t.Fatal(err)
			}
			_, err = NewResponseFromRequest(req)
			if api.KindOf(err) != api.KindHandshake {
				t.Errorf("err = %v, want handshake failure", err)
			}
		})
	}
}

func TestClientRequestRoundTrip(t *testing.T) {
	u, _ := url.Parse("ws://example.com:8080/feed?x=1")
	req, err := NewRequestFromURL(u)
	if err != nil {
		t.Fatal(err)
	}
	req.AddProtocol("chat")
	parsed, _, err := ParseRequest(req.Bytes())
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if parsed.Resource != "/feed?x=1" || parsed.Host != "example.com:8080" {
		t.Errorf("parsed = %v", parsed)
	}
	res, err := NewResponseFromRequest(parsed)
	if err != nil {
		t.Fatal(err)
	}
	res.SetProtocol("chat")
	back, n, err := ParseResponse(res.Bytes())
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if n != len(res.Bytes()) {
		t.Errorf("consumed %d of %d", n, len(res.Bytes()))
	}
	if err := back.Validate(req); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestResponseValidateFailures(t *testing.T) {
	u, _ := url.Parse("ws://example.com/")
	req, _ := NewRequestFromURL(u)
	good, _ := NewResponseFromRequest(req)

	bad := *good
	bad.Header = good.Header.Clone()
	bad.Header.Set(HeaderSecAccept, "bogus")
	if err := bad.Validate(req); err == nil {
		t.Error("accepted a wrong accept key")
	}

	bad.Header = good.Header.Clone()
	bad.SetProtocol("unrequested")
	if err := bad.Validate(req); err == nil {
		t.Error("accepted an unrequested protocol")
	}

	if err := RejectResponse(http.StatusForbidden).Validate(req); err == nil {
		t.Error("accepted a 403")
	}
}

func TestNewRequestFromURLScheme(t *testing.T) {
	u, _ := url.Parse("http://example.com/")
	if _, err := NewRequestFromURL(u); api.KindOf(err) != api.KindHandshake {
		t.Errorf("err = %v, want handshake failure", err)
	}
}
