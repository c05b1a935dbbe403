// File: protocol/frame_codec_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"bytes"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/momentics/wsengine/api"
)

// TestCodecRoundTrip encodes as a client and decodes as a server for every
// length class.
func TestCodecRoundTrip(t *testing.T) {
	client := NewCodec(api.RoleClient)
	server := NewCodec(api.RoleServer)

	for _, n := range []int{0, 1, 125, 126, 65535, 65536, 70000} {
		payload := bytes.Repeat([]byte{'x'}, n)
		in := &Frame{Fin: true, OpCode: OpBinary, Payload: payload}
		raw, err := client.Encode(in)
		if err != nil {
			t.Fatalf("len %d: Encode: %v", n, err)
		}
		got, consumed, err := server.Decode(raw)
		if err != nil {
			t.Fatalf("len %d: Decode: %v", n, err)
		}
		if consumed != len(raw) {
			t.Errorf("len %d: consumed %d, want %d", n, consumed, len(raw))
		}
		if !got.Masked {
			t.Errorf("len %d: client frame not masked on the wire", n)
		}
		want := &Frame{Fin: true, OpCode: OpBinary, Masked: true, MaskKey: got.MaskKey, Payload: payload}
		if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("len %d: frame mismatch (-want +got):\n%s", n, diff)
		}
	}
}

func TestCodecHeaderLengths(t *testing.T) {
	c := NewCodec(api.RoleServer)
	cases := []struct {
		n      int
		header []byte
	}{
		{5, []byte{0x82, 5}},
		{126, []byte{0x82, 126, 0, 126}},
		{65536, []byte{0x82, 127, 0, 0, 0, 0, 0, 1, 0, 0}},
	}
	for _, tc := range cases {
		raw, err := c.Encode(NewBinaryFrame(make([]byte, tc.n)))
		if err != nil {
			t.Fatalf("Encode(%d): %v", tc.n, err)
		}
		if !bytes.HasPrefix(raw, tc.header) {
			t.Errorf("len %d: header % x, want prefix % x", tc.n, raw[:len(tc.header)], tc.header)
		}
		if len(raw) != len(tc.header)+tc.n {
			t.Errorf("len %d: encoded %d bytes, want %d", tc.n, len(raw), len(tc.header)+tc.n)
		}
	}
}

func TestCodecIncomplete(t *testing.T) {
	client := NewCodec(api.RoleClient)
	server := NewCodec(api.RoleServer)
	raw, err := client.Encode(NewTextFrame("hello, world"))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < len(raw); i++ {
		f, n, err := server.Decode(raw[:i])
		if f != nil || n != 0 || err != nil {
			t.Fatalf("prefix %d: got (%v, %d, %v), want (nil, 0, nil)", i, f, n, err)
		}
	}
}

func TestCodecDecodesBackToBackFrames(t *testing.T) {
	client := NewCodec(api.RoleClient)
	server := NewCodec(api.RoleServer)
	var raw []byte
	for _, s := range []string{"one", "two", "three"} {
		var err error
		if raw, err = client.AppendFrame(raw, NewTextFrame(s)); err != nil {
			t.Fatal(err)
		}
	}
	var got []string
	for len(raw) > 0 {
		f, n, err := server.Decode(raw)
		if err != nil || f == nil {
			t.Fatalf("Decode: frame=%v err=%v", f, err)
		}
		got = append(got, string(f.Payload))
		raw = raw[n:]
	}
	if diff := cmp.Diff([]string{"one", "two", "three"}, got); diff != "" {
		t.Errorf("payloads (-want +got):\n%s", diff)
	}
}

func TestCodecRejects(t *testing.T) {
	mask := []byte{1, 2, 3, 4}
	huge := append([]byte{0x82, 0xFF, 0x7F, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, mask...)
	cases := []struct {
		name  string
		codec *Codec
		raw   []byte
		kind  api.Kind
	}{
		{"non-minimal 16-bit length", NewCodec(api.RoleClient), []byte{0x82, 126, 0, 5}, api.KindProtocol},
		{"non-minimal 64-bit length", NewCodec(api.RoleClient), []byte{0x82, 127, 0, 0, 0, 0, 0, 0, 0xFF, 0xFF}, api.KindProtocol},
		{"64-bit length msb", NewCodec(api.RoleClient), []byte{0x82, 127, 0x80, 0, 0, 0, 0, 0, 0, 0}, api.KindProtocol},
		{"control frame over 125 bytes", NewCodec(api.RoleClient), []byte{0x89, 126, 0, 126}, api.KindProtocol},
		{"fragmented control frame", NewCodec(api.RoleClient), []byte{0x09, 0}, api.KindProtocol},
		{"reserved opcode", NewCodec(api.RoleClient), []byte{0x83, 0}, api.KindProtocol},
		{"unclaimed rsv1", NewCodec(api.RoleClient), []byte{0xC2, 0}, api.KindProtocol},
		{"unmasked client frame", NewCodec(api.RoleServer), []byte{0x82, 0}, api.KindProtocol},
		{"masked server frame", NewCodec(api.RoleClient), append([]byte{0x82, 0x80}, mask...), api.KindProtocol},
		{"payload over limit", NewCodec(api.RoleClient), []byte{0x82, 127, 0, 0, 0, 0, 0x10, 0, 0, 0}, api.KindCapacity},
		{"huge length, zero-value codec", &Codec{Role: api.RoleServer}, huge, api.KindCapacity},
		{"huge length, max int64 limit", &Codec{Role: api.RoleServer, MaxPayload: math.MaxInt64}, huge, api.KindCapacity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, n, err := tc.codec.Decode(tc.raw)
			if err == nil {
				t.Fatalf("Decode accepted frame %v (%d bytes)", f, n)
			}
			if got := api.KindOf(err); got != tc.kind {
				t.Errorf("kind = %v, want %v (%v)", got, tc.kind, err)
			}
		})
	}
}

// TestCodecRejectsBeforeBuffering checks that an oversized length is refused
// from the header alone, without waiting for the payload.
func TestCodecRejectsBeforeBuffering(t *testing.T) {
	c := &Codec{MaxPayload: 16, Role: api.RoleClient}
	_, _, err := c.Decode([]byte{0x82, 126, 0, 200})
	if api.KindOf(err) != api.KindCapacity {
		t.Fatalf("Decode error = %v, want capacity error", err)
	}
}

func TestCodecClaimedRsv(t *testing.T) {
	c := &Codec{Role: api.RoleClient, Claimed: Rsv1}
	f, _, err := c.Decode([]byte{0xC1, 2, 'h', 'i'})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !f.Rsv1 || f.Rsv2 || f.Rsv3 {
		t.Errorf("rsv bits = %v/%v/%v, want only rsv1", f.Rsv1, f.Rsv2, f.Rsv3)
	}
}

func TestCodecLenientMasking(t *testing.T) {
	c := &Codec{Role: api.RoleServer, Lenient: true}
	f, _, err := c.Decode([]byte{0x81, 2, 'o', 'k'})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(f.Payload) != "ok" {
		t.Errorf("payload = %q, want ok", f.Payload)
	}
}

func TestCodecEncodeRejectsInvalidControl(t *testing.T) {
	c := NewCodec(api.RoleServer)
	if _, err := c.Encode(NewPingFrame(make([]byte, 126))); err == nil {
		t.Error("Encode accepted a 126 byte ping")
	}
	if _, err := c.Encode(&Frame{OpCode: OpPong}); err == nil {
		t.Error("Encode accepted a non-final pong")
	}
}

func TestCodecKeepsCallerFrame(t *testing.T) {
	c := NewCodec(api.RoleClient)
	f := NewTextFrame("unchanged")
	if _, err := c.Encode(f); err != nil {
		t.Fatal(err)
	}
	if string(f.Payload) != "unchanged" || f.MaskKey != ([4]byte{}) {
		t.Errorf("Encode modified its input: %v", f)
	}
}
