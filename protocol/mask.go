// Package protocol
// Author: momentics <momentics@gmail.com>
//
// Payload masking. The transform is its own inverse.

package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"math/bits"
)

// MaskBytes XORs b with key starting at key offset pos and returns the key
// offset for the next byte, so a payload may be masked in pieces.
func MaskBytes(key [4]byte, pos int, b []byte) int {
	pos &= 3
	if len(b) < 8 {
		for i := range b {
			b[i] ^= key[pos&3]
			pos++
		}
		return pos & 3
	}

	key64 := uint64(binary.LittleEndian.Uint32(key[:]))
	key64 |= key64 << 32
	key64 = bits.RotateLeft64(key64, -pos*8)

	i := 0
	for ; len(b)-i >= 8; i += 8 {
		binary.LittleEndian.PutUint64(b[i:], binary.LittleEndian.Uint64(b[i:])^key64)
	}
	// whole words leave pos unchanged
	for ; i < len(b); i++ {
		b[i] ^= key[pos&3]
		pos++
	}
	return pos & 3
}

// NewMaskKey returns a fresh random masking key.
func NewMaskKey() ([4]byte, error) {
	var k [4]byte
	_, err := rand.Read(k[:])
	return k, err
}
