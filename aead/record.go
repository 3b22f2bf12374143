//
// Copyright (c) 2025 Markku Rossi
//
// All rights reserved.
//

package aead

import "encoding/binary"

// Nonce builds the 12-byte AES-GCM nonce TLS 1.2 uses for a record:
// a 4-byte fixed IV derived from the key block, followed by the
// 8-byte explicit nonce carried on the wire, which in this engine is
// simply the record's sequence number.
func Nonce(fixedIV [4]byte, seq uint64) [12]byte {
	var n [12]byte
	copy(n[:4], fixedIV[:])
	binary.BigEndian.PutUint64(n[4:], seq)
	return n
}

// BuildAAD constructs the additional authenticated data TLS 1.2's
// GCM cipher suites authenticate alongside the record: the sequence
// number, content type, protocol version, and plaintext length.
func BuildAAD(seq uint64, contentType byte, versionMajor, versionMinor byte, plaintextLen int) []byte {
	aad := make([]byte, 13)
	binary.BigEndian.PutUint64(aad[0:8], seq)
	aad[8] = contentType
	aad[9] = versionMajor
	aad[10] = versionMinor
	binary.BigEndian.PutUint16(aad[11:13], uint16(plaintextLen))
	return aad
}
