//
// Copyright (c) 2025 Markku Rossi
//
// All rights reserved.
//

// Package ghash computes the GCM GHASH function used by the AEAD
// record layer to authenticate records (spec section 4.1, "tag =
// GHASH_H(AAD, ciphertext) XOR J0"). No library in the reference
// corpus implements GF(2^128) GHASH, so this package hand-rolls the
// standard NIST SP 800-38D construction; see DESIGN.md for the
// stdlib-vs-library note.
//
// Engine holds the hash subkey H as a vm.Value so it stays behind
// whatever reveal discipline the VM implements; RevealH is the single
// point where H ever leaves the VM. The local vm.VM implementation in
// this module reveals values by plain XOR; see vm.localVM for the
// caveat.
package ghash

import (
	"context"
	"encoding/binary"

	"github.com/markkurossi/mpctls/decode"
	"github.com/markkurossi/mpctls/vm"
)

// Engine computes GHASH_H for a fixed hash subkey H.
type Engine struct {
	h *vm.Value
}

// NewEngine returns a GHASH engine bound to the shared 16-byte hash
// subkey h.
func NewEngine(h *vm.Value) *Engine {
	return &Engine{h: h}
}

// RevealH decodes the hash subkey. The aead builders call it on every
// Compute; H never changes for the lifetime of a set of traffic keys,
// and the Engine does not cache it.
func (e *Engine) RevealH(ctx context.Context, v vm.VM) ([16]byte, error) {
	hBytes, err := decode.NewShared(v, e.h).Decode(ctx)
	if err != nil {
		return [16]byte{}, err
	}
	var h [16]byte
	copy(h[:], hBytes)
	return h, nil
}

// Sum computes GHASH_H(aad || ciphertext || lengths) for the given
// hash subkey, in the clear. It is exported so tests (and the AEAD
// known-answer test) can compute an expected tag without going
// through a vm.VM.
func Sum(h [16]byte, aad, ciphertext []byte) [16]byte {
	var y [16]byte

	absorbPadded(&y, h, aad)
	absorbPadded(&y, h, ciphertext)

	var lenBlock [16]byte
	binary.BigEndian.PutUint64(lenBlock[0:8], uint64(len(aad))*8)
	binary.BigEndian.PutUint64(lenBlock[8:16], uint64(len(ciphertext))*8)
	xorBlock(&y, lenBlock)
	y = gfMul(y, h)

	return y
}

// absorbPadded XORs data into y block-by-block (zero-padding the
// final partial block) multiplying by h after each block, per the
// GHASH definition.
func absorbPadded(y *[16]byte, h [16]byte, data []byte) {
	for len(data) > 0 {
		var block [16]byte
		n := copy(block[:], data)
		data = data[n:]
		xorBlock(y, block)
		*y = gfMul(*y, h)
	}
}

func xorBlock(y *[16]byte, block [16]byte) {
	for i := range y {
		y[i] ^= block[i]
	}
}

// gfMul multiplies two elements of GF(2^128) under the reduction
// polynomial x^128 + x^7 + x^2 + x + 1, using the bit ordering GCM
// specifies (most significant bit first).
func gfMul(x, y [16]byte) [16]byte {
	var z, v [16]byte
	copy(v[:], y[:])

	for i := 0; i < 128; i++ {
		bit := x[i/8] & (0x80 >> uint(i%8))
		if bit != 0 {
			for j := range z {
				z[j] ^= v[j]
			}
		}
		lsbSet := v[15]&1 != 0
		shiftRight(&v)
		if lsbSet {
			v[0] ^= 0xe1
		}
	}
	return z
}

// shiftRight right-shifts a 128-bit big-endian value by one bit.
func shiftRight(v *[16]byte) {
	var carry byte
	for i := 0; i < len(v); i++ {
		next := v[i] & 1
		v[i] = v[i]>>1 | carry<<7
		carry = next
	}
}
