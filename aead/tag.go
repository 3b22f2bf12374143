//
// Copyright (c) 2025 Markku Rossi
//
// All rights reserved.
//

package aead

import (
	"crypto/subtle"

	"github.com/markkurossi/mpctls/ghash"
	"github.com/markkurossi/mpctls/mpcerr"
)

// computeTag combines GHASH_H(aad, ciphertext) with the J0 block to
// produce the GCM authentication tag (spec section 4.1).
func computeTag(h [16]byte, j0Bytes, aad, ciphertext []byte) [16]byte {
	sum := ghash.Sum(h, aad, ciphertext)
	var tag [16]byte
	for i := range tag {
		tag[i] = sum[i] ^ j0Bytes[i]
	}
	return tag
}

// verifyTag compares a computed tag against the one carried on the
// wire in constant time.
func verifyTag(tag, purported [16]byte) error {
	if subtle.ConstantTimeCompare(tag[:], purported[:]) != 1 {
		return mpcerr.AeadTagMismatchErr()
	}
	return nil
}
