//
// Copyright (c) 2025 Markku Rossi
//
// All rights reserved.
//

package aead

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/markkurossi/mpctls/decode"
	"github.com/markkurossi/mpctls/ghash"
	"github.com/markkurossi/mpctls/mpcerr"
	"github.com/markkurossi/mpctls/vm"
)

// Encrypt is a deferred AEAD encryption. Constructing one does the
// keystream derivation and the local XOR against the plaintext
// eagerly, including the AesECBBlock calls for J0 and every keystream
// block (each of which, in the local reference VM, Decodes a key that
// is not public with a peer round trip); only the final reveal of J0
// and the ciphertext is left to Compute, so a caller can build up
// several Encrypt/Decrypt values (e.g. one per TLS record in a batch)
// before computing any of them.
type Encrypt struct {
	vm          vm.VM
	ghashEngine *ghash.Engine
	aad         []byte

	j0            *vm.Value
	ciphertextRef *vm.Value

	mapCipher func([]byte) []byte
}

// NewEncrypt builds an Encrypt for plaintextRef (length n) under nonce,
// authenticating aad alongside it.
func NewEncrypt(ctx context.Context, v vm.VM, ks *Keystream, g *ghash.Engine, nonce [12]byte, plaintextRef *vm.Value, aad []byte) (*Encrypt, error) {
	j0, err := ks.J0(ctx, v, nonce)
	if err != nil {
		return nil, mpcerr.VmErr(err)
	}
	keystream, err := ks.Generate(ctx, v, nonce, plaintextRef.Len())
	if err != nil {
		return nil, mpcerr.VmErr(err)
	}
	cipherRef, err := v.XOR(plaintextRef, keystream)
	if err != nil {
		return nil, mpcerr.VmErr(err)
	}
	return &Encrypt{
		vm:            v,
		ghashEngine:   g,
		aad:           aad,
		j0:            j0,
		ciphertextRef: cipherRef,
	}, nil
}

// MapCipher installs a transform applied to the revealed ciphertext
// bytes before the tag is computed over them, mirroring the Rust
// record layer's map_cipher combinator (used there to splice the
// ciphertext into an already-framed TLS record buffer).
func (e *Encrypt) MapCipher(f func([]byte) []byte) *Encrypt {
	e.mapCipher = f
	return e
}

// Compute reveals J0 and the ciphertext concurrently, then derives the
// authentication tag. It returns the (possibly mapped) ciphertext and
// the tag to append to it.
func (e *Encrypt) Compute(ctx context.Context) (ciphertext []byte, tag [16]byte, err error) {
	var j0Bytes, ctBytes []byte
	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		var e2 error
		j0Bytes, e2 = decode.NewShared(e.vm, e.j0).Decode(gctx)
		return e2
	})
	grp.Go(func() error {
		var e2 error
		ctBytes, e2 = decode.NewShared(e.vm, e.ciphertextRef).Decode(gctx)
		return e2
	})
	if err := grp.Wait(); err != nil {
		return nil, [16]byte{}, mpcerr.VmErr(err)
	}

	if e.mapCipher != nil {
		ctBytes = e.mapCipher(ctBytes)
	}

	h, err := e.ghashEngine.RevealH(ctx, e.vm)
	if err != nil {
		return nil, [16]byte{}, mpcerr.VmErr(err)
	}
	return ctBytes, computeTag(h, j0Bytes, e.aad, ctBytes), nil
}
