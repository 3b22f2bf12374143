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
	"github.com/markkurossi/mpctls/role"
	"github.com/markkurossi/mpctls/vm"
)

// Decrypt is a deferred AEAD decryption of a ciphertext both parties
// already hold in the clear (nothing about the ciphertext is secret;
// only the plaintext is). Call Private or Public to pick who learns
// the plaintext, then Compute.
type Decrypt struct {
	vm          vm.VM
	ghashEngine *ghash.Engine
	aad         []byte
	ciphertext  []byte
	purported   [16]byte

	j0           *vm.Value
	plaintextRef *vm.Value
}

// NewDecrypt builds a Decrypt for ciphertext (already loaded into the
// VM as ciphertextRef) under nonce, checking it against purportedTag
// and authenticating aad alongside it.
func NewDecrypt(ctx context.Context, v vm.VM, ks *Keystream, g *ghash.Engine, nonce [12]byte, ciphertextRef *vm.Value, ciphertext []byte, aad []byte, purportedTag [16]byte) (*Decrypt, error) {
	j0, err := ks.J0(ctx, v, nonce)
	if err != nil {
		return nil, mpcerr.VmErr(err)
	}
	keystream, err := ks.Generate(ctx, v, nonce, len(ciphertext))
	if err != nil {
		return nil, mpcerr.VmErr(err)
	}
	plaintextRef, err := v.XOR(ciphertextRef, keystream)
	if err != nil {
		return nil, mpcerr.VmErr(err)
	}
	return &Decrypt{
		vm:          v,
		ghashEngine: g,
		aad:         aad,
		ciphertext:  ciphertext,
		purported:   purportedTag,

		j0:           j0,
		plaintextRef: plaintextRef,
	}, nil
}

// Private reveals the plaintext to to only; the other role's Compute
// always returns a nil plaintext slice, even on success.
func (d *Decrypt) Private(to role.Role) *DecryptPrivate {
	return &DecryptPrivate{d: d, to: to}
}

// Public reveals the plaintext to both roles.
func (d *Decrypt) Public() *DecryptPublic {
	return &DecryptPublic{d: d}
}

// DecryptPrivate reveals plaintext to a single role.
type DecryptPrivate struct {
	d        *Decrypt
	to       role.Role
	mapPlain func([]byte) []byte
}

// MapPlain installs a transform applied to the plaintext bytes before
// they are returned, on the role that receives them.
func (p *DecryptPrivate) MapPlain(f func([]byte) []byte) *DecryptPrivate {
	p.mapPlain = f
	return p
}

// Compute verifies the tag and, only then, returns the plaintext to
// the target role (nil, nil on every other role). Tag verification
// always completes before any plaintext bytes are handed back, even
// to the role that is entitled to see them.
func (p *DecryptPrivate) Compute(ctx context.Context) ([]byte, error) {
	d := p.d
	var j0Bytes, plainBytes []byte
	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		var e error
		j0Bytes, e = decode.NewShared(d.vm, d.j0).Decode(gctx)
		return e
	})
	grp.Go(func() error {
		var e error
		plainBytes, e = decode.NewPrivate(d.vm, d.plaintextRef, p.to).Decode(gctx)
		return e
	})
	if err := grp.Wait(); err != nil {
		return nil, mpcerr.VmErr(err)
	}

	if err := verify(ctx, d, j0Bytes); err != nil {
		return nil, err
	}

	if plainBytes == nil {
		return nil, nil
	}
	if p.mapPlain != nil {
		plainBytes = p.mapPlain(plainBytes)
	}
	return plainBytes, nil
}

// DecryptPublic reveals plaintext to both roles.
type DecryptPublic struct {
	d        *Decrypt
	mapPlain func([]byte) []byte
}

// MapPlain installs a transform applied to the plaintext bytes before
// they are returned.
func (p *DecryptPublic) MapPlain(f func([]byte) []byte) *DecryptPublic {
	p.mapPlain = f
	return p
}

// Compute verifies the tag and returns the plaintext to both roles.
func (p *DecryptPublic) Compute(ctx context.Context) ([]byte, error) {
	d := p.d
	var j0Bytes, plainBytes []byte
	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		var e error
		j0Bytes, e = decode.NewShared(d.vm, d.j0).Decode(gctx)
		return e
	})
	grp.Go(func() error {
		var e error
		plainBytes, e = decode.NewShared(d.vm, d.plaintextRef).Decode(gctx)
		return e
	})
	if err := grp.Wait(); err != nil {
		return nil, mpcerr.VmErr(err)
	}

	if err := verify(ctx, d, j0Bytes); err != nil {
		return nil, err
	}

	if p.mapPlain != nil {
		plainBytes = p.mapPlain(plainBytes)
	}
	return plainBytes, nil
}

func verify(ctx context.Context, d *Decrypt, j0Bytes []byte) error {
	h, err := d.ghashEngine.RevealH(ctx, d.vm)
	if err != nil {
		return mpcerr.VmErr(err)
	}
	tag := computeTag(h, j0Bytes, d.aad, d.ciphertext)
	return verifyTag(tag, d.purported)
}
