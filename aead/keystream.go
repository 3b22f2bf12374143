//
// Copyright (c) 2025 Markku Rossi
//
// All rights reserved.
//

// Package aead implements the AES-128-GCM record layer as a set of
// composable builders, grounded on the record_layer/aead module of
// the Rust implementation this engine's spec was distilled from: J0
// is derived once per record via AES-ECB inside the VM, the keystream
// is derived the same way per 16-byte block, and encryption/decryption
// are expressed as deferred computations (Encrypt, Decrypt,
// DecryptPrivate, DecryptPublic) so a caller can construct several
// before awaiting any of them. The AES-ECB work for J0 and the
// keystream runs when a builder is constructed; only the final reveals
// wait for Compute.
package aead

import (
	"context"
	"encoding/binary"

	"github.com/markkurossi/mpctls/vm"
)

// Keystream derives GCM keystream blocks from a fixed AES-128 key held
// as a VM Value.
type Keystream struct {
	key *vm.Value
}

// NewKeystream binds a keystream generator to a 16-byte shared key.
func NewKeystream(key *vm.Value) *Keystream {
	return &Keystream{key: key}
}

func counterBlock(nonce [12]byte, counter uint32) []byte {
	block := make([]byte, 16)
	copy(block[:12], nonce[:])
	binary.BigEndian.PutUint32(block[12:], counter)
	return block
}

// J0 derives the GCM authentication block, AES_k(nonce || 1), as a
// shared Value.
func (k *Keystream) J0(ctx context.Context, v vm.VM, nonce [12]byte) (*vm.Value, error) {
	blockRef, err := v.AllocVec(16)
	if err != nil {
		return nil, err
	}
	if err := v.MarkPublic(blockRef, counterBlock(nonce, 1)); err != nil {
		return nil, err
	}
	return v.AesECBBlock(ctx, k.key, blockRef)
}

// Generate derives n bytes of GCM keystream starting at counter 2, as
// a single shared Value.
func (k *Keystream) Generate(ctx context.Context, v vm.VM, nonce [12]byte, n int) (*vm.Value, error) {
	if n == 0 {
		return v.AllocVec(0)
	}
	nBlocks := (n + 15) / 16
	blocks := make([]*vm.Value, nBlocks)
	for i := 0; i < nBlocks; i++ {
		blockRef, err := v.AllocVec(16)
		if err != nil {
			return nil, err
		}
		if err := v.MarkPublic(blockRef, counterBlock(nonce, uint32(i+2))); err != nil {
			return nil, err
		}
		ks, err := v.AesECBBlock(ctx, k.key, blockRef)
		if err != nil {
			return nil, err
		}
		blocks[i] = ks
	}
	full, err := v.Concat(blocks...)
	if err != nil {
		return nil, err
	}
	if full.Len() == n {
		return full, nil
	}
	return v.Slice(full, n)
}
