//
// Copyright (c) 2025 Markku Rossi
//
// All rights reserved.
//

// Package vm defines the 2PC arithmetic substrate consumed by the
// record layer: a secret-shared vector store with AES-ECB keystream
// generation and one-time-pad reveal. The spec treats this substrate
// as out of scope ("we specify what the record layer requires of
// them, not how they are built"); this package is therefore an
// interface plus a single local/reference implementation, not a real
// OT-backed MPC engine. The real two-party key agreement lives in
// internal/kex and genuinely runs over oblivious transfer; this
// package's local VM exists so the record layer (package aead) has
// something concrete to drive in tests and demos.
package vm

import (
	"context"

	"github.com/markkurossi/mpctls/role"
)

// Value is an opaque handle to a vector of bytes held in secret-shared
// form across the Leader and the Follower. Values are created by
// AllocVec and consumed by Decode/DecodePrivate.
type Value struct {
	id   uint64
	n    int
	data []byte
}

// Len returns the length in bytes of the shared vector.
func (v *Value) Len() int { return v.n }

// VM is the capability surface the record layer (package aead) needs
// from the 2PC substrate. Every method may block on a network
// round-trip with the peer VM and should be called with a context
// carrying a deadline.
type VM interface {
	// AllocVec allocates a fresh shared vector of n bytes, both shares
	// initialized to zero.
	AllocVec(n int) (*Value, error)

	// MarkPublic assigns both parties' share of v to a value known to
	// both of them already (e.g. AAD, an explicit nonce). It does not
	// require a network round trip.
	MarkPublic(v *Value, data []byte) error

	// Assign sets this party's local share of v directly, without
	// touching the peer's share. Used to place Leader-only plaintext
	// into a ref whose Follower-side share is left zero, per the
	// one-time-pad convention the record layer relies on.
	Assign(v *Value, share []byte) error

	// XOR returns a new Value holding the bytewise XOR of a and b,
	// computed locally without any network traffic. a and b must have
	// equal length.
	XOR(a, b *Value) (*Value, error)

	// Concat joins several shared vectors into one, preserving order,
	// with no network traffic.
	Concat(vals ...*Value) (*Value, error)

	// Slice returns the first n bytes of v as a new Value, with no
	// network traffic.
	Slice(v *Value, n int) (*Value, error)

	// AesECBBlock derives a single AES-128 block, AES_k(block), as a
	// shared Value, given a key and a block both already held as
	// shared Values. Used to compute the GCM J0 keystream block inside
	// the VM so that neither party ever locally holds a plaintext key
	// and counter block pair on its own. The local reference
	// implementation simply runs AES-ECB on inputs it first
	// reconstructs with Decode (a peer round trip for any input not
	// marked public, after which both parties hold its bytes); a real
	// MPC VM would instead run a garbled or
	// secret-shared AES circuit.
	AesECBBlock(ctx context.Context, key, block *Value) (*Value, error)

	// Decode reveals v to both parties and returns the plaintext bytes.
	Decode(ctx context.Context, v *Value) ([]byte, error)

	// DecodePrivate reveals v to to only. The caller whose Role is not
	// to receives a nil slice and no error on success; it still
	// participates in the network exchange (it sends its share) but
	// never reconstructs the plaintext.
	DecodePrivate(ctx context.Context, v *Value, to role.Role) ([]byte, error)

	// DeriveSessionKeys runs the TLS 1.2 key schedule (master secret,
	// then the AES-128-GCM key block) from the ECDHE premaster and
	// returns the resulting write keys as Values rather than plaintext:
	// premaster is non-nil only for the party internal/kex.DerivePremaster
	// reveals it to (the Leader), so the Follower calls this with
	// premaster == nil. See SessionKeys for what each returned Value's
	// share actually represents.
	DeriveSessionKeys(ctx context.Context, premaster []byte, clientRandom, serverRandom [32]byte) (*SessionKeys, error)
}
