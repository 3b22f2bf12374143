//
// Copyright (c) 2025 Markku Rossi
//
// All rights reserved.
//

// Package decode wraps vm.VM's two reveal primitives, Decode and
// DecodePrivate, as small composable values so callers (package aead,
// mainly) can build up a reveal plan before awaiting it. This mirrors
// the Decode/shared/private builder the record layer's aead::mod.rs
// counterpart uses, without carrying over its VM-internals transmute
// step, which has no Go equivalent.
package decode

import (
	"context"

	"github.com/markkurossi/mpctls/role"
	"github.com/markkurossi/mpctls/vm"
)

// Shared reveals a Value to both the Leader and the Follower.
type Shared struct {
	vm vm.VM
	v  *vm.Value
}

// NewShared builds a Shared reveal of v.
func NewShared(v vm.VM, ref *vm.Value) *Shared {
	return &Shared{vm: v, v: ref}
}

// Decode performs the reveal and returns the plaintext bytes.
func (s *Shared) Decode(ctx context.Context) ([]byte, error) {
	return s.vm.Decode(ctx, s.v)
}

// Private reveals a Value to a single role only. The other role's
// Decode call still participates in the underlying exchange but
// always returns a nil slice.
type Private struct {
	vm vm.VM
	v  *vm.Value
	to role.Role
}

// NewPrivate builds a Private reveal of v to the role to.
func NewPrivate(v vm.VM, ref *vm.Value, to role.Role) *Private {
	return &Private{vm: v, v: ref, to: to}
}

// Decode performs the reveal. It returns nil, nil for the role that is
// not the target of the reveal.
func (p *Private) Decode(ctx context.Context) ([]byte, error) {
	return p.vm.DecodePrivate(ctx, p.v, p.to)
}
