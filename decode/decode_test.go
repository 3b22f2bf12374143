//
// Copyright (c) 2025 Markku Rossi
//
// All rights reserved.
//

package decode

import (
	"context"
	"testing"
	"time"

	"github.com/markkurossi/mpctls/role"
	"github.com/markkurossi/mpctls/vm"
)

func newPair(t *testing.T, value [8]byte) (leaderVM, followerVM vm.VM, leaderRef, followerRef *vm.Value) {
	t.Helper()
	lp, fp := vm.NewChanPeerPair()
	leaderVM = vm.NewLocal(role.Leader, lp)
	followerVM = vm.NewLocal(role.Follower, fp)

	var zero [8]byte
	var err error
	leaderRef, err = leaderVM.AllocVec(8)
	if err != nil {
		t.Fatalf("AllocVec: %v", err)
	}
	if err := leaderVM.Assign(leaderRef, value[:]); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	followerRef, err = followerVM.AllocVec(8)
	if err != nil {
		t.Fatalf("AllocVec: %v", err)
	}
	if err := followerVM.Assign(followerRef, zero[:]); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	return leaderVM, followerVM, leaderRef, followerRef
}

func TestSharedDecodeRevealsToBoth(t *testing.T) {
	value := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	leaderVM, followerVM, leaderRef, followerRef := newPair(t, value)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results := make(chan []byte, 2)
	errs := make(chan error, 2)
	go func() {
		got, err := NewShared(leaderVM, leaderRef).Decode(ctx)
		results <- got
		errs <- err
	}()
	go func() {
		got, err := NewShared(followerVM, followerRef).Decode(ctx)
		results <- got
		errs <- err
	}()

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Decode: %v", err)
		}
		got := <-results
		if string(got) != string(value[:]) {
			t.Fatalf("Decode mismatch: got %x want %x", got, value)
		}
	}
}

func TestPrivateDecodeRevealsOnlyToTarget(t *testing.T) {
	value := [8]byte{9, 8, 7, 6, 5, 4, 3, 2}
	leaderVM, followerVM, leaderRef, followerRef := newPair(t, value)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		role role.Role
		got  []byte
		err  error
	}
	results := make(chan result, 2)
	go func() {
		got, err := NewPrivate(leaderVM, leaderRef, role.Leader).Decode(ctx)
		results <- result{role: role.Leader, got: got, err: err}
	}()
	go func() {
		got, err := NewPrivate(followerVM, followerRef, role.Leader).Decode(ctx)
		results <- result{role: role.Follower, got: got, err: err}
	}()

	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("Decode: %v", r.err)
		}
		switch r.role {
		case role.Leader:
			if string(r.got) != string(value[:]) {
				t.Fatalf("leader Decode mismatch: got %x want %x", r.got, value)
			}
		case role.Follower:
			if r.got != nil {
				t.Fatalf("follower unexpectedly saw the value: %x", r.got)
			}
		}
	}
}
