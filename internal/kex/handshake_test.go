//
// Copyright (c) 2025 Markku Rossi
//
// All rights reserved.
//

package kex

import (
	"crypto/rand"
	"math/big"
	"sync"
	"testing"

	"github.com/markkurossi/mpc/p2p"

	"github.com/markkurossi/mpctls/role"
)

func randomScalar(t *testing.T) *big.Int {
	t.Helper()
	k, err := rand.Int(rand.Reader, p256N)
	if err != nil {
		t.Fatalf("rand.Int: %v", err)
	}
	return k
}

func TestDeriveClientKeyShare(t *testing.T) {
	leaderShare := randomScalar(t)
	followerShare := randomScalar(t)
	fullScalar := new(big.Int).Mod(new(big.Int).Add(leaderShare, followerShare), p256N)
	wantX, wantY := curve.ScalarBaseMult(fullScalar.Bytes())

	leaderConn, followerConn := p2p.Pipe()
	var wg sync.WaitGroup
	wg.Add(2)

	var lx, ly, fx, fy *big.Int
	var lerr, ferr error

	go func() {
		defer wg.Done()
		lx, ly, lerr = DeriveClientKeyShare(role.Leader, leaderConn, leaderShare)
	}()
	go func() {
		defer wg.Done()
		fx, fy, ferr = DeriveClientKeyShare(role.Follower, followerConn, followerShare)
	}()
	wg.Wait()

	if lerr != nil {
		t.Fatalf("leader: %v", lerr)
	}
	if ferr != nil {
		t.Fatalf("follower: %v", ferr)
	}
	if lx.Cmp(fx) != 0 || ly.Cmp(fy) != 0 {
		t.Fatalf("leader/follower disagree on assembled key share")
	}
	if lx.Cmp(wantX) != 0 || ly.Cmp(wantY) != 0 {
		t.Fatalf("assembled key share mismatch: got (%s,%s), want (%s,%s)",
			lx.Text(16), ly.Text(16), wantX.Text(16), wantY.Text(16))
	}
}

// TestDerivePremasterRevealsLeaderOnly checks that DerivePremaster
// gives the Leader the correct premaster while the Follower learns
// nothing: the premaster is the seed for the session keys spec
// section 3 requires stay 2PC shares through the active phase, so
// unlike the client key share it must not become known to both
// parties.
func TestDerivePremasterRevealsLeaderOnly(t *testing.T) {
	leaderShare := randomScalar(t)
	followerShare := randomScalar(t)
	fullScalar := new(big.Int).Mod(new(big.Int).Add(leaderShare, followerShare), p256N)

	serverScalar := randomScalar(t)
	serverX, serverY := curve.ScalarBaseMult(serverScalar.Bytes())

	wantX, _ := curve.ScalarMult(serverX, serverY, fullScalar.Bytes())

	leaderConn, followerConn := p2p.Pipe()
	var wg sync.WaitGroup
	wg.Add(2)

	var lpm, fpm *big.Int
	var lerr, ferr error

	go func() {
		defer wg.Done()
		lpm, lerr = DerivePremaster(role.Leader, leaderConn, leaderShare, serverX, serverY)
	}()
	go func() {
		defer wg.Done()
		fpm, ferr = DerivePremaster(role.Follower, followerConn, followerShare, serverX, serverY)
	}()
	wg.Wait()

	if lerr != nil {
		t.Fatalf("leader: %v", lerr)
	}
	if ferr != nil {
		t.Fatalf("follower: %v", ferr)
	}
	if fpm != nil {
		t.Fatalf("follower unexpectedly learned the premaster: %s", fpm.Text(16))
	}
	if lpm.Cmp(wantX) != 0 {
		t.Fatalf("premaster mismatch: got %s, want %s", lpm.Text(16), wantX.Text(16))
	}
}
