//
// Copyright (c) 2025 Markku Rossi
//
// All rights reserved.
//

package leader_test

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/elliptic"
	"crypto/rand"
	"math/big"
	"net"
	"testing"

	"github.com/markkurossi/mpc/p2p"

	"github.com/markkurossi/mpctls/aead"
	"github.com/markkurossi/mpctls/backend"
	"github.com/markkurossi/mpctls/follower"
	"github.com/markkurossi/mpctls/leader"
	"github.com/markkurossi/mpctls/prf"
	"github.com/markkurossi/mpctls/role"
	"github.com/markkurossi/mpctls/vm"
	"github.com/markkurossi/mpctls/wire"
)

var p256 = elliptic.P256()

type harness struct {
	ctrl     leader.Ctrl
	follower *follower.Follower
	split    prf.GCMKeyBlock
}

func randomScalar(t *testing.T) *big.Int {
	t.Helper()
	n, err := rand.Int(rand.Reader, p256.Params().N)
	if err != nil {
		t.Fatalf("randomScalar: %v", err)
	}
	return n
}

// newHarness performs a full handshake between an in-process Leader and
// Follower and returns a Ctrl ready for Active-phase operations, plus
// the GCM key block an independent test can use to fabricate or verify
// records on the "server" side of the connection.
func newHarness(t *testing.T, ctx context.Context, cfg role.CommonConfig) *harness {
	t.Helper()

	leaderWire, followerWire := net.Pipe()
	leaderKex, followerKex := p2p.Pipe()
	peerA, peerB := vm.NewChanPeerPair()

	leaderVM := vm.NewLocal(role.Leader, peerA)
	followerVM := vm.NewLocal(role.Follower, peerB)

	leaderShare := randomScalar(t)
	followerShare := randomScalar(t)
	serverScalar := randomScalar(t)
	serverX, serverY := p256.ScalarBaseMult(serverScalar.Bytes())

	l, ctrl := leader.New(cfg, leaderVM, wire.NewConn(leaderWire), leaderKex, leaderShare, nil)
	f := follower.New(cfg, followerVM, wire.NewConn(followerWire), followerKex, followerShare, nil)

	go func() { _ = l.Run(ctx) }()
	go func() { _ = f.Run(ctx) }()

	mustNil(t, ctrl.SetProtocolVersion(ctx, [2]byte{3, 3}))
	mustNil(t, ctrl.SetCipherSuite(ctx, 0xC02F))
	clientRandom, err := ctrl.ClientRandom(ctx)
	mustNil(t, err)
	_, err = ctrl.ClientKeyShare(ctx)
	mustNil(t, err)

	var serverRandom [32]byte
	if _, err := rand.Read(serverRandom[:]); err != nil {
		t.Fatalf("server random: %v", err)
	}
	mustNil(t, ctrl.SetServerRandom(ctx, serverRandom))
	mustNil(t, ctrl.SetServerKeyShare(ctx, backend.KeyShare{
		Group: 23,
		Data:  elliptic.Marshal(p256, serverX, serverY),
	}))
	mustNil(t, ctrl.SetServerCertDetails(ctx, backend.CertDetails{
		CertChain: [][]byte{[]byte("leaf certificate")},
	}))
	mustNil(t, ctrl.SetServerKxDetails(ctx, backend.KxDetails{SignatureScheme: 0x0403}))
	mustNil(t, ctrl.SetHsHashClientKeyExchange(ctx, bytes.Repeat([]byte{0x11}, 32)))
	mustNil(t, ctrl.SetHsHashServerHello(ctx, bytes.Repeat([]byte{0x22}, 32)))
	_, err = ctrl.ClientFinishedVd(ctx, bytes.Repeat([]byte{0x33}, 32))
	mustNil(t, err)
	_, err = ctrl.ServerFinishedVd(ctx, bytes.Repeat([]byte{0x44}, 32))
	mustNil(t, err)
	mustNil(t, ctrl.PrepareEncryption(ctx))

	fullScalar := new(big.Int).Mod(new(big.Int).Add(leaderShare, followerShare), p256.Params().N)
	premasterX, _ := p256.ScalarMult(serverX, serverY, fullScalar.Bytes())
	premaster := premasterX.FillBytes(make([]byte, 32))
	master := prf.MasterSecret(premaster, clientRandom[:], serverRandom[:])
	kb := prf.KeyBlock(master, serverRandom[:], clientRandom[:], 40)

	return &harness{ctrl: ctrl, follower: f, split: prf.SplitGCMKeyBlock(kb)}
}

func mustNil(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func sealServerRecord(t *testing.T, split prf.GCMKeyBlock, seq uint64, plaintext []byte) backend.OpaqueMessage {
	t.Helper()
	block, err := aes.NewCipher(split.ServerWriteKey[:])
	if err != nil {
		t.Fatal(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		t.Fatal(err)
	}
	nonce := aead.Nonce(split.ServerWriteIV, seq)
	aad := aead.BuildAAD(seq, 23, 3, 3, len(plaintext))
	sealed := gcm.Seal(nil, nonce[:], plaintext, aad)
	return backend.OpaqueMessage{ContentType: 23, Version: [2]byte{3, 3}, Payload: sealed}
}

func TestHandshakeAndRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ctx, role.NewCommonConfig())

	plaintext := []byte("GET / HTTP/1.1\r\n\r\n")
	opaque, err := h.ctrl.Encrypt(ctx, backend.PlainMessage{ContentType: 23, Version: [2]byte{3, 3}, Payload: plaintext}, 0)
	mustNil(t, err)

	block, err := aes.NewCipher(h.split.ClientWriteKey[:])
	mustNil(t, err)
	gcm, err := cipher.NewGCM(block)
	mustNil(t, err)
	nonce := aead.Nonce(h.split.ClientWriteIV, 0)
	aad := aead.BuildAAD(0, 23, 3, 3, len(plaintext))
	got, err := gcm.Open(nil, nonce[:], opaque.Payload, aad)
	mustNil(t, err)
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("reference decrypt mismatch: got %q want %q", got, plaintext)
	}

	reply := []byte("HTTP/1.1 200 OK\r\n\r\nok")
	rec := sealServerRecord(t, h.split, 0, reply)
	plain, err := h.ctrl.Decrypt(ctx, rec, 0)
	mustNil(t, err)
	if !bytes.Equal(plain.Payload, reply) {
		t.Fatalf("decrypted reply mismatch: got %q want %q", plain.Payload, reply)
	}

	mustNil(t, h.ctrl.CloseConnection(ctx))
}

func TestTamperedTagRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ctx, role.NewCommonConfig())

	rec := sealServerRecord(t, h.split, 0, []byte("integrity matters"))
	rec.Payload[len(rec.Payload)-1] ^= 0xFF

	if _, err := h.ctrl.Decrypt(ctx, rec, 0); err == nil {
		t.Fatalf("expected a tampered AEAD tag to be rejected")
	}
}

func TestOutOfOrderSequenceRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ctx, role.NewCommonConfig())

	rec := sealServerRecord(t, h.split, 5, []byte("skipping ahead"))
	if _, err := h.ctrl.Decrypt(ctx, rec, 5); err == nil {
		t.Fatalf("expected an out-of-order sequence number to be rejected")
	}
}

func TestSentByteBudgetEnforced(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ctx, role.NewCommonConfig(role.WithMaxSentBytes(8)))

	msg := backend.PlainMessage{ContentType: 23, Version: [2]byte{3, 3}, Payload: bytes.Repeat([]byte{'x'}, 64)}
	if _, err := h.ctrl.Encrypt(ctx, msg, 0); err == nil {
		t.Fatalf("expected a byte-budget violation")
	}
}

func TestDeferredDecryptionDrainsInOrder(t *testing.T) {
	ctx := context.Background()
	cfg := role.NewCommonConfig(role.WithDeferDecryptionFromStart(true))
	h := newHarness(t, ctx, cfg)

	replies := [][]byte{[]byte("first"), []byte("second"), []byte("third")}
	for i, r := range replies {
		rec := sealServerRecord(t, h.split, uint64(i), r)
		mustNil(t, h.ctrl.BufferIncoming(ctx, rec))
	}
	n, err := h.ctrl.BufferLen(ctx)
	mustNil(t, err)
	if n != len(replies) {
		t.Fatalf("BufferLen: got %d want %d", n, len(replies))
	}

	mustNil(t, h.ctrl.Commit(ctx))

	var seq uint64
	for {
		msg, ok, err := h.ctrl.NextIncoming(ctx)
		mustNil(t, err)
		if !ok {
			break
		}
		plain, err := h.ctrl.Decrypt(ctx, msg, seq)
		mustNil(t, err)
		if !bytes.Equal(plain.Payload, replies[seq]) {
			t.Fatalf("drain mismatch at seq %d: got %q want %q", seq, plain.Payload, replies[seq])
		}
		seq++
	}
	if seq != uint64(len(replies)) {
		t.Fatalf("drained %d records, want %d", seq, len(replies))
	}
}

func TestServerClosedForbidsFurtherEncryptAndBuffer(t *testing.T) {
	ctx := context.Background()
	cfg := role.NewCommonConfig(role.WithDeferDecryptionFromStart(true))
	h := newHarness(t, ctx, cfg)

	mustNil(t, h.ctrl.ServerClosed(ctx))

	msg := backend.PlainMessage{ContentType: 23, Version: [2]byte{3, 3}, Payload: []byte("x")}
	if _, err := h.ctrl.Encrypt(ctx, msg, 0); err == nil {
		t.Fatalf("expected Encrypt to be rejected after ServerClosed")
	}

	rec := sealServerRecord(t, h.split, 0, []byte("late"))
	if err := h.ctrl.BufferIncoming(ctx, rec); err == nil {
		t.Fatalf("expected BufferIncoming to be rejected after ServerClosed")
	}
}
