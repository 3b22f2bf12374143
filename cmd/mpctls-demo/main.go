//
// Copyright (c) 2025 Markku Rossi
//
// All rights reserved.
//

// Command mpctls-demo wires a Leader and a Follower together over an
// in-process pipe and drives them through the scenarios spec section 8
// calls out: a full handshake with an encrypt/decrypt round trip,
// deferred decryption followed by commit, a tampered AEAD tag, an
// out-of-order record, a byte-budget violation, and an AES-128-GCM
// known-answer check against the engine's own primitives. It has no
// real TLS client or server on the other end — backend.go scopes
// certificate validation and TLS message framing out of this engine,
// so the demo plays both roles' cryptographic material itself,
// the way the teacher's cmd/ephemelier garbler/evaluator demo plays
// both MPC parties in one process.
package main

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"math/big"
	"net"

	"github.com/markkurossi/mpc/p2p"

	"github.com/markkurossi/mpctls/aead"
	"github.com/markkurossi/mpctls/backend"
	"github.com/markkurossi/mpctls/follower"
	"github.com/markkurossi/mpctls/ghash"
	"github.com/markkurossi/mpctls/leader"
	"github.com/markkurossi/mpctls/prf"
	"github.com/markkurossi/mpctls/role"
	"github.com/markkurossi/mpctls/vm"
	"github.com/markkurossi/mpctls/wire"
)

var p256 = elliptic.P256()

func main() {
	verbose := flag.Bool("v", false, "verbose per-step logging")
	flag.Parse()
	log.SetFlags(0)

	scenarios := []struct {
		name string
		fn   func(bool) error
	}{
		{"happy-path handshake + record round trip", scenarioHappyPath},
		{"deferred decryption + commit", scenarioDeferredCommit},
		{"tampered AEAD tag", scenarioTamperedTag},
		{"out-of-order record", scenarioOutOfOrder},
		{"byte budget exceeded", scenarioCapacity},
		{"AES-128-GCM known-answer check", scenarioGCMKnownAnswer},
	}

	failures := 0
	for _, s := range scenarios {
		fmt.Printf("== %s ==\n", s.name)
		if err := s.fn(*verbose); err != nil {
			fmt.Printf("   FAILED: %v\n", err)
			failures++
		} else {
			fmt.Printf("   ok\n")
		}
	}
	if failures > 0 {
		log.Fatalf("%d scenario(s) failed", failures)
	}
}

// session bundles one handshake's worth of wiring: the Leader's Ctrl
// handle the demo drives, the Follower running concurrently, and the
// key material an independent harness needs to fabricate "server"
// records the Leader did not itself produce.
type session struct {
	ctrl         leader.Ctrl
	follower     *follower.Follower
	clientRandom [32]byte
	serverRandom [32]byte
	split        prf.GCMKeyBlock
	leaderErrs   chan error
	followerErrs chan error
}

func randomScalar() (*big.Int, error) {
	return rand.Int(rand.Reader, p256.Params().N)
}

// newSession performs a full MPC-TLS handshake between an in-process
// Leader and Follower, then independently re-derives the resulting key
// block from the premaster the demo itself knows (since it generated
// both parties' ECDHE shares), so the harness can build and verify
// records on the "other side" of the connection without a real TLS
// peer.
func newSession(ctx context.Context, cfg role.CommonConfig) (*session, error) {
	leaderWire, followerWire := net.Pipe()
	leaderKex, followerKex := p2p.Pipe()
	peerA, peerB := vm.NewChanPeerPair()

	leaderVM := vm.NewLocal(role.Leader, peerA)
	followerVM := vm.NewLocal(role.Follower, peerB)

	leaderShare, err := randomScalar()
	if err != nil {
		return nil, err
	}
	followerShare, err := randomScalar()
	if err != nil {
		return nil, err
	}
	serverScalar, err := randomScalar()
	if err != nil {
		return nil, err
	}
	serverX, serverY := p256.ScalarBaseMult(serverScalar.Bytes())

	l, ctrl := leader.New(cfg, leaderVM, wire.NewConn(leaderWire), leaderKex, leaderShare, nil)
	f := follower.New(cfg, followerVM, wire.NewConn(followerWire), followerKex, followerShare, nil)

	leaderErrs := make(chan error, 1)
	followerErrs := make(chan error, 1)
	go func() { leaderErrs <- l.Run(ctx) }()
	go func() { followerErrs <- f.Run(ctx) }()

	if err := ctrl.SetProtocolVersion(ctx, [2]byte{3, 3}); err != nil {
		return nil, err
	}
	if err := ctrl.SetCipherSuite(ctx, 0xC02F); err != nil {
		return nil, err
	}
	clientRandom, err := ctrl.ClientRandom(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := ctrl.ClientKeyShare(ctx); err != nil {
		return nil, err
	}
	var serverRandom [32]byte
	if _, err := rand.Read(serverRandom[:]); err != nil {
		return nil, err
	}
	if err := ctrl.SetServerRandom(ctx, serverRandom); err != nil {
		return nil, err
	}
	if err := ctrl.SetServerKeyShare(ctx, backend.KeyShare{
		Group: 23,
		Data:  elliptic.Marshal(p256, serverX, serverY),
	}); err != nil {
		return nil, err
	}
	if err := ctrl.SetServerCertDetails(ctx, backend.CertDetails{
		CertChain: [][]byte{[]byte("demo leaf certificate, DER-encoded in a real client")},
	}); err != nil {
		return nil, err
	}
	if err := ctrl.SetServerKxDetails(ctx, backend.KxDetails{SignatureScheme: 0x0403}); err != nil {
		return nil, err
	}
	if err := ctrl.SetHsHashClientKeyExchange(ctx, bytes.Repeat([]byte{0x11}, 32)); err != nil {
		return nil, err
	}
	if err := ctrl.SetHsHashServerHello(ctx, bytes.Repeat([]byte{0x22}, 32)); err != nil {
		return nil, err
	}
	if _, err := ctrl.ClientFinishedVd(ctx, bytes.Repeat([]byte{0x33}, 32)); err != nil {
		return nil, err
	}
	if _, err := ctrl.ServerFinishedVd(ctx, bytes.Repeat([]byte{0x44}, 32)); err != nil {
		return nil, err
	}
	if err := ctrl.PrepareEncryption(ctx); err != nil {
		return nil, err
	}

	fullScalar := new(big.Int).Mod(new(big.Int).Add(leaderShare, followerShare), p256.Params().N)
	premasterX, _ := p256.ScalarMult(serverX, serverY, fullScalar.Bytes())
	premaster := premasterX.FillBytes(make([]byte, 32))
	master := prf.MasterSecret(premaster, clientRandom[:], serverRandom[:])
	kb := prf.KeyBlock(master, serverRandom[:], clientRandom[:], 40)

	return &session{
		ctrl:         ctrl,
		follower:     f,
		clientRandom: clientRandom,
		serverRandom: serverRandom,
		split:        prf.SplitGCMKeyBlock(kb),
		leaderErrs:   leaderErrs,
		followerErrs: followerErrs,
	}, nil
}

// sealServerRecord builds a TLS 1.2 AES-128-GCM record as the server
// would send it, using the harness's independently-derived server
// write key, so scenarios can exercise Ctrl.Decrypt without a real
// network peer.
func sealServerRecord(split prf.GCMKeyBlock, seq uint64, contentType byte, version [2]byte, plaintext []byte) (backend.OpaqueMessage, error) {
	block, err := aes.NewCipher(split.ServerWriteKey[:])
	if err != nil {
		return backend.OpaqueMessage{}, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return backend.OpaqueMessage{}, err
	}
	nonce := aead.Nonce(split.ServerWriteIV, seq)
	aad := aead.BuildAAD(seq, contentType, version[0], version[1], len(plaintext))
	sealed := gcm.Seal(nil, nonce[:], plaintext, aad)
	return backend.OpaqueMessage{ContentType: contentType, Version: version, Payload: sealed}, nil
}

func scenarioHappyPath(verbose bool) error {
	ctx := context.Background()
	sess, err := newSession(ctx, role.NewCommonConfig())
	if err != nil {
		return err
	}

	plaintext := []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")
	msg := backend.PlainMessage{ContentType: 23, Version: [2]byte{3, 3}, Payload: plaintext}
	opaque, err := sess.ctrl.Encrypt(ctx, msg, 0)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	if verbose {
		fmt.Printf("   client->server ciphertext: %x\n", opaque.Payload)
	}

	block, err := aes.NewCipher(sess.split.ClientWriteKey[:])
	if err != nil {
		return err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}
	nonce := aead.Nonce(sess.split.ClientWriteIV, 0)
	aad := aead.BuildAAD(0, 23, 3, 3, len(plaintext))
	got, err := gcm.Open(nil, nonce[:], opaque.Payload, aad)
	if err != nil {
		return fmt.Errorf("reference AES-GCM could not open the Leader's own ciphertext: %w", err)
	}
	if !bytes.Equal(got, plaintext) {
		return fmt.Errorf("reference decrypt mismatch: got %q want %q", got, plaintext)
	}

	reply := []byte("HTTP/1.1 200 OK\r\n\r\nhello")
	serverRecord, err := sealServerRecord(sess.split, 0, 23, [2]byte{3, 3}, reply)
	if err != nil {
		return err
	}
	plain, err := sess.ctrl.Decrypt(ctx, serverRecord, 0)
	if err != nil {
		return fmt.Errorf("decrypt: %w", err)
	}
	if !bytes.Equal(plain.Payload, reply) {
		return fmt.Errorf("decrypted reply mismatch: got %q want %q", plain.Payload, reply)
	}
	if verbose {
		fmt.Printf("   server->client plaintext: %q\n", plain.Payload)
	}

	if err := sess.ctrl.CloseConnection(ctx); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}

func scenarioDeferredCommit(verbose bool) error {
	ctx := context.Background()
	cfg := role.NewCommonConfig(role.WithDeferDecryptionFromStart(true))
	sess, err := newSession(ctx, cfg)
	if err != nil {
		return err
	}

	replies := [][]byte{[]byte("first"), []byte("second"), []byte("third")}
	var records []backend.OpaqueMessage
	for i, r := range replies {
		rec, err := sealServerRecord(sess.split, uint64(i), 23, [2]byte{3, 3}, r)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}
	for _, rec := range records {
		if err := sess.ctrl.BufferIncoming(ctx, rec); err != nil {
			return fmt.Errorf("buffer: %w", err)
		}
	}
	n, err := sess.ctrl.BufferLen(ctx)
	if err != nil {
		return err
	}
	if n != len(replies) {
		return fmt.Errorf("buffer length: got %d want %d", n, len(replies))
	}

	if err := sess.ctrl.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	var seq uint64
	for {
		msg, ok, err := sess.ctrl.NextIncoming(ctx)
		if err != nil {
			return fmt.Errorf("next incoming: %w", err)
		}
		if !ok {
			break
		}
		plain, err := sess.ctrl.Decrypt(ctx, msg, seq)
		if err != nil {
			return fmt.Errorf("drain decrypt seq %d: %w", seq, err)
		}
		if !bytes.Equal(plain.Payload, replies[seq]) {
			return fmt.Errorf("drain mismatch at seq %d: got %q want %q", seq, plain.Payload, replies[seq])
		}
		if verbose {
			fmt.Printf("   drained record %d: %q\n", seq, plain.Payload)
		}
		seq++
	}
	if seq != uint64(len(replies)) {
		return fmt.Errorf("drained %d records, want %d", seq, len(replies))
	}
	return nil
}

func scenarioTamperedTag(verbose bool) error {
	ctx := context.Background()
	sess, err := newSession(ctx, role.NewCommonConfig())
	if err != nil {
		return err
	}
	rec, err := sealServerRecord(sess.split, 0, 23, [2]byte{3, 3}, []byte("integrity matters"))
	if err != nil {
		return err
	}
	rec.Payload[len(rec.Payload)-1] ^= 0xFF

	_, err = sess.ctrl.Decrypt(ctx, rec, 0)
	if err == nil {
		return fmt.Errorf("expected an AEAD tag mismatch, got nil error")
	}
	if verbose {
		fmt.Printf("   got expected error: %v\n", err)
	}
	return nil
}

func scenarioOutOfOrder(verbose bool) error {
	ctx := context.Background()
	sess, err := newSession(ctx, role.NewCommonConfig())
	if err != nil {
		return err
	}
	rec, err := sealServerRecord(sess.split, 5, 23, [2]byte{3, 3}, []byte("skipping ahead"))
	if err != nil {
		return err
	}
	_, err = sess.ctrl.Decrypt(ctx, rec, 5)
	if err == nil {
		return fmt.Errorf("expected an out-of-order sequence error, got nil error")
	}
	if verbose {
		fmt.Printf("   got expected error: %v\n", err)
	}
	return nil
}

func scenarioCapacity(verbose bool) error {
	ctx := context.Background()
	cfg := role.NewCommonConfig(role.WithMaxSentBytes(8))
	sess, err := newSession(ctx, cfg)
	if err != nil {
		return err
	}
	msg := backend.PlainMessage{ContentType: 23, Version: [2]byte{3, 3}, Payload: bytes.Repeat([]byte{'x'}, 64)}
	_, err = sess.ctrl.Encrypt(ctx, msg, 0)
	if err == nil {
		return fmt.Errorf("expected a byte-budget error, got nil error")
	}
	if verbose {
		fmt.Printf("   got expected error: %v\n", err)
	}
	return nil
}

// scenarioGCMKnownAnswer exercises the aead package's VM-driven AES-GCM
// primitives directly against NIST SP 800-38D test vector #1 (an
// all-zero 128-bit key, a 96-bit zero nonce, and empty plaintext/AAD),
// independent of any handshake.
func scenarioGCMKnownAnswer(verbose bool) error {
	ctx := context.Background()
	vmi := vm.NewLocal(role.Leader, nil)

	var key [16]byte
	keyRef, err := vmi.AllocVec(16)
	if err != nil {
		return err
	}
	if err := vmi.MarkPublic(keyRef, key[:]); err != nil {
		return err
	}

	var zeroBlock [16]byte
	zeroRef, err := vmi.AllocVec(16)
	if err != nil {
		return err
	}
	if err := vmi.MarkPublic(zeroRef, zeroBlock[:]); err != nil {
		return err
	}
	hRef, err := vmi.AesECBBlock(ctx, keyRef, zeroRef)
	if err != nil {
		return err
	}
	engine := ghash.NewEngine(hRef)

	plaintextRef, err := vmi.AllocVec(0)
	if err != nil {
		return err
	}
	var nonce [12]byte
	enc, err := aead.NewEncrypt(ctx, vmi, aead.NewKeystream(keyRef), engine, nonce, plaintextRef, nil)
	if err != nil {
		return err
	}
	ciphertext, tag, err := enc.Compute(ctx)
	if err != nil {
		return err
	}
	wantTag := "58e2fccefa7e3061367f1d57a4e7455a"
	gotTag := hex.EncodeToString(tag[:])
	if gotTag != wantTag {
		return fmt.Errorf("tag mismatch: got %s want %s", gotTag, wantTag)
	}
	if len(ciphertext) != 0 {
		return fmt.Errorf("expected empty ciphertext, got %d bytes", len(ciphertext))
	}
	if verbose {
		fmt.Printf("   tag matches NIST SP 800-38D vector #1: %s\n", gotTag)
	}
	return nil
}
