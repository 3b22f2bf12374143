//
// Copyright (c) 2025 Markku Rossi
//
// All rights reserved.
//

package aead

import (
	"bytes"
	stdaes "crypto/aes"
	stdcipher "crypto/cipher"
	"context"
	"testing"
	"time"

	"github.com/markkurossi/mpctls/ghash"
	"github.com/markkurossi/mpctls/role"
	"github.com/markkurossi/mpctls/vm"
)

// side bundles one party's VM plus the key material it needs to run
// the AEAD circuits. Both sides must issue the same sequence of VM
// calls so that Value ids, and therefore the ChanPeer tags used to
// match reveal traffic, stay in lockstep between Leader and Follower.
type side struct {
	role role.Role
	vm   vm.VM
	key  *vm.Value
	h    *vm.Value
}

// newSides builds a Leader/Follower VM pair sharing key (16 bytes) and
// hash subkey h (16 bytes) under the Leader-owns-the-value convention
// vm.localVM.MarkPublic also uses: Leader's share is the real value,
// Follower's is zero.
func newSides(t *testing.T, key, h [16]byte) (leader, follower *side) {
	t.Helper()
	lp, fp := vm.NewChanPeerPair()
	lvm := vm.NewLocal(role.Leader, lp)
	fvm := vm.NewLocal(role.Follower, fp)

	var zero [16]byte

	lKeyRef, err := lvm.AllocVec(16)
	if err != nil {
		t.Fatalf("AllocVec: %v", err)
	}
	if err := lvm.Assign(lKeyRef, key[:]); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	fKeyRef, err := fvm.AllocVec(16)
	if err != nil {
		t.Fatalf("AllocVec: %v", err)
	}
	if err := fvm.Assign(fKeyRef, zero[:]); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	lHRef, err := lvm.AllocVec(16)
	if err != nil {
		t.Fatalf("AllocVec: %v", err)
	}
	if err := lvm.Assign(lHRef, h[:]); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	fHRef, err := fvm.AllocVec(16)
	if err != nil {
		t.Fatalf("AllocVec: %v", err)
	}
	if err := fvm.Assign(fHRef, zero[:]); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	leader = &side{role: role.Leader, vm: lvm, key: lKeyRef, h: lHRef}
	follower = &side{role: role.Follower, vm: fvm, key: fKeyRef, h: fHRef}
	return leader, follower
}

// gcmReference computes ciphertext||tag with the standard library, to
// use as an independent oracle against the 2PC implementation.
func gcmReference(t *testing.T, key [16]byte, nonce [12]byte, plaintext, aad []byte) []byte {
	t.Helper()
	block, err := stdaes.NewCipher(key[:])
	if err != nil {
		t.Fatalf("aes.NewCipher: %v", err)
	}
	gcm, err := stdcipher.NewGCMWithNonceSize(block, 12)
	if err != nil {
		t.Fatalf("cipher.NewGCM: %v", err)
	}
	return gcm.Seal(nil, nonce[:], plaintext, aad)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	var key [16]byte
	for i := range key {
		key[i] = byte(i * 7)
	}
	var hSeed [16]byte
	block, err := stdaes.NewCipher(key[:])
	if err != nil {
		t.Fatalf("aes.NewCipher: %v", err)
	}
	block.Encrypt(hSeed[:], make([]byte, 16))

	leader, follower := newSides(t, key, hSeed)

	nonce := Nonce([4]byte{1, 2, 3, 4}, 0)
	plaintext := []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")
	aad := BuildAAD(0, 23, 3, 3, len(plaintext))

	want := gcmReference(t, key, nonce, plaintext, aad)
	wantCiphertext := want[:len(want)-16]
	var wantTag [16]byte
	copy(wantTag[:], want[len(want)-16:])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type encResult struct {
		ciphertext []byte
		tag        [16]byte
		err        error
	}
	results := make(chan encResult, 2)

	runEncrypt := func(s *side, ownsPlaintext bool) {
		plainRef, err := s.vm.AllocVec(len(plaintext))
		if err != nil {
			results <- encResult{err: err}
			return
		}
		if ownsPlaintext {
			if err := s.vm.Assign(plainRef, plaintext); err != nil {
				results <- encResult{err: err}
				return
			}
		} else {
			if err := s.vm.Assign(plainRef, make([]byte, len(plaintext))); err != nil {
				results <- encResult{err: err}
				return
			}
		}
		ks := NewKeystream(s.key)
		g := ghash.NewEngine(s.h)
		enc, err := NewEncrypt(ctx, s.vm, ks, g, nonce, plainRef, aad)
		if err != nil {
			results <- encResult{err: err}
			return
		}
		ct, tag, err := enc.Compute(ctx)
		results <- encResult{ciphertext: ct, tag: tag, err: err}
	}

	go runEncrypt(leader, true)
	go runEncrypt(follower, false)

	r1 := <-results
	r2 := <-results
	for _, r := range []encResult{r1, r2} {
		if r.err != nil {
			t.Fatalf("Encrypt.Compute: %v", r.err)
		}
		if !bytes.Equal(r.ciphertext, wantCiphertext) {
			t.Fatalf("ciphertext mismatch: got %x, want %x", r.ciphertext, wantCiphertext)
		}
		if r.tag != wantTag {
			t.Fatalf("tag mismatch: got %x, want %x", r.tag, wantTag)
		}
	}

	type decResult struct {
		plaintext []byte
		err       error
	}
	decResults := make(chan decResult, 2)

	runDecrypt := func(s *side) {
		ctRef, err := s.vm.AllocVec(len(wantCiphertext))
		if err != nil {
			decResults <- decResult{err: err}
			return
		}
		if err := s.vm.MarkPublic(ctRef, wantCiphertext); err != nil {
			decResults <- decResult{err: err}
			return
		}
		ks := NewKeystream(s.key)
		g := ghash.NewEngine(s.h)
		dec, err := NewDecrypt(ctx, s.vm, ks, g, nonce, ctRef, wantCiphertext, aad, wantTag)
		if err != nil {
			decResults <- decResult{err: err}
			return
		}
		pt, err := dec.Private(role.Leader).Compute(ctx)
		decResults <- decResult{plaintext: pt, err: err}
	}

	go runDecrypt(leader)
	go runDecrypt(follower)

	lr := <-decResults
	fr := <-decResults
	// Order from the two-goroutine fan-in isn't fixed; identify by content.
	var leaderResult, followerResult decResult
	if lr.plaintext != nil {
		leaderResult, followerResult = lr, fr
	} else {
		leaderResult, followerResult = fr, lr
	}
	if leaderResult.err != nil {
		t.Fatalf("leader Decrypt.Compute: %v", leaderResult.err)
	}
	if followerResult.err != nil {
		t.Fatalf("follower Decrypt.Compute: %v", followerResult.err)
	}
	if !bytes.Equal(leaderResult.plaintext, plaintext) {
		t.Fatalf("leader plaintext mismatch: got %q, want %q", leaderResult.plaintext, plaintext)
	}
	if followerResult.plaintext != nil {
		t.Fatalf("follower saw plaintext: %q", followerResult.plaintext)
	}
}

func TestDecryptTagMismatch(t *testing.T) {
	var key [16]byte
	for i := range key {
		key[i] = byte(i * 3)
	}
	var hSeed [16]byte
	block, err := stdaes.NewCipher(key[:])
	if err != nil {
		t.Fatalf("aes.NewCipher: %v", err)
	}
	block.Encrypt(hSeed[:], make([]byte, 16))

	leader, follower := newSides(t, key, hSeed)

	nonce := Nonce([4]byte{9, 9, 9, 9}, 5)
	plaintext := []byte("tamper me")
	aad := BuildAAD(5, 23, 3, 3, len(plaintext))
	full := gcmReference(t, key, nonce, plaintext, aad)
	ciphertext := full[:len(full)-16]
	var tag [16]byte
	copy(tag[:], full[len(full)-16:])
	tag[0] ^= 0xff // corrupt the tag

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results := make(chan error, 2)
	run := func(s *side) {
		ctRef, err := s.vm.AllocVec(len(ciphertext))
		if err != nil {
			results <- err
			return
		}
		if err := s.vm.MarkPublic(ctRef, ciphertext); err != nil {
			results <- err
			return
		}
		ks := NewKeystream(s.key)
		g := ghash.NewEngine(s.h)
		dec, err := NewDecrypt(ctx, s.vm, ks, g, nonce, ctRef, ciphertext, aad, tag)
		if err != nil {
			results <- err
			return
		}
		// A corrupted tag must fail before any plaintext bytes, even
		// the Leader's own, are returned.
		_, err = dec.Private(role.Leader).Compute(ctx)
		results <- err
	}

	go run(leader)
	go run(follower)

	for i := 0; i < 2; i++ {
		if err := <-results; err == nil {
			t.Fatalf("expected tag mismatch error, got nil")
		}
	}
}
