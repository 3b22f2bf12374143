//
// Copyright (c) 2025 Markku Rossi
//
// All rights reserved.
//

package vm

import (
	"context"
	"crypto/rand"

	"github.com/markkurossi/mpctls/prf"
)

// SessionKeys holds one connection's derived TLS 1.2 write keys and
// IVs. ClientWriteKey and ServerWriteKey stay Values, never plaintext
// a caller can read directly: only AesECBBlock and the keystream
// generator built on it (package aead) ever Decode them, the same
// shortcut already documented for AesECBBlock itself. The two keys
// differ in who learns them and when, mirroring spec section 4.2's
// commit sequence: client_write_key is assigned to the Leader outright
// (the Leader already originates every record it protects, so nothing
// is gained by splitting it further), while server_write_key is
// re-shared with a fresh one-time pad so that neither party's own
// share equals it — the record layer needs a live Decode round trip
// every time it uses it, and at Commit the Follower additionally hands
// over its half so that the Leader holds the key itself. The write
// IVs are returned as plain bytes: RFC 5246's GCM nonce construction
// treats them as public, unlike the keys they are paired with.
type SessionKeys struct {
	ClientWriteKey *Value
	ServerWriteKey *Value
	ClientWriteIV  [4]byte
	ServerWriteIV  [4]byte

	// verifyMaster is populated only on the side that called
	// DeriveSessionKeys with a non-nil premaster (the Leader);
	// VerifyData is the only thing that ever reads it.
	verifyMaster [48]byte
}

// VerifyData computes a TLS 1.2 Finished message's verify_data from
// the master secret this SessionKeys was derived from. RFC 5246 sends
// verify_data to the real TLS peer in the clear as part of Finished,
// so returning it as plain bytes rather than a Value does not leak
// anything the handshake itself doesn't already reveal.
func (k *SessionKeys) VerifyData(label string, transcriptHash []byte) []byte {
	return prf.VerifyData(k.verifyMaster[:], label, transcriptHash)
}

// DeriveSessionKeys implements VM.DeriveSessionKeys for localVM. The
// side holding the real premaster computes the schedule locally — the
// same reveal-then-compute shortcut AesECBBlock already uses for
// AES-ECB, since this reference VM has no HMAC-SHA-256 circuit — then
// distributes each write key's shares per the convention SessionKeys
// documents. Both sides must call this once, in the same position in
// their respective command sequences, so the Values line up the way
// localVM's allocation-order convention requires.
func (m *localVM) DeriveSessionKeys(ctx context.Context, premaster []byte, clientRandom, serverRandom [32]byte) (*SessionKeys, error) {
	clientKeyRef, err := m.AllocVec(16)
	if err != nil {
		return nil, err
	}
	serverKeyRef, err := m.AllocVec(16)
	if err != nil {
		return nil, err
	}
	clientIVID := m.reserveID()
	serverIVID := m.reserveID()

	keys := &SessionKeys{ClientWriteKey: clientKeyRef, ServerWriteKey: serverKeyRef}

	if premaster != nil {
		master := prf.MasterSecret(premaster, clientRandom[:], serverRandom[:])
		copy(keys.verifyMaster[:], master)
		kb := prf.KeyBlock(master, serverRandom[:], clientRandom[:], 40)
		split := prf.SplitGCMKeyBlock(kb)
		keys.ClientWriteIV = split.ClientWriteIV
		keys.ServerWriteIV = split.ServerWriteIV

		if err := m.Assign(clientKeyRef, split.ClientWriteKey[:]); err != nil {
			return nil, err
		}
		if err := m.splitShareOut(ctx, serverKeyRef, split.ServerWriteKey[:]); err != nil {
			return nil, err
		}
		if err := m.peer.Send(ctx, clientIVID, split.ClientWriteIV[:]); err != nil {
			return nil, err
		}
		if err := m.peer.Send(ctx, serverIVID, split.ServerWriteIV[:]); err != nil {
			return nil, err
		}
		return keys, nil
	}

	// Follower: clientKeyRef keeps the zero share AllocVec already gave
	// it — the Leader alone holds client_write_key — only
	// server_write_key needs an explicit receive.
	if err := m.splitShareIn(ctx, serverKeyRef); err != nil {
		return nil, err
	}
	civ, err := m.peer.Recv(ctx, clientIVID)
	if err != nil {
		return nil, err
	}
	siv, err := m.peer.Recv(ctx, serverIVID)
	if err != nil {
		return nil, err
	}
	copy(keys.ClientWriteIV[:], civ)
	copy(keys.ServerWriteIV[:], siv)
	return keys, nil
}

// reserveID hands out a fresh id for a peer exchange that has no
// backing Value (the write IVs aren't secret-shared, just sent
// directly), keeping the allocation order both sides rely on intact.
func (m *localVM) reserveID() uint64 {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.mu.Unlock()
	return id
}

// splitShareOut re-shares a value this party already knows in the
// clear: it keeps a fresh random pad as its own local share of v and
// sends the peer the complementary XOR share, so afterward neither
// side's share equals real on its own, and reconstructing it again
// requires the genuine network round trip Decode performs.
func (m *localVM) splitShareOut(ctx context.Context, v *Value, real []byte) error {
	pad := make([]byte, len(real))
	if _, err := rand.Read(pad); err != nil {
		return err
	}
	theirs := make([]byte, len(real))
	for i := range theirs {
		theirs[i] = real[i] ^ pad[i]
	}
	if err := m.Assign(v, pad); err != nil {
		return err
	}
	return m.peer.Send(ctx, v.id, theirs)
}

// splitShareIn receives this party's XOR share of a value it never
// computes in the clear itself.
func (m *localVM) splitShareIn(ctx context.Context, v *Value) error {
	share, err := m.peer.Recv(ctx, v.id)
	if err != nil {
		return err
	}
	return m.Assign(v, share)
}
