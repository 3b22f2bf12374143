//
// Copyright (c) 2025 Markku Rossi
//
// All rights reserved.
//

package vm

import (
	"context"
	"crypto/aes"
	"fmt"
	"sync"

	"github.com/markkurossi/mpctls/role"
)

// Peer exchanges tagged byte shares with the peer VM. ChanPeer is the
// only implementation in this package; a real deployment would carry
// these frames over the same wire.Conn used for role commands, or a
// dedicated OT channel.
type Peer interface {
	Send(ctx context.Context, id uint64, data []byte) error
	Recv(ctx context.Context, id uint64) ([]byte, error)
}

type frame struct {
	id   uint64
	data []byte
}

// ChanPeer is an in-process Peer backed by a pair of buffered
// channels. NewChanPeerPair returns the two ends.
type ChanPeer struct {
	out chan<- frame
	in  <-chan frame

	mu      sync.Mutex
	pending map[uint64][]byte
}

// NewChanPeerPair returns two linked peers: frames sent on a are
// received on b and vice versa.
func NewChanPeerPair() (a, b *ChanPeer) {
	ab := make(chan frame, 256)
	ba := make(chan frame, 256)
	a = &ChanPeer{out: ab, in: ba, pending: make(map[uint64][]byte)}
	b = &ChanPeer{out: ba, in: ab, pending: make(map[uint64][]byte)}
	return a, b
}

// Send implements Peer.
func (p *ChanPeer) Send(ctx context.Context, id uint64, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case p.out <- frame{id: id, data: cp}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv implements Peer.
func (p *ChanPeer) Recv(ctx context.Context, id uint64) ([]byte, error) {
	p.mu.Lock()
	if data, ok := p.pending[id]; ok {
		delete(p.pending, id)
		p.mu.Unlock()
		return data, nil
	}
	p.mu.Unlock()

	for {
		select {
		case fr := <-p.in:
			if fr.id == id {
				return fr.data, nil
			}
			p.mu.Lock()
			p.pending[fr.id] = fr.data
			p.mu.Unlock()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// localVM is the reference VM implementation. It reveals values over
// a Peer using plain XOR-additive shares instead of a real 2PC engine;
// AesECBBlock is a documented shortcut (see below) rather than a
// secret-shared AES circuit. It exists to give package aead and the
// role state machines something concrete to run against.
type localVM struct {
	self role.Role
	peer Peer

	mu     sync.Mutex
	nextID uint64
	shares map[uint64][]byte
	public map[uint64]bool
	// plain caches the fully reconstructed value for ids marked public,
	// so Decode can skip the network round trip. shares still holds the
	// owner-only XOR share (see MarkPublic) so public values compose
	// correctly under XOR with genuinely split-shared values.
	plain map[uint64][]byte
}

// NewLocal returns a reference VM for self, exchanging reveal shares
// with the peer VM over peer.
func NewLocal(self role.Role, peer Peer) VM {
	return &localVM{
		self:   self,
		peer:   peer,
		shares: make(map[uint64][]byte),
		public: make(map[uint64]bool),
		plain:  make(map[uint64][]byte),
	}
}

func (m *localVM) AllocVec(n int) (*Value, error) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.shares[id] = make([]byte, n)
	m.mu.Unlock()
	return &Value{id: id, n: n}, nil
}

// MarkPublic assigns a value both parties already know. A public
// value is still stored as a valid XOR share, under the convention
// that the Leader's share is the value itself and the Follower's
// share is zero (the same one-time-pad convention the record layer
// uses for Leader-owned plaintext, generalized to any publicly known
// constant); this lets public values participate correctly in later
// XOR combinations with genuinely split-shared values. The full value
// is cached separately so Decode can skip the network round trip.
func (m *localVM) MarkPublic(v *Value, data []byte) error {
	if len(data) != v.n {
		return fmt.Errorf("vm: MarkPublic length mismatch: ref is %d bytes, data is %d", v.n, len(data))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)

	if m.self == role.Leader {
		m.shares[v.id] = cp
	} else {
		m.shares[v.id] = make([]byte, len(data))
	}
	m.public[v.id] = true
	m.plain[v.id] = cp
	return nil
}

func (m *localVM) Assign(v *Value, share []byte) error {
	if len(share) != v.n {
		return fmt.Errorf("vm: Assign length mismatch: ref is %d bytes, share is %d", v.n, len(share))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(share))
	copy(cp, share)
	m.shares[v.id] = cp
	return nil
}

func (m *localVM) XOR(a, b *Value) (*Value, error) {
	if a.n != b.n {
		return nil, fmt.Errorf("vm: XOR length mismatch: %d vs %d", a.n, b.n)
	}
	m.mu.Lock()
	as := m.shares[a.id]
	bs := m.shares[b.id]
	pub := m.public[a.id] && m.public[b.id]
	var plainA, plainB []byte
	if pub {
		plainA = m.plain[a.id]
		plainB = m.plain[b.id]
	}
	m.mu.Unlock()

	out := make([]byte, a.n)
	for i := range out {
		out[i] = as[i] ^ bs[i]
	}

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.shares[id] = out
	if pub {
		m.public[id] = true
		p := make([]byte, a.n)
		for i := range p {
			p[i] = plainA[i] ^ plainB[i]
		}
		m.plain[id] = p
	}
	m.mu.Unlock()
	return &Value{id: id, n: a.n}, nil
}

// Concat joins several shared vectors into one, in order, with no
// network traffic: concatenation is a purely local operation on XOR
// shares.
func (m *localVM) Concat(vals ...*Value) (*Value, error) {
	total := 0
	for _, v := range vals {
		total += v.n
	}
	out := make([]byte, 0, total)
	allPublic := true
	plainOut := make([]byte, 0, total)

	m.mu.Lock()
	for _, v := range vals {
		out = append(out, m.shares[v.id]...)
		if m.public[v.id] {
			plainOut = append(plainOut, m.plain[v.id]...)
		} else {
			allPublic = false
		}
	}
	id := m.nextID
	m.nextID++
	m.shares[id] = out
	if allPublic {
		m.public[id] = true
		m.plain[id] = plainOut
	}
	m.mu.Unlock()

	return &Value{id: id, n: total}, nil
}

func (m *localVM) Slice(v *Value, n int) (*Value, error) {
	if n > v.n {
		return nil, fmt.Errorf("vm: Slice length %d exceeds value length %d", n, v.n)
	}
	m.mu.Lock()
	src := m.shares[v.id]
	isPublic := m.public[v.id]
	var plainSrc []byte
	if isPublic {
		plainSrc = m.plain[v.id]
	}
	out := make([]byte, n)
	copy(out, src[:n])

	id := m.nextID
	m.nextID++
	m.shares[id] = out
	if isPublic {
		m.public[id] = true
		p := make([]byte, n)
		copy(p, plainSrc[:n])
		m.plain[id] = p
	}
	m.mu.Unlock()
	return &Value{id: id, n: n}, nil
}

func (m *localVM) AesECBBlock(ctx context.Context, key, blk *Value) (*Value, error) {
	keyBytes, err := m.Decode(ctx, key)
	if err != nil {
		return nil, err
	}
	blockBytes, err := m.Decode(ctx, blk)
	if err != nil {
		return nil, err
	}
	cipher, err := aes.NewCipher(keyBytes)
	if err != nil {
		return nil, err
	}
	out := make([]byte, aes.BlockSize)
	in := make([]byte, aes.BlockSize)
	copy(in, blockBytes)
	cipher.Encrypt(out, in)

	v, err := m.AllocVec(len(out))
	if err != nil {
		return nil, err
	}
	if err := m.MarkPublic(v, out); err != nil {
		return nil, err
	}
	return v, nil
}

func (m *localVM) Decode(ctx context.Context, v *Value) ([]byte, error) {
	if v.n == 0 {
		return []byte{}, nil
	}
	m.mu.Lock()
	if m.public[v.id] {
		data := m.plain[v.id]
		m.mu.Unlock()
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}
	ownShare := m.shares[v.id]
	m.mu.Unlock()

	if err := m.peer.Send(ctx, v.id, ownShare); err != nil {
		return nil, err
	}
	peerShare, err := m.peer.Recv(ctx, v.id)
	if err != nil {
		return nil, err
	}
	if len(peerShare) != len(ownShare) {
		return nil, fmt.Errorf("vm: Decode share length mismatch: %d vs %d", len(ownShare), len(peerShare))
	}
	out := make([]byte, len(ownShare))
	for i := range out {
		out[i] = ownShare[i] ^ peerShare[i]
	}
	return out, nil
}

func (m *localVM) DecodePrivate(ctx context.Context, v *Value, to role.Role) ([]byte, error) {
	m.mu.Lock()
	ownShare := m.shares[v.id]
	isPublic := m.public[v.id]
	plain := m.plain[v.id]
	m.mu.Unlock()

	if isPublic {
		if m.self != to {
			return nil, nil
		}
		out := make([]byte, len(plain))
		copy(out, plain)
		return out, nil
	}

	if m.self == to {
		peerShare, err := m.peer.Recv(ctx, v.id)
		if err != nil {
			return nil, err
		}
		if len(peerShare) != len(ownShare) {
			return nil, fmt.Errorf("vm: DecodePrivate share length mismatch: %d vs %d", len(ownShare), len(peerShare))
		}
		out := make([]byte, len(ownShare))
		for i := range out {
			out[i] = ownShare[i] ^ peerShare[i]
		}
		return out, nil
	}

	if err := m.peer.Send(ctx, v.id, ownShare); err != nil {
		return nil, err
	}
	return nil, nil
}
