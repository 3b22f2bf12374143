//
// Copyright (c) 2025 Markku Rossi
//
// All rights reserved.
//

package role

import (
	"sync"

	"github.com/markkurossi/mpctls/mpcerr"
)

// Machine is the phase state machine shared by the Leader and the
// Follower (spec section 3 and 4.2). Both roles embed a Machine and
// drive it through the same transition table; only the actions taken
// on each transition differ between the two roles.
//
// Machine is safe for concurrent use: the Leader actor and Follower
// driver are each single-consumer loops, but callers such as tests
// may inspect phase/counters from another goroutine.
type Machine struct {
	mu sync.Mutex

	role   Role
	phase  Phase
	config CommonConfig

	sentBytes uint64
	recvBytes uint64
	seqOut    uint64
	seqIn     uint64

	incoming [][]byte

	fatal *mpcerr.Error
}

// NewMachine creates a Machine for role in the Init phase.
func NewMachine(r Role, config CommonConfig) *Machine {
	phase := Init
	return &Machine{
		role:   r,
		phase:  phase,
		config: config,
	}
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Role returns the machine's role.
func (m *Machine) Role() Role {
	return m.role
}

// Config returns the machine's CommonConfig.
func (m *Machine) Config() CommonConfig {
	return m.config
}

// FatalErr returns the error that put the machine into Errored, or nil.
func (m *Machine) FatalErr() *mpcerr.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatal
}

// checkPhase returns an InvalidState error if the current phase is not
// one of allowed. It does not mutate the machine. Caller must hold mu.
func (m *Machine) checkPhase(allowed ...Phase) error {
	if m.phase == Errored {
		return mpcerr.InvalidStateErr(allowed[0], m.phase)
	}
	for _, p := range allowed {
		if m.phase == p {
			return nil
		}
	}
	return mpcerr.InvalidStateErr(allowed[0], m.phase)
}

// Require checks that the machine is in one of the allowed phases,
// without advancing it. It is used for operations that do not
// themselves change phase (e.g. encrypt, buffer_incoming).
func (m *Machine) Require(allowed ...Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkPhase(allowed...)
}

// Advance checks that the machine is in one of the allowed "from"
// phases and, if so, moves it to "to". On failure the machine is left
// unchanged (testable property: "does not mutate state").
func (m *Machine) Advance(to Phase, allowed ...Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkPhase(allowed...); err != nil {
		return err
	}
	m.phase = to
	return nil
}

// Fail forces the machine into the terminal Errored phase. Every
// subsequent operation fails uniformly with InvalidState (spec
// section 7). Fail is idempotent: once Errored, the first error wins.
func (m *Machine) Fail(err *mpcerr.Error) *mpcerr.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fatal == nil {
		m.fatal = err
		m.phase = Errored
	}
	return m.fatal
}

// ChargeSent accounts n plaintext bytes against max_sent_bytes. On
// overflow the machine is failed with Capacity and the error
// returned; no bytes are charged in that case.
func (m *Machine) ChargeSent(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkPhase(Active, DeferredDecrypt); err != nil {
		return err
	}
	if m.sentBytes+uint64(n) > uint64(m.config.MaxSentBytes) {
		err := mpcerr.CapacityErr("max_sent_bytes exceeded: %d + %d > %d",
			m.sentBytes, n, m.config.MaxSentBytes)
		m.fatal = err
		m.phase = Errored
		return err
	}
	m.sentBytes += uint64(n)
	return nil
}

// ChargeRecv accounts n plaintext bytes against max_recv_bytes.
func (m *Machine) ChargeRecv(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkPhase(Active, DeferredDecrypt); err != nil {
		return err
	}
	if m.recvBytes+uint64(n) > uint64(m.config.MaxRecvBytes) {
		err := mpcerr.CapacityErr("max_recv_bytes exceeded: %d + %d > %d",
			m.recvBytes, n, m.config.MaxRecvBytes)
		m.fatal = err
		m.phase = Errored
		return err
	}
	m.recvBytes += uint64(n)
	return nil
}

// NextSeqOut validates that seq is the next expected outgoing sequence
// number and, if so, advances seq_out. Gaps and duplicates are
// rejected with Internal (spec section 8: "gaps or duplicates are
// rejected").
func (m *Machine) NextSeqOut(seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkPhase(Active, DeferredDecrypt); err != nil {
		return err
	}
	if seq != m.seqOut {
		return mpcerr.InternalErr("out-of-order seq_out: got %d, want %d", seq, m.seqOut)
	}
	m.seqOut++
	return nil
}

// NextSeqIn validates and advances seq_in, mirroring NextSeqOut.
func (m *Machine) NextSeqIn(seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkPhase(Active, DeferredDecrypt); err != nil {
		return err
	}
	if seq != m.seqIn {
		return mpcerr.InternalErr("out-of-order seq_in: got %d, want %d", seq, m.seqIn)
	}
	m.seqIn++
	return nil
}

// SeqOut returns the next outgoing sequence number.
func (m *Machine) SeqOut() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seqOut
}

// SeqIn returns the next expected incoming sequence number.
func (m *Machine) SeqIn() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seqIn
}

// BufferIncoming enqueues an opaque record onto the IncomingBuffer,
// subject to a capacity derived from max_recv_bytes.
func (m *Machine) BufferIncoming(opaque []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkPhase(Active, DeferredDecrypt); err != nil {
		return err
	}
	if uint64(len(opaque)) > uint64(m.config.MaxRecvBytes) {
		return mpcerr.CapacityErr("incoming buffer full: record of %d bytes exceeds max_recv_bytes %d",
			len(opaque), m.config.MaxRecvBytes)
	}
	buf := make([]byte, len(opaque))
	copy(buf, opaque)
	m.incoming = append(m.incoming, buf)
	return nil
}

// NextIncoming dequeues the oldest buffered opaque record, FIFO.
func (m *Machine) NextIncoming() ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.incoming) == 0 {
		return nil, false
	}
	head := m.incoming[0]
	m.incoming = m.incoming[1:]
	return head, true
}

// BufferLen reports the number of records currently queued.
func (m *Machine) BufferLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.incoming)
}

// IncomingEmpty reports whether the IncomingBuffer is empty. The
// transition to Committed does not check it: records buffered in
// DeferredDecrypt stay queued across Commit and are drained afterwards
// with NextIncoming.
func (m *Machine) IncomingEmpty() bool {
	return m.BufferLen() == 0
}
