//
// Copyright (c) 2025 Markku Rossi
//
// All rights reserved.
//

package role

import (
	"testing"

	"github.com/markkurossi/mpctls/mpcerr"
)

func asErr(t *testing.T, err error) *mpcerr.Error {
	t.Helper()
	me, ok := err.(*mpcerr.Error)
	if !ok {
		t.Fatalf("expected *mpcerr.Error, got %T: %v", err, err)
	}
	return me
}

func TestMachineAdvanceRejectsWrongPhase(t *testing.T) {
	m := NewMachine(Leader, NewCommonConfig())
	if err := m.Advance(KeyExchange, HandshakeSetup); err == nil {
		t.Fatalf("expected an error advancing from Init into KeyExchange via HandshakeSetup")
	}
	if m.Phase() != Init {
		t.Fatalf("failed Advance must not mutate phase, got %v", m.Phase())
	}
	if err := m.Advance(HandshakeSetup, Init); err != nil {
		t.Fatalf("Advance(HandshakeSetup, Init): %v", err)
	}
	if m.Phase() != HandshakeSetup {
		t.Fatalf("phase after Advance: got %v want %v", m.Phase(), HandshakeSetup)
	}
}

func TestMachineRequireDoesNotMutate(t *testing.T) {
	m := NewMachine(Leader, NewCommonConfig())
	if err := m.Require(HandshakeSetup); err == nil {
		t.Fatalf("expected Require to fail from Init")
	}
	if m.Phase() != Init {
		t.Fatalf("Require must never mutate phase, got %v", m.Phase())
	}
}

func TestMachineFailIsTerminalAndIdempotent(t *testing.T) {
	m := NewMachine(Leader, NewCommonConfig())
	first := mpcerr.VmErr(errString("boom"))
	got := m.Fail(first)
	if got != first {
		t.Fatalf("Fail should return the error it was given the first time")
	}
	if m.Phase() != Errored {
		t.Fatalf("phase after Fail: got %v want %v", m.Phase(), Errored)
	}

	second := mpcerr.VmErr(errString("different boom"))
	got = m.Fail(second)
	if got != first {
		t.Fatalf("Fail must keep the first error, got %v", got)
	}
	if err := m.Require(Init); err == nil {
		t.Fatalf("expected Errored machine to reject every Require")
	}
}

func TestMachineSeqOutRejectsGapsAndDuplicates(t *testing.T) {
	m := NewMachine(Leader, NewCommonConfig())
	advanceToActive(t, m)

	if err := m.NextSeqOut(0); err != nil {
		t.Fatalf("NextSeqOut(0): %v", err)
	}
	if err := m.NextSeqOut(0); err == nil {
		t.Fatalf("expected NextSeqOut to reject a duplicate sequence number")
	}
	if err := m.NextSeqOut(5); err == nil {
		t.Fatalf("expected NextSeqOut to reject a gapped sequence number")
	}
	if err := m.NextSeqOut(1); err != nil {
		t.Fatalf("NextSeqOut(1): %v", err)
	}
}

func TestMachineChargeSentEnforcesCapacity(t *testing.T) {
	m := NewMachine(Leader, NewCommonConfig(WithMaxSentBytes(10)))
	advanceToActive(t, m)

	if err := m.ChargeSent(6); err != nil {
		t.Fatalf("ChargeSent(6): %v", err)
	}
	err := m.ChargeSent(5)
	if err == nil {
		t.Fatalf("expected ChargeSent to reject exceeding max_sent_bytes")
	}
	me := asErr(t, err)
	if me.Kind != mpcerr.Capacity {
		t.Fatalf("error kind: got %v want %v", me.Kind, mpcerr.Capacity)
	}
	if m.Phase() != Errored {
		t.Fatalf("a Capacity violation must force the machine into Errored, got %v", m.Phase())
	}
}

func TestMachineIncomingBufferFIFO(t *testing.T) {
	cfg := NewCommonConfig(WithDeferDecryptionFromStart(true))
	m := NewMachine(Leader, cfg)
	if err := m.Advance(HandshakeSetup, Init); err != nil {
		t.Fatal(err)
	}
	if err := m.Advance(KeyExchange, HandshakeSetup); err != nil {
		t.Fatal(err)
	}
	if err := m.Advance(DeriveMasterSecret, KeyExchange); err != nil {
		t.Fatal(err)
	}
	if err := m.Advance(DeriveKeys, DeriveMasterSecret); err != nil {
		t.Fatal(err)
	}
	if err := m.Advance(ClientFinished, DeriveKeys); err != nil {
		t.Fatal(err)
	}
	if err := m.Advance(ServerFinished, ClientFinished); err != nil {
		t.Fatal(err)
	}
	if err := m.Advance(DeferredDecrypt, ServerFinished); err != nil {
		t.Fatal(err)
	}

	if !m.IncomingEmpty() {
		t.Fatalf("expected an empty incoming buffer")
	}
	if err := m.BufferIncoming([]byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := m.BufferIncoming([]byte("second")); err != nil {
		t.Fatal(err)
	}
	if n := m.BufferLen(); n != 2 {
		t.Fatalf("BufferLen: got %d want 2", n)
	}

	raw, ok := m.NextIncoming()
	if !ok || string(raw) != "first" {
		t.Fatalf("NextIncoming: got (%q, %v) want (\"first\", true)", raw, ok)
	}
	raw, ok = m.NextIncoming()
	if !ok || string(raw) != "second" {
		t.Fatalf("NextIncoming: got (%q, %v) want (\"second\", true)", raw, ok)
	}
	if _, ok := m.NextIncoming(); ok {
		t.Fatalf("expected the buffer to be drained")
	}
}

func TestMachineSeqAndIncomingGatedToActiveStates(t *testing.T) {
	m := NewMachine(Leader, NewCommonConfig())
	if err := m.NextSeqOut(0); err == nil {
		t.Fatalf("expected NextSeqOut to be rejected outside Active/DeferredDecrypt")
	}
	if err := m.BufferIncoming([]byte("x")); err == nil {
		t.Fatalf("expected BufferIncoming to be rejected outside Active/DeferredDecrypt")
	}
}

func advanceToActive(t *testing.T, m *Machine) {
	t.Helper()
	transitions := []struct {
		to   Phase
		from Phase
	}{
		{HandshakeSetup, Init},
		{KeyExchange, HandshakeSetup},
		{DeriveMasterSecret, KeyExchange},
		{DeriveKeys, DeriveMasterSecret},
		{ClientFinished, DeriveKeys},
		{ServerFinished, ClientFinished},
		{Active, ServerFinished},
	}
	for _, tr := range transitions {
		if err := m.Advance(tr.to, tr.from); err != nil {
			t.Fatalf("Advance(%v, %v): %v", tr.to, tr.from, err)
		}
	}
}

type errString string

func (e errString) Error() string { return string(e) }
