//
// Copyright (c) 2025 Markku Rossi
//
// All rights reserved.
//

package wire

import (
	"io"
	"net"
	"testing"
	"time"
)

type testEnvelope struct {
	Op      int
	Payload []byte
	Tag     string
}

func TestConnSendRecvRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	connA := NewConn(a)
	connB := NewConn(b)

	want := testEnvelope{Op: 7, Payload: []byte{1, 2, 3, 4}, Tag: "hello"}
	done := make(chan error, 1)
	go func() { done <- connA.Send(want) }()

	var got testEnvelope
	if err := connB.Recv(&got); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Op != want.Op || got.Tag != want.Tag || string(got.Payload) != string(want.Payload) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestConnSendRecvMultipleFrames(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	connA := NewConn(a)
	connB := NewConn(b)

	msgs := []testEnvelope{
		{Op: 1, Tag: "first"},
		{Op: 2, Tag: "second", Payload: []byte("abc")},
		{Op: 3, Tag: "third"},
	}

	go func() {
		for _, m := range msgs {
			if err := connA.Send(m); err != nil {
				return
			}
		}
	}()

	for i, want := range msgs {
		var got testEnvelope
		if err := connB.Recv(&got); err != nil {
			t.Fatalf("Recv #%d: %v", i, err)
		}
		if got.Op != want.Op || got.Tag != want.Tag {
			t.Fatalf("frame %d mismatch: got %+v want %+v", i, got, want)
		}
	}
}

func TestConnRecvOnClosedConnReturnsError(t *testing.T) {
	a, b := net.Pipe()
	connA := NewConn(a)
	connB := NewConn(b)
	_ = connA.Close()

	errc := make(chan error, 1)
	go func() {
		var v testEnvelope
		errc <- connB.Recv(&v)
	}()

	select {
	case err := <-errc:
		if err == nil {
			t.Fatalf("expected Recv on a closed peer to fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Recv did not return after the peer closed")
	}
	_ = connB.Close()
}

var _ io.Closer = (*Conn)(nil)
