//
// Copyright (c) 2025 Markku Rossi
//
// All rights reserved.
//

// Package wire frames the messages the Leader and Follower exchange
// over their control channel: a length-prefixed envelope, the same
// shape as the teacher's TLS record reader/writer (length-prefixed
// header followed by payload), carrying gob-encoded Go values instead
// of a hand-rolled TLV struct format. No serialization library in the
// reference corpus covers a generic, reflection-free Go struct codec
// (protobuf requires a .proto compile step this module has no build
// for), so this package falls back to the standard library's
// encoding/gob; see DESIGN.md.
package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/markkurossi/mpctls/mpcerr"
)

// maxFrame bounds a single frame's payload size, guarding against a
// corrupt or hostile length prefix causing an unbounded allocation.
const maxFrame = 64 * 1024 * 1024

// Conn frames gob-encoded messages over an underlying byte stream.
type Conn struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer
}

// NewConn wraps rwc as a framed message Conn.
func NewConn(rwc io.ReadWriteCloser) *Conn {
	return &Conn{
		r: bufio.NewReader(rwc),
		w: bufio.NewWriter(rwc),
		c: rwc,
	}
}

// Send gob-encodes v and writes it as one length-prefixed frame,
// flushing immediately so the peer observes it without delay.
func (c *Conn) Send(v interface{}) error {
	var buf frameBuffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return mpcerr.IoErr(fmt.Errorf("wire: encode: %w", err))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(buf.Len()))
	if _, err := c.w.Write(header[:]); err != nil {
		return mpcerr.IoErr(err)
	}
	if _, err := c.w.Write(buf.Bytes()); err != nil {
		return mpcerr.IoErr(err)
	}
	if err := c.w.Flush(); err != nil {
		return mpcerr.IoErr(err)
	}
	return nil
}

// Recv blocks for the next frame and gob-decodes it into v, which
// must be a pointer.
func (c *Conn) Recv(v interface{}) error {
	var header [4]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		return mpcerr.IoErr(err)
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrame {
		return mpcerr.IoErr(fmt.Errorf("wire: frame of %d bytes exceeds limit %d", n, maxFrame))
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return mpcerr.IoErr(err)
	}
	dec := gob.NewDecoder(&frameBuffer{buf: payload})
	if err := dec.Decode(v); err != nil {
		return mpcerr.IoErr(fmt.Errorf("wire: decode: %w", err))
	}
	return nil
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	return c.c.Close()
}

// frameBuffer is a tiny io.ReadWriter over a byte slice, avoiding a
// bytes.Buffer import purely for Len()/Bytes() bookkeeping symmetry.
type frameBuffer struct {
	buf []byte
	pos int
}

func (b *frameBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *frameBuffer) Read(p []byte) (int, error) {
	if b.pos >= len(b.buf) {
		return 0, io.EOF
	}
	n := copy(p, b.buf[b.pos:])
	b.pos += n
	return n, nil
}

func (b *frameBuffer) Len() int     { return len(b.buf) }
func (b *frameBuffer) Bytes() []byte { return b.buf }
