//
// Copyright (c) 2025 Markku Rossi
//
// All rights reserved.
//

package leader

import (
	"context"

	"github.com/markkurossi/mpctls/backend"
	"github.com/markkurossi/mpctls/mpcerr"
)

// Ctrl is the cloneable handle callers use to submit operations to a
// Leader's mailbox. It implements backend.Backend, so an external TLS
// 1.2 client can drive a Leader exactly like any other Backend.
type Ctrl struct {
	mailbox chan request
}

// do submits fn to the Leader's mailbox and waits for its result.
func (c Ctrl) do(ctx context.Context, fn func(context.Context, *Leader) (interface{}, error)) (interface{}, error) {
	reply := make(chan response, 1)
	select {
	case c.mailbox <- request{ctx: ctx, fn: fn, reply: reply}:
	case <-ctx.Done():
		return nil, mpcerr.IoErr(ctx.Err())
	}
	select {
	case r := <-reply:
		return r.val, r.err
	case <-ctx.Done():
		return nil, mpcerr.IoErr(ctx.Err())
	}
}

func (c Ctrl) SetProtocolVersion(ctx context.Context, version [2]byte) error {
	_, err := c.do(ctx, func(_ context.Context, l *Leader) (interface{}, error) {
		return nil, l.setProtocolVersion(version)
	})
	return err
}

func (c Ctrl) SetCipherSuite(ctx context.Context, suite uint16) error {
	_, err := c.do(ctx, func(_ context.Context, l *Leader) (interface{}, error) {
		return nil, l.setCipherSuite(suite)
	})
	return err
}

func (c Ctrl) Suite(ctx context.Context) (uint16, error) {
	v, err := c.do(ctx, func(_ context.Context, l *Leader) (interface{}, error) {
		return l.suite()
	})
	if err != nil {
		return 0, err
	}
	return v.(uint16), nil
}

func (c Ctrl) SetEncrypt(ctx context.Context, enabled bool) error {
	_, err := c.do(ctx, func(_ context.Context, l *Leader) (interface{}, error) {
		return nil, l.setEncrypt(enabled)
	})
	return err
}

func (c Ctrl) SetDecrypt(ctx context.Context, enabled bool) error {
	_, err := c.do(ctx, func(_ context.Context, l *Leader) (interface{}, error) {
		return nil, l.setDecrypt(enabled)
	})
	return err
}

func (c Ctrl) ClientRandom(ctx context.Context) ([32]byte, error) {
	v, err := c.do(ctx, func(_ context.Context, l *Leader) (interface{}, error) {
		return l.clientRandomVal()
	})
	if err != nil {
		return [32]byte{}, err
	}
	return v.([32]byte), nil
}

func (c Ctrl) ClientKeyShare(ctx context.Context) (backend.KeyShare, error) {
	v, err := c.do(ctx, func(ctx context.Context, l *Leader) (interface{}, error) {
		return l.clientKeyShareVal(ctx)
	})
	if err != nil {
		return backend.KeyShare{}, err
	}
	return v.(backend.KeyShare), nil
}

func (c Ctrl) SetServerRandom(ctx context.Context, random [32]byte) error {
	_, err := c.do(ctx, func(_ context.Context, l *Leader) (interface{}, error) {
		return nil, l.setServerRandom(random)
	})
	return err
}

func (c Ctrl) SetServerKeyShare(ctx context.Context, share backend.KeyShare) error {
	_, err := c.do(ctx, func(_ context.Context, l *Leader) (interface{}, error) {
		return nil, l.setServerKeyShare(share)
	})
	return err
}

func (c Ctrl) SetServerCertDetails(ctx context.Context, details backend.CertDetails) error {
	_, err := c.do(ctx, func(_ context.Context, l *Leader) (interface{}, error) {
		return nil, l.setServerCertDetails(details)
	})
	return err
}

func (c Ctrl) SetServerKxDetails(ctx context.Context, details backend.KxDetails) error {
	_, err := c.do(ctx, func(_ context.Context, l *Leader) (interface{}, error) {
		return nil, l.setServerKxDetails(details)
	})
	return err
}

func (c Ctrl) SetHsHashClientKeyExchange(ctx context.Context, transcriptHash []byte) error {
	_, err := c.do(ctx, func(ctx context.Context, l *Leader) (interface{}, error) {
		return nil, l.setHsHashClientKeyExchange(ctx, transcriptHash)
	})
	return err
}

func (c Ctrl) SetHsHashServerHello(ctx context.Context, transcriptHash []byte) error {
	_, err := c.do(ctx, func(ctx context.Context, l *Leader) (interface{}, error) {
		return nil, l.setHsHashServerHello(ctx, transcriptHash)
	})
	return err
}

func (c Ctrl) ServerFinishedVd(ctx context.Context, transcriptHash []byte) ([]byte, error) {
	v, err := c.do(ctx, func(ctx context.Context, l *Leader) (interface{}, error) {
		return l.serverFinishedVd(ctx, transcriptHash)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c Ctrl) ClientFinishedVd(ctx context.Context, transcriptHash []byte) ([]byte, error) {
	v, err := c.do(ctx, func(ctx context.Context, l *Leader) (interface{}, error) {
		return l.clientFinishedVd(ctx, transcriptHash)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c Ctrl) PrepareEncryption(ctx context.Context) error {
	_, err := c.do(ctx, func(_ context.Context, l *Leader) (interface{}, error) {
		return nil, l.prepareEncryption()
	})
	return err
}

func (c Ctrl) Encrypt(ctx context.Context, msg backend.PlainMessage, seq uint64) (backend.OpaqueMessage, error) {
	v, err := c.do(ctx, func(ctx context.Context, l *Leader) (interface{}, error) {
		return l.encrypt(ctx, msg, seq)
	})
	if err != nil {
		return backend.OpaqueMessage{}, err
	}
	return v.(backend.OpaqueMessage), nil
}

func (c Ctrl) Decrypt(ctx context.Context, msg backend.OpaqueMessage, seq uint64) (backend.PlainMessage, error) {
	v, err := c.do(ctx, func(ctx context.Context, l *Leader) (interface{}, error) {
		return l.decrypt(ctx, msg, seq)
	})
	if err != nil {
		return backend.PlainMessage{}, err
	}
	return v.(backend.PlainMessage), nil
}

func (c Ctrl) BufferIncoming(ctx context.Context, msg backend.OpaqueMessage) error {
	_, err := c.do(ctx, func(_ context.Context, l *Leader) (interface{}, error) {
		return nil, l.bufferIncoming(msg)
	})
	return err
}

func (c Ctrl) NextIncoming(ctx context.Context) (backend.OpaqueMessage, bool, error) {
	type result struct {
		msg backend.OpaqueMessage
		ok  bool
	}
	v, err := c.do(ctx, func(_ context.Context, l *Leader) (interface{}, error) {
		msg, ok, err := l.nextIncoming()
		return result{msg: msg, ok: ok}, err
	})
	if err != nil {
		return backend.OpaqueMessage{}, false, err
	}
	r := v.(result)
	return r.msg, r.ok, nil
}

func (c Ctrl) BufferLen(ctx context.Context) (int, error) {
	v, err := c.do(ctx, func(_ context.Context, l *Leader) (interface{}, error) {
		return l.bufferLen()
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (c Ctrl) DeferDecryption(ctx context.Context) error {
	_, err := c.do(ctx, func(_ context.Context, l *Leader) (interface{}, error) {
		return nil, l.deferDecryption()
	})
	return err
}

func (c Ctrl) ServerClosed(ctx context.Context) error {
	_, err := c.do(ctx, func(_ context.Context, l *Leader) (interface{}, error) {
		return nil, l.serverClosed()
	})
	return err
}

func (c Ctrl) Commit(ctx context.Context) error {
	_, err := c.do(ctx, func(ctx context.Context, l *Leader) (interface{}, error) {
		return nil, l.commit(ctx)
	})
	return err
}

func (c Ctrl) CloseConnection(ctx context.Context) error {
	_, err := c.do(ctx, func(_ context.Context, l *Leader) (interface{}, error) {
		return nil, l.closeConnection()
	})
	return err
}

var _ backend.Backend = Ctrl{}
