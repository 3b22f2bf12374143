//
// Copyright (c) 2025 Markku Rossi
//
// All rights reserved.
//

// Package leader implements the Leader side of the MPC-TLS engine:
// the party that owns the TLS connection and sees plaintext. Leader
// is structured as a single-consumer mailbox actor, grounded on the
// Rust implementation's leader/actor.rs: a bounded channel of pending
// operations, processed one at a time by Run, with Ctrl as the
// cloneable handle callers use to submit them. Rust expresses each
// operation as an enum variant dispatched through a generated
// Dispatch/Handler pair; Go has no sum types to mirror that with, so
// each operation is instead a closure captured by a request struct —
// the same single-writer serialization, without the enum boilerplate.
package leader

import (
	"context"
	"math/big"

	"go.uber.org/zap"

	"github.com/markkurossi/mpc/p2p"

	"github.com/markkurossi/mpctls/aead"
	"github.com/markkurossi/mpctls/backend"
	"github.com/markkurossi/mpctls/ghash"
	"github.com/markkurossi/mpctls/mpcerr"
	"github.com/markkurossi/mpctls/role"
	"github.com/markkurossi/mpctls/vm"
	"github.com/markkurossi/mpctls/wire"
)

// mailboxCapacity bounds how many in-flight operations Ctrl will
// queue before callers block, mirroring actor.rs's mailbox(100).
const mailboxCapacity = 100

// Data is the connection summary captured once the Leader reaches
// Closed: the pieces of the session a caller might want to retain
// (e.g. to hand to a verifier) after the connection itself is gone.
type Data struct {
	ProtocolVersion [2]byte
	CipherSuite     uint16
	ServerCertChain [][]byte
	BytesSent       uint64
	BytesReceived   uint64
}

// Leader is the Leader-side connection state. Every field below is
// touched only from the single goroutine running Run; Ctrl is the
// only thing other goroutines may call.
type Leader struct {
	log     *zap.Logger
	machine *role.Machine
	vm      vm.VM
	conn    *wire.Conn
	kexConn *p2p.Conn

	mailbox chan request

	clientRandom      [32]byte
	clientScalarShare *big.Int
	clientKeyShare    backend.KeyShare

	serverRandom  [32]byte
	serverKS      backend.KeyShare
	serverCert    backend.CertDetails
	serverKx      backend.KxDetails
	serverX       *big.Int
	serverY       *big.Int
	hsHashCKE     []byte
	hsHashSH      []byte

	protocolVersion [2]byte
	cipherSuite     uint16

	premaster   []byte
	sessionKeys *vm.SessionKeys
	// serverWriteKeyClear is populated only once commit() reveals the
	// Follower's share of server_write_key, per spec section 4.2.
	serverWriteKeyClear []byte

	clientGhash     *ghash.Engine
	serverGhash     *ghash.Engine
	clientKeystream *aead.Keystream
	serverKeystream *aead.Keystream
	clientIV        [4]byte
	serverIV        [4]byte

	encryptEnabled   bool
	decryptEnabled   bool
	serverClosedFlag bool

	data *Data
}

// New builds a Leader in the Init phase. clientScalarShare is this
// party's additive share of the client ECDHE ephemeral private key;
// vmi is the 2PC VM handle this Leader's computations run against;
// conn carries Backend command traffic to the Follower; kexConn
// carries the OT/SPDZ traffic DeriveClientKeyShare/DerivePremaster
// need.
func New(cfg role.CommonConfig, vmi vm.VM, conn *wire.Conn, kexConn *p2p.Conn, clientScalarShare *big.Int, log *zap.Logger) (*Leader, Ctrl) {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Leader{
		log:               log,
		machine:           role.NewMachine(role.Leader, cfg),
		vm:                vmi,
		conn:              conn,
		kexConn:           kexConn,
		mailbox:           make(chan request, mailboxCapacity),
		clientScalarShare: clientScalarShare,
	}
	return l, Ctrl{mailbox: l.mailbox}
}

// Run drains the mailbox until ctx is done or the connection closes.
// It is the Future the Rust actor.rs's run() method returns alongside
// Ctrl; callers run it in its own goroutine.
func (l *Leader) Run(ctx context.Context) error {
	for {
		select {
		case req := <-l.mailbox:
			val, err := req.fn(req.ctx, l)
			err = l.fail(err)
			select {
			case req.reply <- response{val: val, err: err}:
			default:
			}
			if l.machine.Phase() == role.Closed {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// fail forces the underlying Machine into its terminal Errored phase
// for every error kind except InvalidState/InvalidConfig, which are
// non-terminal (spec section 7: a caller that got the phase wrong can
// retry once the machine is in the right phase). It is the single
// place this rule is enforced, rather than every handler doing it.
func (l *Leader) fail(err error) error {
	me, ok := err.(*mpcerr.Error)
	if !ok || me == nil {
		return err
	}
	switch me.Kind {
	case mpcerr.InvalidState, mpcerr.InvalidConfig:
		return me
	default:
		return l.machine.Fail(me)
	}
}

// request is one queued mailbox entry: a closure over the operation
// plus where to deliver its result.
type request struct {
	ctx   context.Context
	fn    func(context.Context, *Leader) (interface{}, error)
	reply chan response
}

type response struct {
	val interface{}
	err error
}
