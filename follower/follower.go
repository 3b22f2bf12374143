//
// Copyright (c) 2025 Markku Rossi
//
// All rights reserved.
//

// Package follower implements the Follower side of the MPC-TLS
// engine: the party that assists the Leader through the shared 2PC
// substrate but never learns TLS application-data plaintext. Unlike
// Leader, Follower is not driven by an external TLS client — it is
// driven by the stream of leader.Command values the Leader emits over
// their wire.Conn, replaying the matching role.Machine transition and
// vm.VM operations so both sides' VMs stay aligned (see vm.localVM:
// values are identified by allocation order, so the two sides must
// call AllocVec/MarkPublic/XOR/... in lockstep).
package follower

import (
	"context"
	"crypto/elliptic"
	"math/big"

	"go.uber.org/zap"

	"github.com/markkurossi/mpc/p2p"

	"github.com/markkurossi/mpctls/aead"
	"github.com/markkurossi/mpctls/ghash"
	"github.com/markkurossi/mpctls/internal/kex"
	"github.com/markkurossi/mpctls/leader"
	"github.com/markkurossi/mpctls/mpcerr"
	"github.com/markkurossi/mpctls/role"
	"github.com/markkurossi/mpctls/vm"
	"github.com/markkurossi/mpctls/wire"
)

var p256 = elliptic.P256()

var zeroBlock [16]byte

// Follower mirrors one Leader connection. Every field is touched only
// from the goroutine running Run.
type Follower struct {
	log     *zap.Logger
	machine *role.Machine
	vm      vm.VM
	conn    *wire.Conn
	kexConn *p2p.Conn

	scalarShare *big.Int

	clientRandom [32]byte
	serverRandom [32]byte
	serverX      *big.Int
	serverY      *big.Int

	sessionKeys *vm.SessionKeys

	clientGhash     *ghash.Engine
	serverGhash     *ghash.Engine
	clientKeystream *aead.Keystream
	serverKeystream *aead.Keystream
	clientIV        [4]byte
	serverIV        [4]byte

	serverClosedFlag bool
}

// New builds a Follower in the Init phase. scalarShare is this
// party's additive share of the client ECDHE ephemeral private key,
// the counterpart to the Leader's own share.
func New(cfg role.CommonConfig, vmi vm.VM, conn *wire.Conn, kexConn *p2p.Conn, scalarShare *big.Int, log *zap.Logger) *Follower {
	if log == nil {
		log = zap.NewNop()
	}
	return &Follower{
		log:         log,
		machine:     role.NewMachine(role.Follower, cfg),
		vm:          vmi,
		conn:        conn,
		kexConn:     kexConn,
		scalarShare: scalarShare,
	}
}

// Machine exposes the Follower's phase machine, mainly for tests and
// diagnostics; the Follower otherwise has no caller-facing API beyond
// Run.
func (f *Follower) Machine() *role.Machine { return f.machine }

// Run drains commands from conn until the connection closes, a
// command fails, or a CloseConnection command moves the Machine to
// Closed. ctx is passed to each command's handler; the loop itself
// does not check it between commands. A failure of any kind other
// than InvalidState or InvalidConfig forces the Machine into Errored,
// and Run returns the error.
func (f *Follower) Run(ctx context.Context) error {
	for {
		var cmd leader.Command
		if err := f.conn.Recv(&cmd); err != nil {
			return err
		}
		if err := f.dispatch(ctx, cmd); err != nil {
			me, ok := err.(*mpcerr.Error)
			if ok && me.Kind != mpcerr.InvalidState && me.Kind != mpcerr.InvalidConfig {
				f.machine.Fail(me)
			}
			return err
		}
		if f.machine.Phase() == role.Closed {
			return nil
		}
	}
}

func (f *Follower) dispatch(ctx context.Context, cmd leader.Command) error {
	switch cmd.Op {
	case leader.OpSetProtocolVersion:
		return f.machine.Require(role.Init)
	case leader.OpSetCipherSuite:
		return f.machine.Advance(role.HandshakeSetup, role.Init)
	case leader.OpClientKeyShare:
		return f.clientKeyShare(cmd)
	case leader.OpSetServerRandom:
		if err := f.machine.Require(role.KeyExchange); err != nil {
			return err
		}
		f.serverRandom = cmd.ServerRandom
		return nil
	case leader.OpSetServerKeyShare:
		return f.setServerKeyShare(cmd)
	case leader.OpSetServerCertDetails:
		return f.machine.Require(role.KeyExchange)
	case leader.OpSetServerKxDetails:
		return f.machine.Require(role.KeyExchange)
	case leader.OpHsHashClientKeyExchange:
		return f.hsHashClientKeyExchange(cmd)
	case leader.OpHsHashServerHello:
		return f.hsHashServerHello(ctx, cmd)
	case leader.OpClientFinishedVd:
		return f.machine.Advance(role.ServerFinished, role.ClientFinished)
	case leader.OpServerFinishedVd:
		return f.machine.Require(role.ServerFinished)
	case leader.OpPrepareEncryption:
		return f.prepareEncryption()
	case leader.OpEncrypt:
		return f.encrypt(ctx, cmd)
	case leader.OpDecrypt:
		return f.decrypt(ctx, cmd)
	case leader.OpBufferIncoming:
		return f.bufferIncoming(cmd)
	case leader.OpDeferDecryption:
		return f.machine.Advance(role.DeferredDecrypt, role.Active)
	case leader.OpServerClosed:
		if err := f.machine.Require(role.Active, role.DeferredDecrypt, role.Committed); err != nil {
			return err
		}
		f.serverClosedFlag = true
		return nil
	case leader.OpRevealServerKey:
		// Sends this side's share of server_write_key to the Leader,
		// per spec section 4.2; the Follower never reconstructs it
		// itself (DecodePrivate's non-to branch returns nil, nil).
		_, err := f.vm.DecodePrivate(ctx, f.sessionKeys.ServerWriteKey, role.Leader)
		return err
	case leader.OpCommit:
		return f.machine.Advance(role.Committed, role.Active, role.DeferredDecrypt)
	case leader.OpCloseConnection:
		return f.machine.Advance(role.Closed, role.Active, role.DeferredDecrypt, role.Committed)
	default:
		return mpcerr.InternalErr("follower: unknown command op %d", cmd.Op)
	}
}

func (f *Follower) clientKeyShare(cmd leader.Command) error {
	if err := f.machine.Require(role.HandshakeSetup); err != nil {
		return err
	}
	f.clientRandom = cmd.ClientRandom
	x, y, err := kex.DeriveClientKeyShare(role.Follower, f.kexConn, f.scalarShare)
	if err != nil {
		return mpcerr.VmErr(err)
	}
	_, _ = x, y
	return f.machine.Advance(role.KeyExchange, role.HandshakeSetup)
}

func (f *Follower) setServerKeyShare(cmd leader.Command) error {
	if err := f.machine.Require(role.KeyExchange); err != nil {
		return err
	}
	x, y := elliptic.Unmarshal(p256, cmd.ServerKeyShare.Data)
	if x == nil {
		return mpcerr.PeerMisbehavedErr("follower: invalid server key share point")
	}
	f.serverX, f.serverY = x, y
	return nil
}

func (f *Follower) allocPublic(data []byte) (*vm.Value, error) {
	ref, err := f.vm.AllocVec(len(data))
	if err != nil {
		return nil, mpcerr.VmErr(err)
	}
	if err := f.vm.MarkPublic(ref, data); err != nil {
		return nil, mpcerr.VmErr(err)
	}
	return ref, nil
}

func (f *Follower) hsHashClientKeyExchange(cmd leader.Command) error {
	if err := f.machine.Require(role.KeyExchange); err != nil {
		return err
	}
	// The Follower's half of openShareToSender: it never reconstructs
	// the premaster (kex.DerivePremaster returns nil, nil here), but
	// still must run the reveal round trip so the Leader's side
	// completes.
	if _, err := kex.DerivePremaster(role.Follower, f.kexConn, f.scalarShare, f.serverX, f.serverY); err != nil {
		return mpcerr.VmErr(err)
	}
	return f.machine.Advance(role.DeriveMasterSecret, role.KeyExchange)
}

func (f *Follower) hsHashServerHello(ctx context.Context, cmd leader.Command) error {
	if err := f.machine.Require(role.DeriveMasterSecret); err != nil {
		return err
	}
	sessionKeys, err := f.vm.DeriveSessionKeys(ctx, nil, f.clientRandom, f.serverRandom)
	if err != nil {
		return mpcerr.VmErr(err)
	}
	f.sessionKeys = sessionKeys
	f.clientIV = sessionKeys.ClientWriteIV
	f.serverIV = sessionKeys.ServerWriteIV
	f.clientKeystream = aead.NewKeystream(sessionKeys.ClientWriteKey)
	f.serverKeystream = aead.NewKeystream(sessionKeys.ServerWriteKey)

	zeroRef, err := f.allocPublic(zeroBlock[:])
	if err != nil {
		return err
	}
	hClient, err := f.vm.AesECBBlock(ctx, sessionKeys.ClientWriteKey, zeroRef)
	if err != nil {
		return mpcerr.VmErr(err)
	}
	hServer, err := f.vm.AesECBBlock(ctx, sessionKeys.ServerWriteKey, zeroRef)
	if err != nil {
		return mpcerr.VmErr(err)
	}
	f.clientGhash = ghash.NewEngine(hClient)
	f.serverGhash = ghash.NewEngine(hServer)

	if err := f.machine.Advance(role.DeriveKeys, role.DeriveMasterSecret); err != nil {
		return err
	}
	return f.machine.Advance(role.ClientFinished, role.DeriveKeys)
}

func (f *Follower) prepareEncryption() error {
	if err := f.machine.Require(role.ServerFinished); err != nil {
		return err
	}
	target := role.Active
	if f.machine.Config().DeferDecryptionFromStart {
		target = role.DeferredDecrypt
	}
	return f.machine.Advance(target, role.ServerFinished)
}

func (f *Follower) encrypt(ctx context.Context, cmd leader.Command) error {
	if f.serverClosedFlag {
		return mpcerr.InternalErr("encrypt called after ServerClosed")
	}
	if err := f.machine.NextSeqOut(cmd.Seq); err != nil {
		return err
	}
	if err := f.machine.ChargeSent(cmd.PlaintextLen); err != nil {
		return err
	}
	plaintextRef, err := f.vm.AllocVec(cmd.PlaintextLen)
	if err != nil {
		return mpcerr.VmErr(err)
	}
	nonce := aead.Nonce(f.clientIV, cmd.Seq)
	aadBytes := aead.BuildAAD(cmd.Seq, cmd.ContentType, cmd.Version[0], cmd.Version[1], cmd.PlaintextLen)
	enc, err := aead.NewEncrypt(ctx, f.vm, f.clientKeystream, f.clientGhash, nonce, plaintextRef, aadBytes)
	if err != nil {
		return err
	}
	_, _, err = enc.Compute(ctx)
	return err
}

func (f *Follower) decrypt(ctx context.Context, cmd leader.Command) error {
	phase := f.machine.Phase()
	if phase == role.Active {
		if err := f.machine.NextSeqIn(cmd.Seq); err != nil {
			return err
		}
		if err := f.machine.ChargeRecv(len(cmd.Ciphertext)); err != nil {
			return err
		}
	}
	ciphertextRef, err := f.allocPublic(cmd.Ciphertext)
	if err != nil {
		return err
	}
	nonce := aead.Nonce(f.serverIV, cmd.Seq)
	aadBytes := aead.BuildAAD(cmd.Seq, cmd.ContentType, cmd.Version[0], cmd.Version[1], len(cmd.Ciphertext))
	dec, err := aead.NewDecrypt(ctx, f.vm, f.serverKeystream, f.serverGhash, nonce, ciphertextRef, cmd.Ciphertext, aadBytes, cmd.Tag)
	if err != nil {
		return err
	}
	plain, err := dec.Private(role.Leader).Compute(ctx)
	if err != nil {
		return mpcerr.AeadTagMismatchErr()
	}
	if plain != nil {
		return mpcerr.InternalErr("follower: DecryptPrivate unexpectedly revealed plaintext")
	}
	return nil
}

func (f *Follower) bufferIncoming(cmd leader.Command) error {
	if err := f.machine.Require(role.DeferredDecrypt); err != nil {
		return err
	}
	if f.serverClosedFlag {
		return mpcerr.InternalErr("bufferIncoming called after ServerClosed")
	}
	seq := f.machine.SeqIn()
	if err := f.machine.NextSeqIn(seq); err != nil {
		return err
	}
	if len(cmd.Ciphertext) >= 16 {
		if err := f.machine.ChargeRecv(len(cmd.Ciphertext) - 16); err != nil {
			return err
		}
	}
	return f.machine.BufferIncoming(cmd.Ciphertext)
}
