//
// Copyright (c) 2025 Markku Rossi
//
// All rights reserved.
//

package leader

import (
	"bytes"
	"context"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/gob"

	"github.com/markkurossi/mpctls/aead"
	"github.com/markkurossi/mpctls/backend"
	"github.com/markkurossi/mpctls/ghash"
	"github.com/markkurossi/mpctls/internal/kex"
	"github.com/markkurossi/mpctls/mpcerr"
	"github.com/markkurossi/mpctls/prf"
	"github.com/markkurossi/mpctls/role"
	"github.com/markkurossi/mpctls/vm"
)

var p256 = elliptic.P256()

// gcmCipherSuite is the only cipher suite this engine understands:
// TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256.
const gcmCipherSuite = 0xC02F

var zeroBlock [16]byte

// bufferedRecord is what BufferIncoming stores per deferred record: the
// opaque wire bytes plus the sequence number BufferIncoming assigned it
// (the Backend interface's NextIncoming does not return a sequence
// number, so the driver calling Decrypt afterwards is expected to
// track its own incoming counter in lockstep; Commit itself never
// needs this value).
type bufferedRecord struct {
	Msg backend.OpaqueMessage
	Seq uint64
}

func encodeRecord(r bufferedRecord) []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(r)
	return buf.Bytes()
}

func decodeRecord(b []byte) (bufferedRecord, error) {
	var r bufferedRecord
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&r); err != nil {
		return bufferedRecord{}, mpcerr.InternalErr("buffered record corrupt: %v", err)
	}
	return r, nil
}

func (l *Leader) setProtocolVersion(version [2]byte) error {
	if err := l.machine.Require(role.Init); err != nil {
		return err
	}
	if version != [2]byte{3, 3} {
		return mpcerr.InvalidConfigErr("unsupported protocol version %d.%d", version[0], version[1])
	}
	l.protocolVersion = version
	return l.notify(Command{Op: OpSetProtocolVersion, ProtocolVersion: version})
}

func (l *Leader) setCipherSuite(suite uint16) error {
	if err := l.machine.Require(role.Init); err != nil {
		return err
	}
	if suite != gcmCipherSuite {
		return mpcerr.InvalidConfigErr("unsupported cipher suite 0x%04x", suite)
	}
	l.cipherSuite = suite
	if err := l.machine.Advance(role.HandshakeSetup, role.Init); err != nil {
		return err
	}
	return l.notify(Command{Op: OpSetCipherSuite, CipherSuite: suite})
}

func (l *Leader) suite() (uint16, error) {
	if err := l.machine.Require(role.HandshakeSetup, role.KeyExchange, role.DeriveMasterSecret,
		role.DeriveKeys, role.ClientFinished, role.ServerFinished, role.Active,
		role.DeferredDecrypt, role.Committed); err != nil {
		return 0, err
	}
	return l.cipherSuite, nil
}

func (l *Leader) setEncrypt(enabled bool) error {
	if err := l.machine.Require(role.ServerFinished, role.Active, role.DeferredDecrypt, role.Committed); err != nil {
		return err
	}
	l.encryptEnabled = enabled
	return nil
}

func (l *Leader) setDecrypt(enabled bool) error {
	if err := l.machine.Require(role.ServerFinished, role.Active, role.DeferredDecrypt, role.Committed); err != nil {
		return err
	}
	l.decryptEnabled = enabled
	return nil
}

func (l *Leader) clientRandomVal() ([32]byte, error) {
	if err := l.machine.Require(role.HandshakeSetup); err != nil {
		return [32]byte{}, err
	}
	if l.clientRandom == ([32]byte{}) {
		if _, err := rand.Read(l.clientRandom[:]); err != nil {
			return [32]byte{}, mpcerr.InternalErr("client random: %v", err)
		}
	}
	return l.clientRandom, nil
}

func (l *Leader) clientKeyShareVal(ctx context.Context) (backend.KeyShare, error) {
	if err := l.machine.Require(role.HandshakeSetup); err != nil {
		return backend.KeyShare{}, err
	}
	if err := l.notify(Command{Op: OpClientKeyShare, ClientRandom: l.clientRandom}); err != nil {
		return backend.KeyShare{}, mpcerr.IoErr(err)
	}
	x, y, err := kex.DeriveClientKeyShare(role.Leader, l.kexConn, l.clientScalarShare)
	if err != nil {
		return backend.KeyShare{}, mpcerr.VmErr(err)
	}
	l.clientKeyShare = backend.KeyShare{Group: 23, Data: elliptic.Marshal(p256, x, y)}
	if err := l.machine.Advance(role.KeyExchange, role.HandshakeSetup); err != nil {
		return backend.KeyShare{}, err
	}
	return l.clientKeyShare, nil
}

func (l *Leader) setServerRandom(random [32]byte) error {
	if err := l.machine.Require(role.KeyExchange); err != nil {
		return err
	}
	l.serverRandom = random
	return l.notify(Command{Op: OpSetServerRandom, ServerRandom: random})
}

func (l *Leader) setServerKeyShare(share backend.KeyShare) error {
	if err := l.machine.Require(role.KeyExchange); err != nil {
		return err
	}
	x, y := elliptic.Unmarshal(p256, share.Data)
	if x == nil {
		return mpcerr.PeerMisbehavedErr("server key share is not a valid P-256 point")
	}
	l.serverKS = share
	l.serverX, l.serverY = x, y
	return l.notify(Command{Op: OpSetServerKeyShare, ServerKeyShare: share})
}

func (l *Leader) setServerCertDetails(details backend.CertDetails) error {
	if err := l.machine.Require(role.KeyExchange); err != nil {
		return err
	}
	policy := l.machine.Config().ServerPublicKeyPolicy
	if policy.Kind == role.PolicyPinned {
		if len(details.CertChain) == 0 || !bytes.Equal(details.CertChain[0], policy.SPKI) {
			return mpcerr.PeerMisbehavedErr("server certificate does not match pinned key")
		}
	}
	l.serverCert = details
	return l.notify(Command{Op: OpSetServerCertDetails, ServerCertDetails: details})
}

func (l *Leader) setServerKxDetails(details backend.KxDetails) error {
	if err := l.machine.Require(role.KeyExchange); err != nil {
		return err
	}
	l.serverKx = details
	return l.notify(Command{Op: OpSetServerKxDetails, ServerKxDetails: details})
}

func (l *Leader) setHsHashClientKeyExchange(ctx context.Context, transcriptHash []byte) error {
	if err := l.machine.Require(role.KeyExchange); err != nil {
		return err
	}
	if err := l.notify(Command{Op: OpHsHashClientKeyExchange, TranscriptHash: transcriptHash}); err != nil {
		return mpcerr.IoErr(err)
	}
	premasterBig, err := kex.DerivePremaster(role.Leader, l.kexConn, l.clientScalarShare, l.serverX, l.serverY)
	if err != nil {
		return mpcerr.VmErr(err)
	}
	l.premaster = premasterBig.FillBytes(make([]byte, 32))
	l.hsHashCKE = append([]byte{}, transcriptHash...)
	return l.machine.Advance(role.DeriveMasterSecret, role.KeyExchange)
}

func (l *Leader) setHsHashServerHello(ctx context.Context, transcriptHash []byte) error {
	if err := l.machine.Require(role.DeriveMasterSecret); err != nil {
		return err
	}
	if err := l.notify(Command{Op: OpHsHashServerHello, TranscriptHash: transcriptHash}); err != nil {
		return mpcerr.IoErr(err)
	}
	l.hsHashSH = append([]byte{}, transcriptHash...)

	sessionKeys, err := l.vm.DeriveSessionKeys(ctx, l.premaster, l.clientRandom, l.serverRandom)
	if err != nil {
		return mpcerr.VmErr(err)
	}
	l.sessionKeys = sessionKeys
	l.clientIV = sessionKeys.ClientWriteIV
	l.serverIV = sessionKeys.ServerWriteIV
	l.clientKeystream = aead.NewKeystream(sessionKeys.ClientWriteKey)
	l.serverKeystream = aead.NewKeystream(sessionKeys.ServerWriteKey)

	zeroRef, err := l.allocPublic(zeroBlock[:])
	if err != nil {
		return err
	}
	hClient, err := l.vm.AesECBBlock(ctx, sessionKeys.ClientWriteKey, zeroRef)
	if err != nil {
		return mpcerr.VmErr(err)
	}
	hServer, err := l.vm.AesECBBlock(ctx, sessionKeys.ServerWriteKey, zeroRef)
	if err != nil {
		return mpcerr.VmErr(err)
	}
	l.clientGhash = ghash.NewEngine(hClient)
	l.serverGhash = ghash.NewEngine(hServer)

	if err := l.machine.Advance(role.DeriveKeys, role.DeriveMasterSecret); err != nil {
		return err
	}
	return l.machine.Advance(role.ClientFinished, role.DeriveKeys)
}

func (l *Leader) allocPublic(data []byte) (*vm.Value, error) {
	ref, err := l.vm.AllocVec(len(data))
	if err != nil {
		return nil, mpcerr.VmErr(err)
	}
	if err := l.vm.MarkPublic(ref, data); err != nil {
		return nil, mpcerr.VmErr(err)
	}
	return ref, nil
}

func (l *Leader) clientFinishedVd(ctx context.Context, transcriptHash []byte) ([]byte, error) {
	if err := l.machine.Require(role.ClientFinished); err != nil {
		return nil, err
	}
	vd := l.sessionKeys.VerifyData(prf.LabelClientFinished, transcriptHash)
	if err := l.machine.Advance(role.ServerFinished, role.ClientFinished); err != nil {
		return nil, err
	}
	if err := l.notify(Command{Op: OpClientFinishedVd, TranscriptHash: transcriptHash}); err != nil {
		return nil, mpcerr.IoErr(err)
	}
	return vd, nil
}

func (l *Leader) serverFinishedVd(ctx context.Context, transcriptHash []byte) ([]byte, error) {
	if err := l.machine.Require(role.ServerFinished); err != nil {
		return nil, err
	}
	vd := l.sessionKeys.VerifyData(prf.LabelServerFinished, transcriptHash)
	if err := l.notify(Command{Op: OpServerFinishedVd, TranscriptHash: transcriptHash}); err != nil {
		return nil, mpcerr.IoErr(err)
	}
	return vd, nil
}

func (l *Leader) prepareEncryption() error {
	if err := l.machine.Require(role.ServerFinished); err != nil {
		return err
	}
	target := role.Active
	if l.machine.Config().DeferDecryptionFromStart {
		target = role.DeferredDecrypt
	}
	if err := l.machine.Advance(target, role.ServerFinished); err != nil {
		return err
	}
	l.encryptEnabled = true
	l.decryptEnabled = target == role.Active
	return l.notify(Command{Op: OpPrepareEncryption})
}

func (l *Leader) encrypt(ctx context.Context, msg backend.PlainMessage, seq uint64) (backend.OpaqueMessage, error) {
	if !l.encryptEnabled {
		return backend.OpaqueMessage{}, mpcerr.InternalErr("encrypt called before PrepareEncryption")
	}
	if l.serverClosedFlag {
		return backend.OpaqueMessage{}, mpcerr.InternalErr("encrypt called after ServerClosed")
	}
	if err := l.machine.NextSeqOut(seq); err != nil {
		return backend.OpaqueMessage{}, err
	}
	if err := l.machine.ChargeSent(len(msg.Payload)); err != nil {
		return backend.OpaqueMessage{}, err
	}
	if err := l.notify(Command{
		Op: OpEncrypt, Seq: seq, ContentType: msg.ContentType, Version: msg.Version,
		PlaintextLen: len(msg.Payload),
	}); err != nil {
		return backend.OpaqueMessage{}, mpcerr.IoErr(err)
	}
	plaintextRef, err := l.vm.AllocVec(len(msg.Payload))
	if err != nil {
		return backend.OpaqueMessage{}, mpcerr.VmErr(err)
	}
	if err := l.vm.Assign(plaintextRef, msg.Payload); err != nil {
		return backend.OpaqueMessage{}, mpcerr.VmErr(err)
	}
	nonce := aead.Nonce(l.clientIV, seq)
	aadBytes := aead.BuildAAD(seq, msg.ContentType, msg.Version[0], msg.Version[1], len(msg.Payload))
	enc, err := aead.NewEncrypt(ctx, l.vm, l.clientKeystream, l.clientGhash, nonce, plaintextRef, aadBytes)
	if err != nil {
		return backend.OpaqueMessage{}, err
	}
	ciphertext, tag, err := enc.Compute(ctx)
	if err != nil {
		return backend.OpaqueMessage{}, err
	}
	payload := append(append([]byte{}, ciphertext...), tag[:]...)
	return backend.OpaqueMessage{ContentType: msg.ContentType, Version: msg.Version, Payload: payload}, nil
}

// computeDecrypt runs the AEAD decrypt for one record without touching
// the sequence counter or byte budget; callers that have not already
// accounted seq/charge (ordinary Active-phase decryption) must do so
// themselves first.
func (l *Leader) computeDecrypt(ctx context.Context, msg backend.OpaqueMessage, seq uint64) (backend.PlainMessage, error) {
	if len(msg.Payload) < 16 {
		return backend.PlainMessage{}, mpcerr.PeerMisbehavedErr("opaque record shorter than AEAD tag: %d bytes", len(msg.Payload))
	}
	ciphertext := msg.Payload[:len(msg.Payload)-16]
	var tag [16]byte
	copy(tag[:], msg.Payload[len(msg.Payload)-16:])

	if err := l.notify(Command{
		Op: OpDecrypt, Seq: seq, ContentType: msg.ContentType, Version: msg.Version,
		Ciphertext: ciphertext, Tag: tag,
	}); err != nil {
		return backend.PlainMessage{}, mpcerr.IoErr(err)
	}

	ciphertextRef, err := l.vm.AllocVec(len(ciphertext))
	if err != nil {
		return backend.PlainMessage{}, mpcerr.VmErr(err)
	}
	if err := l.vm.MarkPublic(ciphertextRef, ciphertext); err != nil {
		return backend.PlainMessage{}, mpcerr.VmErr(err)
	}
	nonce := aead.Nonce(l.serverIV, seq)
	aadBytes := aead.BuildAAD(seq, msg.ContentType, msg.Version[0], msg.Version[1], len(ciphertext))
	dec, err := aead.NewDecrypt(ctx, l.vm, l.serverKeystream, l.serverGhash, nonce, ciphertextRef, ciphertext, aadBytes, tag)
	if err != nil {
		return backend.PlainMessage{}, err
	}
	plain, err := dec.Private(role.Leader).Compute(ctx)
	if err != nil {
		return backend.PlainMessage{}, mpcerr.AeadTagMismatchErr()
	}
	return backend.PlainMessage{ContentType: msg.ContentType, Version: msg.Version, Payload: plain}, nil
}

func (l *Leader) decrypt(ctx context.Context, msg backend.OpaqueMessage, seq uint64) (backend.PlainMessage, error) {
	if !l.decryptEnabled {
		return backend.PlainMessage{}, mpcerr.InternalErr("decrypt called before PrepareEncryption or while decryption is deferred")
	}
	phase := l.machine.Phase()
	switch phase {
	case role.Active:
		if err := l.machine.NextSeqIn(seq); err != nil {
			return backend.PlainMessage{}, err
		}
		if len(msg.Payload) >= 16 {
			if err := l.machine.ChargeRecv(len(msg.Payload) - 16); err != nil {
				return backend.PlainMessage{}, err
			}
		}
	case role.Committed:
		// Sequence and byte budget were already accounted for this
		// record when it was buffered in DeferredDecrypt.
	default:
		return backend.PlainMessage{}, mpcerr.InvalidStateErr(role.Active, phase)
	}
	return l.computeDecrypt(ctx, msg, seq)
}

func (l *Leader) bufferIncoming(msg backend.OpaqueMessage) error {
	if err := l.machine.Require(role.DeferredDecrypt); err != nil {
		return err
	}
	if l.serverClosedFlag {
		return mpcerr.InternalErr("bufferIncoming called after ServerClosed")
	}
	seq := l.machine.SeqIn()
	if err := l.machine.NextSeqIn(seq); err != nil {
		return err
	}
	if len(msg.Payload) >= 16 {
		if err := l.machine.ChargeRecv(len(msg.Payload) - 16); err != nil {
			return err
		}
	}
	if err := l.machine.BufferIncoming(encodeRecord(bufferedRecord{Msg: msg, Seq: seq})); err != nil {
		return err
	}
	return l.notify(Command{Op: OpBufferIncoming, Seq: seq, ContentType: msg.ContentType, Version: msg.Version, Ciphertext: msg.Payload})
}

func (l *Leader) nextIncoming() (backend.OpaqueMessage, bool, error) {
	if err := l.machine.Require(role.DeferredDecrypt, role.Committed); err != nil {
		return backend.OpaqueMessage{}, false, err
	}
	raw, ok := l.machine.NextIncoming()
	if !ok {
		return backend.OpaqueMessage{}, false, nil
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return backend.OpaqueMessage{}, false, err
	}
	return rec.Msg, true, nil
}

func (l *Leader) bufferLen() (int, error) {
	if err := l.machine.Require(role.DeferredDecrypt, role.Committed); err != nil {
		return 0, err
	}
	return l.machine.BufferLen(), nil
}

func (l *Leader) deferDecryption() error {
	if err := l.machine.Advance(role.DeferredDecrypt, role.Active); err != nil {
		return err
	}
	l.decryptEnabled = false
	return l.notify(Command{Op: OpDeferDecryption})
}

func (l *Leader) serverClosed() error {
	if err := l.machine.Require(role.Active, role.DeferredDecrypt, role.Committed); err != nil {
		return err
	}
	l.serverClosedFlag = true
	return l.notify(Command{Op: OpServerClosed})
}

// commit transitions to Committed. Per the resolved design decision,
// Commit succeeds regardless of ServerClosed having already fired and
// regardless of whether the IncomingBuffer is empty: draining it is
// the driver's job, performed afterwards via NextIncoming/Decrypt,
// which both remain callable in the Committed phase.
//
// Per spec section 4.2, committing is also the point at which the
// Follower hands over its share of server_write_key: until now the
// Leader could not reconstruct that key alone, so OpRevealServerKey
// is notified before OpCommit, and DecodePrivate's round trip with the
// Follower's dispatch handler for it is what actually completes the
// reveal.
func (l *Leader) commit(ctx context.Context) error {
	if err := l.machine.Advance(role.Committed, role.Active, role.DeferredDecrypt); err != nil {
		return err
	}
	if err := l.notify(Command{Op: OpRevealServerKey}); err != nil {
		return mpcerr.IoErr(err)
	}
	serverKey, err := l.vm.DecodePrivate(ctx, l.sessionKeys.ServerWriteKey, role.Leader)
	if err != nil {
		return mpcerr.VmErr(err)
	}
	l.serverWriteKeyClear = serverKey
	l.decryptEnabled = true
	return l.notify(Command{Op: OpCommit})
}

func (l *Leader) closeConnection() error {
	if err := l.machine.Require(role.Active, role.DeferredDecrypt, role.Committed); err != nil {
		return err
	}
	l.data = &Data{
		ProtocolVersion: l.protocolVersion,
		CipherSuite:     l.cipherSuite,
		ServerCertChain: l.serverCert.CertChain,
		BytesSent:       l.machine.SeqOut(),
		BytesReceived:   l.machine.SeqIn(),
	}
	if err := l.machine.Advance(role.Closed, role.Active, role.DeferredDecrypt, role.Committed); err != nil {
		return err
	}
	return l.notify(Command{Op: OpCloseConnection})
}

// Data returns the connection summary captured at CloseConnection, or
// nil before the connection has closed.
func (l *Leader) Data() *Data {
	return l.data
}
