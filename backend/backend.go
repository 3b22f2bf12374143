//
// Copyright (c) 2025 Markku Rossi
//
// All rights reserved.
//

// Package backend defines the surface an external TLS 1.2 client
// state machine drives the MPC-TLS engine through (spec section 4.3).
// The TLS client itself — certificate validation, handshake message
// parsing, record framing above the AEAD layer — is out of scope;
// this package only specifies the boundary Leader satisfies and
// Follower mirrors.
package backend

import "context"

// PlainMessage is a TLS plaintext record fragment, prior to AEAD
// protection.
type PlainMessage struct {
	ContentType byte
	Version     [2]byte
	Payload     []byte
}

// OpaqueMessage is a TLS record fragment as it travels the wire: AEAD
// ciphertext followed by its tag.
type OpaqueMessage struct {
	ContentType byte
	Version     [2]byte
	Payload     []byte
}

// KeyShare is an ECDHE key share, uncompressed point encoding.
type KeyShare struct {
	Group uint16
	Data  []byte
}

// CertDetails carries the server's certificate chain as presented in
// the handshake, DER-encoded.
type CertDetails struct {
	CertChain [][]byte
}

// KxDetails carries the server's signed key exchange parameters.
type KxDetails struct {
	SignatureScheme uint16
	Signature       []byte
}

// Backend is the capability surface the Leader implements and the
// Follower mirrors for its own bookkeeping. Every method may fail with
// an *mpcerr.Error; see spec section 7 for the error-kind contract and
// package role for the phase each method requires.
type Backend interface {
	// Handshake setup.
	SetProtocolVersion(ctx context.Context, version [2]byte) error
	SetCipherSuite(ctx context.Context, suite uint16) error
	Suite(ctx context.Context) (uint16, error)
	SetEncrypt(ctx context.Context, enabled bool) error
	SetDecrypt(ctx context.Context, enabled bool) error

	// Key exchange.
	ClientRandom(ctx context.Context) ([32]byte, error)
	ClientKeyShare(ctx context.Context) (KeyShare, error)
	SetServerRandom(ctx context.Context, random [32]byte) error
	SetServerKeyShare(ctx context.Context, share KeyShare) error
	SetServerCertDetails(ctx context.Context, details CertDetails) error
	SetServerKxDetails(ctx context.Context, details KxDetails) error

	// Key schedule.
	SetHsHashClientKeyExchange(ctx context.Context, transcriptHash []byte) error
	SetHsHashServerHello(ctx context.Context, transcriptHash []byte) error
	ServerFinishedVd(ctx context.Context, transcriptHash []byte) ([]byte, error)
	ClientFinishedVd(ctx context.Context, transcriptHash []byte) ([]byte, error)

	// Record layer.
	PrepareEncryption(ctx context.Context) error
	Encrypt(ctx context.Context, msg PlainMessage, seq uint64) (OpaqueMessage, error)
	Decrypt(ctx context.Context, msg OpaqueMessage, seq uint64) (PlainMessage, error)
	BufferIncoming(ctx context.Context, msg OpaqueMessage) error
	NextIncoming(ctx context.Context) (OpaqueMessage, bool, error)
	BufferLen(ctx context.Context) (int, error)
	DeferDecryption(ctx context.Context) error

	// Lifecycle.
	ServerClosed(ctx context.Context) error
	Commit(ctx context.Context) error
	CloseConnection(ctx context.Context) error
}
