//
// Copyright (c) 2025 Markku Rossi
//
// All rights reserved.
//

package leader

import "github.com/markkurossi/mpctls/backend"

// Op identifies which Backend operation a Command mirrors.
type Op int

// The operations the Follower replays.
const (
	OpSetProtocolVersion Op = iota
	OpSetCipherSuite
	OpClientKeyShare
	OpSetServerRandom
	OpSetServerKeyShare
	OpSetServerCertDetails
	OpSetServerKxDetails
	OpHsHashClientKeyExchange
	OpHsHashServerHello
	OpClientFinishedVd
	OpServerFinishedVd
	OpPrepareEncryption
	OpEncrypt
	OpDecrypt
	OpBufferIncoming
	OpDeferDecryption
	OpServerClosed
	OpRevealServerKey
	OpCommit
	OpCloseConnection
)

// Command is one entry in the stream the Leader sends the Follower
// over their wire.Conn so the Follower's Machine and vm.VM
// participate in lockstep, without ever learning the connection's
// actual TLS application-data plaintext. Every field here is
// already public in the 2PC sense (handshake metadata, ciphertext,
// lengths) — never a plaintext payload.
type Command struct {
	Op Op

	ProtocolVersion [2]byte
	CipherSuite     uint16
	Enabled         bool

	ClientRandom      [32]byte
	ServerRandom      [32]byte
	ServerKeyShare    backend.KeyShare
	ServerCertDetails backend.CertDetails
	ServerKxDetails   backend.KxDetails
	TranscriptHash    []byte

	Seq             uint64
	ContentType     byte
	Version         [2]byte
	PlaintextLen    int
	Ciphertext      []byte
	Tag             [16]byte
}

// notify sends cmd to the Follower. It is fire-and-forget from the
// Leader's perspective: Send returns once the frame is written and
// flushed to the connection, not once the Follower has processed it,
// so the Leader can go on to
// perform its side of whatever 2PC exchange the command triggers
// while the Follower's Run loop picks the command up concurrently.
func (l *Leader) notify(cmd Command) error {
	if l.conn == nil {
		return nil
	}
	if err := l.conn.Send(cmd); err != nil {
		return err
	}
	return nil
}
