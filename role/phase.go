//
// Copyright (c) 2025 Markku Rossi
//
// All rights reserved.
//

package role

import "fmt"

// Phase enumerates the states of the shared Leader/Follower state
// machine (spec section 3, "Phase").
type Phase int

// Phases, in the order the handshake visits them.
const (
	Init Phase = iota
	HandshakeSetup
	KeyExchange
	DeriveMasterSecret
	DeriveKeys
	ClientFinished
	ServerFinished
	Active
	DeferredDecrypt
	Committed
	Closed
	// Errored is the terminal state a fatal error forces the machine
	// into. No further operations succeed once here.
	Errored
)

var phaseNames = map[Phase]string{
	Init:                "init",
	HandshakeSetup:      "handshake_setup",
	KeyExchange:         "key_exchange",
	DeriveMasterSecret:  "derive_master_secret",
	DeriveKeys:          "derive_keys",
	ClientFinished:      "client_finished",
	ServerFinished:      "server_finished",
	Active:              "active",
	DeferredDecrypt:     "deferred_decrypt",
	Committed:           "committed",
	Closed:              "closed",
	Errored:             "errored",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("{Phase %d}", int(p))
}
