//
// Copyright (c) 2025 Markku Rossi
//
// All rights reserved.
//

package kex

import (
	"errors"
	"math/big"

	"github.com/markkurossi/mpc/p2p"

	"github.com/markkurossi/mpctls/role"
)

var errInvalidServerPoint = errors.New("kex: server key share is not a valid P-256 point")

// OTRole maps an engine Role onto the SPDZ protocol's Sender/Receiver
// roles: the Leader plays Sender, the Follower plays Receiver.
func OTRole(r role.Role) Role {
	if r == role.Leader {
		return Sender
	}
	return Receiver
}

// DeriveClientKeyShare assembles the client's ECDHE public key point
// from the two parties' additive shares of its private scalar. Each
// party first computes its own partial point locally (scalarShare*G,
// a public-curve scalar multiplication that leaks nothing about the
// other party's share), then the two partial points are combined
// under SPDZ secret sharing and the sum is revealed to both parties,
// since the assembled public point is exactly what the Leader must
// send to the server as the client's key share.
func DeriveClientKeyShare(r role.Role, conn *p2p.Conn, scalarShare *big.Int) (x, y *big.Int, err error) {
	partialX, partialY := curve.ScalarBaseMult(scalarShare.Bytes())

	xShare, yShare, err := P256Add(OTRole(r), conn, partialX, partialY)
	if err != nil {
		return nil, nil, err
	}
	x, y, err = openTwoShares(conn, OTRole(r), NewShare(xShare), NewShare(yShare))
	if err != nil {
		return nil, nil, err
	}
	return modReduce(x), modReduce(y), nil
}

// DerivePremaster computes the ECDHE premaster secret, the x
// coordinate of scalar*serverPoint where scalar is the client's full
// ephemeral private key. Each party multiplies its own scalar share
// into the server's (public) key point locally, then the two partial
// points are combined under SPDZ secret sharing exactly as in
// DeriveClientKeyShare. Unlike the client key share, the premaster is
// revealed to the Leader only: it is the seed for the session keys
// spec section 3 requires stay 2PC shares through the active phase,
// so the Follower must never hold it in the clear. The Follower's
// return value is (nil, nil) on success — it still participates in
// the reveal round trip (openShareToSender needs its share to compute
// the Leader's sum) but never reconstructs the result itself.
func DerivePremaster(r role.Role, conn *p2p.Conn, scalarShare *big.Int, serverX, serverY *big.Int) (*big.Int, error) {
	if !curve.IsOnCurve(serverX, serverY) {
		return nil, errInvalidServerPoint
	}
	partialX, partialY := curve.ScalarMult(serverX, serverY, scalarShare.Bytes())

	xShare, _, err := P256Add(OTRole(r), conn, partialX, partialY)
	if err != nil {
		return nil, err
	}
	x, err := openShareToSender(conn, OTRole(r), NewShare(xShare))
	if err != nil {
		return nil, err
	}
	if x == nil {
		return nil, nil
	}
	return modReduce(x), nil
}
