//
// Copyright (c) 2025 Markku Rossi
//
// All rights reserved.
//

package role

// PolicyKind selects how the server's public key is validated.
type PolicyKind int

// Server public key policies.
const (
	// PolicyAny accepts any server public key presented in the
	// certificate chain; validation is left to the caller.
	PolicyAny PolicyKind = iota
	// PolicyPinned requires the server's SPKI to match a pinned value.
	PolicyPinned
)

// ServerPublicKeyPolicy is the CommonConfig option controlling server
// certificate pinning.
type ServerPublicKeyPolicy struct {
	Kind PolicyKind
	// SPKI holds the pinned SubjectPublicKeyInfo DER bytes. Only
	// meaningful when Kind == PolicyPinned.
	SPKI []byte
}

// AnyServerPublicKey accepts any server public key.
func AnyServerPublicKey() ServerPublicKeyPolicy {
	return ServerPublicKeyPolicy{Kind: PolicyAny}
}

// PinnedServerPublicKey pins the server's SPKI to spki.
func PinnedServerPublicKey(spki []byte) ServerPublicKeyPolicy {
	return ServerPublicKeyPolicy{Kind: PolicyPinned, SPKI: spki}
}

// CommonConfig is the enumerated option set shared by the Leader and
// Follower (spec section 3).
type CommonConfig struct {
	MaxSentBytes uint32
	MaxRecvBytes uint32

	// DeferDecryptionFromStart starts the connection already in
	// DeferredDecrypt instead of Active. Both the Leader and the
	// Follower read it in PrepareEncryption; the Follower does not
	// learn the Leader's value over the wire.
	DeferDecryptionFromStart bool

	ServerPublicKeyPolicy ServerPublicKeyPolicy
}

// Option configures a CommonConfig.
type Option func(*CommonConfig)

// WithMaxSentBytes caps the cumulative plaintext bytes sent.
func WithMaxSentBytes(n uint32) Option {
	return func(c *CommonConfig) { c.MaxSentBytes = n }
}

// WithMaxRecvBytes caps the cumulative plaintext bytes received.
func WithMaxRecvBytes(n uint32) Option {
	return func(c *CommonConfig) { c.MaxRecvBytes = n }
}

// WithDeferDecryptionFromStart starts the session in DeferredDecrypt.
func WithDeferDecryptionFromStart(defer_ bool) Option {
	return func(c *CommonConfig) { c.DeferDecryptionFromStart = defer_ }
}

// WithServerPublicKeyPolicy sets the server certificate pinning policy.
func WithServerPublicKeyPolicy(p ServerPublicKeyPolicy) Option {
	return func(c *CommonConfig) { c.ServerPublicKeyPolicy = p }
}

// defaultMaxBytes is a generous default chosen so unit tests and small
// demos do not need to think about the byte budget unless they want
// to exercise it.
const defaultMaxBytes = 1 << 24

// NewCommonConfig builds a CommonConfig from options, defaulting both
// byte budgets to 16MiB and the server key policy to PolicyAny.
func NewCommonConfig(opts ...Option) CommonConfig {
	c := CommonConfig{
		MaxSentBytes:          defaultMaxBytes,
		MaxRecvBytes:          defaultMaxBytes,
		ServerPublicKeyPolicy: AnyServerPublicKey(),
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
