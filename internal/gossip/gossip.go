// Package gossip is the trust-gated propagation core. An Engine admits posts,
// trust signals, direct messages and CRDT state traffic from peers only when
// the local trust graph allows it, stores what it accepts and floods it on to
// the other connected peers.
package gossip

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"trustgossip/internal/crypto"
	"trustgossip/internal/metrics"
	"trustgossip/internal/node"
	"trustgossip/internal/peer"
	"trustgossip/internal/proto"
	"trustgossip/internal/trust"
)

const (
	DefaultMaxPostAge        = 7 * 24 * time.Hour
	DefaultMaxClockSkew      = 5 * time.Minute
	DefaultPruneInterval     = time.Minute
	DefaultMaxPosts          = 10000
	DefaultMaxTrustSignals   = 10000
	DefaultMaxEncryptedTrust = 10000
	DefaultMaxSlides         = 5000
	DefaultMaxPeerStates     = 4096
	DefaultStateRequestTTL   = time.Minute
	DefaultMaxStateRequests  = 4096
	DefaultSendTimeout       = 5 * time.Second
)

var (
	ErrClosed       = errors.New("gossip engine closed")
	ErrInvalidLocal = errors.New("invalid local message")
)

// Attestor is the external timestamping service.
type Attestor interface {
	Timestamp(ctx context.Context, hash string) (proto.Attestation, error)
	Verify(ctx context.Context, att proto.Attestation) (bool, error)
}

// TokenVerifier checks anonymous authorship tokens.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token []byte) (bool, error)
}

// PeerConnection is one connected peer as seen by the engine.
type PeerConnection interface {
	ID() string
	// PublicKey may be empty when the transport does not know it.
	PublicKey() string
	Send(ctx context.Context, env proto.SignedEnvelope) error
	IsConnected() bool
}

// MessageSource is implemented by connections that deliver inbound messages.
// AddPeer registers a handler that routes them into OnReceive.
type MessageSource interface {
	SetMessageHandler(func(ctx context.Context, env proto.SignedEnvelope))
}

type Disconnecter interface {
	Disconnect() error
}

// Decrypter opens the trustee of encrypted trust signals addressed to us.
type Decrypter interface {
	SelfPublicKey() string
	DecryptTrustee(proto.EncryptedTrustSignal) (string, error)
}

type ReceiveHandler func(msg proto.Message, from string)

type StateSyncHandler func(publicKey string, version int64, state []byte)

// StateRequestHandler returns the blob to answer with, or nil for nothing.
type StateRequestHandler func(publicKey string, sinceVersion int64) ([]byte, error)

type Config struct {
	// Self defaults to the Identity public key.
	Self        string
	DirectTrust []string
	MaxHops     int

	MaxPostAge    time.Duration
	MaxClockSkew  time.Duration
	PruneInterval time.Duration
	SendTimeout   time.Duration

	MaxPosts          int
	MaxTrustSignals   int
	MaxEncryptedTrust int
	MaxSlides         int
	MaxPeerStates     int
	MaxStateRequests  int
	StateRequestTTL   time.Duration

	// AllowLegacyPostSignatures accepts posts whose signature covers only
	// the raw content.
	AllowLegacyPostSignatures bool

	RequireSignatures bool
	SignatureExpiry   time.Duration
	MaxSeenMessages   int
	RateLimit         peer.RateLimitConfig

	Identity      *node.Identity
	Scheme        crypto.SignatureScheme
	Attestor      Attestor
	TokenVerifier TokenVerifier
	// Decrypter defaults to Identity.
	Decrypter Decrypter
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	Now       func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Self == "" && c.Identity != nil {
		c.Self = c.Identity.PublicKey()
	}
	if c.MaxHops <= 0 {
		c.MaxHops = trust.DefaultMaxHops
	}
	if c.MaxPostAge <= 0 {
		c.MaxPostAge = DefaultMaxPostAge
	}
	if c.MaxClockSkew <= 0 {
		c.MaxClockSkew = DefaultMaxClockSkew
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = DefaultPruneInterval
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.MaxPosts <= 0 {
		c.MaxPosts = DefaultMaxPosts
	}
	if c.MaxTrustSignals <= 0 {
		c.MaxTrustSignals = DefaultMaxTrustSignals
	}
	if c.MaxEncryptedTrust <= 0 {
		c.MaxEncryptedTrust = DefaultMaxEncryptedTrust
	}
	if c.MaxSlides <= 0 {
		c.MaxSlides = DefaultMaxSlides
	}
	if c.MaxPeerStates <= 0 {
		c.MaxPeerStates = DefaultMaxPeerStates
	}
	if c.MaxStateRequests <= 0 {
		c.MaxStateRequests = DefaultMaxStateRequests
	}
	if c.StateRequestTTL <= 0 {
		c.StateRequestTTL = DefaultStateRequestTTL
	}
	if c.Scheme == nil {
		c.Scheme = crypto.Ed25519{}
	}
	if c.Decrypter == nil && c.Identity != nil {
		c.Decrypter = c.Identity
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.RateLimit.Now == nil {
		c.RateLimit.Now = c.Now
	}
}

type PostRecord struct {
	Post      proto.PostPackage
	FirstSeen time.Time
	// HopDistance is the author's distance at acceptance time.
	HopDistance int
}

type TrustRecord struct {
	Signal    proto.TrustSignal
	FirstSeen time.Time
}

type EncryptedTrustRecord struct {
	Signal           proto.EncryptedTrustSignal
	FirstSeen        time.Time
	DecryptedTrustee string
}

type SlideRecord struct {
	Slide     proto.SlidePackage
	FirstSeen time.Time
}

type Stats struct {
	Posts            int            `json:"posts"`
	TrustSignals     int            `json:"trust_signals"`
	EncryptedTrust   int            `json:"encrypted_trust"`
	Slides           int            `json:"slides"`
	PeerStates       int            `json:"peer_states"`
	Peers            int            `json:"peers"`
	ConnectedPeers   int            `json:"connected_peers"`
	TrustEdges       int            `json:"trust_edges"`
	DirectTrust      int            `json:"direct_trust"`
	ReachableKeys    int            `json:"reachable_keys"`
	SeenEnvelopes    int            `json:"seen_envelopes"`
	RateLimit        peer.RateStats `json:"rate_limit"`
	PendingRequests  int            `json:"pending_requests"`
	AppliedEncrypted int            `json:"applied_encrypted"`
}
