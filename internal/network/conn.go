package network

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"trustgossip/internal/proto"
)

// Conn is one QUIC connection to a remote peer. It satisfies
// gossip.PeerConnection and gossip.Disconnecter.
type Conn struct {
	id        string
	ip        string
	qc        *quic.Conn
	transport *Transport

	mu     sync.RWMutex
	pubKey string
}

func (c *Conn) ID() string { return c.id }

// PublicKey is empty until the embedding application learns the remote
// signer key and records it with SetPublicKey.
func (c *Conn) PublicKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pubKey
}

func (c *Conn) SetPublicKey(pub string) {
	c.mu.Lock()
	c.pubKey = pub
	c.mu.Unlock()
}

func (c *Conn) IsConnected() bool {
	return c.qc.Context().Err() == nil
}

// Send writes env as a single frame on a fresh stream.
func (c *Conn) Send(ctx context.Context, env proto.SignedEnvelope) error {
	data, err := proto.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	return c.SendRaw(ctx, data)
}

func (c *Conn) SendRaw(ctx context.Context, data []byte) error {
	if !c.IsConnected() {
		return errors.New("connection closed")
	}
	stream, err := c.qc.OpenStreamSync(ctx)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(c.transport.opts.StreamTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = stream.SetWriteDeadline(deadline)
	if err := proto.WriteFrame(stream, data); err != nil {
		stream.CancelWrite(0)
		return err
	}
	return stream.Close()
}

func (c *Conn) Disconnect() error {
	return c.qc.CloseWithError(0, "bye")
}

func (c *Conn) serve(ctx context.Context) {
	for {
		stream, err := c.qc.AcceptStream(ctx)
		if err != nil {
			return
		}
		if !c.transport.limiter.acquireStream(c.ip) {
			stream.CancelRead(1)
			stream.CancelWrite(1)
			continue
		}
		go c.readStream(ctx, stream)
	}
}

func (c *Conn) readStream(ctx context.Context, stream *quic.Stream) {
	defer c.transport.limiter.releaseStream(c.ip)
	defer stream.Close()
	_ = stream.SetReadDeadline(time.Now().Add(c.transport.opts.StreamTimeout))
	data, kind, err := proto.ReadFrameWithKindCap(stream)
	if err != nil {
		c.transport.log.Debug("frame read failed", zap.String("peer", c.id), zap.Error(err))
		stream.CancelRead(1)
		return
	}
	if kind != "" && !confirmKind(data, kind) {
		c.transport.log.Debug("frame kind mismatch", zap.String("peer", c.id), zap.String("kind", string(kind)))
		return
	}
	if c.transport.receiver != nil {
		c.transport.receiver.HandleRawFrom(ctx, data, c.id, c.ip)
	}
}

// confirmKind rejects large frames whose header claimed a kind with a bigger
// cap than the message they carry.
func confirmKind(data []byte, kind proto.Kind) bool {
	env, err := proto.DecodeEnvelope(data)
	return err == nil && env.Message.Type == kind
}
