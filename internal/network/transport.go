// Package network carries signed gossip envelopes over QUIC. Every envelope
// travels on its own stream as one length-prefixed frame.
package network

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"trustgossip/internal/debuglog"
	"trustgossip/internal/metrics"
)

const (
	defaultMaxConnsPerIP   = 64
	defaultMaxStreamsPerIP = 256
	defaultIdleTimeout     = 60 * time.Second
	defaultStreamTimeout   = 10 * time.Second
)

var ErrTransportClosed = errors.New("transport closed")

// Receiver consumes raw frames. gossip.Engine satisfies it through
// HandleRawFrom, which rate limits limitKey before decoding.
type Receiver interface {
	HandleRawFrom(ctx context.Context, data []byte, peerID, limitKey string)
}

type Options struct {
	MaxConnsPerIP   int
	MaxStreamsPerIP int
	IdleTimeout     time.Duration
	StreamTimeout   time.Duration
	// Insecure skips server certificate verification when dialing.
	Insecure bool
	// CAPath pins a PEM root instead of the built-in dev certificate.
	CAPath  string
	Metrics *metrics.Metrics
	Logger  *zap.Logger

	// OnConnect and OnDisconnect observe connection lifecycle. Both run on
	// transport goroutines.
	OnConnect    func(*Conn)
	OnDisconnect func(*Conn)
}

func (o *Options) applyDefaults() {
	if o.MaxConnsPerIP == 0 {
		o.MaxConnsPerIP = defaultMaxConnsPerIP
	}
	if o.MaxStreamsPerIP == 0 {
		o.MaxStreamsPerIP = defaultMaxStreamsPerIP
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	if o.StreamTimeout <= 0 {
		o.StreamTimeout = defaultStreamTimeout
	}
	if o.Logger == nil {
		o.Logger = debuglog.L()
	}
}

type Transport struct {
	opts     Options
	receiver Receiver
	limiter  *ipLimiter
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	conns    map[string]*Conn
	listener *quic.Listener
	closed   bool
	wg       sync.WaitGroup
}

func NewTransport(recv Receiver, opts Options) *Transport {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		opts:     opts,
		receiver: recv,
		limiter:  newIPLimiter(opts.MaxConnsPerIP, opts.MaxStreamsPerIP),
		log:      opts.Logger.Named("network"),
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[string]*Conn),
	}
}

func (t *Transport) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  t.opts.IdleTimeout,
		KeepAlivePeriod: t.opts.IdleTimeout / 3,
	}
}

// Listen binds addr and accepts connections until Close. It returns the
// bound address, which differs from addr when the port is 0.
func (t *Transport) Listen(addr string) (net.Addr, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, t.quicConfig())
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = ln.Close()
		return nil, ErrTransportClosed
	}
	t.listener = ln
	t.mu.Unlock()

	t.wg.Add(1)
	go t.acceptLoop(ln)
	t.log.Info("quic listening", zap.String("addr", ln.Addr().String()))
	return ln.Addr(), nil
}

func (t *Transport) acceptLoop(ln *quic.Listener) {
	defer t.wg.Done()
	for {
		qc, err := ln.Accept(t.ctx)
		if err != nil {
			if t.ctx.Err() == nil {
				t.log.Debug("accept failed", zap.Error(err))
			}
			return
		}
		ip := hostOf(qc.RemoteAddr())
		if !t.limiter.acquireConn(ip) {
			debuglog.RateLimitedf("conn-cap:"+ip, time.Minute, "network: connection cap reached for %s", ip)
			_ = qc.CloseWithError(1, "too many connections")
			continue
		}
		t.adopt(qc, ip)
	}
}

// Dial connects to addr. The returned Conn is already serving inbound
// streams and has been announced through OnConnect.
func (t *Transport) Dial(ctx context.Context, addr string) (*Conn, error) {
	tlsConf, err := clientTLSConfig(t.opts.Insecure, t.opts.CAPath)
	if err != nil {
		return nil, err
	}
	qc, err := quic.DialAddr(ctx, addr, tlsConf, t.quicConfig())
	if err != nil {
		return nil, err
	}
	ip := hostOf(qc.RemoteAddr())
	if !t.limiter.acquireConn(ip) {
		_ = qc.CloseWithError(1, "too many connections")
		return nil, errors.New("connection cap reached for " + ip)
	}
	c := t.adopt(qc, ip)
	if c == nil {
		return nil, ErrTransportClosed
	}
	return c, nil
}

func (t *Transport) adopt(qc *quic.Conn, ip string) *Conn {
	c := &Conn{
		id:        qc.RemoteAddr().String(),
		ip:        ip,
		qc:        qc,
		transport: t,
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.limiter.releaseConn(ip)
		_ = qc.CloseWithError(0, "shutting down")
		return nil
	}
	t.conns[c.id] = c
	t.wg.Add(1)
	t.mu.Unlock()

	t.opts.Metrics.IncCurrentConns()
	t.log.Debug("connection established", zap.String("peer", c.id))
	if t.opts.OnConnect != nil {
		t.opts.OnConnect(c)
	}
	go func() {
		defer t.wg.Done()
		c.serve(t.ctx)
		t.forget(c)
	}()
	return c
}

func (t *Transport) forget(c *Conn) {
	t.mu.Lock()
	if cur, ok := t.conns[c.id]; ok && cur == c {
		delete(t.conns, c.id)
	}
	t.mu.Unlock()
	t.limiter.releaseConn(c.ip)
	t.opts.Metrics.DecCurrentConns()
	t.log.Debug("connection closed", zap.String("peer", c.id))
	if t.opts.OnDisconnect != nil {
		t.opts.OnDisconnect(c)
	}
}

func (t *Transport) Conns() []*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	return out
}

// Close stops accepting, closes every connection and waits for the serving
// goroutines to exit.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ln := t.listener
	conns := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	t.cancel()
	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range conns {
		_ = c.Disconnect()
	}
	t.wg.Wait()
	return err
}
