package daemon

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"trustgossip/internal/debuglog"
	"trustgossip/internal/network"
)

const (
	backoffBase   = 2 * time.Second
	backoffJitter = 1 * time.Second
	maxBackoff    = 5 * time.Minute
	dialTimeout   = 10 * time.Second
)

var dialTick = 5 * time.Second

type connDialer interface {
	Dial(ctx context.Context, addr string) (*network.Conn, error)
}

// dialer keeps one outbound connection to each configured address, retrying
// failed addresses with jittered exponential backoff.
type dialer struct {
	tr    connDialer
	addrs []string
	now   func() time.Time

	mu       sync.Mutex
	rng      *rand.Rand
	conns    map[string]*network.Conn
	failures map[string]int
	nextTry  map[string]time.Time
}

func newDialer(tr connDialer, addrs []string) *dialer {
	return &dialer{
		tr:       tr,
		addrs:    append([]string(nil), addrs...),
		now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		conns:    make(map[string]*network.Conn),
		failures: make(map[string]int),
		nextTry:  make(map[string]time.Time),
	}
}

func (d *dialer) run(ctx context.Context) {
	if len(d.addrs) == 0 {
		return
	}
	d.tick(ctx)
	ticker := time.NewTicker(dialTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *dialer) tick(ctx context.Context) {
	for _, addr := range d.due() {
		dctx, cancel := context.WithTimeout(ctx, dialTimeout)
		conn, err := d.tr.Dial(dctx, addr)
		cancel()
		d.record(addr, conn, err)
		if err != nil {
			debuglog.RateLimitedf("dial:"+addr, time.Minute, "daemon: dial %s: %v", addr, err)
		}
	}
}

// due lists addresses without a live connection whose backoff has expired.
func (d *dialer) due() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	var out []string
	for _, addr := range d.addrs {
		if c := d.conns[addr]; c != nil && c.IsConnected() {
			continue
		}
		if next, ok := d.nextTry[addr]; ok && now.Before(next) {
			continue
		}
		out = append(out, addr)
	}
	return out
}

func (d *dialer) record(addr string, conn *network.Conn, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.failures[addr]++
		d.nextTry[addr] = d.now().Add(d.backoffLocked(d.failures[addr]))
		delete(d.conns, addr)
		return
	}
	d.conns[addr] = conn
	delete(d.failures, addr)
	delete(d.nextTry, addr)
}

func (d *dialer) backoffLocked(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	wait := backoffBase
	for i := 1; i < failures && wait < maxBackoff; i++ {
		wait *= 2
	}
	if wait > maxBackoff {
		wait = maxBackoff
	}
	return wait + time.Duration(d.rng.Int63n(int64(backoffJitter)))
}
