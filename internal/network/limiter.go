package network

import (
	"net"
	"sync"
)

// capCounter bounds concurrent holders per remote IP. A max of zero or less
// disables the cap.
type capCounter struct {
	max    int
	counts map[string]int
}

func (c *capCounter) acquire(ip string) bool {
	if c.max <= 0 {
		return true
	}
	if c.counts[ip] >= c.max {
		return false
	}
	c.counts[ip]++
	return true
}

func (c *capCounter) release(ip string) {
	if c.max <= 0 {
		return
	}
	if c.counts[ip] <= 1 {
		delete(c.counts, ip)
		return
	}
	c.counts[ip]--
}

type ipLimiter struct {
	mu      sync.Mutex
	conns   capCounter
	streams capCounter
}

func newIPLimiter(maxConns, maxStreams int) *ipLimiter {
	return &ipLimiter{
		conns:   capCounter{max: maxConns, counts: make(map[string]int)},
		streams: capCounter{max: maxStreams, counts: make(map[string]int)},
	}
}

func (l *ipLimiter) acquireConn(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conns.acquire(ip)
}

func (l *ipLimiter) releaseConn(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conns.release(ip)
}

func (l *ipLimiter) acquireStream(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.streams.acquire(ip)
}

func (l *ipLimiter) releaseStream(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.streams.release(ip)
}

func (l *ipLimiter) openConns(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conns.counts[ip]
}

// hostOf strips the port from a remote address.
func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if udp, ok := addr.(*net.UDPAddr); ok {
		return udp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
