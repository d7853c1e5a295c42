package network

import (
	"net"
	"testing"
)

func TestIPLimiterConnCap(t *testing.T) {
	lim := newIPLimiter(1, 0)
	if !lim.acquireConn("1.2.3.4") {
		t.Fatalf("expected first conn acquire")
	}
	if lim.acquireConn("1.2.3.4") {
		t.Fatalf("expected conn cap")
	}
	lim.releaseConn("1.2.3.4")
	if !lim.acquireConn("1.2.3.4") {
		t.Fatalf("expected acquire after release")
	}
	if n := lim.openConns("1.2.3.4"); n != 1 {
		t.Fatalf("expected one open conn, got %d", n)
	}
}

func TestIPLimiterStreamCap(t *testing.T) {
	lim := newIPLimiter(0, 2)
	if !lim.acquireStream("1.2.3.4") || !lim.acquireStream("1.2.3.4") {
		t.Fatalf("expected stream acquire")
	}
	if lim.acquireStream("1.2.3.4") {
		t.Fatalf("expected stream cap")
	}
	lim.releaseStream("1.2.3.4")
	if !lim.acquireStream("1.2.3.4") {
		t.Fatalf("expected acquire after release")
	}
}

func TestIPLimiterSeparateIPs(t *testing.T) {
	lim := newIPLimiter(1, 1)
	if !lim.acquireConn("1.2.3.4") || !lim.acquireConn("2.3.4.5") {
		t.Fatalf("caps are per ip")
	}
	if !lim.acquireStream("1.2.3.4") || !lim.acquireStream("2.3.4.5") {
		t.Fatalf("stream caps are per ip")
	}
}

func TestHostOf(t *testing.T) {
	udp := &net.UDPAddr{IP: net.ParseIP("10.0.0.7"), Port: 4242}
	if got := hostOf(udp); got != "10.0.0.7" {
		t.Fatalf("unexpected host %q", got)
	}
	tcp := &net.TCPAddr{IP: net.ParseIP("::1"), Port: 80}
	if got := hostOf(tcp); got != "::1" {
		t.Fatalf("unexpected host %q", got)
	}
	if got := hostOf(nil); got != "" {
		t.Fatalf("expected empty host for nil addr")
	}
}
