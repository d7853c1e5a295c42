package pprofutil

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCheckBind(t *testing.T) {
	t.Setenv("TGOSSIP_PPROF_ALLOW_PUBLIC", "")
	cases := []struct {
		addr string
		ok   bool
	}{
		{addr: "127.0.0.1:9100", ok: true},
		{addr: "localhost:9100", ok: true},
		{addr: "[::1]:9100", ok: true},
		{addr: "0.0.0.0:9100", ok: false},
		{addr: "10.1.2.3:9100", ok: false},
		{addr: "no-port", ok: false},
	}
	for _, tc := range cases {
		if err := CheckBind(tc.addr); (err == nil) != tc.ok {
			t.Fatalf("CheckBind(%q)=%v want ok=%v", tc.addr, err, tc.ok)
		}
	}
	t.Setenv("TGOSSIP_PPROF_ALLOW_PUBLIC", "1")
	if err := CheckBind("0.0.0.0:9100"); err != nil {
		t.Fatalf("expected public bind to be allowed: %v", err)
	}
}

func TestEnabled(t *testing.T) {
	t.Setenv("TGOSSIP_PPROF", "")
	if Enabled() {
		t.Fatalf("expected disabled by default")
	}
	t.Setenv("TGOSSIP_PPROF", "1")
	if !Enabled() {
		t.Fatalf("expected enabled")
	}
}

func TestRegisterServesIndex(t *testing.T) {
	mux := http.NewServeMux()
	Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}
