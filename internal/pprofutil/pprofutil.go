// Package pprofutil mounts net/http/pprof on the node's metrics server when
// TGOSSIP_PPROF=1.
package pprofutil

import (
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
)

func Enabled() bool {
	return strings.TrimSpace(os.Getenv("TGOSSIP_PPROF")) == "1"
}

// CheckBind refuses to expose profiles on a non-loopback address unless
// TGOSSIP_PPROF_ALLOW_PUBLIC=1.
func CheckBind(addr string) error {
	if strings.TrimSpace(os.Getenv("TGOSSIP_PPROF_ALLOW_PUBLIC")) == "1" || isLoopbackBind(addr) {
		return nil
	}
	return fmt.Errorf("pprof requires a loopback metrics address unless TGOSSIP_PPROF_ALLOW_PUBLIC=1: %s", addr)
}

// Register mounts the profiling handlers under /debug/pprof/.
func Register(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
