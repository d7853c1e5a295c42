package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"trustgossip/internal/gossip"
	"trustgossip/internal/peer"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "TGOSSIP_") {
			t.Setenv(key, "")
		}
	}
	t.Setenv("TGOSSIP_HOME", t.TempDir())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, gossip.DefaultMaxPostAge, cfg.MaxPostAge)
	require.Equal(t, peer.DefaultMaxMessages, cfg.RateLimit.MaxMessages)
	require.True(t, cfg.RequireSignatures)
	require.False(t, cfg.AllowLegacyPostSignatures)
	require.Equal(t, 1, cfg.Attestation.Threshold)
}

func TestLoadYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), FileName)
	body := `
direct_trust: [aa, bb]
max_hops: 2
max_post_age: 48h
max_clock_skew: 30s
rate_limit:
  max_messages: 10
  window: 10s
  ban_duration: 1m
attestation:
  witnesses: [cc]
  threshold: 2
network:
  listen: 127.0.0.1:9000
  peers: [127.0.0.1:9001]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []string{"aa", "bb"}, cfg.DirectTrust)
	require.Equal(t, 2, cfg.MaxHops)
	require.Equal(t, 48*time.Hour, cfg.MaxPostAge)
	require.Equal(t, 30*time.Second, cfg.MaxClockSkew)
	require.Equal(t, 10, cfg.RateLimit.MaxMessages)
	require.Equal(t, time.Minute, cfg.RateLimit.BanDuration)
	require.Equal(t, 2, cfg.Attestation.Threshold)
	require.Equal(t, "127.0.0.1:9000", cfg.Network.Listen)
	require.Equal(t, []string{"127.0.0.1:9001"}, cfg.Network.Peers)
	require.Equal(t, 64, cfg.Network.MaxConnsPerIP)

	gc := cfg.GossipConfig()
	require.Equal(t, 2, gc.MaxHops)
	require.Equal(t, 10, gc.RateLimit.MaxMessages)
	require.Equal(t, 10*time.Second, gc.RateLimit.Window)
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("TGOSSIP_MAX_HOPS", "4")
	t.Setenv("TGOSSIP_DIRECT_TRUST", "aa, bb ,")
	t.Setenv("TGOSSIP_ALLOW_LEGACY_POST_SIGNATURES", "true")
	t.Setenv("TGOSSIP_MAX_POST_AGE", "1h")
	t.Setenv("TGOSSIP_RATE_MAX_MESSAGES", "junk")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 4, cfg.MaxHops)
	require.Equal(t, []string{"aa", "bb"}, cfg.DirectTrust)
	require.True(t, cfg.AllowLegacyPostSignatures)
	require.Equal(t, time.Hour, cfg.MaxPostAge)
	require.Equal(t, peer.DefaultMaxMessages, cfg.RateLimit.MaxMessages)
}

func TestValidateRejectsUnreachableThreshold(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("attestation:\n  threshold: 3\n"), 0600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("max_hops: [nope"), 0600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	clearEnv(t)
	cfg := Default()
	cfg.DirectTrust = []string{"aa"}
	cfg.MaxPostAge = 2 * time.Hour
	path := filepath.Join(t.TempDir(), "sub", FileName)
	require.NoError(t, cfg.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.DirectTrust, got.DirectTrust)
	require.Equal(t, cfg.MaxPostAge, got.MaxPostAge)
}
