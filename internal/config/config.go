// Package config loads node settings from a YAML file and TGOSSIP_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"trustgossip/internal/gossip"
	"trustgossip/internal/node"
	"trustgossip/internal/peer"
	"trustgossip/internal/trust"
)

const FileName = "config.yaml"

type RateLimit struct {
	MaxMessages int           `yaml:"max_messages"`
	Window      time.Duration `yaml:"window"`
	BanDuration time.Duration `yaml:"ban_duration"`
}

type Attestation struct {
	// Witnesses are hex public keys whose attestations are accepted in
	// addition to the node's own key.
	Witnesses []string `yaml:"witnesses"`
	Threshold int      `yaml:"threshold"`
}

type Network struct {
	Listen          string   `yaml:"listen"`
	Peers           []string `yaml:"peers"`
	MaxConnsPerIP   int      `yaml:"max_conns_per_ip"`
	MaxStreamsPerIP int      `yaml:"max_streams_per_ip"`
	Insecure        bool     `yaml:"insecure"`
	CAPath          string   `yaml:"ca_path"`
}

type Config struct {
	Home        string   `yaml:"home"`
	DirectTrust []string `yaml:"direct_trust"`
	MaxHops     int      `yaml:"max_hops"`

	MaxPostAge   time.Duration `yaml:"max_post_age"`
	MaxClockSkew time.Duration `yaml:"max_clock_skew"`

	RequireSignatures         bool          `yaml:"require_signatures"`
	AllowLegacyPostSignatures bool          `yaml:"allow_legacy_post_signatures"`
	SignatureExpiry           time.Duration `yaml:"signature_expiry"`
	MaxSeenMessages           int           `yaml:"max_seen_messages"`

	RateLimit   RateLimit   `yaml:"rate_limit"`
	Attestation Attestation `yaml:"attestation"`
	Network     Network     `yaml:"network"`

	// StateDir holds the badger state store; empty means <home>/state.
	StateDir         string        `yaml:"state_dir"`
	MetricsAddr      string        `yaml:"metrics_addr"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

func Default() Config {
	return Config{
		Home:                      DefaultHome(),
		MaxHops:                   trust.DefaultMaxHops,
		MaxPostAge:                gossip.DefaultMaxPostAge,
		MaxClockSkew:              gossip.DefaultMaxClockSkew,
		RequireSignatures:         true,
		SignatureExpiry:           node.DefaultSignatureExpiry,
		MaxSeenMessages:           node.DefaultMaxSeenMessages,
		AllowLegacyPostSignatures: false,
		RateLimit: RateLimit{
			MaxMessages: peer.DefaultMaxMessages,
			Window:      peer.DefaultRateWindow,
			BanDuration: peer.DefaultBanDuration,
		},
		Attestation: Attestation{Threshold: 1},
		Network: Network{
			Listen:          "0.0.0.0:4242",
			MaxConnsPerIP:   64,
			MaxStreamsPerIP: 256,
		},
		SnapshotInterval: 10 * time.Second,
	}
}

func DefaultHome() string {
	if h := strings.TrimSpace(os.Getenv("TGOSSIP_HOME")); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".trustgossip"
	}
	return filepath.Join(home, ".trustgossip")
}

// Load reads path over the defaults and then applies environment overrides.
// A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
		default:
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Home == "" {
		return errors.New("home is required")
	}
	if c.MaxHops < 1 {
		return fmt.Errorf("max_hops must be positive, got %d", c.MaxHops)
	}
	if c.Attestation.Threshold < 1 {
		return fmt.Errorf("attestation threshold must be positive, got %d", c.Attestation.Threshold)
	}
	if c.Attestation.Threshold > len(c.Attestation.Witnesses)+1 {
		return fmt.Errorf("attestation threshold %d exceeds %d witnesses", c.Attestation.Threshold, len(c.Attestation.Witnesses)+1)
	}
	if c.RateLimit.MaxMessages < 0 {
		return errors.New("rate_limit.max_messages must not be negative")
	}
	return nil
}

// Save writes c as YAML.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func (c Config) RateLimitConfig() peer.RateLimitConfig {
	return peer.RateLimitConfig{
		MaxMessages: c.RateLimit.MaxMessages,
		Window:      c.RateLimit.Window,
		BanDuration: c.RateLimit.BanDuration,
	}
}

// GossipConfig fills the engine settings owned by this file. Identity and
// collaborators are attached by the caller.
func (c Config) GossipConfig() gossip.Config {
	return gossip.Config{
		DirectTrust:               append([]string(nil), c.DirectTrust...),
		MaxHops:                   c.MaxHops,
		MaxPostAge:                c.MaxPostAge,
		MaxClockSkew:              c.MaxClockSkew,
		AllowLegacyPostSignatures: c.AllowLegacyPostSignatures,
		RequireSignatures:         c.RequireSignatures,
		SignatureExpiry:           c.SignatureExpiry,
		MaxSeenMessages:           c.MaxSeenMessages,
		RateLimit:                 c.RateLimitConfig(),
	}
}

func applyEnv(c *Config) {
	if v := strings.TrimSpace(os.Getenv("TGOSSIP_HOME")); v != "" {
		c.Home = v
	}
	if v := strings.TrimSpace(os.Getenv("TGOSSIP_LISTEN")); v != "" {
		c.Network.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv("TGOSSIP_PEERS")); v != "" {
		c.Network.Peers = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv("TGOSSIP_DIRECT_TRUST")); v != "" {
		c.DirectTrust = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv("TGOSSIP_STATE_DIR")); v != "" {
		c.StateDir = v
	}
	if v := strings.TrimSpace(os.Getenv("TGOSSIP_METRICS_ADDR")); v != "" {
		c.MetricsAddr = v
	}
	if n, ok := envInt("TGOSSIP_MAX_HOPS"); ok && n > 0 {
		c.MaxHops = n
	}
	if n, ok := envInt("TGOSSIP_RATE_MAX_MESSAGES"); ok && n >= 0 {
		c.RateLimit.MaxMessages = n
	}
	if n, ok := envInt("TGOSSIP_MAX_CONNS_PER_IP"); ok && n >= 0 {
		c.Network.MaxConnsPerIP = n
	}
	if n, ok := envInt("TGOSSIP_MAX_STREAMS_PER_IP"); ok && n >= 0 {
		c.Network.MaxStreamsPerIP = n
	}
	if n, ok := envInt("TGOSSIP_ATTEST_THRESHOLD"); ok && n > 0 {
		c.Attestation.Threshold = n
	}
	if d, ok := envDuration("TGOSSIP_MAX_POST_AGE"); ok {
		c.MaxPostAge = d
	}
	if d, ok := envDuration("TGOSSIP_MAX_CLOCK_SKEW"); ok {
		c.MaxClockSkew = d
	}
	if b, ok := envBool("TGOSSIP_REQUIRE_SIGNATURES"); ok {
		c.RequireSignatures = b
	}
	if b, ok := envBool("TGOSSIP_ALLOW_LEGACY_POST_SIGNATURES"); ok {
		c.AllowLegacyPostSignatures = b
	}
	if b, ok := envBool("TGOSSIP_INSECURE"); ok {
		c.Network.Insecure = b
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(key string) (time.Duration, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

func envBool(key string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return false, false
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return b, true
}
