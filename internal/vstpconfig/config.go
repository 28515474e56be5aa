// Package vstpconfig loads VSTP daemon configuration from a YAML file with
// environment-variable overrides, following the load-then-override-then-
// default pipeline used throughout the codebase.
package vstpconfig

import (
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config is the full VSTP daemon configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Stream      StreamConfig      `yaml:"stream"`
	Datagram    DatagramConfig    `yaml:"datagram"`
	Fragment    FragmentConfig    `yaml:"fragment"`
	Resilience  ResilienceConfig  `yaml:"resilience"`
	Identity    IdentityConfig    `yaml:"identity"`
	Admin       AdminConfig       `yaml:"admin"`
}

// ServerConfig holds process-wide listen/environment settings.
type ServerConfig struct {
	Env               string `yaml:"env"`
	StreamAddr        string `yaml:"stream_addr"`
	DatagramAddr      string `yaml:"datagram_addr"`
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
}

// StreamConfig tunes the HELLO/WELCOME/DATA/PING-PONG/BYE transport.
type StreamConfig struct {
	MaxFrameSizeBytes     int `yaml:"max_frame_size_bytes"`
	PingIntervalSec       int `yaml:"ping_interval_sec"`
	IdleTimeoutSec        int `yaml:"idle_timeout_sec"`
	HandshakeTimeoutSec   int `yaml:"handshake_timeout_sec"`
	MaxSessions           int `yaml:"max_sessions"`
	SessionCleanupSec     int `yaml:"session_cleanup_sec"`
	WebSocketEnabled      bool `yaml:"websocket_enabled"`
	AllowedOrigins        string `yaml:"allowed_origins"`
}

// DatagramConfig tunes the reliable-datagram layer.
type DatagramConfig struct {
	MaxRetries           int     `yaml:"max_retries"`
	InitialRetryDelayMs  int     `yaml:"initial_retry_delay_ms"`
	MaxRetryDelayMs      int     `yaml:"max_retry_delay_ms"`
	AckTimeoutMs         int     `yaml:"ack_timeout_ms"`
	UseCRC               bool    `yaml:"use_crc"`
	AllowFrag            bool    `yaml:"allow_frag"`
	DedupCapacity        int     `yaml:"dedup_capacity"`
	DedupTTLSec          int     `yaml:"dedup_ttl_sec"`
}

// FragmentConfig tunes the reassembly engine.
type FragmentConfig struct {
	DatagramBudgetBytes     int `yaml:"datagram_budget_bytes"`
	MaxSessions             int `yaml:"max_sessions"`
	ReassemblyTimeoutSec    int `yaml:"reassembly_timeout_sec"`
}

// ResilienceConfig tunes the per-peer circuit breakers.
type ResilienceConfig struct {
	MaxRequests      int     `yaml:"max_requests"`
	IntervalSec      int     `yaml:"interval_sec"`
	TimeoutSec       int     `yaml:"timeout_sec"`
	FailureThreshold float64 `yaml:"failure_threshold"`
}

// IdentityConfig selects and configures peer-identity sourcing.
type IdentityConfig struct {
	Mode            string `yaml:"mode"` // "none", "static", or "spiffe"
	CertFile        string `yaml:"cert_file"`
	KeyFile         string `yaml:"key_file"`
	CAFile          string `yaml:"ca_file"`
	SPIFFESocket    string `yaml:"spiffe_socket"`
	TrustDomain     string `yaml:"trust_domain"`
}

// AdminConfig tunes the admin HTTP surface.
type AdminConfig struct {
	Addr    string `yaml:"addr"`
	Enabled bool   `yaml:"enabled"`
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton, loading it from CONFIG_PATH (or
// "config.yaml") on first call.
func Get() *Config {
	once.Do(func() {
		_ = godotenv.Load()
		cfg, err := Load(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		cfg.applyDefaults()
		instance = cfg
	})
	return instance
}

// Load reads and parses a YAML config file. A missing or unparsable file
// returns the error together with an empty Config; Get then continues with
// env overrides and defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return &Config{}, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return &Config{}, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.Env = getEnv("VSTP_ENV", c.Server.Env)
	c.Server.StreamAddr = getEnv("VSTP_STREAM_ADDR", c.Server.StreamAddr)
	c.Server.DatagramAddr = getEnv("VSTP_DATAGRAM_ADDR", c.Server.DatagramAddr)
	if v := getEnvInt("VSTP_SHUTDOWN_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ShutdownTimeoutSec = v
	}

	if v := getEnvInt("VSTP_MAX_FRAME_SIZE_BYTES", 0); v > 0 {
		c.Stream.MaxFrameSizeBytes = v
	}
	if v := getEnvInt("VSTP_PING_INTERVAL_SEC", 0); v > 0 {
		c.Stream.PingIntervalSec = v
	}
	if v := getEnvInt("VSTP_IDLE_TIMEOUT_SEC", 0); v > 0 {
		c.Stream.IdleTimeoutSec = v
	}
	if v := getEnvInt("VSTP_MAX_SESSIONS", 0); v > 0 {
		c.Stream.MaxSessions = v
	}
	c.Stream.WebSocketEnabled = getEnvBool("VSTP_WEBSOCKET_ENABLED", c.Stream.WebSocketEnabled)
	c.Stream.AllowedOrigins = getEnv("VSTP_ALLOWED_ORIGINS", c.Stream.AllowedOrigins)

	if v := getEnvInt("VSTP_MAX_RETRIES", 0); v > 0 {
		c.Datagram.MaxRetries = v
	}
	if v := getEnvInt("VSTP_INITIAL_RETRY_DELAY_MS", 0); v > 0 {
		c.Datagram.InitialRetryDelayMs = v
	}
	if v := getEnvInt("VSTP_MAX_RETRY_DELAY_MS", 0); v > 0 {
		c.Datagram.MaxRetryDelayMs = v
	}
	if v := getEnvInt("VSTP_ACK_TIMEOUT_MS", 0); v > 0 {
		c.Datagram.AckTimeoutMs = v
	}
	c.Datagram.UseCRC = getEnvBool("VSTP_USE_CRC", c.Datagram.UseCRC)
	c.Datagram.AllowFrag = getEnvBool("VSTP_ALLOW_FRAG", c.Datagram.AllowFrag)

	if v := getEnvInt("VSTP_FRAGMENT_DATAGRAM_BUDGET_BYTES", 0); v > 0 {
		c.Fragment.DatagramBudgetBytes = v
	}
	if v := getEnvInt("VSTP_FRAGMENT_MAX_SESSIONS", 0); v > 0 {
		c.Fragment.MaxSessions = v
	}
	if v := getEnvInt("VSTP_REASSEMBLY_TIMEOUT_SEC", 0); v > 0 {
		c.Fragment.ReassemblyTimeoutSec = v
	}

	c.Identity.Mode = getEnv("VSTP_IDENTITY_MODE", c.Identity.Mode)
	c.Identity.CertFile = getEnv("VSTP_TLS_CERT_FILE", c.Identity.CertFile)
	c.Identity.KeyFile = getEnv("VSTP_TLS_KEY_FILE", c.Identity.KeyFile)
	c.Identity.CAFile = getEnv("VSTP_TLS_CA_FILE", c.Identity.CAFile)
	c.Identity.SPIFFESocket = getEnv("VSTP_SPIFFE_SOCKET", c.Identity.SPIFFESocket)
	c.Identity.TrustDomain = getEnv("VSTP_TRUST_DOMAIN", c.Identity.TrustDomain)

	c.Admin.Addr = getEnv("VSTP_ADMIN_ADDR", c.Admin.Addr)
	c.Admin.Enabled = getEnvBool("VSTP_ADMIN_ENABLED", c.Admin.Enabled)
}

func (c *Config) applyDefaults() {
	if c.Server.StreamAddr == "" {
		c.Server.StreamAddr = ":7443"
	}
	if c.Server.DatagramAddr == "" {
		c.Server.DatagramAddr = ":7444"
	}
	if c.Server.ShutdownTimeoutSec == 0 {
		c.Server.ShutdownTimeoutSec = 30
	}

	if c.Stream.MaxFrameSizeBytes == 0 {
		c.Stream.MaxFrameSizeBytes = 8 * 1024 * 1024
	}
	if c.Stream.PingIntervalSec == 0 {
		c.Stream.PingIntervalSec = 30
	}
	if c.Stream.IdleTimeoutSec == 0 {
		c.Stream.IdleTimeoutSec = 120
	}
	if c.Stream.HandshakeTimeoutSec == 0 {
		c.Stream.HandshakeTimeoutSec = 10
	}
	if c.Stream.MaxSessions == 0 {
		c.Stream.MaxSessions = 10000
	}
	if c.Stream.SessionCleanupSec == 0 {
		c.Stream.SessionCleanupSec = 60
	}

	if c.Datagram.MaxRetries == 0 {
		c.Datagram.MaxRetries = 3
	}
	if c.Datagram.InitialRetryDelayMs == 0 {
		c.Datagram.InitialRetryDelayMs = 100
	}
	if c.Datagram.MaxRetryDelayMs == 0 {
		c.Datagram.MaxRetryDelayMs = 5000
	}
	if c.Datagram.AckTimeoutMs == 0 {
		c.Datagram.AckTimeoutMs = 2000
	}
	if c.Datagram.DedupCapacity == 0 {
		c.Datagram.DedupCapacity = 4096
	}
	if c.Datagram.DedupTTLSec == 0 {
		c.Datagram.DedupTTLSec = 60
	}

	if c.Fragment.DatagramBudgetBytes == 0 {
		c.Fragment.DatagramBudgetBytes = 1200
	}
	if c.Fragment.MaxSessions == 0 {
		c.Fragment.MaxSessions = 1000
	}
	if c.Fragment.ReassemblyTimeoutSec == 0 {
		c.Fragment.ReassemblyTimeoutSec = 30
	}

	if c.Resilience.MaxRequests == 0 {
		c.Resilience.MaxRequests = 3
	}
	if c.Resilience.IntervalSec == 0 {
		c.Resilience.IntervalSec = 60
	}
	if c.Resilience.TimeoutSec == 0 {
		c.Resilience.TimeoutSec = 30
	}
	if c.Resilience.FailureThreshold == 0 {
		c.Resilience.FailureThreshold = 0.5
	}

	if c.Identity.Mode == "" {
		c.Identity.Mode = "none"
	}
	if c.Identity.TrustDomain == "" {
		c.Identity.TrustDomain = "spiffe://vstp.local"
	}

	if c.Admin.Addr == "" {
		c.Admin.Addr = ":7080"
	}
}

// IsProduction reports whether the configured environment is production.
func (c *Config) IsProduction() bool { return c.Server.Env == "production" }

// PingInterval returns the stream ping interval as a time.Duration.
func (c *StreamConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSec) * time.Second
}

// IdleTimeout returns the stream idle timeout as a time.Duration.
func (c *StreamConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSec) * time.Second
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
