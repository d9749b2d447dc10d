// Package config loads the mesh configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the full node configuration.
type Config struct {
	// Identity
	AgentID string `yaml:"agent_id"`

	// Transport
	Protocol   string    `yaml:"protocol"` // grpc, websocket
	ListenAddr string    `yaml:"listen_addr"`
	Endpoint   string    `yaml:"endpoint"` // advertised address, defaults to listen_addr
	TLS        TLSConfig `yaml:"tls"`

	// Timeouts
	Timeouts TimeoutConfig `yaml:"timeouts"`

	// HeartbeatInterval is how often idle connections are probed.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// MaxRetryAttempts bounds reconnects and capability resolution.
	MaxRetryAttempts int `yaml:"max_retry_attempts"`

	// MaxMessageSize is the serialized message ceiling in bytes.
	MaxMessageSize int `yaml:"max_message_size"`

	// RateLimit throttles inbound messages per sender (msgs/sec,
	// 0 = off).
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	// Discovery
	Discovery DiscoveryConfig `yaml:"discovery"`

	// SessionTTL bounds issued session tokens.
	SessionTTL time.Duration `yaml:"session_ttl"`

	// Redis, when set, backs the workflow store. Empty keeps snapshots
	// in memory.
	Redis RedisConfig `yaml:"redis"`

	// MetricsPort serves Prometheus metrics and the health endpoint.
	// Zero disables the server.
	MetricsPort int `yaml:"metrics_port"`

	// TraceExporter selects the tracing backend: stdout or none.
	TraceExporter string `yaml:"trace_exporter"`
}

// TLSConfig holds transport TLS settings.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	CAFile     string `yaml:"ca_file"`
	ServerName string `yaml:"server_name"`
}

// TimeoutConfig holds the three timeout levels.
type TimeoutConfig struct {
	// Connect bounds connection establishment.
	Connect time.Duration `yaml:"connect"`
	// Message bounds one request/response round trip.
	Message time.Duration `yaml:"message"`
	// Workflow is the wall-clock ceiling for one workflow run.
	Workflow time.Duration `yaml:"workflow"`
}

// DiscoveryConfig holds registry settings.
type DiscoveryConfig struct {
	// TTL is the registration lease duration.
	TTL time.Duration `yaml:"ttl"`
	// SweepInterval enables a background eviction sweep when positive.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// Endpoint points at a remote registry. Empty runs one in process.
	Endpoint string `yaml:"endpoint"`
}

// RedisConfig holds the workflow store connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Protocol:          "grpc",
		ListenAddr:        ":7420",
		HeartbeatInterval: 10 * time.Second,
		MaxRetryAttempts:  5,
		MaxMessageSize:    1 << 20,
		SessionTTL:        15 * time.Minute,
		Timeouts: TimeoutConfig{
			Connect:  5 * time.Second,
			Message:  30 * time.Second,
			Workflow: 10 * time.Minute,
		},
		Discovery: DiscoveryConfig{
			TTL: 30 * time.Second,
		},
		TraceExporter: "none",
	}
}

// Load reads configuration from a YAML file, applies defaults, and
// then environment overrides. An empty path loads pure defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Protocol == "" {
		c.Protocol = d.Protocol
	}
	if c.ListenAddr == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.MaxRetryAttempts == 0 {
		c.MaxRetryAttempts = d.MaxRetryAttempts
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = d.SessionTTL
	}
	if c.Timeouts.Connect == 0 {
		c.Timeouts.Connect = d.Timeouts.Connect
	}
	if c.Timeouts.Message == 0 {
		c.Timeouts.Message = d.Timeouts.Message
	}
	if c.Timeouts.Workflow == 0 {
		c.Timeouts.Workflow = d.Timeouts.Workflow
	}
	if c.Discovery.TTL == 0 {
		c.Discovery.TTL = d.Discovery.TTL
	}
	if c.TraceExporter == "" {
		c.TraceExporter = d.TraceExporter
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("AGENTMESH_AGENT_ID"); v != "" {
		c.AgentID = v
	}
	if v := os.Getenv("AGENTMESH_PROTOCOL"); v != "" {
		c.Protocol = v
	}
	if v := os.Getenv("AGENTMESH_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("AGENTMESH_ENDPOINT"); v != "" {
		c.Endpoint = v
	}
	if v := os.Getenv("AGENTMESH_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("AGENTMESH_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("AGENTMESH_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.MetricsPort = port
		}
	}
	if v := os.Getenv("AGENTMESH_DISCOVERY_ENDPOINT"); v != "" {
		c.Discovery.Endpoint = v
	}
}

// Save writes the configuration to a YAML file.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	switch c.Protocol {
	case "grpc", "websocket":
	default:
		return fmt.Errorf("unknown protocol %q (want grpc or websocket)", c.Protocol)
	}

	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("tls is enabled but cert_file or key_file is missing")
	}

	if c.MaxMessageSize < 0 {
		return fmt.Errorf("max_message_size must be non-negative")
	}
	if c.MaxRetryAttempts < 1 {
		return fmt.Errorf("max_retry_attempts must be at least 1")
	}
	if c.Timeouts.Message <= 0 || c.Timeouts.Connect <= 0 || c.Timeouts.Workflow <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate_limit must be non-negative")
	}
	return nil
}
