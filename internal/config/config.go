package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/codewiresh/cmdrelay/internal/auth"
)

const (
	relayFile = "relay.toml"
	agentFile = "agent.toml"
)

// Duration is a time.Duration that decodes from TOML strings such as "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// RelayConfig is the relay server configuration loaded from relay.toml.
type RelayConfig struct {
	// HTTP listen address (e.g. "127.0.0.1:3030").
	Listen string `toml:"listen"`
	// Shared secret that authenticates targets.
	ClientKey string `toml:"client_key"`
	// Shared secret that authenticates controllers.
	AdminKey string `toml:"admin_key"`
	// Outbound queue depth per connection. A peer that falls this far
	// behind is disconnected.
	SinkBuffer int `toml:"sink_buffer"`
	// Per-message read limit in bytes.
	MaxMessageBytes int64 `toml:"max_message_bytes"`
	// Keepalive ping interval; zero disables pings.
	PingInterval Duration `toml:"ping_interval"`
	// Connection attempts allowed per remote IP per minute; zero disables limiting.
	ConnectRateLimit int `toml:"connect_rate_limit"`
	// Key the rate limit on X-Forwarded-For. Only set this behind a proxy
	// that overwrites the header.
	TrustForwardedFor bool `toml:"trust_forwarded_for"`
	// Require Controller for run_request and Target for run_response.
	StrictRoles bool `toml:"strict_roles"`
	// Record connection and routing events in audit.db.
	Audit bool `toml:"audit"`
}

// AgentConfig is the target agent configuration loaded from agent.toml.
type AgentConfig struct {
	// Relay base URL (http(s):// or ws(s)://).
	RelayURL string `toml:"relay_url"`
	// Identity claimed in the connect path.
	Identity string `toml:"identity"`
	// Client key sent in auth_request.
	AppKey string `toml:"app_key"`
	// Commands the exec module may run. Empty disables exec.
	AllowedCommands []string `toml:"allowed_commands"`
	// Upper bound on a single module run.
	ExecTimeout Duration `toml:"exec_timeout"`
}

// DefaultRelayConfig returns the relay defaults applied before the file and
// environment are read.
func DefaultRelayConfig() *RelayConfig {
	return &RelayConfig{
		Listen:           "127.0.0.1:3030",
		SinkBuffer:       256,
		MaxMessageBytes:  1 << 20,
		PingInterval:     Duration{30 * time.Second},
		ConnectRateLimit: 30,
	}
}

var validIdentity = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// ValidateIdentity checks that an identity is non-empty and contains only
// alphanumerics, dots, hyphens or underscores, so it is safe in a URL path.
func ValidateIdentity(id string) error {
	if id == "" || len(id) > 128 || !validIdentity.MatchString(id) {
		return fmt.Errorf("identity must be 1-128 characters of [a-zA-Z0-9_.-], got: %q", id)
	}
	return nil
}

// defaultIdentity derives an identity from the HOSTNAME or HOST environment
// variable, sanitising invalid characters to hyphens. Falls back to "agent".
func defaultIdentity() string {
	raw := os.Getenv("HOSTNAME")
	if raw == "" {
		raw = os.Getenv("HOST")
	}
	if raw == "" {
		return "agent"
	}
	out := make([]byte, len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_' || c == '.' {
			out[i] = c
		} else {
			out[i] = '-'
		}
	}
	return string(out)
}

// LoadRelayConfig reads relay.toml from dataDir (if present) and applies
// environment variable overrides. It does not validate; call Validate after
// flags have been applied.
func LoadRelayConfig(dataDir string) (*RelayConfig, error) {
	cfg := DefaultRelayConfig()

	path := filepath.Join(dataDir, relayFile)
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if v := os.Getenv("CMDRELAY_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("CMDRELAY_CLIENT_KEY"); v != "" {
		cfg.ClientKey = v
	}
	if v := os.Getenv("CMDRELAY_ADMIN_KEY"); v != "" {
		cfg.AdminKey = v
	}

	return cfg, nil
}

// Keys returns the configured shared secrets.
func (c *RelayConfig) Keys() auth.Keys {
	return auth.Keys{Client: c.ClientKey, Admin: c.AdminKey}
}

// Validate checks the relay configuration.
func (c *RelayConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if err := c.Keys().Validate(); err != nil {
		return err
	}
	if c.SinkBuffer <= 0 {
		return fmt.Errorf("sink_buffer must be positive, got %d", c.SinkBuffer)
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("max_message_bytes must be positive, got %d", c.MaxMessageBytes)
	}
	return nil
}

// Save writes the relay configuration to relay.toml inside dataDir, creating
// the directory if necessary. The file holds secrets and is written 0600.
func (c *RelayConfig) Save(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	path := filepath.Join(dataDir, relayFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encoding %s: %w", relayFile, err)
	}
	return nil
}

// LoadAgentConfig reads agent.toml from dataDir (if present), applies
// environment variable overrides and validates the identity.
func LoadAgentConfig(dataDir string) (*AgentConfig, error) {
	cfg := &AgentConfig{
		Identity:    defaultIdentity(),
		ExecTimeout: Duration{time.Minute},
	}

	path := filepath.Join(dataDir, agentFile)
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		if cfg.Identity == "" {
			cfg.Identity = defaultIdentity()
		}
	}

	if v := os.Getenv("CMDRELAY_RELAY_URL"); v != "" {
		cfg.RelayURL = v
	}
	if v := os.Getenv("CMDRELAY_IDENTITY"); v != "" {
		cfg.Identity = v
	}
	if v := os.Getenv("CMDRELAY_APP_KEY"); v != "" {
		cfg.AppKey = v
	}

	if err := ValidateIdentity(cfg.Identity); err != nil {
		return nil, err
	}
	return cfg, nil
}
