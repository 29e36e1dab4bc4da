package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Default timing constants. Request/resume timeouts differ because a
// session resume can require more server-side work than an ordinary action.
const (
	DefaultLocalPort        = 8766
	DefaultRelayPort        = 443
	DefaultRequestTimeout   = 15
	DefaultResumeTimeout    = 45
	DefaultHeartbeatSeconds = 30
	DefaultStorePath        = "./data/boardd.db"
)

// Endpoint is one candidate server address.
type Endpoint struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Config holds the client configuration.
type Config struct {
	Endpoints struct {
		Local Endpoint `yaml:"local"` // LAN endpoint, plain ws
		Relay Endpoint `yaml:"relay"` // tunnel endpoint, always wss
		// Force pins one candidate: "", "local" or "relay".
		Force string `yaml:"force"`
		// PreferRelay makes attempt 0 go to the relay (off-network clients).
		PreferRelay bool `yaml:"prefer_relay"`
	} `yaml:"endpoints"`

	Timeouts struct {
		RequestSeconds int `yaml:"request_seconds"` // ordinary sendAndWait timeout
		ResumeSeconds  int `yaml:"resume_seconds"`  // resume_session timeout
	} `yaml:"timeouts"`

	HeartbeatSeconds int `yaml:"heartbeat_seconds"` // application-level ping period

	Store struct {
		Path string `yaml:"path"` // SQLite database path
	} `yaml:"store"`

	Dashboard struct {
		Enabled bool   `yaml:"enabled"`
		Address string `yaml:"address"`
	} `yaml:"dashboard"`
}

// Load reads the configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	c.Endpoints.Force = strings.ToLower(strings.TrimSpace(c.Endpoints.Force))
	switch c.Endpoints.Force {
	case "", "local", "relay":
	default:
		return fmt.Errorf("endpoints.force must be empty, \"local\" or \"relay\", got %q", c.Endpoints.Force)
	}

	if c.Endpoints.Local.Host == "" {
		return fmt.Errorf("endpoints.local.host is required")
	}
	if c.Endpoints.Local.Port == 0 {
		c.Endpoints.Local.Port = DefaultLocalPort
	}

	needRelay := c.Endpoints.Force == "relay" || (c.Endpoints.Force == "" && c.Endpoints.PreferRelay)
	if c.Endpoints.Relay.Host == "" {
		if needRelay {
			return fmt.Errorf("endpoints.relay.host is required when the relay route is preferred or forced")
		}
		// No relay configured: alternation degrades to local-only.
		c.Endpoints.Relay = c.Endpoints.Local
	}
	if c.Endpoints.Relay.Port == 0 {
		c.Endpoints.Relay.Port = DefaultRelayPort
	}

	if c.Timeouts.RequestSeconds == 0 {
		c.Timeouts.RequestSeconds = DefaultRequestTimeout
	}
	if c.Timeouts.ResumeSeconds == 0 {
		c.Timeouts.ResumeSeconds = DefaultResumeTimeout
	}
	if c.HeartbeatSeconds == 0 {
		c.HeartbeatSeconds = DefaultHeartbeatSeconds
	}
	if c.Store.Path == "" {
		c.Store.Path = DefaultStorePath
	}
	if c.Dashboard.Enabled && c.Dashboard.Address == "" {
		c.Dashboard.Address = ":8090"
	}
	return nil
}
