package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
endpoints:
  local:
    host: 192.168.1.50
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Endpoints.Local.Port != DefaultLocalPort {
		t.Errorf("local port = %d, want %d", cfg.Endpoints.Local.Port, DefaultLocalPort)
	}
	// No relay configured and none required: alternation degrades to
	// local-only.
	if cfg.Endpoints.Relay.Host != "192.168.1.50" || cfg.Endpoints.Relay.Port != DefaultLocalPort {
		t.Errorf("relay fallback = %s:%d, want local endpoint", cfg.Endpoints.Relay.Host, cfg.Endpoints.Relay.Port)
	}
	if cfg.Timeouts.RequestSeconds != DefaultRequestTimeout {
		t.Errorf("request timeout = %d, want %d", cfg.Timeouts.RequestSeconds, DefaultRequestTimeout)
	}
	if cfg.Timeouts.ResumeSeconds != DefaultResumeTimeout {
		t.Errorf("resume timeout = %d, want %d", cfg.Timeouts.ResumeSeconds, DefaultResumeTimeout)
	}
	if cfg.HeartbeatSeconds != DefaultHeartbeatSeconds {
		t.Errorf("heartbeat = %d, want %d", cfg.HeartbeatSeconds, DefaultHeartbeatSeconds)
	}
	if cfg.Store.Path != DefaultStorePath {
		t.Errorf("store path = %q, want %q", cfg.Store.Path, DefaultStorePath)
	}
}

func TestLoadFull(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
endpoints:
  local:
    host: 10.0.0.2
    port: 9001
  relay:
    host: board.example.com
  force: ""
  prefer_relay: true
timeouts:
  request_seconds: 5
  resume_seconds: 20
heartbeat_seconds: 10
store:
  path: /tmp/test.db
dashboard:
  enabled: true
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !cfg.Endpoints.PreferRelay {
		t.Error("prefer_relay not parsed")
	}
	if cfg.Endpoints.Relay.Port != DefaultRelayPort {
		t.Errorf("relay port = %d, want %d", cfg.Endpoints.Relay.Port, DefaultRelayPort)
	}
	if cfg.Timeouts.RequestSeconds != 5 || cfg.Timeouts.ResumeSeconds != 20 {
		t.Errorf("timeouts = %+v", cfg.Timeouts)
	}
	if cfg.HeartbeatSeconds != 10 {
		t.Errorf("heartbeat = %d, want 10", cfg.HeartbeatSeconds)
	}
	if cfg.Dashboard.Address != ":8090" {
		t.Errorf("dashboard address = %q, want default :8090", cfg.Dashboard.Address)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing local host", `
endpoints:
  relay:
    host: board.example.com
`},
		{"invalid force", `
endpoints:
  local:
    host: 10.0.0.2
  force: sometimes
`},
		{"relay forced without host", `
endpoints:
  local:
    host: 10.0.0.2
  force: relay
`},
		{"relay preferred without host", `
endpoints:
  local:
    host: 10.0.0.2
  prefer_relay: true
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestForceNormalized(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
endpoints:
  local:
    host: 10.0.0.2
  relay:
    host: board.example.com
  force: " RELAY "
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Endpoints.Force != "relay" {
		t.Errorf("force = %q, want relay", cfg.Endpoints.Force)
	}
}
