package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseOverridesDefaults(t *testing.T) {
	data := []byte(`
realtime:
  gateway_url: wss://realtime.example.com/socket
  activation_timeout_ms: 5000
  polling_interval_ms: 2000
session:
  stale_minutes: 15
storage:
  driver: memory
log:
  level: debug
  format: text
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.Realtime.GatewayURL != "wss://realtime.example.com/socket" {
		t.Errorf("gateway url = %q", cfg.Realtime.GatewayURL)
	}
	if cfg.Realtime.ActivationTimeout() != 5*time.Second {
		t.Errorf("activation timeout = %v, want 5s", cfg.Realtime.ActivationTimeout())
	}
	if cfg.Realtime.PollingInterval() != 2*time.Second {
		t.Errorf("polling interval = %v, want 2s", cfg.Realtime.PollingInterval())
	}
	if cfg.Session.StaleAfter() != 15*time.Minute {
		t.Errorf("stale after = %v, want 15m", cfg.Session.StaleAfter())
	}

	// Untouched keys keep their defaults.
	if cfg.Session.InactiveAfter() != 5*time.Minute {
		t.Errorf("inactive after = %v, want default 5m", cfg.Session.InactiveAfter())
	}
	if cfg.Heartbeat.Interval() != 30*time.Second {
		t.Errorf("heartbeat interval = %v, want default 30s", cfg.Heartbeat.Interval())
	}
	if cfg.Server.Addr != ":8090" {
		t.Errorf("server addr = %q, want default :8090", cfg.Server.Addr)
	}
}

func TestParseExpandsEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://app@db/kindred")
	cfg, err := Parse([]byte(`
storage:
  driver: postgres
  dsn: ${DATABASE_URL}
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Storage.DSN != "postgres://app@db/kindred" {
		t.Errorf("dsn = %q", cfg.Storage.DSN)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("realtime:\n  gateway: oops\n"))
	if err == nil {
		t.Fatal("unknown key should be rejected")
	}
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"postgres without dsn", "storage:\n  driver: postgres\n"},
		{"unknown driver", "storage:\n  driver: sqlite\n"},
		{"negative interval", "realtime:\n  polling_interval_ms: -1\n"},
		{"zero stale threshold", "session:\n  stale_minutes: -5\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadOrDefault(t *testing.T) {
	t.Run("missing file falls back to defaults", func(t *testing.T) {
		cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if cfg.Storage.Driver != "memory" {
			t.Errorf("driver = %q, want memory", cfg.Storage.Driver)
		}
	})

	t.Run("existing file is loaded", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "kindred.yaml")
		if err := os.WriteFile(path, []byte("server:\n  addr: \":9999\"\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		cfg, err := LoadOrDefault(path)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if cfg.Server.Addr != ":9999" {
			t.Errorf("addr = %q, want :9999", cfg.Server.Addr)
		}
	})

	t.Run("empty path uses defaults", func(t *testing.T) {
		cfg, err := LoadOrDefault("")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if cfg.Session.SweepSchedule != "@every 1m" {
			t.Errorf("sweep schedule = %q", cfg.Session.SweepSchedule)
		}
	})
}
