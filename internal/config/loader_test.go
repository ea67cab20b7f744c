package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lggm33/AFP-Project/internal/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "afp.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Tier != domain.TierCommunity {
		t.Errorf("Tier = %q, want community", cfg.Tier)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Repository.Driver != "sqlite" {
		t.Errorf("Repository.Driver = %q, want sqlite", cfg.Repository.Driver)
	}
	if cfg.Extraction.SuggestTimeout != 20*time.Second {
		t.Errorf("Extraction.SuggestTimeout = %v, want 20s", cfg.Extraction.SuggestTimeout)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
repository:
  sqlitePath: /tmp/afp-test.db
extraction:
  suggestTimeout: 5s
  defaultThreshold: 0.8
worker:
  tenantIds: [bank-a, bank-b]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Repository.SQLitePath != "/tmp/afp-test.db" {
		t.Errorf("Repository.SQLitePath = %q", cfg.Repository.SQLitePath)
	}
	if cfg.Extraction.SuggestTimeout != 5*time.Second {
		t.Errorf("Extraction.SuggestTimeout = %v, want 5s", cfg.Extraction.SuggestTimeout)
	}
	if cfg.Extraction.DefaultThreshold != 0.8 {
		t.Errorf("Extraction.DefaultThreshold = %v, want 0.8", cfg.Extraction.DefaultThreshold)
	}
	if len(cfg.Worker.TenantIDs) != 2 || cfg.Worker.TenantIDs[1] != "bank-b" {
		t.Errorf("Worker.TenantIDs = %v", cfg.Worker.TenantIDs)
	}
	// Untouched sections keep their defaults
	if cfg.Cache.Type != "memory" {
		t.Errorf("Cache.Type = %q, want memory", cfg.Cache.Type)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
`)
	t.Setenv("AFP_SERVER_PORT", "7070")
	t.Setenv("AFP_REPOSITORY_SQLITEPATH", "/tmp/env.db")
	t.Setenv("AFP_SUGGEST_ENABLED", "true")
	t.Setenv("AFP_SUGGEST_APIKEY", "sk-test")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want 7070 from env", cfg.Server.Port)
	}
	if cfg.Repository.SQLitePath != "/tmp/env.db" {
		t.Errorf("Repository.SQLitePath = %q, want /tmp/env.db", cfg.Repository.SQLitePath)
	}
	if !cfg.Suggest.Enabled || cfg.Suggest.APIKey != "sk-test" {
		t.Errorf("Suggest = %+v", cfg.Suggest)
	}
}

func TestLoadProTier(t *testing.T) {
	t.Setenv("AFP_TIER", "pro")
	t.Setenv("AFP_REPOSITORY_POSTGRESHOST", "db.internal")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Tier != domain.TierPro {
		t.Errorf("Tier = %q, want pro", cfg.Tier)
	}
	if cfg.Repository.Driver != "postgres" {
		t.Errorf("Repository.Driver = %q, want postgres", cfg.Repository.Driver)
	}
	if cfg.Repository.PostgresHost != "db.internal" {
		t.Errorf("Repository.PostgresHost = %q", cfg.Repository.PostgresHost)
	}
	if cfg.EventBus.Type != "nats" {
		t.Errorf("EventBus.Type = %q, want nats", cfg.EventBus.Type)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
	}{
		{"UnknownTier", "tier: enterprise\n", nil},
		{"BadPort", "server:\n  port: 70000\n", nil},
		{"BadDriver", "repository:\n  driver: mysql\n", nil},
		{"BadThreshold", "extraction:\n  defaultThreshold: 1.5\n", nil},
		{"SuggestWithoutKey", "suggest:\n  enabled: true\n", nil},
		{"BadLogLevel", "", map[string]string{"AFP_LOGGING_LEVEL": "verbose"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.content != "" {
				path = writeConfig(t, tt.content)
			}
			if _, err := Load(path); err == nil {
				t.Error("Load() error = nil, want error")
			}
		})
	}

	t.Run("MissingFile", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
			t.Error("Load() error = nil, want error")
		}
	})
}

func TestEnvKey(t *testing.T) {
	canonical := map[string]string{
		"server.port":           "server.port",
		"repository.sqlitepath": "repository.sqlitePath",
		"suggest.rateperminute": "suggest.ratePerMinute",
		"worker.retrybasedelay": "worker.retryBaseDelay",
	}

	tests := []struct {
		in, want string
	}{
		{"AFP_SERVER_PORT", "server.port"},
		{"AFP_REPOSITORY_SQLITEPATH", "repository.sqlitePath"},
		{"AFP_SUGGEST_RATE_PER_MINUTE", "suggest.ratePerMinute"},
		{"AFP_WORKER_RETRYBASEDELAY", "worker.retryBaseDelay"},
		{"AFP_UNKNOWN_THING", "unknown.thing"},
	}
	for _, tt := range tests {
		if got := envKey(tt.in, canonical); got != tt.want {
			t.Errorf("envKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
