package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pdfsync.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Addr() != "0.0.0.0:8080" {
		t.Errorf("Addr = %q", cfg.Addr())
	}
	if cfg.Storage.Objects != "memory" || cfg.Storage.Metadata != "memory" {
		t.Errorf("backends = %q/%q, want memory/memory", cfg.Storage.Objects, cfg.Storage.Metadata)
	}
	if cfg.SummaryTimeout() != 90*time.Second {
		t.Errorf("SummaryTimeout = %v, want 90s", cfg.SummaryTimeout())
	}
	if cfg.IsProduction() {
		t.Error("default environment should not be production")
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 9090
environment = "production"

[storage]
objects = "gcs"
bucket = "pdfs"
metadata = "sqlite"
sqlite_path = "/var/lib/pdfsync/index.db"

[summary]
timeout_seconds = 30
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Host = %q, unset keys should keep defaults", cfg.Server.Host)
	}
	if !cfg.IsProduction() {
		t.Error("expected production")
	}

	st := cfg.StorageConfig()
	if st.ObjectBackend != "gcs" || st.Bucket != "pdfs" {
		t.Errorf("object store = %q bucket %q", st.ObjectBackend, st.Bucket)
	}
	if st.SQLitePath != "/var/lib/pdfsync/index.db" {
		t.Errorf("SQLitePath = %q", st.SQLitePath)
	}
	if st.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want storage default 3", st.MaxRetries)
	}
	if cfg.SummaryTimeout() != 30*time.Second {
		t.Errorf("SummaryTimeout = %v", cfg.SummaryTimeout())
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "[server]\nport = 9090\n")
	t.Setenv("PORT", "7070")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("MDNS", "true")
	t.Setenv("MAX_MESSAGES_PER_MINUTE", "42")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Port = %d, want 7070", cfg.Server.Port)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "https://b.example" {
		t.Errorf("CORSOrigins = %v", cfg.Server.CORSOrigins)
	}
	if !cfg.Discovery.MDNS {
		t.Error("MDNS should be enabled from env")
	}
	if cfg.SecurityLimits().MaxMessagesPerMinute != 42 {
		t.Errorf("MaxMessagesPerMinute = %d", cfg.SecurityLimits().MaxMessagesPerMinute)
	}
}

func TestLoad_InvalidEnvNumberKeepsValue(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Server.Port)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := Load(writeConfig(t, "[server\nport = ")); err == nil {
		t.Error("expected error for malformed TOML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "port"},
		{"short secret", func(c *Config) { c.Server.JWTSecret = "short" }, "jwt_secret"},
		{"gcs without bucket", func(c *Config) { c.Storage.Objects = "gcs" }, "bucket"},
		{"redis without url", func(c *Config) { c.Storage.Objects = "redis" }, "redis_url"},
		{"unknown objects", func(c *Config) { c.Storage.Objects = "s3" }, "unknown object store"},
		{"postgres without dsn", func(c *Config) { c.Storage.Metadata = "postgres" }, "database_url"},
		{"firestore without project", func(c *Config) { c.Storage.Metadata = "firestore" }, "project_id"},
		{"unknown metadata", func(c *Config) { c.Storage.Metadata = "mongo" }, "unknown metadata"},
		{"zero timeout", func(c *Config) { c.Summary.TimeoutSeconds = 0 }, "timeout"},
	}
	for _, tt := range tests {
		cfg := Default()
		tt.mutate(cfg)
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: Validate() = %v, want error containing %q", tt.name, err, tt.want)
		}
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}
