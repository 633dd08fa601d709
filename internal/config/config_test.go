package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", cfg.Port)
	}
	if cfg.DatabaseURL != "./sahyog.db" {
		t.Errorf("Expected default database url './sahyog.db', got %s", cfg.DatabaseURL)
	}
	if cfg.MaxQueueDepth != 256 {
		t.Errorf("Expected default max queue depth 256, got %d", cfg.MaxQueueDepth)
	}
	if cfg.RematchIntervalSec != 30 {
		t.Errorf("Expected default rematch interval 30s, got %d", cfg.RematchIntervalSec)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("Expected default log format 'json', got %s", cfg.LogFormat)
	}
	if got := cfg.StoreTimeout().Milliseconds(); got != 2000 {
		t.Errorf("Expected default store timeout 2000ms, got %d", got)
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SAHYOG_PORT", "9000")
	t.Setenv("SAHYOG_DATABASE_URL", "postgres://sahyog@localhost/sahyog?sslmode=disable")
	t.Setenv("SAHYOG_CURSOR_PATH", "/var/lib/sahyog/cursor")
	t.Setenv("SAHYOG_MAX_QUEUE_DEPTH", "16")
	t.Setenv("SAHYOG_REMATCH_INTERVAL_SEC", "5")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Port != 9000 {
		t.Errorf("Expected port 9000 from env, got %d", cfg.Port)
	}
	if !strings.HasPrefix(cfg.DatabaseURL, "postgres://") {
		t.Errorf("Expected postgres database url from env, got %s", cfg.DatabaseURL)
	}
	if cfg.CursorPath != "/var/lib/sahyog/cursor" {
		t.Errorf("Expected cursor path from env, got %s", cfg.CursorPath)
	}
	if cfg.MaxQueueDepth != 16 {
		t.Errorf("Expected max queue depth 16 from env, got %d", cfg.MaxQueueDepth)
	}
	if cfg.RematchInterval().Seconds() != 5 {
		t.Errorf("Expected rematch interval 5s from env, got %v", cfg.RematchInterval())
	}
}

func TestLoad_AllowedOriginsCommaSeparated(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SAHYOG_ALLOWED_ORIGINS", "http://localhost:3000, https://ops.example.org")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("Expected 2 allowed origins, got %d: %v", len(cfg.AllowedOrigins), cfg.AllowedOrigins)
	}
	if cfg.AllowedOrigins[1] != "https://ops.example.org" {
		t.Errorf("Expected trimmed origin, got %q", cfg.AllowedOrigins[1])
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sahyog.yaml")
	content := "port: 7070\nmax_queue_depth: 4\npolicy_path: /etc/sahyog/policy.yaml\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Port != 7070 {
		t.Errorf("Expected port 7070 from file, got %d", cfg.Port)
	}
	if cfg.MaxQueueDepth != 4 {
		t.Errorf("Expected max queue depth 4 from file, got %d", cfg.MaxQueueDepth)
	}
	if cfg.PolicyPath != "/etc/sahyog/policy.yaml" {
		t.Errorf("Expected policy path from file, got %s", cfg.PolicyPath)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Expected error for missing explicit config file")
	}
}

func TestValidate_ReportsAllErrors(t *testing.T) {
	cfg := &Config{
		Port:              0,
		DatabaseURL:       "",
		CursorPath:        "c",
		MaxQueueDepth:     0,
		StoreTimeoutMs:    1,
		IdempotencyTTLSec: 1,
		IdempotencyCache:  1,
		LogFormat:         "xml",
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Expected validation error")
	}
	for _, want := range []string{"port", "database_url", "max_queue_depth", "log_format"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected error to mention %q, got %v", want, err)
		}
	}
}
