package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// chdir moves into an empty directory so a developer's .env is not picked up.
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != "memory" {
		t.Errorf("expected memory driver, got %q", cfg.Storage.Driver)
	}
	if cfg.Search.Poll.MaxAttempts != 20 || cfg.Search.Poll.MaxInterval != 30*time.Second {
		t.Errorf("unexpected poll defaults %+v", cfg.Search.Poll)
	}
	if len(cfg.Pipeline.Locations) != 1 || cfg.Pipeline.Locations[0] != 2840 {
		t.Errorf("unexpected locations %v", cfg.Pipeline.Locations)
	}
	if !cfg.Crawl.RespectRobots || cfg.Fetch.Profile != "chrome" {
		t.Errorf("unexpected fetch/crawl defaults %+v %+v", cfg.Fetch, cfg.Crawl)
	}
}

func TestLoad_Env(t *testing.T) {
	chdir(t)
	t.Setenv("PROSPECTOR_STORAGE_DRIVER", "sqlite")
	t.Setenv("PROSPECTOR_STORAGE_DSN", "prospector.db")
	t.Setenv("PROSPECTOR_SEARCH_POLL_MAX_ATTEMPTS", "7")
	t.Setenv("PROSPECTOR_PIPELINE_AUTO_SEND", "true")
	t.Setenv("PROSPECTOR_FETCH_TIMEOUT", "5s")
	t.Setenv("SENDGRID_API_KEY", "SG.test")
	t.Setenv("PROSPECTOR_SENDGRID_FROM_EMAIL", "me@example.com")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "prospector.db" {
		t.Errorf("unexpected storage %+v", cfg.Storage)
	}
	if cfg.Search.Poll.MaxAttempts != 7 {
		t.Errorf("expected 7 attempts, got %d", cfg.Search.Poll.MaxAttempts)
	}
	if !cfg.Pipeline.AutoSend {
		t.Error("expected auto send")
	}
	if cfg.Fetch.Timeout != 5*time.Second {
		t.Errorf("expected 5s timeout, got %s", cfg.Fetch.Timeout)
	}
	if cfg.SendGrid.APIKey != "SG.test" {
		t.Errorf("expected conventional env name to bind, got %q", cfg.SendGrid.APIKey)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := chdir(t)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("PROSPECTOR_LOG_LEVEL=debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("PROSPECTOR_LOG_LEVEL") })

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected level from .env, got %q", cfg.Log.Level)
	}
}

func TestLoad_File(t *testing.T) {
	dir := chdir(t)
	path := filepath.Join(dir, "prospector.yaml")
	body := `
log:
  format: json
storage:
  driver: postgres
  dsn: postgres://localhost/prospector
pipeline:
  locations: [2840, 2826]
  depth: 30
crawl:
  max_pages: 3
search:
  poll:
    interval: 500ms
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Format != "json" || cfg.Storage.Driver != "postgres" {
		t.Errorf("unexpected config %+v %+v", cfg.Log, cfg.Storage)
	}
	if len(cfg.Pipeline.Locations) != 2 || cfg.Pipeline.Depth != 30 || cfg.Crawl.MaxPages != 3 {
		t.Errorf("unexpected pipeline/crawl %+v %+v", cfg.Pipeline, cfg.Crawl)
	}
	if cfg.Search.Poll.Interval != 500*time.Millisecond {
		t.Errorf("expected 500ms interval, got %s", cfg.Search.Poll.Interval)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	chdir(t)
	if _, err := Load("does-not-exist.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	chdir(t)
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres"; c.Storage.DSN = "" }, "storage.dsn"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }, "storage.driver"},
		{"zero attempts", func(c *Config) { c.Search.Poll.MaxAttempts = 0 }, "search.poll.max_attempts"},
		{"cap below interval", func(c *Config) { c.Search.Poll.MaxInterval = time.Second }, "search.poll.max_interval"},
		{"bad profile", func(c *Config) { c.Fetch.Profile = "edge" }, "fetch.profile"},
		{"no locations", func(c *Config) { c.Pipeline.Locations = nil }, "pipeline.locations"},
		{"sendgrid without sender", func(c *Config) { c.SendGrid.APIKey = "SG.x" }, "sendgrid.from_email"},
		{"bad from email", func(c *Config) { c.SendGrid.FromEmail = "nope" }, "sendgrid.from_email"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error to name %s, got %v", tt.want, err)
			}
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	chdir(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Log.Level = "loud"
	cfg.Metrics.Port = -1
	err = cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "log.level") || !strings.Contains(err.Error(), "metrics.port") {
		t.Errorf("expected both problems, got %v", err)
	}
}

func TestValidate_GeminiKeyNotRequiredUpFront(t *testing.T) {
	chdir(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Compose.Provider = "gemini"
	cfg.Compose.Gemini.APIKey = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected a missing gemini key to be left to the send stage, got %v", err)
	}
}
