package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Proctor.RetainClosed != 2*time.Hour {
		t.Errorf("Proctor.RetainClosed = %s, want 2h", cfg.Proctor.RetainClosed)
	}
	if cfg.Proctor.AllowConcurrentAttempts {
		t.Error("Proctor.AllowConcurrentAttempts should default to false")
	}
	if cfg.Sink.Backend != "file" {
		t.Errorf("Sink.Backend = %q, want file", cfg.Sink.Backend)
	}
	if cfg.Sink.MaxRetries != 3 {
		t.Errorf("Sink.MaxRetries = %d, want 3", cfg.Sink.MaxRetries)
	}
	if len(cfg.Proctor.ForbiddenKeys) != 0 {
		t.Errorf("Proctor.ForbiddenKeys should be empty so the built-in table applies")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"server port 0", func(c *Config) { c.Server.Port = 0 }, true},
		{"server port 99999", func(c *Config) { c.Server.Port = 99999 }, true},
		{"combo without key", func(c *Config) {
			c.Proctor.ForbiddenKeys = []KeyCombo{{Name: "bad", Ctrl: true}}
		}, true},
		{"combo with key", func(c *Config) {
			c.Proctor.ForbiddenKeys = []KeyCombo{{Name: "print", Key: "p", Ctrl: true}}
		}, false},
		{"zero consent timeout", func(c *Config) { c.Proctor.MediaConsentTimeout = 0 }, true},
		{"negative retention", func(c *Config) { c.Proctor.RetainClosed = -time.Second }, true},
		{"zero sweep interval", func(c *Config) { c.Proctor.SweepInterval = 0 }, true},
		{"zero feed buffer", func(c *Config) { c.Proctor.FeedBuffer = 0 }, true},
		{"unknown sink", func(c *Config) { c.Sink.Backend = "kafka" }, true},
		{"postgres sink without dsn", func(c *Config) { c.Sink.Backend = "postgres" }, true},
		{"postgres sink with dsn", func(c *Config) {
			c.Sink.Backend = "postgres"
			c.Database.DSN = "postgres://proctor@localhost/proctor"
		}, false},
		{"nats sink without url", func(c *Config) { c.Sink.Backend = "nats" }, true},
		{"file sink without path", func(c *Config) { c.Sink.FilePath = "" }, true},
		{"none sink", func(c *Config) { c.Sink.Backend = "none"; c.Sink.FilePath = "" }, false},
		{"pong <= ping", func(c *Config) {
			c.Stream.PingInterval = time.Minute
			c.Stream.PongTimeout = time.Minute
		}, true},
		{"TLS enabled without cert", func(c *Config) {
			c.TLS.Enabled = true
		}, true},
		{"TLS enabled with cert+key", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = "/etc/ssl/cert.pem"
			c.TLS.KeyFile = "/etc/ssl/key.pem"
		}, false},
		{"invigilator without units", func(c *Config) {
			c.Security.Invigilators = map[string][]string{"key": nil}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
server:
  host: "127.0.0.1"
  port: 9090
proctor:
  allow_concurrent_attempts: true
  retain_closed: 30m
  forbidden_keys:
    - name: print
      key: p
      ctrl: true
sink:
  backend: none
security:
  invigilators:
    inv-key-1: ["unit-a", "unit-b"]
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if !cfg.Proctor.AllowConcurrentAttempts {
		t.Error("Proctor.AllowConcurrentAttempts not loaded")
	}
	if cfg.Proctor.RetainClosed != 30*time.Minute {
		t.Errorf("Proctor.RetainClosed = %s, want 30m", cfg.Proctor.RetainClosed)
	}
	if len(cfg.Proctor.ForbiddenKeys) != 1 || cfg.Proctor.ForbiddenKeys[0].Key != "p" {
		t.Errorf("Proctor.ForbiddenKeys = %+v", cfg.Proctor.ForbiddenKeys)
	}
	if got := cfg.Security.Invigilators["inv-key-1"]; len(got) != 2 {
		t.Errorf("Invigilators = %v", cfg.Security.Invigilators)
	}
	// untouched sections keep their defaults
	if cfg.Proctor.FeedBuffer != 64 {
		t.Errorf("Proctor.FeedBuffer = %d, want default 64", cfg.Proctor.FeedBuffer)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected defaults, got port %d", cfg.Server.Port)
	}
}

func TestLoad_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("sink:\n  backend: kafka\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation error")
	}
}

func TestAddress(t *testing.T) {
	cfg := DefaultConfig()
	want := "0.0.0.0:8080"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}

	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 3000
	want = "127.0.0.1:3000"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c *Config) { reloaded <- c })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(200 * time.Millisecond)

	if err := os.WriteFile(path, []byte("server:\n  port: 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(watchDebounce + 300*time.Millisecond)
	if err := os.WriteFile(path, []byte("server:\n  port: 9100\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Server.Port != 9100 {
			t.Errorf("reloaded port = %d, want 9100 (invalid edit should be skipped)", cfg.Server.Port)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Watch did not return after cancel")
	}
}
