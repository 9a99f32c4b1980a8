package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Proctor  ProctorConfig  `yaml:"proctor"`
	Sink     SinkConfig     `yaml:"sink"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Security SecurityConfig `yaml:"security"`
	Stream   StreamConfig   `yaml:"stream"`
	TLS      TLSConfig      `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

// KeyCombo is one entry of the forbidden key table.
type KeyCombo struct {
	Name  string `yaml:"name"`
	Key   string `yaml:"key"`
	Ctrl  bool   `yaml:"ctrl"`
	Shift bool   `yaml:"shift"`
	Alt   bool   `yaml:"alt"`
}

type ProctorConfig struct {
	ForbiddenKeys           []KeyCombo    `yaml:"forbidden_keys"` // empty means the built-in table
	RequestScreen           bool          `yaml:"request_screen"`
	RequestWebcam           bool          `yaml:"request_webcam"`
	MediaConsentTimeout     time.Duration `yaml:"media_consent_timeout"`
	AllowConcurrentAttempts bool          `yaml:"allow_concurrent_attempts"`
	RetainClosed            time.Duration `yaml:"retain_closed"`
	SweepInterval           time.Duration `yaml:"sweep_interval"`
	FeedBuffer              int           `yaml:"feed_buffer"`
}

// SinkConfig selects where lifecycle and violation events are persisted.
type SinkConfig struct {
	Backend    string `yaml:"backend"` // "file" (default), "postgres", "nats" or "none"
	FilePath   string `yaml:"file_path"`
	BufferSize int    `yaml:"buffer_size"`
	MaxRetries int    `yaml:"max_retries"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Name          string `yaml:"client_name"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader string   `yaml:"api_key_header"`
	AllowedKeys  []string `yaml:"allowed_keys"`
	// Invigilators maps an invigilator API key to the units it may terminate
	// sessions in. "*" grants every unit.
	Invigilators   map[string][]string `yaml:"invigilators"`
	RateLimitRPS   float64             `yaml:"rate_limit_rps"`
	RateLimitBurst int                 `yaml:"rate_limit_burst"`
}

// StreamConfig controls the student WebSocket exam stream.
type StreamConfig struct {
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	PongTimeout     time.Duration `yaml:"pong_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from env or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path if it exists and returns the defaults otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", path).Msg("no config file found, using defaults")
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("checking config file: %w", err)
	}
	return Load(path)
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		Proctor: ProctorConfig{
			RequestScreen:       true,
			RequestWebcam:       true,
			MediaConsentTimeout: 2 * time.Minute,
			RetainClosed:        2 * time.Hour,
			SweepInterval:       time.Minute,
			FeedBuffer:          64,
		},
		Sink: SinkConfig{
			Backend:    "file",
			FilePath:   "data/proctor-events.jsonl",
			BufferSize: 10000,
			MaxRetries: 3,
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxConns:        25,
			ConnMaxLifetime: 5 * time.Minute,
		},
		NATS: NATSConfig{
			SubjectPrefix: "proctor",
			Name:          "exam-proctor",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
		Stream: StreamConfig{
			PingInterval:    30 * time.Second,
			PongTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
			MaxMessageBytes: 64 << 10,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

var sinkBackends = map[string]bool{"file": true, "postgres": true, "nats": true, "none": true}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	for i, k := range c.Proctor.ForbiddenKeys {
		if strings.TrimSpace(k.Key) == "" {
			return fmt.Errorf("proctor.forbidden_keys[%d]: key is required", i)
		}
	}
	if c.Proctor.MediaConsentTimeout <= 0 {
		return fmt.Errorf("proctor.media_consent_timeout must be > 0")
	}
	if c.Proctor.RetainClosed < 0 {
		return fmt.Errorf("proctor.retain_closed must be >= 0")
	}
	if c.Proctor.SweepInterval <= 0 {
		return fmt.Errorf("proctor.sweep_interval must be > 0")
	}
	if c.Proctor.FeedBuffer < 1 {
		return fmt.Errorf("proctor.feed_buffer must be >= 1")
	}
	if !sinkBackends[c.Sink.Backend] {
		return fmt.Errorf("sink.backend must be one of file, postgres, nats, none; got %q", c.Sink.Backend)
	}
	if c.Sink.BufferSize < 1 {
		return fmt.Errorf("sink.buffer_size must be >= 1")
	}
	if c.Sink.MaxRetries < 0 {
		return fmt.Errorf("sink.max_retries must be >= 0")
	}
	switch c.Sink.Backend {
	case "file":
		if c.Sink.FilePath == "" {
			return fmt.Errorf("sink.file_path is required for the file backend")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres sink")
		}
	case "nats":
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url is required for the nats sink")
		}
	}
	if c.Stream.PongTimeout <= c.Stream.PingInterval {
		return fmt.Errorf("stream.pong_timeout (%s) must be > ping_interval (%s)",
			c.Stream.PongTimeout, c.Stream.PingInterval)
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	for key, units := range c.Security.Invigilators {
		if key == "" {
			return fmt.Errorf("security.invigilators: empty key")
		}
		if len(units) == 0 {
			return fmt.Errorf("security.invigilators: key has no units")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
