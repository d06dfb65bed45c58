// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable consulted when no --config
// flag is given.
const EnvVar = "TIDEMARK_CONFIG"

// MaxDegradedBytes is the largest degraded-send ceiling accepted. The
// transport refuses anything larger outright, so a configured ceiling
// above it would only move the failure from the size gate to the send.
const MaxDegradedBytes ByteSize = 64 << 10

// Codecs lists the accepted compression.codec values.
var Codecs = []string{"gzip", "zstd", "lz4"}

// Environment selects logging format and nothing else.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Config is the complete agent configuration.
type Config struct {
	Environment Environment       `yaml:"environment"`
	Log         LogConfig         `yaml:"log"`
	Endpoint    EndpointConfig    `yaml:"endpoint"`
	Session     SessionConfig     `yaml:"session"`
	Buffer      BufferConfig      `yaml:"buffer"`
	Heartbeat   HeartbeatConfig   `yaml:"heartbeat"`
	Retention   RetentionConfig   `yaml:"retention"`
	Degraded    DegradedConfig    `yaml:"degraded"`
	Compression CompressionConfig `yaml:"compression"`
	Upload      UploadConfig      `yaml:"upload"`
	Store       StoreConfig       `yaml:"store"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Shutdown    ShutdownConfig    `yaml:"shutdown"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`
}

// EndpointConfig locates the collection service.
type EndpointConfig struct {
	// BaseURL is the API root, e.g. https://collector.example.com/api.
	BaseURL string `yaml:"base_url"`

	EventsPath  string `yaml:"events_path"`
	SessionPath string `yaml:"session_path"`

	// Timeout bounds one normal send.
	Timeout time.Duration `yaml:"timeout"`

	// DegradedTimeout bounds one send made while the host is
	// suspending.
	DegradedTimeout time.Duration `yaml:"degraded_timeout"`

	// SendRate caps sends per second from the upload queue. Zero
	// disables pacing.
	SendRate float64 `yaml:"send_rate"`
}

// SessionConfig names the recording session.
type SessionConfig struct {
	// ID pins the session. Empty asks the endpoint for a new one.
	ID string `yaml:"id"`
}

// BufferConfig holds the three flush triggers.
type BufferConfig struct {
	CountThreshold int           `yaml:"count_threshold"`
	ByteThreshold  ByteSize      `yaml:"byte_threshold"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
}

// HeartbeatConfig drives periodic delivery and retention.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`

	// PruneEvery runs age pruning on every Nth tick.
	PruneEvery int `yaml:"prune_every"`
}

// RetentionConfig bounds the local store.
type RetentionConfig struct {
	// ObserveMode keeps delivered batches, marked sent, until
	// SentDelay has passed.
	ObserveMode bool          `yaml:"observe_mode"`
	SentDelay   time.Duration `yaml:"sent_delay"`

	// MaxPendingBatches caps the batches kept per session.
	MaxPendingBatches int `yaml:"max_pending_batches"`

	// MaxAgeDays removes batches older than this in any session.
	MaxAgeDays int `yaml:"max_age_days"`
}

// MaxAge returns MaxAgeDays as a duration.
func (r RetentionConfig) MaxAge() time.Duration {
	return time.Duration(r.MaxAgeDays) * 24 * time.Hour
}

// DegradedConfig bounds sends made while the host is suspending.
type DegradedConfig struct {
	MaxBytes ByteSize `yaml:"max_bytes"`
}

// CompressionConfig selects the payload codec.
type CompressionConfig struct {
	Enabled bool   `yaml:"enabled"`
	Codec   string `yaml:"codec"`
}

// UploadConfig holds the drain loop's backoff bounds.
type UploadConfig struct {
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// StoreConfig locates the local batch database.
type StoreConfig struct {
	Path     string `yaml:"path"`
	PoolSize int    `yaml:"pool_size"`
}

// IngestConfig is the local endpoint the producer posts events to.
type IngestConfig struct {
	Address      string   `yaml:"address"`
	MaxBodyBytes ByteSize `yaml:"max_body_bytes"`
}

// ShutdownConfig bounds the final flush and drain.
type ShutdownConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the configuration used for anything the file leaves
// out.
func Default() *Config {
	return &Config{
		Environment: Development,
		Log:         LogConfig{Level: "info"},
		Endpoint: EndpointConfig{
			EventsPath:      "/events",
			SessionPath:     "/session",
			Timeout:         10 * time.Second,
			DegradedTimeout: 2 * time.Second,
			SendRate:        10,
		},
		Buffer: BufferConfig{
			CountThreshold: 50,
			ByteThreshold:  200 << 10,
			FlushInterval:  3 * time.Second,
		},
		Heartbeat: HeartbeatConfig{
			Interval:   10 * time.Second,
			PruneEvery: 6,
		},
		Retention: RetentionConfig{
			ObserveMode:       false,
			SentDelay:         60 * time.Second,
			MaxPendingBatches: 500,
			MaxAgeDays:        7,
		},
		Degraded:    DegradedConfig{MaxBytes: 60 << 10},
		Compression: CompressionConfig{Enabled: true, Codec: "gzip"},
		Upload: UploadConfig{
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
		},
		Store: StoreConfig{
			Path:     "${TIDEMARK_STATE:-${HOME}/.local/state/tidemark}/batches.db",
			PoolSize: 4,
		},
		Ingest: IngestConfig{
			Address:      "127.0.0.1:8123",
			MaxBodyBytes: 4 << 20,
		},
		Shutdown: ShutdownConfig{Timeout: 10 * time.Second},
	}
}

// Load reads the file at path, or at $TIDEMARK_CONFIG when path is
// empty. With neither set it returns the defaults. The result has
// variables expanded but is not validated: callers apply flag
// overrides first and then call Validate.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		cfg := Default()
		cfg.expandVariables()
		return cfg, nil
	}
	return LoadFile(path)
}

// LoadFile reads configuration from path on top of Default.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) expandVariables() {
	vars := map[string]string{"HOME": os.Getenv("HOME")}
	c.Store.Path = expandVars(c.Store.Path, vars)
	c.Endpoint.BaseURL = expandVars(c.Endpoint.BaseURL, vars)
}

// varPattern matches ${VAR} and ${VAR:-default}. The default may
// itself contain one ${VAR} reference.
var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-((?:[^{}]|\$\{[^{}]*\})*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, defaultValue := parts[1], parts[2]

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		if strings.Contains(defaultValue, "${") {
			return expandVars(defaultValue, vars)
		}
		return defaultValue
	})
}

// EventsURL joins the base URL and the events path.
func (c *Config) EventsURL() string {
	return strings.TrimRight(c.Endpoint.BaseURL, "/") + c.Endpoint.EventsPath
}

// SessionURL joins the base URL and the session path.
func (c *Config) SessionURL() string {
	return strings.TrimRight(c.Endpoint.BaseURL, "/") + c.Endpoint.SessionPath
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Endpoint.BaseURL == "" {
		errs = append(errs, fmt.Errorf("endpoint.base_url is required"))
	} else if parsed, err := url.Parse(c.Endpoint.BaseURL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		errs = append(errs, fmt.Errorf("endpoint.base_url %q is not an absolute URL", c.Endpoint.BaseURL))
	}
	if !strings.HasPrefix(c.Endpoint.EventsPath, "/") {
		errs = append(errs, fmt.Errorf("endpoint.events_path must start with /"))
	}
	if !strings.HasPrefix(c.Endpoint.SessionPath, "/") {
		errs = append(errs, fmt.Errorf("endpoint.session_path must start with /"))
	}
	if c.Endpoint.Timeout <= 0 || c.Endpoint.DegradedTimeout <= 0 {
		errs = append(errs, fmt.Errorf("endpoint timeouts must be positive"))
	}
	if c.Endpoint.SendRate < 0 {
		errs = append(errs, fmt.Errorf("endpoint.send_rate must not be negative"))
	}

	if c.Buffer.CountThreshold <= 0 {
		errs = append(errs, fmt.Errorf("buffer.count_threshold must be positive"))
	}
	if c.Buffer.ByteThreshold == 0 {
		errs = append(errs, fmt.Errorf("buffer.byte_threshold must be positive"))
	}
	if c.Buffer.FlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("buffer.flush_interval must be positive"))
	}

	if c.Heartbeat.Interval <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat.interval must be positive"))
	}
	if c.Heartbeat.PruneEvery <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat.prune_every must be positive"))
	}

	if c.Retention.MaxPendingBatches <= 0 {
		errs = append(errs, fmt.Errorf("retention.max_pending_batches must be positive"))
	}
	if c.Retention.MaxAgeDays <= 0 {
		errs = append(errs, fmt.Errorf("retention.max_age_days must be positive"))
	}
	if c.Retention.ObserveMode && c.Retention.SentDelay < 0 {
		errs = append(errs, fmt.Errorf("retention.sent_delay must not be negative"))
	}

	if c.Degraded.MaxBytes == 0 || c.Degraded.MaxBytes > MaxDegradedBytes {
		errs = append(errs, fmt.Errorf("degraded.max_bytes must be between 1 and %s", MaxDegradedBytes))
	}

	if !slices.Contains(Codecs, c.Compression.Codec) {
		errs = append(errs, fmt.Errorf("compression.codec must be one of: %v", Codecs))
	}

	if c.Upload.InitialBackoff < 0 || c.Upload.MaxBackoff < c.Upload.InitialBackoff {
		errs = append(errs, fmt.Errorf("upload backoff must satisfy 0 <= initial_backoff <= max_backoff"))
	}

	if c.Store.Path == "" {
		errs = append(errs, fmt.Errorf("store.path is required"))
	}

	if c.Ingest.Address == "" {
		errs = append(errs, fmt.Errorf("ingest.address is required"))
	}

	if c.Shutdown.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown.timeout must be positive"))
	}

	return errors.Join(errs...)
}

// EnsureStoreDir creates the directory holding the store file.
func (c *Config) EnsureStoreDir() error {
	dir := filepath.Dir(c.Store.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("config: creating %s: %w", dir, err)
	}
	return nil
}
