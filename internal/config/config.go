package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir    string `toml:"data_dir"`
	LogDir     string `toml:"log_dir"`
	ScratchDir string `toml:"scratch_dir"`
}

// API contains configuration for the HTTP API replicas.
type API struct {
	Bind              string `toml:"bind"`
	Token             string `toml:"token"`
	UploadURLExpiry   int    `toml:"upload_url_expiry"`
	DownloadURLExpiry int    `toml:"download_url_expiry"`
	RateLimit         int    `toml:"rate_limit"`
	RateLimitWindow   int    `toml:"rate_limit_window"`
}

// Broker contains configuration for the job queue transport.
type Broker struct {
	Kind               string `toml:"kind"`
	URL                string `toml:"url"`
	Queue              string `toml:"queue"`
	MessageTTL         int    `toml:"message_ttl"`
	PublishAttempts    int    `toml:"publish_attempts"`
	PublishBaseDelayMs int    `toml:"publish_base_delay_ms"`
	PublishMaxDelayMs  int    `toml:"publish_max_delay_ms"`
	ConnectAttempts    int    `toml:"connect_attempts"`
	ConnectDelay       int    `toml:"connect_delay"`
}

// Redis contains connection settings shared by the redis broker and the API
// rate limiter.
type Redis struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// ObjectStore contains configuration for the S3-compatible object store.
type ObjectStore struct {
	Endpoint         string `toml:"endpoint"`
	ExternalEndpoint string `toml:"external_endpoint"`
	AccessKey        string `toml:"access_key"`
	SecretKey        string `toml:"secret_key"`
	Bucket           string `toml:"bucket"`
	Region           string `toml:"region"`
	Secure           bool   `toml:"secure"`
}

// Transcode contains ffmpeg invocation settings.
type Transcode struct {
	FFmpegBinary  string `toml:"ffmpeg_binary"`
	FFprobeBinary string `toml:"ffprobe_binary"`
	VideoCodec    string `toml:"video_codec"`
	AudioCodec    string `toml:"audio_codec"`
	Preset        string `toml:"preset"`
	CRF           int    `toml:"crf"`
	Timeout       int    `toml:"timeout"`
	VerifyOutput  bool   `toml:"verify_output"`
}

// Worker contains configuration for worker processes.
type Worker struct {
	MaxAttempts          int     `toml:"max_attempts"`
	HeartbeatInterval    int     `toml:"heartbeat_interval"`
	ReconcileInterval    int     `toml:"reconcile_interval"`
	ReconcileGrace       int     `toml:"reconcile_grace"`
	StaleHeartbeats      int     `toml:"stale_heartbeats"`
	HealthBind           string  `toml:"health_bind"`
	CPUThreshold         float64 `toml:"cpu_threshold"`
	MemoryThreshold      float64 `toml:"memory_threshold"`
	HealthSampleInterval int     `toml:"health_sample_interval"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for vidqueue.
//
// Configuration sections by subsystem:
//   - Paths: ledger, log, and scratch directories
//   - API: bind address, auth token, presigned URL lifetimes, rate limiting
//   - Broker: amqp or redis transport, publish retry policy
//   - Redis: connection shared by the redis broker and rate limiter
//   - ObjectStore: MinIO/S3 endpoint, bucket, credentials
//   - Transcode: ffmpeg binaries, codecs, timeout
//   - Worker: retry budget, heartbeats, reconciliation, health thresholds
//   - Logging: log format, level, and retention
type Config struct {
	Paths       Paths       `toml:"paths"`
	API         API         `toml:"api"`
	Broker      Broker      `toml:"broker"`
	Redis       Redis       `toml:"redis"`
	ObjectStore ObjectStore `toml:"object_store"`
	Transcode   Transcode   `toml:"transcode"`
	Worker      Worker      `toml:"worker"`
	Logging     Logging     `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/vidqueue/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized. A .env file in the working directory is
// loaded first so APP_* overrides can live next to the deployment.
func Load(path string) (*Config, string, bool, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, "", false, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("vidqueue.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for API and worker operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir, c.Paths.ScratchDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// LedgerPath returns the SQLite job ledger location.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.Paths.DataDir, "jobs.db")
}

// UploadURLTTL returns the lifetime of presigned upload URLs.
func (c *Config) UploadURLTTL() time.Duration {
	return time.Duration(c.API.UploadURLExpiry) * time.Second
}

// DownloadURLTTL returns the lifetime of presigned download URLs.
func (c *Config) DownloadURLTTL() time.Duration {
	return time.Duration(c.API.DownloadURLExpiry) * time.Second
}

// TranscodeTimeout returns the hard wall-clock limit for one conversion.
func (c *Config) TranscodeTimeout() time.Duration {
	return time.Duration(c.Transcode.Timeout) * time.Second
}

// BrokerConnectDelay returns the pause between broker connection attempts.
func (c *Config) BrokerConnectDelay() time.Duration {
	return time.Duration(c.Broker.ConnectDelay) * time.Second
}

// PublishBaseDelay returns the first publish retry backoff.
func (c *Config) PublishBaseDelay() time.Duration {
	return time.Duration(c.Broker.PublishBaseDelayMs) * time.Millisecond
}

// PublishMaxDelay caps the publish retry backoff.
func (c *Config) PublishMaxDelay() time.Duration {
	return time.Duration(c.Broker.PublishMaxDelayMs) * time.Millisecond
}

// HeartbeatInterval returns how often an in-flight job refreshes its heartbeat.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Worker.HeartbeatInterval) * time.Second
}

// ReconcileInterval returns the sweep period; zero disables the sweep.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Worker.ReconcileInterval) * time.Second
}

// ReconcileGrace returns how long a pending job may sit unenqueued before the
// sweep republishes it.
func (c *Config) ReconcileGrace() time.Duration {
	return time.Duration(c.Worker.ReconcileGrace) * time.Second
}

// StaleAfter returns how long a processing job may go without a heartbeat
// before the sweep reclaims it.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Worker.StaleHeartbeats) * c.HeartbeatInterval()
}

// HealthSampleInterval returns the CPU/memory sampling period.
func (c *Config) HealthSampleInterval() time.Duration {
	return time.Duration(c.Worker.HealthSampleInterval) * time.Second
}

// RateLimitWindow returns the API rate limiter window.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.API.RateLimitWindow) * time.Second
}

// RedisEnabled reports whether a redis endpoint is configured.
func (c *Config) RedisEnabled() bool {
	return strings.TrimSpace(c.Redis.Addr) != ""
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
