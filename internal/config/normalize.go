package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeAPI()
	c.normalizeBroker()
	c.normalizeRedis()
	c.normalizeObjectStore()
	c.normalizeTranscode()
	c.normalizeWorker()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.ScratchDir) == "" {
		c.Paths.ScratchDir = defaultScratchDir
	}
	if c.Paths.ScratchDir, err = expandPath(c.Paths.ScratchDir); err != nil {
		return fmt.Errorf("paths.scratch_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeAPI() {
	c.API.Bind = strings.TrimSpace(c.API.Bind)
	if c.API.Bind == "" {
		c.API.Bind = defaultAPIBind
	}
	envOverride(&c.API.Token, "APP_API_TOKEN")
	c.API.Token = strings.TrimSpace(c.API.Token)
	if c.API.UploadURLExpiry <= 0 {
		c.API.UploadURLExpiry = defaultUploadURLExpiry
	}
	if c.API.DownloadURLExpiry <= 0 {
		c.API.DownloadURLExpiry = defaultDownloadURLExpiry
	}
	if c.API.RateLimitWindow <= 0 {
		c.API.RateLimitWindow = defaultRateLimitWindow
	}
}

func (c *Config) normalizeBroker() {
	c.Broker.Kind = strings.ToLower(strings.TrimSpace(c.Broker.Kind))
	if c.Broker.Kind == "" {
		c.Broker.Kind = defaultBrokerKind
	}
	envOverride(&c.Broker.URL, "APP_BROKER_URL")
	c.Broker.URL = strings.TrimSpace(c.Broker.URL)
	c.Broker.Queue = strings.TrimSpace(c.Broker.Queue)
	if c.Broker.Queue == "" {
		c.Broker.Queue = defaultBrokerQueue
	}
	if c.Broker.PublishAttempts <= 0 {
		c.Broker.PublishAttempts = defaultPublishAttempts
	}
	if c.Broker.PublishBaseDelayMs <= 0 {
		c.Broker.PublishBaseDelayMs = defaultPublishBaseDelayMs
	}
	if c.Broker.PublishMaxDelayMs <= 0 {
		c.Broker.PublishMaxDelayMs = defaultPublishMaxDelayMs
	}
	if c.Broker.ConnectAttempts <= 0 {
		c.Broker.ConnectAttempts = defaultConnectAttempts
	}
	if c.Broker.ConnectDelay <= 0 {
		c.Broker.ConnectDelay = defaultConnectDelay
	}
}

func (c *Config) normalizeRedis() {
	envOverride(&c.Redis.Addr, "APP_REDIS_ADDR")
	envOverride(&c.Redis.Password, "APP_REDIS_PASSWORD")
	c.Redis.Addr = strings.TrimSpace(c.Redis.Addr)
}

func (c *Config) normalizeObjectStore() {
	envOverride(&c.ObjectStore.Endpoint, "APP_MINIO_ENDPOINT")
	envOverride(&c.ObjectStore.ExternalEndpoint, "APP_MINIO_EXTERNAL_ENDPOINT")
	envOverride(&c.ObjectStore.AccessKey, "APP_MINIO_ACCESS_KEY")
	envOverride(&c.ObjectStore.SecretKey, "APP_MINIO_SECRET_KEY")
	c.ObjectStore.Endpoint = strings.TrimSpace(c.ObjectStore.Endpoint)
	c.ObjectStore.ExternalEndpoint = strings.TrimSpace(c.ObjectStore.ExternalEndpoint)
	c.ObjectStore.Bucket = strings.TrimSpace(c.ObjectStore.Bucket)
	if c.ObjectStore.Bucket == "" {
		c.ObjectStore.Bucket = defaultObjectBucket
	}
	c.ObjectStore.Region = strings.TrimSpace(c.ObjectStore.Region)
	if c.ObjectStore.Region == "" {
		c.ObjectStore.Region = defaultObjectRegion
	}
}

func (c *Config) normalizeTranscode() {
	c.Transcode.FFmpegBinary = strings.TrimSpace(c.Transcode.FFmpegBinary)
	if c.Transcode.FFmpegBinary == "" {
		c.Transcode.FFmpegBinary = defaultFFmpegBinary
	}
	c.Transcode.FFprobeBinary = strings.TrimSpace(c.Transcode.FFprobeBinary)
	if c.Transcode.FFprobeBinary == "" {
		c.Transcode.FFprobeBinary = defaultFFprobeBinary
	}
	c.Transcode.VideoCodec = strings.TrimSpace(c.Transcode.VideoCodec)
	if c.Transcode.VideoCodec == "" {
		c.Transcode.VideoCodec = defaultVideoCodec
	}
	c.Transcode.AudioCodec = strings.TrimSpace(c.Transcode.AudioCodec)
	if c.Transcode.AudioCodec == "" {
		c.Transcode.AudioCodec = defaultAudioCodec
	}
	c.Transcode.Preset = strings.TrimSpace(c.Transcode.Preset)
	if c.Transcode.Preset == "" {
		c.Transcode.Preset = defaultPreset
	}
}

func (c *Config) normalizeWorker() {
	c.Worker.HealthBind = strings.TrimSpace(c.Worker.HealthBind)
	if c.Worker.HealthSampleInterval <= 0 {
		c.Worker.HealthSampleInterval = defaultHealthSampleInterval
	}
	if c.Worker.ReconcileGrace < 0 {
		c.Worker.ReconcileGrace = 0
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}

// envOverride replaces target with the named environment variable when it is
// set to a non-empty value.
func envOverride(target *string, key string) {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}
