package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateAPI(); err != nil {
		return err
	}
	if err := c.validateBroker(); err != nil {
		return err
	}
	if err := c.validateObjectStore(); err != nil {
		return err
	}
	if err := c.validateTranscode(); err != nil {
		return err
	}
	if err := c.validateWorker(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateAPI() error {
	if c.API.RateLimit < 0 {
		return errors.New("api.rate_limit must be >= 0")
	}
	if c.API.RateLimit > 0 && !c.RedisEnabled() {
		return errors.New("api.rate_limit requires redis.addr (or APP_REDIS_ADDR)")
	}
	return nil
}

func (c *Config) validateBroker() error {
	switch c.Broker.Kind {
	case "amqp":
		if c.Broker.URL == "" {
			return errors.New("broker.url must be set when broker.kind is amqp (or set APP_BROKER_URL)")
		}
	case "redis":
		if !c.RedisEnabled() {
			return errors.New("redis.addr must be set when broker.kind is redis")
		}
	default:
		return fmt.Errorf("broker.kind: unsupported value %q (want amqp or redis)", c.Broker.Kind)
	}
	if c.Broker.MessageTTL < 0 {
		return errors.New("broker.message_ttl must be >= 0")
	}
	if c.Broker.PublishMaxDelayMs < c.Broker.PublishBaseDelayMs {
		return errors.New("broker.publish_max_delay_ms must be >= broker.publish_base_delay_ms")
	}
	return nil
}

func (c *Config) validateObjectStore() error {
	if strings.TrimSpace(c.ObjectStore.Endpoint) == "" {
		return errors.New("object_store.endpoint must be set")
	}
	if strings.Contains(c.ObjectStore.Endpoint, "://") {
		return errors.New("object_store.endpoint must be host:port without a scheme (use object_store.secure for TLS)")
	}
	if strings.Contains(c.ObjectStore.ExternalEndpoint, "://") {
		return errors.New("object_store.external_endpoint must be host:port without a scheme")
	}
	return nil
}

func (c *Config) validateTranscode() error {
	if err := ensurePositiveMap(map[string]int{
		"transcode.timeout": c.Transcode.Timeout,
	}); err != nil {
		return err
	}
	if c.Transcode.CRF < 0 || c.Transcode.CRF > 63 {
		return errors.New("transcode.crf must be between 0 and 63")
	}
	return nil
}

func (c *Config) validateWorker() error {
	if err := ensurePositiveMap(map[string]int{
		"worker.max_attempts":       c.Worker.MaxAttempts,
		"worker.heartbeat_interval": c.Worker.HeartbeatInterval,
		"worker.stale_heartbeats":   c.Worker.StaleHeartbeats,
	}); err != nil {
		return err
	}
	if c.Worker.ReconcileInterval < 0 {
		return errors.New("worker.reconcile_interval must be >= 0 (0 disables the sweep)")
	}
	if c.Worker.CPUThreshold <= 0 || c.Worker.CPUThreshold > 100 {
		return errors.New("worker.cpu_threshold must be between 0 and 100")
	}
	if c.Worker.MemoryThreshold <= 0 || c.Worker.MemoryThreshold > 100 {
		return errors.New("worker.memory_threshold must be between 0 and 100")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
