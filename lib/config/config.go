package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	NATS      NATSConfig      `yaml:"nats"`
	Store     StoreConfig     `yaml:"store"`
	Messaging MessagingConfig `yaml:"messaging"`
	Session   SessionConfig   `yaml:"session"`
}

// NATSConfig describes the shared backend. When URL is set agents connect
// to an existing server; otherwise the server command embeds one.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type MessagingConfig struct {
	DefaultTTL        time.Duration `yaml:"default_ttl"`
	MaxTTL            time.Duration `yaml:"max_ttl"`
	DefaultQueueSize  int           `yaml:"default_queue_size"`
	AckTimeout        time.Duration `yaml:"ack_timeout"`
	AckPollInterval   time.Duration `yaml:"ack_poll_interval"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	MaxRetryBackoff   time.Duration `yaml:"max_retry_backoff"`
	Compression       string        `yaml:"compression"`
	CompressThreshold int           `yaml:"compress_threshold"`
	DedupTTL          time.Duration `yaml:"dedup_ttl"`
}

type SessionConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	SweepSchedule   string        `yaml:"sweep_schedule"`
	VaultPassphrase string        `yaml:"vault_passphrase"`
}

func defaults() Config {
	return Config{
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/courier.db",
		},
		Messaging: DefaultMessaging(),
		Session: SessionConfig{
			TTL:           24 * time.Hour,
			SweepSchedule: "*/15 * * * *",
		},
	}
}

// DefaultMessaging returns the messaging defaults. Exported so callers that
// build a service without a config file get the same values.
func DefaultMessaging() MessagingConfig {
	return MessagingConfig{
		DefaultTTL:        time.Hour,
		MaxTTL:            24 * time.Hour,
		DefaultQueueSize:  1000,
		AckTimeout:        5 * time.Second,
		AckPollInterval:   100 * time.Millisecond,
		MaxRetries:        3,
		RetryBackoff:      200 * time.Millisecond,
		MaxRetryBackoff:   5 * time.Second,
		Compression:       "zstd",
		CompressThreshold: 1024,
		DedupTTL:          24 * time.Hour,
	}
}

func Load() (*Config, error) {
	path := os.Getenv("COURIER_CONFIG")
	if path == "" {
		path = "config/courier.yaml"
	}
	return LoadFile(path)
}

// LoadFile reads the YAML file at path on top of the defaults. A missing
// file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("COURIER_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("COURIER_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("COURIER_NATS_DATA_DIR"); v != "" {
		cfg.NATS.DataDir = v
	}
	if v := os.Getenv("COURIER_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("COURIER_VAULT_PASSPHRASE"); v != "" {
		cfg.Session.VaultPassphrase = v
	}
}

func (c *Config) validate() error {
	m := c.Messaging
	if m.DefaultQueueSize <= 0 {
		return fmt.Errorf("messaging.default_queue_size must be positive, got %d", m.DefaultQueueSize)
	}
	if m.DefaultTTL <= 0 {
		return fmt.Errorf("messaging.default_ttl must be positive, got %v", m.DefaultTTL)
	}
	if m.MaxTTL < m.DefaultTTL {
		return fmt.Errorf("messaging.max_ttl %v is below default_ttl %v", m.MaxTTL, m.DefaultTTL)
	}
	if m.AckTimeout <= 0 {
		return fmt.Errorf("messaging.ack_timeout must be positive, got %v", m.AckTimeout)
	}
	if m.MaxRetries <= 0 {
		return fmt.Errorf("messaging.max_retries must be positive, got %d", m.MaxRetries)
	}
	switch m.Compression {
	case "none", "zstd", "lz4":
	default:
		return fmt.Errorf("messaging.compression: unknown algorithm %q", m.Compression)
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive, got %v", c.Session.TTL)
	}
	return nil
}
