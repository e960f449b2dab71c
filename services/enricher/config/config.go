package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-enrich-flow/internal/domain"
	"github.com/ramiqadoumi/go-enrich-flow/services/scheduler"
)

// Backend names accepted by store and quota_backend.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Config holds typed configuration for the enricher.
type Config struct {
	LogLevel     string
	HTTPPort     string
	MetricsAddr  string
	KafkaBrokers string
	RedisAddr    string
	PostgresDSN  string
	OTelEndpoint string

	Store        string
	QuotaBackend string
	// HotCacheTTL enables the Redis read layer over the durable cache when
	// positive.
	HotCacheTTL time.Duration
	AutoMigrate bool

	Concurrency   int
	MaxAttempts   int
	DeferHorizon  time.Duration
	DrainInterval time.Duration
	StaleAfter    time.Duration
	BackoffBase   time.Duration
	BackoffMax    time.Duration

	Sources   []domain.SourceDescriptor
	Schedules []scheduler.Policy
}

// Brokers splits KafkaBrokers. An empty setting yields nil, which disables
// event publishing.
func (c Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// NeedsRedis reports whether any configured component talks to Redis.
func (c Config) NeedsRedis() bool {
	return c.QuotaBackend == BackendRedis || c.HotCacheTTL > 0
}

// Load reads all values from the given viper instance and validates the
// source and schedule sections.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		LogLevel:      v.GetString("log_level"),
		HTTPPort:      v.GetString("http_port"),
		MetricsAddr:   v.GetString("metrics_addr"),
		KafkaBrokers:  v.GetString("kafka_brokers"),
		RedisAddr:     v.GetString("redis_addr"),
		PostgresDSN:   v.GetString("postgres_dsn"),
		OTelEndpoint:  v.GetString("otel_endpoint"),
		Store:         v.GetString("store"),
		QuotaBackend:  v.GetString("quota_backend"),
		HotCacheTTL:   v.GetDuration("hot_cache_ttl"),
		AutoMigrate:   v.GetBool("migrate"),
		Concurrency:   v.GetInt("concurrency"),
		MaxAttempts:   v.GetInt("max_attempts"),
		DeferHorizon:  v.GetDuration("defer_horizon"),
		DrainInterval: v.GetDuration("drain_interval"),
		StaleAfter:    v.GetDuration("stale_after"),
		BackoffBase:   v.GetDuration("backoff_base"),
		BackoffMax:    v.GetDuration("backoff_max"),
	}
	if cfg.Store == "" {
		cfg.Store = BackendPostgres
	}
	if cfg.QuotaBackend == "" {
		cfg.QuotaBackend = BackendRedis
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	if err := v.UnmarshalKey("sources", &cfg.Sources); err != nil {
		return Config{}, fmt.Errorf("decode sources: %w", err)
	}
	if err := v.UnmarshalKey("schedules", &cfg.Schedules); err != nil {
		return Config{}, fmt.Errorf("decode schedules: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Store {
	case BackendPostgres, BackendMemory:
	default:
		return fmt.Errorf("store must be %s or %s, got %q", BackendPostgres, BackendMemory, c.Store)
	}
	switch c.QuotaBackend {
	case BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("quota_backend must be %s or %s, got %q", BackendRedis, BackendMemory, c.QuotaBackend)
	}
	if len(c.Sources) == 0 {
		return errors.New("no sources configured")
	}

	ids := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		if s.ID == "" {
			return errors.New("source without an id")
		}
		if ids[s.ID] {
			return fmt.Errorf("duplicate source %q", s.ID)
		}
		ids[s.ID] = true
		if s.DailyCap < 0 || s.MinInterval < 0 || s.InterTaskDelay < 0 {
			return fmt.Errorf("source %q: limits must not be negative", s.ID)
		}
	}
	for _, s := range c.Sources {
		for _, fb := range s.Fallbacks {
			if !ids[fb] {
				return fmt.Errorf("source %q: fallback %w", s.ID, &domain.UnknownSourceError{SourceID: fb})
			}
			if fb == s.ID {
				return fmt.Errorf("source %q lists itself as a fallback", s.ID)
			}
		}
	}
	for _, p := range c.Schedules {
		if p.BatchSize <= 0 {
			return fmt.Errorf("schedule %q: batch_size must be positive", p.Name)
		}
	}
	return nil
}
