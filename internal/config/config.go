// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Database is the Store's backing connection (§6 db_url).
type Database struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// VectorStore is the VectorSink collaborator (§4.4).
type VectorStore struct {
	URL               string        `mapstructure:"url"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	ImageEmbeddingCol string        `mapstructure:"image_embedding_collection"`
	FaceEmbeddingCol  string        `mapstructure:"face_embedding_collection"`
	FaceIDMultiplier  int64         `mapstructure:"face_id_multiplier"`
}

// MediaStore is the MediaFetcher collaborator (§4.3).
type MediaStore struct {
	URL             string        `mapstructure:"url"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	RateLimitPerSec float64       `mapstructure:"rate_limit_per_sec"`
	RateLimitBurst  int           `mapstructure:"rate_limit_burst"`
}

// InferenceEngine is the HTTPEngine's model-serving endpoint (§4.5).
type InferenceEngine struct {
	URL            string        `mapstructure:"url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Broker is the Broadcaster's pub/sub endpoint (§4.6).
type Broker struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	PublishRetry   int           `mapstructure:"publish_retry"`
	PublishBackoff time.Duration `mapstructure:"publish_backoff"`
}

// LeaseCache is the optional Redis-backed mirror of PriorityQueue lease
// ownership (§4.2). It is never the source of truth: Store's queue_entries
// table is authoritative. PriorityQueue writes to it and never reads it, so
// leasing behaves the same whether it is enabled, disabled or unreachable.
type LeaseCache struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Auth is the AuthGate's verification configuration (§4.9).
type Auth struct {
	PublicKeyPath string        `mapstructure:"public_key_path"`
	PublicKeyURL  string        `mapstructure:"public_key_url"`
	Algorithm     string        `mapstructure:"algorithm"`
	Disabled      bool          `mapstructure:"auth_disabled"`
	KeyRefresh    time.Duration `mapstructure:"key_refresh"`
}

type Backoff struct {
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

// Worker is the execution-loop tuning (§4.7).
type Worker struct {
	Count         int           `mapstructure:"count"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	LeaseDuration time.Duration `mapstructure:"lease_duration"`
	MaxRetries    int           `mapstructure:"max_retries"`
	Backoff       Backoff       `mapstructure:"backoff"`
	BreakerPause  time.Duration `mapstructure:"breaker_pause"`
	InferencePool int           `mapstructure:"inference_pool_size"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Endpoint     string  `mapstructure:"endpoint"`
	Environment  string  `mapstructure:"environment"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
	Insecure     bool    `mapstructure:"insecure"`
}

type Observability struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	Tracing             TracingConfig `mapstructure:"tracing"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
}

// API is the §6 HTTP surface configuration.
type API struct {
	ListenAddr         string        `mapstructure:"listen_addr"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	RateLimitEnabled   bool          `mapstructure:"rate_limit_enabled"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute"`
	RateLimitBurst     int           `mapstructure:"rate_limit_burst"`
	CORSEnabled        bool          `mapstructure:"cors_enabled"`
	CORSAllowOrigins   []string      `mapstructure:"cors_allow_origins"`
	AuditEnabled       bool          `mapstructure:"audit_enabled"`
	AuditLogPath       string        `mapstructure:"audit_log_path"`
}

type Config struct {
	DataDir        string         `mapstructure:"data_dir"`
	Database       Database       `mapstructure:"database"`
	LeaseCache     LeaseCache     `mapstructure:"lease_cache"`
	VectorStore    VectorStore    `mapstructure:"vector_store"`
	MediaStore     MediaStore     `mapstructure:"media_store"`
	InferenceEngine InferenceEngine `mapstructure:"inference_engine"`
	Broker         Broker         `mapstructure:"broker"`
	Auth           Auth           `mapstructure:"auth"`
	Worker         Worker         `mapstructure:"worker"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Observability  Observability  `mapstructure:"observability"`
	API            API            `mapstructure:"api"`
}

func defaultConfig() *Config {
	return &Config{
		DataDir: "./data",
		Database: Database{
			URL:             "sqlite://./data/inferqueue.db",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		LeaseCache: LeaseCache{
			Enabled: false,
			Addr:    "localhost:6379",
			DB:      0,
		},
		VectorStore: VectorStore{
			URL:               "http://localhost:6333",
			RequestTimeout:    5 * time.Second,
			ImageEmbeddingCol: "image_embeddings",
			FaceEmbeddingCol:  "face_embeddings",
			FaceIDMultiplier:  1000,
		},
		MediaStore: MediaStore{
			URL:             "http://localhost:8001",
			RequestTimeout:  10 * time.Second,
			RateLimitPerSec: 50,
			RateLimitBurst:  10,
		},
		InferenceEngine: InferenceEngine{
			URL:            "http://localhost:8500",
			RequestTimeout: 30 * time.Second,
		},
		Broker: Broker{
			Host:           "localhost",
			Port:           4222,
			PublishRetry:   3,
			PublishBackoff: 250 * time.Millisecond,
		},
		Auth: Auth{
			PublicKeyPath: "./data/public_key.pem",
			Algorithm:  "RS256",
			Disabled:   false,
			KeyRefresh: 10 * time.Minute,
		},
		Worker: Worker{
			Count:         8,
			PollInterval:  5 * time.Second,
			LeaseDuration: 2 * time.Minute,
			MaxRetries:    3,
			Backoff:       Backoff{Base: 500 * time.Millisecond, Max: 10 * time.Second},
			BreakerPause:  100 * time.Millisecond,
			InferencePool: 4,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Observability: Observability{
			MetricsPort:         9090,
			LogLevel:            "info",
			Tracing:             TracingConfig{Enabled: false},
			QueueSampleInterval: 2 * time.Second,
		},
		API: API{
			ListenAddr:         ":8002",
			ReadTimeout:        10 * time.Second,
			WriteTimeout:       10 * time.Second,
			RequestTimeout:     30 * time.Second,
			RateLimitEnabled:   true,
			RateLimitPerMinute: 600,
			RateLimitBurst:     60,
			CORSEnabled:        false,
			AuditEnabled:       true,
			AuditLogPath:       "./data/audit.log",
		},
	}
}

// Load reads configuration from a YAML file and environment overrides,
// exactly as the teacher's config layer does: defaults seeded first,
// file second, env last.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	setDefaults(v, def)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data_dir is required")
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("data_dir", def.DataDir)

	v.SetDefault("database.url", def.Database.URL)
	v.SetDefault("database.max_open_conns", def.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", def.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", def.Database.ConnMaxLifetime)

	v.SetDefault("lease_cache.enabled", def.LeaseCache.Enabled)
	v.SetDefault("lease_cache.addr", def.LeaseCache.Addr)
	v.SetDefault("lease_cache.db", def.LeaseCache.DB)

	v.SetDefault("vector_store.url", def.VectorStore.URL)
	v.SetDefault("vector_store.request_timeout", def.VectorStore.RequestTimeout)
	v.SetDefault("vector_store.image_embedding_collection", def.VectorStore.ImageEmbeddingCol)
	v.SetDefault("vector_store.face_embedding_collection", def.VectorStore.FaceEmbeddingCol)
	v.SetDefault("vector_store.face_id_multiplier", def.VectorStore.FaceIDMultiplier)

	v.SetDefault("media_store.url", def.MediaStore.URL)
	v.SetDefault("media_store.request_timeout", def.MediaStore.RequestTimeout)
	v.SetDefault("media_store.rate_limit_per_sec", def.MediaStore.RateLimitPerSec)
	v.SetDefault("media_store.rate_limit_burst", def.MediaStore.RateLimitBurst)

	v.SetDefault("inference_engine.url", def.InferenceEngine.URL)
	v.SetDefault("inference_engine.request_timeout", def.InferenceEngine.RequestTimeout)

	v.SetDefault("broker.host", def.Broker.Host)
	v.SetDefault("broker.port", def.Broker.Port)
	v.SetDefault("broker.publish_retry", def.Broker.PublishRetry)
	v.SetDefault("broker.publish_backoff", def.Broker.PublishBackoff)

	v.SetDefault("auth.public_key_path", def.Auth.PublicKeyPath)
	v.SetDefault("auth.algorithm", def.Auth.Algorithm)
	v.SetDefault("auth.auth_disabled", def.Auth.Disabled)
	v.SetDefault("auth.key_refresh", def.Auth.KeyRefresh)

	v.SetDefault("worker.count", def.Worker.Count)
	v.SetDefault("worker.poll_interval", def.Worker.PollInterval)
	v.SetDefault("worker.lease_duration", def.Worker.LeaseDuration)
	v.SetDefault("worker.max_retries", def.Worker.MaxRetries)
	v.SetDefault("worker.backoff.base", def.Worker.Backoff.Base)
	v.SetDefault("worker.backoff.max", def.Worker.Backoff.Max)
	v.SetDefault("worker.breaker_pause", def.Worker.BreakerPause)
	v.SetDefault("worker.inference_pool_size", def.Worker.InferencePool)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)

	v.SetDefault("api.listen_addr", def.API.ListenAddr)
	v.SetDefault("api.read_timeout", def.API.ReadTimeout)
	v.SetDefault("api.write_timeout", def.API.WriteTimeout)
	v.SetDefault("api.request_timeout", def.API.RequestTimeout)
	v.SetDefault("api.rate_limit_enabled", def.API.RateLimitEnabled)
	v.SetDefault("api.rate_limit_per_minute", def.API.RateLimitPerMinute)
	v.SetDefault("api.rate_limit_burst", def.API.RateLimitBurst)
	v.SetDefault("api.cors_enabled", def.API.CORSEnabled)
	v.SetDefault("api.audit_enabled", def.API.AuditEnabled)
	v.SetDefault("api.audit_log_path", def.API.AuditLogPath)
}

// Validate checks config constraints: worker tuning, database URL, metrics
// port, auth key source and face-id multiplier. Request timeouts are not
// checked.
func Validate(cfg *Config) error {
	if cfg.Worker.Count < 1 {
		return fmt.Errorf("worker.count must be >= 1")
	}
	if cfg.Worker.LeaseDuration < time.Second {
		return fmt.Errorf("worker.lease_duration must be >= 1s")
	}
	if cfg.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval must be > 0")
	}
	if cfg.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker.max_retries must be >= 0")
	}
	if cfg.Worker.InferencePool < 1 {
		return fmt.Errorf("worker.inference_pool_size must be >= 1")
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url must be set")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if !cfg.Auth.Disabled && cfg.Auth.PublicKeyPath == "" && cfg.Auth.PublicKeyURL == "" {
		return fmt.Errorf("auth.public_key_path or auth.public_key_url must be set unless auth.auth_disabled")
	}
	if cfg.VectorStore.FaceIDMultiplier <= 0 {
		return fmt.Errorf("vector_store.face_id_multiplier must be > 0")
	}
	return nil
}

// DefaultPriority is the §3 priority assigned when a submission omits one.
const DefaultPriority = 5

// MinPriority and MaxPriority bound the §3/§8 accepted priority range.
const (
	MinPriority = 0
	MaxPriority = 10
)
