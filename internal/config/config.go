// Package config loads service configuration from an optional YAML or JSON
// file, overridden by environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store and blob drivers.
const (
	DriverBadger   = "badger"
	DriverPostgres = "postgres"
	DriverMinio    = "minio"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Store     StoreConfig     `yaml:"store" json:"store"`
	Blob      BlobConfig      `yaml:"blob" json:"blob"`
	Pipeline  PipelineConfig  `yaml:"pipeline" json:"pipeline"`
	Stream    StreamConfig    `yaml:"stream" json:"stream"`
	Services  ServicesConfig  `yaml:"services" json:"services"`
	LLM       LLMConfig       `yaml:"llm" json:"llm"`
	Auth      JWTConfig       `yaml:"auth" json:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	Kafka     KafkaConfig     `yaml:"kafka" json:"kafka"`
}

type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins" json:"allowed_origins"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver" json:"driver"`
	BadgerDir   string `yaml:"badger_dir" json:"badger_dir"`
	InMemory    bool   `yaml:"in_memory" json:"in_memory"`
	DatabaseURL string `yaml:"database_url" json:"database_url"`
	// PollInterval is the watch interval of polling stores.
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
}

type BlobConfig struct {
	Driver    string `yaml:"driver" json:"driver"`
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	AccessKey string `yaml:"access_key" json:"access_key"`
	SecretKey string `yaml:"secret_key" json:"secret_key"`
	Bucket    string `yaml:"bucket" json:"bucket"`
	Region    string `yaml:"region" json:"region"`
	UseSSL    bool   `yaml:"use_ssl" json:"use_ssl"`
}

type PipelineConfig struct {
	Workers           int           `yaml:"workers" json:"workers"`
	OverflowThreshold int           `yaml:"overflow_threshold_bytes" json:"overflow_threshold_bytes"`
	StageTimeout      time.Duration `yaml:"stage_timeout" json:"stage_timeout"`
	MaxAttempts       int           `yaml:"max_attempts" json:"max_attempts"`
	EnrichPoll        time.Duration `yaml:"enrich_poll_interval" json:"enrich_poll_interval"`
	EnrichChunkSize   int           `yaml:"enrich_chunk_size" json:"enrich_chunk_size"`
	ScoreChunkSize    int           `yaml:"score_chunk_size" json:"score_chunk_size"`
}

type StreamConfig struct {
	Heartbeat time.Duration `yaml:"heartbeat" json:"heartbeat"`
	Watchdog  time.Duration `yaml:"watchdog" json:"watchdog"`
}

type ServicesConfig struct {
	SearchURL       string `yaml:"search_url" json:"search_url"`
	SearchAPIKey    string `yaml:"search_api_key" json:"search_api_key"`
	EnrichURL       string `yaml:"enrich_url" json:"enrich_url"`
	EnrichAPIKey    string `yaml:"enrich_api_key" json:"enrich_api_key"`
	EnrichDatasetID string `yaml:"enrich_dataset_id" json:"enrich_dataset_id"`
}

type LLMConfig struct {
	Provider string `yaml:"provider" json:"provider"`
	APIKey   string `yaml:"api_key" json:"api_key"`
	Model    string `yaml:"model" json:"model"`
	BaseURL  string `yaml:"base_url" json:"base_url"`
}

// RateLimitConfig holds the per-client request limits of the HTTP API.
// Whitelisted clients are never limited; blacklisted ones always are.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	DefaultLimit  int           `yaml:"default_limit" json:"default_limit"`
	DefaultWindow time.Duration `yaml:"default_window" json:"default_window"`
	IdleTTL       time.Duration `yaml:"idle_ttl" json:"idle_ttl"`
	Whitelist     []string      `yaml:"whitelist" json:"whitelist"`
	Blacklist     []string      `yaml:"blacklist" json:"blacklist"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers" json:"brokers"`
	Topic   string   `yaml:"topic" json:"topic"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Driver:       DriverBadger,
			BadgerDir:    "data/badger",
			PollInterval: time.Second,
		},
		Blob: BlobConfig{
			Driver: DriverBadger,
			Bucket: "creator-pipeline",
		},
		Pipeline: PipelineConfig{
			Workers:           16,
			OverflowThreshold: 512 * 1024,
			StageTimeout:      10 * time.Minute,
			MaxAttempts:       3,
			EnrichPoll:        30 * time.Second,
			EnrichChunkSize:   50,
			ScoreChunkSize:    25,
		},
		Stream: StreamConfig{
			Heartbeat: 15 * time.Second,
			Watchdog:  5 * time.Minute,
		},
		LLM: LLMConfig{
			Provider: "openai",
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			DefaultLimit:  1000,
			DefaultWindow: time.Minute,
			IdleTTL:       time.Hour,
		},
		Kafka: KafkaConfig{
			Topic: "creator-pipeline.runs",
		},
	}
}

// Load reads the optional config file at path, applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile merges a YAML file into cfg. JSON files parse as YAML.
func (c *Config) loadFile(path string) error {
	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnvInt("PORT", c.Server.Port)
	if origins := getEnvString("CORS_ALLOWED_ORIGINS", ""); origins != "" {
		c.Server.AllowedOrigins = splitList(origins)
	}

	c.Store.Driver = getEnvString("STORE_DRIVER", c.Store.Driver)
	c.Store.BadgerDir = getEnvString("BADGER_DIR", c.Store.BadgerDir)
	c.Store.InMemory = getEnvBool("BADGER_IN_MEMORY", c.Store.InMemory)
	c.Store.DatabaseURL = getEnvString("DATABASE_URL", c.Store.DatabaseURL)
	c.Store.PollInterval = getEnvDuration("STORE_POLL_INTERVAL", c.Store.PollInterval)

	c.Blob.Driver = getEnvString("BLOB_DRIVER", c.Blob.Driver)
	c.Blob.Endpoint = getEnvString("MINIO_ENDPOINT", c.Blob.Endpoint)
	c.Blob.AccessKey = getEnvString("MINIO_ACCESS_KEY", c.Blob.AccessKey)
	c.Blob.SecretKey = getEnvString("MINIO_SECRET_KEY", c.Blob.SecretKey)
	c.Blob.Bucket = getEnvString("MINIO_BUCKET", c.Blob.Bucket)
	c.Blob.Region = getEnvString("MINIO_REGION", c.Blob.Region)
	c.Blob.UseSSL = getEnvBool("MINIO_USE_SSL", c.Blob.UseSSL)

	c.Pipeline.Workers = getEnvInt("PIPELINE_WORKERS", c.Pipeline.Workers)
	c.Pipeline.OverflowThreshold = getEnvInt("OVERFLOW_THRESHOLD_BYTES", c.Pipeline.OverflowThreshold)
	c.Pipeline.StageTimeout = getEnvDuration("STAGE_TIMEOUT", c.Pipeline.StageTimeout)
	c.Pipeline.MaxAttempts = getEnvInt("STAGE_MAX_ATTEMPTS", c.Pipeline.MaxAttempts)
	c.Pipeline.EnrichPoll = getEnvDuration("ENRICH_POLL_INTERVAL", c.Pipeline.EnrichPoll)

	c.Stream.Heartbeat = getEnvDuration("STREAM_HEARTBEAT", c.Stream.Heartbeat)
	c.Stream.Watchdog = getEnvDuration("STREAM_WATCHDOG", c.Stream.Watchdog)

	c.Services.SearchURL = getEnvString("SEARCH_SERVICE_URL", c.Services.SearchURL)
	c.Services.SearchAPIKey = getEnvString("SEARCH_API_KEY", c.Services.SearchAPIKey)
	c.Services.EnrichURL = getEnvString("ENRICH_SERVICE_URL", c.Services.EnrichURL)
	c.Services.EnrichAPIKey = getEnvString("ENRICH_API_KEY", c.Services.EnrichAPIKey)
	c.Services.EnrichDatasetID = getEnvString("ENRICH_DATASET_ID", c.Services.EnrichDatasetID)

	c.LLM.Provider = getEnvString("LLM_PROVIDER", c.LLM.Provider)
	c.LLM.Model = getEnvString("LLM_MODEL", c.LLM.Model)
	c.LLM.BaseURL = getEnvString("LLM_BASE_URL", c.LLM.BaseURL)
	switch c.LLM.Provider {
	case "gemini":
		c.LLM.APIKey = getEnvString("GEMINI_API_KEY", c.LLM.APIKey)
	default:
		c.LLM.APIKey = getEnvString("OPENAI_API_KEY", c.LLM.APIKey)
	}

	c.Auth.Secret = getEnvString("JWT_SECRET", c.Auth.Secret)

	c.RateLimit.Enabled = getEnvBool("RATE_LIMIT_ENABLED", c.RateLimit.Enabled)
	c.RateLimit.DefaultLimit = getEnvInt("RATE_LIMIT_DEFAULT_LIMIT", c.RateLimit.DefaultLimit)
	c.RateLimit.DefaultWindow = getEnvDuration("RATE_LIMIT_DEFAULT_WINDOW", c.RateLimit.DefaultWindow)
	c.RateLimit.IdleTTL = getEnvDuration("RATE_LIMIT_IDLE_TTL", c.RateLimit.IdleTTL)
	if list := getEnvString("RATE_LIMIT_WHITELIST", ""); list != "" {
		c.RateLimit.Whitelist = splitList(list)
	}
	if list := getEnvString("RATE_LIMIT_BLACKLIST", ""); list != "" {
		c.RateLimit.Blacklist = splitList(list)
	}

	if brokers := getEnvString("KAFKA_BROKERS", ""); brokers != "" {
		c.Kafka.Brokers = splitList(brokers)
	}
	c.Kafka.Topic = getEnvString("KAFKA_TOPIC", c.Kafka.Topic)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}

	switch c.Store.Driver {
	case DriverBadger:
		if !c.Store.InMemory && c.Store.BadgerDir == "" {
			errs = append(errs, errors.New("store.badger_dir is required for the badger driver"))
		}
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver: %q", c.Store.Driver))
	}

	switch c.Blob.Driver {
	case DriverBadger:
		if c.Store.Driver != DriverBadger {
			errs = append(errs, errors.New("the badger blob driver requires the badger store driver"))
		}
	case DriverMinio:
		if c.Blob.Endpoint == "" || c.Blob.Bucket == "" {
			errs = append(errs, errors.New("blob.endpoint and blob.bucket are required for the minio driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown blob driver: %q", c.Blob.Driver))
	}

	if c.Pipeline.Workers < 1 {
		errs = append(errs, errors.New("pipeline.workers must be at least 1"))
	}
	if c.Pipeline.OverflowThreshold < 1 {
		errs = append(errs, errors.New("pipeline.overflow_threshold_bytes must be positive"))
	}
	if c.Pipeline.StageTimeout <= 0 || c.Pipeline.MaxAttempts < 1 {
		errs = append(errs, errors.New("pipeline.stage_timeout and pipeline.max_attempts must be positive"))
	}
	if c.Stream.Heartbeat <= 0 || c.Stream.Watchdog <= 0 {
		errs = append(errs, errors.New("stream.heartbeat and stream.watchdog must be positive"))
	}
	if c.Stream.Watchdog <= c.Stream.Heartbeat {
		errs = append(errs, errors.New("stream.watchdog must be longer than stream.heartbeat"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.DefaultLimit < 1 || c.RateLimit.DefaultWindow <= 0) {
		errs = append(errs, errors.New("rate_limit.default_limit and rate_limit.default_window must be positive"))
	}
	if c.LLM.Provider != "openai" && c.LLM.Provider != "gemini" {
		errs = append(errs, fmt.Errorf("unknown llm provider: %q", c.LLM.Provider))
	}

	return errors.Join(errs...)
}

// KafkaEnabled reports whether terminal run events are published.
func (c *Config) KafkaEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}

// getEnvString gets an environment variable as a string with a default value.
func getEnvString(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer with a default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool gets an environment variable as a boolean with a default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration gets an environment variable as a duration with a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
