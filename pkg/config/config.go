// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Postgres, Redis, Kafka, Analyzer, Index, Search, Pipeline,
// Suggest, Analytics, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Analyzer  AnalyzerConfig  `yaml:"analyzer"`
	Index     IndexConfig     `yaml:"index"`
	Search    SearchConfig    `yaml:"search"`
	Ranking   RankingConfig   `yaml:"ranking"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Suggest   SuggestConfig   `yaml:"suggest"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// RedisConfig holds Redis connection and caching parameters.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	QueryEvents string `yaml:"queryEvents"`
	IndexEvents string `yaml:"indexEvents"`
}

// AnalyzerConfig controls tokenisation: stop-word locale and the minimum
// term length kept in the index.
type AnalyzerConfig struct {
	Locale        string `yaml:"locale"`
	MinTermLength int    `yaml:"minTermLength"`
}

// IndexConfig controls the index store's lock striping and startup checks.
type IndexConfig struct {
	NumShards      int  `yaml:"numShards"`
	VerifyOnLoad   bool `yaml:"verifyOnLoad"`
	PositionsLimit int  `yaml:"positionsLimit"`
}

// SearchConfig controls query execution limits and timeouts.
type SearchConfig struct {
	MaxResults   int           `yaml:"maxResults"`
	DefaultLimit int           `yaml:"defaultLimit"`
	QueryTimeout time.Duration `yaml:"queryTimeout"`
	MaxFacets    int           `yaml:"maxFacets"`
}

// RankingConfig exposes every scoring curve constant as configuration.
// The curve shapes are tuning targets, not fixed by the engine.
type RankingConfig struct {
	FieldBoosts          map[string]float64 `yaml:"fieldBoosts"`
	PopularityWeight     float64            `yaml:"popularityWeight"`
	RecencyWeight        float64            `yaml:"recencyWeight"`
	RecencyHalfLife      time.Duration      `yaml:"recencyHalfLife"`
	PersonalizationClamp float64            `yaml:"personalizationClamp"`
}

// PipelineConfig controls the indexing job queue, worker pool, and retry
// policy.
type PipelineConfig struct {
	QueueSize    int           `yaml:"queueSize"`
	QueueCeiling int           `yaml:"queueCeiling"`
	Workers      int           `yaml:"workers"`
	MaxAttempts  int           `yaml:"maxAttempts"`
	InitialDelay time.Duration `yaml:"initialDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
	BatchChunk   int           `yaml:"batchChunk"`
}

// SuggestConfig controls autocomplete and spelling correction.
type SuggestConfig struct {
	MaxSuggestions      int     `yaml:"maxSuggestions"`
	SimilarityThreshold float64 `yaml:"similarityThreshold"`
	ZeroResultCutoff    int     `yaml:"zeroResultCutoff"`
}

// AnalyticsConfig controls the query-log recorder.
type AnalyticsConfig struct {
	BufferSize    int           `yaml:"bufferSize"`
	RollingWindow time.Duration `yaml:"rollingWindow"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// Default returns a Config with production-ready defaults for local
// development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "searchd",
			User:            "searchd",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 10,
			CacheTTL: 60 * time.Second,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "searchd-group",
			Topics: KafkaTopics{
				QueryEvents: "search-query-events",
				IndexEvents: "search-index-events",
			},
		},
		Analyzer: AnalyzerConfig{
			Locale:        "en",
			MinTermLength: 2,
		},
		Index: IndexConfig{
			NumShards:      8,
			VerifyOnLoad:   false,
			PositionsLimit: 1024,
		},
		Search: SearchConfig{
			MaxResults:   100,
			DefaultLimit: 10,
			QueryTimeout: 150 * time.Millisecond,
			MaxFacets:    25,
		},
		Ranking: RankingConfig{
			FieldBoosts: map[string]float64{
				"title": 3.0,
				"tags":  2.0,
				"body":  1.0,
			},
			PopularityWeight:     0.5,
			RecencyWeight:        0.25,
			RecencyHalfLife:      30 * 24 * time.Hour,
			PersonalizationClamp: 0.2,
		},
		Pipeline: PipelineConfig{
			QueueSize:    1024,
			QueueCeiling: 768,
			Workers:      4,
			MaxAttempts:  5,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     30 * time.Second,
			BatchChunk:   500,
		},
		Suggest: SuggestConfig{
			MaxSuggestions:      5,
			SimilarityThreshold: 0.4,
			ZeroResultCutoff:    0,
		},
		Analytics: AnalyticsConfig{
			BufferSize:    10000,
			RollingWindow: 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads SD_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SD_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SD_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("SD_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("SD_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("SD_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("SD_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("SD_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("SD_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("SD_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SD_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("SD_SEARCH_QUERY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Search.QueryTimeout = d
		}
	}
	if v := os.Getenv("SD_PIPELINE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.Workers = n
		}
	}
	if v := os.Getenv("SD_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SD_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
