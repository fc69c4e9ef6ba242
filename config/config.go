package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

const DefaultConfigPath = "config/config.yml"

const (
	SourcePostgres = "postgres"
	SourceParquet  = "parquet"
	SourceCSV      = "csv"
	SourceKafka    = "kafka"
	SourceBinance  = "binance"
)

const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Display    DisplayConfig    `yaml:"display"`
	Source     SourceConfig     `yaml:"source"`
	Cache      CacheConfig      `yaml:"cache"`
	Server     ServerConfig     `yaml:"server"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type ServiceConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// DisplayConfig controls how selections are interpreted. Time-of-day
// selections are read in the display zone; comparisons always use instants.
type DisplayConfig struct {
	TimezoneOffsetHours int           `yaml:"timezone_offset_hours"`
	SnapshotWindow      time.Duration `yaml:"snapshot_window"`
	TrendBucket         time.Duration `yaml:"trend_bucket"`
	DefaultAsset        string        `yaml:"default_asset"`
}

type SourceConfig struct {
	Kind     string         `yaml:"kind"`
	Lookback time.Duration  `yaml:"lookback"`
	Timeout  time.Duration  `yaml:"timeout"`
	Postgres PostgresConfig `yaml:"postgres"`
	Parquet  ParquetConfig  `yaml:"parquet"`
	CSV      CSVConfig      `yaml:"csv"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Binance  BinanceConfig  `yaml:"binance"`
}

type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	Table    string `yaml:"table"`
	MaxConns int32  `yaml:"max_conns"`
}

type ParquetConfig struct {
	Path string   `yaml:"path"`
	S3   S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type CSVConfig struct {
	Path string `yaml:"path"`
}

type KafkaConfig struct {
	Brokers   []string      `yaml:"brokers"`
	Topic     string        `yaml:"topic"`
	GroupID   string        `yaml:"group_id"`
	Retention time.Duration `yaml:"retention"`
	MaxRows   int           `yaml:"max_rows"`
}

type BinanceConfig struct {
	Exchange  string          `yaml:"exchange"`
	Symbols   []BinanceSymbol `yaml:"symbols"`
	Interval  time.Duration   `yaml:"interval"`
	Retention time.Duration   `yaml:"retention"`
	MaxRows   int             `yaml:"max_rows"`
}

// BinanceSymbol maps an exchange symbol to the asset it quotes.
type BinanceSymbol struct {
	Symbol string  `yaml:"symbol"`
	Asset  string  `yaml:"asset"`
	FXRate float64 `yaml:"fx_rate"`
}

type CacheConfig struct {
	Backend         string        `yaml:"backend"`
	TTL             time.Duration `yaml:"ttl"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	RefreshRate     float64       `yaml:"refresh_rate"`
	RefreshBurst    int           `yaml:"refresh_burst"`
	MaxCost         int64         `yaml:"max_cost"`
	Redis           RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

type ServerConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	CORSOrigin     string        `yaml:"cors_origin"`
	LogHistory     int           `yaml:"log_history"`
	MetricsHistory int           `yaml:"metrics_history"`
	SampleInterval time.Duration `yaml:"sample_interval"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

// envOverrides lists the settings that may be supplied through the
// environment. Non-empty values replace what the file says.
type envOverrides struct {
	DatabaseURL        string   `env:"DATABASE_URL"`
	AWSAccessKeyID     string   `env:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey string   `env:"AWS_SECRET_ACCESS_KEY"`
	AWSRegion          string   `env:"AWS_REGION"`
	S3Bucket           string   `env:"S3_BUCKET"`
	KafkaBrokers       []string `env:"KAFKA_BROKERS" envSeparator:","`
	RedisAddr          string   `env:"REDIS_ADDR"`
	RedisPassword      string   `env:"REDIS_PASSWORD"`
	HTTPAddress        string   `env:"HTTP_ADDRESS"`
	LogLevel           string   `env:"LOG_LEVEL"`
}

// Defaults returns the configuration used for keys the file leaves unset.
func Defaults() Config {
	return Config{
		Display: DisplayConfig{
			TimezoneOffsetHours: 7,
			SnapshotWindow:      time.Minute,
		},
		Source: SourceConfig{
			Lookback: 24 * time.Hour,
			Timeout:  30 * time.Second,
			Postgres: PostgresConfig{Table: "price_logs", MaxConns: 4},
			Kafka:    KafkaConfig{Retention: 24 * time.Hour, MaxRows: 500000},
			Binance: BinanceConfig{
				Exchange:  "binance",
				Interval:  time.Second,
				Retention: 24 * time.Hour,
				MaxRows:   500000,
			},
		},
		Cache: CacheConfig{
			Backend:         CacheMemory,
			TTL:             10 * time.Minute,
			RefreshInterval: time.Minute,
			RefreshRate:     0.2,
			RefreshBurst:    1,
			MaxCost:         1 << 26,
			Redis:           RedisConfig{Key: "spreadmatrix:observations"},
		},
		Server: ServerConfig{
			Enabled:        true,
			Address:        "0.0.0.0:8080",
			CORSOrigin:     "*",
			LogHistory:     200,
			MetricsHistory: 200,
			SampleInterval: 5 * time.Second,
		},
		Metrics: MetricsConfig{Enabled: true, Address: "0.0.0.0:2112"},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		CloudWatch: CloudWatchConfig{
			Namespace: "SpreadMatrix",
			Dashboard: "SpreadMatrix",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	path = ResolvePath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Defaults()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnv(&config); err != nil {
		return nil, fmt.Errorf("failed to read environment overrides: %w", err)
	}

	config.Source.Kind = strings.ToLower(strings.TrimSpace(config.Source.Kind))
	config.Cache.Backend = strings.ToLower(strings.TrimSpace(config.Cache.Backend))
	config.Source.Parquet.S3.Bucket = strings.TrimSpace(config.Source.Parquet.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return err
	}

	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}

	set(&cfg.Source.Postgres.DSN, o.DatabaseURL)
	s3 := &cfg.Source.Parquet.S3
	set(&s3.AccessKeyID, o.AWSAccessKeyID)
	set(&s3.SecretAccessKey, o.AWSSecretAccessKey)
	set(&s3.Region, o.AWSRegion)
	set(&s3.Bucket, o.S3Bucket)
	set(&cfg.CloudWatch.Region, o.AWSRegion)
	set(&cfg.Cache.Redis.Addr, o.RedisAddr)
	set(&cfg.Cache.Redis.Password, o.RedisPassword)
	set(&cfg.Server.Address, o.HTTPAddress)
	set(&cfg.Logging.Level, o.LogLevel)
	if len(o.KafkaBrokers) > 0 {
		cfg.Source.Kafka.Brokers = o.KafkaBrokers
	}
	return nil
}

func validateConfig(cfg *Config) error {
	if cfg.Service.Name == "" {
		return fmt.Errorf("service.name is required")
	}
	if cfg.Service.Version == "" {
		return fmt.Errorf("service.version is required")
	}

	if cfg.Display.TimezoneOffsetHours < -12 || cfg.Display.TimezoneOffsetHours > 14 {
		return fmt.Errorf("display.timezone_offset_hours must be between -12 and 14")
	}
	if cfg.Display.SnapshotWindow < 0 {
		return fmt.Errorf("display.snapshot_window must not be negative")
	}
	if cfg.Display.TrendBucket < 0 {
		return fmt.Errorf("display.trend_bucket must not be negative")
	}

	if cfg.Source.Lookback <= 0 {
		return fmt.Errorf("source.lookback must be greater than 0")
	}

	switch cfg.Source.Kind {
	case SourcePostgres:
		if cfg.Source.Postgres.DSN == "" {
			return fmt.Errorf("source.postgres.dsn is required when source.kind is postgres")
		}
		if !isValidIdentifier(cfg.Source.Postgres.Table) {
			return fmt.Errorf("source.postgres.table '%s' is invalid", cfg.Source.Postgres.Table)
		}
	case SourceParquet:
		s3 := cfg.Source.Parquet.S3
		if s3.Enabled {
			if s3.Bucket == "" {
				return fmt.Errorf("source.parquet.s3.bucket is required when S3 is enabled")
			}
			if s3.Region == "" {
				return fmt.Errorf("source.parquet.s3.region is required when S3 is enabled")
			}
			if !isValidS3Bucket(s3.Bucket) {
				return fmt.Errorf("source.parquet.s3.bucket '%s' is invalid", s3.Bucket)
			}
		} else if cfg.Source.Parquet.Path == "" {
			return fmt.Errorf("source.parquet.path is required when S3 is disabled")
		}
	case SourceCSV:
		if cfg.Source.CSV.Path == "" {
			return fmt.Errorf("source.csv.path is required when source.kind is csv")
		}
	case SourceKafka:
		if len(cfg.Source.Kafka.Brokers) == 0 || cfg.Source.Kafka.Topic == "" {
			return fmt.Errorf("source.kafka.brokers and source.kafka.topic are required when source.kind is kafka")
		}
	case SourceBinance:
		if len(cfg.Source.Binance.Symbols) == 0 {
			return fmt.Errorf("source.binance.symbols must not be empty")
		}
		for _, s := range cfg.Source.Binance.Symbols {
			if s.Symbol == "" || s.Asset == "" {
				return fmt.Errorf("source.binance.symbols entries need symbol and asset")
			}
		}
		if cfg.Source.Binance.Interval <= 0 {
			return fmt.Errorf("source.binance.interval must be greater than 0")
		}
	case "":
		return fmt.Errorf("source.kind is required")
	default:
		return fmt.Errorf("source.kind '%s' is not supported", cfg.Source.Kind)
	}

	switch cfg.Cache.Backend {
	case CacheMemory:
	case CacheRedis:
		if cfg.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache.redis.addr is required when cache.backend is redis")
		}
	default:
		return fmt.Errorf("cache.backend '%s' is not supported", cfg.Cache.Backend)
	}
	if cfg.Cache.RefreshInterval <= 0 {
		return fmt.Errorf("cache.refresh_interval must be greater than 0")
	}
	if cfg.Cache.TTL < cfg.Cache.RefreshInterval {
		return fmt.Errorf("cache.ttl must not be shorter than cache.refresh_interval")
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}

var identifierRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// isValidIdentifier accepts table names optionally qualified by a schema.
func isValidIdentifier(name string) bool {
	return identifierRegexp.MatchString(name)
}
