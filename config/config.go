package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sagarc03/ucs/database"
	ucshttp "github.com/sagarc03/ucs/http"
	"github.com/sagarc03/ucs/keybackend"
)

// configKey is the context key for storing the loaded configuration.
type configKey struct{}

// WithContext returns a new context with the config stored.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

// FromContext retrieves the config from context.
// Returns an error if config is not found.
func FromContext(ctx context.Context) (*Config, error) {
	cfg, ok := ctx.Value(configKey{}).(*Config)
	if !ok || cfg == nil {
		return nil, errors.New("config not found in context")
	}
	return cfg, nil
}

// Config is the root configuration struct for ucs.
type Config struct {
	Env         string             `mapstructure:"env" yaml:"env" validate:"omitempty,oneof=dev development prod production"`
	Server      ServerConfig       `mapstructure:"server" yaml:"server"`
	Database    database.Config    `mapstructure:"database" yaml:"database"`
	Storage     StorageConfig      `mapstructure:"storage" yaml:"storage"`
	Credentials CredentialsConfig  `mapstructure:"credentials" yaml:"credentials"`
	Bus         BusConfig          `mapstructure:"bus" yaml:"bus"`
	Coordinator CoordinatorConfig  `mapstructure:"coordinator" yaml:"coordinator"`
	Retry       RetryConfig        `mapstructure:"retry" yaml:"retry"`
	Auth        AuthConfig         `mapstructure:"auth" yaml:"auth"`
	CORS        ucshttp.CORSConfig `mapstructure:"cors" yaml:"cors"`
	Log         LogConfig          `mapstructure:"log" yaml:"log"`
}

// IsProd reports whether the service runs in production mode.
func (c *Config) IsProd() bool {
	return c.Env == "prod" || c.Env == "production"
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `mapstructure:"port" yaml:"port" validate:"required,min=1,max=65535"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"min=1s"`
}

// StorageConfig selects the inbox backend and the credentials used to sign
// URLs for it.
type StorageConfig struct {
	Backend   string `mapstructure:"backend" yaml:"backend" validate:"required,oneof=filesystem stowry"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket" validate:"required,excludes=/"`
	Path      string `mapstructure:"path" yaml:"path" validate:"required_if=Backend filesystem"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint" validate:"required,url"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"-"`
}

// CredentialsConfig holds presigned URL lifetimes.
type CredentialsConfig struct {
	UploadTTL   time.Duration `mapstructure:"upload_ttl" yaml:"upload_ttl" validate:"min=1s,max=168h"`
	DownloadTTL time.Duration `mapstructure:"download_ttl" yaml:"download_ttl" validate:"min=1s,max=168h"`
}

// BusConfig holds message bus configuration.
type BusConfig struct {
	Driver           string        `mapstructure:"driver" yaml:"driver" validate:"required,oneof=redis memory"`
	Redis            RedisConfig   `mapstructure:"redis" yaml:"redis"`
	InboundStream    string        `mapstructure:"inbound_stream" yaml:"inbound_stream" validate:"required"`
	OutboundStream   string        `mapstructure:"outbound_stream" yaml:"outbound_stream" validate:"required"`
	DeadLetterStream string        `mapstructure:"dead_letter_stream" yaml:"dead_letter_stream"`
	Group            string        `mapstructure:"group" yaml:"group" validate:"required"`
	Consumer         string        `mapstructure:"consumer" yaml:"consumer"`
	Workers          int           `mapstructure:"workers" yaml:"workers" validate:"min=1,max=256"`
	BatchSize        int64         `mapstructure:"batch_size" yaml:"batch_size" validate:"min=1"`
	Block            time.Duration `mapstructure:"block" yaml:"block" validate:"min=10ms"`
	ClaimInterval    time.Duration `mapstructure:"claim_interval" yaml:"claim_interval" validate:"min=1s"`
	ClaimMinIdle     time.Duration `mapstructure:"claim_min_idle" yaml:"claim_min_idle" validate:"min=1s"`
	MaxLen           int64         `mapstructure:"max_len" yaml:"max_len" validate:"min=0"`
}

// RedisConfig holds the Redis connection used by the bus and, optionally,
// the key backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"-"`
	DB       int    `mapstructure:"db" yaml:"db" validate:"min=0"`
}

// CoordinatorConfig holds state machine tuning.
type CoordinatorConfig struct {
	OperationTimeout   time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout" validate:"min=1ms"`
	MaxConflictRetries int           `mapstructure:"max_conflict_retries" yaml:"max_conflict_retries" validate:"min=1"`
}

// RetryPolicy bounds one class of retries.
type RetryPolicy struct {
	MaxRetries      uint64        `mapstructure:"max_retries" yaml:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval" validate:"min=1ms"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval" validate:"gtefield=InitialInterval"`
}

// RetryConfig holds the retry budgets of the storage gateway and the event
// dispatcher.
type RetryConfig struct {
	Storage   RetryPolicy `mapstructure:"storage" yaml:"storage"`
	Ordering  RetryPolicy `mapstructure:"ordering" yaml:"ordering"`
	Transient RetryPolicy `mapstructure:"transient" yaml:"transient"`
}

// AuthConfig holds authentication configuration for the HTTP API.
type AuthConfig struct {
	Read  string                `mapstructure:"read" yaml:"read" validate:"required,oneof=public private"`
	Write string                `mapstructure:"write" yaml:"write" validate:"required,oneof=public private"`
	AWS   AWSConfig             `mapstructure:"aws" yaml:"aws"`
	Keys  keybackend.KeysConfig `mapstructure:"keys" yaml:"-"`
}

// AWSConfig holds the scope checked on AWS Signature V4 requests.
type AWSConfig struct {
	Region  string `mapstructure:"region" yaml:"region" validate:"required"`
	Service string `mapstructure:"service" yaml:"service" validate:"required"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level" validate:"omitempty,oneof=debug info warn error"`
}

// reservedBuckets collide with API routes when the inbox is served locally.
var reservedBuckets = []string{"files", "events", "health", "metrics"}

// flagToViperKey maps CLI flag names to viper configuration keys.
var flagToViperKey = map[string]string{
	"db-type":         "database.type",
	"db-dsn":          "database.dsn",
	"storage-backend": "storage.backend",
	"storage-path":    "storage.path",
	"bus-driver":      "bus.driver",
	"redis-addr":      "bus.redis.addr",
	"port":            "server.port",
}

// bindFlags binds CLI flags to viper keys with custom name mapping.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	flags.VisitAll(func(f *pflag.Flag) {
		// Use custom mapping if it exists, otherwise use flag name as-is
		viperKey := f.Name
		if mapped, ok := flagToViperKey[viperKey]; ok {
			viperKey = mapped
		}

		// Only bind if the flag was explicitly set
		if f.Changed {
			_ = v.BindPFlag(viperKey, f)
		}
	})
}

// setDefaults configures default values on the viper instance.
func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "dev")

	v.SetDefault("server.port", 5708)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "ucs.db")
	v.SetDefault("database.tables.records", "upload_records")

	v.SetDefault("storage.backend", "filesystem")
	v.SetDefault("storage.bucket", "inbox")
	v.SetDefault("storage.path", "./data")
	v.SetDefault("storage.endpoint", "http://localhost:5708")
	v.SetDefault("storage.access_key", "")
	v.SetDefault("storage.secret_key", "")

	v.SetDefault("credentials.upload_ttl", "15m")
	v.SetDefault("credentials.download_ttl", "5m")

	v.SetDefault("bus.driver", "memory")
	v.SetDefault("bus.redis.addr", "localhost:6379")
	v.SetDefault("bus.redis.password", "")
	v.SetDefault("bus.redis.db", 0)
	v.SetDefault("bus.inbound_stream", "ucs.inbound")
	v.SetDefault("bus.outbound_stream", "ucs.outbound")
	v.SetDefault("bus.dead_letter_stream", "ucs.inbound.dlq")
	v.SetDefault("bus.group", "ucs")
	v.SetDefault("bus.consumer", "")
	v.SetDefault("bus.workers", 4)
	v.SetDefault("bus.batch_size", 16)
	v.SetDefault("bus.block", "2s")
	v.SetDefault("bus.claim_interval", "30s")
	v.SetDefault("bus.claim_min_idle", "1m")
	v.SetDefault("bus.max_len", 0)

	v.SetDefault("coordinator.operation_timeout", "10s")
	v.SetDefault("coordinator.max_conflict_retries", 5)

	v.SetDefault("retry.storage.max_retries", 3)
	v.SetDefault("retry.storage.initial_interval", "100ms")
	v.SetDefault("retry.storage.max_interval", "2s")
	v.SetDefault("retry.ordering.max_retries", 5)
	v.SetDefault("retry.ordering.initial_interval", "200ms")
	v.SetDefault("retry.ordering.max_interval", "5s")
	v.SetDefault("retry.transient.max_retries", 3)
	v.SetDefault("retry.transient.initial_interval", "100ms")
	v.SetDefault("retry.transient.max_interval", "2s")

	v.SetDefault("auth.read", "public")
	v.SetDefault("auth.write", "public")
	v.SetDefault("auth.aws.region", "us-east-1")
	v.SetDefault("auth.aws.service", "s3")
	v.SetDefault("auth.keys.file", "")
	v.SetDefault("auth.keys.redis_hash", "")

	v.SetDefault("cors.enabled", false)
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "DELETE"})
	v.SetDefault("cors.allowed_headers", []string{"*"})
	v.SetDefault("cors.max_age", 300)

	v.SetDefault("log.level", "")
}

// Load reads configuration and returns a validated Config struct.
// Order of precedence (highest to lowest): flags > env > config files > defaults
//
// Parameters:
//   - configFiles: list of config file paths (later files override earlier ones)
//   - flags: cobra flag set for flag binding (can be nil)
func Load(configFiles []string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// 1. Set defaults
	setDefaults(v)

	// 2. Read config files
	if len(configFiles) > 0 {
		v.SetConfigFile(configFiles[0])
		if err := v.ReadInConfig(); err != nil {
			slog.Warn("error reading config file", "file", configFiles[0], "err", err)
		}

		for _, cf := range configFiles[1:] {
			v.SetConfigFile(cf)
			if err := v.MergeInConfig(); err != nil {
				slog.Warn("error merging config file", "file", cf, "err", err)
			}
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")

		if err := v.ReadInConfig(); err != nil {
			var configNotFound viper.ConfigFileNotFoundError
			if !errors.As(err, &configNotFound) {
				slog.Warn("error reading config file", "err", err)
			}
		}
	}

	// 3. Bind environment variables
	v.SetEnvPrefix("UCS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Bind flags (if provided)
	if flags != nil {
		bindFlags(v, flags)
	}

	// 5. Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// 6. Validate using go-playground/validator
	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	if err := cfg.validateCombinations(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// validateCombinations checks rules that span sections.
func (c *Config) validateCombinations() error {
	if c.Storage.Backend == "stowry" && (c.Storage.AccessKey == "" || c.Storage.SecretKey == "") {
		return errors.New("storage.access_key and storage.secret_key are required for the stowry backend")
	}
	if c.Storage.Backend == "filesystem" && slices.Contains(reservedBuckets, c.Storage.Bucket) {
		return fmt.Errorf("storage.bucket %q is reserved with the filesystem backend", c.Storage.Bucket)
	}
	if c.Bus.Driver == "redis" && c.Bus.Redis.Addr == "" {
		return errors.New("bus.redis.addr is required for the redis bus")
	}
	if c.Auth.Keys.RedisHash != "" && c.Bus.Driver != "redis" {
		return errors.New("auth.keys.redis_hash requires the redis bus")
	}
	if err := c.Database.Tables.Validate(); err != nil {
		return fmt.Errorf("database.tables: %w", err)
	}
	return nil
}
