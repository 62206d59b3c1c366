// Package config loads the gateway configuration from YAML, environment
// variables (BLOCKD_*), and defaults, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/qabelwerk/blockd/pkg/api"
	"github.com/qabelwerk/blockd/pkg/userdb"
)

// Config is the gateway configuration.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gte=0"`

	// Server configures the HTTP listener.
	Server api.APIConfig `mapstructure:"server" yaml:"server"`

	// Database configures the usage ledger.
	Database userdb.Config `mapstructure:"database" yaml:"database"`

	// Redis configures the shared broker used by the redis cache and pubsub
	// backends.
	Redis RedisConfig `mapstructure:"redis" yaml:"redis"`

	// Cache selects the metadata cache backend.
	Cache CacheConfig `mapstructure:"cache" yaml:"cache"`

	// PubSub selects the notification broker backend.
	PubSub PubSubConfig `mapstructure:"pubsub" yaml:"pubsub"`

	// Storage selects and configures the object store driver.
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// Accounting configures the remote user service.
	Accounting AccountingConfig `mapstructure:"accounting" yaml:"accounting"`

	// Transfers bounds concurrent object store calls.
	Transfers int64 `mapstructure:"transfers" yaml:"transfers" validate:"gte=0"`

	// Metrics toggles the Prometheus registry and /metrics endpoint.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"omitempty,oneof=text json"`
	Output string `mapstructure:"output" yaml:"output"`
}

// RedisConfig locates the redis broker.
type RedisConfig struct {
	Address  string `mapstructure:"address" yaml:"address"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
}

// CacheConfig selects the metadata cache backend.
type CacheConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend" validate:"omitempty,oneof=memory redis"`
}

// PubSubConfig selects the notification broker backend.
type PubSubConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend" validate:"omitempty,oneof=memory redis"`
}

// StorageConfig selects and configures the object store driver.
type StorageConfig struct {
	Backend string      `mapstructure:"backend" yaml:"backend" validate:"omitempty,oneof=s3 local"`
	S3      S3Config    `mapstructure:"s3" yaml:"s3"`
	Local   LocalConfig `mapstructure:"local" yaml:"local"`
}

// S3Config configures the S3 driver.
type S3Config struct {
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
	Region          string `mapstructure:"region" yaml:"region"`
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style" yaml:"force_path_style"`
}

// LocalConfig configures the filesystem driver.
type LocalConfig struct {
	Root string `mapstructure:"root" yaml:"root"`
}

// AccountingConfig configures the remote user service.
type AccountingConfig struct {
	Host      string `mapstructure:"host" yaml:"host" validate:"omitempty,url"`
	APISecret string `mapstructure:"api_secret" yaml:"api_secret"`

	// BypassToken, when set, authorizes requests carrying
	// "Authorization: Token <BypassToken>" without the accounting service.
	// Development only.
	BypassToken string `mapstructure:"bypass_token" yaml:"bypass_token"`
}

// MetricsConfig toggles Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// ApplyDefaults fills in missing values.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "memory"
	}
	if cfg.PubSub.Backend == "" {
		cfg.PubSub.Backend = "memory"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "local"
	}
	if cfg.Storage.Local.Root == "" {
		cfg.Storage.Local.Root = "data/blobs"
	}
	if cfg.Storage.S3.Region == "" {
		cfg.Storage.S3.Region = "us-east-1"
	}
	if cfg.Transfers == 0 {
		cfg.Transfers = 10
	}
	cfg.Database.ApplyDefaults()
}

// Validate checks the configuration for consistency.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}
	if err := cfg.Database.Validate(); err != nil {
		return err
	}

	if cfg.Storage.Backend == "s3" && cfg.Storage.S3.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
	}
	if (cfg.Cache.Backend == "redis" || cfg.PubSub.Backend == "redis") && cfg.Redis.Address == "" {
		return fmt.Errorf("redis.address is required for redis backends")
	}
	if cfg.Accounting.Host == "" && cfg.Accounting.BypassToken == "" {
		return fmt.Errorf("accounting.host is required unless a bypass token is configured")
	}
	return nil
}

// Load reads the configuration from configPath (optional), the environment,
// and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if found {
		hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			durationDecodeHook(),
			mapstructure.TextUnmarshallerHookFunc(),
		))
		if err := v.Unmarshal(&cfg, hook); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	// BLOCKD_SERVER_PORT=9000, BLOCKD_STORAGE_BACKEND=s3, ...
	v.SetEnvPrefix("BLOCKD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/blockd")
		v.SetConfigName("blockd")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// durationDecodeHook parses strings like "30s" into time.Duration fields.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) || from.Kind() != reflect.String {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}
