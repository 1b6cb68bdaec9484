// Package config loads caresync configuration from defaults, an optional YAML
// file, a .env file and CARESYNC_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. CARESYNC_REMOTE_BASE_URL.
const EnvPrefix = "CARESYNC"

// Config holds the application configuration.
type Config struct {
	DataDir   string          `mapstructure:"data_dir" validate:"required"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Conflict  ConflictConfig  `mapstructure:"conflict"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Log       LogConfig       `mapstructure:"log"`
	API       APIConfig       `mapstructure:"api"`
}

// RemoteConfig points at the central server.
type RemoteConfig struct {
	BaseURL    string        `mapstructure:"base_url" validate:"required,url"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"gt=0"`
	HealthPath string        `mapstructure:"health_path" validate:"required,startswith=/"`
}

// RetryConfig configures exponential backoff for network calls.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries" validate:"gte=0,lte=20"`
	BaseDelay  time.Duration `mapstructure:"base_delay" validate:"gt=0"`
	MaxDelay   time.Duration `mapstructure:"max_delay" validate:"gtefield=BaseDelay"`
	Multiplier float64       `mapstructure:"multiplier" validate:"gte=1"`
}

// BreakerConfig configures the per-endpoint circuit breakers.
type BreakerConfig struct {
	FailureThreshold  int           `mapstructure:"failure_threshold" validate:"gte=1"`
	Timeout           time.Duration `mapstructure:"timeout" validate:"gt=0"`
	HalfOpenSuccesses int           `mapstructure:"half_open_successes" validate:"gte=1"`
}

// QueueConfig configures the outbound queue and batch pushes.
type QueueConfig struct {
	MaxAttempts int `mapstructure:"max_attempts" validate:"gte=1"`
	BatchSize   int `mapstructure:"batch_size" validate:"gte=1,lte=500"`
	Concurrency int `mapstructure:"concurrency" validate:"gte=1,lte=64"`
}

// SchedulerConfig configures background push and pull.
type SchedulerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	PushInterval time.Duration `mapstructure:"push_interval" validate:"gt=0"`
	PullInterval time.Duration `mapstructure:"pull_interval" validate:"gt=0"`
	// Scopes are patient ids pulled on every pull tick.
	Scopes []string `mapstructure:"scopes"`
}

// ConflictConfig selects the conflict policy.
type ConflictConfig struct {
	Strategy string `mapstructure:"strategy" validate:"oneof=server_wins client_wins last_write_wins"`
}

// CacheConfig configures the reference-data cache.
type CacheConfig struct {
	Size int           `mapstructure:"size" validate:"gte=1"`
	TTL  time.Duration `mapstructure:"ttl" validate:"gt=0"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn warning error"`
	Format     string `mapstructure:"format" validate:"oneof=json text"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
}

// APIConfig configures the local status/control HTTP API.
type APIConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

// SetDefaults registers defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", defaultDataDir())

	v.SetDefault("remote.base_url", "http://127.0.0.1:8090")
	v.SetDefault("remote.timeout", 10*time.Second)
	v.SetDefault("remote.health_path", "/health")

	v.SetDefault("retry.max_retries", 5)
	v.SetDefault("retry.base_delay", 100*time.Millisecond)
	v.SetDefault("retry.max_delay", 1600*time.Millisecond)
	v.SetDefault("retry.multiplier", 2.0)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.timeout", 30*time.Second)
	v.SetDefault("breaker.half_open_successes", 2)

	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.batch_size", 50)
	v.SetDefault("queue.concurrency", 4)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.push_interval", 30*time.Second)
	v.SetDefault("scheduler.pull_interval", 5*time.Minute)
	v.SetDefault("scheduler.scopes", []string{})

	v.SetDefault("conflict.strategy", "last_write_wins")

	v.SetDefault("cache.size", 256)
	v.SetDefault("cache.ttl", 24*time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.max_size_mb", 20)
	v.SetDefault("log.max_backups", 3)

	v.SetDefault("api.addr", "127.0.0.1:8089")
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "caresync")
	}
	return ".caresync"
}

// Load reads configuration. path may be empty, in which case only defaults,
// .env and the environment apply.
func Load(path string) (*Config, error) {
	cfg, _, err := load(path)
	return cfg, err
}

func load(path string) (*Config, *viper.Viper, error) {
	// .env is optional; real environment variables still apply without it
	_ = godotenv.Load()

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and reports every violation at once.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Watch loads path and calls onChange with each valid reloaded configuration.
// Invalid edits are reported to onError and the previous configuration stays active.
func Watch(path string, onChange func(*Config), onError func(error)) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("watch requires a config file")
	}
	cfg, v, err := load(path)
	if err != nil {
		return nil, err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(next)
	})
	v.WatchConfig()
	return cfg, nil
}
