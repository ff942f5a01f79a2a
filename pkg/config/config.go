package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration loaded from environment variables or config files.
type Config struct {
	AppEnv          string        `mapstructure:"APP_ENV" validate:"required,oneof=development staging production test"`
	HTTPAddr        string        `mapstructure:"HTTP_ADDR" validate:"required,hostname_port"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT" validate:"required"`

	LogLevel  string `mapstructure:"LOG_LEVEL" validate:"required,oneof=debug info warn error dpanic panic fatal"`
	LogFormat string `mapstructure:"LOG_FORMAT" validate:"required,oneof=json console"`

	StoreDriver string `mapstructure:"STORE_DRIVER" validate:"required,oneof=postgres memory"`
	DatabaseURL string `mapstructure:"DATABASE_URL" validate:"required_if=StoreDriver postgres,omitempty,url|uri"`

	EventBus      string `mapstructure:"EVENT_BUS" validate:"required,oneof=asynq memory"`
	RedisAddr     string `mapstructure:"REDIS_ADDR" validate:"required_if=EventBus asynq,omitempty,hostname_port"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`

	AsynqConcurrency int `mapstructure:"ASYNQ_CONCURRENCY" validate:"gte=1,lte=1000"`

	ReconcileWorkers    int           `mapstructure:"RECONCILE_WORKERS" validate:"gte=1,lte=256"`
	ReconcileMaxRetries int           `mapstructure:"RECONCILE_MAX_RETRIES" validate:"gte=0"`
	ResyncInterval      time.Duration `mapstructure:"RESYNC_INTERVAL"`
	TargetMutexTTL      time.Duration `mapstructure:"TARGET_MUTEX_TTL"`

	JobLeaseTimeout time.Duration `mapstructure:"JOB_LEASE_TIMEOUT"`
	NextJobsLimit   int           `mapstructure:"NEXT_JOBS_LIMIT" validate:"gte=1,lte=1000"`

	JWTSecret      string  `mapstructure:"JWT_SECRET"`
	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS" validate:"gte=0"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST" validate:"gte=0"`
	CORSOrigins    string  `mapstructure:"CORS_ORIGINS"`

	GoMaxProcs int `mapstructure:"GOMAXPROCS" validate:"gte=0,lte=4096"`
}

var (
	cfg      *Config
	validate = validator.New(validator.WithRequiredStructEnabled())
)

var keys = []string{
	"APP_ENV",
	"HTTP_ADDR",
	"SHUTDOWN_TIMEOUT",
	"LOG_LEVEL",
	"LOG_FORMAT",
	"STORE_DRIVER",
	"DATABASE_URL",
	"EVENT_BUS",
	"REDIS_ADDR",
	"REDIS_PASSWORD",
	"ASYNQ_CONCURRENCY",
	"RECONCILE_WORKERS",
	"RECONCILE_MAX_RETRIES",
	"RESYNC_INTERVAL",
	"TARGET_MUTEX_TTL",
	"JOB_LEASE_TIMEOUT",
	"NEXT_JOBS_LIMIT",
	"JWT_SECRET",
	"RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST",
	"CORS_ORIGINS",
	"GOMAXPROCS",
}

// Load initializes configuration using Viper. It loads from .env if present,
// applies defaults, binds env vars, and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AutomaticEnv()

	v.SetDefault("APP_ENV", "development")
	v.SetDefault("HTTP_ADDR", "0.0.0.0:8080")
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("STORE_DRIVER", "postgres")
	v.SetDefault("EVENT_BUS", "asynq")
	v.SetDefault("ASYNQ_CONCURRENCY", 10)
	v.SetDefault("RECONCILE_WORKERS", 8)
	v.SetDefault("RECONCILE_MAX_RETRIES", 10)
	v.SetDefault("RESYNC_INTERVAL", "30s")
	v.SetDefault("TARGET_MUTEX_TTL", "30s")
	v.SetDefault("JOB_LEASE_TIMEOUT", "5m")
	v.SetDefault("NEXT_JOBS_LIMIT", 50)
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("GOMAXPROCS", 0)

	_ = v.ReadInConfig()

	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}

	// Durations may arrive as plain strings from the environment.
	durations := map[string]*time.Duration{
		"SHUTDOWN_TIMEOUT":  &c.ShutdownTimeout,
		"RESYNC_INTERVAL":   &c.ResyncInterval,
		"TARGET_MUTEX_TTL":  &c.TargetMutexTTL,
		"JOB_LEASE_TIMEOUT": &c.JobLeaseTimeout,
	}
	for key, dst := range durations {
		if s := v.GetString(key); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = d
		}
	}

	if err := validate.Struct(&c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if c.GoMaxProcs > 0 {
		runtime.GOMAXPROCS(c.GoMaxProcs)
	}

	cfg = &c
	return cfg, nil
}

// MustLoad loads configuration or exits the process on failure.
func MustLoad() *Config {
	c, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return c
}

// Get returns the loaded configuration. Panics if not loaded.
func Get() *Config {
	if cfg == nil {
		panic("config not loaded: call config.Load or config.MustLoad first")
	}
	return cfg
}
