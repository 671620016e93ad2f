package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds application configuration loaded from flags, environment variables or config files.
type Config struct {
	OctopusURL    string `mapstructure:"OCTOPUS_URL" validate:"required"`
	OctopusAPIKey string `mapstructure:"OCTOPUS_API_KEY" validate:"required"`
	Space         string `mapstructure:"OCTOPUS_SPACE" validate:"required"`

	// Defaults for branch requests. Queue payloads may override them.
	Project     string `mapstructure:"OCTOPUS_PROJECT"`
	StepName    string `mapstructure:"DEPLOYMENT_STEP_NAME"`
	PackageName string `mapstructure:"DEPLOYMENT_PACKAGE_NAME"`
	Target      string `mapstructure:"DEPLOYMENT_TARGET"`

	LogLevel  string `mapstructure:"LOG_LEVEL" validate:"required,oneof=debug info warn error dpanic panic fatal"`
	LogFormat string `mapstructure:"LOG_FORMAT" validate:"required,oneof=json console"`

	HTTPTimeout  time.Duration `mapstructure:"HTTP_TIMEOUT" validate:"required"`
	RequestRate  float64       `mapstructure:"REQUEST_RATE" validate:"gte=0"`
	RequestBurst int           `mapstructure:"REQUEST_BURST" validate:"gte=1"`

	RetryMaxAttempts int           `mapstructure:"RETRY_MAX_ATTEMPTS" validate:"gte=1,lte=100"`
	RetryMaxElapsed  time.Duration `mapstructure:"RETRY_MAX_ELAPSED" validate:"required"`
	RetryDelay       time.Duration `mapstructure:"RETRY_DELAY" validate:"required"`
	TaskPollInterval time.Duration `mapstructure:"TASK_POLL_INTERVAL" validate:"required"`

	// StrictScope fails a run before any mutation when the space or project
	// cannot be resolved. When false an unresolved scope turns the run into a no-op.
	StrictScope bool `mapstructure:"STRICT_SCOPE"`

	RedisAddr        string `mapstructure:"REDIS_ADDR" validate:"omitempty,hostname_port"`
	RedisPassword    string `mapstructure:"REDIS_PASSWORD"`
	AsynqConcurrency int    `mapstructure:"ASYNQ_CONCURRENCY" validate:"gte=1,lte=1000"`
	// MetricsAddr serves the worker's health and metrics endpoints. Empty disables them.
	MetricsAddr string `mapstructure:"METRICS_ADDR" validate:"omitempty,hostname_port"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"octopusUrl":            "OCTOPUS_URL",
	"octopusApiKey":         "OCTOPUS_API_KEY",
	"octopusSpace":          "OCTOPUS_SPACE",
	"octopusProject":        "OCTOPUS_PROJECT",
	"deploymentStepName":    "DEPLOYMENT_STEP_NAME",
	"deploymentPackageName": "DEPLOYMENT_PACKAGE_NAME",
	"targetName":            "DEPLOYMENT_TARGET",
	"logLevel":              "LOG_LEVEL",
	"logFormat":             "LOG_FORMAT",
	"redisAddr":             "REDIS_ADDR",
}

var durationKeys = []string{
	"HTTP_TIMEOUT",
	"RETRY_MAX_ELAPSED",
	"RETRY_DELAY",
	"TASK_POLL_INTERVAL",
}

// RegisterFlags declares the flags Load knows how to bind. Values given on the
// command line win over the environment and config files.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("octopusUrl", "", "The Octopus server URL")
	fs.String("octopusApiKey", "", "The Octopus API key")
	fs.String("octopusSpace", "", "The Octopus space")
	fs.String("octopusProject", "", "The Octopus project that owns the branch channel")
	fs.String("deploymentStepName", "", "The name of the step that deploys the packages")
	fs.String("deploymentPackageName", "", "The name of the package deployed in the step defined in deploymentStepName")
	fs.String("targetName", "", "Optional deployment target to attach the branch environment to")
	fs.String("logLevel", "", "Log level (debug, info, warn, error)")
	fs.String("logFormat", "", "Log format (json, console)")
	fs.String("redisAddr", "", "Redis address used by the branch event queue")
}

// Load initializes configuration using Viper. It loads from .env if present,
// applies defaults, binds env vars and any flags from fs, and validates the result.
func Load(fs *pflag.FlagSet) (*Config, error) {
	// Load .env if present (non-fatal)
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("featurebranch")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "console")
	v.SetDefault("HTTP_TIMEOUT", "30s")
	v.SetDefault("REQUEST_RATE", 10)
	v.SetDefault("REQUEST_BURST", 5)
	v.SetDefault("RETRY_MAX_ATTEMPTS", 3)
	v.SetDefault("RETRY_MAX_ELAPSED", "5m")
	v.SetDefault("RETRY_DELAY", "10s")
	v.SetDefault("TASK_POLL_INTERVAL", "10s")
	v.SetDefault("STRICT_SCOPE", true)
	v.SetDefault("ASYNQ_CONCURRENCY", 1)
	v.SetDefault("METRICS_ADDR", ":9090")

	// Optional config file
	_ = v.ReadInConfig()

	keys := []string{
		"OCTOPUS_URL",
		"OCTOPUS_API_KEY",
		"OCTOPUS_SPACE",
		"OCTOPUS_PROJECT",
		"DEPLOYMENT_STEP_NAME",
		"DEPLOYMENT_PACKAGE_NAME",
		"DEPLOYMENT_TARGET",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"HTTP_TIMEOUT",
		"REQUEST_RATE",
		"REQUEST_BURST",
		"RETRY_MAX_ATTEMPTS",
		"RETRY_MAX_ELAPSED",
		"RETRY_DELAY",
		"TASK_POLL_INTERVAL",
		"STRICT_SCOPE",
		"REDIS_ADDR",
		"REDIS_PASSWORD",
		"ASYNQ_CONCURRENCY",
		"METRICS_ADDR",
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}

	// Parse duration types that may come as string
	for _, key := range durationKeys {
		s := v.GetString(key)
		if s == "" {
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		switch key {
		case "HTTP_TIMEOUT":
			c.HTTPTimeout = d
		case "RETRY_MAX_ELAPSED":
			c.RetryMaxElapsed = d
		case "RETRY_DELAY":
			c.RetryDelay = d
		case "TASK_POLL_INTERVAL":
			c.TaskPollInterval = d
		}
	}

	if err := validate.Struct(&c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &c, nil
}

// MustLoad loads configuration or exits the process on failure.
func MustLoad(fs *pflag.FlagSet) *Config {
	c, err := Load(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return c
}
