// Package config loads the orchestration server's configuration from
// a YAML file layered with environment variable overrides, the way
// the teacher's CLI layers viper over a JSON config file plus flags.
package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"

	"taskorch/internal/logging"
)

// Config holds every recognized option named in the orchestration
// contract's external-interfaces section.
type Config struct {
	MaxConcurrentTasks int `mapstructure:"max_concurrent_tasks"`
	DefaultPriority    int `mapstructure:"default_priority"`
	MaxRetries         int `mapstructure:"max_retries"`

	WebhookTimeoutSeconds int `mapstructure:"webhook_timeout_seconds"`
	WebhookMaxRetries     int `mapstructure:"webhook_max_retries"`

	WSHeartbeatIntervalSeconds int `mapstructure:"ws_heartbeat_interval_seconds"`

	// JWT options are consumed by the HTTP transport and passed through
	// the core untouched.
	JWTSecret      string `mapstructure:"jwt_secret"`
	JWTIssuer      string `mapstructure:"jwt_issuer"`
	JWTExpiryHours int    `mapstructure:"jwt_expiry_hours"`

	DBPath string `mapstructure:"db_path"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	HTTPAddr string `mapstructure:"http_addr"`
}

// WebhookTimeout returns WebhookTimeoutSeconds as a time.Duration.
func (c Config) WebhookTimeout() time.Duration {
	return time.Duration(c.WebhookTimeoutSeconds) * time.Second
}

// WSHeartbeatInterval returns WSHeartbeatIntervalSeconds as a
// time.Duration.
func (c Config) WSHeartbeatInterval() time.Duration {
	return time.Duration(c.WSHeartbeatIntervalSeconds) * time.Second
}

func defaults(v *viper.Viper) {
	v.SetDefault("max_concurrent_tasks", 5)
	v.SetDefault("default_priority", 5)
	v.SetDefault("max_retries", 3)
	v.SetDefault("webhook_timeout_seconds", 10)
	v.SetDefault("webhook_max_retries", 3)
	v.SetDefault("ws_heartbeat_interval_seconds", 30)
	v.SetDefault("jwt_issuer", "taskorch")
	v.SetDefault("jwt_expiry_hours", 24)
	v.SetDefault("db_path", "taskorch.db")
	v.SetDefault("log_level", string(logging.InfoLevel))
	v.SetDefault("log_format", string(logging.FormatJSON))
	v.SetDefault("http_addr", ":8080")
}

// Load reads configPath (a YAML file; missing is not an error, since
// every option has a default) and layers TASKORCH_-prefixed
// environment variables over it.
func Load(configPath string) (Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("taskorch")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return Config{}, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
