// Package config loads gateway and rule engine settings from the environment
// and an optional YAML file. Every key has a default, so an empty environment
// yields a runnable single-node configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. HEARTH_LISTEN_ADDR.
const EnvPrefix = "HEARTH"

// Bus backends.
const (
	BusNATS  = "nats"
	BusRedis = "redis"
)

// Config holds every tunable of the gateway process.
type Config struct {
	ServerName string `mapstructure:"server_name"`

	Server struct {
		ListenAddr        string        `mapstructure:"listen_addr"`
		WorkerPoolSize    int           `mapstructure:"worker_pool_size"`
		MaxConnections    int           `mapstructure:"max_connections"`
		ReadTimeout       time.Duration `mapstructure:"read_timeout"`
		WriteTimeout      time.Duration `mapstructure:"write_timeout"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	} `mapstructure:"server"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	NATS struct {
		URL           string        `mapstructure:"url"`
		ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	} `mapstructure:"nats"`

	Bus struct {
		Backend string `mapstructure:"backend"`
		Topic   string `mapstructure:"topic"`
	} `mapstructure:"bus"`

	Postgres struct {
		DSN     string `mapstructure:"dsn"`
		Migrate bool   `mapstructure:"migrate"`
	} `mapstructure:"postgres"`

	Auth struct {
		JWTSecret  string        `mapstructure:"jwt_secret"`
		SessionTTL time.Duration `mapstructure:"session_ttl"`
	} `mapstructure:"auth"`

	Moderation struct {
		ClassifierURL     string        `mapstructure:"classifier_url"`
		ClassifierToken   string        `mapstructure:"classifier_token"`
		ClassifierTimeout time.Duration `mapstructure:"classifier_timeout"`
		RulesCommand      string        `mapstructure:"rules_command"`
		RulesArgs         []string      `mapstructure:"rules_args"`
		RuleTimeout       time.Duration `mapstructure:"rule_timeout"`
		RespawnBackoff    time.Duration `mapstructure:"respawn_backoff"`
		OffenseTTL        time.Duration `mapstructure:"offense_ttl"`
	} `mapstructure:"moderation"`

	RateLimit struct {
		FramesPerSecond   int `mapstructure:"frames_per_second"`
		FramesPerMinute   int `mapstructure:"frames_per_minute"`
		MessagesPerSecond int `mapstructure:"messages_per_second"`
		MessagesPerMinute int `mapstructure:"messages_per_minute"`
	} `mapstructure:"ratelimit"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

// defaults mirrors Config. Keys must be registered here for AutomaticEnv to
// pick them up during Unmarshal.
var defaults = map[string]interface{}{
	"server_name":                   "",
	"server.listen_addr":            ":8080",
	"server.worker_pool_size":       256,
	"server.max_connections":        100000,
	"server.read_timeout":           10 * time.Second,
	"server.write_timeout":          10 * time.Second,
	"server.heartbeat_interval":     30 * time.Second,
	"redis.addr":                    "localhost:6379",
	"redis.password":                "",
	"redis.db":                      0,
	"nats.url":                      "nats://localhost:4222",
	"nats.reconnect_wait":           2 * time.Second,
	"bus.backend":                   BusNATS,
	"bus.topic":                     "gateway.events",
	"postgres.dsn":                  "",
	"postgres.migrate":              false,
	"auth.jwt_secret":               "",
	"auth.session_ttl":              24 * time.Hour,
	"moderation.classifier_url":     "",
	"moderation.classifier_token":   "",
	"moderation.classifier_timeout": 2500 * time.Millisecond,
	"moderation.rules_command":      "rulesengine",
	"moderation.rules_args":         []string{},
	"moderation.rule_timeout":       3 * time.Second,
	"moderation.respawn_backoff":    2 * time.Second,
	"moderation.offense_ttl":        time.Duration(0),
	"ratelimit.frames_per_second":   10,
	"ratelimit.frames_per_minute":   120,
	"ratelimit.messages_per_second": 5,
	"ratelimit.messages_per_minute": 60,
	"log.level":                     "info",
	"log.format":                    "json",
}

// Load reads configuration from the environment and, when HEARTH_CONFIG
// names a file, from that YAML file first.
func Load() (*Config, error) {
	return LoadFile(os.Getenv(EnvPrefix + "_CONFIG"))
}

// LoadFile reads configuration from path (may be empty) with environment
// overrides applied on top.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if c.ServerName == "" {
		host, _ := os.Hostname()
		c.ServerName = host
	}
	if c.ServerName == "" {
		c.ServerName = "gateway-1"
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects settings the gateway cannot run with.
func (c *Config) Validate() error {
	switch c.Bus.Backend {
	case BusNATS, BusRedis:
	default:
		return fmt.Errorf("config: unknown bus backend %q", c.Bus.Backend)
	}
	if c.Server.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: heartbeat interval must be positive")
	}
	if c.Server.WorkerPoolSize <= 0 || c.Server.MaxConnections <= 0 {
		return fmt.Errorf("config: worker pool size and max connections must be positive")
	}
	if c.Moderation.ClassifierTimeout <= 0 || c.Moderation.RuleTimeout <= 0 {
		return fmt.Errorf("config: moderation timeouts must be positive")
	}
	if c.Moderation.RespawnBackoff < 0 || c.Moderation.OffenseTTL < 0 {
		return fmt.Errorf("config: moderation durations must not be negative")
	}
	if c.RateLimit.FramesPerSecond <= 0 || c.RateLimit.FramesPerMinute <= 0 ||
		c.RateLimit.MessagesPerSecond <= 0 || c.RateLimit.MessagesPerMinute <= 0 {
		return fmt.Errorf("config: rate limits must be positive")
	}
	return nil
}
