// Package config loads and validates maisync configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Storage  StorageConfig  `mapstructure:"storage"`
	DB       DBConfig       `mapstructure:"db"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Platform PlatformConfig `mapstructure:"platform"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Bot      BotConfig      `mapstructure:"bot"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the orchestrator HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig holds the shared secrets of the API.
type AuthConfig struct {
	// APIKey guards operator endpoints.
	APIKey string `mapstructure:"api_key"`
	// BotToken is presented by bots as the token query parameter.
	BotToken string `mapstructure:"bot_token"`
}

// StorageConfig selects the job store backend: memory or postgres.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// ArchiveConfig selects where raw pages and results are archived: none,
// local or gcs.
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds the job event topic. An empty topic disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// JobsConfig tunes the orchestrator's job lifecycle.
type JobsConfig struct {
	AuthURL            string        `mapstructure:"auth_url"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
	CacheSweepInterval time.Duration `mapstructure:"cache_sweep_interval"`
	FleetStaleAfter    time.Duration `mapstructure:"fleet_stale_after"`
	FleetSweepInterval time.Duration `mapstructure:"fleet_sweep_interval"`
	IdleUpdateEnabled  bool          `mapstructure:"idle_update_enabled"`
	IdleUpdateHour     int           `mapstructure:"idle_update_hour"`
	IdleBatchSize      int           `mapstructure:"idle_batch_size"`
	IdleBatchPause     time.Duration `mapstructure:"idle_batch_pause"`
	IdleCheckInterval  time.Duration `mapstructure:"idle_check_interval"`
}

// PlatformConfig configures outbound calls to the game site.
type PlatformConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Attempts          int           `mapstructure:"attempts"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	Timeout           time.Duration `mapstructure:"timeout"`
	ComparisonTimeout time.Duration `mapstructure:"comparison_timeout"`
	RateLimitRPS      float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst    int           `mapstructure:"rate_limit_burst"`
}

// SessionsConfig selects the bot's session backend: memory or redis.
type SessionsConfig struct {
	Backend       string        `mapstructure:"backend"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	RedisPrefix   string        `mapstructure:"redis_prefix"`
	ProbeWindow   time.Duration `mapstructure:"probe_window"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
}

// AdmissionWindow is one dispatch backoff threshold.
type AdmissionWindow struct {
	Depth  int           `mapstructure:"depth"`
	Within time.Duration `mapstructure:"within"`
}

// BotConfig configures the bot process.
type BotConfig struct {
	OrchestratorURL    string            `mapstructure:"orchestrator_url"`
	FriendCode         string            `mapstructure:"friend_code"`
	Concurrency        int               `mapstructure:"concurrency"`
	QueueDepth         int               `mapstructure:"queue_depth"`
	PollInterval       time.Duration     `mapstructure:"poll_interval"`
	TaskStaleAfter     time.Duration     `mapstructure:"task_stale_after"`
	Windows            []AdmissionWindow `mapstructure:"windows"`
	HeartbeatInterval  time.Duration     `mapstructure:"heartbeat_interval"`
	AcceptPollInterval time.Duration     `mapstructure:"accept_poll_interval"`
	AcceptTimeout      time.Duration     `mapstructure:"accept_timeout"`
	APIPort            int               `mapstructure:"api_port"`
	AllowedOrigins     []string          `mapstructure:"allowed_origins"`
}

// ProxyConfig configures the login proxy.
type ProxyConfig struct {
	Port        int           `mapstructure:"port"`
	LandingURL  string        `mapstructure:"landing_url"`
	AllowHosts  []string      `mapstructure:"allow_hosts"`
	AllowAll    bool          `mapstructure:"allow_all"`
	AuthTimeout time.Duration `mapstructure:"auth_timeout"`
}

// LoggingConfig toggles zap development features and the level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from a .env file, the optional config file and the
// MAISYNC_ environment.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("MAISYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("auth.api_key", "")
	v.SetDefault("auth.bot_token", "")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.local_dir", "data/archive")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.prefix", "maisync")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")

	v.SetDefault("jobs.auth_url", "")
	v.SetDefault("jobs.cache_ttl", "12h")
	v.SetDefault("jobs.cache_sweep_interval", "1h")
	v.SetDefault("jobs.fleet_stale_after", "5m")
	v.SetDefault("jobs.fleet_sweep_interval", "5m")
	v.SetDefault("jobs.idle_update_enabled", true)
	v.SetDefault("jobs.idle_update_hour", 4)
	v.SetDefault("jobs.idle_batch_size", 10)
	v.SetDefault("jobs.idle_batch_pause", "2s")
	v.SetDefault("jobs.idle_check_interval", "1m")

	v.SetDefault("platform.base_url", "https://maimai.wahlap.com")
	v.SetDefault("platform.attempts", 3)
	v.SetDefault("platform.retry_delay", "1s")
	v.SetDefault("platform.timeout", "30s")
	v.SetDefault("platform.comparison_timeout", "5m")
	v.SetDefault("platform.rate_limit_rps", 0)
	v.SetDefault("platform.rate_limit_burst", 1)

	v.SetDefault("sessions.backend", "memory")
	v.SetDefault("sessions.redis_addr", "")
	v.SetDefault("sessions.redis_password", "")
	v.SetDefault("sessions.redis_db", 0)
	v.SetDefault("sessions.redis_prefix", "maisync:session:")
	v.SetDefault("sessions.probe_window", "2s")
	v.SetDefault("sessions.probe_timeout", "30s")

	v.SetDefault("bot.orchestrator_url", "")
	v.SetDefault("bot.friend_code", "")
	v.SetDefault("bot.concurrency", 4)
	v.SetDefault("bot.queue_depth", 64)
	v.SetDefault("bot.poll_interval", "2s")
	v.SetDefault("bot.task_stale_after", "60s")
	v.SetDefault("bot.windows", []map[string]any{
		{"depth": 40, "within": "16s"},
		{"depth": 20, "within": "8s"},
	})
	v.SetDefault("bot.heartbeat_interval", "1m")
	v.SetDefault("bot.accept_poll_interval", "10s")
	v.SetDefault("bot.accept_timeout", "5m")
	v.SetDefault("bot.api_port", 3999)
	v.SetDefault("bot.allowed_origins", []string{"*"})

	v.SetDefault("proxy.port", 2222)
	v.SetDefault("proxy.landing_url", "http://127.0.0.1:3999/")
	v.SetDefault("proxy.allow_hosts", []string{})
	v.SetDefault("proxy.allow_all", false)
	v.SetDefault("proxy.auth_timeout", "60s")

	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits shared by every
// command.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be > 0"))
	}
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			errs = append(errs, fmt.Errorf("db.dsn must be set when storage.backend is postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be memory or postgres, got %q", c.Storage.Backend))
	}
	switch c.Archive.Backend {
	case "none":
	case "local":
		if c.Archive.LocalDir == "" {
			errs = append(errs, fmt.Errorf("archive.local_dir must be set when archive.backend is local"))
		}
	case "gcs":
		if c.Archive.GCSBucket == "" {
			errs = append(errs, fmt.Errorf("archive.gcs_bucket must be set when archive.backend is gcs"))
		}
	default:
		errs = append(errs, fmt.Errorf("archive.backend must be none, local or gcs, got %q", c.Archive.Backend))
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		errs = append(errs, fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is"))
	}
	if c.Jobs.IdleUpdateHour < 0 || c.Jobs.IdleUpdateHour > 23 {
		errs = append(errs, fmt.Errorf("jobs.idle_update_hour must be within 0-23"))
	}
	if c.Jobs.IdleBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("jobs.idle_batch_size must be > 0"))
	}
	if c.Platform.Attempts <= 0 {
		errs = append(errs, fmt.Errorf("platform.attempts must be > 0"))
	}
	switch c.Sessions.Backend {
	case "memory":
	case "redis":
		if c.Sessions.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("sessions.redis_addr must be set when sessions.backend is redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("sessions.backend must be memory or redis, got %q", c.Sessions.Backend))
	}
	if c.Bot.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("bot.concurrency must be > 0"))
	}
	if c.Bot.QueueDepth <= 0 {
		errs = append(errs, fmt.Errorf("bot.queue_depth must be > 0"))
	}
	for i, w := range c.Bot.Windows {
		if w.Depth <= 0 || w.Within <= 0 {
			errs = append(errs, fmt.Errorf("bot.windows[%d] needs a positive depth and within", i))
		}
	}
	return errors.Join(errs...)
}

// ValidateBot checks the settings only the bot command needs.
func (c Config) ValidateBot() error {
	var errs []error
	if c.Bot.OrchestratorURL == "" {
		errs = append(errs, fmt.Errorf("bot.orchestrator_url must be set"))
	}
	if c.Proxy.Port <= 0 {
		errs = append(errs, fmt.Errorf("proxy.port must be > 0"))
	}
	if c.Bot.APIPort <= 0 {
		errs = append(errs, fmt.Errorf("bot.api_port must be > 0"))
	}
	if c.Proxy.LandingURL == "" {
		errs = append(errs, fmt.Errorf("proxy.landing_url must be set"))
	}
	return errors.Join(errs...)
}
