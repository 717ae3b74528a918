package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	DB        DBConfig        `mapstructure:"db"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Cron      CronConfig      `mapstructure:"cron"`
	Retention RetentionConfig `mapstructure:"retention"`
	EventLog  EventLogConfig  `mapstructure:"event_log"`
	Providers ProvidersConfig `mapstructure:"providers"`

	// Apps are seeded into the apps table on startup. Existing rows are overwritten.
	Apps []AppSeed `mapstructure:"apps"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr     string `mapstructure:"http_addr"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
}

type AdminConfig struct {
	Token string `mapstructure:"token"`
}

// SecretsConfig holds the AES keys for app credentials at rest. Either may be base64.
type SecretsConfig struct {
	EncryptionKey string `mapstructure:"encryption_key"`
	PreviousKey   string `mapstructure:"previous_key"`
}

type RateLimitConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	WebhookLimit   int           `mapstructure:"webhook_limit"`
	AdminLimit     int           `mapstructure:"admin_limit"`
	Window         time.Duration `mapstructure:"window"`
	EvictEveryNth  int           `mapstructure:"evict_every_nth"`
	TrustedProxies []string      `mapstructure:"trusted_proxies"`
}

type WorkerConfig struct {
	RuntimeBudget     time.Duration `mapstructure:"runtime_budget"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MaxClaimAttempts  int           `mapstructure:"max_claim_attempts"`
	// Trigger selects how continuation workers are spawned: "inprocess" or "http".
	Trigger        string        `mapstructure:"trigger"`
	TriggerURL     string        `mapstructure:"trigger_url"`
	TriggerTimeout time.Duration `mapstructure:"trigger_timeout"`
	Concurrency    int           `mapstructure:"concurrency"`
	SpawnDebounce  time.Duration `mapstructure:"spawn_debounce"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	PageSize       int           `mapstructure:"page_size"`
}

type CronConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	WorkerTrigger string `mapstructure:"worker_trigger"`
	StaleReaper   string `mapstructure:"stale_reaper"`
	Retention     string `mapstructure:"retention"`
}

type RetentionConfig struct {
	JobMaxAge time.Duration `mapstructure:"job_max_age"`
}

type EventLogConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Agent   string        `mapstructure:"agent"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ProvidersConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	Stripe     ProviderHost  `mapstructure:"stripe"`
	GitHub     ProviderHost  `mapstructure:"github"`
	Intercom   ProviderHost  `mapstructure:"intercom"`
}

type ProviderHost struct {
	BaseURL string `mapstructure:"base_url"`
}

type AppSeed struct {
	AppKey         string         `mapstructure:"app_key"`
	Provider       string         `mapstructure:"provider"`
	Enabled        bool           `mapstructure:"enabled"`
	EarliestSyncAt string         `mapstructure:"earliest_sync_at"`
	Config         map[string]any `mapstructure:"config"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.max_body_bytes", 5<<20)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("admin.token", "")
	v.SetDefault("secrets.encryption_key", "")
	v.SetDefault("secrets.previous_key", "")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.webhook_limit", 600)
	v.SetDefault("rate_limit.admin_limit", 60)
	v.SetDefault("rate_limit.window", "1m")
	v.SetDefault("rate_limit.evict_every_nth", 100)

	// The budget stays below a 60s invocation ceiling with room for the final state writes.
	v.SetDefault("worker.runtime_budget", "45s")
	v.SetDefault("worker.heartbeat_interval", "5s")
	v.SetDefault("worker.max_claim_attempts", 5)
	v.SetDefault("worker.trigger", "inprocess")
	v.SetDefault("worker.trigger_url", "")
	v.SetDefault("worker.trigger_timeout", "5s")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.spawn_debounce", "30s")
	v.SetDefault("worker.stale_after", "2m")
	v.SetDefault("worker.page_size", 100)

	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.worker_trigger", "@every 15s")
	v.SetDefault("cron.stale_reaper", "@every 1m")
	v.SetDefault("cron.retention", "@every 6h")
	v.SetDefault("retention.job_max_age", "720h")

	v.SetDefault("event_log.agent", "syncbridge")
	v.SetDefault("event_log.timeout", "2s")

	v.SetDefault("providers.timeout", "20s")
	v.SetDefault("providers.max_retries", 3)
	v.SetDefault("providers.stripe.base_url", "https://api.stripe.com")
	v.SetDefault("providers.github.base_url", "https://api.github.com")
	v.SetDefault("providers.intercom.base_url", "https://api.intercom.io")

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
