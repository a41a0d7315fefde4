package config

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Job     JobConfig     `json:"job"`

	// Notifier may be omitted; the pipeline then runs with defaults (enabled).
	Notifier *NotifierConfig `json:"notifier,omitempty"`

	Telegram TelegramConfig `json:"telegram,omitempty"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
	Webhook  WebhookConfig  `json:"webhook,omitempty"`

	// Storage nil means in-memory only.
	Storage *StorageConfig `json:"storage,omitempty"`
	HTTP    HTTPConfig     `json:"http,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// JobConfig controls the offline notification job.
//
// Defaults (when fields are omitted/zero):
//   - schedule: "@every 1m"
//   - timezone: local
//   - parallelism: 8
//   - timeout: "0s" (no deadline per tick)
//
// Thresholds are Go duration strings, strictly increasing, e.g.
// ["5m", "1h", "24h"]. They are required.
type JobConfig struct {
	Schedule    string   `json:"schedule,omitempty"`
	Timezone    string   `json:"timezone,omitempty"`
	Thresholds  []string `json:"thresholds"`
	Parallelism int      `json:"parallelism,omitempty"`
	Timeout     string   `json:"timeout,omitempty"`
}

// NotifierConfig controls the async delivery pipeline.
//
// Enabled is a pointer so an explicit false can be told apart from an
// omitted key (which keeps the pipeline on).
type NotifierConfig struct {
	Enabled       *bool    `json:"enabled,omitempty"`
	Workers       int      `json:"workers,omitempty"`
	QueueSize     int      `json:"queue_size,omitempty"`
	RatePerSec    int      `json:"rate_per_sec,omitempty"`
	RetryMax      int      `json:"retry_max,omitempty"`
	RetryBase     string   `json:"retry_base,omitempty"`
	RetryMaxDelay string   `json:"retry_max_delay,omitempty"`
	SendTimeout   string   `json:"send_timeout,omitempty"`
	Sinks         []string `json:"sinks,omitempty"`
}

// IsEnabled reports the effective enabled flag (nil section or key means on).
func (n *NotifierConfig) IsEnabled() bool {
	if n == nil || n.Enabled == nil {
		return true
	}
	return *n.Enabled
}

type TelegramConfig struct {
	Token    string `json:"token,omitempty"` // supports ${VAR}; never logged
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
}

type DiscordConfig struct {
	Token     string `json:"token,omitempty"` // supports ${VAR}; never logged
	ChannelID string `json:"channel_id,omitempty"`
}

type WebhookConfig struct {
	URL     string `json:"url,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./offlinewatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres; supports ${VAR}
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// HTTPConfig controls the API server.
//
// Security note: leaving jwt_secret empty disables auth on /v1. Bind to
// localhost in that case.
type HTTPConfig struct {
	Enabled     bool     `json:"enabled"`
	Addr        string   `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	CORSOrigins []string `json:"cors_origins,omitempty"`
	JWTSecret   string   `json:"jwt_secret,omitempty"` // supports ${VAR}; never logged
}

const (
	DefaultSchedule    = "@every 1m"
	DefaultParallelism = 8
	DefaultHTTPAddr    = "127.0.0.1:8080"
)
