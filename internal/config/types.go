package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "1m", "10m"). Secrets may be
// left empty and supplied through the environment (see ApplyEnv).
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Twitch   TwitchConfig   `json:"twitch"`
	Monitor  MonitorConfig  `json:"monitor"`
	Logging  LoggingConfig  `json:"logging"`

	// Notifier controls announcement delivery. If the whole section is
	// omitted the notifier is disabled and live edges are only logged.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  StorageConfig   `json:"storage"`
	HTTP     HTTPConfig      `json:"http,omitempty"`

	// Channels seeds the registry on startup while it is still empty, and again
	// (add-if-missing) when this list changes on reload. Channels removed here
	// are not untracked; use `bot channels remove`.
	Channels []string `json:"channels,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"` // env: TELEGRAM_TOKEN
	// LogChatID receives log-sink messages and rotated log uploads.
	LogChatID   int64  `json:"log_chat_id,omitempty"`
	LogThreadID int    `json:"log_thread_id,omitempty"`
	Timeout     string `json:"request_timeout,omitempty"` // default 15s
	APIURL      string `json:"api_url,omitempty"`
}

type TwitchConfig struct {
	ClientID       string `json:"client_id"`               // env: TWITCH_CLIENT_ID
	ClientSecret   string `json:"client_secret,omitempty"` // env: TWITCH_CLIENT_SECRET
	AppAccessToken string `json:"app_access_token,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"` // default 10s
	RatePerSec     int    `json:"rate_per_sec,omitempty"`    // default 10
	APIBaseURL     string `json:"api_base_url,omitempty"`
}

// MonitorConfig tunes the polling loop and its failure recovery.
//
// Defaults:
//   - interval: 1m
//   - probe_timeout: 15s
//   - cooldown: 5m
//   - duplicate_window: 0 (a repeated title/category never re-announces)
//   - retry_base_delay: 1m, retry_max_delay: 10m
//   - max_retries: 10, restart_delay: 10m
type MonitorConfig struct {
	Interval        string `json:"interval,omitempty"`
	ProbeTimeout    string `json:"probe_timeout,omitempty"`
	Cooldown        string `json:"cooldown,omitempty"`
	DuplicateWindow string `json:"duplicate_window,omitempty"`
	RetryBaseDelay  string `json:"retry_base_delay,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	MaxRetries      int    `json:"max_retries,omitempty"`
	RestartDelay    string `json:"restart_delay,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
	Rotate   LoggingRotate   `json:"rotate,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
	Keep    int    `json:"keep,omitempty"` // rotated files kept; default 7
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// LoggingRotate schedules rotation of the log file. Upload sends each rotated
// file to telegram.log_chat_id.
type LoggingRotate struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron spec; default @daily
	Timezone string `json:"timezone,omitempty"`
	Upload   bool   `json:"upload,omitempty"`
}

// NotifierConfig controls the async announcement pipeline.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2, queue_size: 512, rate_per_sec: 3
//   - retry_max: 3, retry_base: 500ms, retry_max_delay: 10s
//   - send_timeout: 10s
//   - breaker_failures: 5, breaker_cooldown: 30s
type NotifierConfig struct {
	Enabled         bool           `json:"enabled"`
	Targets         []TargetConfig `json:"targets"`
	Workers         int            `json:"workers,omitempty"`
	QueueSize       int            `json:"queue_size,omitempty"`
	RatePerSec      int            `json:"rate_per_sec,omitempty"`
	RetryMax        int            `json:"retry_max,omitempty"`
	RetryBase       string         `json:"retry_base,omitempty"`
	RetryMaxDelay   string         `json:"retry_max_delay,omitempty"`
	SendTimeout     string         `json:"send_timeout,omitempty"`
	BreakerFailures int            `json:"breaker_failures,omitempty"`
	BreakerCooldown string         `json:"breaker_cooldown,omitempty"`
}

// TargetConfig is a chat (and optional forum topic) that receives announcements.
type TargetConfig struct {
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`
}

// StorageConfig selects the channel registry backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./streambot.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // file (default), sqlite, memory
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// HTTPConfig controls the optional health/metrics/pprof server.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:9090").
//   - A non-loopback address needs a token or explicit allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	PprofPrefix   string `json:"pprof_prefix,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
