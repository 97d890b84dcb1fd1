package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "400ms", "10s", "10m").
// Secrets may be left empty and supplied through the environment, see ApplyEnv.
type Config struct {
	HTTP      HTTPConfig      `json:"http"`
	Remote    RemoteConfig    `json:"remote"`
	Race      RaceConfig      `json:"race"`
	Registry  RegistryConfig  `json:"registry"`
	Logging   LoggingConfig   `json:"logging"`
	Telegram  TelegramConfig  `json:"telegram"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Keepalive KeepaliveConfig `json:"keepalive"`
}

// HTTPConfig controls the session API.
//
// AdminToken guards the monitoring routes (/api/sessions*, /api/outcomes).
// Leave empty to leave them open; never logged.
type HTTPConfig struct {
	Addr            string `json:"addr"`
	AdminToken      string `json:"admin_token,omitempty"`
	CookieName      string `json:"cookie_name,omitempty"`
	CookieSecure    bool   `json:"cookie_secure,omitempty"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// RemoteConfig describes the booking service.
type RemoteConfig struct {
	BaseURL                 string  `json:"base_url"`
	TenantID                string  `json:"tenant_id"`
	GroupID                 string  `json:"group_id"`
	AuthMode                string  `json:"auth_mode,omitempty"`
	Module                  string  `json:"module,omitempty"`
	ModalityID              int     `json:"modality_id"`
	VerificationPlaceholder string  `json:"verification_placeholder,omitempty"`
	Timeout                 string  `json:"timeout,omitempty"`
	RatePerSec              float64 `json:"rate_per_sec,omitempty"`
	UserAgent               string  `json:"user_agent,omitempty"`
}

// RaceConfig sets the timing of every session started after it is applied.
//
// Defaults (when fields are omitted/zero):
//   - open_at: "07:00:00", close_at: "07:10:00"
//   - timezone: process local time
//   - fallback_window: "12s" (10s..15s)
//   - sweep_interval: "600ms" (500ms..800ms)
//   - transient_backoff: "1s"
//   - gate_poll: "400ms", gate_report: "30s"
//   - auth_attempts: 3
//   - log_capacity: 200
type RaceConfig struct {
	OpenAt           string `json:"open_at"`
	CloseAt          string `json:"close_at"`
	Timezone         string `json:"timezone,omitempty"`
	FallbackWindow   string `json:"fallback_window,omitempty"`
	SweepInterval    string `json:"sweep_interval,omitempty"`
	TransientBackoff string `json:"transient_backoff,omitempty"`
	GatePoll         string `json:"gate_poll,omitempty"`
	GateReport       string `json:"gate_report,omitempty"`
	AuthAttempts     int    `json:"auth_attempts,omitempty"`
	LogCapacity      int    `json:"log_capacity,omitempty"`
}

type RegistryConfig struct {
	MaxFinished int `json:"max_finished,omitempty"`
	RecentLimit int `json:"recent_limit,omitempty"`
}

// NotifierConfig controls outcome notifications.
// If the whole section is omitted, notifications are off.
type NotifierConfig struct {
	Enabled         bool     `json:"enabled"`
	Workers         int      `json:"workers"`
	QueueSize       int      `json:"queue_size"`
	RatePerSec      int      `json:"rate_per_sec"`
	RetryMax        int      `json:"retry_max"`
	RetryBase       string   `json:"retry_base"`
	RetryMaxDelay   string   `json:"retry_max_delay"`
	DedupWindow     string   `json:"dedup_window"`
	DedupMaxEntries int      `json:"dedup_max_entries"`
	Statuses        []string `json:"statuses,omitempty"`
}

// StorageConfig controls the outcome audit trail.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/courtbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// TelegramConfig configures the outbound chat used for notifications and the log sink.
type TelegramConfig struct {
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
	APIURL   string `json:"api_url,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// KeepaliveConfig schedules a self ping so idle hosts do not sleep.
type KeepaliveConfig struct {
	Enabled  bool   `json:"enabled"`
	URL      string `json:"url,omitempty"`
	Schedule string `json:"schedule,omitempty"` // cron spec, default "@every 10m"
	Timeout  string `json:"timeout,omitempty"`
}
