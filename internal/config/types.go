package config

type Config struct {
	Telegram  TelegramConfig   `json:"telegram"`
	Instagram *InstagramConfig `json:"instagram,omitempty"`
	Facebook  *FacebookConfig  `json:"facebook,omitempty"`
	Staging   *StagingConfig   `json:"staging,omitempty"`

	Pipeline PipelineConfig `json:"pipeline"`
	Schedule ScheduleConfig `json:"schedule"`
	TextProc *TextProcConfig `json:"textproc,omitempty"`

	Logging  LoggingConfig   `json:"logging"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  StorageConfig   `json:"storage"`
	Stats    StatsConfig     `json:"stats"`
}

// TelegramConfig configures both the primary publish channel and the
// operator control surface (same bot, different chats).
type TelegramConfig struct {
	Token string `json:"token"`
	// ChannelID is the publish target: "@username" or a numeric chat id.
	ChannelID string `json:"channel_id"`
	// BufferChatID is the raw-intake chat the bot watches for new content.
	BufferChatID int64   `json:"buffer_chat_id"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	OperatorChat int64   `json:"operator_chat,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// InstagramConfig configures the short-video destination.
// If the section is omitted the destination is disabled (scheduler denies).
type InstagramConfig struct {
	AccountID   string `json:"account_id"`
	AccessToken string `json:"access_token"`
	// APIBase overrides the Graph API base URL (tests, proxies).
	APIBase string `json:"api_base,omitempty"`
	// PollMax bounds remote-processing status polls per attempt.
	PollMax int `json:"poll_max,omitempty"`
	// PollInterval / RetryDelay are Go duration strings.
	PollInterval string `json:"poll_interval,omitempty"`
	RetryDelay   string `json:"retry_delay,omitempty"`
}

// FacebookConfig configures the secondary-network destination.
type FacebookConfig struct {
	PageID      string `json:"page_id"`
	AccessToken string `json:"access_token"`
	APIBase     string `json:"api_base,omitempty"`
}

// StagingConfig configures the S3-compatible intermediate store used for
// platforms that require a public media URL.
type StagingConfig struct {
	Endpoint  string `json:"endpoint"`
	Region    string `json:"region,omitempty"`
	Bucket    string `json:"bucket"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	// PublicBaseURL is prepended to object keys to form the public URL.
	PublicBaseURL string `json:"public_base_url"`
}

// PipelineConfig controls ingestion and the inventory maintainer.
//
// All durations are Go duration strings (e.g. "30s", "10m").
type PipelineConfig struct {
	// TargetReady is the number of fully prepared artifacts to keep on hand.
	TargetReady int `json:"target_ready,omitempty"` // default 10
	// PollInterval is the maintainer wake-up interval. Default "30s".
	PollInterval string `json:"poll_interval,omitempty"`
	// WorkDir holds the ready inventory (media + sidecar metadata).
	WorkDir string `json:"work_dir"`
	// PrepareCommand is the external preparation tool invoked per raw item.
	// Receives source ref, caption and output path as arguments.
	PrepareCommand string `json:"prepare_command"`
	PrepareTimeout string `json:"prepare_timeout,omitempty"` // default "10m"
}

// ScheduleConfig tunes the per-platform admission rules.
// Hour fields are local-time hours in [0,24).
type ScheduleConfig struct {
	Timezone string `json:"timezone,omitempty"`
	// MinInterval is the shared cooldown between successful publishes.
	// Floor of 1h is enforced regardless of configuration.
	MinInterval string `json:"min_interval,omitempty"`

	DayStart      int `json:"day_start,omitempty"`      // default 8
	DayEnd        int `json:"day_end,omitempty"`        // default 21
	BlackoutStart int `json:"blackout_start,omitempty"` // default 14
	BlackoutEnd   int `json:"blackout_end,omitempty"`   // default 16
	MorningCap    int `json:"morning_cap,omitempty"`    // default 3
	EveningCap    int `json:"evening_cap,omitempty"`    // default 6

	// OrchestratorInterval is the publish loop wake-up interval. Default "1m".
	OrchestratorInterval string `json:"orchestrator_interval,omitempty"`
}

// TextProcConfig configures the external text-processing collaborator
// (translation + semantic similarity scoring).
type TextProcConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key,omitempty"`
	Timeout string `json:"timeout,omitempty"` // default "15s"
	// SimilarityThreshold marks a text as duplicate at or above this score.
	SimilarityThreshold float64 `json:"similarity_threshold,omitempty"` // default 0.65
	// HistoryDepth caps how many recent published texts are compared.
	HistoryDepth int `json:"history_depth,omitempty"` // default 20, max 20
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Operator LoggingOperator `json:"operator"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingOperator struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// NotifierConfig controls the async operator notification pipeline.
//
// All durations are Go duration strings. If the whole section is omitted,
// the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
}

// StorageConfig controls the durable store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./postpilot_state" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// StatsConfig controls the daily ledger report.
type StatsConfig struct {
	ReportEnabled bool `json:"report_enabled"`
	// ReportCron is a cron spec (5 or 6 fields). Default "0 9 * * *".
	ReportCron string `json:"report_cron,omitempty"`
}
