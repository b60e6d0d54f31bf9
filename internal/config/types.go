package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Schedule controls when the daily poll fires.
	Schedule ScheduleConfig `json:"schedule"`
	Poll     PollConfig     `json:"poll"`

	Registry  RegistryConfig  `json:"registry"`
	Blob      BlobConfig      `json:"blob"`
	Broadcast BroadcastConfig `json:"broadcast"`

	// Storage is the optional audit/dedup store. Nil disables it.
	Storage *StorageConfig `json:"storage,omitempty"`

	Commands CommandsConfig `json:"commands"`
	Messages MessagesConfig `json:"messages"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// APIURL points at a self-hosted Bot API server. Empty uses api.telegram.org.
	APIURL string `json:"api_url,omitempty"`
	// LogChatID receives log lines when logging.telegram is enabled.
	LogChatID int64 `json:"log_chat_id,omitempty"`
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
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// ScheduleConfig controls the daily trigger.
//
// Defaults:
//   - at: "18:00"
//   - skip: ["friday", "saturday"]
//   - timezone: "Local"
//   - tick_interval: "1m" (capped at 5m)
type ScheduleConfig struct {
	At string `json:"at"`
	// Skip lists weekdays on which the poll is not sent. Nil means the default set;
	// an explicit empty list sends every day.
	Skip         []string `json:"skip"`
	Timezone     string   `json:"timezone,omitempty"`
	TickInterval string   `json:"tick_interval,omitempty"`
}

// PollConfig is the poll template sent to every subscriber.
type PollConfig struct {
	// DateLayout is a Go time layout for tomorrow's date.
	DateLayout     string   `json:"date_layout,omitempty"`
	QuestionSuffix string   `json:"question_suffix"`
	Options        []string `json:"options"`
	// Anonymous is a pointer so an explicit false survives defaulting.
	Anonymous       *bool `json:"anonymous,omitempty"`
	MultipleAnswers bool  `json:"multiple_answers,omitempty"`
	// Loud sends the poll with a notification sound.
	Loud bool `json:"loud,omitempty"`
}

type RegistryConfig struct {
	Path string `json:"path"`
	// Key names the remote object. Defaults to the base name of path.
	Key            string `json:"key,omitempty"`
	// PushRetries is the number of extra remote attempts per mutation. Nil
	// means DefaultPushRetries; 0 disables inline retries.
	PushRetries    *int   `json:"push_retries,omitempty"`
	ResyncInterval string `json:"resync_interval,omitempty"`
}

// BlobConfig selects the remote durable store.
//
// Credentials are normally supplied via AWS_ACCESS_KEY / AWS_SECRET_KEY and
// are never logged.
type BlobConfig struct {
	Driver    string `json:"driver"` // "s3" | "memory"
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
	AccessKey string `json:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	PathStyle bool   `json:"path_style,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

type BroadcastConfig struct {
	Workers     int    `json:"workers,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
	RetryMax    int    `json:"retry_max,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/pollrelay.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type CommandsConfig struct {
	SubscribeAliases   []string `json:"subscribe_aliases,omitempty"`
	UnsubscribeAliases []string `json:"unsubscribe_aliases,omitempty"`
	// Timeout bounds a single command handler.
	Timeout string                   `json:"timeout,omitempty"`
	Static  map[string]StaticCommand `json:"static,omitempty"`
}

// StaticCommand replies with fixed text. "{name}" expands to the sender's name.
type StaticCommand struct {
	Text        string `json:"text"`
	ParseMode   string `json:"parse_mode,omitempty"`
	Description string `json:"description,omitempty"`
}

// MessagesConfig overrides reply texts. Empty fields keep the built-in text.
type MessagesConfig struct {
	Subscribed          string `json:"subscribed,omitempty"`
	AlreadySubscribed   string `json:"already_subscribed,omitempty"`
	Unsubscribed        string `json:"unsubscribed,omitempty"`
	NotSubscribed       string `json:"not_subscribed,omitempty"`
	Failure             string `json:"failure,omitempty"`
	StatusSubscribed    string `json:"status_subscribed,omitempty"`
	StatusNotSubscribed string `json:"status_not_subscribed,omitempty"`
	StatusLastPoll      string `json:"status_last_poll,omitempty"`
}
