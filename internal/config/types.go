package config

// Config is the daemon configuration file. All durations are Go duration
// strings ("500ms", "2s", "10m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Transport TransportConfig `json:"transport"`
	HTTP      HTTPConfig      `json:"http"`
	Telegram  TelegramConfig  `json:"telegram"`
	Notify    NotifyConfig    `json:"notify"`
	Systemd   SystemdConfig   `json:"systemd"`
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

// LoggingTelegram forwards log lines to telegram.log_chat_id.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the queue database.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/bulksms.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres; never logged
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type DispatchConfig struct {
	// SendDelay is the pause between two sends. Hot-reloadable.
	SendDelay        string `json:"send_delay,omitempty"`
	KeepAwakeTimeout string `json:"keepawake_timeout,omitempty"`
	// StatusHeartbeat republishes the status on a cron "@every" interval; empty disables.
	StatusHeartbeat string `json:"status_heartbeat,omitempty"`
	// ResumeOnStart defaults to true.
	ResumeOnStart *bool `json:"resume_on_start,omitempty"`
}

type TransportConfig struct {
	// Driver is one of "log", "telegram", "amqp".
	Driver    string     `json:"driver"`
	Timeout   string     `json:"timeout,omitempty"`
	PartLimit int        `json:"part_limit,omitempty"`
	AMQP      AMQPConfig `json:"amqp"`
}

type AMQPConfig struct {
	URL            string `json:"url,omitempty"` // never logged
	Queue          string `json:"queue,omitempty"`
	ConfirmTimeout string `json:"confirm_timeout,omitempty"`
}

type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// StatusChatID receives the live progress message; 0 disables.
	StatusChatID int64  `json:"status_chat_id,omitempty"`
	LogChatID    int64  `json:"log_chat_id,omitempty"`
	PollTimeout  string `json:"poll_timeout,omitempty"`
}

type NotifyConfig struct {
	TelegramRatePerSec float64 `json:"telegram_rate_per_sec,omitempty"`
}

type SystemdConfig struct {
	Notify  bool `json:"notify"`
	Inhibit bool `json:"inhibit"`
}

// ResumeEnabled resolves the optional resume_on_start flag.
func (d DispatchConfig) ResumeEnabled() bool {
	return d.ResumeOnStart == nil || *d.ResumeOnStart
}
