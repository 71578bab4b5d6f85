package config

// Config is the daemon configuration file. All durations are Go duration
// strings ("500ms", "30s", "5m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scan      ScanConfig      `json:"scan"`
	Engine    EngineConfig    `json:"engine"`
	Manifest  ManifestConfig  `json:"manifest"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Presenter PresenterConfig `json:"presenter"`
	Telegram  TelegramConfig  `json:"telegram"`
	Telemetry TelemetryConfig `json:"telemetry"`
	Systemd   SystemdConfig   `json:"systemd"`
	Debug     DebugConfig     `json:"debug"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ScanConfig controls the scan driver.
//
// Defaults: interval "5m" (floor 15s), run_on_start true.
type ScanConfig struct {
	Interval   string `json:"interval"`
	RunOnStart *bool  `json:"run_on_start,omitempty"`
}

// EngineConfig controls module evaluation.
//
// Defaults: script_timeout "30s", body_hard_cap 160, snooze "1h".
type EngineConfig struct {
	ScriptTimeout string `json:"script_timeout,omitempty"`
	BodyHardCap   int    `json:"body_hard_cap,omitempty"`
	// HonorRecheck skips conditional modules until their next_condition_check_at.
	HonorRecheck bool   `json:"honor_recheck,omitempty"`
	Snooze       string `json:"snooze,omitempty"`
	// Interpreters maps a script extension to its command, e.g. ".py": ["python3"].
	Interpreters map[string][]string `json:"interpreters,omitempty"`
}

type ManifestConfig struct {
	Dir string `json:"dir"`
	// Watch triggers an out-of-band scan when the directory changes.
	Watch bool `json:"watch"`
}

// StorageConfig selects the state backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./nudge.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// PresenterConfig controls where and how fast notifications go out.
//
// Driver is "log" (default) or "telegram".
type PresenterConfig struct {
	Driver        string `json:"driver"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	// PollTimeout is the long-poll timeout for button callbacks.
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type TelemetryConfig struct {
	Enabled bool `json:"enabled"`
	Buffer  int  `json:"buffer,omitempty"`
}

type SystemdConfig struct {
	Notify bool `json:"notify"`
}

// DebugConfig controls the optional local HTTP endpoint (status, manual scan,
// pprof). Addr defaults to "127.0.0.1:6060"; a non-loopback Addr needs Token
// or AllowInsecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
