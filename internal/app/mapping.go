package app

import (
	"fmt"
	"strings"
	"time"

	"nudge/internal/config"
	"nudge/internal/driver"
	"nudge/internal/engine"
	"nudge/internal/observability/debug"
	"nudge/internal/presenter"
	"nudge/internal/script"
	"nudge/internal/storage"
	"nudge/internal/telemetry"
	logx "nudge/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorageConfig returns the memory store when no storage section is set.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDriverConfig(cfg *config.Config) (driver.Config, error) {
	iv, err := config.ParseDurationOrDefault("scan.interval", cfg.Scan.Interval, driver.DefaultInterval)
	if err != nil {
		return driver.Config{}, err
	}
	runOnStart := true
	if cfg.Scan.RunOnStart != nil {
		runOnStart = *cfg.Scan.RunOnStart
	}
	return driver.Config{Interval: driver.NormalizeInterval(iv), RunOnStart: runOnStart}, nil
}

func mapEngineLimits(cfg *config.Config) (engine.Limits, error) {
	timeout, err := config.ParseDurationOrDefault("engine.script_timeout", cfg.Engine.ScriptTimeout, script.DefaultTimeout)
	if err != nil {
		return engine.Limits{}, err
	}
	hardCap := cfg.Engine.BodyHardCap
	if hardCap <= 0 {
		hardCap = engine.DefaultHardCap
	}
	return engine.Limits{ScriptTimeout: timeout, HardCap: hardCap}, nil
}

func mapSnooze(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("engine.snooze", cfg.Engine.Snooze, engine.DefaultSnooze)
}

// mapScriptConfig overlays configured interpreters on the defaults. An empty
// command list removes the default for that extension.
func mapScriptConfig(cfg *config.Config) script.Config {
	interp := script.DefaultInterpreters()
	for ext, cmd := range cfg.Engine.Interpreters {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if len(cmd) == 0 {
			delete(interp, ext)
			continue
		}
		interp[ext] = append([]string(nil), cmd...)
	}
	return script.Config{Interpreters: interp}
}

func mapDispatcherConfig(cfg *config.Config) (presenter.DispatcherConfig, error) {
	pc := cfg.Presenter
	sendTimeout, err := config.ParseDurationField("presenter.send_timeout", pc.SendTimeout)
	if err != nil {
		return presenter.DispatcherConfig{}, err
	}
	retryBase, err := config.ParseDurationField("presenter.retry_base", pc.RetryBase)
	if err != nil {
		return presenter.DispatcherConfig{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("presenter.retry_max_delay", pc.RetryMaxDelay)
	if err != nil {
		return presenter.DispatcherConfig{}, err
	}
	if pc.RetryMax < 0 {
		return presenter.DispatcherConfig{}, fmt.Errorf("presenter.retry_max must be >= 0")
	}
	return presenter.DispatcherConfig{
		Workers:       pc.Workers,
		QueueSize:     pc.QueueSize,
		RatePerSec:    pc.RatePerSec,
		SendTimeout:   sendTimeout,
		RetryMax:      pc.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
	}, nil
}

// mapTelegramConfig reports false when the log sink is selected.
func mapTelegramConfig(cfg *config.Config) (presenter.TelegramConfig, bool, error) {
	if !strings.EqualFold(strings.TrimSpace(cfg.Presenter.Driver), "telegram") {
		return presenter.TelegramConfig{}, false, nil
	}
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return presenter.TelegramConfig{}, false, err
	}
	return presenter.TelegramConfig{
		Token:       strings.TrimSpace(cfg.Telegram.Token),
		ChatID:      cfg.Telegram.ChatID,
		ThreadID:    cfg.Telegram.ThreadID,
		PollTimeout: poll,
	}, true, nil
}

func mapTelemetryConfig(cfg *config.Config) telemetry.Config {
	return telemetry.Config{Enabled: cfg.Telemetry.Enabled, Buffer: cfg.Telemetry.Buffer}
}

func mapDebugConfig(cfg *config.Config) debug.Config {
	return debug.Config{
		Enabled:       cfg.Debug.Enabled,
		Addr:          strings.TrimSpace(cfg.Debug.Addr),
		Token:         strings.TrimSpace(cfg.Debug.Token),
		AllowInsecure: cfg.Debug.AllowInsecure,
	}
}

// validateMapped runs every mapper so a reload that would fail to apply is
// rejected before it is committed.
func validateMapped(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDriverConfig(cfg); err != nil {
		return err
	}
	if _, err := mapEngineLimits(cfg); err != nil {
		return err
	}
	if _, err := mapSnooze(cfg); err != nil {
		return err
	}
	if _, err := mapDispatcherConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	return nil
}
