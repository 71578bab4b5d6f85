package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

var ErrInvalid = errors.New("invalid config")

// Validate checks everything that can be checked without side effects.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	durations := []struct{ path, raw string }{
		{"scan.interval", cfg.Scan.Interval},
		{"engine.script_timeout", cfg.Engine.ScriptTimeout},
		{"engine.snooze", cfg.Engine.Snooze},
		{"presenter.send_timeout", cfg.Presenter.SendTimeout},
		{"presenter.retry_base", cfg.Presenter.RetryBase},
		{"presenter.retry_max_delay", cfg.Presenter.RetryMaxDelay},
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
	}
	if cfg.Storage != nil {
		durations = append(durations, struct{ path, raw string }{"storage.busy_timeout", cfg.Storage.BusyTimeout})
	}
	for _, d := range durations {
		_, err := ParseDurationField(d.path, d.raw)
		add(err)
	}

	if strings.TrimSpace(cfg.Manifest.Dir) == "" {
		add(errors.New("manifest.dir is required"))
	}
	if cfg.Engine.BodyHardCap < 0 {
		add(errors.New("engine.body_hard_cap must be >= 0"))
	}
	if cfg.Presenter.RetryMax < 0 {
		add(errors.New("presenter.retry_max must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Presenter.Driver)) {
	case "", "log":
	case "telegram":
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			add(errors.New("telegram.token is required for presenter.driver=telegram"))
		}
		if cfg.Telegram.ChatID == 0 {
			add(errors.New("telegram.chat_id is required for presenter.driver=telegram"))
		}
	default:
		add(fmt.Errorf("presenter.driver: unknown driver %q", cfg.Presenter.Driver))
	}

	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "memory", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(cfg.Storage.Path) == "" {
				add(fmt.Errorf("storage.path is required for driver %q", cfg.Storage.Driver))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
		}
	}

	if cfg.Debug.Enabled && strings.TrimSpace(cfg.Debug.Addr) != "" {
		if _, _, err := net.SplitHostPort(cfg.Debug.Addr); err != nil {
			add(fmt.Errorf("debug.addr: %w", err))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}
