package config

import (
	"reflect"
	"strings"

	logx "nudge/pkg/logx"
)

// SummarizeConfigChange lists the changed sections and safe log fields for a
// reload. Secrets (the Telegram token) are only reported as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	fields := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scan, newCfg.Scan) {
		changed = append(changed, "scan")
		fields = append(fields, logx.String("scan.interval", strings.TrimSpace(newCfg.Scan.Interval)))
	}
	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		fields = append(fields,
			logx.String("engine.script_timeout", newCfg.Engine.ScriptTimeout),
			logx.Int("engine.body_hard_cap", newCfg.Engine.BodyHardCap),
			logx.Bool("engine.honor_recheck", newCfg.Engine.HonorRecheck),
		)
	}
	if oldCfg.Manifest != newCfg.Manifest {
		changed = append(changed, "manifest")
		fields = append(fields, logx.String("manifest.dir", newCfg.Manifest.Dir), logx.Bool("manifest.watch", newCfg.Manifest.Watch))
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			fields = append(fields, logx.String("storage.driver", newCfg.Storage.Driver))
		}
	}
	if oldCfg.Presenter != newCfg.Presenter {
		changed = append(changed, "presenter")
		fields = append(fields,
			logx.String("presenter.driver", newCfg.Presenter.Driver),
			logx.Int("presenter.rate_per_sec", newCfg.Presenter.RatePerSec),
		)
	}
	if oldCfg.Telegram.ChatID != newCfg.Telegram.ChatID ||
		oldCfg.Telegram.ThreadID != newCfg.Telegram.ThreadID ||
		oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram")
		fields = append(fields,
			logx.Int64("telegram.chat_id", newCfg.Telegram.ChatID),
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
		)
	}
	if oldCfg.Telemetry != newCfg.Telemetry {
		changed = append(changed, "telemetry")
	}
	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
	}
	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		fields = append(fields,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.Addr),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
		)
	}
	return changed, fields
}

// RequiresRestart reports sections whose changes only take effect on restart.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "telegram", "manifest", "telemetry", "systemd", "debug":
			out = append(out, s)
		}
	}
	return out
}
