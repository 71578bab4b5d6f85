package app

import (
	"context"
	"strings"

	"nudge/internal/config"
	"nudge/internal/settings"
	logx "nudge/pkg/logx"
)

// reloadLoop applies published configs. Sections listed by
// config.RequiresRestart are only logged.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the newest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(prev, next *config.Config) {
	sections, fields := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if pending := config.RequiresRestart(sections); len(pending) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect", logx.String("sections", strings.Join(pending, ",")))
	}

	a.logs.Apply(mapLoggingConfig(next))

	if dc, err := mapDriverConfig(next); err != nil {
		a.log.Warn("invalid scan config; keeping previous", logx.Err(err))
	} else {
		a.drv.SetInterval(dc.Interval)
	}

	if limits, err := mapEngineLimits(next); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else {
		a.eng.SetLimits(limits)
	}
	a.scanner.SetHonorRecheck(next.Engine.HonorRecheck)
	if snooze, err := mapSnooze(next); err == nil {
		a.scanner.SetSnooze(snooze)
	}

	if dc, err := mapDispatcherConfig(next); err != nil {
		a.log.Warn("invalid presenter config; keeping previous", logx.Err(err))
	} else {
		a.dispMu.Lock()
		a.dispCfg = dc
		a.disp.Apply(dc)
		a.dispMu.Unlock()
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)...)
}

// registerSettingsHooks wires settings modules to the live components. The
// next config reload overrides whatever a settings module changed.
func (a *App) registerSettingsHooks() {
	a.settings.Register("scan", func(_ context.Context, o settings.Overrides) error {
		if o.ScanInterval != nil {
			iv := a.drv.SetInterval(*o.ScanInterval)
			a.log.Info("scan interval set by module", logx.Duration("interval", iv))
		}
		return nil
	})
	a.settings.Register("logging", func(_ context.Context, o settings.Overrides) error {
		if o.LogLevel == nil {
			return nil
		}
		return a.logs.SetLevel(*o.LogLevel)
	})
	a.settings.Register("engine", func(_ context.Context, o settings.Overrides) error {
		if o.ScriptTimeout == nil && o.BodyHardCap == nil {
			return nil
		}
		l := a.eng.Limits()
		if o.ScriptTimeout != nil {
			l.ScriptTimeout = *o.ScriptTimeout
		}
		if o.BodyHardCap != nil {
			l.HardCap = *o.BodyHardCap
		}
		a.eng.SetLimits(l)
		return nil
	})
	a.settings.Register("presenter", func(_ context.Context, o settings.Overrides) error {
		if o.RatePerSec == nil {
			return nil
		}
		a.dispMu.Lock()
		defer a.dispMu.Unlock()
		a.dispCfg.RatePerSec = *o.RatePerSec
		a.disp.Apply(a.dispCfg)
		return nil
	})
	a.settings.Register("actions", func(_ context.Context, o settings.Overrides) error {
		if o.Snooze == nil {
			return nil
		}
		a.scanner.SetSnooze(*o.Snooze)
		return nil
	})
}
