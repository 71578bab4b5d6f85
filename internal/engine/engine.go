package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"nudge/internal/module"
	"nudge/internal/script"
	logx "nudge/pkg/logx"
)

const (
	// DefaultHardCap is the platform's body length cap for generated content.
	DefaultHardCap = 160
	// DefaultSnooze is used by the snooze action when no duration is given.
	DefaultSnooze = time.Hour
)

// Limits are the runtime-adjustable knobs of the engine.
type Limits struct {
	ScriptTimeout time.Duration
	HardCap       int
}

func (l Limits) withDefaults() Limits {
	if l.ScriptTimeout <= 0 {
		l.ScriptTimeout = script.DefaultTimeout
	}
	if l.HardCap <= 0 {
		l.HardCap = DefaultHardCap
	}
	return l
}

type Engine struct {
	exec script.Executor
	log  logx.Logger

	mu     sync.RWMutex
	limits Limits
}

func New(limits Limits, exec script.Executor, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{exec: exec, log: log, limits: limits.withDefaults()}
}

func (e *Engine) Limits() Limits {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.limits
}

// SetLimits replaces the limits; zero fields fall back to defaults.
func (e *Engine) SetLimits(l Limits) {
	e.mu.Lock()
	e.limits = l.withDefaults()
	e.mu.Unlock()
}

// Evaluate decides what to do with one module at now. The returned state is
// provisional until RecordOutcome is applied. Evaluating twice with the same
// inputs yields the same decision: nothing advances on evaluation alone.
func (e *Engine) Evaluate(ctx context.Context, def module.Definition, prior module.State, now time.Time) (Decision, module.State) {
	st := prior.Normalize()

	if st.Status.Terminal() {
		return skip("terminal:" + string(st.Status)), prior
	}

	switch spec := def.Spec.(type) {
	case module.SettingsUpdate:
		// One-shot regardless of how applying goes.
		st.Status = module.StatusCompleted
		st.LastError = ""
		st.ReminderDueAt = time.Time{}
		if def.AutoClear {
			st.CleanupRequested = true
		}
		return Decision{Kind: DecisionApplySettings, Payload: spec.Payload}, st

	case module.Conditional:
		ok, err := e.checkCondition(ctx, def, spec)
		if err != nil && ctx.Err() != nil {
			return skip("cancelled"), prior
		}
		if err != nil {
			st.Status = module.StatusError
			st.LastError = err.Error()
			return Decision{Kind: DecisionSkip, Reason: "condition error", Err: err}, st
		}
		st.LastConditionCheckAt = now
		st = clearSoftError(st)
		if !ok {
			if spec.RecheckMinutes > 0 {
				st.NextConditionCheckAt = now.Add(time.Duration(spec.RecheckMinutes) * time.Minute)
			}
			return skip("condition false"), st
		}
	}

	if prior.UserDismissed {
		return skip("dismissed"), prior
	}
	if !def.ExpiresAt.IsZero() && !now.Before(def.ExpiresAt) {
		st.Status = module.StatusExpired
		st.LastError = ""
		if def.AutoClear {
			st.CleanupRequested = true
		}
		return skip("expired"), st
	}

	if eligible, reason := Eligible(def, st, now); !eligible {
		return skip(reason), st
	}

	if spec, ok := def.Spec.(module.Dynamic); ok {
		body, err := e.generateBody(ctx, def, spec)
		if err != nil && ctx.Err() != nil {
			return skip("cancelled"), prior
		}
		if err != nil {
			st.Status = module.StatusError
			st.LastError = err.Error()
			return Decision{Kind: DecisionSkip, Reason: "content error", Err: err}, st
		}
		st = clearSoftError(st)
		c := staticContent(def)
		c.Body = body
		return present(c), st
	}
	return present(staticContent(def)), st
}

// Eligible applies the presentation timing rules; the first matching rule wins.
func Eligible(def module.Definition, st module.State, now time.Time) (bool, string) {
	switch {
	case !st.ReminderDueAt.IsZero():
		if now.Before(st.ReminderDueAt) {
			return false, "reminder not due"
		}
		return true, ""
	case st.LastShownAt.IsZero():
		if at := def.EffectiveScheduleAt(); !at.IsZero() && now.Before(at) {
			return false, "not scheduled yet"
		}
		return true, ""
	case def.ReminderIntervalHours > 0:
		if now.Before(st.LastShownAt.Add(def.ReminderInterval())) {
			return false, "reminder interval not elapsed"
		}
		return true, ""
	default:
		// Shown before and no reminder interval: stays eligible until a
		// user action completes it.
		return true, ""
	}
}

func clearSoftError(st module.State) module.State {
	if st.Status == module.StatusError {
		st.Status = module.StatusPending
	}
	st.LastError = ""
	return st
}

func (e *Engine) runScript(ctx context.Context, def module.Definition, path string) (script.Result, error) {
	if e.exec == nil {
		return script.Result{}, &ScriptError{Script: path, Err: errors.New("no script executor configured")}
	}
	timeout := e.Limits().ScriptTimeout
	res, err := e.exec.Run(ctx, path, def.Dir, timeout)
	if res.Truncated {
		e.log.Debug("script output truncated", logx.String("module", def.ID), logx.String("script", path))
	}
	if err != nil {
		e.log.Warn("script failed", logx.String("module", def.ID), logx.String("script", path), logx.Err(err))
		return res, &ScriptError{Script: path, ExitCode: res.ExitCode, Stderr: res.Stderr, Err: err}
	}
	if res.ExitCode != 0 {
		e.log.Warn("script exited nonzero", logx.String("module", def.ID), logx.String("script", path), logx.Int("exit_code", res.ExitCode))
		return res, &ScriptError{Script: path, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return res, nil
}

// checkCondition runs the condition script. Exit 0 with a truthy first line
// (true/yes/1/y) means "present"; a falsy or empty output means "not yet".
func (e *Engine) checkCondition(ctx context.Context, def module.Definition, spec module.Conditional) (bool, error) {
	res, err := e.runScript(ctx, def, spec.Script)
	if err != nil {
		return false, err
	}
	out := strings.ToLower(strings.TrimSpace(firstLine(res.Stdout)))
	switch out {
	case "true", "yes", "1", "y":
		return true, nil
	case "", "false", "no", "0", "n":
		return false, nil
	default:
		return false, &ContentError{Module: def.ID, Reason: "unrecognized condition output " + strings.TrimSpace(truncate(out, 40))}
	}
}

func (e *Engine) generateBody(ctx context.Context, def module.Definition, spec module.Dynamic) (string, error) {
	res, err := e.runScript(ctx, def, spec.Script)
	if err != nil {
		return "", err
	}
	body := res.Stdout
	if spec.TrimWhitespace {
		body = strings.TrimSpace(body)
	}
	if body == "" {
		switch {
		case spec.FailIfEmpty:
			return "", &ContentError{Module: def.ID, Reason: "content script produced empty output"}
		case spec.Fallback != "":
			body = spec.Fallback
		}
	}
	limit := e.Limits().HardCap
	if spec.MaxLength > 0 && spec.MaxLength < limit {
		limit = spec.MaxLength
	}
	return clampRunes(body, limit), nil
}

func firstLine(s string) string {
	s = strings.TrimLeft(s, "\r\n\t ")
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return s[:i]
	}
	return s
}

// clampRunes cuts s to at most n characters without splitting a UTF-8 sequence.
func clampRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// RecordOutcome folds the effect of acting on a decision into the state
// returned by Evaluate.
func (e *Engine) RecordOutcome(def module.Definition, st module.State, out Outcome, now time.Time) module.State {
	switch out.Kind {
	case OutcomePresented:
		st.LastShownAt = now
		st.ScheduledAt = now
		st.LastError = ""
		if h := def.ReminderIntervalHours; h > 0 {
			st.Status = module.StatusPending
			st.ReminderIntervalHours = h
			st.ReminderDueAt = now.Add(def.ReminderInterval())
		} else {
			st.Status = module.StatusCompleted
			st.ReminderIntervalHours = 0
			st.ReminderDueAt = time.Time{}
			if def.AutoClear {
				st.CleanupRequested = true
			}
		}
		return st
	case OutcomeSettingsApplied:
		if out.Err != nil {
			e.log.Warn("settings apply failed", logx.String("module", def.ID), logx.Err(out.Err))
		}
		return st
	default:
		// Presentation failures leave the state exactly as it was.
		return st
	}
}

// Apply folds a user's response to a presented notification into the
// module state. Terminal states are returned unchanged.
func (e *Engine) Apply(def module.Definition, st module.State, action module.Action, snooze time.Duration, now time.Time) (module.State, error) {
	st = st.Normalize()
	if st.Status.Terminal() {
		return st, nil
	}
	switch action {
	case module.ActionAcknowledge:
		st.Status = module.StatusCompleted
		st.AcknowledgedAt = now
		st.ReminderDueAt = time.Time{}
		st.LastError = ""
		if def.AutoClear {
			st.CleanupRequested = true
		}
	case module.ActionDismiss:
		st.UserDismissed = true
	case module.ActionSnooze:
		if snooze <= 0 {
			snooze = DefaultSnooze
		}
		st.ReminderDueAt = now.Add(snooze)
	default:
		return st, errors.New("unknown action: " + string(action))
	}
	return st, nil
}
