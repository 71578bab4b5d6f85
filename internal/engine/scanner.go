package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"nudge/internal/eventbus"
	"nudge/internal/module"
	"nudge/internal/presenter"
	logx "nudge/pkg/logx"
)

var ErrUnknownModule = errors.New("unknown module")

// Source lists the currently declared modules.
type Source interface {
	List(ctx context.Context) ([]module.Definition, error)
}

// Clearer removes a module's backing artifacts (auto-clear).
type Clearer interface {
	Clear(ctx context.Context, id string) error
}

// States is the never-failing state store.
type States interface {
	GetState(ctx context.Context, id string) module.State
	SetState(ctx context.Context, id string, st module.State)
}

// Presenter accepts a presentation without waiting for it; the channel
// yields the outcome.
type Presenter interface {
	Submit(ctx context.Context, c presenter.Content, id presenter.Identity) <-chan error
}

type SettingsApplier interface {
	ApplySettings(ctx context.Context, payload map[string]any) error
}

// Summary describes one scan.
type Summary struct {
	ID        string        `json:"id"`
	StartedAt time.Time     `json:"started_at"`
	Took      time.Duration `json:"took"`
	Trigger   string        `json:"trigger"`
	Total     int           `json:"total"`
	Presented int           `json:"presented"`
	Failed    int           `json:"failed"`
	Errors    int           `json:"errors"`
	Skipped   int           `json:"skipped"`
	Settings  int           `json:"settings"`
	Expired   int           `json:"expired"`
	Throttled int           `json:"throttled"`
	Cleared   int           `json:"cleared"`
	Cancelled bool          `json:"cancelled,omitempty"`
	ListError string        `json:"list_error,omitempty"`
}

type ScannerDeps struct {
	Engine    *Engine
	Source    Source
	States    States
	Presenter Presenter
	Settings  SettingsApplier
	Bus       eventbus.Bus
	Log       logx.Logger
}

// Scanner runs complete passes over all modules. It must not run
// concurrently with itself; the driver guarantees that.
type Scanner struct {
	eng      *Engine
	src      Source
	clearer  Clearer
	states   States
	pres     Presenter
	settings SettingsApplier
	bus      eventbus.Bus
	log      logx.Logger

	honorRecheck atomic.Bool
	snooze       atomic.Int64
}

func NewScanner(d ScannerDeps) *Scanner {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scanner{
		eng:      d.Engine,
		src:      d.Source,
		states:   d.States,
		pres:     d.Presenter,
		settings: d.Settings,
		bus:      d.Bus,
		log:      log,
	}
	if c, ok := d.Source.(Clearer); ok {
		s.clearer = c
	}
	s.snooze.Store(int64(DefaultSnooze))
	return s
}

// SetHonorRecheck makes scans skip conditional modules until their
// next_condition_check_at has passed.
func (s *Scanner) SetHonorRecheck(on bool) { s.honorRecheck.Store(on) }

// SetSnooze sets how far the snooze action pushes a reminder.
func (s *Scanner) SetSnooze(d time.Duration) {
	if d <= 0 {
		d = DefaultSnooze
	}
	s.snooze.Store(int64(d))
}

type inflight struct {
	def    module.Definition
	prior  module.State
	st     module.State
	result <-chan error
}

// RunOneScan evaluates every module once using now for all time comparisons.
// Presentations are submitted as they are decided and their outcomes are
// folded into state after the pass.
func (s *Scanner) RunOneScan(ctx context.Context, now time.Time, trigger string) Summary {
	started := time.Now()
	sum := Summary{ID: uuid.NewString(), StartedAt: now, Trigger: trigger}
	log := s.log.With(logx.String("scan", sum.ID))

	defs, err := s.src.List(ctx)
	if err != nil {
		sum.ListError = err.Error()
		log.Error("listing modules failed", logx.Err(err))
		sum.Took = time.Since(started)
		s.publish(eventbus.ScanCompleted, "", sum)
		return sum
	}

	// Outcomes already decided are written even if the scan is cancelled.
	persist := context.WithoutCancel(ctx)
	seen := make(map[string]bool, len(defs))
	var pending []inflight
	for _, def := range defs {
		if ctx.Err() != nil {
			sum.Cancelled = true
			log.Warn("scan cancelled; remaining modules left for the next scan", logx.Err(ctx.Err()))
			break
		}
		if seen[def.ID] {
			log.Warn("duplicate module id ignored", logx.String("module", def.ID))
			continue
		}
		seen[def.ID] = true
		sum.Total++

		prior := s.states.GetState(ctx, def.ID)
		if prior.Status.Terminal() {
			if prior.CleanupRequested && def.AutoClear {
				if s.cleanup(ctx, def, prior) {
					sum.Cleared++
				}
			}
			sum.Skipped++
			continue
		}
		if s.throttled(def, prior, now) {
			sum.Throttled++
			continue
		}

		dec, st := s.eng.Evaluate(ctx, def, prior, now)
		mlog := log.With(logx.String("module", def.ID), logx.String("kind", string(def.Kind())))

		switch dec.Kind {
		case DecisionPresent:
			mlog.Debug("presenting")
			res := s.pres.Submit(ctx, dec.Content, presenter.IdentityFor(def.ID))
			pending = append(pending, inflight{def: def, prior: prior, st: st, result: res})

		case DecisionApplySettings:
			var applyErr error
			if s.settings == nil {
				applyErr = errors.New("no settings applier configured")
			} else {
				applyErr = s.applySettings(ctx, dec.Payload)
			}
			if applyErr != nil {
				mlog.Warn("settings not applied", logx.Err(applyErr))
			} else {
				mlog.Info("settings applied")
			}
			st = s.eng.RecordOutcome(def, st, Outcome{Kind: OutcomeSettingsApplied, Err: applyErr}, now)
			s.states.SetState(persist, def.ID, st)
			sum.Settings++
			s.publish(eventbus.SettingsApplied, def.ID, applyErr)
			if st.CleanupRequested && s.cleanup(ctx, def, st) {
				sum.Cleared++
			}

		default:
			if !reflect.DeepEqual(st, prior) {
				s.states.SetState(persist, def.ID, st)
			}
			switch {
			case dec.Err != nil:
				sum.Errors++
				mlog.Warn("module error", logx.String("reason", dec.Reason), logx.Err(dec.Err))
				s.publish(eventbus.ModuleError, def.ID, dec.Err.Error())
			case st.Status == module.StatusExpired:
				sum.Expired++
				mlog.Info("module expired")
				s.publish(eventbus.ModuleExpired, def.ID, nil)
				if st.CleanupRequested && s.cleanup(ctx, def, st) {
					sum.Cleared++
				}
			default:
				sum.Skipped++
				mlog.Trace("skipped", logx.String("reason", dec.Reason))
			}
		}
	}

	for _, p := range pending {
		var err error
		select {
		case err = <-p.result:
		case <-ctx.Done():
			err = ctx.Err()
		}
		mlog := log.With(logx.String("module", p.def.ID))
		if err != nil {
			sum.Failed++
			mlog.Warn("presentation failed; will retry next scan", logx.Err(err))
			st := s.eng.RecordOutcome(p.def, p.st, Outcome{Kind: OutcomePresentFailed, Err: err}, now)
			if !reflect.DeepEqual(st, p.prior) {
				s.states.SetState(persist, p.def.ID, st)
			}
			s.publish(eventbus.ModuleFailed, p.def.ID, fmt.Errorf("%w: %w", ErrPresentation, err).Error())
			continue
		}
		sum.Presented++
		st := s.eng.RecordOutcome(p.def, p.st, Outcome{Kind: OutcomePresented}, now)
		s.states.SetState(persist, p.def.ID, st)
		s.publish(eventbus.ModulePresented, p.def.ID, nil)
		if st.Status == module.StatusCompleted {
			s.publish(eventbus.ModuleCompleted, p.def.ID, nil)
			if st.CleanupRequested && s.cleanup(ctx, p.def, st) {
				sum.Cleared++
			}
		}
	}

	sum.Took = time.Since(started)
	log.Info("scan finished",
		logx.String("trigger", trigger),
		logx.Int("total", sum.Total),
		logx.Int("presented", sum.Presented),
		logx.Int("failed", sum.Failed),
		logx.Int("errors", sum.Errors),
		logx.Duration("took", sum.Took),
	)
	s.publish(eventbus.ScanCompleted, "", sum)
	return sum
}

func (s *Scanner) throttled(def module.Definition, prior module.State, now time.Time) bool {
	if !s.honorRecheck.Load() || def.Kind() != module.KindConditional {
		return false
	}
	if prior.Status == module.StatusError || prior.NextConditionCheckAt.IsZero() {
		return false
	}
	return now.Before(prior.NextConditionCheckAt)
}

// applySettings shields the scan from a panicking applier.
func (s *Scanner) applySettings(ctx context.Context, payload map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("settings applier panicked: %v", r)
		}
	}()
	return s.settings.ApplySettings(ctx, payload)
}

// cleanup honors an auto-clear advisory. On failure the flag stays set and
// the next scan retries.
func (s *Scanner) cleanup(ctx context.Context, def module.Definition, st module.State) bool {
	if s.clearer == nil {
		return false
	}
	if err := s.clearer.Clear(ctx, def.ID); err != nil {
		s.log.Warn("auto-clear failed", logx.String("module", def.ID), logx.Err(err))
		return false
	}
	st.CleanupRequested = false
	s.states.SetState(context.WithoutCancel(ctx), def.ID, st)
	s.publish(eventbus.ModuleCleared, def.ID, nil)
	return true
}

func (s *Scanner) publish(typ, id string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Module: id, Data: data})
}

// Act applies a user action to the module identified by its presentation tag
// and returns the module ID. Callers serialize it with scans.
func (s *Scanner) Act(ctx context.Context, tag string, action module.Action, now time.Time) (string, error) {
	defs, err := s.src.List(ctx)
	if err != nil {
		return "", err
	}
	for _, def := range defs {
		if def.Tag() != tag && def.ID != tag {
			continue
		}
		st := s.states.GetState(ctx, def.ID)
		next, err := s.eng.Apply(def, st, action, time.Duration(s.snooze.Load()), now)
		if err != nil {
			return def.ID, err
		}
		if !reflect.DeepEqual(next, st) {
			s.states.SetState(ctx, def.ID, next)
		}
		s.log.Info("user action applied", logx.String("module", def.ID), logx.String("action", string(action)), logx.String("status", string(next.Status)))
		s.publish(eventbus.ModuleActioned, def.ID, string(action))
		if next.Status.Terminal() && next.CleanupRequested {
			s.cleanup(ctx, def, next)
		}
		return def.ID, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownModule, tag)
}
