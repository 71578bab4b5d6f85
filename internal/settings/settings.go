// Package settings applies runtime overrides carried by settings modules.
package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"

	logx "nudge/pkg/logx"
)

var ErrEmptyPayload = errors.New("settings payload is empty")

// Overrides is the decoded payload. Nil fields are left alone.
type Overrides struct {
	ScanInterval  *time.Duration `mapstructure:"scan_interval" json:"scan_interval,omitempty"`
	LogLevel      *string        `mapstructure:"log_level" json:"log_level,omitempty"`
	ScriptTimeout *time.Duration `mapstructure:"script_timeout" json:"script_timeout,omitempty"`
	BodyHardCap   *int           `mapstructure:"body_hard_cap" json:"body_hard_cap,omitempty"`
	RatePerSec    *int           `mapstructure:"rate_per_sec" json:"rate_per_sec,omitempty"`
	Snooze        *time.Duration `mapstructure:"snooze" json:"snooze,omitempty"`
}

func (o Overrides) Empty() bool {
	return o.ScanInterval == nil && o.LogLevel == nil && o.ScriptTimeout == nil &&
		o.BodyHardCap == nil && o.RatePerSec == nil && o.Snooze == nil
}

// Decode converts a raw payload. Unknown keys are rejected; durations are Go
// duration strings and numbers may be given as strings.
func Decode(payload map[string]any) (Overrides, error) {
	var out Overrides
	if len(payload) == 0 {
		return out, ErrEmptyPayload
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           &out,
	})
	if err != nil {
		return out, err
	}
	if err := dec.Decode(payload); err != nil {
		return out, fmt.Errorf("decode settings: %w", err)
	}
	if err := out.validate(); err != nil {
		return out, err
	}
	return out, nil
}

func (o Overrides) validate() error {
	var errs []error
	if o.ScanInterval != nil && *o.ScanInterval <= 0 {
		errs = append(errs, errors.New("scan_interval must be > 0"))
	}
	if o.ScriptTimeout != nil && *o.ScriptTimeout <= 0 {
		errs = append(errs, errors.New("script_timeout must be > 0"))
	}
	if o.BodyHardCap != nil && *o.BodyHardCap <= 0 {
		errs = append(errs, errors.New("body_hard_cap must be > 0"))
	}
	if o.RatePerSec != nil && *o.RatePerSec <= 0 {
		errs = append(errs, errors.New("rate_per_sec must be > 0"))
	}
	if o.Snooze != nil && *o.Snooze <= 0 {
		errs = append(errs, errors.New("snooze must be > 0"))
	}
	return errors.Join(errs...)
}

// Hook applies the relevant part of o to one component.
type Hook func(ctx context.Context, o Overrides) error

// Applier decodes payloads and fans them out to registered hooks. All hooks
// run even when one fails.
type Applier struct {
	log logx.Logger

	mu      sync.Mutex
	hooks   []namedHook
	last    Overrides
	lastAt  time.Time
	applied int
}

type namedHook struct {
	name string
	fn   Hook
}

func NewApplier(log logx.Logger) *Applier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Applier{log: log}
}

func (a *Applier) Register(name string, fn Hook) {
	if fn == nil {
		return
	}
	a.mu.Lock()
	a.hooks = append(a.hooks, namedHook{name: name, fn: fn})
	a.mu.Unlock()
}

func (a *Applier) ApplySettings(ctx context.Context, payload map[string]any) error {
	o, err := Decode(payload)
	if err != nil {
		return err
	}
	a.mu.Lock()
	hooks := append([]namedHook(nil), a.hooks...)
	a.mu.Unlock()

	var errs []error
	for _, h := range hooks {
		if err := h.fn(ctx, o); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
	}

	a.mu.Lock()
	a.last, a.lastAt = o, time.Now()
	a.applied++
	a.mu.Unlock()

	a.log.Info("settings applied", logx.Int("hooks", len(hooks)), logx.Int("failed", len(errs)))
	return errors.Join(errs...)
}

// Last returns the most recently decoded overrides and when they were applied.
func (a *Applier) Last() (Overrides, time.Time, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last, a.lastAt, a.applied
}
