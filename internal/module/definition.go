package module

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

type Kind string

const (
	KindStandard    Kind = "standard"
	KindConditional Kind = "conditional"
	KindDynamic     Kind = "dynamic"
	KindHero        Kind = "hero"
	KindSettings    Kind = "settings"
)

// Spec is the kind-specific part of a Definition. The set of implementations
// is closed: only the types in this package satisfy it.
type Spec interface {
	Kind() Kind
	validate(d *Definition) error
}

// Standard presents the static title/body.
type Standard struct{}

// Conditional presents the static title/body only while its condition script
// exits 0 with a truthy output.
type Conditional struct {
	Script         string
	RecheckMinutes int
}

// Dynamic generates the body by running a content script.
type Dynamic struct {
	Script         string
	MaxLength      int
	TrimWhitespace bool
	FailIfEmpty    bool
	Fallback       string
}

// Hero is a standard module whose main content is a hero image; body is optional.
type Hero struct{}

// SettingsUpdate carries a runtime settings payload instead of content.
type SettingsUpdate struct {
	Payload map[string]any
}

func (Standard) Kind() Kind       { return KindStandard }
func (Conditional) Kind() Kind    { return KindConditional }
func (Dynamic) Kind() Kind        { return KindDynamic }
func (Hero) Kind() Kind           { return KindHero }
func (SettingsUpdate) Kind() Kind { return KindSettings }

// Action is a user response to a presented notification.
type Action string

const (
	ActionAcknowledge Action = "acknowledge"
	ActionDismiss     Action = "dismiss"
	ActionSnooze      Action = "snooze"
)

func (a Action) Valid() bool {
	switch a {
	case ActionAcknowledge, ActionDismiss, ActionSnooze:
		return true
	}
	return false
}

type Button struct {
	Label  string
	Action Action
	// URL turns the button into a link; Action is ignored then.
	URL string
}

// Definition is one declared notification module.
type Definition struct {
	ID    string
	Title string
	Body  string

	ScheduleAt            time.Time
	ExpiresAt             time.Time
	ReminderIntervalHours int

	Icon    string
	Hero    string
	Buttons []Button

	// AutoClear asks the supplier to remove the backing manifest once the
	// module reaches a terminal state. Advisory only.
	AutoClear bool

	// CreatedAt defaults ScheduleAt when that is unset.
	CreatedAt time.Time

	// Dir is the working directory for condition/content scripts.
	Dir string

	Spec Spec
}

var ErrInvalidDefinition = errors.New("invalid module definition")

func (d Definition) Kind() Kind {
	if d.Spec == nil {
		return KindStandard
	}
	return d.Spec.Kind()
}

// EffectiveScheduleAt is ScheduleAt, or CreatedAt when no schedule was given.
func (d Definition) EffectiveScheduleAt() time.Time {
	if !d.ScheduleAt.IsZero() {
		return d.ScheduleAt
	}
	return d.CreatedAt
}

// ReminderInterval converts ReminderIntervalHours; 0 when not configured.
func (d Definition) ReminderInterval() time.Duration {
	if d.ReminderIntervalHours <= 0 {
		return 0
	}
	return time.Duration(d.ReminderIntervalHours) * time.Hour
}

// Tag is a short, stable correlation tag for the module ID. Presentation
// sinks carry it so a later user action can be routed back to the module.
func (d Definition) Tag() string { return TagFor(d.ID) }

func TagFor(id string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return fmt.Sprintf("%016x", h.Sum64())
}

// Validate checks the fields every kind needs plus the kind-specific ones.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDefinition)
	}
	if d.ReminderIntervalHours < 0 {
		return fmt.Errorf("%w: %s: reminder_interval_hours must be >= 0", ErrInvalidDefinition, d.ID)
	}
	if !d.ExpiresAt.IsZero() && !d.ScheduleAt.IsZero() && d.ExpiresAt.Before(d.ScheduleAt) {
		return fmt.Errorf("%w: %s: expires_at is before schedule_at", ErrInvalidDefinition, d.ID)
	}
	for i, b := range d.Buttons {
		if strings.TrimSpace(b.Label) == "" {
			return fmt.Errorf("%w: %s: buttons[%d].label is required", ErrInvalidDefinition, d.ID, i)
		}
		if b.URL == "" && !b.Action.Valid() {
			return fmt.Errorf("%w: %s: buttons[%d]: unknown action %q", ErrInvalidDefinition, d.ID, i, b.Action)
		}
	}
	spec := d.Spec
	if spec == nil {
		spec = Standard{}
	}
	if err := spec.validate(&d); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidDefinition, d.ID, err)
	}
	return nil
}

func requireText(d *Definition, body bool) error {
	if strings.TrimSpace(d.Title) == "" {
		return errors.New("title is required")
	}
	if body && strings.TrimSpace(d.Body) == "" {
		return errors.New("body is required")
	}
	return nil
}

func (Standard) validate(d *Definition) error { return requireText(d, true) }

func (c Conditional) validate(d *Definition) error {
	if strings.TrimSpace(c.Script) == "" {
		return errors.New("condition script is required")
	}
	if c.RecheckMinutes < 0 {
		return errors.New("recheck_minutes must be >= 0")
	}
	return requireText(d, true)
}

func (c Dynamic) validate(d *Definition) error {
	if strings.TrimSpace(c.Script) == "" {
		return errors.New("content script is required")
	}
	if c.MaxLength < 0 {
		return errors.New("max_length must be >= 0")
	}
	return requireText(d, false)
}

func (Hero) validate(d *Definition) error {
	if strings.TrimSpace(d.Hero) == "" {
		return errors.New("hero image is required")
	}
	return requireText(d, false)
}

func (s SettingsUpdate) validate(*Definition) error {
	if len(s.Payload) == 0 {
		return errors.New("settings payload is empty")
	}
	return nil
}
