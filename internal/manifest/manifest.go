// Package manifest supplies module definitions from a directory.
//
// A module is either a single file (<dir>/<name>.yaml|.yml|.json) or a
// subdirectory holding module.yaml|module.yml|module.json next to its
// scripts and images. Relative script, icon and hero paths resolve against the
// directory holding the manifest.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"nudge/internal/module"
)

var ErrUnknownType = errors.New("unknown module type")

// file is the on-disk format.
type file struct {
	ID                    string         `json:"id"`
	Type                  string         `json:"type"`
	Title                 text           `json:"title"`
	Body                  text           `json:"body"`
	ScheduleAt            flexTime       `json:"schedule_at"`
	ExpiresAt             flexTime       `json:"expires_at"`
	CreatedAt             flexTime       `json:"created_at"`
	ReminderIntervalHours int            `json:"reminder_interval_hours"`
	Icon                  string         `json:"icon"`
	Hero                  string         `json:"hero"`
	AutoClear             bool           `json:"auto_clear"`
	Buttons               []button       `json:"buttons"`
	Condition             *condition     `json:"condition"`
	Content               *content       `json:"content"`
	Settings              map[string]any `json:"settings"`
}

type button struct {
	Label  text   `json:"label"`
	Action string `json:"action"`
	URL    string `json:"url"`
}

type condition struct {
	Script         string `json:"script"`
	RecheckMinutes int    `json:"recheck_minutes"`
}

type content struct {
	Script         string `json:"script"`
	MaxLength      int    `json:"max_length"`
	TrimWhitespace *bool  `json:"trim_whitespace"`
	FailIfEmpty    bool   `json:"fail_if_empty"`
	Fallback       text   `json:"fallback"`
}

// text is a string field that also takes bare YAML numbers and booleans,
// so `body: 1` reads as "1" instead of rejecting the manifest.
type text string

func (t *text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || string(b) == "null":
		*t = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = text(s)
	case b[0] == '{' || b[0] == '[':
		return fmt.Errorf("expected text, got %s", b[:1])
	default:
		*t = text(b)
	}
	return nil
}

// flexTime accepts RFC 3339, "2006-01-02 15:04[:05]" and "2006-01-02".
// Times without a zone are local.
type flexTime struct{ time.Time }

var flexLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

func (t *flexTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("time must be a string: %w", err)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	for i, layout := range flexLayouts {
		var (
			v   time.Time
			err error
		)
		if i == 0 {
			v, err = time.Parse(layout, s)
		} else {
			v, err = time.ParseInLocation(layout, s, time.Local)
		}
		if err == nil {
			t.Time = v
			return nil
		}
	}
	return fmt.Errorf("unrecognized time %q", s)
}

func (t flexTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(t.Format(time.RFC3339))
}

// toDefinition converts a decoded file; dir is the manifest's directory and
// fallbackID is derived from the file or directory name.
func (f file) toDefinition(dir, fallbackID string, mtime time.Time) (module.Definition, error) {
	def := module.Definition{
		ID:                    strings.TrimSpace(f.ID),
		Title:                 string(f.Title),
		Body:                  string(f.Body),
		ScheduleAt:            f.ScheduleAt.Time,
		ExpiresAt:             f.ExpiresAt.Time,
		CreatedAt:             f.CreatedAt.Time,
		ReminderIntervalHours: f.ReminderIntervalHours,
		Icon:                  resolveIcon(dir, f.Icon),
		Hero:                  resolveAsset(dir, f.Hero),
		AutoClear:             f.AutoClear,
		Dir:                   dir,
	}
	if def.ID == "" {
		def.ID = fallbackID
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = mtime
	}
	for _, b := range f.Buttons {
		def.Buttons = append(def.Buttons, module.Button{Label: string(b.Label), Action: module.Action(strings.ToLower(b.Action)), URL: b.URL})
	}

	kind := strings.ToLower(strings.TrimSpace(f.Type))
	if kind == "" {
		kind = inferKind(f)
	}
	switch module.Kind(kind) {
	case module.KindStandard:
		def.Spec = module.Standard{}
	case module.KindHero:
		def.Spec = module.Hero{}
	case module.KindConditional:
		if f.Condition == nil {
			return def, fmt.Errorf("%w: %s: condition block is required", module.ErrInvalidDefinition, def.ID)
		}
		def.Spec = module.Conditional{Script: f.Condition.Script, RecheckMinutes: f.Condition.RecheckMinutes}
	case module.KindDynamic:
		if f.Content == nil {
			return def, fmt.Errorf("%w: %s: content block is required", module.ErrInvalidDefinition, def.ID)
		}
		trim := true
		if f.Content.TrimWhitespace != nil {
			trim = *f.Content.TrimWhitespace
		}
		def.Spec = module.Dynamic{
			Script:         f.Content.Script,
			MaxLength:      f.Content.MaxLength,
			TrimWhitespace: trim,
			FailIfEmpty:    f.Content.FailIfEmpty,
			Fallback:       string(f.Content.Fallback),
		}
	case module.KindSettings:
		def.Spec = module.SettingsUpdate{Payload: f.Settings}
	default:
		return def, fmt.Errorf("%w %q in %s", ErrUnknownType, f.Type, def.ID)
	}
	if err := def.Validate(); err != nil {
		return def, err
	}
	return def, nil
}

func inferKind(f file) string {
	switch {
	case f.Settings != nil:
		return string(module.KindSettings)
	case f.Condition != nil:
		return string(module.KindConditional)
	case f.Content != nil:
		return string(module.KindDynamic)
	case f.Hero != "" && f.Body == "":
		return string(module.KindHero)
	default:
		return string(module.KindStandard)
	}
}

// resolveIcon resolves icons that look like file paths; emoji and other
// plain text pass through.
func resolveIcon(dir, icon string) string {
	icon = strings.TrimSpace(icon)
	if !strings.ContainsAny(icon, "/\\.") {
		return icon
	}
	return resolveAsset(dir, icon)
}

func resolveAsset(dir, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || strings.Contains(p, "://") || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
