package module

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
	StatusError     Status = "error"
)

// Terminal reports whether modules in this status are never evaluated again.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusExpired }

func (s Status) Valid() bool {
	switch s {
	case "", StatusPending, StatusCompleted, StatusExpired, StatusError:
		return true
	}
	return false
}

// State is the persisted per-module state. The zero value is a fresh pending state.
type State struct {
	Status        Status `json:"status,omitempty"`
	UserDismissed bool   `json:"user_dismissed,omitempty"`

	LastShownAt           time.Time `json:"last_shown_at,omitzero"`
	ScheduledAt           time.Time `json:"scheduled_at,omitzero"`
	ReminderDueAt         time.Time `json:"reminder_due_at,omitzero"`
	ReminderIntervalHours int       `json:"reminder_interval_hours,omitempty"`

	LastConditionCheckAt time.Time `json:"last_condition_check_at,omitzero"`
	NextConditionCheckAt time.Time `json:"next_condition_check_at,omitzero"`

	LastError      string    `json:"last_error,omitempty"`
	AcknowledgedAt time.Time `json:"acknowledged_at,omitzero"`

	// CleanupRequested is an advisory for the caller: the backing manifest
	// may be removed (auto-clear). The engine never deletes anything itself.
	CleanupRequested bool `json:"cleanup_requested,omitempty"`
}

// Normalize fills the implicit defaults of a freshly read state.
func (s State) Normalize() State {
	if s.Status == "" || !s.Status.Valid() {
		s.Status = StatusPending
	}
	return s
}
