package engine

import (
	"nudge/internal/module"
	"nudge/internal/presenter"
)

type DecisionKind int

const (
	DecisionSkip DecisionKind = iota
	DecisionPresent
	DecisionApplySettings
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionPresent:
		return "present"
	case DecisionApplySettings:
		return "apply_settings"
	default:
		return "skip"
	}
}

// Decision is the outcome of Evaluate. Content is set for DecisionPresent,
// Payload for DecisionApplySettings; Reason explains skips in logs. Err is
// the script or content error that put the module into the error state.
type Decision struct {
	Kind    DecisionKind
	Content presenter.Content
	Payload map[string]any
	Reason  string
	Err     error
}

func skip(reason string) Decision { return Decision{Kind: DecisionSkip, Reason: reason} }

func present(c presenter.Content) Decision { return Decision{Kind: DecisionPresent, Content: c} }

// staticContent builds content from the definition's own title/body.
func staticContent(def module.Definition) presenter.Content {
	return presenter.Content{
		Title:   def.Title,
		Body:    def.Body,
		Icon:    def.Icon,
		Hero:    def.Hero,
		Buttons: def.Buttons,
	}
}

type OutcomeKind int

const (
	OutcomePresented OutcomeKind = iota
	OutcomePresentFailed
	OutcomeSettingsApplied
)

// Outcome is what happened when the caller acted on a Decision.
// For OutcomeSettingsApplied, Err records a failed apply (logged only).
type Outcome struct {
	Kind OutcomeKind
	Err  error
}
