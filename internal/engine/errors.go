package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrPresentation marks sink failures. They never reach module state; the
// module is simply retried on the next scan.
var ErrPresentation = errors.New("presentation failed")

// ScriptError covers nonzero exits, launch failures, timeouts and missing scripts.
type ScriptError struct {
	Script   string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ScriptError) Error() string {
	var b strings.Builder
	b.WriteString("script ")
	b.WriteString(e.Script)
	switch {
	case e.Err != nil:
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	default:
		fmt.Fprintf(&b, ": exit code %d", e.ExitCode)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		b.WriteString(": ")
		b.WriteString(truncate(s, 300))
	}
	return b.String()
}

func (e *ScriptError) Unwrap() error { return e.Err }

// ContentError is a validation failure of generated content (or of a
// condition script's output).
type ContentError struct {
	Module string
	Reason string
}

func (e *ContentError) Error() string {
	return fmt.Sprintf("module %s: %s", e.Module, e.Reason)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
