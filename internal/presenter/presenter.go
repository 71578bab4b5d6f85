// Package presenter hands resolved notification content to a display sink.
//
// Sinks are synchronous; Dispatcher puts a queue, a worker pool, a rate
// limiter and optional retries in front of one so scans never wait on a
// slow transport.
package presenter

import (
	"context"
	"errors"

	"nudge/internal/module"
)

// Group is the identity group every notification of this process carries.
const Group = "nudge"

var (
	ErrQueueFull = errors.New("presenter queue full")
	ErrStopped   = errors.New("presenter stopped")
)

// Content is what a sink displays.
type Content struct {
	Title   string
	Body    string
	Icon    string
	Hero    string
	Buttons []module.Button
}

// Identity correlates a presented notification with its module so a later
// user action can be routed back.
type Identity struct {
	Tag   string
	Group string
}

func IdentityFor(moduleID string) Identity {
	return Identity{Tag: module.TagFor(moduleID), Group: Group}
}

type Sink interface {
	Present(ctx context.Context, c Content, id Identity) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, c Content, id Identity) error

func (f SinkFunc) Present(ctx context.Context, c Content, id Identity) error { return f(ctx, c, id) }
