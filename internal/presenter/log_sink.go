package presenter

import (
	"context"

	logx "nudge/pkg/logx"
)

// LogSink writes notifications to the log. It is the default sink for
// headless runs and the -once mode.
type LogSink struct {
	log logx.Logger
}

func NewLogSink(log logx.Logger) *LogSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Present(_ context.Context, c Content, id Identity) error {
	fields := []logx.Field{
		logx.String("tag", id.Tag),
		logx.String("group", id.Group),
		logx.String("title", c.Title),
		logx.String("body", c.Body),
	}
	if c.Hero != "" {
		fields = append(fields, logx.String("hero", c.Hero))
	}
	if len(c.Buttons) > 0 {
		fields = append(fields, logx.Int("buttons", len(c.Buttons)))
	}
	s.log.Info("notification", fields...)
	return nil
}
