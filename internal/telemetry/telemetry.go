// Package telemetry records what the scanner did: scan summaries go to
// storage, module lifecycle events go to the log. Nothing here may slow a scan
// down; full queues drop.
package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"nudge/internal/engine"
	"nudge/internal/eventbus"
	rtsup "nudge/internal/runtime/supervisor"
	"nudge/internal/storage"
	logx "nudge/pkg/logx"
)

const (
	defaultBuffer  = 64
	defaultHistory = 20
	persistTimeout = 5 * time.Second
)

type Config struct {
	Enabled bool
	// Buffer sizes both the summary queue and the bus subscription.
	Buffer int
	// History is how many summaries Recent keeps in memory.
	History int
}

type Counters struct {
	Summaries uint64 `json:"summaries"`
	Persisted uint64 `json:"persisted"`
	Dropped   uint64 `json:"dropped"`
	Events    uint64 `json:"events"`
}

// Service implements driver.SummaryReporter.
type Service struct {
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store

	mu      sync.Mutex
	sup     *rtsup.Supervisor
	queue   chan engine.Summary
	unsub   func()
	history []engine.Summary

	summaries atomic.Uint64
	persisted atomic.Uint64
	dropped   atomic.Uint64
	events    atomic.Uint64
}

// New returns a stopped service. store may be nil, in which case summaries
// are only kept in memory.
func New(cfg Config, store storage.Store, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.History <= 0 {
		cfg.History = defaultHistory
	}
	return &Service{cfg: cfg, log: log, bus: bus, store: store}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	q := make(chan engine.Summary, s.cfg.Buffer)
	s.queue = q
	s.sup.Go0("telemetry.persist", func(c context.Context) { s.persistLoop(c, q) })

	if s.bus != nil {
		events, unsub := s.bus.Subscribe(s.cfg.Buffer)
		s.unsub = unsub
		s.sup.Go0("telemetry.events", func(c context.Context) { s.eventLoop(c, events) })
	}
}

// Stop drains queued summaries until ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup, q, unsub := s.sup, s.queue, s.unsub
	s.sup, s.queue, s.unsub = nil, nil, nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	if unsub != nil {
		unsub()
	}
	close(q)
	return sup.Wait(ctx)
}

// ReportScanSummary never blocks. A summary that doesn't fit the queue is
// still kept in the in-memory history.
func (s *Service) ReportScanSummary(sum engine.Summary) {
	s.summaries.Add(1)

	s.mu.Lock()
	s.history = append(s.history, sum)
	if over := len(s.history) - s.cfg.History; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}
	q := s.queue
	if q == nil {
		s.mu.Unlock()
		return
	}
	select {
	case q <- sum:
	default:
		s.dropped.Add(1)
	}
	s.mu.Unlock()
}

// Recent returns the newest summaries, oldest first.
func (s *Service) Recent() []engine.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]engine.Summary(nil), s.history...)
}

func (s *Service) Counters() Counters {
	return Counters{
		Summaries: s.summaries.Load(),
		Persisted: s.persisted.Load(),
		Dropped:   s.dropped.Load(),
		Events:    s.events.Load(),
	}
}

func (s *Service) persistLoop(ctx context.Context, q <-chan engine.Summary) {
	for sum := range q {
		s.persist(ctx, sum)
	}
}

func (s *Service) persist(ctx context.Context, sum engine.Summary) {
	if s.store == nil {
		return
	}
	// The parent may already be canceled during shutdown drain.
	c, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.store.AppendScan(c, Record(sum)); err != nil {
		s.log.Warn("persist scan summary failed", logx.String("scan", sum.ID), logx.Err(err))
		return
	}
	s.persisted.Add(1)
}

func (s *Service) eventLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			s.events.Add(1)
			s.logEvent(e)
		}
	}
}

func (s *Service) logEvent(e eventbus.Event) {
	fields := []logx.Field{logx.String("event", e.Type)}
	if e.Module != "" {
		fields = append(fields, logx.String("module", e.Module))
	}
	switch v := e.Data.(type) {
	case nil:
	case error:
		fields = append(fields, logx.Err(v))
	case string:
		if v != "" {
			fields = append(fields, logx.String("detail", v))
		}
	case engine.Summary:
		fields = append(fields,
			logx.String("scan", v.ID),
			logx.String("trigger", v.Trigger),
			logx.Int("total", v.Total),
			logx.Int("presented", v.Presented),
			logx.Int("errors", v.Errors),
			logx.Duration("took", v.Took),
		)
	default:
		fields = append(fields, logx.Any("data", v))
	}

	switch e.Type {
	case eventbus.ModuleError, eventbus.ModuleFailed, eventbus.PresenterDropped:
		s.log.Warn("event", fields...)
	case eventbus.ScanCompleted:
		s.log.Debug("event", fields...)
	default:
		s.log.Info("event", fields...)
	}
}

// Record converts a scan summary to its stored form.
func Record(sum engine.Summary) storage.ScanRecord {
	return storage.ScanRecord{
		ID:        sum.ID,
		StartedAt: sum.StartedAt,
		Took:      sum.Took,
		Total:     sum.Total,
		Presented: sum.Presented,
		Errors:    sum.Errors,
		Skipped:   sum.Skipped,
		Failed:    sum.Failed,
		Trigger:   sum.Trigger,
	}
}
