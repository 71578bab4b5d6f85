// Package driver runs scans on a fixed interval and guarantees that at most
// one scan (or state-mutating action) runs at a time.
package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"nudge/internal/engine"
	logx "nudge/pkg/logx"
)

const (
	DefaultInterval = 5 * time.Minute
	// MinInterval bounds worst-case load from a misconfigured interval.
	MinInterval = 15 * time.Second
)

type Scanner interface {
	RunOneScan(ctx context.Context, now time.Time, trigger string) engine.Summary
}

// SummaryReporter receives every scan summary. Implementations must not block.
type SummaryReporter interface {
	ReportScanSummary(s engine.Summary)
}

type Config struct {
	Interval   time.Duration
	RunOnStart bool
}

// Counters accumulate over the driver's lifetime.
type Counters struct {
	Scans       uint64        `json:"scans"`
	Suppressed  uint64        `json:"suppressed"`
	Modules     uint64        `json:"modules"`
	Presented   uint64        `json:"presented"`
	Errors      uint64        `json:"errors"`
	LastScanAt  time.Time     `json:"last_scan_at,omitzero"`
	LastTook    time.Duration `json:"last_took"`
	LastTrigger string        `json:"last_trigger,omitempty"`
	Interval    time.Duration `json:"interval"`
	Running     bool          `json:"running"`
}

type Driver struct {
	scanner  Scanner
	reporter SummaryReporter
	log      logx.Logger
	now      func() time.Time

	// sem is the single-writer lock shared by scans and Exclusive callers.
	sem chan struct{}

	mu        sync.Mutex
	cfg       Config
	c         *cron.Cron
	entry     cron.EntryID
	runCtx    context.Context
	runCancel context.CancelFunc
	startWG   sync.WaitGroup

	cmu      sync.Mutex
	counters Counters
}

type Option func(*Driver)

// WithClock overrides the time source for scans.
func WithClock(now func() time.Time) Option { return func(d *Driver) { d.now = now } }

func WithReporter(r SummaryReporter) Option { return func(d *Driver) { d.reporter = r } }

func New(cfg Config, scanner Scanner, log logx.Logger, opts ...Option) *Driver {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Driver{
		scanner: scanner,
		log:     log,
		now:     time.Now,
		sem:     make(chan struct{}, 1),
		cfg:     cfg,
	}
	for _, o := range opts {
		o(d)
	}
	d.cfg.Interval = NormalizeInterval(cfg.Interval)
	d.counters.Interval = d.cfg.Interval
	return d
}

// NormalizeInterval applies the default and the floor.
func NormalizeInterval(iv time.Duration) time.Duration {
	if iv <= 0 {
		return DefaultInterval
	}
	return max(iv, MinInterval)
}

// Start schedules periodic scans. Starting a running driver stops the
// previous run first.
func (d *Driver) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	running := d.c != nil
	d.mu.Unlock()
	if running {
		stopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		d.Stop(stopCtx)
		cancel()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	cl := cronLogger{log: d.log}
	d.c = cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl))
	d.runCtx, d.runCancel = context.WithCancel(ctx)
	d.entry = d.c.Schedule(cron.Every(d.cfg.Interval), d.job("interval"))
	d.c.Start()
	d.setRunning(true, d.cfg.Interval)

	if d.cfg.RunOnStart {
		runCtx := d.runCtx
		d.startWG.Add(1)
		go func() {
			defer d.startWG.Done()
			d.scan(runCtx, "start")
		}()
	}
	d.log.Info("driver started", logx.Duration("interval", d.cfg.Interval), logx.Bool("run_on_start", d.cfg.RunOnStart))
}

func (d *Driver) job(trigger string) cron.Job {
	return cron.FuncJob(func() {
		d.mu.Lock()
		ctx := d.runCtx
		d.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}
		d.scan(ctx, trigger)
	})
}

// Stop cancels the timer and waits for an in-flight scan to finish. If ctx
// ends first the scan's context is cancelled.
func (d *Driver) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	c, cancel := d.c, d.runCancel
	d.c, d.runCancel = nil, nil
	d.mu.Unlock()
	if c == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		<-c.Stop().Done()
		d.startWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.log.Warn("driver stop timed out; cancelling scan")
		cancel()
		<-done
	}
	cancel()
	d.setRunning(false, 0)
	d.log.Info("driver stopped")
}

// SetInterval reschedules periodic scans.
func (d *Driver) SetInterval(iv time.Duration) time.Duration {
	iv = NormalizeInterval(iv)
	d.mu.Lock()
	defer d.mu.Unlock()
	if iv == d.cfg.Interval {
		return iv
	}
	d.cfg.Interval = iv
	if d.c != nil {
		d.c.Remove(d.entry)
		d.entry = d.c.Schedule(cron.Every(iv), d.job("interval"))
		d.setRunning(true, iv)
	}
	d.log.Info("scan interval changed", logx.Duration("interval", iv))
	return iv
}

func (d *Driver) Interval() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Interval
}

// Trigger runs an out-of-band scan now. It returns false when another scan
// (or exclusive action) holds the lock.
func (d *Driver) Trigger(ctx context.Context, reason string) (engine.Summary, bool) {
	return d.scan(ctx, reason)
}

// Exclusive runs fn while holding the single-writer lock, waiting for a
// running scan to finish first.
func (d *Driver) Exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("waiting for scan: %w", ctx.Err())
	}
	defer func() { <-d.sem }()
	return fn(ctx)
}

func (d *Driver) scan(ctx context.Context, trigger string) (engine.Summary, bool) {
	select {
	case d.sem <- struct{}{}:
	default:
		d.cmu.Lock()
		d.counters.Suppressed++
		d.cmu.Unlock()
		d.log.Debug("scan suppressed; previous still running", logx.String("trigger", trigger))
		return engine.Summary{}, false
	}
	defer func() { <-d.sem }()

	sum := d.scanner.RunOneScan(ctx, d.now(), trigger)

	d.cmu.Lock()
	d.counters.Scans++
	d.counters.Modules += uint64(sum.Total)
	d.counters.Presented += uint64(sum.Presented)
	d.counters.Errors += uint64(sum.Errors)
	d.counters.LastScanAt = sum.StartedAt
	d.counters.LastTook = sum.Took
	d.counters.LastTrigger = trigger
	d.cmu.Unlock()

	d.report(sum)
	return sum, true
}

func (d *Driver) report(sum engine.Summary) {
	if d.reporter == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.log.Warn("summary reporter panicked", logx.Any("panic", r))
		}
	}()
	d.reporter.ReportScanSummary(sum)
}

func (d *Driver) setRunning(running bool, iv time.Duration) {
	d.cmu.Lock()
	d.counters.Running = running
	if iv > 0 {
		d.counters.Interval = iv
	}
	d.cmu.Unlock()
}

func (d *Driver) Snapshot() Counters {
	d.cmu.Lock()
	defer d.cmu.Unlock()
	return d.counters
}

// cronLogger routes cron's own logging into logx.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
