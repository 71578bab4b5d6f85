package presenter

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"nudge/internal/eventbus"
	rtsup "nudge/internal/runtime/supervisor"
	logx "nudge/pkg/logx"
)

// DispatcherConfig controls the async presentation pipeline.
type DispatcherConfig struct {
	Workers       int
	QueueSize     int
	RatePerSec    int
	SendTimeout   time.Duration
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	return c
}

type job struct {
	content Content
	id      Identity
	result  chan error
}

// DispatcherStats are cumulative counters since construction.
type DispatcherStats struct {
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

// Dispatcher is safe for concurrent use. Every submitted job gets exactly one
// value on its result channel.
type Dispatcher struct {
	mu sync.Mutex

	sink Sink
	log  logx.Logger
	bus  eventbus.Bus

	cfg     DispatcherConfig
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan job
	sup       *rtsup.Supervisor
	stopDone  chan struct{}

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

func NewDispatcher(cfg DispatcherConfig, sink Sink, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{sink: sink, log: log, bus: bus}
	d.applyLocked(cfg)
	return d
}

// Apply swaps rate/retry settings; worker and queue sizes take effect on the
// next Start.
func (d *Dispatcher) Apply(cfg DispatcherConfig) {
	d.mu.Lock()
	d.applyLocked(cfg)
	d.mu.Unlock()
}

func (d *Dispatcher) applyLocked(cfg DispatcherConfig) {
	d.cfg = cfg.withDefaults()
	d.limiter = rate.NewLimiter(rate.Limit(d.cfg.RatePerSec), d.cfg.RatePerSec)
}

func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{Sent: d.sent.Load(), Failed: d.failed.Load(), Dropped: d.dropped.Load()}
}

func (d *Dispatcher) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		d.mu.Lock()
	}
	if d.queue != nil {
		d.mu.Unlock()
		return
	}
	d.queue = make(chan job, d.cfg.QueueSize)
	d.accepting = true
	d.sup = rtsup.New(ctx, rtsup.WithLogger(d.log))
	sup, q, workers := d.sup, d.queue, d.cfg.Workers
	d.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("presenter.worker.%d", i), func(c context.Context) error {
			d.workerLoop(c, q)
			if c.Err() != nil || d.stopping() {
				return nil
			}
			return errors.New("presenter worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

func (d *Dispatcher) stopping() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopDone != nil
}

// Stop closes intake and drains the queue until ctx is done. Jobs still
// queued when the workers are cancelled resolve with ErrStopped.
func (d *Dispatcher) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	q, sup := d.queue, d.sup
	if q == nil {
		d.mu.Unlock()
		return
	}
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	d.stopDone = done
	d.accepting = false
	d.mu.Unlock()

	go func() {
		defer close(done)
		d.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())
		for j := range q {
			j.result <- ErrStopped
		}
		d.mu.Lock()
		d.queue = nil
		d.sup = nil
		d.stopDone = nil
		d.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		<-done
	}
}

// Submit enqueues a presentation without waiting for it. The returned channel
// receives the sink's result (nil on success).
func (d *Dispatcher) Submit(ctx context.Context, c Content, id Identity) <-chan error {
	res := make(chan error, 1)
	if ctx != nil && ctx.Err() != nil {
		res <- ctx.Err()
		return res
	}

	d.mu.Lock()
	if !d.accepting || d.queue == nil {
		d.mu.Unlock()
		res <- ErrStopped
		return res
	}
	q := d.queue
	d.sendWG.Add(1)
	d.mu.Unlock()
	defer d.sendWG.Done()

	select {
	case q <- job{content: c, id: id, result: res}:
	default:
		d.dropped.Add(1)
		if d.bus != nil {
			d.bus.Publish(eventbus.Event{Type: eventbus.PresenterDropped, Data: id.Tag})
		}
		res <- ErrQueueFull
	}
	return res
}

// Present submits and waits, so a Dispatcher can stand in for a Sink.
func (d *Dispatcher) Present(ctx context.Context, c Content, id Identity) error {
	select {
	case err := <-d.Submit(ctx, c, id):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			err := d.sendWithRetry(ctx, j)
			if err != nil {
				d.failed.Add(1)
			} else {
				d.sent.Add(1)
			}
			j.result <- err
		}
	}
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, j job) error {
	d.mu.Lock()
	cfg, lim, sink := d.cfg, d.limiter, d.sink
	d.mu.Unlock()

	if sink == nil {
		return errors.New("no presentation sink configured")
	}

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := sink.Present(callCtx, j.content, j.id)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		d.log.Debug("present failed", logx.String("tag", j.id.Tag), logx.Int("attempt", attempt), logx.Int("max", attempts), logx.Err(err))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return lastErr
}

// retryDelay is exponential from RetryBase with 0.7..1.3 jitter, capped at RetryMaxDelay.
func retryDelay(cfg DispatcherConfig, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}
