package driver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"nudge/internal/engine"
	logx "nudge/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type blockingScanner struct {
	started chan string
	release chan struct{}
	runs    atomic.Int32
	active  atomic.Int32
	overlap atomic.Bool
}

func newBlockingScanner() *blockingScanner {
	return &blockingScanner{started: make(chan string, 16), release: make(chan struct{})}
}

func (s *blockingScanner) RunOneScan(ctx context.Context, now time.Time, trigger string) engine.Summary {
	if s.active.Add(1) > 1 {
		s.overlap.Store(true)
	}
	defer s.active.Add(-1)
	s.runs.Add(1)
	s.started <- trigger
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return engine.Summary{Trigger: trigger, StartedAt: now, Total: 3, Presented: 1}
}

type instantScanner struct{ runs atomic.Int32 }

func (s *instantScanner) RunOneScan(_ context.Context, now time.Time, trigger string) engine.Summary {
	s.runs.Add(1)
	return engine.Summary{Trigger: trigger, StartedAt: now, Total: 2, Errors: 1}
}

type chanReporter struct {
	mu  sync.Mutex
	got []engine.Summary
}

func (r *chanReporter) ReportScanSummary(s engine.Summary) {
	r.mu.Lock()
	r.got = append(r.got, s)
	r.mu.Unlock()
}

func waitStarted(t *testing.T, s *blockingScanner) string {
	t.Helper()
	select {
	case tr := <-s.started:
		return tr
	case <-time.After(3 * time.Second):
		t.Fatalf("scan did not start")
		return ""
	}
}

func TestNormalizeInterval(t *testing.T) {
	require.Equal(t, DefaultInterval, NormalizeInterval(0))
	require.Equal(t, MinInterval, NormalizeInterval(time.Second))
	require.Equal(t, time.Minute, NormalizeInterval(time.Minute))
}

func TestTriggerCountsAndReports(t *testing.T) {
	s := &instantScanner{}
	rep := &chanReporter{}
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	d := New(Config{}, s, logx.Nop(), WithReporter(rep), WithClock(func() time.Time { return fixed }))

	sum, ok := d.Trigger(context.Background(), "manual")
	require.True(t, ok)
	require.Equal(t, "manual", sum.Trigger)
	require.Equal(t, fixed, sum.StartedAt)

	snap := d.Snapshot()
	require.Equal(t, uint64(1), snap.Scans)
	require.Equal(t, uint64(2), snap.Modules)
	require.Equal(t, uint64(1), snap.Errors)
	require.Equal(t, DefaultInterval, snap.Interval)
	require.Len(t, rep.got, 1)
}

func TestScansNeverOverlap(t *testing.T) {
	s := newBlockingScanner()
	d := New(Config{RunOnStart: true}, s, logx.Nop())
	d.Start(context.Background())

	require.Equal(t, "start", waitStarted(t, s))
	_, ok := d.Trigger(context.Background(), "manual")
	require.False(t, ok, "trigger during a scan must be suppressed")
	require.Equal(t, uint64(1), d.Snapshot().Suppressed)

	close(s.release)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	d.Stop(ctx)

	require.False(t, s.overlap.Load())
	require.False(t, d.Snapshot().Running)
}

func TestStopLetsInflightScanFinish(t *testing.T) {
	s := newBlockingScanner()
	d := New(Config{RunOnStart: true}, s, logx.Nop())
	d.Start(context.Background())
	waitStarted(t, s)

	stopped := make(chan struct{})
	go func() {
		d.Stop(context.Background())
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatalf("stop returned while a scan was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(s.release)
	<-stopped
	require.Equal(t, uint64(1), d.Snapshot().Scans)
}

func TestStopDeadlineCancelsScan(t *testing.T) {
	s := newBlockingScanner()
	d := New(Config{RunOnStart: true}, s, logx.Nop())
	d.Start(context.Background())
	waitStarted(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	d.Stop(ctx)
	require.Equal(t, uint64(1), d.Snapshot().Scans)
}

func TestRestartStopsPreviousRun(t *testing.T) {
	s := newBlockingScanner()
	close(s.release)
	d := New(Config{RunOnStart: true}, s, logx.Nop())
	d.Start(context.Background())
	waitStarted(t, s)
	d.Start(context.Background())
	waitStarted(t, s)
	d.Stop(context.Background())
	require.Equal(t, int32(2), s.runs.Load())
	require.False(t, s.overlap.Load())
}

func TestExclusiveWaitsForScan(t *testing.T) {
	s := newBlockingScanner()
	d := New(Config{RunOnStart: true}, s, logx.Nop())
	d.Start(context.Background())
	waitStarted(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	err := d.Exclusive(ctx, func(context.Context) error { return nil })
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(s.release)
	var ran bool
	require.NoError(t, d.Exclusive(context.Background(), func(context.Context) error { ran = true; return nil }))
	require.True(t, ran)

	want := errors.New("boom")
	require.ErrorIs(t, d.Exclusive(context.Background(), func(context.Context) error { return want }), want)
	d.Stop(context.Background())
}

func TestSetInterval(t *testing.T) {
	d := New(Config{Interval: time.Minute}, &instantScanner{}, logx.Nop())
	d.Start(context.Background())
	require.Equal(t, MinInterval, d.SetInterval(time.Second))
	require.Equal(t, MinInterval, d.Interval())
	require.Equal(t, 2*time.Minute, d.SetInterval(2*time.Minute))
	require.Equal(t, 2*time.Minute, d.Snapshot().Interval)
	d.Stop(context.Background())
}

type panickyReporter struct{}

func (panickyReporter) ReportScanSummary(engine.Summary) { panic("reporter bug") }

func TestReporterPanicDoesNotFailScan(t *testing.T) {
	d := New(Config{}, &instantScanner{}, logx.Nop(), WithReporter(panickyReporter{}))
	_, ok := d.Trigger(context.Background(), "manual")
	require.True(t, ok)
}
