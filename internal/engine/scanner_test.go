package engine

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nudge/internal/eventbus"
	"nudge/internal/module"
	"nudge/internal/presenter"
	"nudge/internal/script"
	"nudge/internal/storage"
	logx "nudge/pkg/logx"
)

type fakeSource struct {
	mu      sync.Mutex
	defs    []module.Definition
	cleared []string
	failErr error
}

func (s *fakeSource) List(context.Context) ([]module.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]module.Definition(nil), s.defs...), nil
}

func (s *fakeSource) Clear(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.cleared = append(s.cleared, id)
	return nil
}

type fakePresenter struct {
	mu    sync.Mutex
	fail  map[string]bool
	shown []presenter.Content
}

func (p *fakePresenter) Submit(_ context.Context, c presenter.Content, id presenter.Identity) <-chan error {
	ch := make(chan error, 1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[id.Tag] {
		ch <- errors.New("sink offline")
		return ch
	}
	p.shown = append(p.shown, c)
	ch <- nil
	return ch
}

type recordingApplier struct {
	payloads []map[string]any
	err      error
}

func (a *recordingApplier) ApplySettings(_ context.Context, p map[string]any) error {
	a.payloads = append(a.payloads, p)
	return a.err
}

type harness struct {
	src      *fakeSource
	pres     *fakePresenter
	settings *recordingApplier
	states   *storage.StateStore
	exec     *fakeExec
	scanner  *Scanner
	events   <-chan eventbus.Event
}

func newHarness(t *testing.T, defs ...module.Definition) *harness {
	t.Helper()
	h := &harness{
		src:      &fakeSource{defs: defs},
		pres:     &fakePresenter{fail: map[string]bool{}},
		settings: &recordingApplier{},
		states:   storage.NewStateStore(storage.NewMemory(), logx.Nop()),
		exec:     newFakeExec(),
	}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(256)
	t.Cleanup(unsub)
	h.events = ch
	h.scanner = NewScanner(ScannerDeps{
		Engine:    New(Limits{}, h.exec, logx.Nop()),
		Source:    h.src,
		States:    h.states,
		Presenter: h.pres,
		Settings:  h.settings,
		Bus:       bus,
		Log:       logx.Nop(),
	})
	return h
}

func (h *harness) drain() []string {
	var out []string
	for {
		select {
		case e := <-h.events:
			out = append(out, e.Type)
		default:
			return out
		}
	}
}

func TestRunOneScanPresentsAndCompletes(t *testing.T) {
	once := standard("once")
	rem := standard("rem")
	rem.ReminderIntervalHours = 2
	h := newHarness(t, once, rem)

	sum := h.scanner.RunOneScan(context.Background(), t0, "test")
	require.Equal(t, 2, sum.Total)
	require.Equal(t, 2, sum.Presented)
	require.NotEmpty(t, sum.ID)
	require.Len(t, h.pres.shown, 2)

	st := h.states.GetState(context.Background(), "once")
	require.Equal(t, module.StatusCompleted, st.Status)
	st = h.states.GetState(context.Background(), "rem")
	require.Equal(t, module.StatusPending, st.Status)
	require.Equal(t, t0.Add(2*time.Hour), st.ReminderDueAt)

	// An hour later nothing is due.
	sum = h.scanner.RunOneScan(context.Background(), t0.Add(time.Hour), "test")
	require.Equal(t, 0, sum.Presented)
	require.Equal(t, 2, sum.Skipped)

	sum = h.scanner.RunOneScan(context.Background(), t0.Add(2*time.Hour), "test")
	require.Equal(t, 1, sum.Presented)

	types := h.drain()
	require.Contains(t, types, eventbus.ModulePresented)
	require.Contains(t, types, eventbus.ModuleCompleted)
	require.Contains(t, types, eventbus.ScanCompleted)
}

func TestRunOneScanFailedPresentationLeavesStateUntouched(t *testing.T) {
	def := standard("flaky")
	h := newHarness(t, def)
	h.pres.fail[def.Tag()] = true

	prior := module.State{Status: module.StatusPending, LastShownAt: t0.Add(-time.Hour)}
	h.states.SetState(context.Background(), def.ID, prior)

	sum := h.scanner.RunOneScan(context.Background(), t0, "test")
	require.Equal(t, 1, sum.Failed)
	require.Equal(t, 0, sum.Presented)

	got := h.states.GetState(context.Background(), def.ID)
	require.True(t, reflect.DeepEqual(prior, got), "state changed: %+v", got)

	// Retried on the next scan once the sink recovers.
	h.pres.fail[def.Tag()] = false
	sum = h.scanner.RunOneScan(context.Background(), t0.Add(time.Minute), "test")
	require.Equal(t, 1, sum.Presented)
}

func TestRunOneScanErrorsAndSettings(t *testing.T) {
	cond := module.Definition{ID: "cond", Title: "c", Body: "c", Spec: module.Conditional{Script: "c.sh"}}
	set := module.Definition{ID: "set", AutoClear: true, Spec: module.SettingsUpdate{Payload: map[string]any{"log_level": "debug"}}}
	h := newHarness(t, cond, set)
	h.exec.set("c.sh", script.Result{ExitCode: 2}, nil)
	h.settings.err = errors.New("rejected")

	sum := h.scanner.RunOneScan(context.Background(), t0, "test")
	require.Equal(t, 1, sum.Errors)
	require.Equal(t, 1, sum.Settings)
	require.Equal(t, 1, sum.Cleared)
	require.Len(t, h.settings.payloads, 1)
	require.Equal(t, []string{"set"}, h.src.cleared)

	require.Equal(t, module.StatusError, h.states.GetState(context.Background(), "cond").Status)
	st := h.states.GetState(context.Background(), "set")
	require.Equal(t, module.StatusCompleted, st.Status, "settings complete even when apply fails")
	require.False(t, st.CleanupRequested)

	// Settings are never applied twice.
	h.scanner.RunOneScan(context.Background(), t0.Add(time.Minute), "test")
	require.Len(t, h.settings.payloads, 1)
}

func TestRunOneScanStopsWhenCancelled(t *testing.T) {
	cond := module.Definition{ID: "cond", Title: "c", Body: "c", Spec: module.Conditional{Script: "c.sh"}}
	h := newHarness(t, cond, standard("plain"))
	h.exec.set("c.sh", script.Result{Stdout: "true"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum := h.scanner.RunOneScan(ctx, t0, "test")
	require.True(t, sum.Cancelled)
	require.Zero(t, sum.Total)
	require.Zero(t, sum.Errors)
	require.Zero(t, sum.Presented)
	require.Zero(t, h.exec.calls["c.sh"])
	require.Empty(t, h.states.States(context.Background()))
	require.Equal(t, []string{eventbus.ScanCompleted}, h.drain())

	sum = h.scanner.RunOneScan(context.Background(), t0, "test")
	require.False(t, sum.Cancelled)
	require.Equal(t, 2, sum.Presented)
	require.Zero(t, sum.Errors)
}

func TestRunOneScanRetriesFailedCleanup(t *testing.T) {
	def := standard("gone")
	def.AutoClear = true
	h := newHarness(t, def)
	h.src.failErr = errors.New("read-only fs")

	h.scanner.RunOneScan(context.Background(), t0, "test")
	st := h.states.GetState(context.Background(), def.ID)
	require.Equal(t, module.StatusCompleted, st.Status)
	require.True(t, st.CleanupRequested)

	h.src.failErr = nil
	sum := h.scanner.RunOneScan(context.Background(), t0.Add(time.Minute), "test")
	require.Equal(t, 1, sum.Cleared)
	require.False(t, h.states.GetState(context.Background(), def.ID).CleanupRequested)
}

func TestRunOneScanHonorsRecheck(t *testing.T) {
	def := module.Definition{ID: "cond", Title: "c", Body: "c", Spec: module.Conditional{Script: "c.sh", RecheckMinutes: 30}}
	h := newHarness(t, def)
	h.exec.set("c.sh", script.Result{Stdout: "false"}, nil)

	h.scanner.RunOneScan(context.Background(), t0, "test")
	require.Equal(t, 1, h.exec.calls["c.sh"])

	h.scanner.RunOneScan(context.Background(), t0.Add(time.Minute), "test")
	require.Equal(t, 2, h.exec.calls["c.sh"], "engine does not throttle by itself")

	h.scanner.SetHonorRecheck(true)
	sum := h.scanner.RunOneScan(context.Background(), t0.Add(2*time.Minute), "test")
	require.Equal(t, 1, sum.Throttled)
	require.Equal(t, 2, h.exec.calls["c.sh"])

	sum = h.scanner.RunOneScan(context.Background(), t0.Add(40*time.Minute), "test")
	require.Equal(t, 0, sum.Throttled)
	require.Equal(t, 3, h.exec.calls["c.sh"])
}

func TestRunOneScanExpiry(t *testing.T) {
	def := standard("old")
	def.ExpiresAt = t0
	h := newHarness(t, def)

	sum := h.scanner.RunOneScan(context.Background(), t0, "test")
	require.Equal(t, 1, sum.Expired)
	require.Equal(t, module.StatusExpired, h.states.GetState(context.Background(), "old").Status)
	require.Empty(t, h.pres.shown)
}

func TestActByTag(t *testing.T) {
	def := standard("ack")
	def.ReminderIntervalHours = 1
	h := newHarness(t, def)
	h.scanner.SetSnooze(10 * time.Minute)

	h.scanner.RunOneScan(context.Background(), t0, "test")

	id, err := h.scanner.Act(context.Background(), def.Tag(), module.ActionSnooze, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, "ack", id)
	require.Equal(t, t0.Add(11*time.Minute), h.states.GetState(context.Background(), "ack").ReminderDueAt)

	_, err = h.scanner.Act(context.Background(), def.Tag(), module.ActionAcknowledge, t0.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, module.StatusCompleted, h.states.GetState(context.Background(), "ack").Status)

	_, err = h.scanner.Act(context.Background(), "feedface", module.ActionDismiss, t0)
	require.ErrorIs(t, err, ErrUnknownModule)
}
