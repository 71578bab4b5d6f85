package telemetry

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"nudge/internal/engine"
	"nudge/internal/eventbus"
	"nudge/internal/storage"
	logx "nudge/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func summary(id string, at time.Time) engine.Summary {
	return engine.Summary{ID: id, StartedAt: at, Took: time.Second, Trigger: "interval", Total: 4, Presented: 2, Errors: 1, Skipped: 1}
}

func TestSummariesArePersistedOnStop(t *testing.T) {
	store := storage.NewMemory()
	defer store.Close()
	svc := New(Config{Enabled: true}, store, nil, logx.Nop())
	svc.Start(context.Background())

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	svc.ReportScanSummary(summary("a", at))
	svc.ReportScanSummary(summary("b", at.Add(time.Minute)))
	require.NoError(t, svc.Stop(context.Background()))

	recs, err := store.RecentScans(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "b", recs[0].ID)
	require.Equal(t, 2, recs[0].Presented)
	require.Equal(t, uint64(2), svc.Counters().Persisted)
}

func TestDisabledKeepsHistoryOnly(t *testing.T) {
	store := storage.NewMemory()
	defer store.Close()
	svc := New(Config{History: 2}, store, nil, logx.Nop())
	svc.Start(context.Background())

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for _, id := range []string{"a", "b", "c"} {
		svc.ReportScanSummary(summary(id, at))
	}
	require.NoError(t, svc.Stop(context.Background()))

	recent := svc.Recent()
	require.Len(t, recent, 2)
	require.Equal(t, "b", recent[0].ID)
	require.Equal(t, "c", recent[1].ID)

	recs, err := store.RecentScans(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestModuleEventsAreLogged(t *testing.T) {
	buf := &syncBuffer{}
	bus := eventbus.New()
	svc := New(Config{Enabled: true}, nil, bus, logx.NewWriter(buf, "debug"))
	svc.Start(context.Background())

	bus.Publish(eventbus.Event{Type: eventbus.ModulePresented, Module: "backup-reminder"})
	bus.Publish(eventbus.Event{Type: eventbus.ModuleError, Module: "disk-check", Data: "exit status 2"})

	require.Eventually(t, func() bool { return svc.Counters().Events == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, svc.Stop(context.Background()))

	out := buf.String()
	require.True(t, strings.Contains(out, `"module":"backup-reminder"`), out)
	require.True(t, strings.Contains(out, `"detail":"exit status 2"`), out)
	require.True(t, strings.Contains(out, `"level":"warn"`), out)
}

func TestRecordCopiesCounts(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rec := Record(summary("x", at))
	require.Equal(t, storage.ScanRecord{
		ID: "x", StartedAt: at, Took: time.Second, Total: 4, Presented: 2, Errors: 1, Skipped: 1, Trigger: "interval",
	}, rec)
}
