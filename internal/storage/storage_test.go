package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nudge/internal/module"
	logx "nudge/pkg/logx"
)

func sampleState(at time.Time) module.State {
	return module.State{
		Status:                module.StatusPending,
		LastShownAt:           at,
		ScheduledAt:           at,
		ReminderDueAt:         at.Add(3 * time.Hour),
		ReminderIntervalHours: 3,
		LastError:             "",
	}
}

func TestDriversRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	drivers := []string{"memory", "file", "sqlite"}
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })

			_, ok, err := st.GetState(ctx, "missing")
			require.NoError(t, err)
			require.False(t, ok)

			want := sampleState(at)
			require.NoError(t, st.PutState(ctx, "mod-a", want))
			require.NoError(t, st.PutState(ctx, "mod-b", module.State{Status: module.StatusCompleted}))

			got, ok, err := st.GetState(ctx, "mod-a")
			require.NoError(t, err)
			require.True(t, ok)
			require.True(t, got.ReminderDueAt.Equal(want.ReminderDueAt))
			require.Equal(t, want.ReminderIntervalHours, got.ReminderIntervalHours)

			all, err := st.ListStates(ctx)
			require.NoError(t, err)
			require.Len(t, all, 2)

			require.NoError(t, st.DeleteState(ctx, "mod-b"))
			all, err = st.ListStates(ctx)
			require.NoError(t, err)
			require.Len(t, all, 1)

			for i := 0; i < 3; i++ {
				require.NoError(t, st.AppendScan(ctx, ScanRecord{
					ID:        string(rune('a' + i)),
					StartedAt: at.Add(time.Duration(i) * time.Minute),
					Total:     i,
				}))
			}
			recent, err := st.RecentScans(ctx, 2)
			require.NoError(t, err)
			require.Len(t, recent, 2)
			require.Equal(t, 2, recent[0].Total)
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nudge.state")
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.PutState(ctx, "keep", sampleState(at)))
	require.NoError(t, st.PutState(ctx, "drop", sampleState(at)))
	require.NoError(t, st.DeleteState(ctx, "drop"))
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	got, ok, err := st.GetState(ctx, "keep")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.LastShownAt.Equal(at))

	_, ok, err = st.GetState(ctx, "drop")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStateStoreSwallowsFailures(t *testing.T) {
	ctx := context.Background()
	backend := NewMemory()
	ss := NewStateStore(backend, logx.Nop())

	ss.SetState(ctx, "a", module.State{Status: module.StatusError, LastError: "x"})
	require.Equal(t, module.StatusError, ss.GetState(ctx, "a").Status)

	// Missing state reads as a fresh pending state.
	require.Equal(t, module.State{Status: module.StatusPending}, ss.GetState(ctx, "nope"))

	require.NoError(t, backend.Close())
	// Closed backend: no panic, defaults on read, no-op on write.
	ss.SetState(ctx, "a", module.State{Status: module.StatusCompleted})
	require.Equal(t, module.State{Status: module.StatusPending}, ss.GetState(ctx, "a"))
	require.Empty(t, ss.States(ctx))
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "etcd"}, logx.Nop())
	require.Error(t, err)
}
