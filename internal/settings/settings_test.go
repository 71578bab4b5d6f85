package settings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "nudge/pkg/logx"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		check   func(t *testing.T, o Overrides)
		wantErr bool
	}{
		{
			name:    "durations and numbers",
			payload: map[string]any{"scan_interval": "2m", "body_hard_cap": float64(200), "rate_per_sec": "5"},
			check: func(t *testing.T, o Overrides) {
				require.Equal(t, 2*time.Minute, *o.ScanInterval)
				require.Equal(t, 200, *o.BodyHardCap)
				require.Equal(t, 5, *o.RatePerSec)
				require.Nil(t, o.LogLevel)
			},
		},
		{
			name:    "log level only",
			payload: map[string]any{"log_level": "debug"},
			check: func(t *testing.T, o Overrides) {
				require.Equal(t, "debug", *o.LogLevel)
				require.False(t, o.Empty())
			},
		},
		{name: "unknown key", payload: map[string]any{"colour": "blue"}, wantErr: true},
		{name: "bad duration", payload: map[string]any{"snooze": "soon"}, wantErr: true},
		{name: "non-positive", payload: map[string]any{"script_timeout": "0s"}, wantErr: true},
		{name: "empty", payload: nil, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := Decode(tt.payload)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, o)
		})
	}
}

func TestApplierRunsAllHooks(t *testing.T) {
	a := NewApplier(logx.Nop())
	var got []string
	a.Register("driver", func(_ context.Context, o Overrides) error {
		got = append(got, "driver")
		return errors.New("busy")
	})
	a.Register("logging", func(_ context.Context, o Overrides) error {
		got = append(got, "logging:"+*o.LogLevel)
		return nil
	})

	err := a.ApplySettings(context.Background(), map[string]any{"log_level": "warn"})
	require.ErrorContains(t, err, "driver: busy")
	require.Equal(t, []string{"driver", "logging:warn"}, got)

	last, at, n := a.Last()
	require.Equal(t, "warn", *last.LogLevel)
	require.False(t, at.IsZero())
	require.Equal(t, 1, n)
}

func TestApplierRejectsBadPayloadBeforeHooks(t *testing.T) {
	a := NewApplier(logx.Nop())
	called := false
	a.Register("x", func(context.Context, Overrides) error { called = true; return nil })
	require.Error(t, a.ApplySettings(context.Background(), map[string]any{"nope": 1}))
	require.False(t, called)
}
