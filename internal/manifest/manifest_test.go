package manifest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nudge/internal/module"
	logx "nudge/pkg/logx"
)

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestListDecodesEveryKind(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "standard.yaml"), `
title: Backup
body: Run the weekly backup
schedule_at: 2025-03-01 09:30
expires_at: 2025-04-01
reminder_interval_hours: 24
buttons:
  - {label: Done, action: acknowledge}
  - {label: Docs, url: "https://example.com"}
`)
	write(t, filepath.Join(root, "disk", "module.yaml"), `
type: conditional
title: Disk almost full
body: Free some space
condition:
  script: check.sh
  recheck_minutes: 30
`)
	write(t, filepath.Join(root, "weather.json"), `{
  "id": "weather-today",
  "title": "Weather",
  "content": {"script": "weather.py", "max_length": 80, "fail_if_empty": true}
}`)
	write(t, filepath.Join(root, "promo", "module.yml"), `
title: New release
hero: banner.png
auto_clear: true
`)
	write(t, filepath.Join(root, "tune.yaml"), `
settings:
  scan_interval: 1m
auto_clear: true
`)
	write(t, filepath.Join(root, "notes.txt"), "ignored")

	d := NewDir(root, logx.Nop())
	defs, err := d.List(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 5)
	require.Zero(t, d.Invalid())

	byID := map[string]module.Definition{}
	for _, def := range defs {
		byID[def.ID] = def
	}

	std := byID["standard"]
	require.Equal(t, module.KindStandard, std.Kind())
	require.Equal(t, time.Date(2025, 3, 1, 9, 30, 0, 0, time.Local), std.ScheduleAt)
	require.Equal(t, time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC), std.ExpiresAt.UTC())
	require.Equal(t, 24, std.ReminderIntervalHours)
	require.Len(t, std.Buttons, 2)
	require.Equal(t, module.ActionAcknowledge, std.Buttons[0].Action)
	require.False(t, std.CreatedAt.IsZero(), "created_at defaults to mtime")

	disk := byID["disk"]
	cond, ok := disk.Spec.(module.Conditional)
	require.True(t, ok)
	require.Equal(t, "check.sh", cond.Script)
	require.Equal(t, 30, cond.RecheckMinutes)
	require.Equal(t, filepath.Join(root, "disk"), disk.Dir)

	dyn, ok := byID["weather-today"].Spec.(module.Dynamic)
	require.True(t, ok)
	require.True(t, dyn.TrimWhitespace, "trim defaults to true")
	require.True(t, dyn.FailIfEmpty)
	require.Equal(t, 80, dyn.MaxLength)

	promo := byID["promo"]
	require.Equal(t, module.KindHero, promo.Kind())
	require.Equal(t, filepath.Join(root, "promo", "banner.png"), promo.Hero)

	set, ok := byID["tune"].Spec.(module.SettingsUpdate)
	require.True(t, ok)
	require.Equal(t, "1m", set.Payload["scan_interval"])
}

func TestListSkipsInvalidAndDuplicates(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "a.yaml"), "id: same\ntitle: A\nbody: a\n")
	write(t, filepath.Join(root, "b.yaml"), "id: same\ntitle: B\nbody: b\n")
	write(t, filepath.Join(root, "bad.yaml"), "title: x\nunknown_field: 1\n")
	write(t, filepath.Join(root, "notitle.yaml"), "body: x\n")
	write(t, filepath.Join(root, "weird.yaml"), "type: hologram\ntitle: x\nbody: y\n")

	d := NewDir(root, logx.Nop())
	defs, err := d.List(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 1)
	require.Equal(t, "A", defs[0].Title)
	require.Equal(t, 4, d.Invalid())
}

func TestListMissingRoot(t *testing.T) {
	d := NewDir(filepath.Join(t.TempDir(), "nope"), logx.Nop())
	defs, err := d.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, defs)
}

func TestClearRemovesBackingManifest(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "one.yaml"), "title: One\nbody: 1\n")
	write(t, filepath.Join(root, "two", "module.yaml"), "title: Two\nbody: 2\n")
	write(t, filepath.Join(root, "two", "script.sh"), "echo hi\n")

	d := NewDir(root, logx.Nop())
	defs, err := d.List(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 2)

	require.NoError(t, d.Clear(context.Background(), "one"))
	require.NoError(t, d.Clear(context.Background(), "two"))
	require.NoError(t, d.Clear(context.Background(), "two"), "second clear is a no-op")

	_, err = os.Stat(filepath.Join(root, "one.yaml"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "two"))
	require.True(t, os.IsNotExist(err))

	defs, err = d.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, defs)
}

func TestBareScalarsReadAsText(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "numbers.yaml"), `
title: 2025
body: 1.5
buttons:
  - {label: 1, action: acknowledge}
`)
	write(t, filepath.Join(root, "gen.yaml"), `
title: true
content:
  script: gen.sh
  fallback: 0
`)
	write(t, filepath.Join(root, "nested.yaml"), "title: x\nbody: {a: 1}\n")

	d := NewDir(root, logx.Nop())
	defs, err := d.List(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 2)
	require.Equal(t, 1, d.Invalid(), "a mapping is not text")

	byID := map[string]module.Definition{}
	for _, def := range defs {
		byID[def.ID] = def
	}
	num := byID["numbers"]
	require.Equal(t, "2025", num.Title)
	require.Equal(t, "1.5", num.Body)
	require.Equal(t, "1", num.Buttons[0].Label)

	gen := byID["gen"]
	require.Equal(t, "true", gen.Title)
	require.Equal(t, "0", gen.Spec.(module.Dynamic).Fallback)
}

func TestIconPathsResolveAgainstManifestDir(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "pic", "module.yaml"), "title: Pic\nbody: b\nicon: icon.png\n")
	write(t, filepath.Join(root, "emoji.yaml"), "title: Emoji\nbody: b\nicon: \"\u2705\"\n")
	write(t, filepath.Join(root, "web.yaml"), "title: Web\nbody: b\nicon: https://example.com/i.png\n")

	defs, err := NewDir(root, logx.Nop()).List(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 3)

	icons := map[string]string{}
	for _, def := range defs {
		icons[def.ID] = def.Icon
	}
	require.Equal(t, filepath.Join(root, "pic", "icon.png"), icons["pic"])
	require.Equal(t, "\u2705", icons["emoji"])
	require.Equal(t, "https://example.com/i.png", icons["web"])
}

func TestFlexTime(t *testing.T) {
	for _, in := range []string{`"2025-01-02T03:04:05Z"`, `"2025-01-02 03:04"`, `"2025-01-02"`, `""`} {
		var ft flexTime
		require.NoError(t, ft.UnmarshalJSON([]byte(in)), in)
	}
	var ft flexTime
	require.Error(t, ft.UnmarshalJSON([]byte(`"next tuesday"`)))
	require.Error(t, ft.UnmarshalJSON([]byte(`12`)))
}
