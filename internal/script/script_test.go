package script

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	logx "nudge/pkg/logx"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return p
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not available on windows")
	}
}

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	skipOnWindows(t)
	t.Parallel()
	dir := t.TempDir()
	writeScript(t, dir, "ok.sh", `echo "hello"; echo "warn" 1>&2`)
	writeScript(t, dir, "fail.sh", `echo "boom" 1>&2; exit 3`)

	ex := New(Config{}, logx.Nop())

	res, err := ex.Run(context.Background(), "ok.sh", dir, time.Second*5)
	if err != nil {
		t.Fatalf("Run ok.sh: %v", err)
	}
	if res.ExitCode != 0 || strings.TrimSpace(res.Stdout) != "hello" || strings.TrimSpace(res.Stderr) != "warn" {
		t.Fatalf("unexpected result: %+v", res)
	}

	res, err = ex.Run(context.Background(), "fail.sh", dir, time.Second*5)
	if err != nil {
		t.Fatalf("nonzero exit should not be an error at this layer: %v", err)
	}
	if res.ExitCode != 3 || strings.TrimSpace(res.Stderr) != "boom" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRunMissingScript(t *testing.T) {
	t.Parallel()
	ex := New(Config{}, logx.Nop())
	_, err := ex.Run(context.Background(), "nope.sh", t.TempDir(), time.Second)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRunTimeout(t *testing.T) {
	skipOnWindows(t)
	t.Parallel()
	dir := t.TempDir()
	writeScript(t, dir, "slow.sh", `exec sleep 5`)

	ex := New(Config{WaitDelay: 100 * time.Millisecond}, logx.Nop())
	start := time.Now()
	_, err := ex.Run(context.Background(), "slow.sh", dir, 200*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if took := time.Since(start); took > 3*time.Second {
		t.Fatalf("timeout not enforced, took %s", took)
	}
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{max: 4}
	n, _ := b.Write([]byte("abcdef"))
	if n != 6 {
		t.Fatalf("Write must report full length, got %d", n)
	}
	_, _ = b.Write([]byte("gh"))
	if b.String() != "abcd" || !b.truncated {
		t.Fatalf("buffer = %q truncated=%v", b.String(), b.truncated)
	}
}

func TestResolve(t *testing.T) {
	if got := Resolve("check.sh", "/opt/mods/a"); got != filepath.Clean("/opt/mods/a/check.sh") {
		t.Fatalf("Resolve relative = %q", got)
	}
	if got := Resolve("/abs/check.sh", "/opt"); got != filepath.Clean("/abs/check.sh") {
		t.Fatalf("Resolve absolute = %q", got)
	}
	if got := Resolve("  ", "/opt"); got != "" {
		t.Fatalf("Resolve blank = %q", got)
	}
}

func TestRunKillsScriptChildrenOnTimeout(t *testing.T) {
	skipOnWindows(t)
	t.Parallel()
	dir := t.TempDir()
	// The child sleep keeps the output pipe open unless the whole group dies.
	writeScript(t, dir, "spawn.sh", `sleep 5; echo done`)

	ex := New(Config{WaitDelay: 4 * time.Second}, logx.Nop())
	start := time.Now()
	_, err := ex.Run(context.Background(), "spawn.sh", dir, 200*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if took := time.Since(start); took > 2*time.Second {
		t.Fatalf("child process outlived the timeout, took %s", took)
	}
}

func TestRunCallerCancelIsNotTimeout(t *testing.T) {
	skipOnWindows(t)
	t.Parallel()
	dir := t.TempDir()
	writeScript(t, dir, "ok.sh", `echo true`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(Config{}, logx.Nop()).Run(ctx, "ok.sh", dir, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrLaunch) {
		t.Fatalf("caller cancel reported as script failure: %v", err)
	}
}

func TestRunReportsTruncatedOutput(t *testing.T) {
	skipOnWindows(t)
	t.Parallel()
	dir := t.TempDir()
	writeScript(t, dir, "chatty.sh", `echo "hello world"`)
	writeScript(t, dir, "quiet.sh", `echo hi`)

	ex := New(Config{MaxOutput: 5}, logx.Nop())
	res, err := ex.Run(context.Background(), "chatty.sh", dir, 5*time.Second)
	if err != nil {
		t.Fatalf("Run chatty.sh: %v", err)
	}
	if res.Stdout != "hello" || !res.Truncated {
		t.Fatalf("stdout = %q truncated=%v", res.Stdout, res.Truncated)
	}

	res, err = ex.Run(context.Background(), "quiet.sh", dir, 5*time.Second)
	if err != nil {
		t.Fatalf("Run quiet.sh: %v", err)
	}
	if res.Truncated {
		t.Fatalf("short output marked truncated: %q", res.Stdout)
	}
}
