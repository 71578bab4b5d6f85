// Package script runs condition and content scripts for notification modules.
package script

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	logx "nudge/pkg/logx"
)

// DefaultTimeout bounds a single script invocation when the caller passes 0.
const DefaultTimeout = 30 * time.Second

// defaultMaxOutput caps captured stdout/stderr per stream.
const defaultMaxOutput = 64 << 10

var (
	ErrNotFound = errors.New("script not found")
	ErrTimeout  = errors.New("script timed out")
	ErrLaunch   = errors.New("script launch failed")
)

// Result is what a finished script reported. A nonzero ExitCode is not an
// error at this layer; callers decide what it means.
type Result struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	Took      time.Duration
	Truncated bool // stdout or stderr hit the capture limit
}

type Executor interface {
	Run(ctx context.Context, path, dir string, timeout time.Duration) (Result, error)
}

type Config struct {
	// Interpreters maps a file extension (".sh") to the command used to run it.
	// Files with other extensions are executed directly.
	Interpreters map[string][]string
	Env          []string
	MaxOutput    int
	// WaitDelay bounds how long we wait for output pipes after the process is killed.
	WaitDelay time.Duration
}

// Exec runs scripts as child processes.
type Exec struct {
	cfg Config
	log logx.Logger
}

func DefaultInterpreters() map[string][]string {
	return map[string][]string{
		".sh":  {"/bin/sh"},
		".py":  {"python3"},
		".ps1": {"pwsh", "-NoProfile", "-NonInteractive", "-File"},
	}
}

func New(cfg Config, log logx.Logger) *Exec {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Interpreters == nil {
		cfg.Interpreters = DefaultInterpreters()
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = defaultMaxOutput
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = 2 * time.Second
	}
	return &Exec{cfg: cfg, log: log}
}

// Resolve returns the absolute script path, relative paths being taken from dir.
func Resolve(path, dir string) string {
	p := strings.TrimSpace(path)
	if p == "" {
		return ""
	}
	if !filepath.IsAbs(p) && dir != "" {
		p = filepath.Join(dir, p)
	}
	return filepath.Clean(p)
}

func (e *Exec) Run(ctx context.Context, path, dir string, timeout time.Duration) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	p := Resolve(path, dir)
	if p == "" {
		return Result{}, fmt.Errorf("%w: empty path", ErrNotFound)
	}
	if st, err := os.Stat(p); err != nil || st.IsDir() {
		return Result{}, fmt.Errorf("%w: %s", ErrNotFound, p)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name, args := p, []string(nil)
	if interp, ok := e.cfg.Interpreters[strings.ToLower(filepath.Ext(p))]; ok && len(interp) > 0 {
		name = interp[0]
		args = append(append(args, interp[1:]...), p)
	}
	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = dir
	if cmd.Dir == "" {
		cmd.Dir = filepath.Dir(p)
	}
	if len(e.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), e.cfg.Env...)
	}
	stdout := &cappedBuffer{max: e.cfg.MaxOutput}
	stderr := &cappedBuffer{max: e.cfg.MaxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = e.cfg.WaitDelay
	killGroup(cmd)

	start := time.Now()
	err := cmd.Run()
	res := Result{
		ExitCode:  -1,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Took:      time.Since(start),
		Truncated: stdout.truncated || stderr.truncated,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	// The caller giving up is not the script's fault; report it as is.
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		e.log.Warn("script timed out", logx.String("path", p), logx.Duration("timeout", timeout))
		return res, fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, p)
	}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			// Nonzero exit: the process ran, report its code.
			e.log.Debug("script exited nonzero", logx.String("path", p), logx.Int("exit_code", res.ExitCode))
			return res, nil
		}
		return res, fmt.Errorf("%w: %s: %v", ErrLaunch, p, err)
	}
	e.log.Debug("script finished", logx.String("path", p), logx.Duration("took", res.Took))
	return res, nil
}

// cappedBuffer keeps the first max bytes and silently discards the rest so a
// chatty script can't balloon memory.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string { return b.buf.String() }
