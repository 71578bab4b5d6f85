// Package fswatch watches directories with fsnotify, debounces bursts of
// events and recreates the watcher when the backend breaks.
package fswatch

import (
	"context"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "nudge/pkg/logx"
)

const (
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
	defaultDebounce    = 250 * time.Millisecond
)

type Options struct {
	// Dirs are watched non-recursively.
	Dirs []string
	// Dynamic, when set, is called on every (re)start and after each change
	// to pick up subdirectories created since.
	Dynamic func() []string
	// Match filters event paths; nil accepts everything.
	Match    func(path string) bool
	Debounce time.Duration
	// OnChange runs once per debounced burst.
	OnChange func()
	Log      logx.Logger
}

// Watch blocks until ctx is done.
func Watch(ctx context.Context, opt Options) error {
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.Debounce <= 0 {
		opt.Debounce = defaultDebounce
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	fire := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(opt.Debounce, func() {
			if ctx.Err() == nil && opt.OnChange != nil {
				opt.OnChange()
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	backoff := restartBackoffBase
	wait := func() bool {
		d := backoff + time.Duration(rand.Int64N(int64(backoff/2)+1))
		backoff = min(backoff*2, restartBackoffMax)
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		}
	}

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			log.Warn("watch init failed", logx.Err(err))
			if !wait() {
				return nil
			}
			continue
		}
		added := map[string]bool{}
		addAll := func() error {
			dirs := append([]string(nil), opt.Dirs...)
			if opt.Dynamic != nil {
				dirs = append(dirs, opt.Dynamic()...)
			}
			for _, d := range dirs {
				if added[d] {
					continue
				}
				if err := w.Add(d); err != nil {
					return err
				}
				added[d] = true
			}
			return nil
		}
		if err := addAll(); err != nil {
			_ = w.Close()
			log.Warn("watch add failed", logx.Err(err))
			if !wait() {
				return nil
			}
			continue
		}
		backoff = restartBackoffBase
		log.Debug("watcher started", logx.Int("dirs", len(added)))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if opt.Match != nil && !opt.Match(ev.Name) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					if opt.Dynamic != nil && ev.Op&fsnotify.Create != 0 {
						_ = addAll()
					}
					fire()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				if strings.Contains(strings.ToLower(err.Error()), "overflow") {
					log.Warn("watch overflow; forcing reload", logx.Err(err))
					fire()
					continue
				}
				log.Warn("watch error", logx.Err(err))
				if strings.Contains(strings.ToLower(err.Error()), "closed") {
					broken = true
				}
			}
		}
		_ = w.Close()
		log.Warn("watcher stopped; restarting")
		if !wait() {
			return nil
		}
	}
	return nil
}
