package fswatch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestWatchDebouncesMatchingEvents(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var hits atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Watch(ctx, Options{
			Dirs:     []string{dir},
			Match:    func(p string) bool { return strings.HasSuffix(p, ".yaml") },
			Debounce: 50 * time.Millisecond,
			OnChange: func() { hits.Add(1) },
		})
	}()

	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	_ = os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0o644)

	deadline := time.Now().Add(2 * time.Second)
	for hits.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(150 * time.Millisecond)
	if got := hits.Load(); got != 1 {
		t.Fatalf("hits=%d, want 1", got)
	}

	cancel()
	<-done
}
