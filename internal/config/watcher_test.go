package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/speakflow/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
live:
  api_key: test-key
coaching:
  goal: Daily Conversation
`

const watcherUpdatedYAML = `
server:
  log_level: debug
live:
  api_key: test-key
coaching:
  goal: Sports Talk
`

const watcherInvalidYAML = `
server:
  log_level: bananas
live:
  api_key: test-key
`

func writeFile(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes %q: %v", path, err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML, time.Now())

	w, err := config.NewWatcher(cfgPath, nil, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	if cfg := w.Current(); cfg == nil || cfg.Server.LogLevel != config.LogInfo {
		t.Fatalf("Current() = %+v", cfg)
	}
}

func TestWatcher_InitialLoadInvalid(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherInvalidYAML, time.Now())

	if _, err := config.NewWatcher(cfgPath, nil); err == nil {
		t.Fatal("expected error for invalid initial config")
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	start := time.Now().Add(-time.Hour)
	writeFile(t, cfgPath, watcherValidYAML, start)

	var (
		mu    sync.Mutex
		diffs []config.Diff
	)
	changed := make(chan struct{}, 1)
	w, err := config.NewWatcher(cfgPath, func(_ *config.Config, d config.Diff) {
		mu.Lock()
		diffs = append(diffs, d)
		mu.Unlock()
		select {
		case changed <- struct{}{}:
		default:
		}
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeFile(t, cfgPath, watcherUpdatedYAML, start.Add(time.Minute))

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for change callback")
	}

	mu.Lock()
	d := diffs[0]
	mu.Unlock()
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v, want log level change to debug", d)
	}
	if !d.CoachingChanged {
		t.Error("coaching change not reported")
	}
	if w.Current().Coaching.Goal != config.GoalSports {
		t.Errorf("Current goal = %q", w.Current().Coaching.Goal)
	}
}

func TestWatcher_InvalidUpdateKeepsPrevious(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	start := time.Now().Add(-time.Hour)
	writeFile(t, cfgPath, watcherValidYAML, start)

	called := make(chan struct{}, 1)
	w, err := config.NewWatcher(cfgPath, func(*config.Config, config.Diff) {
		called <- struct{}{}
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeFile(t, cfgPath, watcherInvalidYAML, start.Add(time.Minute))
	time.Sleep(150 * time.Millisecond)

	select {
	case <-called:
		t.Fatal("callback invoked for invalid config")
	default:
	}
	if w.Current().Server.LogLevel != config.LogInfo {
		t.Errorf("log level = %q, want previous %q", w.Current().Server.LogLevel, config.LogInfo)
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML, time.Now())

	w, err := config.NewWatcher(cfgPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	w.Stop()
	w.Stop()
}
