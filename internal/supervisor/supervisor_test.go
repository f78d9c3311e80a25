package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestStartForegroundCapturesOutput(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "app.log")

	sup := New()
	p, err := sup.Start(context.Background(), Spec{
		AppID:   "demo",
		Lines:   []string{"echo hello-world"},
		Dir:     dir,
		Env:     os.Environ(),
		LogPath: logPath,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit in time")
	}

	if p.ExitErr() != nil {
		t.Fatalf("unexpected exit error: %v", p.ExitErr())
	}

	data, errGo := os.ReadFile(logPath)
	if errGo != nil {
		t.Fatalf("reading log: %v", errGo)
	}
	if !strings.Contains(string(data), "hello-world") {
		t.Errorf("log file missing expected output, got: %q", string(data))
	}
}

func TestStartRejectsDuplicateAppID(t *testing.T) {
	dir := t.TempDir()
	sup := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := sup.Start(ctx, Spec{
		AppID:   "demo",
		Lines:   []string{"sleep 5"},
		Dir:     dir,
		Env:     os.Environ(),
		LogPath: filepath.Join(dir, "a.log"),
	})
	if err != nil {
		t.Fatalf("first Start failed: %v", err)
	}

	if _, err := sup.Start(ctx, Spec{
		AppID:   "demo",
		Lines:   []string{"sleep 5"},
		Dir:     dir,
		Env:     os.Environ(),
		LogPath: filepath.Join(dir, "b.log"),
	}); err == nil {
		t.Fatal("expected illegal-state error for duplicate app id, got nil")
	}

	if err := sup.Stop("demo", time.Second); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestStopTerminatesLongRunningProcess(t *testing.T) {
	dir := t.TempDir()
	sup := New()
	p, err := sup.Start(context.Background(), Spec{
		AppID:   "long",
		Lines:   []string{"sleep 30"},
		Dir:     dir,
		Env:     os.Environ(),
		LogPath: filepath.Join(dir, "long.log"),
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	start := time.Now()
	if err := sup.Stop("long", 200*time.Millisecond); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("Stop took too long: %v", time.Since(start))
	}

	select {
	case <-p.Done():
	default:
		t.Fatal("process should be done after Stop returns")
	}
}

func TestStopIsIdempotentOnceStopped(t *testing.T) {
	sup := New()
	if err := sup.Stop("never-started", time.Second); err != nil {
		t.Fatalf("Stop on unknown app id should be a no-op, got: %v", err)
	}
}
