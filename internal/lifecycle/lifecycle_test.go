package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/pinokio-cloud/orchestrator-core/internal/apperrors"
	"github.com/pinokio-cloud/orchestrator-core/internal/events"
	"github.com/pinokio-cloud/orchestrator-core/internal/registry"
)

func newTestManager(t *testing.T, install Installer, start StartRunner, stop StopRunner, uninstall UninstallRunner) *Manager {
	t.Helper()
	dir := t.TempDir()
	reg, err := registry.New(filepath.Join(dir, "registry.json"))
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	bus := events.NewBus(ctx)
	return NewManager(reg, bus, install, start, stop, uninstall)
}

func TestInstallTransitionsAbsentToInstalled(t *testing.T) {
	m := newTestManager(t, nil, nil, nil, nil)
	rec, err := m.Install(context.Background(), "demo", registry.AppDescriptor{SourceLocator: "git:demo"})
	if err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if rec.State != registry.StateInstalled {
		t.Fatalf("got state %q, want installed", rec.State)
	}
}

func TestInstallIsIdempotentForSameDescriptor(t *testing.T) {
	m := newTestManager(t, nil, nil, nil, nil)
	desc := registry.AppDescriptor{SourceLocator: "git:demo"}
	first, err := m.Install(context.Background(), "demo", desc)
	if err != nil {
		t.Fatalf("first Install failed: %v", err)
	}
	second, err := m.Install(context.Background(), "demo", desc)
	if err != nil {
		t.Fatalf("second Install failed: %v", err)
	}
	if first.AppID != second.AppID {
		t.Fatalf("expected idempotent record, got different app ids")
	}
}

func TestInstallFailureTransitionsToError(t *testing.T) {
	failing := func(context.Context, *registry.AppRecord) *apperrors.Error {
		return apperrors.Wrap(apperrors.KindCloneFailed, errors.New("network unreachable"))
	}
	m := newTestManager(t, failing, nil, nil, nil)
	_, err := m.Install(context.Background(), "demo", registry.AppDescriptor{SourceLocator: "git:demo"})
	if err == nil || err.Kind != apperrors.KindCloneFailed {
		t.Fatalf("expected KindCloneFailed, got %v", err)
	}
	rec := m.Status("demo")
	if rec.State != registry.StateError {
		t.Fatalf("got state %q, want error", rec.State)
	}
}

func TestStartOnUnknownAppIsIllegalState(t *testing.T) {
	m := newTestManager(t, nil, nil, nil, nil)
	_, err := m.Start(context.Background(), "demo", nil)
	if err == nil || err.Kind != apperrors.KindIllegalState {
		t.Fatalf("expected KindIllegalState for unknown app, got %v", err)
	}
}

func TestFullLifecycleInstallStartStopUninstall(t *testing.T) {
	start := func(ctx context.Context, rec *registry.AppRecord, args map[string]interface{}) (*StartResult, *apperrors.Error) {
		return &StartResult{Port: 7860, PublicURL: "https://demo.example"}, nil
	}
	m := newTestManager(t, nil, start, nil, nil)

	rec, err := m.Install(context.Background(), "demo", registry.AppDescriptor{SourceLocator: "git:demo"})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if rec, err = m.Start(context.Background(), "demo", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if rec.State != registry.StateRunning || rec.Port == nil || *rec.Port != 7860 {
		t.Fatalf("unexpected record after Start: %+v", rec)
	}
	if rec, err = m.Stop(context.Background(), "demo"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if rec.State != registry.StateStopped || rec.Port != nil {
		t.Fatalf("unexpected record after Stop: %+v", rec)
	}
	if err := m.Uninstall(context.Background(), "demo", false); err != nil {
		t.Fatalf("Uninstall: %v", err)
	}
	if rec := m.Status("demo"); rec != nil {
		t.Fatalf("expected no record after Uninstall, got %+v", rec)
	}
}

func TestStopIsIdempotentOnceStopped(t *testing.T) {
	start := func(ctx context.Context, rec *registry.AppRecord, args map[string]interface{}) (*StartResult, *apperrors.Error) {
		return &StartResult{}, nil
	}
	m := newTestManager(t, nil, start, nil, nil)
	if _, err := m.Install(context.Background(), "demo", registry.AppDescriptor{SourceLocator: "git:demo"}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if _, err := m.Start(context.Background(), "demo", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := m.Stop(context.Background(), "demo"); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if _, err := m.Stop(context.Background(), "demo"); err != nil {
		t.Fatalf("second Stop should be a no-op, got: %v", err)
	}
}

func TestResetClearsErrorState(t *testing.T) {
	failing := func(context.Context, *registry.AppRecord) *apperrors.Error {
		return apperrors.New(apperrors.KindVenvFailed, "pip install failed")
	}
	m := newTestManager(t, failing, nil, nil, nil)
	if _, err := m.Install(context.Background(), "demo", registry.AppDescriptor{SourceLocator: "git:demo"}); err == nil {
		t.Fatal("expected Install to fail")
	}
	rec, err := m.Reset(context.Background(), "demo", registry.StateStopped)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if rec.State != registry.StateStopped {
		t.Fatalf("got state %q, want stopped", rec.State)
	}
}

func TestSubscribeReceivesStateChangeEvents(t *testing.T) {
	m := newTestManager(t, nil, nil, nil, nil)
	ch := make(chan events.Event, 8)
	sub := m.Subscribe(ch)
	defer sub.Unsubscribe()

	if _, err := m.Install(context.Background(), "demo", registry.AppDescriptor{SourceLocator: "git:demo"}); err != nil {
		t.Fatalf("Install: %v", err)
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		ev := <-ch
		seen[ev.State] = true
	}
	if !seen["installing"] || !seen["installed"] {
		t.Fatalf("expected installing+installed events, got %+v", seen)
	}
}
