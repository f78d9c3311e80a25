// Package lifecycle implements the Application Lifecycle Manager: the
// per-app state machine (absent/installing/installed/starting/running/
// stopping/stopped/error) and the public install/start/stop/uninstall/
// status/list/reset operations that drive the Script Engine, Process
// Supervisor, Server Detector, and Tunnel Broker. Grounded structurally
// on internal/runner/cmd.go's top-level job-processing loop (resolve
// inputs, run, persist result, report) generalized from "one job, one
// pass" to "one app id, many transitions over its lifetime", with
// per-app-id serialization grounded on the teacher's own per-job mutex
// discipline around its Request/Response queues.
package lifecycle

import (
	"context"
	"sync"

	"github.com/pinokio-cloud/orchestrator-core/internal/apperrors"
	"github.com/pinokio-cloud/orchestrator-core/internal/events"
	"github.com/pinokio-cloud/orchestrator-core/internal/registry"
	"github.com/rs/xid"
)

// legalTransitions is the closed set spec.md §4.2 lists; any request not
// matching a (from, trigger) pair here fails illegal-state.
var legalTransitions = map[registry.State]map[registry.State]bool{
	registry.StateAbsent:     {registry.StateInstalling: true},
	registry.StateInstalling: {registry.StateInstalled: true, registry.StateError: true},
	registry.StateInstalled:  {registry.StateStarting: true},
	registry.StateStarting:   {registry.StateRunning: true, registry.StateError: true},
	registry.StateRunning:    {registry.StateStopping: true},
	registry.StateStopping:   {registry.StateStopped: true},
	registry.StateStopped:    {registry.StateStarting: true, registry.StateAbsent: true},
	registry.StateError:      {registry.StateInstalled: true, registry.StateStopped: true},
}

func canTransition(from, to registry.State) bool {
	m, ok := legalTransitions[from]
	return ok && m[to]
}

// Installer runs an app's install script against a fresh install root.
// StartRunner runs an app's start script, returning the detected port and
// public URL once readiness is confirmed (or immediately for non-daemon
// scripts). Both are injected so this package never imports script/
// shellrun/fsapi/detector/tunnel directly; cmd/orchestratord wires the
// concrete implementations.
type Installer func(ctx context.Context, rec *registry.AppRecord) *apperrors.Error

type StartResult struct {
	Port      int
	PublicURL string
	Daemon    bool
}

type StartRunner func(ctx context.Context, rec *registry.AppRecord, args map[string]interface{}) (*StartResult, *apperrors.Error)
type StopRunner func(ctx context.Context, rec *registry.AppRecord) *apperrors.Error
type UninstallRunner func(ctx context.Context, rec *registry.AppRecord, purge bool) *apperrors.Error

// Manager owns the per-app mutexes and drives state transitions, calling
// out to the injected runners for each operation's actual work.
type Manager struct {
	reg *registry.Registry
	bus *events.Bus

	install   Installer
	start     StartRunner
	stop      StopRunner
	uninstall UninstallRunner

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewManager wires a Manager. Any runner left nil becomes a no-op that
// succeeds immediately, useful for unit tests that only exercise the
// state machine.
func NewManager(reg *registry.Registry, bus *events.Bus, install Installer, start StartRunner, stop StopRunner, uninstall UninstallRunner) *Manager {
	if install == nil {
		install = func(context.Context, *registry.AppRecord) *apperrors.Error { return nil }
	}
	if start == nil {
		start = func(context.Context, *registry.AppRecord, map[string]interface{}) (*StartResult, *apperrors.Error) {
			return &StartResult{}, nil
		}
	}
	if stop == nil {
		stop = func(context.Context, *registry.AppRecord) *apperrors.Error { return nil }
	}
	if uninstall == nil {
		uninstall = func(context.Context, *registry.AppRecord, bool) *apperrors.Error { return nil }
	}
	return &Manager{
		reg: reg, bus: bus,
		install: install, start: start, stop: stop, uninstall: uninstall,
		locks: map[string]*sync.Mutex{},
	}
}

func (m *Manager) lockFor(appID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[appID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[appID] = l
	}
	return l
}

func (m *Manager) publish(appID string, to registry.State, detail string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{
		Kind:   events.KindStateChanged,
		AppID:  appID,
		State:  string(to),
		Detail: detail,
	})
}

// transition validates and applies a state change, persisting it before
// returning so a crash immediately after never loses the transition.
func (m *Manager) transition(rec *registry.AppRecord, to registry.State, lastErr *registry.LastError) *apperrors.Error {
	if !canTransition(rec.State, to) {
		return apperrors.New(apperrors.KindIllegalState, "illegal lifecycle transition").
			WithDetail(string(rec.State) + " -> " + string(to))
	}
	rec.State = to
	rec.LastError = lastErr
	if err := m.reg.Put(rec); err != nil {
		return err
	}
	detail := ""
	if lastErr != nil {
		detail = lastErr.Message
	}
	m.publish(rec.AppID, to, detail)
	return nil
}

// Install is idempotent when appID already has an AppRecord installed
// under the same descriptor source locator; otherwise it allocates a
// fresh record, transitions through installing, and runs the injected
// Installer.
func (m *Manager) Install(ctx context.Context, appID string, descriptor registry.AppDescriptor) (*registry.AppRecord, *apperrors.Error) {
	lock := m.lockFor(appID)
	lock.Lock()
	defer lock.Unlock()

	if existing := m.reg.Get(appID); existing != nil {
		if existing.State == registry.StateInstalled && existing.Descriptor.SourceLocator == descriptor.SourceLocator {
			return existing, nil
		}
		if existing.State != registry.StateAbsent {
			return nil, apperrors.New(apperrors.KindIllegalState, "app already exists in a non-absent state").WithDetail(string(existing.State))
		}
	}

	rec := &registry.AppRecord{
		AppID:      appID,
		Descriptor: descriptor,
		State:      registry.StateAbsent,
		LocalVars:  map[string]string{},
	}
	if err := m.transition(rec, registry.StateInstalling, nil); err != nil {
		return nil, err
	}

	if err := m.install(ctx, rec); err != nil {
		if ctx.Err() != nil {
			m.reg.Delete(appID)
			return nil, apperrors.Wrap(apperrors.KindCancelled, ctx.Err())
		}
		_ = m.transition(rec, registry.StateError, &registry.LastError{Kind: err.Kind, Message: err.Error()})
		return nil, err
	}

	if err := m.transition(rec, registry.StateInstalled, nil); err != nil {
		return nil, err
	}
	return rec, nil
}

// Start requires installed or stopped; resolves the start script via the
// injected StartRunner and transitions to running once readiness (or
// immediate completion for non-daemon scripts) is confirmed.
func (m *Manager) Start(ctx context.Context, appID string, args map[string]interface{}) (*registry.AppRecord, *apperrors.Error) {
	lock := m.lockFor(appID)
	lock.Lock()
	defer lock.Unlock()

	rec := m.reg.Get(appID)
	if rec == nil {
		return nil, apperrors.New(apperrors.KindIllegalState, "no such app").WithDetail(appID)
	}
	if rec.State != registry.StateInstalled && rec.State != registry.StateStopped {
		return nil, apperrors.New(apperrors.KindIllegalState, "start requires installed or stopped").WithDetail(string(rec.State))
	}
	if err := m.transition(rec, registry.StateStarting, nil); err != nil {
		return nil, err
	}

	res, err := m.start(ctx, rec, args)
	if err != nil {
		if ctx.Err() != nil {
			_ = m.transition(rec, registry.StateError, &registry.LastError{Kind: apperrors.KindCancelled, Message: "start cancelled"})
			return nil, apperrors.Wrap(apperrors.KindCancelled, ctx.Err())
		}
		_ = m.transition(rec, registry.StateError, &registry.LastError{Kind: err.Kind, Message: err.Error()})
		return nil, err
	}

	if res.Port != 0 {
		port := res.Port
		rec.Port = &port
	}
	if err := m.transition(rec, registry.StateRunning, nil); err != nil {
		return nil, err
	}
	return rec, nil
}

// Stop requires running or starting; releases any tunnel, signals the
// process group, and clears process/tunnel fields. Idempotent once
// already stopped.
func (m *Manager) Stop(ctx context.Context, appID string) (*registry.AppRecord, *apperrors.Error) {
	lock := m.lockFor(appID)
	lock.Lock()
	defer lock.Unlock()

	rec := m.reg.Get(appID)
	if rec == nil {
		return nil, apperrors.New(apperrors.KindIllegalState, "no such app").WithDetail(appID)
	}
	if rec.State == registry.StateStopped {
		return rec, nil
	}
	if rec.State != registry.StateRunning && rec.State != registry.StateStarting {
		return nil, apperrors.New(apperrors.KindIllegalState, "stop requires running or starting").WithDetail(string(rec.State))
	}
	if err := m.transition(rec, registry.StateStopping, nil); err != nil {
		return nil, err
	}

	if err := m.stop(ctx, rec); err != nil {
		_ = m.transition(rec, registry.StateError, &registry.LastError{Kind: err.Kind, Message: err.Error()})
		return nil, err
	}
	rec.Process = nil
	rec.Tunnel = nil
	rec.Port = nil

	if err := m.transition(rec, registry.StateStopped, nil); err != nil {
		return nil, err
	}
	return rec, nil
}

// Uninstall requires stopped or error; removes the registry entry after
// the injected UninstallRunner tears down disk state.
func (m *Manager) Uninstall(ctx context.Context, appID string, purge bool) *apperrors.Error {
	lock := m.lockFor(appID)
	lock.Lock()
	defer lock.Unlock()

	rec := m.reg.Get(appID)
	if rec == nil {
		return nil
	}
	if rec.State != registry.StateStopped && rec.State != registry.StateError {
		return apperrors.New(apperrors.KindIllegalState, "uninstall requires stopped or error").WithDetail(string(rec.State))
	}

	if err := m.uninstall(ctx, rec, purge); err != nil {
		return err
	}
	// error has no edge to absent; from error the entry is deleted directly.
	if rec.State == registry.StateStopped {
		if err := m.transition(rec, registry.StateAbsent, nil); err != nil {
			return err
		}
	}
	return m.reg.Delete(appID)
}

// Reset clears an error state back to the caller-supplied target, which
// must be installed or stopped.
func (m *Manager) Reset(ctx context.Context, appID string, to registry.State) (*registry.AppRecord, *apperrors.Error) {
	lock := m.lockFor(appID)
	lock.Lock()
	defer lock.Unlock()

	rec := m.reg.Get(appID)
	if rec == nil {
		return nil, apperrors.New(apperrors.KindIllegalState, "no such app").WithDetail(appID)
	}
	if rec.State != registry.StateError {
		return nil, apperrors.New(apperrors.KindIllegalState, "reset requires error").WithDetail(string(rec.State))
	}
	if to != registry.StateInstalled && to != registry.StateStopped {
		return nil, apperrors.New(apperrors.KindIllegalState, "reset target must be installed or stopped").WithDetail(string(to))
	}
	if err := m.transition(rec, to, nil); err != nil {
		return nil, err
	}
	return rec, nil
}

// Status returns a read-only snapshot of appId's record.
func (m *Manager) Status(appID string) *registry.AppRecord {
	return m.reg.Get(appID)
}

// List returns a read-only snapshot of every known AppRecord.
func (m *Manager) List() []*registry.AppRecord {
	return m.reg.List()
}

// Subscription lets a caller stop receiving events from a prior Subscribe.
type Subscription struct {
	bus *events.Bus
	id  xid.ID
}

// Unsubscribe removes the subscription from the event bus.
func (s Subscription) Unsubscribe() {
	s.bus.Unsubscribe(s.id)
}

// Subscribe registers ch to receive every future lifecycle/tunnel event.
func (m *Manager) Subscribe(ch chan<- events.Event) Subscription {
	return Subscription{bus: m.bus, id: m.bus.Subscribe(ch)}
}
