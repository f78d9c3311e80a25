// Package registry implements the App Registry: a durable, in-memory map
// from app id to AppRecord, serialized through a single writer and
// persisted atomically to registry.json after every state transition.
// Grounded on internal/runner/dynamic_store.go's mutex-guarded, in-memory
// collection backed by disk, generalized from "watch a directory of files
// and reload on change" to "hold the authoritative copy in memory and
// flush it on every write", since the Registry (unlike the teacher's
// signature directory) is this process's own source of truth, not a
// passively-observed external input.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-stack/stack"

	"github.com/pinokio-cloud/orchestrator-core/internal/apperrors"
)

// State is one of the Lifecycle Manager's closed set of AppRecord states.
type State string

const (
	StateAbsent     State = "absent"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
	StateError      State = "error"
)

// AppDescriptor is the caller-provided, uncurated description of an app
// to install.
type AppDescriptor struct {
	SourceLocator    string `json:"sourceLocator"`
	Category         string `json:"category,omitempty"`
	InstallerHint    string `json:"installerHint,omitempty"`
	ReadinessRegex   string `json:"readinessRegex,omitempty"`
	DefaultPort      int    `json:"defaultPort,omitempty"`
	GPURequirement   string `json:"gpuRequirement,omitempty"`
}

// VenvHandle is the opaque venv reference an AppRecord carries.
type VenvHandle struct {
	Path           string `json:"path"`
	ActivationKind string `json:"activationKind,omitempty"` // "env-injection" today
}

// ProcessHandle is the supervised process an AppRecord carries while
// running, mirroring the invariant that process != nil implies it is
// registered with the Process Supervisor.
type ProcessHandle struct {
	Pid        int    `json:"pid"`
	ProcessGID int    `json:"processGid"`
	LogPath    string `json:"logPath"`
}

// LastError records the kind/message/detail of the most recent failed
// transition, surfaced to callers without forcing them to re-derive it
// from logs.
type LastError struct {
	Kind    apperrors.Kind `json:"kind"`
	Message string         `json:"message"`
	Detail  string         `json:"detail,omitempty"`
}

// TunnelRecord is the exposure record Tunnel Broker attaches once a
// running app's port is confirmed healthy.
type TunnelRecord struct {
	Provider    string    `json:"provider"`
	LocalPort   int       `json:"localPort"`
	PublicURL   string    `json:"publicUrl"`
	CreatedAt   time.Time `json:"createdAt"`
	Health      string    `json:"health"` // healthy | degraded | dead
	CredentialRef string  `json:"credentialRef,omitempty"`
}

// AppRecord is the Registry's unit of durable state, one per app id.
type AppRecord struct {
	AppID      string         `json:"appId"`
	Descriptor AppDescriptor  `json:"descriptor"`

	InstallRoot   string     `json:"installRoot,omitempty"`
	Venv          *VenvHandle `json:"venv,omitempty"`
	InstallerKind string     `json:"installerKind,omitempty"` // "js" | "json"

	State             State      `json:"state"`
	LastTransitionAt  time.Time  `json:"lastTransitionAt"`
	LastError         *LastError `json:"lastError,omitempty"`

	Process *ProcessHandle `json:"process,omitempty"`

	Port   *int          `json:"port,omitempty"`
	Tunnel *TunnelRecord `json:"tunnel,omitempty"`

	LocalVars map[string]string `json:"localVars,omitempty"`
}

// Registry holds every app's AppRecord in memory, serializing writes
// behind a single mutex and flushing the whole map to path after each one.
type Registry struct {
	mu      sync.Mutex
	path    string
	records map[string]*AppRecord
}

// New loads path if it exists, or starts with an empty map.
func New(path string) (*Registry, *apperrors.Error) {
	r := &Registry{path: path, records: map[string]*AppRecord{}}
	data, errGo := os.ReadFile(filepath.Clean(path))
	if errGo != nil {
		if os.IsNotExist(errGo) {
			return r, nil
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, errGo).With("path", path).With("stack", stack.Trace().TrimRuntime())
	}
	if len(data) == 0 {
		return r, nil
	}
	if errGo := json.Unmarshal(data, &r.records); errGo != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, errGo).With("path", path).With("stack", stack.Trace().TrimRuntime())
	}
	return r, nil
}

// Get returns a copy-free pointer to appId's record, or nil if absent.
// Callers must not mutate the returned record directly; use Put to
// persist changes so writes stay serialized and flushed.
func (r *Registry) Get(appID string) *AppRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[appID]
}

// List returns every known AppRecord, in no particular order.
func (r *Registry) List() []*AppRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*AppRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	return out
}

// Put upserts rec and flushes the whole registry to disk atomically
// before returning, so a crash immediately after a successful Put never
// loses the transition that call just recorded.
func (r *Registry) Put(rec *AppRecord) *apperrors.Error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.LastTransitionAt = r.now()
	r.records[rec.AppID] = rec
	return r.flushLocked()
}

// Delete removes appId (used by uninstall) and flushes.
func (r *Registry) Delete(appID string) *apperrors.Error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, appID)
	return r.flushLocked()
}

// now is a seam so tests can stamp deterministic transition times without
// this package importing a clock abstraction the rest of the pack
// doesn't use.
func (r *Registry) now() time.Time { return time.Now() }

func (r *Registry) flushLocked() *apperrors.Error {
	out, errGo := json.MarshalIndent(r.records, "", "  ")
	if errGo != nil {
		return apperrors.Wrap(apperrors.KindInternal, errGo).With("stack", stack.Trace().TrimRuntime())
	}
	dir := filepath.Dir(r.path)
	if errGo := os.MkdirAll(dir, 0o755); errGo != nil {
		return apperrors.Wrap(apperrors.KindInternal, errGo).With("stack", stack.Trace().TrimRuntime())
	}
	tmp, errGo := os.CreateTemp(dir, ".registry-*.json")
	if errGo != nil {
		return apperrors.Wrap(apperrors.KindInternal, errGo).With("stack", stack.Trace().TrimRuntime())
	}
	tmpName := tmp.Name()
	if _, errGo := tmp.Write(out); errGo != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apperrors.Wrap(apperrors.KindInternal, errGo).With("stack", stack.Trace().TrimRuntime())
	}
	if errGo := tmp.Close(); errGo != nil {
		os.Remove(tmpName)
		return apperrors.Wrap(apperrors.KindInternal, errGo).With("stack", stack.Trace().TrimRuntime())
	}
	if errGo := os.Rename(tmpName, r.path); errGo != nil {
		os.Remove(tmpName)
		return apperrors.Wrap(apperrors.KindInternal, errGo).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}
