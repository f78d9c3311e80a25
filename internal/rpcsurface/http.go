// Package rpcsurface exposes the Lifecycle Manager over the wire. The
// primary transport is net/http + encoding/json: a request/response
// command surface plus a long-lived streaming response for event
// subscription, matching spec.md's "encoding is not prescribed" clause
// with the simplest faithful option. Optional AMQP and SQS transports
// in amqp.go and sqs.go mirror the teacher's own multi-backend queue
// design (internal/runner/rmq.go, sqs.go) without ever being required.
package rpcsurface

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pinokio-cloud/orchestrator-core/internal/apperrors"
	"github.com/pinokio-cloud/orchestrator-core/internal/events"
	"github.com/pinokio-cloud/orchestrator-core/internal/lifecycle"
	"github.com/pinokio-cloud/orchestrator-core/internal/registry"
)

// commandEnvelope is echoed on every response so a caller can correlate
// a command with its result regardless of transport.
type commandEnvelope struct {
	CommandID string          `json:"commandId"`
	Params    json.RawMessage `json:"params"`
}

type errorResponse struct {
	CommandID string `json:"commandId"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Detail    string `json:"detail,omitempty"`
}

type recordResponse struct {
	CommandID string               `json:"commandId"`
	Record    *registry.AppRecord  `json:"record,omitempty"`
	Records   []*registry.AppRecord `json:"records,omitempty"`
}

// Surface wires a Manager to an HTTP mux. Install it with Register
// rather than returning its own *http.ServeMux, so a caller can compose
// it alongside other handlers (metrics, health checks).
type Surface struct {
	mgr *lifecycle.Manager
}

// NewSurface builds a Surface over mgr.
func NewSurface(mgr *lifecycle.Manager) *Surface {
	return &Surface{mgr: mgr}
}

// Register mounts every command and the event stream onto mux.
func (s *Surface) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/apps/install", s.handleInstall)
	mux.HandleFunc("/v1/apps/start", s.handleStart)
	mux.HandleFunc("/v1/apps/stop", s.handleStop)
	mux.HandleFunc("/v1/apps/uninstall", s.handleUninstall)
	mux.HandleFunc("/v1/apps/status", s.handleStatus)
	mux.HandleFunc("/v1/apps/list", s.handleList)
	mux.HandleFunc("/v1/events", s.handleSubscribe)
}

func writeError(w http.ResponseWriter, commandID string, err *apperrors.Error) {
	status := http.StatusInternalServerError
	if err.Kind == apperrors.KindIllegalState {
		status = http.StatusConflict
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{
		CommandID: commandID,
		Kind:      string(err.Kind),
		Message:   err.Error(),
		Detail:    err.Detail,
	})
}

func writeRecord(w http.ResponseWriter, commandID string, rec *registry.AppRecord) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recordResponse{CommandID: commandID, Record: rec})
}

type installParams struct {
	AppID      string               `json:"appId"`
	Descriptor registry.AppDescriptor `json:"descriptor"`
}

func (s *Surface) handleInstall(w http.ResponseWriter, r *http.Request) {
	var env struct {
		CommandID string        `json:"commandId"`
		Params    installParams `json:"params"`
	}
	if errGo := json.NewDecoder(r.Body).Decode(&env); errGo != nil {
		writeError(w, "", apperrors.Wrap(apperrors.KindScriptParse, errGo))
		return
	}
	rec, err := s.mgr.Install(r.Context(), env.Params.AppID, env.Params.Descriptor)
	if err != nil {
		writeError(w, env.CommandID, err)
		return
	}
	writeRecord(w, env.CommandID, rec)
}

type startParams struct {
	AppID string                 `json:"appId"`
	Args  map[string]interface{} `json:"args"`
}

func (s *Surface) handleStart(w http.ResponseWriter, r *http.Request) {
	var env struct {
		CommandID string      `json:"commandId"`
		Params    startParams `json:"params"`
	}
	if errGo := json.NewDecoder(r.Body).Decode(&env); errGo != nil {
		writeError(w, "", apperrors.Wrap(apperrors.KindScriptParse, errGo))
		return
	}
	rec, err := s.mgr.Start(r.Context(), env.Params.AppID, env.Params.Args)
	if err != nil {
		writeError(w, env.CommandID, err)
		return
	}
	writeRecord(w, env.CommandID, rec)
}

type appIDParams struct {
	AppID string `json:"appId"`
}

func (s *Surface) handleStop(w http.ResponseWriter, r *http.Request) {
	var env struct {
		CommandID string      `json:"commandId"`
		Params    appIDParams `json:"params"`
	}
	if errGo := json.NewDecoder(r.Body).Decode(&env); errGo != nil {
		writeError(w, "", apperrors.Wrap(apperrors.KindScriptParse, errGo))
		return
	}
	rec, err := s.mgr.Stop(r.Context(), env.Params.AppID)
	if err != nil {
		writeError(w, env.CommandID, err)
		return
	}
	writeRecord(w, env.CommandID, rec)
}

type uninstallParams struct {
	AppID string `json:"appId"`
	Purge bool   `json:"purge"`
}

func (s *Surface) handleUninstall(w http.ResponseWriter, r *http.Request) {
	var env struct {
		CommandID string          `json:"commandId"`
		Params    uninstallParams `json:"params"`
	}
	if errGo := json.NewDecoder(r.Body).Decode(&env); errGo != nil {
		writeError(w, "", apperrors.Wrap(apperrors.KindScriptParse, errGo))
		return
	}
	if err := s.mgr.Uninstall(r.Context(), env.Params.AppID, env.Params.Purge); err != nil {
		writeError(w, env.CommandID, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recordResponse{CommandID: env.CommandID})
}

func (s *Surface) handleStatus(w http.ResponseWriter, r *http.Request) {
	appID := r.URL.Query().Get("appId")
	rec := s.mgr.Status(appID)
	if rec == nil {
		writeError(w, "", apperrors.New(apperrors.KindIllegalState, "no such app").WithDetail(appID))
		return
	}
	writeRecord(w, "", rec)
}

func (s *Surface) handleList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recordResponse{Records: s.mgr.List()})
}

// handleSubscribe streams every future event as newline-delimited
// Server-Sent-Events until the client disconnects or the server shuts
// down. One subscriber channel per HTTP request, unregistered on return.
func (s *Surface) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan events.Event, 32)
	sub := s.mgr.Subscribe(ch)
	defer sub.Unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			w.Write([]byte(": keepalive\n\n"))
			flusher.Flush()
		case ev := <-ch:
			payload, errGo := json.Marshal(ev)
			if errGo != nil {
				continue
			}
			w.Write([]byte("data: "))
			w.Write(payload)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}
