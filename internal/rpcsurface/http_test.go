package rpcsurface

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/pinokio-cloud/orchestrator-core/internal/apperrors"
	"github.com/pinokio-cloud/orchestrator-core/internal/events"
	"github.com/pinokio-cloud/orchestrator-core/internal/lifecycle"
	"github.com/pinokio-cloud/orchestrator-core/internal/registry"
)

func testSurface(t *testing.T) *Surface {
	t.Helper()
	reg, err := registry.New(filepath.Join(t.TempDir(), "registry.json"))
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	bus := events.NewBus(ctx)
	start := func(context.Context, *registry.AppRecord, map[string]interface{}) (*lifecycle.StartResult, *apperrors.Error) {
		return &lifecycle.StartResult{Port: 7860}, nil
	}
	mgr := lifecycle.NewManager(reg, bus, nil, start, nil, nil)
	return NewSurface(mgr)
}

func TestHandleInstallAndStatus(t *testing.T) {
	s := testSurface(t)
	mux := http.NewServeMux()
	s.Register(mux)

	body, _ := json.Marshal(map[string]interface{}{
		"commandId": "c1",
		"params": map[string]interface{}{
			"appId":      "demo",
			"descriptor": map[string]string{"sourceLocator": "git:demo"},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/apps/install", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("install status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp recordResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Record == nil || resp.Record.State != registry.StateInstalled {
		t.Fatalf("unexpected record: %+v", resp.Record)
	}

	statusReq := httptest.NewRequest(http.MethodGet, "/v1/apps/status?appId=demo", nil)
	statusRec := httptest.NewRecorder()
	mux.ServeHTTP(statusRec, statusReq)
	if statusRec.Code != http.StatusOK {
		t.Fatalf("status code = %d", statusRec.Code)
	}
}

func TestHandleStopUnknownAppReturnsConflict(t *testing.T) {
	s := testSurface(t)
	mux := http.NewServeMux()
	s.Register(mux)

	body, _ := json.Marshal(map[string]interface{}{"commandId": "c2", "params": map[string]string{"appId": "ghost"}})
	req := httptest.NewRequest(http.MethodPost, "/v1/apps/stop", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("got %d, want 409", rec.Code)
	}
}

func TestHandleListReturnsEmptySetInitially(t *testing.T) {
	s := testSurface(t)
	mux := http.NewServeMux()
	s.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/v1/apps/list", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var resp recordResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Records) != 0 {
		t.Fatalf("expected empty list, got %d", len(resp.Records))
	}
}
