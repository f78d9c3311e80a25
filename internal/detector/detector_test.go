package detector

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/pinokio-cloud/orchestrator-core/internal/apperrors"
)

func TestDetectEventDrivenMatchesRegex(t *testing.T) {
	lines := make(chan string, 4)
	lines <- "booting up"
	lines <- "Running on http://127.0.0.1:5173"

	res, err := Detect(context.Background(), lines, Options{
		ReadinessRegex: `Running on http://127\.0\.0\.1:(\d+)`,
		Timeout:        2 * time.Second,
		PortRangeLow:   65000,
		PortRangeHigh:  65001, // keep the scan fallback from finding anything first
	})
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if res.Port != 5173 || res.Method != "event" {
		t.Fatalf("got %+v, want port 5173 via event", res)
	}
}

func TestDetectScanFallbackFindsListeningPort(t *testing.T) {
	ln, errGo := net.Listen("tcp", "127.0.0.1:0")
	if errGo != nil {
		t.Fatalf("listen failed: %v", errGo)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})}
	go srv.Serve(ln)
	defer srv.Close()

	res, err := Detect(context.Background(), nil, Options{
		Timeout:       3 * time.Second,
		PortRangeLow:  port,
		PortRangeHigh: port,
		ScanInterval:  20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if res.Port != port || res.Method != "scan" {
		t.Fatalf("got %+v, want port %d via scan", res, port)
	}
}

func TestDetectTimesOutWithReadinessTimeoutKind(t *testing.T) {
	_, err := Detect(context.Background(), nil, Options{
		Timeout:       100 * time.Millisecond,
		PortRangeLow:  65010,
		PortRangeHigh: 65011,
		ScanInterval:  10 * time.Millisecond,
	})
	if err == nil || err.Kind != apperrors.KindReadinessTimeout {
		t.Fatalf("expected KindReadinessTimeout, got %v", err)
	}
}
