package tunnel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pinokio-cloud/orchestrator-core/internal/apperrors"
)

type fakeProvider struct {
	name      string
	failOpen  bool
	mu        sync.Mutex
	health    Health
	opens     int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Open(ctx context.Context, port int, cred *Credential) (string, Handle, error) {
	f.mu.Lock()
	f.opens++
	f.mu.Unlock()
	if f.failOpen {
		return "", nil, errors.New("boom")
	}
	return "https://" + f.name + ".example", f.name, nil
}

func (f *fakeProvider) Probe(ctx context.Context, handle Handle) (Health, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health, nil
}

func (f *fakeProvider) Close(ctx context.Context, handle Handle) error { return nil }

func TestOpenUsesFirstSucceedingProvider(t *testing.T) {
	ngrok := &fakeProvider{name: "ngrok", failOpen: true, health: HealthHealthy}
	cf := &fakeProvider{name: "cloudflare-quick", health: HealthHealthy}
	b := NewBroker([]Provider{ngrok, cf}, nil, nil)

	rec, err := b.Open(context.Background(), "demo", 8080, []string{"ngrok", "cloudflare-quick"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if rec.Provider != "cloudflare-quick" {
		t.Fatalf("got provider %q, want cloudflare-quick", rec.Provider)
	}
}

func TestOpenFailsWhenNoProviderSucceeds(t *testing.T) {
	ngrok := &fakeProvider{name: "ngrok", failOpen: true}
	b := NewBroker([]Provider{ngrok}, nil, nil)

	_, err := b.Open(context.Background(), "demo", 8080, []string{"ngrok"})
	if err == nil || err.Kind != apperrors.KindTunnelOpenFailed {
		t.Fatalf("expected KindTunnelOpenFailed, got %v", err)
	}
}

func TestCloseStopsMonitoring(t *testing.T) {
	cf := &fakeProvider{name: "cloudflare-quick", health: HealthHealthy}
	var changes []Record
	var mu sync.Mutex
	b := NewBroker([]Provider{cf}, nil, func(appID string, rec *Record) {
		mu.Lock()
		changes = append(changes, *rec)
		mu.Unlock()
	})
	b.probeInterval = 10 * time.Millisecond

	_, err := b.Open(context.Background(), "demo", 8080, []string{"cloudflare-quick"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := b.Close(context.Background(), "demo"); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	n := len(changes)
	mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(changes) != n {
		t.Errorf("expected no further changes after Close, went from %d to %d", n, len(changes))
	}
}
