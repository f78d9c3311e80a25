package tunnel

import (
	"context"
	"sync"
	"time"

	"github.com/lthibault/jitterbug"

	"github.com/go-stack/stack"
	"github.com/pinokio-cloud/orchestrator-core/internal/apperrors"
)

// Record mirrors registry.TunnelRecord's shape without importing
// internal/registry, so this package stays free to unit test standalone;
// cmd/orchestratord copies Record fields into a registry.TunnelRecord
// after each OnChange callback.
type Record struct {
	Provider  string
	LocalPort int
	PublicURL string
	CreatedAt time.Time
	Health    Health
}

// OnChange is invoked whenever a tunnel's Record changes (opened,
// health transition, closed), so the Lifecycle Manager can persist it
// into the Registry without the broker depending on that package.
type OnChange func(appID string, rec *Record)

type tunnelState struct {
	providerIdx int
	handle      Handle
	rec         Record
	consecutiveFails int
	stop        chan struct{}
	mu          sync.Mutex
}

// Broker opens, monitors, and closes tunnels across a set of registered
// providers, one active tunnel per app id at a time.
type Broker struct {
	providers map[string]Provider
	creds     CredentialSource
	onChange  OnChange

	probeInterval  time.Duration
	maxFailures    int

	mu     sync.Mutex
	active map[string]*tunnelState
}

// NewBroker registers providers by name; creds may be nil (no credential
// source configured — every provider is tried credential-less).
func NewBroker(providers []Provider, creds CredentialSource, onChange OnChange) *Broker {
	m := make(map[string]Provider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	if onChange == nil {
		onChange = func(string, *Record) {}
	}
	return &Broker{
		providers:     m,
		creds:         creds,
		onChange:      onChange,
		probeInterval: DefaultProbeInterval,
		maxFailures:   DefaultMaxConsecutiveFailures,
		active:        map[string]*tunnelState{},
	}
}

// SetProbeInterval overrides the health-probe cadence new monitor loops use;
// tunnels already being monitored keep their existing ticker until reopened.
func (b *Broker) SetProbeInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInterval = d
}

// Open tries preferences in order, returning the first provider that
// succeeds. A provider requiring credentials we don't have is skipped
// silently. Once opened, the tunnel is monitored on a periodic re-probe
// schedule until Close is called for appID.
func (b *Broker) Open(ctx context.Context, appID string, localPort int, preferences []string) (*Record, *apperrors.Error) {
	var lastErr *apperrors.Error
	for idx, name := range preferences {
		provider, ok := b.providers[name]
		if !ok {
			continue
		}
		rec, handle, errOpen := b.tryOpen(ctx, provider, localPort)
		if errOpen != nil {
			lastErr = errOpen
			continue
		}
		st := &tunnelState{providerIdx: idx, rec: *rec, handle: handle, stop: make(chan struct{})}
		b.mu.Lock()
		b.active[appID] = st
		b.mu.Unlock()
		b.onChange(appID, &st.rec)
		go b.monitor(appID, provider, preferences, st)
		return &st.rec, nil
	}
	if lastErr == nil {
		lastErr = apperrors.New(apperrors.KindTunnelOpenFailed, "no provider in preference list succeeded or had usable credentials")
	}
	return nil, lastErr
}

func (b *Broker) tryOpen(ctx context.Context, provider Provider, localPort int) (*Record, Handle, *apperrors.Error) {
	openCtx, cancel := context.WithTimeout(ctx, DefaultOpenTimeout)
	defer cancel()

	var cred *Credential
	if b.creds != nil {
		c, errGo := b.creds.Fetch(openCtx, provider.Name())
		if errGo == nil {
			cred = c
		}
	}

	url, handle, errGo := provider.Open(openCtx, localPort, cred)
	if errGo != nil {
		return nil, nil, apperrors.Wrap(apperrors.KindTunnelOpenFailed, errGo).With("provider", provider.Name()).
			With("stack", stack.Trace().TrimRuntime())
	}
	return &Record{
		Provider:  provider.Name(),
		LocalPort: localPort,
		PublicURL: url,
		CreatedAt: time.Now(),
		Health:    HealthHealthy,
	}, handle, nil
}

// monitor re-probes the tunnel on a jittered periodic schedule, marking
// it degraded after isolated failures and dead after maxFailures
// consecutive ones, at which point it retries the same provider exactly
// once before failing over to the next preference.
func (b *Broker) monitor(appID string, provider Provider, preferences []string, st *tunnelState) {
	ticker := jitterbug.New(b.probeInterval, jitterbug.Uniform{Min: b.probeInterval / 2})
	defer ticker.Stop()

	retriedSameProvider := false
	for {
		select {
		case <-st.stop:
			return
		case <-ticker.C:
			st.mu.Lock()
			handle := st.handle
			st.mu.Unlock()
			health, errGo := provider.Probe(context.Background(), handle)
			st.mu.Lock()
			if errGo != nil || health == HealthDead {
				st.consecutiveFails++
				st.rec.Health = HealthDegraded
			} else {
				st.consecutiveFails = 0
				st.rec.Health = health
			}
			fails := st.consecutiveFails
			st.mu.Unlock()

			if fails < b.maxFailures {
				b.onChange(appID, &st.rec)
				continue
			}

			st.mu.Lock()
			st.rec.Health = HealthDead
			st.mu.Unlock()
			b.onChange(appID, &st.rec)

			provider.Close(context.Background(), st.handle)

			if !retriedSameProvider {
				retriedSameProvider = true
				if rec, handle, err := b.tryOpen(context.Background(), provider, st.rec.LocalPort); err == nil {
					st.mu.Lock()
					st.handle = handle
					st.rec = *rec
					st.consecutiveFails = 0
					st.mu.Unlock()
					b.onChange(appID, &st.rec)
					continue
				}
			}

			b.failover(appID, preferences, st)
			return
		}
	}
}

// failover advances past the dead provider to the next preference,
// reopening the tunnel under the same monitor goroutine's identity.
func (b *Broker) failover(appID string, preferences []string, st *tunnelState) {
	for i := st.providerIdx + 1; i < len(preferences); i++ {
		provider, ok := b.providers[preferences[i]]
		if !ok {
			continue
		}
		if rec, handle, err := b.tryOpen(context.Background(), provider, st.rec.LocalPort); err == nil {
			st.mu.Lock()
			st.providerIdx = i
			st.rec = *rec
			st.handle = handle
			st.consecutiveFails = 0
			st.mu.Unlock()
			b.onChange(appID, &st.rec)
			go b.monitor(appID, provider, preferences, st)
			return
		}
	}
	st.mu.Lock()
	st.rec.Health = HealthDead
	st.mu.Unlock()
	b.onChange(appID, &st.rec)
}

// Close stops monitoring and releases appID's active tunnel, if any.
func (b *Broker) Close(ctx context.Context, appID string) *apperrors.Error {
	b.mu.Lock()
	st, ok := b.active[appID]
	if ok {
		delete(b.active, appID)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}
	close(st.stop)

	name := recordProviderName(st)
	st.mu.Lock()
	provider, pok := b.providers[name]
	handle := st.handle
	st.mu.Unlock()
	if pok && handle != nil {
		if errGo := provider.Close(ctx, handle); errGo != nil {
			return apperrors.Wrap(apperrors.KindInternal, errGo).With("stack", stack.Trace().TrimRuntime())
		}
	}
	return nil
}

func recordProviderName(st *tunnelState) string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.rec.Provider
}
