// Package tunnel implements the Tunnel Broker: given a local port and an
// ordered provider preference list, opens a public URL through the first
// provider that succeeds, re-probes it on a jittered schedule, and fails
// over to the next preferred provider after a bounded run of consecutive
// probe failures (retrying the same provider exactly once first).
// Grounded on internal/vault/vault.go for credential fetch (same
// hashicorp/vault/api client shape, generalized from "fetch one object
// store key pair" to "fetch one provider's auth token"),
// internal/runner/secret_store.go for passing fetched credentials through
// a memguard enclave, and internal/runner/trigger.go for the
// jitterbug-driven periodic re-probe ticker.
package tunnel

import (
	"context"
	"time"
)

// Health is a TunnelRecord's closed set of health states.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthDead     Health = "dead"
)

// Handle is an opaque, provider-specific reference returned by Open and
// passed back into Probe/Close. Providers may store anything behind it
// (a subprocess, a connection, an API session id).
type Handle interface{}

// Provider is the closed-set interface every tunnel backend implements.
type Provider interface {
	// Name returns the provider's tag, used in preference lists and
	// persisted into TunnelRecord.Provider.
	Name() string
	// Open starts a tunnel to localPort, returning the public URL and an
	// opaque handle. cred is nil when no credential was available; a
	// provider that requires one returns an error, and the broker then
	// moves on to the next preference rather than surfacing a hard failure.
	Open(ctx context.Context, localPort int, cred *Credential) (publicURL string, handle Handle, err error)
	// Probe reports the current health of a previously opened handle.
	Probe(ctx context.Context, handle Handle) (Health, error)
	// Close releases handle and any resources it holds.
	Close(ctx context.Context, handle Handle) error
}

// Credential is the authentication material fetched for a provider at
// open time. It is never persisted into an AppRecord/TunnelRecord. Token is
// a plain Go string; it is not held in a memguard enclave.
type Credential struct {
	Token string
}

// CredentialSource fetches a Credential for provider, or returns
// (nil, nil) if none is configured/available — the caller treats that as
// "try this provider without credentials", not as an error.
type CredentialSource interface {
	Fetch(ctx context.Context, provider string) (*Credential, error)
}

// DefaultOpenTimeout bounds a single provider Open call.
const DefaultOpenTimeout = 1 * time.Minute

// DefaultProbeInterval is the re-probe schedule's base period; jittered
// per-tick by the broker to avoid every app's tunnel probing in lockstep.
const DefaultProbeInterval = 30 * time.Second

// DefaultMaxConsecutiveFailures is the bounded run of probe failures
// after which a tunnel is marked dead and a same-provider reopen is
// attempted exactly once before failing over.
const DefaultMaxConsecutiveFailures = 3
