// Package platform implements the Platform Abstraction: a single read-only
// PlatformProfile produced once at process start by a detection ladder, and
// the Path Mapper that every other component uses to turn logical script
// paths into host-absolute ones.
//
// Resource detection (CPU, memory, GPU) is grounded on the teacher runner's
// internal/cpu_resource and internal/cuda packages, generalized from "what
// can I allocate to this one job" accounting into "what does this immutable
// profile report for the lifetime of the process".
package platform

import (
	"os"
	"time"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv"
)

// HostClass is the closed set of cloud notebook host tags the Platform
// Probe can identify. generic-linux is the ladder's fallback when nothing
// more specific matches.
type HostClass string

const (
	HostColab       HostClass = "colab"
	HostVastAI      HostClass = "vast-ai"
	HostLightningAI HostClass = "lightning-ai"
	HostPaperspace  HostClass = "paperspace"
	HostRunPod      HostClass = "runpod"
	HostGenericLinux HostClass = "generic-linux"
)

// GPU describes one detected accelerator.
type GPU struct {
	Name        string
	MemoryMiB   uint64
	CUDAVersion string // empty when undetectable
}

// Limits captures the resource caps the profile reports; zero means
// "unbounded/unknown" to callers, never "deny everything".
type Limits struct {
	CPUCount uint
	MemoryMiB uint64
	DiskMiB   uint64
}

// PlatformProfile is immutable after Probe() returns. No field is ever
// mutated in place; a fresh probe would be required to observe a change,
// and the orchestrator never re-probes mid-process.
type PlatformProfile struct {
	Class            HostClass
	Root             string
	TempDir          string
	PersistenceDir   string
	GPUs             []GPU
	Limits           Limits
	Capabilities     map[string]bool // e.g. "conda", "node", "git"
	Containerized    bool
	AllowsRawSignals bool
	detectedAt       time.Time
}

// DetectedAt is informational only; it does not make the profile mutable.
func (p *PlatformProfile) DetectedAt() time.Time { return p.detectedAt }

// GPUInfo implements the Platform Abstraction's gpuInfo() method.
func (p *PlatformProfile) GPUInfo() []GPU { return p.GPUs }

// LimitsOf implements the Platform Abstraction's limits() method.
func (p *PlatformProfile) LimitsOf() Limits { return p.Limits }

// IsContainerized implements isContainerized().
func (p *PlatformProfile) IsContainerized() bool { return p.Containerized }

// AllowsSignals implements allowsRawSignals().
func (p *PlatformProfile) AllowsSignals() bool { return p.AllowsRawSignals }

// HasCommand implements hasCommand(name).
func (p *PlatformProfile) HasCommand(name string) bool { return p.Capabilities[name] }

// RootDir implements root().
func (p *PlatformProfile) RootDir() string { return p.Root }

// TempDirOf implements tempDir().
func (p *PlatformProfile) TempDirOf() string { return p.TempDir }

// PersistenceDirOf implements persistenceDir().
func (p *PlatformProfile) PersistenceDirOf() string { return p.PersistenceDir }

// Probe runs the detection ladder exactly once and returns the resulting
// immutable profile. override, when non-empty, forces the host class the
// way the PLATFORM_OVERRIDE environment variable does (spec.md §6.4); it is
// intended for diagnostics and tests.
func Probe(override string) (profile *PlatformProfile, err kv.Error) {
	class := HostClass(override)
	if class == "" {
		class = detectClass()
	}

	root := os.Getenv("PINOKIO_ROOT")
	if root == "" {
		r, errGo := defaultRootFor(class)
		if errGo != nil {
			return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
		}
		root = r
	}

	caps := detectCapabilities()
	gpus, errGo := detectGPUs()
	if errGo != nil {
		// GPU detection failure is not fatal to the probe: a host with no
		// GPUs (or a broken nvidia-smi) still produces a valid profile
		// with an empty GPU list.
		gpus = []GPU{}
	}

	limits, errLim := detectLimits()
	if errLim != nil {
		return nil, kv.Wrap(errLim).With("stack", stack.Trace().TrimRuntime())
	}

	return &PlatformProfile{
		Class:            class,
		Root:             root,
		TempDir:          os.TempDir(),
		PersistenceDir:   persistenceDirFor(class, root),
		GPUs:             gpus,
		Limits:           limits,
		Capabilities:     caps,
		Containerized:    detectContainerized(),
		AllowsRawSignals: detectAllowsRawSignals(class),
		detectedAt:       time.Now(),
	}, nil
}
