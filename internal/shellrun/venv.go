package shellrun

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/karlmutch/ccache"

	"github.com/go-stack/stack"
	"github.com/pinokio-cloud/orchestrator-core/internal/apperrors"
)

// venvInstallCacheTTL bounds how long this process trusts "requirements
// for this venv are already satisfied" without re-running pip, grounded on
// pythonenvcache.go's maxUnusedPeriod idea applied to install state rather
// than whole-environment reuse.
const venvInstallCacheTTL = 2 * time.Hour

// VenvManager creates, activates, and destroys per-app Python virtual
// environments rooted under the directory given to NewVenvManager. Activation is by
// environment-variable injection (PATH prepended with the venv's bin
// directory, VIRTUAL_ENV set) rather than sourcing an activate script, so
// it composes with the Shell Runner's single-exec-per-session model.
type VenvManager struct {
	root  string
	cache *ccache.Cache
}

// NewVenvManager roots every venv at <root>/<appId>.
func NewVenvManager(root string) *VenvManager {
	return &VenvManager{
		root:  root,
		cache: ccache.New(ccache.Configure()),
	}
}

// Handle is the opaque venv reference stored on AppRecord.
type Handle struct {
	Path          string // e.g. <root>/venvs/<appId>
	ActivationEnv map[string]string
}

// Path returns the venv root for appID without creating it.
func (m *VenvManager) Path(appID string) string {
	return filepath.Join(m.root, appID)
}

// Create builds a fresh Python venv for appID using the system python3. It
// is a no-op (success) if the venv directory already exists and looks
// valid, mirroring fs.download's idempotent-on-match behavior.
func (m *VenvManager) Create(ctx context.Context, appID string) (*Handle, *apperrors.Error) {
	path := m.Path(appID)
	binDir := filepath.Join(path, "bin")

	if _, errGo := os.Stat(filepath.Join(binDir, "python3")); errGo == nil {
		return m.Activate(appID), nil
	}

	if errGo := os.MkdirAll(filepath.Dir(path), 0o755); errGo != nil {
		return nil, apperrors.Wrap(apperrors.KindVenvFailed, errGo).With("appId", appID).
			With("stack", stack.Trace().TrimRuntime())
	}

	cmd := exec.CommandContext(ctx, "python3", "-m", "venv", path)
	if out, errGo := cmd.CombinedOutput(); errGo != nil {
		return nil, apperrors.Wrap(apperrors.KindVenvFailed, errGo).With("appId", appID).
			WithDetail(string(out)).With("stack", stack.Trace().TrimRuntime())
	}

	return m.Activate(appID), nil
}

// Activate returns the environment-variable injection for an already
// created venv; it does not itself verify the venv exists.
func (m *VenvManager) Activate(appID string) *Handle {
	path := m.Path(appID)
	binDir := filepath.Join(path, "bin")
	return &Handle{
		Path: path,
		ActivationEnv: map[string]string{
			"VIRTUAL_ENV": path,
			"PATH":        binDir + string(os.PathListSeparator) + os.Getenv("PATH"),
			"PYTHONNOUSERSITE": "1",
		},
	}
}

// Destroy removes the venv directory entirely.
func (m *VenvManager) Destroy(appID string) *apperrors.Error {
	if errGo := os.RemoveAll(m.Path(appID)); errGo != nil {
		return apperrors.Wrap(apperrors.KindVenvFailed, errGo).With("appId", appID).With("stack", stack.Trace().TrimRuntime())
	}
	m.cache.Delete(appID)
	return nil
}

// EnsureRequirements runs `pip install <requirements...>` inside the venv
// unless an install already satisfied the identical requirement set
// within venvInstallCacheTTL, avoiding a redundant pip resolve on every
// start of an already-installed app (pythonenvcache.go's reuse idea,
// applied per requirement-set instead of per whole environment).
func (m *VenvManager) EnsureRequirements(ctx context.Context, appID string, requirements []string) *apperrors.Error {
	if len(requirements) == 0 {
		return nil
	}

	key := appID + ":" + requirementsFingerprint(requirements)
	if item := m.cache.Get(key); item != nil && !item.Expired() {
		return nil
	}

	handle := m.Activate(appID)
	args := append([]string{"install"}, requirements...)
	// #nosec G204 -- requirements originate from the app's own install
	// script, already trusted to the same degree as the rest of that script
	cmd := exec.CommandContext(ctx, filepath.Join(handle.Path, "bin", "pip"), args...)
	cmd.Env = envSlice(handle.ActivationEnv)

	if out, errGo := cmd.CombinedOutput(); errGo != nil {
		return apperrors.Wrap(apperrors.KindVenvFailed, errGo).With("appId", appID).
			WithDetail(string(out)).With("stack", stack.Trace().TrimRuntime())
	}

	m.cache.Set(key, true, venvInstallCacheTTL)
	return nil
}

func requirementsFingerprint(requirements []string) string {
	h := fnv.New64a()
	for _, r := range requirements {
		h.Write([]byte(r))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum64())
}

func envSlice(m map[string]string) []string {
	out := make([]string, 0, len(m)+len(os.Environ()))
	for _, kv := range os.Environ() {
		out = append(out, kv)
	}
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out
}
