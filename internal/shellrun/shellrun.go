// Package shellrun implements the Shell Runner: the Script Engine's
// shell.run backing component, foreground or daemon, with venv activation
// by environment injection. Grounded on internal/runner/cmd.go (CmdRun)
// and execscript.go, generalized from "run one job script to completion"
// to "run either to completion or detached, with an activated virtual
// environment prepended onto PATH".
package shellrun

import (
	"context"
	"os"
	"time"

	"github.com/pinokio-cloud/orchestrator-core/internal/apperrors"
	"github.com/pinokio-cloud/orchestrator-core/internal/supervisor"
)

// DefaultGrace is the SIGTERM-to-SIGKILL window used when no app-specific
// grace period is configured.
const DefaultGrace = 10 * time.Second

// Runner executes shell.run steps through a shared Supervisor.
type Runner struct {
	sup *supervisor.Supervisor
}

// New builds a Runner over sup; sup is also shared with the Lifecycle
// Manager so Stop()/status() see the same process table.
func New(sup *supervisor.Supervisor) *Runner {
	return &Runner{sup: sup}
}

// Request is one shell.run invocation.
type Request struct {
	AppID   string
	Lines   []string // single string becomes a one-element slice
	Dir     string
	Env     []string // merged process environment, venv PATH already prepended by caller
	LogPath string
	Daemon  bool
}

// RunForeground runs Lines as one shell session and blocks until it exits,
// returning the captured tail as the step's output. Used for every
// shell.run step outside an app's `daemon: true` script.
func (r *Runner) RunForeground(ctx context.Context, req Request) (output string, err *apperrors.Error) {
	p, aerr := r.sup.Start(ctx, supervisor.Spec{
		AppID:   req.AppID,
		Lines:   req.Lines,
		Dir:     req.Dir,
		Env:     req.Env,
		LogPath: req.LogPath,
	})
	if aerr != nil {
		return "", aerr
	}

	<-p.Done()
	if exitErr := p.ExitErr(); exitErr != nil {
		return p.Tail(), apperrors.Wrap(apperrors.KindShellNonZero, exitErr).
			With("appId", req.AppID).WithDetail(p.Tail())
	}
	return p.Tail(), nil
}

// RunDaemon starts Lines detached and returns immediately with the
// supervised process handle; the caller (Lifecycle Manager) registers it
// with the Server Detector for readiness instead of waiting on it here.
func (r *Runner) RunDaemon(ctx context.Context, req Request) (*supervisor.Process, *apperrors.Error) {
	return r.sup.Start(ctx, supervisor.Spec{
		AppID:   req.AppID,
		Lines:   req.Lines,
		Dir:     req.Dir,
		Env:     req.Env,
		LogPath: req.LogPath,
		Daemon:  true,
	})
}

// Stop terminates whatever is supervised for appID.
func (r *Runner) Stop(appID string, grace time.Duration) *apperrors.Error {
	return r.sup.Stop(appID, grace)
}

// MergedEnv builds the environment passed to a shell session: the current
// process environment, the app script's declared `env:` map, and
// (optionally) a venv's activation variables, applied in that priority
// order (venv wins, since it is the most specific).
func MergedEnv(scriptEnv map[string]string, venvEnv map[string]string) []string {
	merged := map[string]string{}
	for _, kv := range os.Environ() {
		k, v := splitEnv(kv)
		merged[k] = v
	}
	for k, v := range scriptEnv {
		merged[k] = v
	}
	for k, v := range venvEnv {
		merged[k] = v
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

func splitEnv(kv string) (key, value string) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:]
		}
	}
	return kv, ""
}
