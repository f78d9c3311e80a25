package script

import (
	"github.com/mitchellh/copystructure"

	"github.com/go-stack/stack"
	"github.com/pinokio-cloud/orchestrator-core/internal/apperrors"
	"github.com/pinokio-cloud/orchestrator-core/internal/resolve"
)

// Frame is the per-script-invocation execution state: the resolver Context
// (platform facts, args, env, self) plus the locals a running script
// accumulates via `local.set`, the app's working directory, and the venv
// activation env (if any) merged into every `shell.run` step. A sub-script
// invoked via `script.start`/`script.download` gets a copy of its parent's
// locals rather than a shared reference, so the sub-script cannot mutate
// state the parent still depends on after it returns — generalized from
// copystructure's use elsewhere in the ecosystem for safe config cloning.
type Frame struct {
	AppID      string
	Cwd        string
	Ctx        *resolve.Context
	Locals     map[string]interface{}
	VenvEnv    map[string]string
	ReturnVal  interface{}
	Cancelled  bool
}

// NewFrame builds the root frame for an app's script.
func NewFrame(appID, cwd string, ctx *resolve.Context) *Frame {
	return &Frame{
		AppID:  appID,
		Cwd:    cwd,
		Ctx:    ctx,
		Locals: map[string]interface{}{},
	}
}

// Push produces a child frame for a sub-script invocation: locals are
// deep-copied so the child's local.set calls cannot leak back to the
// parent, while Ctx, Cwd, VenvEnv and AppID are shared by reference
// (venv activation and platform facts are invocation-wide, not per-frame).
func (f *Frame) Push() (*Frame, *apperrors.Error) {
	copied, errGo := copystructure.Copy(f.Locals)
	if errGo != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, errGo).With("stack", stack.Trace().TrimRuntime())
	}
	locals, ok := copied.(map[string]interface{})
	if !ok {
		locals = map[string]interface{}{}
	}
	return &Frame{
		AppID:  f.AppID,
		Cwd:    f.Cwd,
		Ctx:    f.Ctx,
		Locals: locals,
		VenvEnv: f.VenvEnv,
	}, nil
}

// syncContext refreshes the resolver Context's view of locals/self before
// each step, since `local.X` and `self.X` paths read through the Context
// rather than through the Frame directly.
func (f *Frame) syncContext() {
	f.Ctx.Local = f.Locals
}
