package script

import (
	"context"
	"fmt"

	"github.com/go-stack/stack"
	"github.com/pinokio-cloud/orchestrator-core/internal/apperrors"
	"github.com/pinokio-cloud/orchestrator-core/internal/resolve"
)

// StepEvent is emitted to Engine's EventFunc before/after each step, for
// the lifecycle event broadcaster and RPC surface to report progress
// without the engine depending on either.
type StepEvent struct {
	AppID   string
	Index   int
	Method  Method
	Status  apperrors.Status
	Detail  string
}

// EventFunc receives a StepEvent; nil is a valid no-op subscriber.
type EventFunc func(StepEvent)

// InputFunc blocks until an operator supplies a value for an `input` step,
// or returns a non-nil error (typically KindInputCancelled) if the
// invocation is abandoned before an answer arrives.
type InputFunc func(ctx context.Context, appID, prompt string) (string, *apperrors.Error)

// Methods bundles every side-effecting dependency a step implementation
// needs, so Engine itself stays free of import-level coupling to
// shellrun/fsapi/net and can be unit tested with fakes.
type Methods struct {
	ShellRun     func(ctx context.Context, f *Frame, p ShellRunParams) (string, *apperrors.Error)
	Fs           FsMethods
	JSON         JSONMethods
	Net          func(ctx context.Context, f *Frame, p NetRequestParams) (string, *apperrors.Error)
	Input        InputFunc
	LocalSet     func(f *Frame, vars map[string]interface{})
	Notify       func(f *Frame, message string)
	Log          func(f *Frame, level, message string)
	WebOpen      func(f *Frame, url string)
	HFDownload   func(ctx context.Context, f *Frame, p HFDownloadParams) *apperrors.Error
	SubScript    SubScriptMethods
}

// SubScriptMethods wires script.start/stop/download/return to the
// lifecycle/registry layer that knows how to resolve an app id's own
// installed script and manage its own supervised process.
type SubScriptMethods struct {
	Start    func(ctx context.Context, f *Frame, p ScriptStartParams) *apperrors.Error
	Stop     func(ctx context.Context, f *Frame, appID string) *apperrors.Error
	Download func(ctx context.Context, f *Frame, p ScriptStartParams) *apperrors.Error
}

// Engine interprets a ScriptAST against a Frame, one step at a time.
type Engine struct {
	methods Methods
	events  EventFunc
}

// NewEngine builds an Engine. events may be nil.
func NewEngine(methods Methods, events EventFunc) *Engine {
	if events == nil {
		events = func(StepEvent) {}
	}
	return &Engine{methods: methods, events: events}
}

// maxJumps bounds total jump-driven re-entries into the run loop, so a
// script with a jump cycle (a bug in the app's own script, not something
// the engine can statically rule out since `when:` gates jumps dynamically)
// fails loudly with KindInternal instead of hanging the host forever.
const maxJumps = 10000

// Run executes ast against f from its first step, following jump/on:
// handlers, until the run falls off the end, a script.return step sets
// f.ReturnVal, or a step fails with no matching on: handler.
func (e *Engine) Run(ctx context.Context, ast *ScriptAST, f *Frame) *apperrors.Error {
	jumps := 0
	i := 0
	for i < len(ast.Run) {
		if ctx.Err() != nil {
			return apperrors.Wrap(apperrors.KindCancelled, ctx.Err()).With("stack", stack.Trace().TrimRuntime())
		}
		step := ast.Run[i]
		f.syncContext()

		if step.When != "" {
			ok, errW := resolve.EvalWhen(step.When, f.Ctx)
			if errW != nil {
				return errW
			}
			if !ok {
				e.events(StepEvent{AppID: f.AppID, Index: i, Method: step.Method, Status: apperrors.StatusSkipped})
				i++
				continue
			}
		}

		result, next, errStep := e.runStep(ctx, f, step, ast)
		if errStep == nil {
			e.events(StepEvent{AppID: f.AppID, Index: i, Method: step.Method, Status: apperrors.StatusOK})
			if f.ReturnVal != nil || f.Cancelled {
				return nil
			}
			f.Ctx.Input = stepOutputString(result)
			if next >= 0 {
				jumps++
				if jumps > maxJumps {
					return apperrors.New(apperrors.KindInternal, "exceeded maximum jump count, likely a jump cycle")
				}
				i = next
				continue
			}
			i++
			continue
		}

		handled, nextOnErr, errHandler := e.runOnHandlers(ctx, f, step, errStep, ast)
		if errHandler != nil {
			return errHandler
		}
		if !handled {
			e.events(StepEvent{AppID: f.AppID, Index: i, Method: step.Method, Status: apperrors.StatusFailed, Detail: errStep.Error()})
			return errStep
		}
		_ = result
		if nextOnErr == -2 {
			// retry: re-run the same index
			continue
		}
		jumps++
		if jumps > maxJumps {
			return apperrors.New(apperrors.KindInternal, "exceeded maximum jump count, likely a jump cycle")
		}
		i = nextOnErr
	}
	return nil
}

// stepOutputString renders a step's returned output for `{{input}}` to pick
// up on the next step; most methods already return a string, so this only
// does real work for the handful (fs.exists, fs.readdir) that don't.
func stepOutputString(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// runOnHandlers evaluates step's on: clauses against errStep's Kind as the
// event name. Returns handled=false when no clause matches (caller should
// surface errStep as-is). nextIndex is -2 for "retry", step.Index+1 for
// "skip", or a concrete index for "jump:<id>".
func (e *Engine) runOnHandlers(ctx context.Context, f *Frame, step Step, errStep *apperrors.Error, ast *ScriptAST) (handled bool, nextIndex int, err *apperrors.Error) {
	for _, h := range step.On {
		if h.Event != string(errStep.Kind) && h.Event != "error" {
			continue
		}
		switch h.Return {
		case "retry":
			return true, -2, nil
		case "skip":
			return true, step.Index + 1, nil
		default:
			if target, ok := jumpTargetFromReturn(h.Return); ok {
				idx := ast.IndexOfID(target)
				if idx < 0 {
					return true, 0, apperrors.New(apperrors.KindInternal, "on: handler jump target vanished at runtime").WithDetail(target)
				}
				return true, idx, nil
			}
		}
	}
	return false, 0, nil
}

// runStep dispatches one step to its method implementation. next is -1 to
// mean "advance sequentially"; a non-negative value is an explicit jump
// target index (used by the `jump` method itself).
func (e *Engine) runStep(ctx context.Context, f *Frame, step Step, ast *ScriptAST) (interface{}, int, *apperrors.Error) {
	switch step.Method {
	case MethodShellRun:
		p, errP := decodeShellRunParams(step.Params, f)
		if errP != nil {
			return nil, -1, errP
		}
		out, errS := e.methods.ShellRun(ctx, f, p)
		return out, -1, errS

	case MethodFsWrite, MethodFsRead, MethodFsDownload, MethodFsCopy, MethodFsMove,
		MethodFsRemove, MethodFsExists, MethodFsMkdir, MethodFsReaddir, MethodFsRmdir, MethodFsLink:
		out, errS := dispatchFs(ctx, e.methods.Fs, f, step)
		return out, -1, errS

	case MethodJSONRead, MethodJSONWrite, MethodJSONGet, MethodJSONSet, MethodJSONMerge, MethodJSONRm:
		out, errS := dispatchJSON(e.methods.JSON, f, step)
		return out, -1, errS

	case MethodNetRequest:
		p, errP := decodeNetRequestParams(step.Params, f)
		if errP != nil {
			return nil, -1, errP
		}
		out, errS := e.methods.Net(ctx, f, p)
		return out, -1, errS

	case MethodInput:
		p, errP := decodeInputParams(step.Params, f)
		if errP != nil {
			return nil, -1, errP
		}
		answer, errI := e.methods.Input(ctx, f.AppID, p.Prompt)
		if errI != nil {
			return nil, -1, errI
		}
		if p.Into != "" {
			f.Locals[p.Into] = answer
		}
		return answer, -1, nil

	case MethodLocalSet:
		p, errP := decodeLocalSetParams(step.Params, f)
		if errP != nil {
			return nil, -1, errP
		}
		for k, v := range p {
			f.Locals[k] = v
		}
		if e.methods.LocalSet != nil {
			e.methods.LocalSet(f, p)
		}
		return nil, -1, nil

	case MethodLog:
		p, errP := decodeLogParams(step.Params, f)
		if errP != nil {
			return nil, -1, errP
		}
		if e.methods.Log != nil {
			e.methods.Log(f, p.Level, p.Message)
		}
		return nil, -1, nil

	case MethodNotify:
		p, errP := decodeNotifyParams(step.Params, f)
		if errP != nil {
			return nil, -1, errP
		}
		if e.methods.Notify != nil {
			e.methods.Notify(f, p.Message)
		}
		return nil, -1, nil

	case MethodWebOpen:
		p, errP := decodeWebOpenParams(step.Params, f)
		if errP != nil {
			return nil, -1, errP
		}
		if e.methods.WebOpen != nil {
			e.methods.WebOpen(f, p.URL)
		}
		return nil, -1, nil

	case MethodHFDownload:
		p, errP := decodeHFDownloadParams(step.Params, f)
		if errP != nil {
			return nil, -1, errP
		}
		return nil, -1, e.methods.HFDownload(ctx, f, p)

	case MethodScriptStart:
		p, errP := decodeScriptStartParams(step.Params, f)
		if errP != nil {
			return nil, -1, errP
		}
		return nil, -1, e.methods.SubScript.Start(ctx, f, p)

	case MethodScriptStop:
		p, errP := decodeScriptStopParams(step.Params, f)
		if errP != nil {
			return nil, -1, errP
		}
		return nil, -1, e.methods.SubScript.Stop(ctx, f, p.AppID)

	case MethodScriptDownload:
		p, errP := decodeScriptStartParams(step.Params, f)
		if errP != nil {
			return nil, -1, errP
		}
		return nil, -1, e.methods.SubScript.Download(ctx, f, p)

	case MethodScriptReturn:
		p, errP := decodeScriptReturnParams(step.Params, f)
		if errP != nil {
			return nil, -1, errP
		}
		f.ReturnVal = p.Value
		if f.ReturnVal == nil {
			f.ReturnVal = true
		}
		return nil, -1, nil

	case MethodJump:
		jt, errP := decodeJumpParams(step.Params)
		if errP != nil {
			return nil, -1, errP
		}
		idx := -1
		if jt.Index != nil {
			idx = *jt.Index
			if idx < 0 || idx >= len(ast.Run) {
				return nil, -1, apperrors.New(apperrors.KindInternal, "jump index out of range at runtime").WithDetail(fmt.Sprintf("%d", idx))
			}
		} else {
			idx = ast.IndexOfID(jt.ID)
			if idx < 0 {
				return nil, -1, apperrors.New(apperrors.KindInternal, "jump target vanished at runtime").WithDetail(jt.ID)
			}
		}
		for k, v := range jt.Params {
			f.Locals[k] = v
		}
		return nil, idx, nil

	default:
		return nil, -1, apperrors.New(apperrors.KindUnknownMethod, "unrecognized step method").WithDetail(string(step.Method))
	}
}
