package script

import (
	"encoding/json"
	"fmt"

	"github.com/go-stack/stack"
	"github.com/pinokio-cloud/orchestrator-core/internal/apperrors"
)

// Parse decodes raw script JSON into a ScriptAST, validating that every
// step's method is one of the closed set this package implements and that
// every `on: {return: "jump:<id>"}` handler and every `jump` step target
// names a step id that actually exists in the script. Both checks run at
// parse time rather than at execution time, so an app's script is rejected
// at install time instead of failing mid-run on a step nobody reached yet.
func Parse(raw []byte) (*ScriptAST, *apperrors.Error) {
	var ast ScriptAST
	if errGo := json.Unmarshal(raw, &ast); errGo != nil {
		return nil, apperrors.Wrap(apperrors.KindScriptParse, errGo).With("stack", stack.Trace().TrimRuntime())
	}

	ids := map[string]bool{}
	for i := range ast.Run {
		ast.Run[i].Index = i
		if ast.Run[i].ID != "" {
			if ids[ast.Run[i].ID] {
				return nil, apperrors.New(apperrors.KindScriptParse, "duplicate step id").WithDetail(ast.Run[i].ID)
			}
			ids[ast.Run[i].ID] = true
		}
	}

	for i := range ast.Run {
		step := &ast.Run[i]
		if !knownMethods[step.Method] {
			return nil, apperrors.New(apperrors.KindUnknownMethod, "unrecognized step method").WithDetail(string(step.Method))
		}
		if step.Method == MethodJump {
			jt, errP := decodeJumpParams(step.Params)
			if errP != nil {
				return nil, errP
			}
			if errJ := validateJumpTarget(jt, ids, len(ast.Run)); errJ != nil {
				return nil, errJ
			}
		}
		for _, h := range step.On {
			if target, ok := jumpTargetFromReturn(h.Return); ok {
				if errJ := validateTarget(target, ids); errJ != nil {
					return nil, errJ
				}
			}
		}
	}
	return &ast, nil
}

// jumpTarget is jump's argument bag: transfer by Index (0-based, takes
// precedence) or ID, optionally merging Params into the frame's locals
// before resuming.
type jumpTarget struct {
	ID     string                 `json:"id,omitempty"`
	Index  *int                   `json:"index,omitempty"`
	Params map[string]interface{} `json:"params,omitempty"`
}

func decodeJumpParams(raw json.RawMessage) (jumpTarget, *apperrors.Error) {
	var p jumpTarget
	if len(raw) == 0 {
		return p, apperrors.New(apperrors.KindScriptParse, "jump step missing params.id or params.index")
	}
	if errGo := json.Unmarshal(raw, &p); errGo != nil {
		return p, apperrors.Wrap(apperrors.KindScriptParse, errGo).With("stack", stack.Trace().TrimRuntime())
	}
	if p.ID == "" && p.Index == nil {
		return p, apperrors.New(apperrors.KindScriptParse, "jump step missing params.id or params.index")
	}
	return p, nil
}

// validateJumpTarget checks a jump's target at parse time: an index must be
// in range, an id must name a step present in the script.
func validateJumpTarget(jt jumpTarget, ids map[string]bool, numSteps int) *apperrors.Error {
	if jt.Index != nil {
		if *jt.Index < 0 || *jt.Index >= numSteps {
			return apperrors.New(apperrors.KindScriptParse, fmt.Sprintf("jump index %d is out of range for a %d-step script", *jt.Index, numSteps))
		}
		return nil
	}
	return validateTarget(jt.ID, ids)
}

// jumpTargetFromReturn extracts "<id>" out of an on-handler's "jump:<id>"
// return value; ok is false for "retry"/"skip" or any other return value.
func jumpTargetFromReturn(ret string) (string, bool) {
	const prefix = "jump:"
	if len(ret) > len(prefix) && ret[:len(prefix)] == prefix {
		return ret[len(prefix):], true
	}
	return "", false
}

func validateTarget(target string, ids map[string]bool) *apperrors.Error {
	if !ids[target] {
		return apperrors.New(apperrors.KindScriptParse, fmt.Sprintf("jump target %q does not name a step id in this script", target))
	}
	return nil
}
