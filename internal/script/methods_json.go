package script

import (
	"encoding/json"
	"strings"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/valyala/fastjson"

	"github.com/go-stack/stack"
	"github.com/pinokio-cloud/orchestrator-core/internal/apperrors"
)

// JSONMethods implements json.read/write/get/set/merge/rm directly against
// fastjson (dot-path navigation, the same parser style the teacher's own
// request handling uses for loosely-typed payloads) and evanphx/json-patch
// (RFC 7386 merge-patch semantics for json.merge). Both are existing
// direct teacher dependencies; this package is the first to exercise them
// for app-config manipulation rather than request/response bodies.
type JSONMethods struct {
	Fs FsMethods
}

type jsonReadParams struct {
	Path string `json:"path"`
	Into string `json:"into,omitempty"`
}
type jsonWriteParams struct {
	Path  string      `json:"path"`
	Value interface{} `json:"value"`
}
type jsonGetParams struct {
	Path string `json:"path"`
	Key  string `json:"key"`
	Into string `json:"into,omitempty"`
}
type jsonSetParams struct {
	Path  string      `json:"path"`
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}
type jsonMergeParams struct {
	Path  string      `json:"path"`
	Patch interface{} `json:"patch"`
}
type jsonRmParams struct {
	Path string `json:"path"`
	Key  string `json:"key"`
}

func dispatchJSON(m JSONMethods, f *Frame, step Step) (interface{}, *apperrors.Error) {
	switch step.Method {
	case MethodJSONRead:
		var p jsonReadParams
		if err := decode(step.Params, f, &p); err != nil {
			return nil, err
		}
		raw, err := m.Fs.Read(f.Cwd, p.Path)
		if err != nil {
			return nil, err
		}
		var v interface{}
		if errGo := json.Unmarshal([]byte(raw), &v); errGo != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, errGo).With("path", p.Path).With("stack", stack.Trace().TrimRuntime())
		}
		if p.Into != "" {
			f.Locals[p.Into] = v
		}
		return v, nil

	case MethodJSONWrite:
		var p jsonWriteParams
		if err := decode(step.Params, f, &p); err != nil {
			return nil, err
		}
		out, errGo := json.MarshalIndent(p.Value, "", "  ")
		if errGo != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, errGo).With("path", p.Path).With("stack", stack.Trace().TrimRuntime())
		}
		return nil, m.Fs.Write(f.Cwd, p.Path, string(out))

	case MethodJSONGet:
		var p jsonGetParams
		if err := decode(step.Params, f, &p); err != nil {
			return nil, err
		}
		raw, err := m.Fs.Read(f.Cwd, p.Path)
		if err != nil {
			return nil, err
		}
		val, errP := fastjsonGet(raw, p.Key)
		if errP != nil {
			return nil, errP
		}
		if p.Into != "" {
			f.Locals[p.Into] = val
		}
		return val, nil

	case MethodJSONSet:
		var p jsonSetParams
		if err := decode(step.Params, f, &p); err != nil {
			return nil, err
		}
		raw, err := m.Fs.Read(f.Cwd, p.Path)
		if err != nil {
			raw = "{}"
		}
		updated, errP := fastjsonSet(raw, p.Key, p.Value)
		if errP != nil {
			return nil, errP
		}
		return nil, m.Fs.Write(f.Cwd, p.Path, updated)

	case MethodJSONMerge:
		var p jsonMergeParams
		if err := decode(step.Params, f, &p); err != nil {
			return nil, err
		}
		raw, err := m.Fs.Read(f.Cwd, p.Path)
		if err != nil {
			raw = "{}"
		}
		patchBytes, errGo := json.Marshal(p.Patch)
		if errGo != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, errGo).With("stack", stack.Trace().TrimRuntime())
		}
		merged, errGo := jsonpatch.MergePatch([]byte(raw), patchBytes)
		if errGo != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, errGo).With("path", p.Path).With("stack", stack.Trace().TrimRuntime())
		}
		return nil, m.Fs.Write(f.Cwd, p.Path, string(merged))

	case MethodJSONRm:
		var p jsonRmParams
		if err := decode(step.Params, f, &p); err != nil {
			return nil, err
		}
		raw, err := m.Fs.Read(f.Cwd, p.Path)
		if err != nil {
			return nil, err
		}
		updated, errP := fastjsonRm(raw, p.Key)
		if errP != nil {
			return nil, errP
		}
		return nil, m.Fs.Write(f.Cwd, p.Path, updated)

	default:
		return nil, apperrors.New(apperrors.KindUnknownMethod, "unrecognized json.* method").WithDetail(string(step.Method))
	}
}

// splitKey turns a dotted key like "server.port" into path segments for
// fastjson.Value.Get, which takes a variadic []string of object keys (no
// array-index segments beyond what fastjson itself understands via
// bracket-free numeric keys).
func splitKey(key string) []string {
	if key == "" {
		return nil
	}
	return strings.Split(key, ".")
}

func fastjsonGet(raw, key string) (interface{}, *apperrors.Error) {
	var p fastjson.Parser
	v, errGo := p.Parse(raw)
	if errGo != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, errGo).With("stack", stack.Trace().TrimRuntime())
	}
	target := v.Get(splitKey(key)...)
	if target == nil {
		return nil, nil
	}
	var out interface{}
	if errGo := json.Unmarshal(target.MarshalTo(nil), &out); errGo != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, errGo).With("stack", stack.Trace().TrimRuntime())
	}
	return out, nil
}

func fastjsonSet(raw, key string, value interface{}) (string, *apperrors.Error) {
	var p fastjson.Parser
	root, errGo := p.Parse(raw)
	if errGo != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, errGo).With("stack", stack.Trace().TrimRuntime())
	}
	valBytes, errGo := json.Marshal(value)
	if errGo != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, errGo).With("stack", stack.Trace().TrimRuntime())
	}
	newVal, errGo := fastjson.ParseBytes(valBytes)
	if errGo != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, errGo).With("stack", stack.Trace().TrimRuntime())
	}
	segs := splitKey(key)
	if len(segs) == 0 {
		return newVal.String(), nil
	}
	var arena fastjson.Arena
	cur := root
	for _, seg := range segs[:len(segs)-1] {
		next := cur.Get(seg)
		if next == nil || next.Type() != fastjson.TypeObject {
			next = arena.NewObject()
			cur.Set(seg, next)
		}
		cur = next
	}
	cur.Set(segs[len(segs)-1], newVal)
	return root.String(), nil
}

func fastjsonRm(raw, key string) (string, *apperrors.Error) {
	var p fastjson.Parser
	root, errGo := p.Parse(raw)
	if errGo != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, errGo).With("stack", stack.Trace().TrimRuntime())
	}
	segs := splitKey(key)
	if len(segs) == 0 {
		return raw, nil
	}
	cur := root
	for _, seg := range segs[:len(segs)-1] {
		next := cur.Get(seg)
		if next == nil {
			return root.String(), nil
		}
		cur = next
	}
	cur.Del(segs[len(segs)-1])
	return root.String(), nil
}
