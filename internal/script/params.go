package script

import (
	"encoding/json"

	"github.com/go-stack/stack"
	"github.com/pinokio-cloud/orchestrator-core/internal/apperrors"
	"github.com/pinokio-cloud/orchestrator-core/internal/resolve"
)

// decode unmarshals a step's raw params into dst, resolving every string
// field in raw against f.Ctx first so `{{...}}` expansion happens exactly
// once, in one place, for every method implementation.
func decode(raw json.RawMessage, f *Frame, dst interface{}) *apperrors.Error {
	if len(raw) == 0 {
		return nil
	}
	var generic map[string]interface{}
	if errGo := json.Unmarshal(raw, &generic); errGo != nil {
		// not an object (jump is decoded separately via decodeJumpParams);
		// fall through to a direct unmarshal of dst.
		if errGo2 := json.Unmarshal(raw, dst); errGo2 != nil {
			return apperrors.Wrap(apperrors.KindScriptParse, errGo2).With("stack", stack.Trace().TrimRuntime())
		}
		return nil
	}
	resolved, errR := resolveTree(generic, f.Ctx)
	if errR != nil {
		return errR
	}
	out, errGo := json.Marshal(resolved)
	if errGo != nil {
		return apperrors.Wrap(apperrors.KindInternal, errGo).With("stack", stack.Trace().TrimRuntime())
	}
	if errGo := json.Unmarshal(out, dst); errGo != nil {
		return apperrors.Wrap(apperrors.KindScriptParse, errGo).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// resolveTree walks a decoded JSON value, expanding every string leaf
// against ctx via resolve.Resolve.
func resolveTree(v interface{}, ctx *resolve.Context) (interface{}, *apperrors.Error) {
	switch t := v.(type) {
	case string:
		return resolve.Resolve(t, ctx)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			r, err := resolveTree(vv, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			r, err := resolveTree(vv, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// StringOrSlice decodes a JSON value that is either a bare string or an
// array of strings, normalizing the scalar form to a one-element slice.
type StringOrSlice []string

// UnmarshalJSON accepts both `"echo hi"` and `["echo hi","echo bye"]`.
func (s *StringOrSlice) UnmarshalJSON(data []byte) error {
	var single string
	if errGo := json.Unmarshal(data, &single); errGo == nil {
		*s = StringOrSlice{single}
		return nil
	}
	var multi []string
	if errGo := json.Unmarshal(data, &multi); errGo != nil {
		return errGo
	}
	*s = StringOrSlice(multi)
	return nil
}

// ShellRunParams is shell.run's argument bag. Message is the documented
// input form (string or array of strings, run as a single shell session so
// a `cd` in one line persists to the next); Lines is kept as an additional
// alias some scripts use directly, and Message's entries are appended after
// any Lines.
type ShellRunParams struct {
	Message StringOrSlice `json:"message,omitempty"`
	Lines   []string      `json:"lines,omitempty"`
	Cwd     string        `json:"cwd,omitempty"`
	Venv    bool          `json:"venv,omitempty"`
	Daemon  bool          `json:"daemon,omitempty"`
}

func decodeShellRunParams(raw json.RawMessage, f *Frame) (ShellRunParams, *apperrors.Error) {
	var p ShellRunParams
	if err := decode(raw, f, &p); err != nil {
		return p, err
	}
	if len(p.Message) > 0 {
		p.Lines = append(p.Lines, []string(p.Message)...)
	}
	return p, nil
}

// NetRequestParams is net.request's argument bag.
type NetRequestParams struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	Into    string             `json:"into,omitempty"`
}

func decodeNetRequestParams(raw json.RawMessage, f *Frame) (NetRequestParams, *apperrors.Error) {
	var p NetRequestParams
	err := decode(raw, f, &p)
	return p, err
}

// InputParams is input's argument bag.
type InputParams struct {
	Prompt string `json:"prompt"`
	Into   string `json:"into,omitempty"`
}

func decodeInputParams(raw json.RawMessage, f *Frame) (InputParams, *apperrors.Error) {
	var p InputParams
	err := decode(raw, f, &p)
	return p, err
}

// LocalSetParams is local.set's argument bag: a direct key/value map
// written into the frame's locals, e.g. {"n": "done", "ready": true}.
type LocalSetParams map[string]interface{}

func decodeLocalSetParams(raw json.RawMessage, f *Frame) (LocalSetParams, *apperrors.Error) {
	var p LocalSetParams
	err := decode(raw, f, &p)
	return p, err
}

// LogParams is log's argument bag.
type LogParams struct {
	Level   string `json:"level,omitempty"`
	Message string `json:"message"`
}

func decodeLogParams(raw json.RawMessage, f *Frame) (LogParams, *apperrors.Error) {
	var p LogParams
	err := decode(raw, f, &p)
	if p.Level == "" {
		p.Level = "info"
	}
	return p, err
}

// NotifyParams is notify's argument bag.
type NotifyParams struct {
	Message string `json:"message"`
}

func decodeNotifyParams(raw json.RawMessage, f *Frame) (NotifyParams, *apperrors.Error) {
	var p NotifyParams
	err := decode(raw, f, &p)
	return p, err
}

// WebOpenParams is web.open's argument bag.
type WebOpenParams struct {
	URL string `json:"url"`
}

func decodeWebOpenParams(raw json.RawMessage, f *Frame) (WebOpenParams, *apperrors.Error) {
	var p WebOpenParams
	err := decode(raw, f, &p)
	return p, err
}

// HFDownloadParams is hf.download's argument bag, for pulling a model or
// dataset repo from the Hugging Face Hub into the app's (or the shared
// models) tree.
type HFDownloadParams struct {
	Repo     string `json:"repo"`
	RepoType string `json:"repoType,omitempty"` // "model" (default) | "dataset" | "space"
	Revision string `json:"revision,omitempty"`
	Into     string `json:"into"`
	Shared   bool   `json:"shared,omitempty"`
}

func decodeHFDownloadParams(raw json.RawMessage, f *Frame) (HFDownloadParams, *apperrors.Error) {
	var p HFDownloadParams
	err := decode(raw, f, &p)
	if p.RepoType == "" {
		p.RepoType = "model"
	}
	return p, err
}

// ScriptStartParams is script.start/script.download's argument bag: the
// target app id and the input/args to hand its own script invocation.
type ScriptStartParams struct {
	AppID string                 `json:"appId"`
	Input string                 `json:"input,omitempty"`
	Args  map[string]interface{} `json:"args,omitempty"`
}

func decodeScriptStartParams(raw json.RawMessage, f *Frame) (ScriptStartParams, *apperrors.Error) {
	var p ScriptStartParams
	err := decode(raw, f, &p)
	return p, err
}

// ScriptStopParams is script.stop's argument bag.
type ScriptStopParams struct {
	AppID string `json:"appId"`
}

func decodeScriptStopParams(raw json.RawMessage, f *Frame) (ScriptStopParams, *apperrors.Error) {
	var p ScriptStopParams
	err := decode(raw, f, &p)
	return p, err
}

// ScriptReturnParams is script.return's argument bag.
type ScriptReturnParams struct {
	Value interface{} `json:"value,omitempty"`
}

func decodeScriptReturnParams(raw json.RawMessage, f *Frame) (ScriptReturnParams, *apperrors.Error) {
	var p ScriptReturnParams
	err := decode(raw, f, &p)
	return p, err
}
