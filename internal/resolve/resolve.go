// Package resolve implements the Variable Resolver: expansion of "{{...}}"
// templates inside script string arguments. Grounded on the teacher's own
// use of text/template for per-run script generation
// (internal/runner/pythonenv.go), generalized from "render a shell script
// once" to "expand every {{...}} occurrence inside an arbitrary string,
// recursively, against the current ExecutionFrame and PlatformProfile".
package resolve

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/go-stack/stack"
	"github.com/pinokio-cloud/orchestrator-core/internal/apperrors"
)

// maxDepth bounds recursive re-resolution of a template's own output, per
// spec.md's "minimum 8" requirement.
const maxDepth = 8

var templateExpr = regexp.MustCompile(`\{\{.*?\}\}`)

// GPUView is the template-friendly projection of a platform.GPU.
type GPUView struct {
	Name        string
	MemoryMiB   uint64
	CUDAVersion string
}

// String lets "{{gpus[0]}}" render as the GPU's name directly.
func (g GPUView) String() string { return g.Name }

// PortAllocator hands out the next free TCP port on demand, backing the
// "{{port}}" path.
type PortAllocator func() (int, error)

// WhichFunc resolves a command name to an absolute path, or "" if absent,
// backing the "which('cmd')" path.
type WhichFunc func(cmd string) string

// Context carries everything a "{{...}}" expression may reference. It is
// built fresh for each ExecutionFrame (args/local/cwd/self differ per
// frame) but shares the same PlatformProfile-derived fields for the life of
// the process.
type Context struct {
	Platform string
	Arch     string
	Cuda     string
	Gpus     []GPUView
	Cwd      string
	App      string
	Timestamp string
	Input    string
	Args     map[string]interface{}
	Local    map[string]interface{}
	Env      map[string]string
	Self     map[string]interface{}

	AllocatePort PortAllocator
	WhichCmd     WhichFunc
}

// templateData is the value handed to text/template; it exposes Context's
// fields plus the two callable helpers ("port", "which") as methods, since
// the spec's "{{port}}"/"{{which('cmd')}}" forms read like bare/called
// identifiers rather than struct fields.
type templateData struct {
	*Context
}

func (d templateData) Gpu() string {
	if len(d.Gpus) == 0 {
		return ""
	}
	return d.Gpus[0].Name
}

func (d templateData) Port() (int, error) {
	if d.AllocatePort == nil {
		return 0, apperrors.New(apperrors.KindUnboundVariable, "no port allocator bound to this context")
	}
	return d.AllocatePort()
}

func (d templateData) Which(cmd string) string {
	if d.WhichCmd == nil {
		return ""
	}
	return d.WhichCmd(cmd)
}

// Resolve expands every "{{...}}" occurrence in s against ctx, recursively
// re-resolving the output up to maxDepth times. An expression that
// references a name Context does not provide fails with
// apperrors.KindUnboundVariable, per spec.md's totality invariant.
func Resolve(s string, ctx *Context) (string, *apperrors.Error) {
	out := s
	for depth := 0; depth < maxDepth; depth++ {
		if !templateExpr.MatchString(out) {
			return out, nil
		}
		next, err := expandOnce(out, ctx)
		if err != nil {
			return "", err
		}
		if next == out {
			return out, nil
		}
		out = next
	}
	return out, nil
}

func expandOnce(s string, ctx *Context) (string, *apperrors.Error) {
	var firstErr *apperrors.Error
	result := templateExpr.ReplaceAllStringFunc(s, func(expr string) string {
		if firstErr != nil {
			return expr
		}
		val, err := evalExpr(expr, ctx)
		if err != nil {
			firstErr = err
			return expr
		}
		return val
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

var (
	gpusIndexRe = regexp.MustCompile(`^gpus\[(\d+)\]$`)
	whichCallRe = regexp.MustCompile(`^which\(\s*['"]([^'"]*)['"]\s*\)$`)
)

// translatePath rewrites one dotted path from the spec's grammar
// (platform, arch, gpu, gpus[n], cuda, cwd, app, timestamp, input, args.X,
// local.X, env.X, self.X, port, which('cmd')) into the dot-prefixed action
// text/template actually requires. Bare identifiers with no leading "."
// are ordinary function calls to Go templates, not field references, so
// this translation step is what makes the spec's grammar parseable at all.
func translatePath(raw string) (string, bool) {
	path := strings.TrimSpace(raw)
	switch {
	case path == "platform":
		return ".Platform", true
	case path == "arch":
		return ".Arch", true
	case path == "gpu":
		return ".Gpu", true
	case path == "cuda":
		return ".Cuda", true
	case path == "cwd":
		return ".Cwd", true
	case path == "app":
		return ".App", true
	case path == "timestamp":
		return ".Timestamp", true
	case path == "input":
		return ".Input", true
	case path == "port":
		return ".Port", true
	case strings.HasPrefix(path, "args."):
		return ".Args." + strings.TrimPrefix(path, "args."), true
	case strings.HasPrefix(path, "local."):
		return ".Local." + strings.TrimPrefix(path, "local."), true
	case strings.HasPrefix(path, "env."):
		return ".Env." + strings.TrimPrefix(path, "env."), true
	case strings.HasPrefix(path, "self."):
		return ".Self." + strings.TrimPrefix(path, "self."), true
	}
	if m := gpusIndexRe.FindStringSubmatch(path); m != nil {
		return fmt.Sprintf("index .Gpus %s", m[1]), true
	}
	if m := whichCallRe.FindStringSubmatch(path); m != nil {
		return fmt.Sprintf(".Which %q", m[1]), true
	}
	return "", false
}

func evalExpr(raw string, ctx *Context) (string, *apperrors.Error) {
	inner := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(raw, "{{"), "}}"))

	action, ok := translatePath(inner)
	if !ok {
		return "", apperrors.New(apperrors.KindUnboundVariable, "unrecognized variable reference").
			WithDetail(raw).With("stack", stack.Trace().TrimRuntime())
	}

	tpl, errGo := template.New("expr").Funcs(sprig.TxtFuncMap()).Option("missingkey=error").Parse("{{" + action + "}}")
	if errGo != nil {
		return "", apperrors.Wrap(apperrors.KindUnboundVariable, errGo).WithDetail("template parse: " + raw).
			With("stack", stack.Trace().TrimRuntime())
	}

	var buf bytes.Buffer
	data := templateData{Context: ctx}
	if errGo := tpl.Execute(&buf, data); errGo != nil {
		return "", apperrors.Wrap(apperrors.KindUnboundVariable, errGo).WithDetail("unbound variable in: " + raw).
			With("stack", stack.Trace().TrimRuntime())
	}
	return buf.String(), nil
}

// NewContext builds a Context populated from the non-frame-specific
// platform fields, ready for per-frame fields (Cwd, App, Args, Local, Env,
// Self, Input) to be filled in by the caller before use.
func NewContext(platformClass, arch string, gpus []GPUView, cuda string) *Context {
	return &Context{
		Platform: platformClass,
		Arch:     arch,
		Gpus:     gpus,
		Cuda:     cuda,
		Args:     map[string]interface{}{},
		Local:    map[string]interface{}{},
		Env:      map[string]string{},
		Self:     map[string]interface{}{},
	}
}

// FormatTimestamp renders the value a frame stamps into Context.Timestamp
// before each step runs; callers pass time.Now().UnixNano().
func FormatTimestamp(unixNano int64) string {
	return strconv.FormatInt(unixNano, 10)
}
