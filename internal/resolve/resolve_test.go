package resolve

import (
	"testing"

	"github.com/pinokio-cloud/orchestrator-core/internal/apperrors"
)

func testContext() *Context {
	ctx := NewContext("colab", "amd64", []GPUView{
		{Name: "Tesla T4", MemoryMiB: 15360, CUDAVersion: "11.8"},
	}, "11.8")
	ctx.Cwd = "/content/pinokio/apps/demo"
	ctx.App = "demo"
	ctx.Input = "previous-output"
	ctx.Args["name"] = "world"
	ctx.Local["count"] = "3"
	ctx.Env["HOME"] = "/root"
	ctx.Self["port"] = "7860"
	ctx.WhichCmd = func(cmd string) string {
		if cmd == "python3" {
			return "/usr/bin/python3"
		}
		return ""
	}
	return ctx
}

func TestResolveSimplePaths(t *testing.T) {
	ctx := testContext()

	cases := map[string]string{
		"{{platform}}":     "colab",
		"{{arch}}":         "amd64",
		"{{gpu}}":          "Tesla T4",
		"{{gpus[0]}}":      "Tesla T4",
		"{{cuda}}":         "11.8",
		"{{cwd}}":          "/content/pinokio/apps/demo",
		"{{app}}":          "demo",
		"{{input}}":        "previous-output",
		"{{args.name}}":    "world",
		"{{local.count}}":  "3",
		"{{env.HOME}}":     "/root",
		"{{self.port}}":    "7860",
		"{{which('python3')}}": "/usr/bin/python3",
		"{{which('ffmpeg')}}":  "",
	}

	for expr, want := range cases {
		got, err := Resolve(expr, ctx)
		if err != nil {
			t.Fatalf("Resolve(%q) returned error: %v", expr, err)
		}
		if got != want {
			t.Errorf("Resolve(%q) = %q, want %q", expr, got, want)
		}
	}
}

func TestResolveInsideLargerString(t *testing.T) {
	ctx := testContext()
	got, err := Resolve("hello {{args.name}}, cwd is {{cwd}}", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "hello world, cwd is /content/pinokio/apps/demo"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestResolveUnboundVariableFails(t *testing.T) {
	ctx := testContext()
	_, err := Resolve("{{args.missing}}", ctx)
	if err == nil {
		t.Fatal("expected unbound-variable error, got nil")
	}
	if err.Kind != apperrors.KindUnboundVariable {
		t.Errorf("got kind %q, want %q", err.Kind, apperrors.KindUnboundVariable)
	}
}

func TestResolveRecursiveDepth(t *testing.T) {
	ctx := testContext()
	ctx.Args["wrapped"] = "{{app}}"
	got, err := Resolve("{{args.wrapped}}", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "demo" {
		t.Errorf("got %q, want recursively resolved %q", got, "demo")
	}
}

func TestEvalWhenEquality(t *testing.T) {
	ctx := testContext()

	cases := map[string]bool{
		`{{platform}} == "colab"`:              true,
		`{{platform}} == "vast-ai"`:            false,
		`{{platform}} != "vast-ai"`:            true,
		`{{platform}} == "colab" && {{gpu}} != ""`: true,
		`{{platform}} == "vast-ai" || {{gpu}} != ""`: true,
		`!({{platform}} == "vast-ai")`:          true,
		`true`:  true,
		`false`: false,
	}

	for expr, want := range cases {
		got, err := EvalWhen(expr, ctx)
		if err != nil {
			t.Fatalf("EvalWhen(%q) returned error: %v", expr, err)
		}
		if got != want {
			t.Errorf("EvalWhen(%q) = %v, want %v", expr, got, want)
		}
	}
}

func TestEvalWhenUnboundIsFalseNotError(t *testing.T) {
	ctx := testContext()
	got, err := EvalWhen(`{{args.missing}} == "anything"`, ctx)
	if err != nil {
		t.Fatalf("unbound when must not error, got: %v", err)
	}
	if got != false {
		t.Errorf("unbound when must evaluate false, got true")
	}
}
