package script

import (
	"context"
	"testing"

	"github.com/pinokio-cloud/orchestrator-core/internal/apperrors"
	"github.com/pinokio-cloud/orchestrator-core/internal/resolve"
)

func testFrame() *Frame {
	ctx := resolve.NewContext("linux", "amd64", nil, "")
	ctx.Args = map[string]interface{}{}
	ctx.Env = map[string]string{}
	ctx.Self = map[string]interface{}{}
	return NewFrame("demo", "/tmp/demo", ctx)
}

func fakeFsMethods(store map[string]string) FsMethods {
	return FsMethods{
		Write: func(base, logical, data string) *apperrors.Error {
			store[logical] = data
			return nil
		},
		Read: func(base, logical string) (string, *apperrors.Error) {
			v, ok := store[logical]
			if !ok {
				return "", apperrors.New(apperrors.KindInternal, "not found")
			}
			return v, nil
		},
		Exists: func(base, logical string) (bool, *apperrors.Error) {
			_, ok := store[logical]
			return ok, nil
		},
	}
}

func TestRunSequentialLocalSet(t *testing.T) {
	ast, errP := Parse([]byte(`{"run":[
		{"method":"local.set","params":{"greeting":"hi"}},
		{"method":"log","params":{"message":"{{local.greeting}}"}}
	]}`))
	if errP != nil {
		t.Fatalf("Parse failed: %v", errP)
	}
	var logged string
	eng := NewEngine(Methods{Log: func(f *Frame, level, message string) { logged = message }}, nil)
	f := testFrame()
	if err := eng.Run(context.Background(), ast, f); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if logged != "hi" {
		t.Errorf("got log message %q, want %q", logged, "hi")
	}
}

func TestRunWhenSkipsStep(t *testing.T) {
	ast, errP := Parse([]byte(`{"run":[
		{"method":"local.set","params":{"flag":false}},
		{"method":"log","when":"{{local.flag}} == true","params":{"message":"should not run"}}
	]}`))
	if errP != nil {
		t.Fatalf("Parse failed: %v", errP)
	}
	ran := false
	eng := NewEngine(Methods{Log: func(f *Frame, level, message string) { ran = true }}, nil)
	if err := eng.Run(context.Background(), ast, testFrame()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if ran {
		t.Error("expected gated log step to be skipped")
	}
}

func TestRunJumpSkipsForward(t *testing.T) {
	ast, errP := Parse([]byte(`{"run":[
		{"method":"jump","params":{"id":"last"}},
		{"id":"middle","method":"log","params":{"message":"skipped"}},
		{"id":"last","method":"log","params":{"message":"reached"}}
	]}`))
	if errP != nil {
		t.Fatalf("Parse failed: %v", errP)
	}
	var seen []string
	eng := NewEngine(Methods{Log: func(f *Frame, level, message string) { seen = append(seen, message) }}, nil)
	if err := eng.Run(context.Background(), ast, testFrame()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(seen) != 1 || seen[0] != "reached" {
		t.Errorf("got %v, want [reached]", seen)
	}
}

func TestRunOnHandlerSkipsFailedStep(t *testing.T) {
	store := map[string]string{}
	ast, errP := Parse([]byte(`{"run":[
		{"method":"fs.read","params":{"path":"missing.txt"},"on":[{"event":"internal","return":"skip"}]},
		{"method":"log","params":{"message":"after"}}
	]}`))
	if errP != nil {
		t.Fatalf("Parse failed: %v", errP)
	}
	var seen string
	eng := NewEngine(Methods{
		Fs:  fakeFsMethods(store),
		Log: func(f *Frame, level, message string) { seen = message },
	}, nil)
	if err := eng.Run(context.Background(), ast, testFrame()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if seen != "after" {
		t.Errorf("expected execution to continue past skipped failing step, got %q", seen)
	}
}

func TestRunUnknownMethodRejectedAtParse(t *testing.T) {
	_, err := Parse([]byte(`{"run":[{"method":"bogus.op"}]}`))
	if err == nil || err.Kind != apperrors.KindUnknownMethod {
		t.Fatalf("expected KindUnknownMethod, got %v", err)
	}
}

func TestParseRejectsUnknownJumpTarget(t *testing.T) {
	_, err := Parse([]byte(`{"run":[{"method":"jump","params":{"id":"nowhere"}}]}`))
	if err == nil || err.Kind != apperrors.KindScriptParse {
		t.Fatalf("expected KindScriptParse, got %v", err)
	}
}

func TestScriptReturnStopsExecution(t *testing.T) {
	ast, errP := Parse([]byte(`{"run":[
		{"method":"script.return","params":{"value":"done"}},
		{"method":"log","params":{"message":"unreachable"}}
	]}`))
	if errP != nil {
		t.Fatalf("Parse failed: %v", errP)
	}
	ran := false
	eng := NewEngine(Methods{Log: func(f *Frame, level, message string) { ran = true }}, nil)
	f := testFrame()
	if err := eng.Run(context.Background(), ast, f); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if ran {
		t.Error("expected steps after script.return to never run")
	}
	if f.ReturnVal != "done" {
		t.Errorf("got ReturnVal %v, want %q", f.ReturnVal, "done")
	}
}

func TestJumpMergesParamsIntoLocals(t *testing.T) {
	ast, errP := Parse([]byte(`{"run":[
		{"id":"top","method":"log","params":{"message":"{{local.n}}"}},
		{"method":"jump","params":{"id":"done","params":{"n":"again"}}},
		{"id":"done","method":"log","params":{"message":"{{local.n}}"}}
	]}`))
	if errP != nil {
		t.Fatalf("Parse failed: %v", errP)
	}
	var seen []string
	eng := NewEngine(Methods{Log: func(f *Frame, level, message string) { seen = append(seen, message) }}, nil)
	f := testFrame()
	f.Locals["n"] = "before"
	if err := eng.Run(context.Background(), ast, f); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(seen) != 2 || seen[0] != "before" || seen[1] != "again" {
		t.Errorf("got %v, want [before again]", seen)
	}
}

func TestJumpByIndex(t *testing.T) {
	ast, errP := Parse([]byte(`{"run":[
		{"method":"jump","params":{"index":2}},
		{"method":"log","params":{"message":"skipped"}},
		{"method":"log","params":{"message":"reached"}}
	]}`))
	if errP != nil {
		t.Fatalf("Parse failed: %v", errP)
	}
	var seen []string
	eng := NewEngine(Methods{Log: func(f *Frame, level, message string) { seen = append(seen, message) }}, nil)
	if err := eng.Run(context.Background(), ast, testFrame()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(seen) != 1 || seen[0] != "reached" {
		t.Errorf("got %v, want [reached]", seen)
	}
}

func TestShellRunAcceptsMessageStringOrSlice(t *testing.T) {
	var gotLines []string
	eng := NewEngine(Methods{
		ShellRun: func(ctx context.Context, f *Frame, p ShellRunParams) (string, *apperrors.Error) {
			gotLines = p.Lines
			return "hello\n", nil
		},
	}, nil)
	ast, errP := Parse([]byte(`{"run":[{"method":"shell.run","params":{"message":"echo hello"}}]}`))
	if errP != nil {
		t.Fatalf("Parse failed: %v", errP)
	}
	f := testFrame()
	if err := eng.Run(context.Background(), ast, f); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(gotLines) != 1 || gotLines[0] != "echo hello" {
		t.Errorf("got lines %v, want [echo hello]", gotLines)
	}

	ast, errP = Parse([]byte(`{"run":[{"method":"shell.run","params":{"message":["cd app","python app.py"]}}]}`))
	if errP != nil {
		t.Fatalf("Parse failed: %v", errP)
	}
	if err := eng.Run(context.Background(), ast, testFrame()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(gotLines) != 2 || gotLines[0] != "cd app" || gotLines[1] != "python app.py" {
		t.Errorf("got lines %v, want [cd app, python app.py]", gotLines)
	}
}

func TestStepOutputFeedsNextStepInput(t *testing.T) {
	var seenInput string
	ast, errP := Parse([]byte(`{"run":[
		{"method":"shell.run","params":{"message":"echo hello"}},
		{"method":"log","params":{"message":"{{input}}"}}
	]}`))
	if errP != nil {
		t.Fatalf("Parse failed: %v", errP)
	}
	eng := NewEngine(Methods{
		ShellRun: func(ctx context.Context, f *Frame, p ShellRunParams) (string, *apperrors.Error) {
			return "hello\n", nil
		},
		Log: func(f *Frame, level, message string) { seenInput = message },
	}, nil)
	if err := eng.Run(context.Background(), ast, testFrame()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if seenInput != "hello\n" {
		t.Errorf("got {{input}} %q, want %q", seenInput, "hello\n")
	}
}

func TestLocalSetInvokesPersistenceHook(t *testing.T) {
	var persisted map[string]interface{}
	ast, errP := Parse([]byte(`{"run":[{"method":"local.set","params":{"n":"done"}}]}`))
	if errP != nil {
		t.Fatalf("Parse failed: %v", errP)
	}
	eng := NewEngine(Methods{
		LocalSet: func(f *Frame, vars map[string]interface{}) { persisted = vars },
	}, nil)
	f := testFrame()
	if err := eng.Run(context.Background(), ast, f); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if f.Locals["n"] != "done" {
		t.Errorf("f.Locals[n] = %v, want done", f.Locals["n"])
	}
	if persisted["n"] != "done" {
		t.Errorf("persisted[n] = %v, want done", persisted["n"])
	}
}

func TestFramePushDeepCopiesLocals(t *testing.T) {
	f := testFrame()
	f.Locals["key"] = "parent"
	child, err := f.Push()
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	child.Locals["key"] = "child"
	if f.Locals["key"] != "parent" {
		t.Errorf("parent frame mutated by child: got %v", f.Locals["key"])
	}
}
