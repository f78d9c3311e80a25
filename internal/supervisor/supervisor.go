// Package supervisor owns every process the orchestrator starts on behalf
// of an app: process-group lifetime, signal escalation, output capture, and
// reaping. Grounded on the teacher's internal/runner/execscript.go
// goroutine-pump (RunScript/procOutput): a command is written to a
// generated shell script and exec'd once so a multi-line shell.run step
// keeps one shell session (cd, env exports persist across lines), stdout is
// scanned rune-by-rune so a readiness regex can match mid-line, stderr
// line-by-line, and both are batched into the per-app log file on a
// 2-second ticker.
package supervisor

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/karlmutch/circbuf"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv"
	"github.com/pinokio-cloud/orchestrator-core/internal/apperrors"
)

// ringSize bounds the in-memory tail kept per process at 256KiB, enough to
// show a user.
const ringSize = 256 * 1024

// Spec describes one process to start.
type Spec struct {
	AppID      string
	Lines      []string // shell command lines, run as a single bash session
	Dir        string
	Env        []string
	LogPath    string
	Daemon     bool
}

// Process is a running (or just-exited) supervised process.
type Process struct {
	AppID   string
	Pid     int
	LogPath string

	cmd      *exec.Cmd
	ring     *circbuf.Buffer
	lines    chan string
	done     chan struct{}
	scriptFN string

	mu      sync.Mutex
	exited  bool
	exitErr error
}

// Lines streams stdout, one line at a time, for a readiness detector to
// scan. The channel is closed when the process exits.
func (p *Process) Lines() <-chan string { return p.lines }

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Tail returns the bounded in-memory combined stdout/stderr tail.
func (p *Process) Tail() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.ring.Bytes())
}

// ExitErr is non-nil if the process exited with a non-zero status or
// failed to start; valid only after Done() is closed.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Supervisor tracks every live process, keyed by app id. An app has at most
// one supervised process at a time.
type Supervisor struct {
	mu    sync.Mutex
	procs map[string]*Process
}

// New returns an empty Supervisor.
func New() *Supervisor {
	return &Supervisor{procs: map[string]*Process{}}
}

// Get returns the process currently registered for appID, if any.
func (s *Supervisor) Get(appID string) (*Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[appID]
	return p, ok
}

// Start writes spec.Lines to a generated bash script and execs it as one
// session, registering the result under spec.AppID. Only one process may be
// registered per app id at a time.
func (s *Supervisor) Start(ctx context.Context, spec Spec) (*Process, *apperrors.Error) {
	s.mu.Lock()
	if _, exists := s.procs[spec.AppID]; exists {
		s.mu.Unlock()
		return nil, apperrors.New(apperrors.KindIllegalState, "a process is already supervised for this app").With("appId", spec.AppID)
	}
	s.mu.Unlock()

	scriptFN, errGo := writeScript(spec.Dir, spec.Lines)
	if errGo != nil {
		return nil, apperrors.Wrap(apperrors.KindShellNonZero, errGo).With("stack", stack.Trace().TrimRuntime())
	}

	cmd := exec.CommandContext(ctx, "/bin/bash", scriptFN)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	applyProcessGroup(cmd)

	stdout, errGo := cmd.StdoutPipe()
	if errGo != nil {
		return nil, apperrors.Wrap(apperrors.KindShellNonZero, errGo).With("stack", stack.Trace().TrimRuntime())
	}
	stderr, errGo := cmd.StderrPipe()
	if errGo != nil {
		return nil, apperrors.Wrap(apperrors.KindShellNonZero, errGo).With("stack", stack.Trace().TrimRuntime())
	}

	ring, _ := circbuf.NewBuffer(ringSize)
	logFile, errGo := os.OpenFile(filepath.Clean(spec.LogPath), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if errGo != nil {
		return nil, apperrors.Wrap(apperrors.KindShellNonZero, errGo).With("logPath", spec.LogPath).
			With("stack", stack.Trace().TrimRuntime())
	}

	p := &Process{
		AppID:    spec.AppID,
		LogPath:  spec.LogPath,
		cmd:      cmd,
		ring:     ring,
		lines:    make(chan string, 64),
		done:     make(chan struct{}),
		scriptFN: scriptFN,
	}

	if errGo := cmd.Start(); errGo != nil {
		logFile.Close()
		os.Remove(scriptFN)
		return nil, apperrors.Wrap(apperrors.KindShellNonZero, errGo).With("appId", spec.AppID).
			With("stack", stack.Trace().TrimRuntime())
	}
	p.Pid = cmd.Process.Pid

	s.mu.Lock()
	s.procs[spec.AppID] = p
	s.mu.Unlock()

	outC := make(chan []byte, 64)
	errC := make(chan string, 64)
	stopWriter := make(chan struct{})

	var ioWG sync.WaitGroup
	ioWG.Add(2)
	go pumpStdout(&ioWG, stdout, outC, p)
	go pumpStderr(&ioWG, stderr, errC)
	go pumpOutput(stopWriter, logFile, ring, outC, errC)

	go func() {
		ioWG.Wait()
		waitErr := cmd.Wait()
		close(stopWriter)
		close(p.lines)

		p.mu.Lock()
		p.exited = true
		if waitErr != nil {
			p.exitErr = kv.Wrap(waitErr).With("appId", spec.AppID).With("stack", stack.Trace().TrimRuntime())
		}
		p.mu.Unlock()

		os.Remove(p.scriptFN)
		close(p.done)

		s.mu.Lock()
		if s.procs[spec.AppID] == p {
			delete(s.procs, spec.AppID)
		}
		s.mu.Unlock()
	}()

	return p, nil
}

// Stop signals the process group SIGTERM, escalating to SIGKILL after
// grace, then waits for Done() so callers never observe a zombie.
func (s *Supervisor) Stop(appID string, grace time.Duration) *apperrors.Error {
	p, ok := s.Get(appID)
	if !ok {
		return nil // idempotent: nothing to stop
	}

	if err := signalGroup(p.Pid, false); err != nil {
		return apperrors.Wrap(apperrors.KindShellNonZero, err).With("appId", appID).With("stack", stack.Trace().TrimRuntime())
	}

	select {
	case <-p.Done():
		return nil
	case <-time.After(grace):
	}

	if err := signalGroup(p.Pid, true); err != nil {
		return apperrors.Wrap(apperrors.KindShellNonZero, err).With("appId", appID).With("stack", stack.Trace().TrimRuntime())
	}
	<-p.Done()
	return nil
}

func writeScript(dir string, lines []string) (string, error) {
	f, errGo := os.CreateTemp("", "pinokio-run-*.sh")
	if errGo != nil {
		return "", errGo
	}
	defer f.Close()

	buf := bytes.Buffer{}
	buf.WriteString("#!/bin/bash\nset -e\n")
	if dir != "" {
		buf.WriteString("cd " + shellQuote(dir) + "\n")
	}
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteString("\n")
	}
	if _, errGo := f.Write(buf.Bytes()); errGo != nil {
		return "", errGo
	}
	return f.Name(), os.Chmod(f.Name(), 0o700)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
