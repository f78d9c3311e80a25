//go:build linux

package supervisor

import (
	"os/exec"
	"syscall"
)

// applyProcessGroup makes the child the leader of a new process group so
// Stop can signal the whole tree (the shell plus anything it spawned)
// instead of only the direct child.
func applyProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup sends SIGTERM (or SIGKILL if kill is true) to the process
// group led by pid. A negative pid targets the whole group under POSIX
// semantics.
func signalGroup(pid int, kill bool) error {
	sig := syscall.SIGTERM
	if kill {
		sig = syscall.SIGKILL
	}
	if err := syscall.Kill(-pid, sig); err != nil && err != syscall.ESRCH {
		return err
	}
	return nil
}
