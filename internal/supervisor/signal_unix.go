//go:build unix

package supervisor

import (
	"os/exec"
	"syscall"
)

// setProcAttr places the child in its own process group so signals aimed at
// the orchestrator's group never reach children, and so terminate/kill can
// take down a child together with anything it forked. Launch options that
// would reuse the parent's stdio or detach the child from waitpid are never
// set anywhere.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalTerm sends SIGTERM to the child's process group.
func signalTerm(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGTERM)
}

// signalKill sends SIGKILL to the child's process group.
func signalKill(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}
