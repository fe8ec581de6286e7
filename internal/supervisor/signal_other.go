//go:build !unix

package supervisor

import (
	"os"
	"os/exec"
)

func setProcAttr(*exec.Cmd) {}

// Without process groups the best available escalation is a plain Kill on
// both steps.
func signalTerm(pid int) {
	if p, err := os.FindProcess(pid); err == nil {
		_ = p.Kill()
	}
}

func signalKill(pid int) {
	if p, err := os.FindProcess(pid); err == nil {
		_ = p.Kill()
	}
}
