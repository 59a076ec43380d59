//go:build unix && !linux

package assistant

import (
	"os/exec"
	"syscall"
)

// setProcGroup runs the subprocess in its own process group so it can be
// killed with all its descendants. Pdeathsig is Linux-only; elsewhere orphan
// cleanup relies on explicit Close/Kill calls.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcessGroup sends SIGTERM to the whole group.
func terminateProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// killProcessGroup force-kills the whole group.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
