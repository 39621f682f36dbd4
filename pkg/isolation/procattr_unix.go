//go:build !windows

package isolation

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcessGroup starts the child in its own process group so the whole tree can be killed.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessTree sends SIGKILL to the child's process group.
func killProcessTree(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}

// isPrivileged reports whether the process runs as root.
func isPrivileged() bool {
	return os.Geteuid() == 0
}
