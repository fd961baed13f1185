//go:build !windows

package proc

import (
	"os/exec"
	"syscall"
)

// Prepare places the child in its own process group so the whole tree can
// be signalled at once.
func Prepare(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// signalGroup signals the process group led by pid. Descendants that were
// reparented before enumeration are still reached this way.
func signalGroup(pid int, force bool) {
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	_ = syscall.Kill(-pid, sig)
}
