//go:build windows

package proc

import (
	"os/exec"
	"syscall"
)

// Prepare starts the child in a new process group, detached from our console
// control events.
func Prepare(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.CreationFlags |= syscall.CREATE_NEW_PROCESS_GROUP
}

func signalGroup(int, bool) {}
