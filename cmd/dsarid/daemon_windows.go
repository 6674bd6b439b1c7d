//go:build windows

package main

import (
	"os/exec"
	"syscall"
)

const createNoWindow = 0x08000000

func configureDaemonAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP | createNoWindow,
	}
}

// isDaemonSupported reports false on Windows: the daemon relies on
// Unix signal semantics (SIGTERM escalation, SIGHUP reload) that have
// no Windows equivalent, so --fork is refused there.
func isDaemonSupported() bool { return false }
