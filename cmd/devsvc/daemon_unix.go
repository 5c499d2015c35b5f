//go:build !windows

package main

import (
	"os/exec"
	"syscall"
)

// configureDaemonAttrs starts the daemon in a new session so it survives
// the terminal.
func configureDaemonAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
