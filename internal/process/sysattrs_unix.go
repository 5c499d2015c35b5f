//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr starts detached children in their own session so they
// survive the supervisor and are not hit by terminal signals. Other children
// get their own process group so Stop can signal the whole tree.
func configureSysProcAttr(cmd *exec.Cmd, spec Spec) {
	attrs := &syscall.SysProcAttr{}
	if spec.Detached {
		attrs.Setsid = true
	} else {
		attrs.Setpgid = true
	}
	cmd.SysProcAttr = attrs
}
