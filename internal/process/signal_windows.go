//go:build windows

package process

import "os"

// Windows has no process groups signals; terminate and kill both end the process.
func terminateGroup(pid int) error { return killPID(pid) }
func killGroup(pid int) error      { return killPID(pid) }

func killPID(pid int) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}
