//go:build windows

package process

import (
	"os"
	"os/exec"
)

func configureSysProcAttr(_ *exec.Cmd) {}

// Windows has no SIGTERM; both steps kill the process.
func terminateGroup(pid int) error { return killGroup(pid) }

func killGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
