//go:build windows

package executor

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

func terminateGroup(p *os.Process) error {
	if p == nil {
		return os.ErrProcessDone
	}
	return p.Kill()
}

func killGroup(p *os.Process) {
	if p != nil {
		_ = p.Kill()
	}
}
