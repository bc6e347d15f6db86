//go:build !unix

package agent

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

// terminate has no graceful equivalent off unix.
func terminate(p *os.Process) error {
	return p.Kill()
}

func kill(p *os.Process) error {
	return p.Kill()
}

// ProcessAlive reports whether pid refers to a live process.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}
