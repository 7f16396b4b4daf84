//go:build !unix

package encoder

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

// signalGroup has no group semantics here; both signals kill the process.
func signalGroup(cmd *exec.Cmd, _ os.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}

var (
	sigTerm os.Signal = os.Kill
	sigKill os.Signal = os.Kill
)
