//go:build !unix

package proc

import (
	"os"
	"os/exec"
	"time"
)

func OwnGroup(*exec.Cmd) {}

func KillGroupOnCancel(cmd *exec.Cmd, grace time.Duration) {
	cmd.WaitDelay = grace
}

func InterruptGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Signal(os.Interrupt)
}

func KillGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
