//go:build unix

package proc

import (
	"os/exec"
	"syscall"
	"time"
)

// OwnGroup makes cmd the leader of a new process group.
func OwnGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// KillGroupOnCancel runs cmd in its own process group and makes context
// cancellation SIGKILL the whole group, so helpers forked by the tool die
// with it. grace bounds how long Wait then waits for output pipes.
func KillGroupOnCancel(cmd *exec.Cmd, grace time.Duration) {
	OwnGroup(cmd)
	cmd.Cancel = func() error { return KillGroup(cmd) }
	cmd.WaitDelay = grace
}

// InterruptGroup sends SIGINT to the process group led by cmd.
func InterruptGroup(cmd *exec.Cmd) error {
	return signalGroup(cmd, syscall.SIGINT)
}

// KillGroup sends SIGKILL to the process group led by cmd.
func KillGroup(cmd *exec.Cmd) error {
	return signalGroup(cmd, syscall.SIGKILL)
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, sig)
}
