//go:build unix

package transport

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// configureProcess starts cmd in its own process group so termination
// reaches any helpers the engine spawns.
func configureProcess(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// signalGroup delivers SIGTERM, or SIGKILL when forced, to the process
// group of cmd. A process that already exited is not an error.
func signalGroup(cmd *exec.Cmd, force bool) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	sig := unix.SIGTERM
	if force {
		sig = unix.SIGKILL
	}

	pid := cmd.Process.Pid
	if pid > 0 {
		if err := unix.Kill(-pid, sig); err == nil || errors.Is(err, unix.ESRCH) {
			return nil
		}
	}
	err := cmd.Process.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
