//go:build unix

package hooks

import (
	"os/exec"
	"syscall"
)

// killGroup runs the hook in its own process group and kills the whole
// group when the hook's context ends, so children of the shell die with it.
func killGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
