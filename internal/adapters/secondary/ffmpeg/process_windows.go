//go:build windows

package ffmpeg

import (
	"os"
	"os/exec"
)

func setupProcessGroup(*exec.Cmd) {}

// Windows has no interrupt delivery to child processes; everything but
// kill degrades to kill.
func signalProcessGroup(cmd *exec.Cmd, sig os.Signal) error {
	if sig == os.Interrupt {
		return cmd.Process.Signal(sig)
	}
	return cmd.Process.Kill()
}

func killProcessGroup(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
