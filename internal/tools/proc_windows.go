//go:build windows

package tools

import "os/exec"

func startInOwnGroup(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		return killGroup(cmd)
	}
}

func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
