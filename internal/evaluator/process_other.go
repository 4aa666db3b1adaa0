//go:build !linux

package evaluator

import "os/exec"

func isolate(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
}

// applyLimits is a no-op where prlimit is unavailable; the wall-clock
// timeout still applies.
func applyLimits(pid int, limits Limits) error {
	return nil
}
