//go:build linux

package evaluator

import (
	"fmt"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// isolate starts the engine in a new process group and kills the whole
// group on cancellation, so helpers spawned by the engine die with it.
func isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
}

func applyLimits(pid int, limits Limits) error {
	if limits.MemoryBytes > 0 {
		rl := unix.Rlimit{Cur: limits.MemoryBytes, Max: limits.MemoryBytes}
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, &rl, nil); err != nil {
			return fmt.Errorf("set address space limit: %w", err)
		}
	}
	if limits.CPUSeconds > 0 {
		rl := unix.Rlimit{Cur: limits.CPUSeconds, Max: limits.CPUSeconds + 5}
		if err := unix.Prlimit(pid, unix.RLIMIT_CPU, &rl, nil); err != nil {
			return fmt.Errorf("set cpu limit: %w", err)
		}
	}
	return nil
}
