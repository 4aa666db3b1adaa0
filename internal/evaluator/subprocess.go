package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/camuig/strategy-lab/internal/config"
	"github.com/camuig/strategy-lab/internal/logger"
)

const stderrLimit = 64 << 10

// Limits bound a single engine process.
type Limits struct {
	Timeout        time.Duration
	MaxOutputBytes int64
	MemoryBytes    uint64
	CPUSeconds     uint64
}

// SubprocessEngine runs the engine as a separate process in its own process
// group, feeding Input on stdin and reading Output from stdout.
type SubprocessEngine struct {
	command []string
	probe   []string
	workDir string
	limits  Limits
	logger  *logger.Logger
}

func NewSubprocessEngine(cfg *config.Config, log *logger.Logger) *SubprocessEngine {
	eng := cfg.Backtest.Engine
	return &SubprocessEngine{
		command: eng.Command,
		probe:   eng.Probe,
		workDir: eng.WorkDir,
		limits: Limits{
			Timeout:        cfg.BacktestTimeout(),
			MaxOutputBytes: eng.MaxOutputBytes,
			MemoryBytes:    uint64(eng.MemoryLimitMB) << 20,
			CPUSeconds:     uint64(eng.CPUSeconds),
		},
		logger: log,
	}
}

func (e *SubprocessEngine) Run(ctx context.Context, in Input) (*Output, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal engine input: %w", err)
	}

	runCtx := ctx
	if e.limits.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.limits.Timeout)
		defer cancel()
	}

	stdout := &limitedBuffer{limit: e.limits.MaxOutputBytes}
	stderr := &limitedBuffer{limit: stderrLimit}

	cmd := exec.CommandContext(runCtx, e.command[0], e.command[1:]...)
	cmd.Dir = e.workDir
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 5 * time.Second
	isolate(cmd)

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &InfrastructureError{Op: "start engine", Err: err}
	}
	if err := applyLimits(cmd.Process.Pid, e.limits); err != nil {
		e.logger.Warn("apply engine resource limits", "pid", cmd.Process.Pid, "error", err)
	}

	waitErr := cmd.Wait()
	elapsed := time.Since(started)

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, evaluationErrorf("backtest timed out after %s", e.limits.Timeout)
	}
	if err := ctx.Err(); err != nil {
		return nil, &InfrastructureError{Op: "run engine", Err: err}
	}
	if stdout.overflow {
		return nil, evaluationErrorf("engine output exceeds %d bytes", e.limits.MaxOutputBytes)
	}

	var out Output
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &out); err != nil {
		if waitErr != nil {
			return nil, evaluationErrorf("engine exited: %v%s", waitErr, stderrTail(stderr))
		}
		return nil, evaluationErrorf("engine returned malformed output: %v", err)
	}

	e.logger.Debug("engine finished", "elapsed", elapsed.String(), "exit_error", waitErr)
	return &out, nil
}

// Check runs the probe command once with a short deadline.
func (e *SubprocessEngine) Check(ctx context.Context) error {
	if len(e.probe) == 0 {
		_, err := exec.LookPath(e.command[0])
		if err != nil {
			return &InfrastructureError{Op: "locate engine", Err: err}
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var stderr limitedBuffer
	stderr.limit = stderrLimit
	cmd := exec.CommandContext(ctx, e.probe[0], e.probe[1:]...)
	cmd.Dir = e.workDir
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &InfrastructureError{Op: "probe engine runtime", Err: fmt.Errorf("%w%s", err, stderrTail(&stderr))}
	}
	return nil
}

func stderrTail(b *limitedBuffer) string {
	s := strings.TrimSpace(b.String())
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return ": " + strings.Join(lines, "\n")
}

// limitedBuffer keeps at most limit bytes and records whether more arrived.
// A limit of zero or less means unlimited.
type limitedBuffer struct {
	bytes.Buffer
	limit    int64
	overflow bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.limit > 0 {
		room := b.limit - int64(b.Len())
		if int64(len(p)) > room {
			b.overflow = true
			if room > 0 {
				b.Buffer.Write(p[:room])
			}
			return len(p), nil
		}
	}
	return b.Buffer.Write(p)
}
