package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/camuig/strategy-lab/internal/evaluator"
	"github.com/camuig/strategy-lab/internal/logger"
	"github.com/camuig/strategy-lab/internal/queue"
	"github.com/camuig/strategy-lab/internal/strategy"
)

// Progress checkpoints reported for every job.
const (
	StageStart         = "start"
	StagePreExecution  = "pre-execution"
	StagePostExecution = "post-execution"
	StageDone          = "done"
)

// Backtests is the part of the backtest service a worker drives.
type Backtests interface {
	StartBacktest(ctx context.Context, strategyID, userID uint, revisionID int64) (*strategy.Strategy, error)
	LoadRevision(ctx context.Context, strategyID, userID uint, revisionID int64) (*strategy.Revision, error)
	CompleteBacktest(ctx context.Context, strategyID, userID uint, revisionID int64, m strategy.Metrics, report string) (*strategy.Strategy, error)
	FailBacktest(ctx context.Context, strategyID, userID uint, revisionID int64, message string) (*strategy.Strategy, error)
}

type Evaluator interface {
	Evaluate(ctx context.Context, code string, cfg strategy.RunConfig) (*evaluator.Outcome, error)
}

type Observer interface {
	Progress(job *queue.Job, percent int, stage string)
}

type Executor struct {
	backtests Backtests
	evaluator Evaluator
	observer  Observer
	logger    *logger.Logger
}

func NewExecutor(backtests Backtests, eval Evaluator, observer Observer, log *logger.Logger) *Executor {
	return &Executor{
		backtests: backtests,
		evaluator: eval,
		observer:  observer,
		logger:    log,
	}
}

// Execute runs one job to a terminal status. Any failure, including a panic,
// is recorded on the revision and returned; the job is never retried.
func (e *Executor) Execute(ctx context.Context, job *queue.Job) (err error) {
	log := e.logger.With("job_id", job.ID, "strategy_id", job.StrategyID, "revision_id", job.RevisionID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in executor", "panic", fmt.Sprint(r))
			err = fmt.Errorf("backtest panicked: %v", r)
		}
		if err != nil {
			e.fail(ctx, log, job, err)
		}
	}()

	if _, err := e.backtests.StartBacktest(ctx, job.StrategyID, job.UserID, job.RevisionID); err != nil {
		if errors.Is(err, strategy.ErrNotFound) {
			return fmt.Errorf("revision %d (index %d at queue time) is no longer available: %w", job.RevisionID, job.RevisionIndex, err)
		}
		return fmt.Errorf("start backtest: %w", err)
	}
	e.progress(job, 0, StageStart)

	rev, err := e.backtests.LoadRevision(ctx, job.StrategyID, job.UserID, job.RevisionID)
	if err != nil {
		return fmt.Errorf("load revision: %w", err)
	}

	e.progress(job, 25, StagePreExecution)
	outcome, err := e.evaluator.Evaluate(ctx, rev.Code, job.Config)
	if err != nil {
		return err
	}
	e.progress(job, 75, StagePostExecution)

	if _, err := e.backtests.CompleteBacktest(ctx, job.StrategyID, job.UserID, job.RevisionID, outcome.Metrics, outcome.HTMLReport); err != nil {
		return fmt.Errorf("complete backtest: %w", err)
	}
	e.progress(job, 100, StageDone)
	return nil
}

func (e *Executor) fail(ctx context.Context, log *logger.Logger, job *queue.Job, cause error) {
	log.Warn("backtest failed", "error", cause)
	_, err := e.backtests.FailBacktest(context.WithoutCancel(ctx), job.StrategyID, job.UserID, job.RevisionID, failureMessage(cause))
	if err != nil {
		log.Error("record backtest failure", "error", err)
	}
}

// failureMessage is what the user sees in results.error_message. Engine
// errors are passed through verbatim.
func failureMessage(err error) string {
	var evalErr *evaluator.EvaluationError
	if errors.As(err, &evalErr) {
		return evalErr.Message
	}
	return err.Error()
}

func (e *Executor) progress(job *queue.Job, percent int, stage string) {
	if e.observer == nil {
		return
	}
	e.observer.Progress(job, percent, stage)
}
