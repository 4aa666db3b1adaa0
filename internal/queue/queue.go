package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/camuig/strategy-lab/internal/strategy"
)

var (
	// ErrClosed is returned by Next once the queue is closed.
	ErrClosed = errors.New("queue closed")
	// ErrInterrupted is recorded on jobs a previous process left active.
	ErrInterrupted = errors.New("backtest interrupted by server restart")
)

// Job asks a worker to run one revision. RevisionID is the stable address
// the worker uses; RevisionIndex is the position the caller saw at enqueue
// time and is kept for logs and messages only.
type Job struct {
	ID            string             `json:"id"`
	StrategyID    uint               `json:"strategy_id"`
	UserID        uint               `json:"user_id"`
	RevisionIndex int                `json:"revision_index"`
	RevisionID    int64              `json:"revision_id"`
	Config        strategy.RunConfig `json:"config"`
	EnqueuedAt    time.Time          `json:"enqueued_at"`
}

func NewJob(strategyID, userID uint, revisionIndex int, revisionID int64, cfg strategy.RunConfig) Job {
	return Job{
		ID:            uuid.NewString(),
		StrategyID:    strategyID,
		UserID:        userID,
		RevisionIndex: revisionIndex,
		RevisionID:    revisionID,
		Config:        cfg,
		EnqueuedAt:    time.Now().UTC(),
	}
}

type Stats struct {
	Pending   int64 `json:"pending"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Queue delivers every job to at most one worker attempt. Jobs are never
// redelivered after Next has returned them.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Next blocks until a job is available, ctx is done or the queue is closed.
	Next(ctx context.Context) (*Job, error)
	// Finish records the outcome of a job returned by Next. A nil jobErr means success.
	Finish(ctx context.Context, jobID string, jobErr error) error
	// Recover fails jobs left active by a previous process and returns them.
	Recover(ctx context.Context) ([]Job, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
