package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/camuig/strategy-lab/internal/logger"
	"github.com/camuig/strategy-lab/internal/storage"
)

const (
	statusPending   = "pending"
	statusActive    = "active"
	statusCompleted = "completed"
	statusFailed    = "failed"
)

// DBQueue keeps jobs in the backtest_jobs table. A job is claimed with a
// conditional pending -> active update, so concurrent workers never share one.
type DBQueue struct {
	db           *gorm.DB
	pollInterval time.Duration
	notify       chan struct{}
	closed       chan struct{}
	closeOnce    sync.Once
	logger       *logger.Logger
}

func NewDBQueue(db *gorm.DB, pollInterval time.Duration, log *logger.Logger) *DBQueue {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &DBQueue{
		db:           db,
		pollInterval: pollInterval,
		notify:       make(chan struct{}, 1),
		closed:       make(chan struct{}),
		logger:       log,
	}
}

func (q *DBQueue) Enqueue(ctx context.Context, job Job) error {
	cfg, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("marshal job config: %w", err)
	}

	rec := &storage.JobRecord{
		ID:            job.ID,
		CreatedAt:     job.EnqueuedAt,
		StrategyID:    job.StrategyID,
		UserID:        job.UserID,
		RevisionID:    job.RevisionID,
		RevisionIndex: job.RevisionIndex,
		Config:        string(cfg),
		Status:        statusPending,
	}
	if err := q.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *DBQueue) Next(ctx context.Context) (*Job, error) {
	for {
		job, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closed:
			return nil, ErrClosed
		case <-q.notify:
		case <-time.After(q.pollInterval):
		}
	}
}

// claim returns nil, nil when no pending job exists.
func (q *DBQueue) claim(ctx context.Context) (*Job, error) {
	for {
		var rec storage.JobRecord
		err := q.db.WithContext(ctx).
			Where("status = ?", statusPending).
			Order("created_at ASC").
			First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("find pending job: %w", err)
		}

		now := time.Now().UTC()
		res := q.db.WithContext(ctx).Model(&storage.JobRecord{}).
			Where("id = ? AND status = ?", rec.ID, statusPending).
			Updates(map[string]any{
				"status":     statusActive,
				"attempts":   gorm.Expr("attempts + 1"),
				"started_at": now,
				"updated_at": now,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("claim job %s: %w", rec.ID, res.Error)
		}
		if res.RowsAffected != 1 {
			continue
		}

		job, err := recordToJob(&rec)
		if err != nil {
			// An undecodable payload can never run.
			q.logger.Error("decode job payload", "job_id", rec.ID, "error", err)
			if ferr := q.Finish(ctx, rec.ID, err); ferr != nil {
				return nil, ferr
			}
			continue
		}
		return job, nil
	}
}

func (q *DBQueue) Finish(ctx context.Context, jobID string, jobErr error) error {
	now := time.Now().UTC()
	updates := map[string]any{
		"status":      statusCompleted,
		"finished_at": now,
		"updated_at":  now,
	}
	if jobErr != nil {
		updates["status"] = statusFailed
		updates["error"] = jobErr.Error()
	}

	err := q.db.WithContext(ctx).Model(&storage.JobRecord{}).
		Where("id = ?", jobID).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("finish job %s: %w", jobID, err)
	}
	return nil
}

func (q *DBQueue) Recover(ctx context.Context) ([]Job, error) {
	var recs []storage.JobRecord
	if err := q.db.WithContext(ctx).Where("status = ?", statusActive).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("find active jobs: %w", err)
	}

	jobs := make([]Job, 0, len(recs))
	for i := range recs {
		if err := q.Finish(ctx, recs[i].ID, ErrInterrupted); err != nil {
			return nil, err
		}
		job, err := recordToJob(&recs[i])
		if err != nil {
			q.logger.Error("decode interrupted job", "job_id", recs[i].ID, "error", err)
			continue
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

func (q *DBQueue) Stats(ctx context.Context) (Stats, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := q.db.WithContext(ctx).Model(&storage.JobRecord{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}

	var s Stats
	for _, row := range rows {
		switch row.Status {
		case statusPending:
			s.Pending = row.Count
		case statusActive:
			s.Active = row.Count
		case statusCompleted:
			s.Completed = row.Count
		case statusFailed:
			s.Failed = row.Count
		}
	}
	return s, nil
}

func (q *DBQueue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}

func recordToJob(rec *storage.JobRecord) (*Job, error) {
	job := &Job{
		ID:            rec.ID,
		StrategyID:    rec.StrategyID,
		UserID:        rec.UserID,
		RevisionIndex: rec.RevisionIndex,
		RevisionID:    rec.RevisionID,
		EnqueuedAt:    rec.CreatedAt,
	}
	if err := json.Unmarshal([]byte(rec.Config), &job.Config); err != nil {
		return nil, fmt.Errorf("unmarshal job config: %w", err)
	}
	return job, nil
}
