package backtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/camuig/strategy-lab/internal/config"
	"github.com/camuig/strategy-lab/internal/evaluator"
	"github.com/camuig/strategy-lab/internal/logger"
	"github.com/camuig/strategy-lab/internal/metrics"
	"github.com/camuig/strategy-lab/internal/queue"
	"github.com/camuig/strategy-lab/internal/storage"
	"github.com/camuig/strategy-lab/internal/strategy"
	"github.com/camuig/strategy-lab/internal/telegram"
)

// Runtime reports whether the backtest engine can be started.
type Runtime interface {
	CheckRuntime(ctx context.Context) error
}

// QueueStatus is the queue view exposed to clients and the health check.
type QueueStatus struct {
	queue.Stats
	Running     int64 `json:"running"`
	Concurrency int   `json:"concurrency"`
	MaxPending  int   `json:"max_pending"`
	Available   bool  `json:"available"`
}

// Service owns every write to a strategy's status and results. HTTP handlers
// call it with a caller's user id; workers call Start/Complete/FailBacktest
// with the ids carried by the job.
type Service struct {
	repo     *storage.Repository
	queue    queue.Queue
	runtime  Runtime
	notifier *telegram.Notifier
	metrics  *metrics.Metrics
	locks    *keyedMutex

	concurrency int
	maxPending  int

	mu             sync.RWMutex
	unavailableErr error

	logger *logger.Logger
	now    func() time.Time
}

func NewService(
	repo *storage.Repository,
	q queue.Queue,
	runtime Runtime,
	notifier *telegram.Notifier,
	m *metrics.Metrics,
	cfg *config.Config,
	log *logger.Logger,
) *Service {
	return &Service{
		repo:        repo,
		queue:       q,
		runtime:     runtime,
		notifier:    notifier,
		metrics:     m,
		locks:       newKeyedMutex(),
		concurrency: cfg.Backtest.Concurrency,
		maxPending:  cfg.Backtest.MaxPending,
		logger:      log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Strategies

func (s *Service) CreateStrategy(ctx context.Context, userID uint, name, initialCode string) (*strategy.Strategy, error) {
	st, err := strategy.New(userID, name, initialCode, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.repo.CreateStrategy(ctx, st); err != nil {
		return nil, err
	}
	s.logger.Info("strategy created", "strategy_id", st.ID, "user_id", userID)
	return st, nil
}

func (s *Service) ListStrategies(ctx context.Context, userID uint) ([]*strategy.Strategy, error) {
	return s.repo.ListStrategies(ctx, userID)
}

func (s *Service) GetStrategy(ctx context.Context, id, userID uint) (*strategy.Strategy, error) {
	return s.repo.GetStrategy(ctx, id, userID)
}

func (s *Service) AddRevision(ctx context.Context, id, userID uint, code string) (*strategy.Strategy, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	st, err := s.repo.UpdateStrategy(ctx, id, userID, func(st *strategy.Strategy) error {
		return st.AddRevision(code, s.now())
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("revision added", "strategy_id", id, "revision_id", st.Revisions[0].ID, "revisions", len(st.Revisions))
	return st, nil
}

// DeleteStrategy hides the strategy from every read. The row is kept.
func (s *Service) DeleteStrategy(ctx context.Context, id, userID uint) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	_, err := s.repo.UpdateStrategy(ctx, id, userID, func(st *strategy.Strategy) error {
		st.IsActive = false
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("strategy deleted", "strategy_id", id, "user_id", userID)
	return nil
}

func (s *Service) GetActiveRevision(ctx context.Context, id, userID uint) (*strategy.Revision, error) {
	st, err := s.repo.GetStrategy(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	return st.ActiveRevision()
}

func (s *Service) SetActiveRevision(ctx context.Context, id, userID uint, index int) (*strategy.Strategy, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	return s.repo.UpdateStrategy(ctx, id, userID, func(st *strategy.Strategy) error {
		return st.SetActiveRevision(index)
	})
}

// Backtests

// QueueBacktest moves the strategy to queued and hands a job for the revision
// at revisionIndex to the queue.
func (s *Service) QueueBacktest(ctx context.Context, id, userID uint, revisionIndex int, cfg strategy.RunConfig) (*strategy.Strategy, error) {
	if err := cfg.Validate(); err != nil {
		s.metrics.Rejected("validation")
		return nil, err
	}
	if err := s.unavailable(); err != nil {
		s.metrics.Rejected("unavailable")
		return nil, err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	current, err := s.repo.GetStrategy(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if _, err := revisionAt(current, revisionIndex); err != nil {
		return nil, err
	}
	if current.Status.InFlight() {
		s.metrics.Rejected("conflict")
		return nil, fmt.Errorf("strategy %d is %s: %w", id, current.Status, strategy.ErrConflict)
	}
	if err := s.admit(ctx); err != nil {
		s.metrics.Rejected("rate_limited")
		return nil, err
	}

	var job queue.Job
	st, err := s.repo.UpdateStrategy(ctx, id, userID, func(st *strategy.Strategy) error {
		rev, err := revisionAt(st, revisionIndex)
		if err != nil {
			return err
		}
		if st.Status.InFlight() {
			return fmt.Errorf("strategy %d is %s: %w", id, st.Status, strategy.ErrConflict)
		}
		if err := st.Transition(strategy.StatusQueued); err != nil {
			return err
		}
		job = queue.NewJob(st.ID, userID, revisionIndex, rev.ID, cfg)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.queue.Enqueue(ctx, job); err != nil {
		s.logger.Error("enqueue backtest", "strategy_id", id, "job_id", job.ID, "error", err)
		msg := fmt.Sprintf("failed to queue backtest: %v", err)
		if _, ferr := s.repo.UpdateStrategy(context.WithoutCancel(ctx), id, userID, func(st *strategy.Strategy) error {
			if err := st.Transition(strategy.StatusFailed); err != nil {
				return err
			}
			st.LastError = &msg
			if rev, err := st.RevisionByID(job.RevisionID); err == nil {
				rev.Results = strategy.Failed(nil, msg, s.now())
			}
			return nil
		}); ferr != nil {
			s.logger.Error("mark unqueued backtest failed", "strategy_id", id, "error", ferr)
		}
		return nil, fmt.Errorf("enqueue backtest: %w: %w", strategy.ErrUnavailable, err)
	}

	s.metrics.Queued()
	s.logger.Info("backtest queued",
		"strategy_id", id, "job_id", job.ID, "revision_index", revisionIndex, "revision_id", job.RevisionID)
	return st, nil
}

// StartBacktest marks the revision as running and stamps its start time.
func (s *Service) StartBacktest(ctx context.Context, strategyID, userID uint, revisionID int64) (*strategy.Strategy, error) {
	unlock := s.locks.Lock(strategyID)
	defer unlock()

	st, err := s.repo.UpdateStrategy(ctx, strategyID, userID, func(st *strategy.Strategy) error {
		rev, err := st.RevisionByID(revisionID)
		if err != nil {
			return err
		}
		if err := st.Transition(strategy.StatusRunning); err != nil {
			return err
		}
		rev.Results = strategy.Started(s.now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Started()
	return st, nil
}

func (s *Service) CompleteBacktest(ctx context.Context, strategyID, userID uint, revisionID int64, m strategy.Metrics, report string) (*strategy.Strategy, error) {
	unlock := s.locks.Lock(strategyID)

	var results *strategy.BacktestResults
	st, err := s.repo.UpdateStrategy(ctx, strategyID, userID, func(st *strategy.Strategy) error {
		rev, err := st.RevisionByID(revisionID)
		if err != nil {
			return err
		}
		if err := st.Transition(strategy.StatusCompleted); err != nil {
			return err
		}
		results = strategy.Succeeded(rev.Results, m, report, s.now())
		rev.Results = results
		return nil
	})
	unlock()
	if err != nil {
		return nil, err
	}

	s.finished(st, revisionID, results)
	s.logger.Info("backtest completed",
		"strategy_id", strategyID, "revision_id", revisionID,
		"total_return", m.TotalReturn, "total_trades", m.TotalTrades)
	return st, nil
}

// FailBacktest moves the strategy to failed and records message on the
// revision. A revision that no longer exists only fails the strategy.
func (s *Service) FailBacktest(ctx context.Context, strategyID, userID uint, revisionID int64, message string) (*strategy.Strategy, error) {
	return s.fail(ctx, strategyID, userID, revisionID, message, true)
}

func (s *Service) fail(ctx context.Context, strategyID, userID uint, revisionID int64, message string, live bool) (*strategy.Strategy, error) {
	unlock := s.locks.Lock(strategyID)

	var (
		results *strategy.BacktestResults
		started time.Time
	)
	st, err := s.repo.UpdateStrategy(ctx, strategyID, userID, func(st *strategy.Strategy) error {
		wasRunning := st.Status == strategy.StatusRunning
		if err := st.Transition(strategy.StatusFailed); err != nil {
			return err
		}

		results, started = nil, time.Time{}
		msg := message
		st.LastError = &msg
		if wasRunning && live {
			started = s.now()
		}
		rev, err := st.RevisionByID(revisionID)
		if err != nil {
			return nil
		}
		var prev *strategy.BacktestResults
		if wasRunning {
			prev = rev.Results
			if live && prev != nil && prev.StartedAt != nil {
				started = *prev.StartedAt
			}
		}
		results = strategy.Failed(prev, message, s.now())
		rev.Results = results
		return nil
	})
	unlock()
	if err != nil {
		return nil, err
	}

	s.metrics.Finished(false, started)
	s.notifier.NotifyBacktestFinished(st, st.IndexOf(revisionID), results)
	s.logger.Info("backtest failed", "strategy_id", strategyID, "revision_id", revisionID, "message", message)
	return st, nil
}

func (s *Service) finished(st *strategy.Strategy, revisionID int64, results *strategy.BacktestResults) {
	var started time.Time
	if results.StartedAt != nil {
		started = *results.StartedAt
	}
	s.metrics.Finished(true, started)
	s.notifier.NotifyBacktestFinished(st, st.IndexOf(revisionID), results)
}

// LoadRevision returns the revision a job addresses, wherever it sits now.
func (s *Service) LoadRevision(ctx context.Context, strategyID, userID uint, revisionID int64) (*strategy.Revision, error) {
	st, err := s.repo.GetStrategy(ctx, strategyID, userID)
	if err != nil {
		return nil, err
	}
	return st.RevisionByID(revisionID)
}

func (s *Service) GetRevisionResults(ctx context.Context, id, userID uint, index int) (*strategy.BacktestResults, error) {
	st, err := s.repo.GetStrategy(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	rev, err := revisionAt(st, index)
	if err != nil {
		return nil, err
	}
	if rev.Results == nil {
		return nil, fmt.Errorf("no backtest results for revision %d: %w", index, strategy.ErrNotFound)
	}
	return rev.Results, nil
}

func (s *Service) GetRevisionReport(ctx context.Context, id, userID uint, index int) (string, error) {
	results, err := s.GetRevisionResults(ctx, id, userID, index)
	if err != nil {
		return "", err
	}
	if results.HTMLReport == nil {
		return "", fmt.Errorf("no report for revision %d: %w", index, strategy.ErrNotFound)
	}
	return *results.HTMLReport, nil
}

func (s *Service) ValidateCode(code string) evaluator.Report {
	return evaluator.Validate(code)
}

func (s *Service) SecurityInfo() evaluator.SecurityInfo {
	return evaluator.Security()
}

func (s *Service) QueueStats(ctx context.Context) (*QueueStatus, error) {
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	s.metrics.SetPending(stats.Pending)

	return &QueueStatus{
		Stats:       stats,
		Running:     counts[strategy.StatusRunning],
		Concurrency: s.concurrency,
		MaxPending:  s.maxPending,
		Available:   s.unavailable() == nil,
	}, nil
}

// Availability

// CheckRuntime probes the engine and records the result. While the probe
// fails QueueBacktest rejects every request with ErrUnavailable.
func (s *Service) CheckRuntime(ctx context.Context) error {
	var err error
	if s.runtime != nil {
		err = s.runtime.CheckRuntime(ctx)
	}

	s.mu.Lock()
	s.unavailableErr = err
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("backtesting unavailable", "error", err)
		return fmt.Errorf("check runtime: %w", err)
	}
	s.logger.Info("backtest runtime ready")
	return nil
}

func (s *Service) Available() bool {
	return s.unavailable() == nil
}

func (s *Service) unavailable() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.unavailableErr == nil {
		return nil
	}
	if errors.Is(s.unavailableErr, strategy.ErrUnavailable) {
		return s.unavailableErr
	}
	return fmt.Errorf("%w: %w", strategy.ErrUnavailable, s.unavailableErr)
}

// admit rejects new work once strategies in running fill every worker and
// the backlog is full.
func (s *Service) admit(ctx context.Context) error {
	if s.maxPending <= 0 {
		return nil
	}
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("count running strategies: %w", err)
	}
	running := counts[strategy.StatusRunning]
	if running < int64(s.concurrency) {
		return nil
	}
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return fmt.Errorf("queue stats: %w: %w", strategy.ErrUnavailable, err)
	}
	if stats.Pending >= int64(s.maxPending) {
		return fmt.Errorf("%d backtests running and %d waiting: %w", running, stats.Pending, strategy.ErrRateLimited)
	}
	return nil
}

// Recovery

// RecoverInterrupted fails every backtest a previous process left in flight.
// Interrupted runs are never retried.
func (s *Service) RecoverInterrupted(ctx context.Context) (int, error) {
	jobs, err := s.queue.Recover(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover queue: %w", err)
	}

	recovered := 0
	for _, job := range jobs {
		_, err := s.fail(ctx, job.StrategyID, job.UserID, job.RevisionID, queue.ErrInterrupted.Error(), false)
		switch {
		case err == nil:
			recovered++
		case errors.Is(err, strategy.ErrIllegalTransition), errors.Is(err, strategy.ErrNotFound):
			s.logger.Debug("interrupted job already settled", "job_id", job.ID, "strategy_id", job.StrategyID, "error", err)
		default:
			return recovered, err
		}
	}

	running, err := s.repo.ListStrategiesByStatus(ctx, strategy.StatusRunning)
	if err != nil {
		return recovered, err
	}
	for _, st := range running {
		revisionID := inProgressRevision(st)
		if _, err := s.fail(ctx, st.ID, st.UserID, revisionID, queue.ErrInterrupted.Error(), false); err != nil {
			if errors.Is(err, strategy.ErrIllegalTransition) {
				continue
			}
			return recovered, err
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.Warn("interrupted backtests failed", "count", recovered)
	}
	return recovered, nil
}

// inProgressRevision returns the id of the revision with a started but
// unfinished run, or 0.
func inProgressRevision(st *strategy.Strategy) int64 {
	for _, rev := range st.Revisions {
		if rev.Results != nil && rev.Results.StartedAt != nil && rev.Results.CompletedAt == nil {
			return rev.ID
		}
	}
	return 0
}

func revisionAt(st *strategy.Strategy, index int) (*strategy.Revision, error) {
	if index < 0 || index >= len(st.Revisions) {
		return nil, fmt.Errorf("revision index %d out of range [0,%d): %w", index, len(st.Revisions), strategy.ErrInvalidIndex)
	}
	return &st.Revisions[index], nil
}
