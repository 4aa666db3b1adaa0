package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/camuig/strategy-lab/internal/config"
	"github.com/camuig/strategy-lab/internal/logger"
	"github.com/camuig/strategy-lab/internal/metrics"
	"github.com/camuig/strategy-lab/internal/queue"
)

const fetchRetryDelay = time.Second

type Runner interface {
	Execute(ctx context.Context, job *queue.Job) error
}

// Scheduler runs a fixed pool of workers that pull jobs from the queue. A
// shared rate limiter gates every dispatch.
type Scheduler struct {
	queue       queue.Queue
	runner      Runner
	limiter     *rate.Limiter
	concurrency int
	logger      *logger.Logger

	running atomic.Int64
	wg      sync.WaitGroup

	mu         sync.Mutex
	started    bool
	stopFetch  context.CancelFunc
	cancelJobs context.CancelFunc
}

func NewScheduler(q queue.Queue, runner Runner, cfg *config.Config, log *logger.Logger) *Scheduler {
	concurrency := cfg.Backtest.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	limit := rate.Inf
	if cfg.Backtest.RatePerSecond > 0 {
		limit = rate.Limit(cfg.Backtest.RatePerSecond)
	}
	return &Scheduler{
		queue:       q,
		runner:      runner,
		limiter:     rate.NewLimiter(limit, concurrency),
		concurrency: concurrency,
		logger:      log,
	}
}

// Start launches the workers. Jobs run on a context detached from ctx so
// that Drain can let them finish; only Shutdown cancels them.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	s.started = true

	fetchCtx, stopFetch := context.WithCancel(ctx)
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	s.stopFetch = stopFetch
	s.cancelJobs = cancelJobs

	for i := 0; i < s.concurrency; i++ {
		s.wg.Add(1)
		go s.worker(fetchCtx, jobCtx, i)
	}
	s.logger.Info("scheduler started", "workers", s.concurrency, "rate", float64(s.limiter.Limit()))
	return nil
}

func (s *Scheduler) worker(fetchCtx, jobCtx context.Context, id int) {
	defer s.wg.Done()
	log := s.logger.With("worker", id)

	for {
		if err := s.limiter.Wait(fetchCtx); err != nil {
			return
		}

		job, err := s.queue.Next(fetchCtx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || fetchCtx.Err() != nil {
				log.Debug("worker stopped")
				return
			}
			log.Error("fetch job", "error", err)
			select {
			case <-fetchCtx.Done():
				return
			case <-time.After(fetchRetryDelay):
			}
			continue
		}

		s.run(jobCtx, log, job)
	}
}

func (s *Scheduler) run(ctx context.Context, log *logger.Logger, job *queue.Job) {
	s.running.Add(1)
	defer s.running.Add(-1)

	start := time.Now()
	log.Info("backtest started", "job_id", job.ID, "strategy_id", job.StrategyID, "revision_index", job.RevisionIndex)

	jobErr := s.execute(ctx, log, job)

	if err := s.queue.Finish(context.WithoutCancel(ctx), job.ID, jobErr); err != nil {
		log.Error("finish job", "job_id", job.ID, "error", err)
	}
	if jobErr != nil {
		log.Warn("backtest finished with error", "job_id", job.ID, "duration", time.Since(start).String(), "error", jobErr)
		return
	}
	log.Info("backtest finished", "job_id", job.ID, "duration", time.Since(start).String())
}

func (s *Scheduler) execute(ctx context.Context, log *logger.Logger, job *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in worker", "job_id", job.ID, "panic", fmt.Sprint(r))
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return s.runner.Execute(ctx, job)
}

// Drain stops taking new jobs and waits for in-flight ones to finish or for
// ctx to expire.
func (s *Scheduler) Drain(ctx context.Context) error {
	s.mu.Lock()
	if s.stopFetch != nil {
		s.stopFetch()
	}
	s.mu.Unlock()

	s.logger.Info("scheduler draining", "running", s.running.Load())
	return s.wait(ctx)
}

// Shutdown cancels in-flight jobs and waits for the workers to exit.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopFetch != nil {
		s.stopFetch()
	}
	if s.cancelJobs != nil {
		s.cancelJobs()
	}
	s.mu.Unlock()

	err := s.wait(ctx)
	s.logger.Info("scheduler stopped")
	return err
}

func (s *Scheduler) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for workers: %w", ctx.Err())
	}
}

// Running is the number of jobs currently executing in this process.
func (s *Scheduler) Running() int64 {
	return s.running.Load()
}

// ProgressLog logs job checkpoints and counts them per stage.
type ProgressLog struct {
	metrics *metrics.Metrics
	logger  *logger.Logger
}

func NewProgressLog(m *metrics.Metrics, log *logger.Logger) *ProgressLog {
	return &ProgressLog{metrics: m, logger: log}
}

func (p *ProgressLog) Progress(job *queue.Job, percent int, stage string) {
	p.logger.Debug("backtest progress", "job_id", job.ID, "strategy_id", job.StrategyID, "progress", percent, "stage", stage)
	p.metrics.Stage(stage)
}
