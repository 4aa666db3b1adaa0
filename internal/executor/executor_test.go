package executor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/strategy-lab/internal/evaluator"
	"github.com/camuig/strategy-lab/internal/logger"
	"github.com/camuig/strategy-lab/internal/queue"
	"github.com/camuig/strategy-lab/internal/strategy"
)

type fakeBacktests struct {
	mu       sync.Mutex
	calls    []string
	startErr error
	loadErr  error
	doneErr  error
	code     string
	failMsg  string
	metrics  strategy.Metrics
	report   string
}

func (f *fakeBacktests) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeBacktests) StartBacktest(context.Context, uint, uint, int64) (*strategy.Strategy, error) {
	f.record("start")
	return &strategy.Strategy{}, f.startErr
}

func (f *fakeBacktests) LoadRevision(context.Context, uint, uint, int64) (*strategy.Revision, error) {
	f.record("load")
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return &strategy.Revision{ID: 7, Code: f.code}, nil
}

func (f *fakeBacktests) CompleteBacktest(_ context.Context, _, _ uint, _ int64, m strategy.Metrics, report string) (*strategy.Strategy, error) {
	f.record("complete")
	f.metrics, f.report = m, report
	return &strategy.Strategy{}, f.doneErr
}

func (f *fakeBacktests) FailBacktest(_ context.Context, _, _ uint, _ int64, message string) (*strategy.Strategy, error) {
	f.record("fail")
	f.failMsg = message
	return &strategy.Strategy{}, nil
}

type evalFunc func(ctx context.Context, code string, cfg strategy.RunConfig) (*evaluator.Outcome, error)

func (f evalFunc) Evaluate(ctx context.Context, code string, cfg strategy.RunConfig) (*evaluator.Outcome, error) {
	return f(ctx, code, cfg)
}

type recordingObserver struct {
	stages   []string
	percents []int
}

func (r *recordingObserver) Progress(_ *queue.Job, percent int, stage string) {
	r.percents = append(r.percents, percent)
	r.stages = append(r.stages, stage)
}

func testJob() *queue.Job {
	return &queue.Job{ID: "job-1", StrategyID: 1, UserID: 2, RevisionIndex: 0, RevisionID: 7}
}

func TestExecuteSuccess(t *testing.T) {
	bt := &fakeBacktests{code: "class S(Strategy): ..."}
	obs := &recordingObserver{}
	var gotCode string
	eval := evalFunc(func(_ context.Context, code string, _ strategy.RunConfig) (*evaluator.Outcome, error) {
		gotCode = code
		return &evaluator.Outcome{Metrics: strategy.Metrics{TotalReturn: 4.2, TotalTrades: 3}, HTMLReport: "<html/>"}, nil
	})

	err := NewExecutor(bt, eval, obs, logger.Discard()).Execute(context.Background(), testJob())
	require.NoError(t, err)

	assert.Equal(t, []string{"start", "load", "complete"}, bt.calls)
	assert.Equal(t, "class S(Strategy): ...", gotCode)
	assert.Equal(t, 4.2, bt.metrics.TotalReturn)
	assert.Equal(t, "<html/>", bt.report)
	assert.Equal(t, []int{0, 25, 75, 100}, obs.percents)
	assert.Equal(t, []string{StageStart, StagePreExecution, StagePostExecution, StageDone}, obs.stages)
}

func TestExecuteEngineErrorVerbatim(t *testing.T) {
	bt := &fakeBacktests{}
	eval := evalFunc(func(context.Context, string, strategy.RunConfig) (*evaluator.Outcome, error) {
		return nil, &evaluator.EvaluationError{Message: "ZeroDivisionError: division by zero"}
	})

	err := NewExecutor(bt, eval, nil, logger.Discard()).Execute(context.Background(), testJob())
	require.Error(t, err)
	assert.Equal(t, []string{"start", "load", "fail"}, bt.calls)
	assert.Equal(t, "ZeroDivisionError: division by zero", bt.failMsg)
}

func TestExecuteRevisionEvicted(t *testing.T) {
	bt := &fakeBacktests{startErr: strategy.ErrNotFound}
	eval := evalFunc(func(context.Context, string, strategy.RunConfig) (*evaluator.Outcome, error) {
		t.Fatal("evaluate must not run")
		return nil, nil
	})

	err := NewExecutor(bt, eval, nil, logger.Discard()).Execute(context.Background(), testJob())
	require.ErrorIs(t, err, strategy.ErrNotFound)
	assert.Equal(t, []string{"start", "fail"}, bt.calls)
	assert.Contains(t, bt.failMsg, "revision 7")
}

func TestExecuteRecoversPanic(t *testing.T) {
	bt := &fakeBacktests{}
	eval := evalFunc(func(context.Context, string, strategy.RunConfig) (*evaluator.Outcome, error) {
		panic("nil map")
	})

	var err error
	assert.NotPanics(t, func() {
		err = NewExecutor(bt, eval, nil, logger.Discard()).Execute(context.Background(), testJob())
	})
	require.Error(t, err)
	assert.Equal(t, "backtest panicked: nil map", bt.failMsg)
}

func TestExecuteCompleteFailure(t *testing.T) {
	bt := &fakeBacktests{doneErr: errors.New("disk full")}
	eval := evalFunc(func(context.Context, string, strategy.RunConfig) (*evaluator.Outcome, error) {
		return &evaluator.Outcome{HTMLReport: "<p/>"}, nil
	})

	err := NewExecutor(bt, eval, nil, logger.Discard()).Execute(context.Background(), testJob())
	require.Error(t, err)
	assert.Equal(t, []string{"start", "load", "complete", "fail"}, bt.calls)
	assert.Contains(t, bt.failMsg, "disk full")
}

func TestExecuteFailsAfterCancel(t *testing.T) {
	bt := &fakeBacktests{}
	ctx, cancel := context.WithCancel(context.Background())
	eval := evalFunc(func(ctx context.Context, _ string, _ strategy.RunConfig) (*evaluator.Outcome, error) {
		cancel()
		return nil, &evaluator.InfrastructureError{Op: "run engine", Err: ctx.Err()}
	})

	err := NewExecutor(bt, eval, nil, logger.Discard()).Execute(ctx, testJob())
	require.ErrorIs(t, err, strategy.ErrUnavailable)
	assert.Contains(t, bt.calls, "fail")
}
