package evaluator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/camuig/strategy-lab/internal/config"
	"github.com/camuig/strategy-lab/internal/logger"
	"github.com/camuig/strategy-lab/internal/marketdata"
	"github.com/camuig/strategy-lab/internal/strategy"
)

// Outcome is a successful evaluation.
type Outcome struct {
	Metrics    strategy.Metrics
	HTMLReport string
}

// Bridge turns a revision and run config into a call against the engine.
type Bridge struct {
	source      marketdata.Source
	engine      Engine
	defaultCoin string
	defaultDays int
	logger      *logger.Logger
}

func NewBridge(source marketdata.Source, engine Engine, cfg config.MarketDataConfig, log *logger.Logger) *Bridge {
	return &Bridge{
		source:      source,
		engine:      engine,
		defaultCoin: cfg.DefaultCoin,
		defaultDays: cfg.DefaultDays,
		logger:      log,
	}
}

func (b *Bridge) Evaluate(ctx context.Context, code string, cfg strategy.RunConfig) (*Outcome, error) {
	if err := Precheck(code); err != nil {
		return nil, err
	}

	req := candleRequest(cfg, b.defaultCoin, b.defaultDays)

	b.logger.Info("fetching candles", "source", b.source.Name(), "symbol", req.Symbol, "days", req.Days)
	candles, err := b.source.FetchCandles(ctx, req)
	if err != nil {
		return nil, &InfrastructureError{Op: "fetch candles", Err: err}
	}
	if len(candles) == 0 {
		return nil, evaluationErrorf("no market data for %s", req.Symbol)
	}

	out, err := b.engine.Run(ctx, newInput(code, cfg, candles))
	if err != nil {
		var evalErr *EvaluationError
		var infraErr *InfrastructureError
		if errors.As(err, &evalErr) || errors.As(err, &infraErr) {
			return nil, err
		}
		return nil, evaluationErrorf("backtest execution failed: %v", err)
	}

	if out.Error != nil && *out.Error != "" {
		return nil, &EvaluationError{Message: *out.Error}
	}
	if out.Metrics == nil || out.HTMLReport == nil || *out.HTMLReport == "" {
		return nil, evaluationErrorf("engine returned incomplete result")
	}

	metrics, err := normalizeMetrics(out.Metrics)
	if err != nil {
		return nil, err
	}
	return &Outcome{Metrics: metrics, HTMLReport: *out.HTMLReport}, nil
}

// CheckRuntime verifies the engine can be started at all.
func (b *Bridge) CheckRuntime(ctx context.Context) error {
	if err := b.engine.Check(ctx); err != nil {
		return fmt.Errorf("engine runtime: %w", err)
	}
	return nil
}

// candleRequest selects the candle window. An explicit days count wins over
// the date range on every source.
func candleRequest(cfg strategy.RunConfig, defaultCoin string, defaultDays int) marketdata.Request {
	req := marketdata.Request{
		Symbol: defaultCoin,
		Days:   defaultDays,
		Start:  cfg.StartDate,
		End:    cfg.EndDate,
	}
	if cfg.CoinID != "" {
		req.Symbol = cfg.CoinID
	}
	if cfg.Days != nil {
		req.Days = *cfg.Days
		req.Start, req.End = time.Time{}, time.Time{}
	}
	return req
}
