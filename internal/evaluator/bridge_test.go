package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/strategy-lab/internal/config"
	"github.com/camuig/strategy-lab/internal/logger"
	"github.com/camuig/strategy-lab/internal/marketdata"
	"github.com/camuig/strategy-lab/internal/strategy"
)

type fakeSource struct {
	candles []marketdata.Candle
	err     error
	got     marketdata.Request
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) FetchCandles(_ context.Context, req marketdata.Request) ([]marketdata.Candle, error) {
	f.got = req
	return f.candles, f.err
}

type fakeEngine struct {
	out   *Output
	err   error
	input Input
}

func (f *fakeEngine) Run(_ context.Context, in Input) (*Output, error) {
	f.input = in
	return f.out, f.err
}

func (f *fakeEngine) Check(context.Context) error { return f.err }

func strPtr(s string) *string { return &s }

func runConfig() strategy.RunConfig {
	return strategy.RunConfig{
		StartDate:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:        time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		InitialCapital: decimal.NewFromInt(10000),
		Commission:     decimal.RequireFromString("0.002"),
	}
}

func oneCandle() []marketdata.Candle {
	return []marketdata.Candle{{Timestamp: time.UnixMilli(1704067200000).UTC(), Open: 1, High: 2, Low: 0.5, Close: 1.5}}
}

func newTestBridge(src marketdata.Source, eng Engine) *Bridge {
	return NewBridge(src, eng, config.MarketDataConfig{DefaultCoin: "bitcoin", DefaultDays: 365}, logger.Discard())
}

func okOutput() *Output {
	return &Output{
		Metrics: map[string]json.RawMessage{
			"total_return": json.RawMessage(`10`),
			"sharpe_ratio": json.RawMessage(`1.2`),
			"max_drawdown": json.RawMessage(`-5`),
			"win_rate":     json.RawMessage(`60`),
			"total_trades": json.RawMessage(`4`),
		},
		HTMLReport: strPtr("<html>report</html>"),
	}
}

func TestBridgeEvaluate(t *testing.T) {
	src := &fakeSource{candles: oneCandle()}
	eng := &fakeEngine{out: okOutput()}

	outcome, err := newTestBridge(src, eng).Evaluate(context.Background(), goodStrategy, runConfig())
	require.NoError(t, err)

	assert.Equal(t, "bitcoin", src.got.Symbol)
	assert.Equal(t, 365, src.got.Days)
	assert.Equal(t, 10.0, outcome.Metrics.TotalReturn)
	assert.Equal(t, "<html>report</html>", outcome.HTMLReport)

	assert.Equal(t, goodStrategy, eng.input.Code)
	assert.Equal(t, 10000.0, eng.input.Config.InitialCapital)
	assert.Equal(t, 0.002, eng.input.Config.Commission)
	assert.Equal(t, "2024-01-01T00:00:00Z", eng.input.Config.StartDate)
	require.Len(t, eng.input.Candles, 1)
	assert.Equal(t, int64(1704067200000), eng.input.Candles[0].Timestamp)
}

func TestBridgeOverridesCoinAndDays(t *testing.T) {
	src := &fakeSource{candles: oneCandle()}
	cfg := runConfig()
	days := 30
	cfg.CoinID = "ethereum"
	cfg.Days = &days

	_, err := newTestBridge(src, &fakeEngine{out: okOutput()}).Evaluate(context.Background(), goodStrategy, cfg)
	require.NoError(t, err)
	assert.Equal(t, "ethereum", src.got.Symbol)
	assert.Equal(t, 30, src.got.Days)
	assert.True(t, src.got.Start.IsZero(), "days replaces the date range")
	assert.True(t, src.got.End.IsZero())
}

func TestBridgeUsesDateRangeWithoutDays(t *testing.T) {
	src := &fakeSource{candles: oneCandle()}
	cfg := runConfig()

	_, err := newTestBridge(src, &fakeEngine{out: okOutput()}).Evaluate(context.Background(), goodStrategy, cfg)
	require.NoError(t, err)
	assert.True(t, src.got.Start.Equal(cfg.StartDate))
	assert.True(t, src.got.End.Equal(cfg.EndDate))
}

func TestBridgeBlockedCodeIsValidationError(t *testing.T) {
	src := &fakeSource{candles: oneCandle()}
	eng := &fakeEngine{out: okOutput()}

	_, err := newTestBridge(src, eng).Evaluate(context.Background(), "import os\n"+goodStrategy, runConfig())
	require.ErrorIs(t, err, strategy.ErrValidation)
	assert.False(t, errors.Is(err, strategy.ErrUnavailable))

	var evalErr *EvaluationError
	require.ErrorAs(t, err, &evalErr)
	assert.Contains(t, evalErr.Message, "strategy rejected: OS import detected (blocked)")
	assert.Empty(t, eng.input.Code, "engine is not called for rejected code")
	assert.Empty(t, src.got.Symbol, "no candles are fetched for rejected code")
}

func TestBridgeErrors(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name      string
		code      string
		src       *fakeSource
		eng       *fakeEngine
		infra     bool
		wantInMsg string
	}{
		{"blocked import", "import os\n" + goodStrategy, &fakeSource{candles: oneCandle()}, &fakeEngine{out: okOutput()}, false, "OS import detected"},
		{"market data down", goodStrategy, &fakeSource{err: boom}, &fakeEngine{out: okOutput()}, true, "fetch candles"},
		{"no candles", goodStrategy, &fakeSource{}, &fakeEngine{out: okOutput()}, false, "no market data"},
		{"engine error verbatim", goodStrategy, &fakeSource{candles: oneCandle()}, &fakeEngine{out: &Output{Error: strPtr("NameError: name 'sma' is not defined")}}, false, "NameError: name 'sma' is not defined"},
		{"incomplete", goodStrategy, &fakeSource{candles: oneCandle()}, &fakeEngine{out: &Output{HTMLReport: strPtr("x")}}, false, "engine returned incomplete result"},
		{"unknown engine failure", goodStrategy, &fakeSource{candles: oneCandle()}, &fakeEngine{err: boom}, false, "backtest execution failed: boom"},
		{"engine cannot start", goodStrategy, &fakeSource{candles: oneCandle()}, &fakeEngine{err: &InfrastructureError{Op: "start engine", Err: boom}}, true, "start engine"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestBridge(tt.src, tt.eng).Evaluate(context.Background(), tt.code, runConfig())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantInMsg)
			assert.Equal(t, tt.infra, errors.Is(err, strategy.ErrUnavailable))
			if !tt.infra {
				var evalErr *EvaluationError
				assert.ErrorAs(t, err, &evalErr)
			}
		})
	}
}

func shEngine(t *testing.T, script string, limits Limits) *SubprocessEngine {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	return &SubprocessEngine{
		command: []string{"sh", "-c", script},
		probe:   []string{"sh", "-c", "exit 0"},
		limits:  limits,
		logger:  logger.Discard(),
	}
}

func TestSubprocessEngineRun(t *testing.T) {
	script := `cat > /dev/null; printf '%s' '{"metrics":{"total_return":"3.5","sharpe_ratio":1,"max_drawdown":0,"win_rate":50,"total_trades":2},"html_report":"<p/>","error":null}'`
	eng := shEngine(t, script, Limits{Timeout: 10 * time.Second, MaxOutputBytes: 1 << 20})

	out, err := eng.Run(context.Background(), newInput(goodStrategy, runConfig(), oneCandle()))
	require.NoError(t, err)
	require.NotNil(t, out.HTMLReport)
	assert.Equal(t, "<p/>", *out.HTMLReport)
	assert.Nil(t, out.Error)
	assert.JSONEq(t, `"3.5"`, string(out.Metrics["total_return"]))
}

func TestSubprocessEngineReceivesInput(t *testing.T) {
	script := `code=$(cat | grep -c SmaCross); printf '{"error":"seen %s"}' "$code"`
	eng := shEngine(t, script, Limits{Timeout: 10 * time.Second})

	out, err := eng.Run(context.Background(), newInput(goodStrategy, runConfig(), oneCandle()))
	require.NoError(t, err)
	require.NotNil(t, out.Error)
	assert.Equal(t, "seen 1", *out.Error)
}

func TestSubprocessEngineTimeout(t *testing.T) {
	eng := shEngine(t, `sleep 30`, Limits{Timeout: 200 * time.Millisecond})

	start := time.Now()
	_, err := eng.Run(context.Background(), Input{})
	var evalErr *EvaluationError
	require.ErrorAs(t, err, &evalErr)
	assert.Contains(t, evalErr.Message, "timed out")
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestSubprocessEngineCrash(t *testing.T) {
	eng := shEngine(t, `cat > /dev/null; echo "Traceback: boom" >&2; exit 3`, Limits{Timeout: 10 * time.Second})

	_, err := eng.Run(context.Background(), Input{})
	var evalErr *EvaluationError
	require.ErrorAs(t, err, &evalErr)
	assert.Contains(t, evalErr.Message, "Traceback: boom")
}

func TestSubprocessEngineOutputLimit(t *testing.T) {
	eng := shEngine(t, `cat > /dev/null; head -c 4096 /dev/zero`, Limits{Timeout: 10 * time.Second, MaxOutputBytes: 128})

	_, err := eng.Run(context.Background(), Input{})
	var evalErr *EvaluationError
	require.ErrorAs(t, err, &evalErr)
	assert.Contains(t, evalErr.Message, "exceeds 128 bytes")
}

func TestSubprocessEngineMissingBinary(t *testing.T) {
	eng := &SubprocessEngine{
		command: []string{"/nonexistent/engine"},
		limits:  Limits{Timeout: time.Second},
		logger:  logger.Discard(),
	}
	_, err := eng.Run(context.Background(), Input{})
	assert.ErrorIs(t, err, strategy.ErrUnavailable)
	assert.ErrorIs(t, eng.Check(context.Background()), strategy.ErrUnavailable)
}

func TestSubprocessEngineCheck(t *testing.T) {
	eng := shEngine(t, "true", Limits{})
	assert.NoError(t, eng.Check(context.Background()))

	eng.probe = []string{"sh", "-c", "echo 'No module named backtesting' >&2; exit 1"}
	err := eng.Check(context.Background())
	assert.ErrorIs(t, err, strategy.ErrUnavailable)
	assert.Contains(t, err.Error(), "No module named backtesting")
}
