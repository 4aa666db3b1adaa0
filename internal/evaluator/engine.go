package evaluator

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/camuig/strategy-lab/internal/marketdata"
	"github.com/camuig/strategy-lab/internal/strategy"
)

// Engine runs strategy code against candles in isolation from the caller.
type Engine interface {
	Run(ctx context.Context, in Input) (*Output, error)
	// Check verifies the engine runtime is installed and usable.
	Check(ctx context.Context) error
}

// Input is written to the engine as a single JSON document.
type Input struct {
	Code    string       `json:"code"`
	Config  EngineConfig `json:"config"`
	Candles []WireCandle `json:"candles"`
}

type EngineConfig struct {
	StartDate      string  `json:"startDate"`
	EndDate        string  `json:"endDate"`
	InitialCapital float64 `json:"initialCapital"`
	Commission     float64 `json:"commission"`
}

type WireCandle struct {
	Timestamp int64   `json:"timestamp"` // unix ms
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// Output is the engine's JSON reply. Exactly one of Error or Metrics and
// HTMLReport is expected to be set.
type Output struct {
	Metrics    map[string]json.RawMessage `json:"metrics"`
	HTMLReport *string                    `json:"html_report"`
	Error      *string                    `json:"error"`
}

func newInput(code string, cfg strategy.RunConfig, candles []marketdata.Candle) Input {
	wire := make([]WireCandle, 0, len(candles))
	for _, c := range candles {
		wire = append(wire, WireCandle{
			Timestamp: c.Timestamp.UnixMilli(),
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
		})
	}
	return Input{
		Code: code,
		Config: EngineConfig{
			StartDate:      cfg.StartDate.UTC().Format(time.RFC3339),
			EndDate:        cfg.EndDate.UTC().Format(time.RFC3339),
			InitialCapital: cfg.InitialCapital.InexactFloat64(),
			Commission:     cfg.Commission.InexactFloat64(),
		},
		Candles: wire,
	}
}

var requiredMetrics = []string{"total_return", "sharpe_ratio", "max_drawdown", "win_rate", "total_trades"}

// normalizeMetrics accepts numbers or numeric strings. Required metrics must
// be present; a null or non-finite required value becomes zero. Optional
// metrics that are absent, null or non-finite stay unset.
func normalizeMetrics(raw map[string]json.RawMessage) (strategy.Metrics, error) {
	for _, key := range requiredMetrics {
		if _, ok := raw[key]; !ok {
			return strategy.Metrics{}, evaluationErrorf("engine result is missing metric %s", key)
		}
	}

	value := func(key string) (float64, bool, error) {
		v, ok := raw[key]
		if !ok {
			return 0, false, nil
		}
		f, ok, err := parseNumber(v)
		if err != nil {
			return 0, false, evaluationErrorf("metric %s: %v", key, err)
		}
		return f, ok, nil
	}
	required := func(key string) (float64, error) {
		f, _, err := value(key)
		return f, err
	}
	optional := func(key string) (*float64, error) {
		f, ok, err := value(key)
		if err != nil || !ok {
			return nil, err
		}
		return &f, nil
	}

	var (
		m   strategy.Metrics
		err error
	)
	if m.TotalReturn, err = required("total_return"); err != nil {
		return m, err
	}
	if m.SharpeRatio, err = required("sharpe_ratio"); err != nil {
		return m, err
	}
	if m.MaxDrawdown, err = required("max_drawdown"); err != nil {
		return m, err
	}
	if m.WinRate, err = required("win_rate"); err != nil {
		return m, err
	}
	trades, err := required("total_trades")
	if err != nil {
		return m, err
	}
	if trades > 0 {
		m.TotalTrades = int(math.Floor(trades))
	}
	if m.ProfitFactor, err = optional("profit_factor"); err != nil {
		return m, err
	}
	if m.BestDay, err = optional("best_day"); err != nil {
		return m, err
	}
	if m.WorstDay, err = optional("worst_day"); err != nil {
		return m, err
	}
	if m.AvgTrade, err = optional("avg_trade"); err != nil {
		return m, err
	}
	return m, nil
}

// parseNumber returns ok=false for null and non-finite values.
func parseNumber(raw json.RawMessage) (float64, bool, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, false, nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return 0, false, err
		}
		s = strings.TrimSpace(str)
		if s == "" {
			return 0, false, nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false, nil
	}
	return f, true, nil
}
