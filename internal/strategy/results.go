package strategy

import "time"

type Metrics struct {
	TotalReturn  float64  `json:"total_return"`
	SharpeRatio  float64  `json:"sharpe_ratio"`
	MaxDrawdown  float64  `json:"max_drawdown"`
	WinRate      float64  `json:"win_rate"`
	TotalTrades  int      `json:"total_trades"`
	ProfitFactor *float64 `json:"profit_factor,omitempty"`
	BestDay      *float64 `json:"best_day,omitempty"`
	WorstDay     *float64 `json:"worst_day,omitempty"`
	AvgTrade     *float64 `json:"avg_trade,omitempty"`
}

// BacktestResults is attached to a revision once a run starts. After
// CompletedAt is set it carries either metrics and a report, or an error
// message, never both.
type BacktestResults struct {
	Metrics      *Metrics   `json:"metrics"`
	HTMLReport   *string    `json:"html_report"`
	ErrorMessage *string    `json:"error_message"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
}

func Started(now time.Time) *BacktestResults {
	return &BacktestResults{StartedAt: &now}
}

// Succeeded keeps the start time of r (if any) and records a successful run.
func Succeeded(r *BacktestResults, metrics Metrics, report string, now time.Time) *BacktestResults {
	return &BacktestResults{
		Metrics:     &metrics,
		HTMLReport:  &report,
		StartedAt:   startedAt(r),
		CompletedAt: &now,
	}
}

func Failed(r *BacktestResults, message string, now time.Time) *BacktestResults {
	return &BacktestResults{
		ErrorMessage: &message,
		StartedAt:    startedAt(r),
		CompletedAt:  &now,
	}
}

// Completed reports whether the run finished, successfully or not.
func (r *BacktestResults) Completed() bool {
	return r != nil && r.CompletedAt != nil
}

func startedAt(r *BacktestResults) *time.Time {
	if r == nil {
		return nil
	}
	return r.StartedAt
}
