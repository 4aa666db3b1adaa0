package strategy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	maxInitialCapital = decimal.NewFromInt(1_000_000_000)
	maxCommission     = decimal.NewFromInt(1)
)

// RunConfig parameterises a single backtest run.
type RunConfig struct {
	StartDate      time.Time       `json:"startDate"`
	EndDate        time.Time       `json:"endDate"`
	InitialCapital decimal.Decimal `json:"initialCapital"`
	Commission     decimal.Decimal `json:"commission"`
	CoinID         string          `json:"coinId,omitempty"`
	Days           *int            `json:"days,omitempty"`
}

func (c RunConfig) Validate() error {
	if c.StartDate.IsZero() {
		return fmt.Errorf("startDate is required: %w", ErrValidation)
	}
	if c.EndDate.IsZero() {
		return fmt.Errorf("endDate is required: %w", ErrValidation)
	}
	if !c.EndDate.After(c.StartDate) {
		return fmt.Errorf("endDate must be after startDate: %w", ErrValidation)
	}
	if !c.InitialCapital.IsPositive() {
		return fmt.Errorf("initialCapital must be positive: %w", ErrValidation)
	}
	if c.InitialCapital.GreaterThan(maxInitialCapital) {
		return fmt.Errorf("initialCapital must not exceed %s: %w", maxInitialCapital, ErrValidation)
	}
	if c.Commission.IsNegative() || c.Commission.GreaterThan(maxCommission) {
		return fmt.Errorf("commission must be between 0 and 1: %w", ErrValidation)
	}
	if c.Days != nil && *c.Days <= 0 {
		return fmt.Errorf("days must be a positive integer: %w", ErrValidation)
	}
	return nil
}
