package strategy

import "errors"

// Error kinds shared by every layer. Callers wrap them with fmt.Errorf("...: %w")
// and the HTTP layer maps them to status codes with errors.Is.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrInvalidIndex      = errors.New("invalid revision index")
	ErrConflict          = errors.New("backtest already queued or running")
	ErrRateLimited       = errors.New("backtest limit reached")
	ErrUnavailable       = errors.New("backtesting unavailable")
	ErrIllegalTransition = errors.New("illegal status transition")
)
