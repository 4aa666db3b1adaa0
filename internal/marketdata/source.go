package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/camuig/strategy-lab/internal/config"
	"github.com/camuig/strategy-lab/internal/logger"
)

// Candle is one OHLCV bar. Timestamps are encoded as unix milliseconds on the wire.
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Request selects a candle series. Day-based sources use Days counted back
// from now; range-capable sources use [Start, End].
type Request struct {
	Symbol string
	Days   int
	Start  time.Time
	End    time.Time
}

type Source interface {
	Name() string
	FetchCandles(ctx context.Context, req Request) ([]Candle, error)
}

// Closer is implemented by sources holding a connection.
type Closer interface {
	Close() error
}

// NewSource builds the market data source selected by market_data.source.
func NewSource(ctx context.Context, cfg *config.Config, log *logger.Logger) (Source, error) {
	switch cfg.MarketData.Source {
	case "coingecko":
		return NewCoinGecko(cfg.MarketData.CoinGecko, log), nil
	case "tinkoff":
		return NewTinkoff(ctx, cfg, log)
	case "clickhouse":
		return NewClickHouse(ctx, cfg.MarketData.ClickHouse, log)
	case "parquet":
		return NewParquet(cfg.MarketData.Parquet.DataDir), nil
	default:
		return nil, fmt.Errorf("unknown market data source %q", cfg.MarketData.Source)
	}
}

func filterRange(candles []Candle, start, end time.Time) []Candle {
	if start.IsZero() && end.IsZero() {
		return candles
	}
	result := make([]Candle, 0, len(candles))
	for _, c := range candles {
		if !start.IsZero() && c.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && c.Timestamp.After(end) {
			continue
		}
		result = append(result, c)
	}
	return result
}
