package marketdata

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/camuig/strategy-lab/internal/config"
	"github.com/camuig/strategy-lab/internal/logger"
)

// ClickHouse reads candles from a ReplacingMergeTree table keyed by
// (symbol, interval, open_time_ms).
type ClickHouse struct {
	conn     driver.Conn
	table    string
	interval string
	logger   *logger.Logger
}

func NewClickHouse(ctx context.Context, cfg config.ClickHouseConfig, log *logger.Logger) (*ClickHouse, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}

	table := cfg.Table
	if cfg.Database != "" && !strings.Contains(table, ".") {
		table = cfg.Database + "." + table
	}

	return &ClickHouse{
		conn:     conn,
		table:    table,
		interval: cfg.Interval,
		logger:   log,
	}, nil
}

func (c *ClickHouse) Name() string { return "clickhouse" }

func (c *ClickHouse) FetchCandles(ctx context.Context, req Request) ([]Candle, error) {
	from, to := req.Start, req.End
	if from.IsZero() || to.IsZero() {
		to = time.Now()
		from = to.AddDate(0, 0, -req.Days)
	}

	query := fmt.Sprintf(`SELECT open_time_ms, open, high, low, close, volume
		FROM %s FINAL
		WHERE symbol = ? AND interval = ? AND open_time_ms >= ? AND open_time_ms <= ?
		ORDER BY open_time_ms`, c.table)

	rows, err := c.conn.Query(ctx, query, strings.ToUpper(req.Symbol), c.interval,
		uint64(from.UnixMilli()), uint64(to.UnixMilli()))
	if err != nil {
		return nil, fmt.Errorf("query candles %s: %w", req.Symbol, err)
	}
	defer rows.Close()

	var candles []Candle
	for rows.Next() {
		var (
			openTime uint64
			candle   Candle
		)
		if err := rows.Scan(&openTime, &candle.Open, &candle.High, &candle.Low, &candle.Close, &candle.Volume); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		candle.Timestamp = time.UnixMilli(int64(openTime)).UTC()
		candles = append(candles, candle)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candles: %w", err)
	}

	c.logger.Debug("clickhouse candles fetched", "symbol", req.Symbol, "interval", c.interval, "count", len(candles))
	return candles, nil
}

func (c *ClickHouse) Close() error {
	return c.conn.Close()
}
