package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/camuig/strategy-lab/internal/config"
	"github.com/camuig/strategy-lab/internal/logger"
)

// CoinGecko serves daily OHLC candles from the public CoinGecko API. The OHLC
// endpoint carries no volume, so Volume is always zero.
type CoinGecko struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	vsCurrency string
	logger     *logger.Logger
}

func NewCoinGecko(cfg config.CoinGeckoConfig, log *logger.Logger) *CoinGecko {
	return &CoinGecko{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		vsCurrency: cfg.VsCurrency,
		logger:     log,
	}
}

func (c *CoinGecko) Name() string { return "coingecko" }

func (c *CoinGecko) FetchCandles(ctx context.Context, req Request) ([]Candle, error) {
	q := url.Values{}
	q.Set("vs_currency", c.vsCurrency)
	q.Set("days", strconv.Itoa(req.Days))
	endpoint := fmt.Sprintf("%s/coins/%s/ohlc?%s", c.baseURL, url.PathEscape(req.Symbol), q.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("x-cg-demo-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch ohlc %s: %w", req.Symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coingecko returned status %d for %s", resp.StatusCode, req.Symbol)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var rows [][]json.Number
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("parse ohlc response: %w", err)
	}

	candles := make([]Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 5 {
			continue
		}
		ts, err := row[0].Int64()
		if err != nil {
			continue
		}
		candles = append(candles, Candle{
			Timestamp: time.UnixMilli(ts).UTC(),
			Open:      toFloat64(row[1]),
			High:      toFloat64(row[2]),
			Low:       toFloat64(row[3]),
			Close:     toFloat64(row[4]),
		})
	}

	c.logger.Debug("coingecko candles fetched", "coin", req.Symbol, "days", req.Days, "count", len(candles))
	return candles, nil
}

func toFloat64(n json.Number) float64 {
	f, err := n.Float64()
	if err != nil {
		return 0
	}
	return f
}
