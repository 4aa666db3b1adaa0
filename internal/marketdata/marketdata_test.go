package marketdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/strategy-lab/internal/config"
	"github.com/camuig/strategy-lab/internal/logger"
)

func TestCoinGeckoFetchCandles(t *testing.T) {
	var gotPath, gotQuery, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotKey = r.Header.Get("x-cg-demo-api-key")
		w.Write([]byte(`[[1577836800000, 7195.24, 7254.33, 7174.94, 7200.17],[1577923200000,7200.77,7212.15,6935.27,6985.47],[1]]`))
	}))
	defer srv.Close()

	cg := NewCoinGecko(config.CoinGeckoConfig{BaseURL: srv.URL, APIKey: "k", VsCurrency: "usd"}, logger.Discard())
	candles, err := cg.FetchCandles(context.Background(), Request{Symbol: "bitcoin", Days: 30})
	require.NoError(t, err)

	assert.Equal(t, "/coins/bitcoin/ohlc", gotPath)
	assert.Contains(t, gotQuery, "days=30")
	assert.Contains(t, gotQuery, "vs_currency=usd")
	assert.Equal(t, "k", gotKey)

	require.Len(t, candles, 2)
	assert.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), candles[0].Timestamp)
	assert.Equal(t, 7195.24, candles[0].Open)
	assert.Equal(t, 6985.47, candles[1].Close)
	assert.Zero(t, candles[1].Volume)
}

func TestCoinGeckoErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	cg := NewCoinGecko(config.CoinGeckoConfig{BaseURL: srv.URL, VsCurrency: "usd"}, logger.Discard())
	_, err := cg.FetchCandles(context.Background(), Request{Symbol: "bitcoin", Days: 1})
	assert.ErrorContains(t, err, "status 429")
}

func TestParquetRoundTrip(t *testing.T) {
	p := NewParquet(t.TempDir())
	day := func(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

	in := []Candle{
		{Timestamp: day(2023, 12, 30), Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
		{Timestamp: day(2024, 1, 2), Open: 1.5, High: 3, Low: 1, Close: 2.5, Volume: 20},
		{Timestamp: day(2024, 3, 1), Open: 2.5, High: 4, Low: 2, Close: 3.5, Volume: 30},
	}
	require.NoError(t, p.WriteCandles("btcusdt", in))

	out, err := p.FetchCandles(context.Background(), Request{
		Symbol: "BTCUSDT",
		Start:  day(2023, 12, 1),
		End:    day(2024, 2, 1),
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, in[0].Timestamp, out[0].Timestamp)
	assert.Equal(t, 2.5, out[1].Close)
	assert.Equal(t, 20.0, out[1].Volume)
}

func TestParquetMissingSymbol(t *testing.T) {
	p := NewParquet(t.TempDir())
	out, err := p.FetchCandles(context.Background(), Request{Symbol: "NONE", Days: 10})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestNewSourceUnknown(t *testing.T) {
	cfg := config.Default()
	cfg.MarketData.Source = "yahoo"
	_, err := NewSource(context.Background(), cfg, logger.Discard())
	assert.Error(t, err)

	cfg.MarketData.Source = "coingecko"
	src, err := NewSource(context.Background(), cfg, logger.Discard())
	require.NoError(t, err)
	assert.Equal(t, "coingecko", src.Name())
}
