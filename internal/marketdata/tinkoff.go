package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/russianinvestments/invest-api-go-sdk/investgo"
	pb "github.com/russianinvestments/invest-api-go-sdk/proto"

	"github.com/camuig/strategy-lab/internal/config"
	"github.com/camuig/strategy-lab/internal/logger"
)

const (
	sandboxEndpoint = "sandbox-invest-public-api.tinkoff.ru:443"
	liveEndpoint    = "invest-public-api.tinkoff.ru:443"
)

// Tinkoff serves daily exchange candles for MOEX tickers through the T-Invest API.
type Tinkoff struct {
	client *investgo.Client
	uids   sync.Map // ticker -> instrument uid
	logger *logger.Logger
}

func NewTinkoff(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Tinkoff, error) {
	endpoint := liveEndpoint
	if cfg.IsSandbox() {
		endpoint = sandboxEndpoint
	}

	investCfg := investgo.Config{
		EndPoint: endpoint,
		Token:    cfg.Tinkoff.Token,
		AppName:  "strategy-lab",
	}

	client, err := investgo.NewClient(ctx, investCfg, log)
	if err != nil {
		return nil, fmt.Errorf("create investgo client: %w", err)
	}
	return &Tinkoff{client: client, logger: log}, nil
}

func (t *Tinkoff) Name() string { return "tinkoff" }

func (t *Tinkoff) FetchCandles(ctx context.Context, req Request) ([]Candle, error) {
	uid, err := t.resolveTickerToUID(req.Symbol)
	if err != nil {
		return nil, err
	}

	from, to := req.Start, req.End
	if from.IsZero() || to.IsZero() {
		to = time.Now()
		from = to.AddDate(0, 0, -req.Days)
	}

	md := t.client.NewMarketDataServiceClient()
	resp, err := md.GetCandles(
		uid,
		pb.CandleInterval_CANDLE_INTERVAL_DAY,
		from, to,
		pb.GetCandlesRequest_CANDLE_SOURCE_EXCHANGE,
		0,
	)
	if err != nil {
		return nil, fmt.Errorf("get candles %s: %w", req.Symbol, err)
	}

	candles := make([]Candle, 0, len(resp.GetCandles()))
	for _, c := range resp.GetCandles() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		candles = append(candles, Candle{
			Timestamp: c.GetTime().AsTime().UTC(),
			Open:      c.GetOpen().ToFloat(),
			High:      c.GetHigh().ToFloat(),
			Low:       c.GetLow().ToFloat(),
			Close:     c.GetClose().ToFloat(),
			Volume:    float64(c.GetVolume()),
		})
	}

	t.logger.Debug("tinkoff candles fetched", "ticker", req.Symbol, "count", len(candles))
	return candles, nil
}

// resolveTickerToUID resolves a ticker to its instrument UID using the instruments service.
func (t *Tinkoff) resolveTickerToUID(ticker string) (string, error) {
	if cached, ok := t.uids.Load(ticker); ok {
		return cached.(string), nil
	}

	instruments := t.client.NewInstrumentsServiceClient()
	resp, err := instruments.FindInstrument(ticker)
	if err != nil {
		return "", fmt.Errorf("find instrument %s: %w", ticker, err)
	}

	for _, inst := range resp.GetInstruments() {
		if inst.GetTicker() == ticker {
			uid := inst.GetUid()
			t.uids.Store(ticker, uid)
			return uid, nil
		}
	}

	return "", fmt.Errorf("instrument not found: %s", ticker)
}

func (t *Tinkoff) Close() error {
	return t.client.Stop()
}
