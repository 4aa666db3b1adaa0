package marketdata

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
)

// CandleRecord is the on-disk parquet schema for one candle.
type CandleRecord struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    float64 `parquet:"volume"`
}

// Parquet serves candles from files laid out as
//
//	<DataDir>/<SYMBOL>/<YYYY>.parquet
type Parquet struct {
	DataDir string
}

func NewParquet(dataDir string) *Parquet {
	return &Parquet{DataDir: dataDir}
}

func (p *Parquet) Name() string { return "parquet" }

func (p *Parquet) FetchCandles(ctx context.Context, req Request) ([]Candle, error) {
	from, to := req.Start, req.End
	if from.IsZero() || to.IsZero() {
		to = time.Now().UTC()
		from = to.AddDate(0, 0, -req.Days)
	}

	var candles []Candle
	for year := from.Year(); year <= to.Year(); year++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		path := p.path(req.Symbol, year)
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		records, err := parquet.ReadFile[CandleRecord](path)
		if err != nil {
			return nil, fmt.Errorf("read candles %s/%d: %w", req.Symbol, year, err)
		}
		for _, r := range records {
			candles = append(candles, Candle{
				Timestamp: time.UnixMilli(r.Timestamp).UTC(),
				Open:      r.Open,
				High:      r.High,
				Low:       r.Low,
				Close:     r.Close,
				Volume:    r.Volume,
			})
		}
	}

	candles = filterRange(candles, from, to)
	sort.Slice(candles, func(i, j int) bool { return candles[i].Timestamp.Before(candles[j].Timestamp) })
	return candles, nil
}

// WriteCandles stores candles for symbol, one file per calendar year,
// replacing any existing file for the years written.
func (p *Parquet) WriteCandles(symbol string, candles []Candle) error {
	byYear := make(map[int][]CandleRecord)
	for _, c := range candles {
		year := c.Timestamp.UTC().Year()
		byYear[year] = append(byYear[year], CandleRecord{
			Symbol:    strings.ToUpper(symbol),
			Timestamp: c.Timestamp.UnixMilli(),
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
		})
	}

	for year, records := range byYear {
		path := p.path(symbol, year)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create candle dir: %w", err)
		}
		if err := parquet.WriteFile(path, records); err != nil {
			return fmt.Errorf("write candles %s/%d: %w", symbol, year, err)
		}
	}
	return nil
}

func (p *Parquet) path(symbol string, year int) string {
	return filepath.Join(p.DataDir, strings.ToUpper(symbol), strconv.Itoa(year)+".parquet")
}
