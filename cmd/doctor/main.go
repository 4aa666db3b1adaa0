// Command doctor checks that a deployment can run backtests: database, engine
// runtime and market data. With -snapshot it also stores the fetched candles
// as parquet files for the offline source.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/camuig/strategy-lab/internal/config"
	"github.com/camuig/strategy-lab/internal/evaluator"
	"github.com/camuig/strategy-lab/internal/logger"
	"github.com/camuig/strategy-lab/internal/marketdata"
	"github.com/camuig/strategy-lab/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	symbol := flag.String("symbol", "", "symbol to fetch (default: market_data.default_coin)")
	days := flag.Int("days", 30, "days of candles to fetch")
	snapshot := flag.String("snapshot", "", "write fetched candles to this parquet data dir")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var failed int
	check := func(name string, err error) {
		if err != nil {
			fmt.Fprintf(os.Stderr, "  [FAIL] %s: %v\n", name, err)
			failed++
			return
		}
		fmt.Printf("  [OK]   %s\n", name)
	}

	fmt.Println("Checking strategy-lab environment:")

	db, err := storage.NewDatabase(cfg)
	if err == nil {
		var counts map[string]int64
		counts, err = statusCounts(ctx, storage.NewRepository(db))
		if err == nil {
			fmt.Printf("         strategies by status: %v\n", counts)
		}
	}
	check("database ("+cfg.Storage.Driver+")", err)

	engine := evaluator.NewSubprocessEngine(cfg, log)
	check(fmt.Sprintf("engine runtime %v", cfg.Backtest.Engine.Probe), engine.Check(ctx))

	source, err := marketdata.NewSource(ctx, cfg, log)
	if err != nil {
		check("market data ("+cfg.MarketData.Source+")", err)
		os.Exit(1)
	}
	if closer, ok := source.(marketdata.Closer); ok {
		defer closer.Close()
	}

	if *symbol == "" {
		*symbol = cfg.MarketData.DefaultCoin
	}
	end := time.Now().UTC()
	candles, err := source.FetchCandles(ctx, marketdata.Request{
		Symbol: *symbol,
		Days:   *days,
		Start:  end.AddDate(0, 0, -*days),
		End:    end,
	})
	if err == nil && len(candles) == 0 {
		err = fmt.Errorf("no candles for %s", *symbol)
	}
	check(fmt.Sprintf("market data (%s, %s, %dd)", source.Name(), *symbol, *days), err)
	if err == nil {
		first, last := candles[0], candles[len(candles)-1]
		fmt.Printf("         %d candles %s .. %s, last close %.4f\n",
			len(candles), first.Timestamp.Format(time.DateOnly), last.Timestamp.Format(time.DateOnly), last.Close)

		if *snapshot != "" {
			check("snapshot to "+*snapshot, marketdata.NewParquet(*snapshot).WriteCandles(*symbol, candles))
		}
	}

	fmt.Println()
	if failed > 0 {
		fmt.Printf("%d check(s) failed.\n", failed)
		os.Exit(1)
	}
	fmt.Println("All checks passed.")
}

func statusCounts(ctx context.Context, repo *storage.Repository) (map[string]int64, error) {
	counts, err := repo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(counts))
	for status, n := range counts {
		out[string(status)] = n
	}
	return out, nil
}
