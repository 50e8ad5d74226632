// Command export_trades writes all closed trades to a CSV file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/dkowalski/breakout-bot/internal/config"
	"github.com/dkowalski/breakout-bot/internal/performance"
	"github.com/dkowalski/breakout-bot/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	outPath := flag.String("out", "trades.csv", "output CSV file")
	flag.Parse()

	if err := run(*configPath, *outPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, outPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx := context.Background()
	st, err := store.Open(ctx, cfg.Persistence.DBURL)
	if err != nil {
		return err
	}
	defer st.Close()

	analyzer := performance.New(st, logrus.NewEntry(logrus.StandardLogger()))
	trades, err := analyzer.ClosedTrades(ctx)
	if err != nil {
		return err
	}

	f, err := os.Create(outPath) // #nosec G304 -- operator-provided output path
	if err != nil {
		return fmt.Errorf("creating %s: %w", outPath, err)
	}
	defer f.Close()

	if err := performance.WriteCSV(f, trades); err != nil {
		return err
	}
	fmt.Printf("wrote %d closed trades to %s\n", len(trades), outPath)
	return nil
}
