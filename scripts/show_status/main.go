// Command show_status prints symbol states, the latest snapshot and
// the performance report.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dkowalski/breakout-bot/internal/config"
	"github.com/dkowalski/breakout-bot/internal/performance"
	"github.com/dkowalski/breakout-bot/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
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

	states, err := st.AllSymbolStates(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	fmt.Println("=== Symbol States ===")
	if len(states) == 0 {
		fmt.Println("(none)")
	}
	for _, s := range states {
		status := "armed"
		if s.InCooldown(now) {
			status = fmt.Sprintf("cooldown until %s", s.CooldownUntil.Format(time.RFC3339))
		}
		fmt.Printf("  %-10s %s\n", s.Symbol, status)
	}

	if snap, err := st.GetLatestSnapshot(ctx); err == nil && snap != nil {
		fmt.Println("\n=== Latest Snapshot ===")
		fmt.Printf("  date: %s  account: %.2f  cash: %.2f  positions: %d\n",
			snap.Date, snap.AccountValue, snap.Cash, snap.PositionCount)
	}

	analyzer := performance.New(st, logrus.NewEntry(logrus.StandardLogger()))
	report, err := analyzer.Report(ctx)
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Print(report)
	return nil
}
