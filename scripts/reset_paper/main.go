// Command reset_paper cancels all open orders, liquidates all
// positions and clears cooldowns. Refuses to run against a live
// account.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/dkowalski/breakout-bot/internal/broker"
	"github.com/dkowalski/breakout-bot/internal/config"
	"github.com/dkowalski/breakout-bot/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	yes := flag.Bool("yes", false, "skip confirmation prompt")
	flag.Parse()

	if err := run(*configPath, *yes); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, yes bool) error {
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if !cfg.IsPaperTrading() {
		return fmt.Errorf("refusing to reset: mode is %q, not paper", cfg.Mode)
	}

	if !yes {
		fmt.Print("This cancels all orders and closes all positions on the paper account. Continue? [y/N] ")
		var answer string
		_, _ = fmt.Scanln(&answer)
		if answer != "y" && answer != "Y" {
			fmt.Println("aborted")
			return nil
		}
	}

	log := logrus.NewEntry(logrus.StandardLogger())
	ctx := context.Background()

	b := broker.NewAlpaca(cfg, log)
	if err := b.Connect(ctx); err != nil {
		return err
	}
	defer func() { _ = b.Disconnect(ctx) }()

	cancelled, err := b.CancelAllOrders(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("cancelled %d open orders\n", cancelled)

	closed, err := b.CloseAllPositions(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("closed %d positions\n", closed)

	st, err := store.Open(ctx, cfg.Persistence.DBURL)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.ClearCooldowns(ctx); err != nil {
		return err
	}
	fmt.Println("cooldowns cleared")
	return nil
}
