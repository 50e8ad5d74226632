// Command bot runs the breakout-entry / trailing-stop trading bot.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dkowalski/breakout-bot/internal/broker"
	"github.com/dkowalski/breakout-bot/internal/calendar"
	"github.com/dkowalski/breakout-bot/internal/config"
	"github.com/dkowalski/breakout-bot/internal/monitor"
	"github.com/dkowalski/breakout-bot/internal/performance"
	"github.com/dkowalski/breakout-bot/internal/store"
)

const monitorShutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// Optional .env for broker credentials.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log := logrus.NewEntry(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Persistence.DBURL)
	if err != nil {
		return err
	}
	defer st.Close()

	cal, err := calendar.New(cfg.Hours.Calendar, cfg.Hours.AllowPreMarket, cfg.Hours.AllowAfterHours)
	if err != nil {
		return err
	}

	var b broker.Broker = broker.NewBreaker(broker.NewAlpaca(cfg, log), log)
	bot := newBot(cfg, cal, b, st, log)

	srv := monitor.New(cfg.Monitor.Addr, st, performance.New(st, log), log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bot.Run(gctx)
	})
	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), monitorShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
