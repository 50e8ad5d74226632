package main

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dkowalski/breakout-bot/internal/broker"
	"github.com/dkowalski/breakout-bot/internal/calendar"
	"github.com/dkowalski/breakout-bot/internal/config"
	"github.com/dkowalski/breakout-bot/internal/controller"
	"github.com/dkowalski/breakout-bot/internal/performance"
	"github.com/dkowalski/breakout-bot/internal/sizing"
	"github.com/dkowalski/breakout-bot/internal/store"
)

// eodCancelWindow is how long before the close unfilled equity entries
// are cancelled.
const eodCancelWindow = 15 * time.Minute

// idleSleep is the loop cadence when equities are closed and there is
// no crypto to trade.
const idleSleep = time.Minute

// Bot owns one controller per watched symbol and runs the main loop:
// per-symbol ticks, end-of-session cancels, the daily snapshot, the
// reconciliation poll and the broker keepalive.
type Bot struct {
	cfg         *config.Config
	cal         *calendar.Calendar
	broker      broker.Broker
	store       store.Interface
	analyzer    *performance.Analyzer
	log         *logrus.Entry
	controllers []*controller.Controller
	bySymbol    map[string]*controller.Controller

	now            func() time.Time
	lastEventCheck time.Time
	lastKeepalive  time.Time
	eodCancelDay   string
	snapshotDay    string
}

func newBot(cfg *config.Config, cal *calendar.Calendar, b broker.Broker, st store.Interface, log *logrus.Entry) *Bot {
	bot := &Bot{
		cfg:      cfg,
		cal:      cal,
		broker:   b,
		store:    st,
		analyzer: performance.New(st, log),
		log:      log,
		bySymbol: make(map[string]*controller.Controller),
		now:      time.Now,
	}
	sizer := sizing.New(cfg, log)
	for _, sym := range cfg.Watchlist {
		c := controller.New(sym, false, cfg, b, st, sizer, log)
		bot.controllers = append(bot.controllers, c)
		bot.bySymbol[sym] = c
	}
	for _, sym := range cfg.CryptoWatchlist {
		c := controller.New(sym, true, cfg, b, st, sizer, log)
		bot.controllers = append(bot.controllers, c)
		bot.bySymbol[sym] = c
	}
	b.OnFill(bot.onFill)
	b.OnOrderStatus(bot.onOrderStatus)
	return bot
}

// Run connects, then loops until ctx is cancelled. The current tick
// always completes before shutdown.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.broker.Connect(ctx); err != nil {
		return err
	}
	if err := b.store.AddEvent(ctx, "bot_started", "", map[string]any{
		"mode":      b.cfg.Mode,
		"watchlist": len(b.cfg.Watchlist),
		"crypto":    len(b.cfg.CryptoWatchlist),
	}); err != nil {
		return err
	}
	b.log.WithFields(logrus.Fields{
		"symbols": len(b.controllers),
		"mode":    b.cfg.Mode,
	}).Info("bot started")

	for {
		sleep := b.tick(ctx)
		select {
		case <-ctx.Done():
			b.shutdown()
			return nil
		case <-time.After(sleep):
		}
	}
}

func (b *Bot) shutdown() {
	// The run context is already cancelled; give cleanup its own.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.store.AddEvent(ctx, "bot_stopped", "", nil); err != nil {
		b.log.WithError(err).Warn("recording stop event")
	}
	if err := b.broker.Disconnect(ctx); err != nil {
		b.log.WithError(err).Warn("disconnect failed")
	}
	b.log.Info("bot stopped")
}

// tick runs one pass of the main loop and returns how long to sleep
// before the next.
func (b *Bot) tick(ctx context.Context) time.Duration {
	now := b.now()
	inRTH := b.cal.IsRegularHours(now)

	if !inRTH && len(b.cfg.CryptoWatchlist) == 0 {
		b.keepaliveDue(ctx, now)
		return idleSleep
	}

	// Reconcile first: a fill observed now must be reflected in the
	// position and order reads the controllers act on below.
	if now.Sub(b.lastEventCheck) >= b.cfg.EventCheckInterval() {
		if err := b.broker.PollEvents(ctx); err != nil {
			b.log.WithError(err).Warn("event poll failed")
		}
		b.lastEventCheck = now
	}

	positions, err := b.broker.GetPositions(ctx)
	if err != nil {
		b.log.WithError(err).Warn("positions unavailable, skipping tick")
		return b.cfg.OrdersInterval()
	}
	accountValue, err := b.broker.GetAccountValue(ctx)
	if err != nil {
		b.log.WithError(err).Warn("account value unavailable")
		accountValue = 0
	}
	openOrders, err := b.broker.GetOpenOrders(ctx)
	if err != nil {
		b.log.WithError(err).Warn("open orders unavailable, skipping tick")
		return b.cfg.OrdersInterval()
	}

	for _, c := range b.controllers {
		if !c.IsCrypto() && !inRTH {
			continue
		}
		if err := c.Process(ctx, positions, openOrders, accountValue); err != nil {
			// One symbol's failure never blocks the rest.
			b.log.WithError(err).WithField("symbol", c.Symbol()).Error("tick failed")
		}
	}

	b.eodCancelDue(ctx, now, openOrders)
	b.snapshotDue(ctx, now, positions)
	b.keepaliveDue(ctx, now)

	return b.cfg.OrdersInterval()
}

// eodCancelDue cancels unfilled equity entries once per session inside
// the final window before the close.
func (b *Bot) eodCancelDue(ctx context.Context, now time.Time, openOrders []broker.OrderHandle) {
	if !b.cfg.Entries.CancelAtClose {
		return
	}
	secs := b.cal.SecondsUntilClose(now)
	if secs <= 0 || secs > eodCancelWindow.Seconds() {
		return
	}
	day := now.UTC().Format("2006-01-02")
	if day == b.eodCancelDay {
		return
	}
	b.log.WithField("seconds_until_close", secs).Info("cancelling unfilled entries before close")
	for _, c := range b.controllers {
		if c.IsCrypto() {
			continue
		}
		if err := c.CancelUnfilledEntries(ctx, openOrders); err != nil {
			b.log.WithError(err).WithField("symbol", c.Symbol()).Warn("eod cancel failed")
		}
	}
	b.eodCancelDay = day
}

// snapshotDue writes the daily performance snapshot on the first tick
// of each UTC day.
func (b *Bot) snapshotDue(ctx context.Context, now time.Time, positions map[string]broker.Position) {
	day := now.UTC().Format("2006-01-02")
	if day == b.snapshotDay {
		return
	}

	summary, err := b.broker.GetAccountSummary(ctx)
	if err != nil {
		b.log.WithError(err).Warn("account summary unavailable, snapshot skipped")
		return
	}

	var positionValue, unrealized float64
	for _, p := range positions {
		positionValue += p.MarketValue
		unrealized += p.MarketValue - p.Qty*p.AvgCost
	}

	var realized float64
	if trades, err := b.analyzer.ClosedTrades(ctx); err == nil {
		realized = performance.ComputeStats(trades).TotalPnL
	}

	midnight := time.Date(now.UTC().Year(), now.UTC().Month(), now.UTC().Day(), 0, 0, 0, 0, time.UTC)
	tradeCount, err := b.store.CountFillsSince(ctx, midnight)
	if err != nil {
		tradeCount = 0
	}

	snap := store.Snapshot{
		Date:          day,
		AccountValue:  summary["equity"],
		Cash:          summary["cash"],
		PositionValue: positionValue,
		UnrealizedPL:  unrealized,
		RealizedPL:    realized,
		PositionCount: len(positions),
		TradeCount:    tradeCount,
	}
	if err := b.store.AddPerformanceSnapshot(ctx, snap); err != nil {
		b.log.WithError(err).Warn("snapshot write failed")
		return
	}
	b.snapshotDay = day
	b.log.WithField("date", day).Info("daily snapshot written")
}

func (b *Bot) keepaliveDue(ctx context.Context, now time.Time) {
	if now.Sub(b.lastKeepalive) < b.cfg.KeepaliveInterval() {
		return
	}
	if err := b.broker.KeepAlive(ctx); err != nil {
		b.log.WithError(err).Warn("keepalive failed")
	}
	b.lastKeepalive = now
}

// onFill records the execution and routes it to the symbol's
// controller: a protective-stop SELL starts the cooldown, a BUY fill
// attaches the protective stop. Replayed executions are dropped by the
// store's exec-id dedup before any controller action fires.
func (b *Bot) onFill(ctx context.Context, order broker.OrderHandle, exec broker.Execution) {
	inserted, err := b.store.AddFill(ctx, store.Fill{
		ExecID:  exec.ExecID,
		OrderID: exec.OrderID,
		Symbol:  exec.Symbol,
		Side:    string(exec.Side),
		Qty:     exec.Qty,
		Price:   exec.Price,
		TS:      exec.TS,
	})
	if err != nil {
		b.log.WithError(err).WithField("exec_id", exec.ExecID).Error("recording fill failed")
		return
	}
	if !inserted {
		return
	}
	if err := b.store.UpdateOrderStatus(ctx, order.ID, strings.ToLower(order.Status)); err != nil {
		b.log.WithError(err).WithField("order_id", order.ID).Warn("order status update failed")
	}

	c := b.bySymbol[exec.Symbol]
	if c == nil {
		b.log.WithField("symbol", exec.Symbol).Debug("fill for unwatched symbol")
		return
	}

	switch {
	case exec.Side == broker.SideSell && (order.Type == broker.TypeTrailingStop || (c.IsCrypto() && order.Type == broker.TypeLimit)):
		if err := c.OnStopOut(ctx, order, exec); err != nil {
			b.log.WithError(err).WithField("symbol", exec.Symbol).Error("stop-out handling failed")
		}
	case exec.Side == broker.SideBuy:
		if err := c.OnEntryFill(ctx, order, exec); err != nil {
			b.log.WithError(err).WithField("symbol", exec.Symbol).Error("entry-fill handling failed")
		}
	}
}

func (b *Bot) onOrderStatus(ctx context.Context, order broker.OrderHandle) {
	if err := b.store.UpdateOrderStatus(ctx, order.ID, strings.ToLower(order.Status)); err != nil {
		b.log.WithError(err).WithField("order_id", order.ID).Warn("order status update failed")
	}
	b.log.WithFields(logrus.Fields{
		"order_id": order.ID,
		"symbol":   order.Symbol,
		"status":   order.Status,
	}).Debug("order status change")
}
