// Package controller implements the per-symbol trading state machine.
// State is recomputed from broker truth on every tick rather than
// stored, so a restart resumes cleanly from whatever the venue reports.
package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dkowalski/breakout-bot/internal/broker"
	"github.com/dkowalski/breakout-bot/internal/config"
	"github.com/dkowalski/breakout-bot/internal/sizing"
	"github.com/dkowalski/breakout-bot/internal/store"
)

// State of one symbol's lifecycle.
type State string

const (
	StateNoPosition   State = "NO_POSITION"
	StateEntryPending State = "ENTRY_PENDING"
	StatePositionOpen State = "POSITION_OPEN"
	StateCooldown     State = "COOLDOWN"
	StateHalt         State = "HALT"
)

// Controller runs the breakout-entry / trailing-stop lifecycle for one
// symbol. The orchestrator is the only caller; handlers are not safe
// for concurrent use.
type Controller struct {
	symbol string
	crypto bool
	cfg    *config.Config
	broker broker.Broker
	store  store.Interface
	sizer  *sizing.Sizer
	log    *logrus.Entry
	halted bool
}

// New creates a controller for symbol.
func New(symbol string, crypto bool, cfg *config.Config, b broker.Broker, st store.Interface, sz *sizing.Sizer, log *logrus.Entry) *Controller {
	return &Controller{
		symbol: symbol,
		crypto: crypto,
		cfg:    cfg,
		broker: b,
		store:  st,
		sizer:  sz,
		log:    log.WithField("symbol", symbol),
	}
}

// Symbol returns the controller's symbol.
func (c *Controller) Symbol() string { return c.symbol }

// IsCrypto reports whether the symbol trades around the clock.
func (c *Controller) IsCrypto() bool { return c.crypto }

// Halt suppresses all intents until Resume. Operator use only.
func (c *Controller) Halt() { c.halted = true }

// Resume lifts a halt.
func (c *Controller) Resume() { c.halted = false }

// ComputeState classifies the symbol from current observations. First
// match wins: cooldown, then position, then pending entry.
func (c *Controller) ComputeState(ctx context.Context, now time.Time, positions map[string]broker.Position, openOrders []broker.OrderHandle) (State, error) {
	if c.halted {
		return StateHalt, nil
	}
	st, err := c.store.GetSymbolState(ctx, c.symbol)
	if err != nil {
		return "", fmt.Errorf("reading symbol state: %w", err)
	}
	if st.InCooldown(now) {
		return StateCooldown, nil
	}
	if p, ok := positions[c.symbol]; ok && p.Qty > 0 {
		return StatePositionOpen, nil
	}
	for _, h := range openOrders {
		if h.Symbol == c.symbol && broker.IsActiveEntry(h) {
			return StateEntryPending, nil
		}
	}
	return StateNoPosition, nil
}

// Process runs one tick for the symbol against shared observations.
// positions and openOrders are the tick-wide broker snapshots;
// accountValue of 0 means unavailable.
func (c *Controller) Process(ctx context.Context, positions map[string]broker.Position, openOrders []broker.OrderHandle, accountValue float64) error {
	state, err := c.ComputeState(ctx, time.Now(), positions, openOrders)
	if err != nil {
		return err
	}

	switch state {
	case StateNoPosition:
		return c.handleNoPosition(ctx, positions, accountValue)
	case StatePositionOpen:
		return c.handlePositionOpen(ctx, positions[c.symbol], openOrders)
	case StateEntryPending, StateCooldown, StateHalt:
		c.log.WithField("state", state).Debug("no action")
		return nil
	}
	return nil
}

func (c *Controller) handleNoPosition(ctx context.Context, positions map[string]broker.Position, accountValue float64) error {
	last, err := c.broker.GetLastPrice(ctx, c.symbol)
	if err != nil {
		c.log.WithError(err).Warn("no price, skipping tick")
		return nil
	}

	values := make(map[string]float64, len(positions))
	for sym, p := range positions {
		values[sym] = p.MarketValue
	}
	qty := c.sizer.Size(c.symbol, last, values, accountValue)
	if qty <= 0 {
		c.log.WithField("last", last).Debug("sizer returned zero, no entry")
		return nil
	}

	h, err := c.broker.PlaceEntry(ctx, c.symbol, qty, last)
	if err != nil {
		c.log.WithError(err).Warn("entry submission failed")
		return nil
	}

	if err := c.store.AddOrder(ctx, orderRecord(h)); err != nil {
		return fmt.Errorf("persisting entry order: %w", err)
	}
	parentID := h.ID
	if err := c.store.UpsertSymbolState(ctx, c.symbol, store.StatePatch{LastParentID: &parentID}); err != nil {
		return fmt.Errorf("updating symbol state: %w", err)
	}
	payload := map[string]any{
		"order_id":   h.ID,
		"qty":        qty,
		"last_price": last,
		"order_type": h.Type,
	}
	if h.StopPrice != nil {
		payload["stop_price"] = *h.StopPrice
	}
	if h.LimitPrice != nil {
		payload["limit_price"] = *h.LimitPrice
	}
	return c.store.AddEvent(ctx, "entry_order_placed", c.symbol, payload)
}

// handlePositionOpen reconciles the protective stop against the
// position: exactly one working stop whose quantity matches.
func (c *Controller) handlePositionOpen(ctx context.Context, pos broker.Position, openOrders []broker.OrderHandle) error {
	var stops []broker.OrderHandle
	for _, h := range openOrders {
		if h.Symbol == c.symbol && broker.IsProtectiveStop(h, c.crypto) {
			stops = append(stops, h)
		}
	}

	switch {
	case len(stops) == 0:
		return c.placeStop(ctx, pos.Qty, c.stopRefPrice(ctx, pos), "trailing_stop_recreated")

	case len(stops) > 1:
		for _, dup := range stops[1:] {
			if err := c.broker.Cancel(ctx, dup.ID); err != nil {
				c.log.WithError(err).WithField("order_id", dup.ID).Warn("duplicate stop cancel failed")
				continue
			}
			if err := c.store.AddEvent(ctx, "duplicate_stop_cancelled", c.symbol, map[string]any{
				"order_id": dup.ID,
				"kept":     stops[0].ID,
			}); err != nil {
				return err
			}
		}
		return nil

	case stops[0].Qty != pos.Qty:
		stale := stops[0]
		if err := c.broker.Cancel(ctx, stale.ID); err != nil {
			c.log.WithError(err).WithField("order_id", stale.ID).Warn("stale stop cancel failed")
			return nil
		}
		if err := c.placeStop(ctx, pos.Qty, c.stopRefPrice(ctx, pos), "trailing_stop_adjusted"); err != nil {
			return err
		}
		return nil
	}
	return nil
}

// stopRefPrice picks the reference for a fresh protective stop: the
// live price when available, else the position's average cost.
func (c *Controller) stopRefPrice(ctx context.Context, pos broker.Position) float64 {
	if last, err := c.broker.GetLastPrice(ctx, c.symbol); err == nil && last > 0 {
		return last
	}
	return pos.AvgCost
}

func (c *Controller) placeStop(ctx context.Context, qty, refPrice float64, eventType string) error {
	h, err := c.broker.PlaceTrailingStop(ctx, c.symbol, qty, refPrice)
	if err != nil {
		c.log.WithError(err).Warn("protective stop submission failed")
		return nil
	}
	rec := orderRecord(h)
	trail := c.cfg.Stops.TrailingStopPct
	rec.TrailingPct = &trail
	if err := c.store.AddOrder(ctx, rec); err != nil {
		return fmt.Errorf("persisting stop order: %w", err)
	}
	trailID := h.ID
	if err := c.store.UpsertSymbolState(ctx, c.symbol, store.StatePatch{LastTrailID: &trailID}); err != nil {
		return fmt.Errorf("updating symbol state: %w", err)
	}
	payload := map[string]any{
		"order_id":  h.ID,
		"qty":       qty,
		"ref_price": refPrice,
		"trail_pct": trail,
	}
	return c.store.AddEvent(ctx, eventType, c.symbol, payload)
}

// OnEntryFill attaches the protective stop after a BUY fills. Called
// from the reconciliation callbacks with the fill's quantity and price.
func (c *Controller) OnEntryFill(ctx context.Context, order broker.OrderHandle, exec broker.Execution) error {
	c.log.WithFields(logrus.Fields{
		"order_id": order.ID,
		"qty":      exec.Qty,
		"price":    exec.Price,
	}).Info("entry filled, attaching protective stop")

	// A stop may already be working if the position tick ran before
	// this callback; the POSITION_OPEN pass reconciles quantities.
	if open, err := c.broker.GetOpenOrders(ctx); err == nil {
		for _, h := range open {
			if h.Symbol == c.symbol && broker.IsProtectiveStop(h, c.crypto) {
				c.log.WithField("order_id", h.ID).Debug("protective stop already working")
				return nil
			}
		}
	}

	h, err := c.broker.PlaceTrailingStop(ctx, c.symbol, exec.Qty, exec.Price)
	if err != nil {
		// The next POSITION_OPEN tick recreates the missing stop.
		c.log.WithError(err).Warn("post-fill stop submission failed")
		return nil
	}
	rec := orderRecord(h)
	trail := c.cfg.Stops.TrailingStopPct
	rec.TrailingPct = &trail
	rec.ParentID = order.ID
	if err := c.store.AddOrder(ctx, rec); err != nil {
		return fmt.Errorf("persisting stop order: %w", err)
	}
	trailID := h.ID
	return c.store.UpsertSymbolState(ctx, c.symbol, store.StatePatch{LastTrailID: &trailID})
}

// OnStopOut starts the cooldown after the protective stop fills.
func (c *Controller) OnStopOut(ctx context.Context, order broker.OrderHandle, exec broker.Execution) error {
	until := time.Now().Add(c.cfg.CooldownDuration()).UTC()
	if err := c.store.UpsertSymbolState(ctx, c.symbol, store.StatePatch{CooldownUntil: &until}); err != nil {
		return fmt.Errorf("starting cooldown: %w", err)
	}
	c.log.WithFields(logrus.Fields{
		"order_id":       order.ID,
		"price":          exec.Price,
		"cooldown_until": until,
	}).Info("stopped out, cooldown started")
	return c.store.AddEvent(ctx, "stopout_cooldown_started", c.symbol, map[string]any{
		"order_id":       order.ID,
		"qty":            exec.Qty,
		"price":          exec.Price,
		"cooldown_until": until.Format(time.RFC3339),
	})
}

// CancelUnfilledEntries cancels any working BUY for the symbol. Invoked
// by the orchestrator in the end-of-session window, equities only.
func (c *Controller) CancelUnfilledEntries(ctx context.Context, openOrders []broker.OrderHandle) error {
	for _, h := range openOrders {
		if h.Symbol != c.symbol || !broker.IsActiveEntry(h) {
			continue
		}
		if err := c.broker.Cancel(ctx, h.ID); err != nil {
			c.log.WithError(err).WithField("order_id", h.ID).Warn("eod cancel failed")
			continue
		}
		if err := c.store.AddEvent(ctx, "entry_cancelled_eod", c.symbol, map[string]any{
			"order_id": h.ID,
			"qty":      h.Qty,
		}); err != nil {
			return err
		}
	}
	return nil
}

func orderRecord(h *broker.OrderHandle) store.Order {
	return store.Order{
		OrderID:    h.ID,
		Symbol:     h.Symbol,
		Side:       string(h.Side),
		OrderType:  h.Type,
		Status:     h.Status,
		Qty:        h.Qty,
		StopPrice:  h.StopPrice,
		LimitPrice: h.LimitPrice,
		ParentID:   h.ParentID,
		CreatedAt:  h.CreatedAt,
	}
}
