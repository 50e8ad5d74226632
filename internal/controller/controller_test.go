package controller

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkowalski/breakout-bot/internal/broker"
	"github.com/dkowalski/breakout-bot/internal/config"
	"github.com/dkowalski/breakout-bot/internal/sizing"
	"github.com/dkowalski/breakout-bot/internal/store"
)

type testEnv struct {
	cfg  *config.Config
	sim  *broker.Sim
	st   *store.Store
	ctrl *Controller
}

func newTestEnv(t *testing.T, symbol string, crypto bool) *testEnv {
	t.Helper()
	cfg := &config.Config{
		Mode:      "paper",
		Watchlist: []string{"TSLA"},
		Allocation: config.AllocationConfig{
			TotalUSDCap:           20000,
			PerSymbolUSD:          1000,
			MinCashReservePercent: 10,
		},
		Entries: config.EntriesConfig{
			Type:                "buy_stop",
			BuyStopPctAboveLast: 5,
			TIF:                 "DAY",
			CancelAtClose:       true,
		},
		Stops: config.StopsConfig{
			TrailingStopPct: 10,
			TIF:             "GTC",
		},
		Cooldowns: config.CooldownsConfig{AfterStopoutMinutes: 20},
		Risk: config.RiskConfig{
			MaxTotalExposureUSD:  20000,
			MaxSymbolExposureUSD: 2000,
		},
	}
	if crypto {
		cfg.CryptoWatchlist = []string{symbol}
	}

	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "bot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	sim := broker.NewSim(cfg)
	require.NoError(t, sim.Connect(context.Background()))

	log := logrus.NewEntry(logrus.New())
	ctrl := New(symbol, crypto, cfg, sim, st, sizing.New(cfg, log), log)
	return &testEnv{cfg: cfg, sim: sim, st: st, ctrl: ctrl}
}

func (e *testEnv) process(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	positions, err := e.sim.GetPositions(ctx)
	require.NoError(t, err)
	open, err := e.sim.GetOpenOrders(ctx)
	require.NoError(t, err)
	require.NoError(t, e.ctrl.Process(ctx, positions, open, 0))
}

func (e *testEnv) eventsOfType(t *testing.T, eventType string) []store.Event {
	t.Helper()
	events, err := e.st.RecentEvents(context.Background(), 50)
	require.NoError(t, err)
	var out []store.Event
	for _, ev := range events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// Gap-up entry: one tick against a flat book submits exactly one BUY
// stop at last*1.05 for floor(1000/100) units, with order row, state
// row and event all persisted.
func TestGapUpEntry(t *testing.T) {
	e := newTestEnv(t, "TSLA", false)
	e.sim.SetPrice("TSLA", 100.00)

	e.process(t)

	open := e.sim.OpenOrdersFor("TSLA")
	require.Len(t, open, 1)
	assert.Equal(t, broker.SideBuy, open[0].Side)
	assert.Equal(t, broker.TypeStop, open[0].Type)
	assert.Equal(t, 10.0, open[0].Qty)
	require.NotNil(t, open[0].StopPrice)
	assert.Equal(t, 105.00, *open[0].StopPrice)

	ctx := context.Background()
	orders, err := e.st.GetActiveOrders(ctx, "TSLA")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "BUY", orders[0].Side)

	st, err := e.st.GetSymbolState(ctx, "TSLA")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, open[0].ID, st.LastParentID)

	require.Len(t, e.eventsOfType(t, "entry_order_placed"), 1)
}

// With an entry already working, further ticks are ENTRY_PENDING and
// submit nothing: at most one active entry per symbol.
func TestSingleActiveEntry(t *testing.T) {
	e := newTestEnv(t, "TSLA", false)
	e.sim.SetPrice("TSLA", 100.00)

	e.process(t)
	e.process(t)
	e.process(t)

	assert.Len(t, e.sim.OpenOrdersFor("TSLA"), 1)
	assert.Len(t, e.eventsOfType(t, "entry_order_placed"), 1)
}

// Cooldown wins over positions and pending orders.
func TestComputeStateOrdering(t *testing.T) {
	e := newTestEnv(t, "TSLA", false)
	ctx := context.Background()
	now := time.Now()

	state, err := e.ctrl.ComputeState(ctx, now, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StateNoPosition, state)

	positions := map[string]broker.Position{"TSLA": {Symbol: "TSLA", Qty: 10}}
	state, err = e.ctrl.ComputeState(ctx, now, positions, nil)
	require.NoError(t, err)
	assert.Equal(t, StatePositionOpen, state)

	open := []broker.OrderHandle{{ID: "x", Symbol: "TSLA", Side: broker.SideBuy, Status: "accepted"}}
	state, err = e.ctrl.ComputeState(ctx, now, nil, open)
	require.NoError(t, err)
	assert.Equal(t, StateEntryPending, state)

	until := now.Add(10 * time.Minute)
	require.NoError(t, e.st.UpsertSymbolState(ctx, "TSLA", store.StatePatch{CooldownUntil: &until}))
	state, err = e.ctrl.ComputeState(ctx, now, positions, open)
	require.NoError(t, err)
	assert.Equal(t, StateCooldown, state)

	e.ctrl.Halt()
	state, err = e.ctrl.ComputeState(ctx, now, positions, open)
	require.NoError(t, err)
	assert.Equal(t, StateHalt, state)
}

// A bare position gets a protective stop for the full quantity.
func TestMissingStopRecreated(t *testing.T) {
	e := newTestEnv(t, "TSLA", false)
	e.sim.SetPrice("TSLA", 250.00)
	e.sim.SetPosition("TSLA", 10, 250.00)

	e.process(t)

	open := e.sim.OpenOrdersFor("TSLA")
	require.Len(t, open, 1)
	assert.Equal(t, broker.SideSell, open[0].Side)
	assert.Equal(t, broker.TypeTrailingStop, open[0].Type)
	assert.Equal(t, 10.0, open[0].Qty)
	require.NotNil(t, open[0].TrailPercent)
	assert.Equal(t, 10.0, *open[0].TrailPercent)

	require.Len(t, e.eventsOfType(t, "trailing_stop_recreated"), 1)

	// Stable thereafter.
	e.process(t)
	assert.Len(t, e.sim.OpenOrdersFor("TSLA"), 1)
}

// Three stops for one position: the first survives, the rest are
// cancelled.
func TestDuplicateStopCleanup(t *testing.T) {
	e := newTestEnv(t, "TSLA", false)
	e.sim.SetPrice("TSLA", 250.00)
	e.sim.SetPosition("TSLA", 10, 250.00)

	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		h, err := e.sim.PlaceTrailingStop(ctx, "TSLA", 10, 250.00)
		require.NoError(t, err)
		ids = append(ids, h.ID)
	}

	e.process(t)

	open := e.sim.OpenOrdersFor("TSLA")
	require.Len(t, open, 1)
	assert.Equal(t, ids[0], open[0].ID)
	assert.Equal(t, "canceled", e.sim.Order(ids[1]).Status)
	assert.Equal(t, "canceled", e.sim.Order(ids[2]).Status)
	assert.Len(t, e.eventsOfType(t, "duplicate_stop_cancelled"), 2)
}

// One stop with the wrong quantity is replaced at the position size.
func TestStopQtyMismatch(t *testing.T) {
	e := newTestEnv(t, "TSLA", false)
	e.sim.SetPrice("TSLA", 250.00)
	e.sim.SetPosition("TSLA", 10, 250.00)

	ctx := context.Background()
	stale, err := e.sim.PlaceTrailingStop(ctx, "TSLA", 5, 250.00)
	require.NoError(t, err)

	e.process(t)

	assert.Equal(t, "canceled", e.sim.Order(stale.ID).Status)
	open := e.sim.OpenOrdersFor("TSLA")
	require.Len(t, open, 1)
	assert.Equal(t, 10.0, open[0].Qty)
	assert.Len(t, e.eventsOfType(t, "trailing_stop_adjusted"), 1)
}

// A trailing-stop fill starts the cooldown and the next tick takes no
// action; after expiry the symbol re-arms.
func TestStopOutCooldownAndRearm(t *testing.T) {
	e := newTestEnv(t, "TSLA", false)
	e.sim.SetPrice("TSLA", 225.00)
	ctx := context.Background()

	order := broker.OrderHandle{ID: "trail-1", Symbol: "TSLA", Side: broker.SideSell, Type: broker.TypeTrailingStop}
	exec := broker.Execution{ExecID: "trail-1:10", OrderID: "trail-1", Symbol: "TSLA", Side: broker.SideSell, Qty: 10, Price: 225.00}
	require.NoError(t, e.ctrl.OnStopOut(ctx, order, exec))

	st, err := e.st.GetSymbolState(ctx, "TSLA")
	require.NoError(t, err)
	require.NotNil(t, st.CooldownUntil)
	expected := time.Now().Add(20 * time.Minute)
	assert.WithinDuration(t, expected, *st.CooldownUntil, 5*time.Second)
	require.Len(t, e.eventsOfType(t, "stopout_cooldown_started"), 1)

	state, err := e.ctrl.ComputeState(ctx, time.Now(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StateCooldown, state)

	e.process(t)
	assert.Empty(t, e.sim.OpenOrdersFor("TSLA"))

	// Expire the cooldown: the next tick re-arms.
	past := time.Now().Add(-time.Minute)
	require.NoError(t, e.st.UpsertSymbolState(ctx, "TSLA", store.StatePatch{CooldownUntil: &past}))

	state, err = e.ctrl.ComputeState(ctx, time.Now(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StateNoPosition, state)

	e.process(t)
	open := e.sim.OpenOrdersFor("TSLA")
	require.Len(t, open, 1)
	assert.Equal(t, broker.SideBuy, open[0].Side)
}

// A BUY fill attaches a stop for the filled quantity, linked to the
// entry order.
func TestOnEntryFill(t *testing.T) {
	e := newTestEnv(t, "TSLA", false)
	ctx := context.Background()

	order := broker.OrderHandle{ID: "entry-1", Symbol: "TSLA", Side: broker.SideBuy, Type: broker.TypeStop}
	exec := broker.Execution{ExecID: "entry-1:10", OrderID: "entry-1", Symbol: "TSLA", Side: broker.SideBuy, Qty: 10, Price: 105.00}
	require.NoError(t, e.ctrl.OnEntryFill(ctx, order, exec))

	open := e.sim.OpenOrdersFor("TSLA")
	require.Len(t, open, 1)
	assert.Equal(t, broker.SideSell, open[0].Side)
	assert.Equal(t, 10.0, open[0].Qty)

	orders, err := e.st.GetActiveOrders(ctx, "TSLA")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "entry-1", orders[0].ParentID)
	require.NotNil(t, orders[0].TrailingPct)
	assert.Equal(t, 10.0, *orders[0].TrailingPct)

	st, err := e.st.GetSymbolState(ctx, "TSLA")
	require.NoError(t, err)
	assert.Equal(t, open[0].ID, st.LastTrailID)
}

func TestCancelUnfilledEntries(t *testing.T) {
	e := newTestEnv(t, "TSLA", false)
	e.sim.SetPrice("TSLA", 100.00)
	e.process(t)

	ctx := context.Background()
	open, err := e.sim.GetOpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)

	require.NoError(t, e.ctrl.CancelUnfilledEntries(ctx, open))

	assert.Empty(t, e.sim.OpenOrdersFor("TSLA"))
	assert.Len(t, e.eventsOfType(t, "entry_cancelled_eod"), 1)
}

// Crypto entries are GTC limits and crypto exits are limit sells; a
// working limit sell counts as the protective stop.
func TestCryptoOrderPolicy(t *testing.T) {
	e := newTestEnv(t, "BTC/USD", true)
	e.cfg.Allocation.AllowFractional = true
	e.sim.SetPrice("BTC/USD", 40000.00)

	e.process(t)

	open := e.sim.OpenOrdersFor("BTC/USD")
	require.Len(t, open, 1)
	assert.Equal(t, broker.TypeLimit, open[0].Type)
	require.NotNil(t, open[0].LimitPrice)
	assert.Equal(t, 42000.00, *open[0].LimitPrice)

	// Filled entry becomes a position; the next tick attaches a
	// limit-sell exit referenced to the live price.
	require.NoError(t, e.sim.FillOrder(open[0].ID, 42000.00))
	e.process(t)

	open = e.sim.OpenOrdersFor("BTC/USD")
	require.Len(t, open, 1)
	assert.Equal(t, broker.SideSell, open[0].Side)
	assert.Equal(t, broker.TypeLimit, open[0].Type)
	require.NotNil(t, open[0].LimitPrice)
	assert.InDelta(t, 36000.00, *open[0].LimitPrice, 0.01)

	// Stable: the limit sell is recognized as the stop.
	e.process(t)
	assert.Len(t, e.sim.OpenOrdersFor("BTC/USD"), 1)
}
