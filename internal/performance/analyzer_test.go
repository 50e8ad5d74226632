package performance

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkowalski/breakout-bot/internal/store"
)

func fill(symbol, side string, qty, price float64, ts time.Time) store.Fill {
	return store.Fill{
		ExecID:  symbol + side + ts.String(),
		OrderID: "o",
		Symbol:  symbol,
		Side:    side,
		Qty:     qty,
		Price:   price,
		TS:      ts,
	}
}

var t0 = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func TestPairFillsSimpleRoundTrip(t *testing.T) {
	fills := []store.Fill{
		fill("TSLA", "BUY", 10, 100, t0),
		fill("TSLA", "SELL", 10, 110, t0.Add(2*time.Hour)),
	}
	trades := PairFills(fills)
	require.Len(t, trades, 1)

	tr := trades[0]
	assert.Equal(t, "TSLA", tr.Symbol)
	assert.Equal(t, 10.0, tr.Qty)
	assert.Equal(t, 100.0, tr.EntryPrice)
	assert.Equal(t, 110.0, tr.ExitPrice)
	assert.InDelta(t, 100.0, tr.PnL, 1e-9)
	assert.InDelta(t, 10.0, tr.PnLPct, 1e-9)
	assert.InDelta(t, 2.0, tr.DurationHours, 1e-9)
	assert.Equal(t, "long", tr.TradeType)
}

func TestPairFillsFIFO(t *testing.T) {
	fills := []store.Fill{
		fill("TSLA", "BUY", 10, 100, t0),
		fill("TSLA", "BUY", 10, 120, t0.Add(time.Hour)),
		// Crosses both lots: 10 from the first, 5 from the second.
		fill("TSLA", "SELL", 15, 130, t0.Add(3*time.Hour)),
	}
	trades := PairFills(fills)
	require.Len(t, trades, 2)

	assert.Equal(t, 10.0, trades[0].Qty)
	assert.Equal(t, 100.0, trades[0].EntryPrice)
	assert.InDelta(t, 300.0, trades[0].PnL, 1e-9)

	assert.Equal(t, 5.0, trades[1].Qty)
	assert.Equal(t, 120.0, trades[1].EntryPrice)
	assert.InDelta(t, 50.0, trades[1].PnL, 1e-9)
}

func TestPairFillsIgnoresUnmatchedSell(t *testing.T) {
	fills := []store.Fill{
		fill("TSLA", "SELL", 10, 100, t0),
	}
	assert.Empty(t, PairFills(fills))
}

func TestPairFillsPerSymbolInventory(t *testing.T) {
	fills := []store.Fill{
		fill("TSLA", "BUY", 10, 100, t0),
		fill("NVDA", "BUY", 5, 200, t0),
		fill("NVDA", "SELL", 5, 220, t0.Add(time.Hour)),
	}
	trades := PairFills(fills)
	require.Len(t, trades, 1)
	assert.Equal(t, "NVDA", trades[0].Symbol)
}

// Sum of trade P&L must equal sell proceeds minus buy cost over the
// matched lots.
func TestClosedTradeConservation(t *testing.T) {
	fills := []store.Fill{
		fill("TSLA", "BUY", 10, 100, t0),
		fill("TSLA", "BUY", 7, 105, t0.Add(time.Hour)),
		fill("TSLA", "SELL", 12, 111, t0.Add(2*time.Hour)),
		fill("TSLA", "SELL", 5, 95, t0.Add(3*time.Hour)),
	}
	trades := PairFills(fills)

	var totalPnL, matchedQty float64
	for _, tr := range trades {
		totalPnL += tr.PnL
		matchedQty += tr.Qty
	}
	assert.InDelta(t, 17.0, matchedQty, 1e-9)

	// Proceeds: 12*111 + 5*95 = 1807. Cost of matched lots:
	// 10*100 + 7*105 = 1735.
	assert.InDelta(t, 1807.0-1735.0, totalPnL, 1e-9)
}

func TestComputeStats(t *testing.T) {
	trades := []ClosedTrade{
		{PnL: 100, PnLPct: 10, ExitTS: t0},
		{PnL: -50, PnLPct: -5, ExitTS: t0.Add(time.Hour)},
		{PnL: 30, PnLPct: 3, ExitTS: t0.Add(2 * time.Hour)},
	}
	s := ComputeStats(trades)

	assert.Equal(t, 3, s.TotalTrades)
	assert.Equal(t, 2, s.Wins)
	assert.Equal(t, 1, s.Losses)
	assert.InDelta(t, 66.666, s.WinRate, 0.01)
	assert.InDelta(t, 80.0, s.TotalPnL, 1e-9)
	assert.InDelta(t, 130.0, s.GrossProfit, 1e-9)
	assert.InDelta(t, 50.0, s.GrossLoss, 1e-9)
	assert.InDelta(t, 2.6, s.ProfitFactor, 1e-9)
	assert.Equal(t, 100.0, s.LargestWin)
	assert.Equal(t, -50.0, s.LargestLoss)
	// Peak 100 after the first trade, trough 50 after the second.
	assert.InDelta(t, 50.0, s.MaxDrawdown, 1e-9)
}

func TestComputeStatsNoLosses(t *testing.T) {
	s := ComputeStats([]ClosedTrade{{PnL: 10, PnLPct: 1}, {PnL: 20, PnLPct: 2}})
	assert.True(t, math.IsInf(s.ProfitFactor, 1))
	assert.Equal(t, 100.0, s.WinRate)
	assert.Equal(t, 0.0, s.MaxDrawdown)
}

func TestComputeStatsEmpty(t *testing.T) {
	s := ComputeStats(nil)
	assert.Equal(t, 0, s.TotalTrades)
	assert.Equal(t, 0.0, s.ProfitFactor)
}

func TestDailyPnL(t *testing.T) {
	trades := []ClosedTrade{
		{PnL: 100, ExitTS: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)},
		{PnL: -20, ExitTS: time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)},
		{PnL: 40, ExitTS: time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)},
	}
	buckets := DailyPnL(trades, 10)
	require.Len(t, buckets, 2)
	assert.Equal(t, "2026-03-02", buckets[0].Date)
	assert.InDelta(t, 80.0, buckets[0].PnL, 1e-9)
	assert.Equal(t, 2, buckets[0].Trades)
	assert.Equal(t, "2026-03-04", buckets[1].Date)

	capped := DailyPnL(trades, 1)
	require.Len(t, capped, 1)
	assert.Equal(t, "2026-03-04", capped[0].Date)
}

func TestBySymbol(t *testing.T) {
	trades := []ClosedTrade{
		{Symbol: "TSLA", PnL: 100},
		{Symbol: "TSLA", PnL: -40},
		{Symbol: "NVDA", PnL: 25},
	}
	by := BySymbol(trades)
	require.Len(t, by, 2)
	assert.Equal(t, 2, by["TSLA"].TotalTrades)
	assert.InDelta(t, 60.0, by["TSLA"].TotalPnL, 1e-9)
	assert.Equal(t, 1, by["NVDA"].TotalTrades)
}

func TestWriteCSV(t *testing.T) {
	trades := []ClosedTrade{{
		Symbol:     "TSLA",
		EntryTS:    t0,
		ExitTS:     t0.Add(2 * time.Hour),
		EntryPrice: 100,
		ExitPrice:  110,
		Qty:        10,
		PnL:        100,
		PnLPct:     10,
		TradeType:  "long",
	}}
	var b strings.Builder
	require.NoError(t, WriteCSV(&b, trades))

	lines := strings.Split(strings.TrimSpace(b.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "symbol,entry_ts,exit_ts,duration_hours,entry_price,exit_price,qty,pnl,pnl_pct,trade_type", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "TSLA,"))
	assert.True(t, strings.HasSuffix(lines[1], ",long"))
}
