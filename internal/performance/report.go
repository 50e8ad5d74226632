package performance

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// WriteCSV writes one row per closed trade.
func WriteCSV(w io.Writer, trades []ClosedTrade) error {
	cw := csv.NewWriter(w)
	header := []string{
		"symbol", "entry_ts", "exit_ts", "duration_hours",
		"entry_price", "exit_price", "qty", "pnl", "pnl_pct", "trade_type",
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}
	for _, t := range trades {
		row := []string{
			t.Symbol,
			t.EntryTS.UTC().Format(time.RFC3339),
			t.ExitTS.UTC().Format(time.RFC3339),
			strconv.FormatFloat(t.DurationHours, 'f', 2, 64),
			strconv.FormatFloat(t.EntryPrice, 'f', -1, 64),
			strconv.FormatFloat(t.ExitPrice, 'f', -1, 64),
			strconv.FormatFloat(t.Qty, 'f', -1, 64),
			strconv.FormatFloat(t.PnL, 'f', 2, 64),
			strconv.FormatFloat(t.PnLPct, 'f', 2, 64),
			t.TradeType,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Report renders a human-readable performance summary for the status
// script.
func (a *Analyzer) Report(ctx context.Context) (string, error) {
	trades, err := a.ClosedTrades(ctx)
	if err != nil {
		return "", err
	}
	stats := ComputeStats(trades)

	var b strings.Builder
	b.WriteString("=== Performance Report ===\n")
	fmt.Fprintf(&b, "Closed trades:  %d (%d wins / %d losses)\n", stats.TotalTrades, stats.Wins, stats.Losses)
	if stats.TotalTrades == 0 {
		b.WriteString("No closed trades yet.\n")
		return b.String(), nil
	}
	fmt.Fprintf(&b, "Win rate:       %.1f%%\n", stats.WinRate)
	fmt.Fprintf(&b, "Total P&L:      %.2f\n", stats.TotalPnL)
	fmt.Fprintf(&b, "Avg per trade:  %.2f\n", stats.AvgPnL)
	fmt.Fprintf(&b, "Largest win:    %.2f\n", stats.LargestWin)
	fmt.Fprintf(&b, "Largest loss:   %.2f\n", stats.LargestLoss)
	if math.IsInf(stats.ProfitFactor, 1) {
		b.WriteString("Profit factor:  inf (no losses)\n")
	} else {
		fmt.Fprintf(&b, "Profit factor:  %.2f\n", stats.ProfitFactor)
	}
	fmt.Fprintf(&b, "Sharpe (simpl): %.2f\n", stats.Sharpe)
	fmt.Fprintf(&b, "Max drawdown:   %.2f\n", stats.MaxDrawdown)

	b.WriteString("\nPer symbol:\n")
	bySym := BySymbol(trades)
	symbols := make([]string, 0, len(bySym))
	for sym := range bySym {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	for _, sym := range symbols {
		s := bySym[sym]
		fmt.Fprintf(&b, "  %-10s %3d trades  %6.1f%% win  %10.2f P&L\n",
			sym, s.TotalTrades, s.WinRate, s.TotalPnL)
	}
	return b.String(), nil
}
