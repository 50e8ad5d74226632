// Package performance pairs fills into closed trades and computes
// trading statistics over them.
package performance

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dkowalski/breakout-bot/internal/store"
)

// ClosedTrade is one FIFO-matched round trip. Only long trades exist;
// short selling is not supported.
type ClosedTrade struct {
	Symbol        string    `json:"symbol"`
	EntryTS       time.Time `json:"entry_ts"`
	ExitTS        time.Time `json:"exit_ts"`
	DurationHours float64   `json:"duration_hours"`
	EntryPrice    float64   `json:"entry_price"`
	ExitPrice     float64   `json:"exit_price"`
	Qty           float64   `json:"qty"`
	PnL           float64   `json:"pnl"`
	PnLPct        float64   `json:"pnl_pct"`
	TradeType     string    `json:"trade_type"`
}

// Stats aggregates closed trades. ProfitFactor is +Inf when there are
// no losing trades.
type Stats struct {
	TotalTrades  int     `json:"total_trades"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	WinRate      float64 `json:"win_rate"`
	TotalPnL     float64 `json:"total_pnl"`
	AvgPnL       float64 `json:"avg_pnl"`
	LargestWin   float64 `json:"largest_win"`
	LargestLoss  float64 `json:"largest_loss"`
	GrossProfit  float64 `json:"gross_profit"`
	GrossLoss    float64 `json:"gross_loss"`
	ProfitFactor float64 `json:"profit_factor"`
	Expectancy   float64 `json:"expectancy"`
	Sharpe       float64 `json:"sharpe"`
	MaxDrawdown  float64 `json:"max_drawdown"`
}

// DailyBucket groups closed trades by exit date (UTC).
type DailyBucket struct {
	Date   string  `json:"date"`
	PnL    float64 `json:"pnl"`
	Trades int     `json:"trades"`
}

// Analyzer reads fills from the store and derives trade analytics.
type Analyzer struct {
	store store.Interface
	log   *logrus.Entry
}

// New creates an Analyzer.
func New(st store.Interface, log *logrus.Entry) *Analyzer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Analyzer{store: st, log: log}
}

// ClosedTrades pairs all recorded fills into closed trades.
func (a *Analyzer) ClosedTrades(ctx context.Context) ([]ClosedTrade, error) {
	fills, err := a.store.AllFillsOrdered(ctx)
	if err != nil {
		return nil, err
	}
	return PairFills(fills), nil
}

type lot struct {
	qty   float64
	price float64
	ts    time.Time
}

// PairFills matches BUY and SELL fills per symbol using FIFO
// inventory. A SELL reduces the oldest open lot first; each reduction
// emits one closed trade. Sells with no open inventory are skipped.
func PairFills(fills []store.Fill) []ClosedTrade {
	inventory := make(map[string][]lot)
	var trades []ClosedTrade

	for _, f := range fills {
		switch f.Side {
		case "BUY":
			inventory[f.Symbol] = append(inventory[f.Symbol], lot{qty: f.Qty, price: f.Price, ts: f.TS})
		case "SELL":
			remaining := f.Qty
			lots := inventory[f.Symbol]
			for remaining > 0 && len(lots) > 0 {
				open := &lots[0]
				q := math.Min(remaining, open.qty)
				pnl := (f.Price - open.price) * q
				trade := ClosedTrade{
					Symbol:        f.Symbol,
					EntryTS:       open.ts,
					ExitTS:        f.TS,
					DurationHours: f.TS.Sub(open.ts).Hours(),
					EntryPrice:    open.price,
					ExitPrice:     f.Price,
					Qty:           q,
					PnL:           pnl,
					TradeType:     "long",
				}
				if open.price != 0 {
					trade.PnLPct = (f.Price - open.price) / open.price * 100
				}
				trades = append(trades, trade)

				open.qty -= q
				remaining -= q
				if open.qty <= 0 {
					lots = lots[1:]
				}
			}
			inventory[f.Symbol] = lots
		}
	}
	return trades
}

// ComputeStats aggregates trades into summary statistics.
func ComputeStats(trades []ClosedTrade) Stats {
	var s Stats
	s.TotalTrades = len(trades)
	if s.TotalTrades == 0 {
		return s
	}

	var returns []float64
	var cumulative, peak float64
	for _, t := range trades {
		s.TotalPnL += t.PnL
		returns = append(returns, t.PnLPct)
		if t.PnL > 0 {
			s.Wins++
			s.GrossProfit += t.PnL
			if t.PnL > s.LargestWin {
				s.LargestWin = t.PnL
			}
		} else if t.PnL < 0 {
			s.Losses++
			s.GrossLoss += -t.PnL
			if t.PnL < s.LargestLoss {
				s.LargestLoss = t.PnL
			}
		}
		cumulative += t.PnL
		if cumulative > peak {
			peak = cumulative
		}
		if dd := peak - cumulative; dd > s.MaxDrawdown {
			s.MaxDrawdown = dd
		}
	}

	s.WinRate = float64(s.Wins) / float64(s.TotalTrades) * 100
	s.AvgPnL = s.TotalPnL / float64(s.TotalTrades)
	s.Expectancy = s.AvgPnL
	if s.GrossLoss > 0 {
		s.ProfitFactor = s.GrossProfit / s.GrossLoss
	} else if s.GrossProfit > 0 {
		s.ProfitFactor = math.Inf(1)
	}
	s.Sharpe = simplifiedSharpe(returns)
	return s
}

// simplifiedSharpe is mean over standard deviation of percent returns,
// with no risk-free rate or annualization.
func simplifiedSharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	if variance == 0 {
		return 0
	}
	return mean / math.Sqrt(variance)
}

// BySymbol groups trades and computes per-symbol stats.
func BySymbol(trades []ClosedTrade) map[string]Stats {
	groups := make(map[string][]ClosedTrade)
	for _, t := range trades {
		groups[t.Symbol] = append(groups[t.Symbol], t)
	}
	out := make(map[string]Stats, len(groups))
	for sym, g := range groups {
		out[sym] = ComputeStats(g)
	}
	return out
}

// DailyPnL buckets trades by UTC exit date, most recent last, capped
// to days entries.
func DailyPnL(trades []ClosedTrade, days int) []DailyBucket {
	byDate := make(map[string]*DailyBucket)
	for _, t := range trades {
		date := t.ExitTS.UTC().Format("2006-01-02")
		b := byDate[date]
		if b == nil {
			b = &DailyBucket{Date: date}
			byDate[date] = b
		}
		b.PnL += t.PnL
		b.Trades++
	}
	out := make([]DailyBucket, 0, len(byDate))
	for _, b := range byDate {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	if days > 0 && len(out) > days {
		out = out[len(out)-days:]
	}
	return out
}
