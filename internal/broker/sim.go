package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dkowalski/breakout-bot/internal/config"
	"github.com/dkowalski/breakout-bot/internal/util"
)

// Sim is a deterministic in-memory broker. It honors the same entry
// and stop pricing policy as the live adapter and delivers fills
// through the standard tracker, so controller and orchestrator tests
// run against the real reconciliation path.
type Sim struct {
	mu           sync.Mutex
	cfg          *config.Config
	tracker      *Tracker
	prices       map[string]float64
	orders       map[string]*OrderHandle
	orderSeq     []string
	positions    map[string]*Position
	accountValue float64
	connected    bool
}

var _ Broker = (*Sim)(nil)

// NewSim creates a simulated broker with no prices or positions.
func NewSim(cfg *config.Config) *Sim {
	return &Sim{
		cfg:          cfg,
		tracker:      NewTracker(logrus.NewEntry(logrus.StandardLogger())),
		prices:       make(map[string]float64),
		orders:       make(map[string]*OrderHandle),
		positions:    make(map[string]*Position),
		accountValue: 100000,
	}
}

func (s *Sim) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

func (s *Sim) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *Sim) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// SetPrice sets the last trade price for symbol.
func (s *Sim) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

// SetAccountValue sets total account equity.
func (s *Sim) SetAccountValue(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accountValue = v
}

// SetPosition installs a holding directly, bypassing order flow.
func (s *Sim) SetPosition(symbol string, qty, avgCost float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if qty <= 0 {
		delete(s.positions, symbol)
		return
	}
	s.positions[symbol] = &Position{
		Symbol:      symbol,
		Qty:         qty,
		AvgCost:     avgCost,
		MarketValue: qty * avgCost,
	}
}

func (s *Sim) GetLastPrice(ctx context.Context, symbol string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no price for %s", symbol)
	}
	return p, nil
}

func (s *Sim) PlaceEntry(ctx context.Context, symbol string, qty, lastPrice float64) (*OrderHandle, error) {
	breakout := util.RoundToTick(lastPrice * (1 + s.cfg.Entries.BuyStopPctAboveLast/100))
	h := &OrderHandle{
		ID:            uuid.NewString(),
		ClientOrderID: "bkt-" + uuid.NewString(),
		Symbol:        symbol,
		Side:          SideBuy,
		Status:        "accepted",
		Qty:           qty,
		CreatedAt:     time.Now().UTC(),
	}
	if s.cfg.IsCryptoSymbol(symbol) {
		h.Type = TypeLimit
		h.LimitPrice = &breakout
	} else {
		h.Type = TypeStop
		h.StopPrice = &breakout
		if s.cfg.Entries.Type == "buy_stop_limit" {
			limit := util.RoundToTick(breakout * (1 + s.cfg.Entries.StopLimitMaxSlipPct/100))
			h.Type = TypeStopLimit
			h.LimitPrice = &limit
		}
	}
	s.addOrder(h)
	return s.snapshotOrder(h.ID), nil
}

func (s *Sim) PlaceTrailingStop(ctx context.Context, symbol string, qty, refPrice float64) (*OrderHandle, error) {
	h := &OrderHandle{
		ID:            uuid.NewString(),
		ClientOrderID: "trl-" + uuid.NewString(),
		Symbol:        symbol,
		Side:          SideSell,
		Status:        "accepted",
		Qty:           qty,
		CreatedAt:     time.Now().UTC(),
	}
	if s.cfg.IsCryptoSymbol(symbol) {
		limit := util.RoundToTick(refPrice * (1 - s.cfg.Stops.TrailingStopPct/100))
		h.Type = TypeLimit
		h.LimitPrice = &limit
	} else {
		trail := s.cfg.Stops.TrailingStopPct
		h.Type = TypeTrailingStop
		h.TrailPercent = &trail
	}
	s.addOrder(h)
	return s.snapshotOrder(h.ID), nil
}

func (s *Sim) addOrder(h *OrderHandle) {
	s.mu.Lock()
	s.orders[h.ID] = h
	s.orderSeq = append(s.orderSeq, h.ID)
	s.mu.Unlock()
	s.tracker.Track(*h)
}

func (s *Sim) Cancel(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown order %s", orderID)
	}
	if !isActiveStatus(h.Status) {
		return fmt.Errorf("order %s is %s", orderID, h.Status)
	}
	h.Status = "canceled"
	return nil
}

func (s *Sim) GetPositions(ctx context.Context) (map[string]Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Position, len(s.positions))
	for sym, p := range s.positions {
		pos := *p
		if price, ok := s.prices[sym]; ok {
			pos.MarketValue = pos.Qty * price
		}
		out[sym] = pos
	}
	return out, nil
}

func (s *Sim) GetOpenOrders(ctx context.Context) ([]OrderHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OrderHandle
	for _, id := range s.orderSeq {
		if h := s.orders[id]; isActiveStatus(h.Status) {
			out = append(out, *h)
		}
	}
	return out, nil
}

func (s *Sim) GetAccountValue(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountValue, nil
}

func (s *Sim) GetAccountSummary(ctx context.Context) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var positionValue float64
	for sym, p := range s.positions {
		if price, ok := s.prices[sym]; ok {
			positionValue += p.Qty * price
		} else {
			positionValue += p.MarketValue
		}
	}
	return map[string]float64{
		"equity":          s.accountValue,
		"cash":            s.accountValue - positionValue,
		"buying_power":    s.accountValue - positionValue,
		"portfolio_value": s.accountValue,
	}, nil
}

// FillOrder marks an order fully filled at price and applies it to the
// positions ledger. The fill is delivered on the next PollEvents.
func (s *Sim) FillOrder(orderID string, price float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown order %s", orderID)
	}
	if !isActiveStatus(h.Status) {
		return fmt.Errorf("order %s is %s", orderID, h.Status)
	}
	h.Status = "filled"
	h.FilledQty = h.Qty
	h.FilledAvgPrice = price

	p := s.positions[h.Symbol]
	if h.Side == SideBuy {
		if p == nil {
			s.positions[h.Symbol] = &Position{Symbol: h.Symbol, Qty: h.Qty, AvgCost: price, MarketValue: h.Qty * price}
		} else {
			total := p.Qty + h.Qty
			p.AvgCost = (p.AvgCost*p.Qty + price*h.Qty) / total
			p.Qty = total
		}
	} else if p != nil {
		p.Qty -= h.Qty
		if p.Qty <= 0 {
			delete(s.positions, h.Symbol)
		}
	}
	return nil
}

// PollEvents replays every order through the tracker, firing callbacks
// for transitions observed since the last poll.
func (s *Sim) PollEvents(ctx context.Context) error {
	s.mu.Lock()
	handles := make([]OrderHandle, 0, len(s.orderSeq))
	for _, id := range s.orderSeq {
		handles = append(handles, *s.orders[id])
	}
	s.mu.Unlock()
	for _, h := range handles {
		s.tracker.Observe(ctx, h)
	}
	return nil
}

func (s *Sim) OnFill(cb FillCallback)          { s.tracker.OnFill(cb) }
func (s *Sim) OnOrderStatus(cb StatusCallback) { s.tracker.OnOrderStatus(cb) }

func (s *Sim) KeepAlive(ctx context.Context) error { return nil }

// Order returns a snapshot of one order for assertions.
func (s *Sim) Order(orderID string) *OrderHandle {
	return s.snapshotOrder(orderID)
}

func (s *Sim) snapshotOrder(orderID string) *OrderHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.orders[orderID]
	if !ok {
		return nil
	}
	cp := *h
	return &cp
}

// OpenOrdersFor returns working orders for one symbol, in submission
// order.
func (s *Sim) OpenOrdersFor(symbol string) []OrderHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OrderHandle
	for _, id := range s.orderSeq {
		if h := s.orders[id]; h.Symbol == symbol && isActiveStatus(h.Status) {
			out = append(out, *h)
		}
	}
	return out
}
