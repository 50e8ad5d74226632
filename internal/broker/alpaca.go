package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/dkowalski/breakout-bot/internal/config"
	"github.com/dkowalski/breakout-bot/internal/util"
)

const (
	paperBaseURL = "https://paper-api.alpaca.markets"
	liveBaseURL  = "https://api.alpaca.markets"

	closedOrderWindow = 24 * time.Hour
)

// Alpaca adapts the Alpaca trading and market-data APIs to the Broker
// contract. Equities and crypto share one account; crypto symbols use
// the BASE/USD form throughout.
type Alpaca struct {
	trading   *alpaca.Client
	data      *marketdata.Client
	cfg       *config.Config
	log       *logrus.Entry
	tracker   *Tracker
	connected bool
}

var _ Broker = (*Alpaca)(nil)

// NewAlpaca builds the adapter from the bot configuration. Paper mode
// targets the paper endpoint.
func NewAlpaca(cfg *config.Config, log *logrus.Entry) *Alpaca {
	baseURL := liveBaseURL
	if cfg.IsPaperTrading() {
		baseURL = paperBaseURL
	}
	return &Alpaca{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.Secrets.APIKey,
			APISecret: cfg.Secrets.APISecret,
			BaseURL:   baseURL,
		}),
		data: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    cfg.Secrets.APIKey,
			APISecret: cfg.Secrets.APISecret,
		}),
		cfg:     cfg,
		log:     log,
		tracker: NewTracker(log),
	}
}

// Connect verifies the account is reachable and tradable.
func (a *Alpaca) Connect(ctx context.Context) error {
	acct, err := a.trading.GetAccount()
	if err != nil {
		return fmt.Errorf("connecting to alpaca: %w", err)
	}
	if acct.TradingBlocked || acct.AccountBlocked {
		return fmt.Errorf("alpaca account %s is blocked from trading", acct.ID)
	}
	a.connected = true
	a.log.WithFields(logrus.Fields{
		"account": acct.ID,
		"equity":  acct.Equity.String(),
		"paper":   a.cfg.IsPaperTrading(),
	}).Info("connected to alpaca")
	return nil
}

// Disconnect drops the session flag. The REST client holds no
// persistent connection.
func (a *Alpaca) Disconnect(ctx context.Context) error {
	a.connected = false
	return nil
}

// Connected reports whether Connect succeeded.
func (a *Alpaca) Connected() bool { return a.connected }

// GetLastPrice returns the most recent trade price for symbol.
func (a *Alpaca) GetLastPrice(ctx context.Context, symbol string) (float64, error) {
	if a.cfg.IsCryptoSymbol(symbol) {
		trade, err := a.data.GetLatestCryptoTrade(symbol, marketdata.GetLatestCryptoTradeRequest{})
		if err != nil {
			return 0, fmt.Errorf("fetching crypto trade for %s: %w", symbol, err)
		}
		if trade == nil {
			return 0, fmt.Errorf("no trade data for %s", symbol)
		}
		return trade.Price, nil
	}
	trade, err := a.data.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return 0, fmt.Errorf("fetching trade for %s: %w", symbol, err)
	}
	if trade == nil {
		return 0, fmt.Errorf("no trade data for %s", symbol)
	}
	return trade.Price, nil
}

// PlaceEntry submits the breakout buy. Equities get a stop (or
// stop-limit) order for the session; crypto venues reject stop orders,
// so the entry is a GTC limit at the breakout price instead.
func (a *Alpaca) PlaceEntry(ctx context.Context, symbol string, qty, lastPrice float64) (*OrderHandle, error) {
	if !a.connected {
		return nil, ErrNotConnected
	}
	breakout := util.RoundToTick(lastPrice * (1 + a.cfg.Entries.BuyStopPctAboveLast/100))
	qtyDec := decimal.NewFromFloat(qty)
	stopDec := decimal.NewFromFloat(breakout)

	req := alpaca.PlaceOrderRequest{
		Symbol:        symbol,
		Qty:           &qtyDec,
		Side:          alpaca.Buy,
		ClientOrderID: "bkt-" + uuid.NewString(),
	}

	if a.cfg.IsCryptoSymbol(symbol) {
		req.Type = alpaca.Limit
		req.TimeInForce = alpaca.GTC
		req.LimitPrice = &stopDec
	} else {
		req.TimeInForce = timeInForce(a.cfg.Entries.TIF)
		req.Type = alpaca.Stop
		req.StopPrice = &stopDec
		if a.cfg.Entries.Type == "buy_stop_limit" {
			limit := util.RoundToTick(breakout * (1 + a.cfg.Entries.StopLimitMaxSlipPct/100))
			limitDec := decimal.NewFromFloat(limit)
			req.Type = alpaca.StopLimit
			req.LimitPrice = &limitDec
		}
	}

	order, err := a.trading.PlaceOrder(req)
	if err != nil {
		return nil, fmt.Errorf("placing entry for %s: %w", symbol, err)
	}
	h := a.mapOrder(order)
	a.tracker.Track(*h)
	a.log.WithFields(logrus.Fields{
		"symbol":   symbol,
		"order_id": h.ID,
		"qty":      qty,
		"stop":     breakout,
		"type":     h.Type,
	}).Info("entry order placed")
	return h, nil
}

// PlaceTrailingStop submits the protective exit. Equities get a native
// GTC trailing stop; crypto venues support neither stops nor trailing
// orders, so the exit is approximated with a fixed GTC limit sell at
// refPrice less the trail percentage. The limit does not follow the
// market up.
func (a *Alpaca) PlaceTrailingStop(ctx context.Context, symbol string, qty, refPrice float64) (*OrderHandle, error) {
	if !a.connected {
		return nil, ErrNotConnected
	}
	qtyDec := decimal.NewFromFloat(qty)
	trailPct := a.cfg.Stops.TrailingStopPct

	req := alpaca.PlaceOrderRequest{
		Symbol:        symbol,
		Qty:           &qtyDec,
		Side:          alpaca.Sell,
		TimeInForce:   alpaca.GTC,
		ClientOrderID: "trl-" + uuid.NewString(),
	}

	if a.cfg.IsCryptoSymbol(symbol) {
		limit := util.RoundToTick(refPrice * (1 - trailPct/100))
		limitDec := decimal.NewFromFloat(limit)
		req.Type = alpaca.Limit
		req.LimitPrice = &limitDec
	} else {
		trailDec := decimal.NewFromFloat(trailPct)
		req.Type = alpaca.TrailingStop
		req.TrailPercent = &trailDec
		if a.cfg.Stops.UseTrailingLimit {
			a.log.WithField("symbol", symbol).
				Warn("venue has no trailing stop-limit; placing plain trailing stop")
		}
	}

	order, err := a.trading.PlaceOrder(req)
	if err != nil {
		return nil, fmt.Errorf("placing trailing stop for %s: %w", symbol, err)
	}
	h := a.mapOrder(order)
	a.tracker.Track(*h)
	a.log.WithFields(logrus.Fields{
		"symbol":    symbol,
		"order_id":  h.ID,
		"qty":       qty,
		"trail_pct": trailPct,
		"type":      h.Type,
	}).Info("protective stop placed")
	return h, nil
}

// Cancel requests cancellation of an order by id.
func (a *Alpaca) Cancel(ctx context.Context, orderID string) error {
	if !a.connected {
		return ErrNotConnected
	}
	if err := a.trading.CancelOrder(orderID); err != nil {
		return fmt.Errorf("cancelling order %s: %w", orderID, err)
	}
	return nil
}

// GetPositions returns current holdings keyed by normalized symbol.
func (a *Alpaca) GetPositions(ctx context.Context) (map[string]Position, error) {
	if !a.connected {
		return nil, ErrNotConnected
	}
	positions, err := a.trading.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}
	out := make(map[string]Position, len(positions))
	for _, p := range positions {
		marketValue := 0.0
		if p.MarketValue != nil {
			marketValue, _ = p.MarketValue.Float64()
		}
		qty, _ := p.Qty.Float64()
		avgCost, _ := p.AvgEntryPrice.Float64()
		symbol := a.normalizeSymbol(p.Symbol)
		out[symbol] = Position{
			Symbol:      symbol,
			Qty:         qty,
			AvgCost:     avgCost,
			MarketValue: marketValue,
		}
	}
	return out, nil
}

// GetOpenOrders lists working orders and registers them with the
// tracker so fills are observed even for orders submitted before a
// restart.
func (a *Alpaca) GetOpenOrders(ctx context.Context) ([]OrderHandle, error) {
	if !a.connected {
		return nil, ErrNotConnected
	}
	orders, err := a.trading.GetOrders(alpaca.GetOrdersRequest{Status: "open", Limit: 500})
	if err != nil {
		return nil, fmt.Errorf("fetching open orders: %w", err)
	}
	out := make([]OrderHandle, 0, len(orders))
	for i := range orders {
		h := a.mapOrder(&orders[i])
		a.tracker.Track(*h)
		out = append(out, *h)
	}
	return out, nil
}

// GetAccountValue returns total account equity.
func (a *Alpaca) GetAccountValue(ctx context.Context) (float64, error) {
	if !a.connected {
		return 0, ErrNotConnected
	}
	acct, err := a.trading.GetAccount()
	if err != nil {
		return 0, fmt.Errorf("fetching account: %w", err)
	}
	v, _ := acct.Equity.Float64()
	return v, nil
}

// GetAccountSummary returns the headline account figures.
func (a *Alpaca) GetAccountSummary(ctx context.Context) (map[string]float64, error) {
	if !a.connected {
		return nil, ErrNotConnected
	}
	acct, err := a.trading.GetAccount()
	if err != nil {
		return nil, fmt.Errorf("fetching account: %w", err)
	}
	equity, _ := acct.Equity.Float64()
	cash, _ := acct.Cash.Float64()
	buyingPower, _ := acct.BuyingPower.Float64()
	portfolio, _ := acct.PortfolioValue.Float64()
	return map[string]float64{
		"equity":          equity,
		"cash":            cash,
		"buying_power":    buyingPower,
		"portfolio_value": portfolio,
	}, nil
}

// PollEvents reconciles recently closed orders plus open orders with
// partial fills against the tracker, firing the registered callbacks.
func (a *Alpaca) PollEvents(ctx context.Context) error {
	if !a.connected {
		return ErrNotConnected
	}
	after := time.Now().Add(-closedOrderWindow)
	closed, err := a.trading.GetOrders(alpaca.GetOrdersRequest{Status: "closed", Limit: 200, After: after})
	if err != nil {
		return fmt.Errorf("fetching closed orders: %w", err)
	}
	open, err := a.trading.GetOrders(alpaca.GetOrdersRequest{Status: "open", Limit: 500})
	if err != nil {
		return fmt.Errorf("fetching open orders: %w", err)
	}
	for i := range closed {
		a.tracker.Observe(ctx, *a.mapOrder(&closed[i]))
	}
	for i := range open {
		a.tracker.Observe(ctx, *a.mapOrder(&open[i]))
	}
	return nil
}

// OnFill registers the fill callback.
func (a *Alpaca) OnFill(cb FillCallback) { a.tracker.OnFill(cb) }

// OnOrderStatus registers the status callback.
func (a *Alpaca) OnOrderStatus(cb StatusCallback) { a.tracker.OnOrderStatus(cb) }

// KeepAlive makes a cheap authenticated call so session problems
// surface between trading decisions.
func (a *Alpaca) KeepAlive(ctx context.Context) error {
	if !a.connected {
		return ErrNotConnected
	}
	if _, err := a.trading.GetClock(); err != nil {
		return fmt.Errorf("keepalive: %w", err)
	}
	return nil
}

// normalizeSymbol rewrites crypto position symbols ("BTCUSD") into the
// watchlist form ("BTC/USD"). Equity symbols pass through.
func (a *Alpaca) normalizeSymbol(symbol string) string {
	if strings.Contains(symbol, "/") {
		return strings.ToUpper(symbol)
	}
	upper := strings.ToUpper(symbol)
	for _, c := range a.cfg.CryptoWatchlist {
		if strings.ReplaceAll(c, "/", "") == upper {
			return c
		}
	}
	return upper
}

func (a *Alpaca) mapOrder(o *alpaca.Order) *OrderHandle {
	h := &OrderHandle{
		ID:            o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        a.normalizeSymbol(o.Symbol),
		Side:          Side(strings.ToUpper(string(o.Side))),
		Type:          string(o.Type),
		Status:        strings.ToLower(o.Status),
		CreatedAt:     o.CreatedAt,
	}
	if o.Qty != nil {
		h.Qty, _ = o.Qty.Float64()
	}
	h.FilledQty, _ = o.FilledQty.Float64()
	if o.FilledAvgPrice != nil {
		h.FilledAvgPrice, _ = o.FilledAvgPrice.Float64()
	}
	if o.StopPrice != nil {
		v, _ := o.StopPrice.Float64()
		h.StopPrice = &v
	}
	if o.LimitPrice != nil {
		v, _ := o.LimitPrice.Float64()
		h.LimitPrice = &v
	}
	if o.TrailPercent != nil {
		v, _ := o.TrailPercent.Float64()
		h.TrailPercent = &v
	}
	return h
}

func timeInForce(tif string) alpaca.TimeInForce {
	switch strings.ToUpper(tif) {
	case "GTC":
		return alpaca.GTC
	case "IOC":
		return alpaca.IOC
	case "FOK":
		return alpaca.FOK
	default:
		return alpaca.Day
	}
}

// CancelAllOrders cancels every open order. Used by the paper-reset
// script, not by the trading loop.
func (a *Alpaca) CancelAllOrders(ctx context.Context) (int, error) {
	orders, err := a.GetOpenOrders(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range orders {
		if err := a.Cancel(ctx, o.ID); err != nil {
			a.log.WithError(err).WithField("order_id", o.ID).Warn("cancel failed")
			continue
		}
		n++
	}
	return n, nil
}

// CloseAllPositions liquidates every open position at market. Used by
// the paper-reset script, not by the trading loop.
func (a *Alpaca) CloseAllPositions(ctx context.Context) (int, error) {
	positions, err := a.GetPositions(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for symbol, p := range positions {
		qty := decimal.NewFromFloat(p.Qty)
		_, err := a.trading.PlaceOrder(alpaca.PlaceOrderRequest{
			Symbol:      symbol,
			Qty:         &qty,
			Side:        alpaca.Sell,
			Type:        alpaca.Market,
			TimeInForce: alpaca.GTC,
		})
		if err != nil {
			a.log.WithError(err).WithField("symbol", symbol).Warn("close failed")
			continue
		}
		n++
	}
	return n, nil
}
