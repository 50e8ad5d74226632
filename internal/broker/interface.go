// Package broker defines the narrow brokerage contract the controllers
// depend on, plus the concrete adapters that satisfy it.
package broker

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotConnected is returned when an operation requires a live broker
// session and none exists.
var ErrNotConnected = errors.New("broker: not connected")

// Side of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Order types as reported in OrderHandle.Type.
const (
	TypeStop         = "stop"
	TypeStopLimit    = "stop_limit"
	TypeTrailingStop = "trailing_stop"
	TypeLimit        = "limit"
)

// OrderHandle is the broker's view of one order. IDs are opaque
// strings; different venues hand back UUIDs or integers.
type OrderHandle struct {
	ID             string
	ClientOrderID  string
	Symbol         string
	Side           Side
	Type           string
	Status         string
	Qty            float64
	FilledQty      float64
	FilledAvgPrice float64
	StopPrice      *float64
	LimitPrice     *float64
	TrailPercent   *float64
	ParentID       string
	CreatedAt      time.Time
}

// Execution is one fill slice attributed to an order.
type Execution struct {
	ExecID  string
	OrderID string
	Symbol  string
	Side    Side
	Qty     float64
	Price   float64
	TS      time.Time
}

// Position is the broker's view of current holdings in one symbol.
type Position struct {
	Symbol      string
	Qty         float64
	AvgCost     float64
	MarketValue float64
}

// FillCallback receives fill events from the reconciliation loop.
type FillCallback func(ctx context.Context, order OrderHandle, exec Execution)

// StatusCallback receives order status transitions.
type StatusCallback func(ctx context.Context, order OrderHandle)

// Broker is the capability set the trading core depends on. Adapters
// translate it to a concrete venue.
type Broker interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Connected() bool

	GetLastPrice(ctx context.Context, symbol string) (float64, error)

	// PlaceEntry submits a breakout buy above lastPrice per the
	// configured entry policy.
	PlaceEntry(ctx context.Context, symbol string, qty, lastPrice float64) (*OrderHandle, error)
	// PlaceTrailingStop submits the protective exit for an open
	// position, referenced to refPrice.
	PlaceTrailingStop(ctx context.Context, symbol string, qty, refPrice float64) (*OrderHandle, error)
	Cancel(ctx context.Context, orderID string) error

	GetPositions(ctx context.Context) (map[string]Position, error)
	GetOpenOrders(ctx context.Context) ([]OrderHandle, error)
	GetAccountValue(ctx context.Context) (float64, error)
	GetAccountSummary(ctx context.Context) (map[string]float64, error)

	// PollEvents reconciles broker order state and drives the
	// registered callbacks. Delivery is at-least-once.
	PollEvents(ctx context.Context) error
	OnFill(cb FillCallback)
	OnOrderStatus(cb StatusCallback)

	KeepAlive(ctx context.Context) error
}

// Broker lifecycle statuses still working at the venue.
func isActiveStatus(status string) bool {
	switch strings.ToLower(status) {
	case "accepted", "new", "pending_new", "partially_filled", "submitted", "pre-submitted":
		return true
	}
	return false
}

func isTerminalStatus(status string) bool {
	switch strings.ToLower(status) {
	case "filled", "canceled", "cancelled", "expired", "rejected":
		return true
	}
	return false
}

// IsActiveEntry reports whether h is a working BUY order.
func IsActiveEntry(h OrderHandle) bool {
	return h.Side == SideBuy && isActiveStatus(h.Status)
}

// IsProtectiveStop reports whether h is the protective exit for a long
// position. Crypto venues do not support trailing stops, so a working
// SELL limit stands in for one there.
func IsProtectiveStop(h OrderHandle, crypto bool) bool {
	if h.Side != SideSell || !isActiveStatus(h.Status) {
		return false
	}
	if h.Type == TypeTrailingStop {
		return true
	}
	return crypto && h.Type == TypeLimit
}
