// Package store persists orders, fills, events, per-symbol state and
// daily performance snapshots in a relational database. The bot is the
// single writer; the monitoring surface reads concurrently.
package store

import (
	"context"
	"time"
)

// Order lifecycle statuses the broker may report. Orders in the active
// set are still working at the venue.
var ActiveStatuses = []string{
	"accepted", "new", "pending_new", "partially_filled", "submitted", "pre-submitted",
}

// IsTerminalStatus reports whether status ends an order's lifecycle.
func IsTerminalStatus(status string) bool {
	switch status {
	case "filled", "canceled", "cancelled", "expired", "rejected":
		return true
	}
	return false
}

// IsActiveStatus reports whether status is in the open set.
func IsActiveStatus(status string) bool {
	for _, s := range ActiveStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// SymbolState is the durable per-symbol record. One row per watched
// symbol, created on first observation, never deleted.
type SymbolState struct {
	Symbol        string     `json:"symbol"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	LastParentID  string     `json:"last_parent_id,omitempty"`
	LastTrailID   string     `json:"last_trail_id,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// InCooldown reports whether the symbol's cooldown extends past now.
func (s *SymbolState) InCooldown(now time.Time) bool {
	return s != nil && s.CooldownUntil != nil && s.CooldownUntil.After(now)
}

// StatePatch updates a subset of SymbolState fields; nil fields are
// left untouched.
type StatePatch struct {
	CooldownUntil *time.Time
	LastParentID  *string
	LastTrailID   *string
}

// Order is an append-once record of a broker order the bot submitted.
type Order struct {
	OrderID     string    `json:"order_id"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"` // BUY | SELL
	OrderType   string    `json:"order_type"`
	Status      string    `json:"status"`
	Qty         float64   `json:"quantity"`
	StopPrice   *float64  `json:"stop_price,omitempty"`
	LimitPrice  *float64  `json:"limit_price,omitempty"`
	TrailingPct *float64  `json:"trailing_pct,omitempty"`
	ParentID    string    `json:"parent_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Fill is an append-once execution keyed by the broker's exec id.
type Fill struct {
	ExecID  string    `json:"exec_id"`
	OrderID string    `json:"order_id"`
	Symbol  string    `json:"symbol"`
	Side    string    `json:"side"`
	Qty     float64   `json:"qty"`
	Price   float64   `json:"price"`
	TS      time.Time `json:"ts"`
}

// Event is an append-only audit row.
type Event struct {
	ID        int64          `json:"id"`
	Symbol    string         `json:"symbol,omitempty"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	TS        time.Time      `json:"ts"`
}

// Snapshot is the once-per-UTC-day account summary.
type Snapshot struct {
	Date          string  `json:"date"` // YYYY-MM-DD, UTC
	AccountValue  float64 `json:"account_value"`
	Cash          float64 `json:"cash"`
	PositionValue float64 `json:"position_value"`
	UnrealizedPL  float64 `json:"unrealized_pl"`
	RealizedPL    float64 `json:"realized_pl"`
	PositionCount int     `json:"position_count"`
	TradeCount    int     `json:"trade_count"`
}

// Interface defines all storage operations.
type Interface interface {
	GetSymbolState(ctx context.Context, symbol string) (*SymbolState, error)
	UpsertSymbolState(ctx context.Context, symbol string, patch StatePatch) error
	AllSymbolStates(ctx context.Context) ([]SymbolState, error)
	ClearCooldowns(ctx context.Context) error

	AddOrder(ctx context.Context, o Order) error
	UpdateOrderStatus(ctx context.Context, orderID, status string) error
	GetActiveOrders(ctx context.Context, symbol string) ([]Order, error)
	ListOrders(ctx context.Context, status string, limit int) ([]Order, error)

	// AddFill reports whether a row was inserted; replaying a known
	// exec id is a no-op.
	AddFill(ctx context.Context, f Fill) (bool, error)
	RecentFills(ctx context.Context, limit int) ([]Fill, error)
	AllFillsOrdered(ctx context.Context) ([]Fill, error)
	CountFillsSince(ctx context.Context, since time.Time) (int, error)

	AddEvent(ctx context.Context, eventType, symbol string, payload map[string]any) error
	RecentEvents(ctx context.Context, limit int) ([]Event, error)
	LastEventOfType(ctx context.Context, eventType string) (*Event, error)

	AddPerformanceSnapshot(ctx context.Context, s Snapshot) error
	GetLatestSnapshot(ctx context.Context) (*Snapshot, error)

	Ping(ctx context.Context) error
	Close() error
}
