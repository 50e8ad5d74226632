package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type trackedState struct {
	status    string
	filledQty float64
}

// Tracker turns polled order listings into fill and status callbacks.
// The venue exposes no push stream, so each reconciliation pass lists
// recent orders and diffs them against the last seen state. Delivery is
// at-least-once; the store's idempotent fill insert absorbs replays.
type Tracker struct {
	mu       sync.Mutex
	orders   map[string]trackedState
	onFill   FillCallback
	onStatus StatusCallback
	log      *logrus.Entry
}

// NewTracker creates an empty tracker.
func NewTracker(log *logrus.Entry) *Tracker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Tracker{
		orders: make(map[string]trackedState),
		log:    log,
	}
}

// OnFill registers the fill callback.
func (t *Tracker) OnFill(cb FillCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onFill = cb
}

// OnOrderStatus registers the status callback.
func (t *Tracker) OnOrderStatus(cb StatusCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onStatus = cb
}

// Track records an order the bot just submitted or listed as open,
// without firing callbacks.
func (t *Tracker) Track(h OrderHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, seen := t.orders[h.ID]; seen {
		return
	}
	if isTerminalStatus(h.Status) {
		return
	}
	t.orders[h.ID] = trackedState{status: h.Status, filledQty: h.FilledQty}
}

// Observe diffs a polled order against its last seen state and fires
// callbacks for any transition. Orders never seen before are diffed
// against a zero state, so fills that happened while the bot was down
// are still delivered. Terminal orders are dropped from the map.
func (t *Tracker) Observe(ctx context.Context, h OrderHandle) {
	t.mu.Lock()
	prev, seen := t.orders[h.ID]
	statusChanged := !seen || prev.status != h.Status
	filledDelta := h.FilledQty - prev.filledQty
	if isTerminalStatus(h.Status) {
		delete(t.orders, h.ID)
	} else {
		t.orders[h.ID] = trackedState{status: h.Status, filledQty: h.FilledQty}
	}
	onFill := t.onFill
	onStatus := t.onStatus
	t.mu.Unlock()

	if !statusChanged && filledDelta <= 0 {
		return
	}

	if filledDelta > 0 && onFill != nil {
		exec := Execution{
			// Deterministic on the cumulative fill watermark, so a
			// replayed poll produces the same id and dedups downstream.
			ExecID:  fmt.Sprintf("%s:%g", h.ID, h.FilledQty),
			OrderID: h.ID,
			Symbol:  h.Symbol,
			Side:    h.Side,
			Qty:     filledDelta,
			Price:   h.FilledAvgPrice,
			TS:      time.Now().UTC(),
		}
		t.log.WithFields(logrus.Fields{
			"order_id": h.ID,
			"symbol":   h.Symbol,
			"side":     h.Side,
			"qty":      exec.Qty,
			"price":    exec.Price,
		}).Info("fill observed")
		onFill(ctx, h, exec)
	}

	if statusChanged && onStatus != nil {
		onStatus(ctx, h)
	}
}

// TrackedCount returns the number of non-terminal orders being watched.
func (t *Tracker) TrackedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.orders)
}
