package broker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type callbackRecorder struct {
	fills    []Execution
	statuses []OrderHandle
}

func (r *callbackRecorder) attach(t *Tracker) {
	t.OnFill(func(_ context.Context, _ OrderHandle, exec Execution) {
		r.fills = append(r.fills, exec)
	})
	t.OnOrderStatus(func(_ context.Context, h OrderHandle) {
		r.statuses = append(r.statuses, h)
	})
}

func TestTrackerFillDelivery(t *testing.T) {
	tr := NewTracker(nil)
	rec := &callbackRecorder{}
	rec.attach(tr)
	ctx := context.Background()

	order := OrderHandle{ID: "ord-1", Symbol: "TSLA", Side: SideBuy, Status: "accepted", Qty: 10}
	tr.Track(order)
	assert.Equal(t, 1, tr.TrackedCount())

	// Same state again: no callbacks.
	tr.Observe(ctx, order)
	assert.Empty(t, rec.fills)
	assert.Empty(t, rec.statuses)

	// Partial fill.
	order.Status = "partially_filled"
	order.FilledQty = 4
	order.FilledAvgPrice = 105.0
	tr.Observe(ctx, order)
	require.Len(t, rec.fills, 1)
	assert.Equal(t, 4.0, rec.fills[0].Qty)
	assert.Equal(t, 105.0, rec.fills[0].Price)
	assert.Equal(t, "ord-1:4", rec.fills[0].ExecID)
	require.Len(t, rec.statuses, 1)

	// Completion delivers only the remaining quantity and drops the
	// order from the map.
	order.Status = "filled"
	order.FilledQty = 10
	tr.Observe(ctx, order)
	require.Len(t, rec.fills, 2)
	assert.Equal(t, 6.0, rec.fills[1].Qty)
	assert.Equal(t, "ord-1:10", rec.fills[1].ExecID)
	assert.Equal(t, 0, tr.TrackedCount())
}

// A fill on an order the tracker never saw (e.g. submitted before a
// restart) is still delivered, diffed against a zero watermark.
func TestTrackerUnseenOrderFill(t *testing.T) {
	tr := NewTracker(nil)
	rec := &callbackRecorder{}
	rec.attach(tr)

	tr.Observe(context.Background(), OrderHandle{
		ID: "ord-x", Symbol: "NVDA", Side: SideSell, Status: "filled",
		Qty: 5, FilledQty: 5, FilledAvgPrice: 90,
	})
	require.Len(t, rec.fills, 1)
	assert.Equal(t, 5.0, rec.fills[0].Qty)
	assert.Equal(t, 0, tr.TrackedCount())
}

// Replaying the same poll produces the same exec id so the store can
// dedup, and no duplicate callbacks once state is caught up.
func TestTrackerReplay(t *testing.T) {
	tr := NewTracker(nil)
	rec := &callbackRecorder{}
	rec.attach(tr)
	ctx := context.Background()

	order := OrderHandle{ID: "ord-1", Symbol: "TSLA", Side: SideBuy, Status: "accepted", Qty: 10}
	tr.Track(order)

	order.Status = "filled"
	order.FilledQty = 10
	order.FilledAvgPrice = 105

	tr.Observe(ctx, order)
	tr.Observe(ctx, order) // terminal order re-listed by the venue

	// The second observation is against an untracked order, so the
	// fill replays with the identical exec id.
	require.Len(t, rec.fills, 2)
	assert.Equal(t, rec.fills[0].ExecID, rec.fills[1].ExecID)
}

func TestTrackerIgnoresTerminalTrack(t *testing.T) {
	tr := NewTracker(nil)
	tr.Track(OrderHandle{ID: "done", Status: "filled"})
	assert.Equal(t, 0, tr.TrackedCount())
}

func TestIsProtectiveStop(t *testing.T) {
	tests := []struct {
		name     string
		h        OrderHandle
		crypto   bool
		expected bool
	}{
		{"equity trailing stop", OrderHandle{Side: SideSell, Type: TypeTrailingStop, Status: "new"}, false, true},
		{"crypto limit sell", OrderHandle{Side: SideSell, Type: TypeLimit, Status: "accepted"}, true, true},
		{"equity limit sell is not a stop", OrderHandle{Side: SideSell, Type: TypeLimit, Status: "new"}, false, false},
		{"buy order", OrderHandle{Side: SideBuy, Type: TypeTrailingStop, Status: "new"}, false, false},
		{"cancelled stop", OrderHandle{Side: SideSell, Type: TypeTrailingStop, Status: "canceled"}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsProtectiveStop(tt.h, tt.crypto))
		})
	}
}

func TestIsActiveEntry(t *testing.T) {
	assert.True(t, IsActiveEntry(OrderHandle{Side: SideBuy, Status: "accepted"}))
	assert.True(t, IsActiveEntry(OrderHandle{Side: SideBuy, Status: "partially_filled"}))
	assert.False(t, IsActiveEntry(OrderHandle{Side: SideBuy, Status: "filled"}))
	assert.False(t, IsActiveEntry(OrderHandle{Side: SideSell, Status: "new"}))
}
