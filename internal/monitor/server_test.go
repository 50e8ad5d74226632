package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkowalski/breakout-bot/internal/performance"
	"github.com/dkowalski/breakout-bot/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "bot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log := logrus.NewEntry(logrus.New())
	return New(":0", st, performance.New(st, log), log), st
}

func doRequest(t *testing.T, s *Server, method, path string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	code, body := doRequest(t, s, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "connected", body["database"])
}

func TestIndex(t *testing.T) {
	s, _ := newTestServer(t)
	code, body := doRequest(t, s, http.MethodGet, "/")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "endpoints")
}

func TestStatus(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()

	until := time.Now().Add(10 * time.Minute)
	require.NoError(t, st.UpsertSymbolState(ctx, "TSLA", store.StatePatch{CooldownUntil: &until}))
	require.NoError(t, st.UpsertSymbolState(ctx, "BTC/USD", store.StatePatch{}))
	require.NoError(t, st.AddEvent(ctx, "bot_started", "", nil))
	require.NoError(t, st.AddOrder(ctx, store.Order{
		OrderID: "o1", Symbol: "TSLA", Side: "BUY", OrderType: "stop", Status: "accepted", Qty: 10,
	}))

	code, body := doRequest(t, s, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, code)

	symbols := body["symbols"].([]any)
	require.Len(t, symbols, 1)
	tsla := symbols[0].(map[string]any)
	assert.Equal(t, "TSLA", tsla["symbol"])
	assert.Equal(t, true, tsla["in_cooldown"])

	crypto := body["crypto"].([]any)
	require.Len(t, crypto, 1)
	assert.Equal(t, "BTC/USD", crypto[0].(map[string]any)["symbol"])

	assert.Equal(t, 1.0, body["active_orders"])
	assert.Equal(t, 0.0, body["total_fills"])
	assert.NotNil(t, body["bot_started"])
	last := body["last_event"].(map[string]any)
	assert.Equal(t, "bot_started", last["type"])
}

func TestOrdersEndpoint(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()

	stop := 105.00
	require.NoError(t, st.AddOrder(ctx, store.Order{
		OrderID: "o1", Symbol: "TSLA", Side: "BUY", OrderType: "stop",
		Status: "accepted", Qty: 10, StopPrice: &stop,
	}))
	require.NoError(t, st.AddOrder(ctx, store.Order{
		OrderID: "o2", Symbol: "NVDA", Side: "SELL", OrderType: "trailing_stop",
		Status: "filled", Qty: 5,
	}))

	code, body := doRequest(t, s, http.MethodGet, "/orders")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1.0, body["count"])
	order := body["orders"].([]any)[0].(map[string]any)
	assert.Equal(t, "o1", order["order_id"])
	assert.Equal(t, 105.00, order["stop_price"])

	code, body = doRequest(t, s, http.MethodGet, "/orders?status=all")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2.0, body["count"])

	code, body = doRequest(t, s, http.MethodGet, "/orders?status=filled")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1.0, body["count"])
}

func TestFillsEndpoint(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()

	for i, id := range []string{"e1", "e2", "e3"} {
		_, err := st.AddFill(ctx, store.Fill{
			ExecID: id, OrderID: "o", Symbol: "TSLA", Side: "BUY",
			Qty: 1, Price: 100, TS: time.Now().Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	code, body := doRequest(t, s, http.MethodGet, "/fills?limit=2")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2.0, body["count"])
	fills := body["fills"].([]any)
	assert.Equal(t, "e3", fills[0].(map[string]any)["exec_id"])
}

func TestEventsEndpoint(t *testing.T) {
	s, st := newTestServer(t)
	require.NoError(t, st.AddEvent(context.Background(), "entry_order_placed", "TSLA", map[string]any{"qty": 10.0}))

	code, body := doRequest(t, s, http.MethodGet, "/events")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1.0, body["count"])
	ev := body["events"].([]any)[0].(map[string]any)
	assert.Equal(t, "entry_order_placed", ev["event_type"])
	assert.Equal(t, 10.0, ev["payload"].(map[string]any)["qty"])
}

func TestPerformanceEndpoint(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()

	code, body := doRequest(t, s, http.MethodGet, "/performance")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0.0, body["total_trades"])

	base := time.Now().Add(-time.Hour)
	_, err := st.AddFill(ctx, store.Fill{ExecID: "b1", OrderID: "o1", Symbol: "TSLA", Side: "BUY", Qty: 10, Price: 100, TS: base})
	require.NoError(t, err)
	_, err = st.AddFill(ctx, store.Fill{ExecID: "s1", OrderID: "o2", Symbol: "TSLA", Side: "SELL", Qty: 10, Price: 110, TS: base.Add(time.Minute)})
	require.NoError(t, err)

	code, body = doRequest(t, s, http.MethodGet, "/performance")
	require.Equal(t, http.StatusOK, code)
	overall := body["overall"].(map[string]any)
	assert.Equal(t, 1.0, overall["total_trades"])
	assert.Equal(t, 100.0, overall["total_pnl"])
	// No losses: profit factor reported as 0 rather than infinity.
	assert.Equal(t, 0.0, overall["profit_factor"])

	bySymbol := body["by_symbol"].(map[string]any)
	assert.Contains(t, bySymbol, "TSLA")
}

func TestDailyEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	code, body := doRequest(t, s, http.MethodGet, "/daily?days=500")
	require.Equal(t, http.StatusOK, code)
	// Capped at 90.
	assert.Equal(t, 90.0, body["days"])
	assert.Equal(t, 0.0, body["count"])
}

func TestTickle(t *testing.T) {
	s, _ := newTestServer(t)
	code, body := doRequest(t, s, http.MethodPost, "/v1/api/tickle")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alive", body["session"])
}

// The write-ish endpoints must not mutate anything.
func TestResetAndCloseAllAreInstructionOnly(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.AddOrder(ctx, store.Order{
		OrderID: "o1", Symbol: "TSLA", Side: "BUY", OrderType: "stop", Status: "accepted", Qty: 10,
	}))

	for _, path := range []string{"/reset", "/admin/close_all"} {
		code, body := doRequest(t, s, http.MethodPost, path)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "not_executed", body["status"])
	}

	active, err := st.GetActiveOrders(ctx, "")
	require.NoError(t, err)
	assert.Len(t, active, 1)
}
