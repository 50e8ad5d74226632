// Package monitor serves the read-only HTTP surface: bot status,
// orders, fills, events and performance. It never mutates broker or
// store state.
package monitor

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/dkowalski/breakout-bot/internal/performance"
	"github.com/dkowalski/breakout-bot/internal/store"
)

const (
	requestTimeout = 5 * time.Second

	maxListLimit     = 200
	defaultListLimit = 20
	maxDailyDays     = 90
	defaultDailyDays = 10
)

// Server is the monitoring HTTP server.
type Server struct {
	store    store.Interface
	analyzer *performance.Analyzer
	log      *logrus.Entry
	srv      *http.Server
}

// New builds the server on addr.
func New(addr string, st store.Interface, an *performance.Analyzer, log *logrus.Entry) *Server {
	s := &Server{
		store:    st,
		analyzer: an,
		log:      log,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/", s.handleIndex)
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/orders", s.handleOrders)
	r.Get("/fills", s.handleFills)
	r.Get("/events", s.handleEvents)
	r.Get("/performance", s.handlePerformance)
	r.Get("/daily", s.handleDaily)
	r.Post("/v1/api/tickle", s.handleTickle)
	r.Post("/reset", s.handleReset)
	r.Post("/admin/close_all", s.handleCloseAll)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.WithField("addr", s.srv.Addr).Info("monitor server listening")
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Warn("encoding response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, map[string]any{"error": err.Error()})
}

func limitParam(r *http.Request, name string, def, max int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"name":    "breakout-bot monitor",
		"version": "1.0",
		"endpoints": map[string]string{
			"/health":          "Health check",
			"/status":          "Bot status and symbol states",
			"/orders":          "Orders (?status=active|all|<status>&limit=N)",
			"/fills":           "Recent fills (?limit=N, default 20)",
			"/events":          "Recent events (?limit=N, default 20)",
			"/performance":     "Performance metrics and P&L",
			"/daily":           "Daily P&L (?days=N, default 10)",
			"/v1/api/tickle":   "Liveness echo (POST)",
			"/reset":           "Reset instructions (POST, no-op)",
			"/admin/close_all": "Close-all instructions (POST, no-op)",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status":    "unhealthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"error":     err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"database":  "connected",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now().UTC()

	states, err := s.store.AllSymbolStates(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	var equities, cryptos []map[string]any
	for _, st := range states {
		entry := map[string]any{
			"symbol":         st.Symbol,
			"in_cooldown":    st.InCooldown(now),
			"last_parent_id": st.LastParentID,
			"last_trail_id":  st.LastTrailID,
		}
		if st.CooldownUntil != nil {
			entry["cooldown_until"] = formatTime(*st.CooldownUntil)
		} else {
			entry["cooldown_until"] = nil
		}
		if strings.Contains(st.Symbol, "/") {
			cryptos = append(cryptos, entry)
		} else {
			equities = append(equities, entry)
		}
	}

	active, err := s.store.GetActiveOrders(ctx, "")
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	totalFills, err := s.store.CountFillsSince(ctx, time.Time{})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	lastEvent := map[string]any{"type": nil, "symbol": nil, "timestamp": nil}
	if events, err := s.store.RecentEvents(ctx, 1); err == nil && len(events) > 0 {
		lastEvent["type"] = events[0].EventType
		lastEvent["symbol"] = events[0].Symbol
		lastEvent["timestamp"] = formatTime(events[0].TS)
	}

	var botStarted any
	if ev, err := s.store.LastEventOfType(ctx, "bot_started"); err == nil && ev != nil {
		botStarted = formatTime(ev.TS)
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"timestamp":     now.Format(time.RFC3339),
		"symbols":       equities,
		"crypto":        cryptos,
		"active_orders": len(active),
		"total_fills":   totalFills,
		"last_event":    lastEvent,
		"bot_started":   botStarted,
	})
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = "active"
	}
	limit := limitParam(r, "limit", 50, maxListLimit)

	orders, err := s.store.ListOrders(r.Context(), status, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	data := make([]map[string]any, 0, len(orders))
	for _, o := range orders {
		data = append(data, map[string]any{
			"order_id":     o.OrderID,
			"symbol":       o.Symbol,
			"side":         o.Side,
			"order_type":   o.OrderType,
			"quantity":     o.Qty,
			"status":       o.Status,
			"stop_price":   o.StopPrice,
			"limit_price":  o.LimitPrice,
			"trailing_pct": o.TrailingPct,
			"parent_id":    o.ParentID,
			"created_at":   formatTime(o.CreatedAt),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"count":     len(data),
		"orders":    data,
	})
}

func (s *Server) handleFills(w http.ResponseWriter, r *http.Request) {
	limit := limitParam(r, "limit", defaultListLimit, maxListLimit)
	fills, err := s.store.RecentFills(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	data := make([]map[string]any, 0, len(fills))
	for _, f := range fills {
		data = append(data, map[string]any{
			"timestamp": formatTime(f.TS),
			"symbol":    f.Symbol,
			"side":      f.Side,
			"quantity":  f.Qty,
			"price":     f.Price,
			"order_id":  f.OrderID,
			"exec_id":   f.ExecID,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"count":     len(data),
		"fills":     data,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := limitParam(r, "limit", defaultListLimit, maxListLimit)
	events, err := s.store.RecentEvents(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	data := make([]map[string]any, 0, len(events))
	for _, e := range events {
		data = append(data, map[string]any{
			"timestamp":  formatTime(e.TS),
			"event_type": e.EventType,
			"symbol":     e.Symbol,
			"payload":    e.Payload,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"count":     len(data),
		"events":    data,
	})
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	trades, err := s.analyzer.ClosedTrades(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	now := time.Now().UTC().Format(time.RFC3339)

	if len(trades) == 0 {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"timestamp":    now,
			"message":      "No closed trades yet",
			"total_trades": 0,
		})
		return
	}

	stats := performance.ComputeStats(trades)
	// JSON has no +Inf; report 0 when there are no losses.
	profitFactor := stats.ProfitFactor
	if stats.GrossLoss == 0 {
		profitFactor = 0
	}
	avgWin, avgLoss := 0.0, 0.0
	if stats.Wins > 0 {
		avgWin = stats.GrossProfit / float64(stats.Wins)
	}
	if stats.Losses > 0 {
		avgLoss = stats.GrossLoss / float64(stats.Losses)
	}

	bySymbol := make(map[string]map[string]any)
	for sym, st := range performance.BySymbol(trades) {
		bySymbol[sym] = map[string]any{
			"trades": st.TotalTrades,
			"pnl":    round2(st.TotalPnL),
			"wins":   st.Wins,
			"losses": st.Losses,
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"timestamp": now,
		"overall": map[string]any{
			"total_trades":   stats.TotalTrades,
			"winning_trades": stats.Wins,
			"losing_trades":  stats.Losses,
			"win_rate_pct":   round2(stats.WinRate),
			"total_pnl":      round2(stats.TotalPnL),
			"gross_profit":   round2(stats.GrossProfit),
			"gross_loss":     round2(stats.GrossLoss),
			"profit_factor":  round2(profitFactor),
			"avg_win":        round2(avgWin),
			"avg_loss":       round2(avgLoss),
		},
		"by_symbol": bySymbol,
	})
}

func (s *Server) handleDaily(w http.ResponseWriter, r *http.Request) {
	days := limitParam(r, "days", defaultDailyDays, maxDailyDays)
	trades, err := s.analyzer.ClosedTrades(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	buckets := performance.DailyPnL(trades, days)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"days":      days,
		"count":     len(buckets),
		"daily_pnl": buckets,
	})
}

func (s *Server) handleTickle(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"session":   "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// The monitor is strictly read-only; reset and close-all reply with
// instructions instead of touching broker state.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "not_executed",
		"message": "reset is an operator action: stop the bot and run the reset_paper script",
	})
}

func (s *Server) handleCloseAll(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "not_executed",
		"message": "close-all is an operator action: stop the bot and run the reset_paper script",
	})
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
