package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	// Database drivers, selected by DSN scheme.
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	driverSQLite   = "sqlite"
	driverPostgres = "postgres"
)

// Store implements Interface over database/sql.
type Store struct {
	db     *sql.DB
	driver string
}

var _ Interface = (*Store)(nil)

// Open connects to the database named by dbURL and creates the schema.
// `sqlite://path` or a bare path selects the embedded sqlite backend;
// `postgres://...` selects postgres.
func Open(ctx context.Context, dbURL string) (*Store, error) {
	driver, dsn := resolveDSN(dbURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if driver == driverSQLite {
		// The bot is the only writer; the monitor reads concurrently.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
	}

	s := &Store{db: db, driver: driver}
	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

func resolveDSN(dbURL string) (driver, dsn string) {
	switch {
	case strings.HasPrefix(dbURL, "postgres://"), strings.HasPrefix(dbURL, "postgresql://"):
		return driverPostgres, dbURL
	case strings.HasPrefix(dbURL, "sqlite://"):
		dbURL = strings.TrimPrefix(dbURL, "sqlite://")
		fallthrough
	default:
		return driverSQLite, dbURL + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
}

func (s *Store) initSchema(ctx context.Context) error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == driverPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS state (
			symbol TEXT PRIMARY KEY,
			cooldown_until TIMESTAMP,
			last_parent_id TEXT NOT NULL DEFAULT '',
			last_trail_id TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			order_id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			order_type TEXT NOT NULL,
			status TEXT NOT NULL,
			qty DOUBLE PRECISION NOT NULL,
			stop_price DOUBLE PRECISION,
			limit_price DOUBLE PRECISION,
			trailing_pct DOUBLE PRECISION,
			parent_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_symbol_status ON orders (symbol, status)`,
		`CREATE TABLE IF NOT EXISTS fills (
			exec_id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			qty DOUBLE PRECISION NOT NULL,
			price DOUBLE PRECISION NOT NULL,
			ts TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fills_ts ON fills (ts)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS events (
			id %s,
			symbol TEXT NOT NULL DEFAULT '',
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			ts TIMESTAMP NOT NULL
		)`, serial),
		`CREATE TABLE IF NOT EXISTS performance_snapshots (
			date TEXT PRIMARY KEY,
			account_value DOUBLE PRECISION NOT NULL,
			cash DOUBLE PRECISION NOT NULL,
			position_value DOUBLE PRECISION NOT NULL,
			unrealized_pl DOUBLE PRECISION NOT NULL,
			realized_pl DOUBLE PRECISION NOT NULL,
			position_count INTEGER NOT NULL,
			trade_count INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind converts ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != driverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// GetSymbolState returns the state row for symbol, or nil if unseen.
func (s *Store) GetSymbolState(ctx context.Context, symbol string) (*SymbolState, error) {
	symbol = strings.ToUpper(symbol)
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT symbol, cooldown_until, last_parent_id, last_trail_id, updated_at
		 FROM state WHERE symbol = ?`), symbol)

	var st SymbolState
	var cooldown sql.NullTime
	err := row.Scan(&st.Symbol, &cooldown, &st.LastParentID, &st.LastTrailID, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state for %s: %w", symbol, err)
	}
	if cooldown.Valid {
		t := cooldown.Time
		st.CooldownUntil = &t
	}
	return &st, nil
}

// UpsertSymbolState creates or patches the state row for symbol.
func (s *Store) UpsertSymbolState(ctx context.Context, symbol string, patch StatePatch) error {
	symbol = strings.ToUpper(symbol)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning state upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var cooldown sql.NullTime
	var parentID, trailID string
	err = tx.QueryRowContext(ctx, s.rebind(
		`SELECT cooldown_until, last_parent_id, last_trail_id FROM state WHERE symbol = ?`), symbol).
		Scan(&cooldown, &parentID, &trailID)
	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return fmt.Errorf("reading state for %s: %w", symbol, err)
	}

	if patch.CooldownUntil != nil {
		cooldown = sql.NullTime{Time: patch.CooldownUntil.UTC(), Valid: true}
	}
	if patch.LastParentID != nil {
		parentID = *patch.LastParentID
	}
	if patch.LastTrailID != nil {
		trailID = *patch.LastTrailID
	}

	now := time.Now().UTC()
	if exists {
		_, err = tx.ExecContext(ctx, s.rebind(
			`UPDATE state SET cooldown_until = ?, last_parent_id = ?, last_trail_id = ?, updated_at = ?
			 WHERE symbol = ?`), cooldown, parentID, trailID, now, symbol)
	} else {
		_, err = tx.ExecContext(ctx, s.rebind(
			`INSERT INTO state (symbol, cooldown_until, last_parent_id, last_trail_id, updated_at)
			 VALUES (?, ?, ?, ?, ?)`), symbol, cooldown, parentID, trailID, now)
	}
	if err != nil {
		return fmt.Errorf("writing state for %s: %w", symbol, err)
	}
	return tx.Commit()
}

// AllSymbolStates returns every state row ordered by symbol.
func (s *Store) AllSymbolStates(ctx context.Context) ([]SymbolState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, cooldown_until, last_parent_id, last_trail_id, updated_at
		 FROM state ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("listing symbol states: %w", err)
	}
	defer rows.Close()

	var out []SymbolState
	for rows.Next() {
		var st SymbolState
		var cooldown sql.NullTime
		if err := rows.Scan(&st.Symbol, &cooldown, &st.LastParentID, &st.LastTrailID, &st.UpdatedAt); err != nil {
			return nil, err
		}
		if cooldown.Valid {
			t := cooldown.Time
			st.CooldownUntil = &t
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ClearCooldowns wipes every symbol's cooldown. Used by the paper
// reset script.
func (s *Store) ClearCooldowns(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE state SET cooldown_until = NULL, updated_at = ?`), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("clearing cooldowns: %w", err)
	}
	return nil
}

// AddOrder persists a newly submitted order.
func (s *Store) AddOrder(ctx context.Context, o Order) error {
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	o.Symbol = strings.ToUpper(o.Symbol)
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO orders (order_id, symbol, side, order_type, status, qty,
			stop_price, limit_price, trailing_pct, parent_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		o.OrderID, o.Symbol, o.Side, o.OrderType, o.Status, o.Qty,
		o.StopPrice, o.LimitPrice, o.TrailingPct, o.ParentID, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting order %s: %w", o.OrderID, err)
	}
	return nil
}

// UpdateOrderStatus moves an order's status forward. Unknown orders and
// backward transitions out of a terminal status are no-ops.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID, status string) error {
	var current string
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT status FROM orders WHERE order_id = ?`), orderID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading order %s: %w", orderID, err)
	}
	if current == status || IsTerminalStatus(current) {
		return nil
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`UPDATE orders SET status = ?, updated_at = ? WHERE order_id = ?`),
		status, time.Now().UTC(), orderID)
	if err != nil {
		return fmt.Errorf("updating order %s: %w", orderID, err)
	}
	return nil
}

// GetActiveOrders returns orders still working at the venue, optionally
// filtered by symbol.
func (s *Store) GetActiveOrders(ctx context.Context, symbol string) ([]Order, error) {
	placeholders := make([]string, len(ActiveStatuses))
	args := make([]any, 0, len(ActiveStatuses)+1)
	for i, st := range ActiveStatuses {
		placeholders[i] = "?"
		args = append(args, st)
	}
	query := `SELECT ` + orderColumns + ` FROM orders WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	if symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, strings.ToUpper(symbol))
	}
	query += ` ORDER BY created_at`
	return s.queryOrders(ctx, query, args...)
}

// ListOrders returns orders filtered by broker status ("" or "all" for
// every order, "active" for the open set), newest first.
func (s *Store) ListOrders(ctx context.Context, status string, limit int) ([]Order, error) {
	if status == "active" {
		return s.GetActiveOrders(ctx, "")
	}
	query := `SELECT ` + orderColumns + ` FROM orders`
	var args []any
	if status != "" && status != "all" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	return s.queryOrders(ctx, query, args...)
}

const orderColumns = `order_id, symbol, side, order_type, status, qty,
	stop_price, limit_price, trailing_pct, parent_id, created_at, updated_at`

func (s *Store) queryOrders(ctx context.Context, query string, args ...any) ([]Order, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.OrderID, &o.Symbol, &o.Side, &o.OrderType, &o.Status, &o.Qty,
			&o.StopPrice, &o.LimitPrice, &o.TrailingPct, &o.ParentID, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// AddFill records an execution. Replaying a known exec id inserts
// nothing and returns false.
func (s *Store) AddFill(ctx context.Context, f Fill) (bool, error) {
	if f.TS.IsZero() {
		f.TS = time.Now().UTC()
	}
	f.Symbol = strings.ToUpper(f.Symbol)
	res, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO fills (exec_id, order_id, symbol, side, qty, price, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (exec_id) DO NOTHING`),
		f.ExecID, f.OrderID, f.Symbol, f.Side, f.Qty, f.Price, f.TS)
	if err != nil {
		return false, fmt.Errorf("inserting fill %s: %w", f.ExecID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecentFills returns the most recent fills, newest first.
func (s *Store) RecentFills(ctx context.Context, limit int) ([]Fill, error) {
	return s.queryFills(ctx,
		`SELECT exec_id, order_id, symbol, side, qty, price, ts FROM fills
		 ORDER BY ts DESC LIMIT ?`, limit)
}

// AllFillsOrdered returns every fill in execution order, for FIFO trade
// pairing.
func (s *Store) AllFillsOrdered(ctx context.Context) ([]Fill, error) {
	return s.queryFills(ctx,
		`SELECT exec_id, order_id, symbol, side, qty, price, ts FROM fills ORDER BY ts`)
}

func (s *Store) queryFills(ctx context.Context, query string, args ...any) ([]Fill, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying fills: %w", err)
	}
	defer rows.Close()

	var out []Fill
	for rows.Next() {
		var f Fill
		if err := rows.Scan(&f.ExecID, &f.OrderID, &f.Symbol, &f.Side, &f.Qty, &f.Price, &f.TS); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// CountFillsSince returns the number of fills at or after since.
func (s *Store) CountFillsSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM fills WHERE ts >= ?`), since.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting fills: %w", err)
	}
	return n, nil
}

// AddEvent appends an audit row.
func (s *Store) AddEvent(ctx context.Context, eventType, symbol string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding event payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO events (symbol, event_type, payload, ts) VALUES (?, ?, ?, ?)`),
		strings.ToUpper(symbol), eventType, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("inserting event %s: %w", eventType, err)
	}
	return nil
}

// RecentEvents returns the most recent events, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, symbol, event_type, payload, ts FROM events ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// LastEventOfType returns the most recent event with the given type,
// or nil.
func (s *Store) LastEventOfType(ctx context.Context, eventType string) (*Event, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, symbol, event_type, payload, ts FROM events
		 WHERE event_type = ? ORDER BY id DESC LIMIT 1`), eventType)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()
	events, err := scanEvents(rows)
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return &events[0], nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var e Event
		var payload string
		if err := rows.Scan(&e.ID, &e.Symbol, &e.EventType, &payload, &e.TS); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			e.Payload = map[string]any{"raw": payload}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AddPerformanceSnapshot writes the daily account summary; at most one
// row per date, last write wins.
func (s *Store) AddPerformanceSnapshot(ctx context.Context, snap Snapshot) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO performance_snapshots
			(date, account_value, cash, position_value, unrealized_pl, realized_pl, position_count, trade_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (date) DO UPDATE SET
			account_value = excluded.account_value,
			cash = excluded.cash,
			position_value = excluded.position_value,
			unrealized_pl = excluded.unrealized_pl,
			realized_pl = excluded.realized_pl,
			position_count = excluded.position_count,
			trade_count = excluded.trade_count`),
		snap.Date, snap.AccountValue, snap.Cash, snap.PositionValue,
		snap.UnrealizedPL, snap.RealizedPL, snap.PositionCount, snap.TradeCount)
	if err != nil {
		return fmt.Errorf("inserting snapshot for %s: %w", snap.Date, err)
	}
	return nil
}

// GetLatestSnapshot returns the most recent daily snapshot, or nil.
func (s *Store) GetLatestSnapshot(ctx context.Context) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT date, account_value, cash, position_value, unrealized_pl, realized_pl, position_count, trade_count
		 FROM performance_snapshots ORDER BY date DESC LIMIT 1`)
	var snap Snapshot
	err := row.Scan(&snap.Date, &snap.AccountValue, &snap.Cash, &snap.PositionValue,
		&snap.UnrealizedPL, &snap.RealizedPL, &snap.PositionCount, &snap.TradeCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading latest snapshot: %w", err)
	}
	return &snap, nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
