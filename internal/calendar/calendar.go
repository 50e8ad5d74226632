// Package calendar answers market-hours questions for a named exchange
// calendar. Only XNYS (NYSE) is supported. All computations happen in
// the exchange's local time zone; open and close boundaries are
// inclusive.
package calendar

import (
	"fmt"
	"time"
)

// Session boundaries in exchange-local time.
const (
	regularOpenHour    = 9
	regularOpenMinute  = 30
	regularCloseHour   = 16
	preMarketOpenHour  = 4
	afterHoursEndHour  = 20
	earlyCloseHour     = 13
)

// Calendar resolves trading sessions for one exchange.
type Calendar struct {
	name            string
	loc             *time.Location
	allowPreMarket  bool
	allowAfterHours bool
	holidays        map[string]bool
	earlyCloses     map[string]bool
}

// New builds a calendar for the named exchange. Dates outside the
// built-in holiday tables are treated as regular weekdays.
func New(name string, allowPreMarket, allowAfterHours bool) (*Calendar, error) {
	if name != "XNYS" {
		return nil, fmt.Errorf("unsupported calendar %q", name)
	}
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("loading exchange time zone: %w", err)
	}
	return &Calendar{
		name:            name,
		loc:             loc,
		allowPreMarket:  allowPreMarket,
		allowAfterHours: allowAfterHours,
		holidays:        xnysHolidays,
		earlyCloses:     xnysEarlyCloses,
	}, nil
}

// Name returns the exchange calendar identifier.
func (c *Calendar) Name() string { return c.name }

// IsTradingDay reports whether t falls on a trading day (weekday, not a
// full-day holiday).
func (c *Calendar) IsTradingDay(t time.Time) bool {
	local := t.In(c.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !c.holidays[local.Format("2006-01-02")]
}

// closeTime returns the local close for the trading day containing
// local, honoring early closes.
func (c *Calendar) closeTime(local time.Time) time.Time {
	hour := regularCloseHour
	if c.earlyCloses[local.Format("2006-01-02")] {
		hour = earlyCloseHour
	}
	return time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, c.loc)
}

func (c *Calendar) openTime(local time.Time) time.Time {
	return time.Date(local.Year(), local.Month(), local.Day(), regularOpenHour, regularOpenMinute, 0, 0, c.loc)
}

// IsRegularHours reports whether t is within regular trading hours,
// inclusive at both boundaries.
func (c *Calendar) IsRegularHours(t time.Time) bool {
	local := t.In(c.loc)
	if !c.IsTradingDay(local) {
		return false
	}
	open := c.openTime(local)
	close := c.closeTime(local)
	return !local.Before(open) && !local.After(close)
}

// IsOpen reports whether t is within the tradable session, extended by
// pre-market and after-hours when configured.
func (c *Calendar) IsOpen(t time.Time) bool {
	local := t.In(c.loc)
	if !c.IsTradingDay(local) {
		return false
	}
	open := c.openTime(local)
	close := c.closeTime(local)
	if c.allowPreMarket {
		open = time.Date(local.Year(), local.Month(), local.Day(), preMarketOpenHour, 0, 0, 0, c.loc)
	}
	if c.allowAfterHours {
		close = time.Date(local.Year(), local.Month(), local.Day(), afterHoursEndHour, 0, 0, 0, c.loc)
	}
	return !local.Before(open) && !local.After(close)
}

// NextOpen returns the next regular-session open at or after t.
func (c *Calendar) NextOpen(t time.Time) time.Time {
	local := t.In(c.loc)
	for i := 0; i < 366; i++ {
		day := local.AddDate(0, 0, i)
		if !c.IsTradingDay(day) {
			continue
		}
		open := c.openTime(day)
		if !open.Before(local) {
			return open
		}
	}
	return time.Time{}
}

// NextClose returns the next regular-session close at or after t.
func (c *Calendar) NextClose(t time.Time) time.Time {
	local := t.In(c.loc)
	for i := 0; i < 366; i++ {
		day := local.AddDate(0, 0, i)
		if !c.IsTradingDay(day) {
			continue
		}
		close := c.closeTime(day)
		if !close.Before(local) {
			return close
		}
	}
	return time.Time{}
}

// SecondsUntilClose returns the seconds until today's close, or 0 when
// the market is not in regular hours.
func (c *Calendar) SecondsUntilClose(t time.Time) float64 {
	if !c.IsRegularHours(t) {
		return 0
	}
	local := t.In(c.loc)
	return c.closeTime(local).Sub(local).Seconds()
}

// Full-day US equity market holidays.
var xnysHolidays = dateSet(
	// 2024
	"2024-01-01", "2024-01-15", "2024-02-19", "2024-03-29", "2024-05-27",
	"2024-06-19", "2024-07-04", "2024-09-02", "2024-11-28", "2024-12-25",
	// 2025
	"2025-01-01", "2025-01-20", "2025-02-17", "2025-04-18", "2025-05-26",
	"2025-06-19", "2025-07-04", "2025-09-01", "2025-11-27", "2025-12-25",
	// 2026
	"2026-01-01", "2026-01-19", "2026-02-16", "2026-04-03", "2026-05-25",
	"2026-06-19", "2026-07-03", "2026-09-07", "2026-11-26", "2026-12-25",
	// 2027
	"2027-01-01", "2027-01-18", "2027-02-15", "2027-03-26", "2027-05-31",
	"2027-06-18", "2027-07-05", "2027-09-06", "2027-11-25", "2027-12-24",
)

// Scheduled 13:00 early closes.
var xnysEarlyCloses = dateSet(
	"2024-07-03", "2024-11-29", "2024-12-24",
	"2025-07-03", "2025-11-28", "2025-12-24",
	"2026-11-27", "2026-12-24",
	"2027-11-26",
)

func dateSet(dates ...string) map[string]bool {
	m := make(map[string]bool, len(dates))
	for _, d := range dates {
		m[d] = true
	}
	return m
}
