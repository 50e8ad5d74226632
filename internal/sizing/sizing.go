// Package sizing computes order quantities under allocation and
// exposure limits. All functions are pure given the configuration.
package sizing

import (
	"math"

	"github.com/sirupsen/logrus"

	"github.com/dkowalski/breakout-bot/internal/config"
)

// ExposureMetrics summarizes current deployment against the global cap.
type ExposureMetrics struct {
	TotalUSD       float64 `json:"total_usd"`
	RemainingUSD   float64 `json:"remaining_usd"`
	UtilizationPct float64 `json:"utilization_pct"`
	NumPositions   int     `json:"num_positions"`
}

// Sizer sizes new entries from allocation and risk settings.
type Sizer struct {
	cfg *config.Config
	log *logrus.Entry
}

// New creates a Sizer.
func New(cfg *config.Config, log *logrus.Entry) *Sizer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Sizer{cfg: cfg, log: log}
}

// Size returns the quantity to buy for symbol at lastPrice, or 0 when no
// entry should be made. positions maps symbol to current market value.
// accountValue of 0 means unknown and skips the cash-reserve check.
func (s *Sizer) Size(symbol string, lastPrice float64, positions map[string]float64, accountValue float64) float64 {
	if lastPrice <= 0 {
		return 0
	}

	alloc := s.cfg.SymbolAllocation(symbol)

	qty := alloc / lastPrice
	if !s.cfg.Allocation.AllowFractional {
		qty = math.Floor(qty)
	}
	if qty <= 0 {
		return 0
	}

	// Scale down to the per-symbol exposure cap.
	if limit := s.cfg.Risk.MaxSymbolExposureUSD; qty*lastPrice > limit {
		qty = limit / lastPrice
		if !s.cfg.Allocation.AllowFractional {
			qty = math.Floor(qty)
		}
		if qty <= 0 {
			return 0
		}
	}

	notional := qty * lastPrice
	if !s.CheckExposure(symbol, notional, positions) {
		s.log.WithFields(logrus.Fields{
			"symbol":   symbol,
			"notional": notional,
		}).Info("entry blocked by total exposure cap")
		return 0
	}

	if accountValue > 0 {
		total := totalValue(positions)
		cash := accountValue - total
		reserve := s.cfg.Allocation.MinCashReservePercent / 100.0 * accountValue
		if cash-notional < reserve {
			s.log.WithFields(logrus.Fields{
				"symbol":  symbol,
				"cash":    cash,
				"reserve": reserve,
			}).Info("entry blocked by cash reserve")
			return 0
		}
	}

	return qty
}

// CheckExposure reports whether adding notional dollars of symbol keeps
// projected total exposure within the global cap.
func (s *Sizer) CheckExposure(symbol string, notional float64, positions map[string]float64) bool {
	return totalValue(positions)+notional <= s.cfg.Risk.MaxTotalExposureUSD
}

// Exposure returns the current exposure metrics for positions.
func (s *Sizer) Exposure(positions map[string]float64) ExposureMetrics {
	total := totalValue(positions)
	limit := s.cfg.Risk.MaxTotalExposureUSD
	m := ExposureMetrics{
		TotalUSD:     total,
		RemainingUSD: limit - total,
		NumPositions: len(positions),
	}
	if m.RemainingUSD < 0 {
		m.RemainingUSD = 0
	}
	if limit > 0 {
		m.UtilizationPct = total / limit * 100.0
	}
	return m
}

func totalValue(positions map[string]float64) float64 {
	var total float64
	for _, v := range positions {
		total += v
	}
	return total
}
