package util

import (
	"math"
	"testing"
)

func TestTickSize(t *testing.T) {
	tests := []struct {
		name     string
		price    float64
		expected float64
	}{
		{"sub-cent price", 0.00001234, 0.0000001},
		{"sub-dollar price", 0.4567, 0.0001},
		{"dollar price", 5.43, 0.01},
		{"large price", 425.17, 0.01},
		{"boundary one cent", 0.01, 0.0001},
		{"boundary one dollar", 1.0, 0.01},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TickSize(tt.price); got != tt.expected {
				t.Errorf("TickSize(%v) = %v, expected %v", tt.price, got, tt.expected)
			}
		})
	}
}

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		name     string
		price    float64
		expected float64
	}{
		{"rounds down to cents", 105.009, 105.00},
		{"exact cents unchanged", 105.00, 105.00},
		{"breakout price", 100.0 * 1.05, 105.00},
		{"sub-dollar rounds to 4dp", 0.12349, 0.1234},
		{"sub-cent rounds to 7dp", 0.000012349, 0.0000123},
		{"never rounds up", 0.999999, 0.9999},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RoundToTick(tt.price)
			if math.Abs(got-tt.expected) > 1e-12 {
				t.Errorf("RoundToTick(%v) = %v, expected %v", tt.price, got, tt.expected)
			}
		})
	}
}

// Rounding must be a fixed point: applying it twice changes nothing.
func TestRoundToTickIdempotent(t *testing.T) {
	prices := []float64{
		0.0000001, 0.0000054321, 0.00999999, 0.0123456, 0.5, 0.999999,
		1.0, 1.005, 42.424242, 105.0, 3141.59265, 99999.999,
	}
	for _, p := range prices {
		once := RoundToTick(p)
		twice := RoundToTick(once)
		if once != twice {
			t.Errorf("RoundToTick not idempotent for %v: first=%v second=%v", p, once, twice)
		}
	}
}

func TestFloorToTickEdgeCases(t *testing.T) {
	t.Run("zero tick returns input", func(t *testing.T) {
		if got := FloorToTick(1.2345, 0); got != 1.2345 {
			t.Errorf("FloorToTick(1.2345, 0) = %v, expected input unchanged", got)
		}
	})

	t.Run("NaN returns unchanged", func(t *testing.T) {
		if got := FloorToTick(math.NaN(), 0.01); !math.IsNaN(got) {
			t.Errorf("FloorToTick(NaN, 0.01) = %v, expected NaN", got)
		}
	})

	t.Run("infinite returns unchanged", func(t *testing.T) {
		if got := FloorToTick(math.Inf(1), 0.01); got != math.Inf(1) {
			t.Errorf("FloorToTick(+Inf, 0.01) = %v, expected +Inf", got)
		}
	})

	t.Run("no binary float drift", func(t *testing.T) {
		// 2.675 is not exactly representable; naive float math floors it
		// to 2.66. Decimal arithmetic must keep 2.67.
		if got := FloorToTick(2.675, 0.01); got != 2.67 {
			t.Errorf("FloorToTick(2.675, 0.01) = %v, expected 2.67", got)
		}
	})
}
