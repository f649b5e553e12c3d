package sandbox

import (
	"math"
	"testing"
	"time"
)

func TestEstimateCost(t *testing.T) {
	p := DefaultPricing()

	tests := []struct {
		name     string
		duration time.Duration
		isNew    bool
		want     float64
	}{
		{"two seconds on fresh sandbox", 2 * time.Second, true, 0.0012},
		{"two seconds on reused sandbox", 2 * time.Second, false, 0.0002},
		{"zero duration reused", 0, false, 0},
		{"zero duration fresh pays creation fee", 0, true, 0.001},
		{"sub-cent rounding", 3333 * time.Millisecond, false, 0.0003},
		{"long run", 10 * time.Minute, false, 0.06},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.EstimateCost(tt.duration, tt.isNew)
			if got != tt.want {
				t.Errorf("EstimateCost(%v, %v) = %v, want %v", tt.duration, tt.isNew, got, tt.want)
			}
		})
	}
}

func TestEstimateCost_Deterministic(t *testing.T) {
	p := Pricing{PerSecond: 0.00037, CreationFee: 0.0013}

	first := p.EstimateCost(7777*time.Millisecond, true)
	for i := 0; i < 100; i++ {
		if got := p.EstimateCost(7777*time.Millisecond, true); got != first {
			t.Fatalf("EstimateCost not deterministic: %v vs %v", got, first)
		}
	}
}

func TestEstimateCost_FourDecimalPlaces(t *testing.T) {
	p := Pricing{PerSecond: 0.000123, CreationFee: 0.0017}

	durations := []time.Duration{
		1 * time.Millisecond,
		999 * time.Millisecond,
		12345 * time.Millisecond,
		time.Hour,
	}
	for _, d := range durations {
		for _, isNew := range []bool{true, false} {
			got := p.EstimateCost(d, isNew)
			scaled := got * 10000
			if math.Abs(scaled-math.Round(scaled)) > 1e-9 {
				t.Errorf("EstimateCost(%v, %v) = %v, not rounded to 4 decimals", d, isNew, got)
			}
		}
	}
}
