package sandbox

import (
	"math"
	"time"
)

// Pricing converts sandbox usage into a monetary estimate.
type Pricing struct {
	PerSecond   float64 `yaml:"per_second"`
	CreationFee float64 `yaml:"creation_fee"`
}

// DefaultPricing matches the hosted provider's published rates.
func DefaultPricing() Pricing {
	return Pricing{
		PerSecond:   0.0001,
		CreationFee: 0.001,
	}
}

// EstimateCost returns the cost of one execution, rounded to 4 decimal
// places. Pure function: duration seconds times the per-second rate, plus
// the flat creation fee when the execution provisioned a new environment.
func (p Pricing) EstimateCost(duration time.Duration, isNew bool) float64 {
	cost := duration.Seconds() * p.PerSecond
	if isNew {
		cost += p.CreationFee
	}
	return math.Round(cost*10000) / 10000
}
