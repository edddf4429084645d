// Package momentum implements the regression momentum engine: an ordinary
// least-squares fit of price against an implicit 1..N sample index, reduced
// to a confidence-weighted, price-normalized velocity and a trend label.
//
// The engine is stateless; callers own the price windows.
package momentum

import (
	"errors"
	"fmt"
	"math"

	"github.com/atmx/market-feed/internal/model"
)

// MinSamples is the smallest window the engine fits. Shorter windows yield
// the zero result.
const MinSamples = 3

// Calculate fits prices (oldest first) and returns slope-derived momentum.
//
//	slope    = (N·Σtp − Σt·Σp) / (N·Σt² − (Σt)²),  t = 1..N
//	R²       = 1 − SS_res/SS_tot  (0 when SS_tot is 0)
//	velocity = slope / mean(p)     (0 when the mean is 0)
//	momentum = velocity · R²
//
// Any non-finite intermediate collapses the whole result to zero.
func Calculate(prices []float64) model.MomentumResult {
	n := len(prices)
	if n < MinSamples {
		return model.MomentumResult{}
	}

	nf := float64(n)
	var sumT, sumP, sumTP, sumT2 float64
	for i, p := range prices {
		t := float64(i + 1)
		sumT += t
		sumP += p
		sumTP += t * p
		sumT2 += t * t
	}

	denom := nf*sumT2 - sumT*sumT
	if denom == 0 {
		return model.MomentumResult{}
	}
	slope := (nf*sumTP - sumT*sumP) / denom
	intercept := (sumP - slope*sumT) / nf
	mean := sumP / nf

	var ssTot, ssRes float64
	for i, p := range prices {
		predicted := slope*float64(i+1) + intercept
		ssRes += (p - predicted) * (p - predicted)
		ssTot += (p - mean) * (p - mean)
	}

	var r2 float64
	if ssTot != 0 {
		r2 = 1 - ssRes/ssTot
	}
	// Rounding on near-perfect fits can step just outside [0, 1].
	r2 = math.Max(0, math.Min(1, r2))

	var velocity float64
	if mean != 0 {
		velocity = slope / mean
	}

	res := model.MomentumResult{
		Momentum: velocity * r2,
		Velocity: velocity,
		RSquared: r2,
	}
	if !finite(res.Momentum) || !finite(res.Velocity) || !finite(res.RSquared) {
		return model.MomentumResult{}
	}
	return res
}

// CalculateSamples runs Calculate over the prices of timestamped samples.
// Sample spacing is ignored: the fit is over arrival order.
func CalculateSamples(samples []model.PriceSample) model.MomentumResult {
	prices := make([]float64, len(samples))
	for i, s := range samples {
		prices[i] = s.Price
	}
	return Calculate(prices)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// ErrInvalidThresholds is returned by Thresholds.Validate.
var ErrInvalidThresholds = errors.New("momentum: invalid trend thresholds")

// Thresholds tunes trend classification. Momentum is compared by magnitude
// against Strong and Weak; fits with R² below StrengthFloor are FLAT.
type Thresholds struct {
	StrengthFloor float64 `json:"strength_floor"`
	Strong        float64 `json:"strong"`
	Weak          float64 `json:"weak"`
}

// Default threshold sets. The two trackers are tuned separately; keep them
// distinct.
var (
	CountThresholds    = Thresholds{StrengthFloor: 0.3, Strong: 0.002, Weak: 0.0005}
	DurationThresholds = Thresholds{StrengthFloor: 0.5, Strong: 0.001, Weak: 0.0002}
)

// Validate checks 0 ≤ floor ≤ 1 and 0 < weak ≤ strong.
func (t Thresholds) Validate() error {
	if t.StrengthFloor < 0 || t.StrengthFloor > 1 {
		return fmt.Errorf("%w: strength floor %v outside [0,1]", ErrInvalidThresholds, t.StrengthFloor)
	}
	if t.Weak <= 0 || t.Strong < t.Weak {
		return fmt.Errorf("%w: need 0 < weak (%v) <= strong (%v)", ErrInvalidThresholds, t.Weak, t.Strong)
	}
	return nil
}

// Classify labels a result. Monotonic in momentum for a fixed R² above the
// floor.
func Classify(r model.MomentumResult, t Thresholds) model.Trend {
	if r.RSquared < t.StrengthFloor {
		return model.TrendFlat
	}
	switch m := r.Momentum; {
	case m >= t.Strong:
		return model.TrendStrongUp
	case m >= t.Weak:
		return model.TrendUp
	case m <= -t.Strong:
		return model.TrendStrongDown
	case m <= -t.Weak:
		return model.TrendDown
	default:
		return model.TrendFlat
	}
}
