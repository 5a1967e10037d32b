// Package normalize puts heterogeneous numeric features on a common robust scale.
package normalize

import (
	"math"
	"sort"
)

const (
	// DefaultWinsorP is the default tail fraction clipped on each side.
	DefaultWinsorP = 0.02

	// madToSigma makes the MAD a consistent estimator of the standard deviation under normality.
	madToSigma = 1.4826
)

// Winsorize clips every value into the empirical [p, 1-p] quantile range of the population.
// Non-finite values are treated as absent.
func Winsorize(values map[string]float64, p float64) map[string]float64 {
	xs := sortedFinite(values)
	out := make(map[string]float64, len(xs))
	if len(xs) == 0 {
		return out
	}

	if p < 0 || math.IsNaN(p) {
		p = 0
	}
	n := len(xs)
	loIdx := int(math.Floor(p * float64(n)))
	if loIdx > (n-1)/2 {
		loIdx = (n - 1) / 2
	}
	hiIdx := n - 1 - loIdx
	lo, hi := xs[loIdx], xs[hiIdx]

	for k, v := range values {
		if !isFinite(v) {
			continue
		}
		out[k] = math.Min(math.Max(v, lo), hi)
	}
	return out
}

// RobustScale maps each value to (v - median) / (1.4826 * MAD). A zero MAD is replaced by 1.
func RobustScale(values map[string]float64) map[string]float64 {
	xs := sortedFinite(values)
	out := make(map[string]float64, len(xs))
	if len(xs) == 0 {
		return out
	}

	med := Median(xs)
	dev := make([]float64, len(xs))
	for i, x := range xs {
		dev[i] = math.Abs(x - med)
	}
	sort.Float64s(dev)
	mad := Median(dev)
	if mad <= 0 {
		mad = 1.0
	}

	for k, v := range values {
		if !isFinite(v) {
			continue
		}
		out[k] = (v - med) / (madToSigma * mad)
	}
	return out
}

// RobustZ winsorizes at p and then robust-scales.
func RobustZ(values map[string]float64, p float64) map[string]float64 {
	return RobustScale(Winsorize(values, p))
}

// Median returns the median of an already sorted slice, averaging the middle pair for even lengths.
func Median(sorted []float64) float64 {
	n := len(sorted)
	switch {
	case n == 0:
		return 0
	case n%2 == 1:
		return sorted[n/2]
	default:
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
}

func sortedFinite(values map[string]float64) []float64 {
	xs := make([]float64, 0, len(values))
	for _, v := range values {
		if isFinite(v) {
			xs = append(xs, v)
		}
	}
	sort.Float64s(xs)
	return xs
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
