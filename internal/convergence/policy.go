// Package convergence decides whether a synchronizer's dirty-rate-versus-
// copy-rate trend means the bulk phase can be expected to finish.
//
// This is deliberately left pluggable: comparing the newest retained
// sample to the oldest is the simplest heuristic, but a slope estimate is
// an equally defensible policy. Both are provided; the synchronizer is
// constructed with whichever the caller chooses, defaulting to
// EndpointsPolicy.
package convergence

import "github.com/anash28/linux-agent/internal/history"

// Policy decides, given a full history ring, whether the workload should
// be declared non-convergent. It is only consulted once the ring is Full.
type Policy interface {
	NonConvergent(r *history.Ring) bool
}

// EndpointsPolicy declares non-convergence when the most recent sample
// exceeds the oldest retained sample.
type EndpointsPolicy struct{}

// NonConvergent implements Policy.
func (EndpointsPolicy) NonConvergent(r *history.Ring) bool {
	if !r.Full() {
		return false
	}
	return r.Newest() > r.Oldest()
}

// SlopePolicy fits a crude linear trend across the retained samples and
// declares non-convergence when the trend's sign is positive: the dirty
// count is growing, not shrinking, across the whole window rather than
// just at its two ends. It is more resistant to a single noisy sample at
// either edge than EndpointsPolicy, at the cost of being slower to react
// to a sudden write storm.
type SlopePolicy struct{}

// NonConvergent implements Policy.
func (SlopePolicy) NonConvergent(r *history.Ring) bool {
	if !r.Full() {
		return false
	}
	samples := r.Samples()
	n := len(samples)
	if n < 2 {
		return false
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, y := range samples {
		x := float64(i)
		yf := float64(y)
		sumX += x
		sumY += yf
		sumXY += x * yf
		sumXX += x * x
	}
	nf := float64(n)
	denom := nf*sumXX - sumX*sumX
	if denom == 0 {
		return false
	}
	slope := (nf*sumXY - sumX*sumY) / denom
	return slope > 0
}
