package pricing

// Estimator produces a conservative input-token upper estimate for pre-flight
// budget gating. Authoritative counts always come from the usage extractor.
type Estimator interface {
	EstimateTokens(provider, model string, contents []string) int
}

// HeuristicEstimator approximates tokens as content length over four, rounded
// up, plus a fixed per-message overhead.
type HeuristicEstimator struct {
	PerMessageOverhead int
}

func NewHeuristicEstimator() *HeuristicEstimator {
	return &HeuristicEstimator{PerMessageOverhead: 4}
}

func (e *HeuristicEstimator) EstimateTokens(provider, model string, contents []string) int {
	total := 0
	for _, c := range contents {
		total += (len(c) + 3) / 4
		total += e.PerMessageOverhead
	}
	return total
}
