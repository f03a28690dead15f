package loadtest

import (
	"fmt"
	"sort"
	"time"
)

// Results is the post-run analysis of a load test, per spec.md §4.7: totals,
// throughput, latency percentiles, hit-rate, error-rate/breakdown, and
// recommendations.
type Results struct {
	Config Config

	TotalOperations      int
	SuccessfulOperations int
	FailedOperations     int

	OperationsPerSecond float64
	AverageLatencyMs    float64
	P50LatencyMs        float64
	P95LatencyMs        float64
	P99LatencyMs        float64
	MaxLatencyMs        float64

	CacheHitRate float64
	ErrorRate    float64

	ErrorBreakdown  map[string]int
	Recommendations []string
}

// Recommendation thresholds, per spec.md §4.7's post-run analysis.
const (
	latencyThresholdMs    = 50.0
	hitRateThreshold      = 0.7
	errorRateThreshold    = 0.01
	throughputShortfallPc = 0.8
)

// analyze computes Results from the raw operation log, mirroring the original's
// analyze_results.
func analyze(cfg Config, results []OperationResult, elapsed time.Duration) (Results, error) {
	if len(results) == 0 {
		return Results{}, fmt.Errorf("loadtest: no operations recorded")
	}

	total := len(results)
	successful := 0
	for _, r := range results {
		if r.Success {
			successful++
		}
	}
	failed := total - successful

	seconds := elapsed.Seconds()
	opsPerSecond := 0.0
	if seconds > 0 {
		opsPerSecond = float64(total) / seconds
	}

	latencies := make([]float64, total)
	for i, r := range results {
		latencies[i] = float64(r.Latency.Microseconds()) / 1000.0
	}
	sort.Float64s(latencies)

	var sum float64
	for _, v := range latencies {
		sum += v
	}
	avg := sum / float64(len(latencies))

	var getOps, hits int
	errorBreakdown := make(map[string]int)
	for _, r := range results {
		if r.Operation == OpGet {
			getOps++
			if r.CacheHit {
				hits++
			}
		}
		if r.ErrorType != "" {
			errorBreakdown[r.ErrorType]++
		}
	}
	hitRate := 0.0
	if getOps > 0 {
		hitRate = float64(hits) / float64(getOps)
	}
	errorRate := float64(failed) / float64(total)

	res := Results{
		Config:               cfg,
		TotalOperations:      total,
		SuccessfulOperations: successful,
		FailedOperations:     failed,
		OperationsPerSecond:  opsPerSecond,
		AverageLatencyMs:     avg,
		P50LatencyMs:         percentile(latencies, 0.50),
		P95LatencyMs:         percentile(latencies, 0.95),
		P99LatencyMs:         percentile(latencies, 0.99),
		MaxLatencyMs:         latencies[len(latencies)-1],
		CacheHitRate:         hitRate,
		ErrorRate:            errorRate,
		ErrorBreakdown:       errorBreakdown,
	}
	res.Recommendations = recommendations(cfg, res)
	return res, nil
}

// percentile returns the p-th percentile (p in [0,1]) of an already-sorted slice,
// using linear interpolation between ranks (same method as monitoring.percentile).
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := p * float64(len(sorted)-1)
	lo := int(idx)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// recommendations flags threshold breaches, per spec.md §4.7 and §4.6's shared
// thresholds (latency, hit-rate, error-rate, throughput shortfall).
func recommendations(cfg Config, res Results) []string {
	var out []string
	if res.AverageLatencyMs > latencyThresholdMs {
		out = append(out, "High average latency detected; consider increasing local capacity or checking remote tier health.")
	}
	if res.CacheHitRate < hitRateThreshold {
		out = append(out, "Low cache hit rate; consider raising TTLs or warming more aggressively before steady state.")
	}
	if res.ErrorRate > errorRateThreshold {
		out = append(out, "Error rate exceeds threshold; check remote tier connectivity and pool sizing.")
	}
	if cfg.OperationsPerSecond > 0 && res.OperationsPerSecond < float64(cfg.OperationsPerSecond)*throughputShortfallPc {
		out = append(out, "Target throughput not achieved; consider raising concurrent_users or reducing per-operation latency.")
	}
	return out
}
