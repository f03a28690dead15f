package monitoring

import (
	"fmt"
	"sync"
)

// PerformanceAnalyzer keeps a capped rolling window of AggregatedStats snapshots
// and derives trend deltas for hit-rate, response time, error rate, and memory
// usage, per spec.md §4.6. Recommendations are emitted whenever the latest
// snapshot crosses one of the canonical thresholds: hit-rate < 0.8, avg latency
// > 50ms, error rate > 0.01, memory > 1GiB.
//
// Design: mirrors AlertManager's evaluate-on-snapshot shape but reports trend
// direction against the window rather than firing stateful alerts, so it is
// read from dashboards as "is this getting better or worse" rather than
// "is this on fire right now."
type PerformanceAnalyzer struct {
	mu       sync.Mutex
	snapshots []AggregatedStats
	capacity  int
}

// NewPerformanceAnalyzer creates an analyzer retaining at most capacity snapshots.
func NewPerformanceAnalyzer(capacity int) *PerformanceAnalyzer {
	if capacity <= 0 {
		capacity = 100
	}
	return &PerformanceAnalyzer{capacity: capacity}
}

// Observe records one snapshot, evicting the oldest once capacity is reached.
func (p *PerformanceAnalyzer) Observe(stats AggregatedStats) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.snapshots = append(p.snapshots, stats)
	if len(p.snapshots) > p.capacity {
		p.snapshots = p.snapshots[len(p.snapshots)-p.capacity:]
	}
}

// Trend reports the direction and magnitude a metric moved between the oldest
// and newest retained snapshot.
type Trend struct {
	Metric    string  `json:"metric"`
	Oldest    float64 `json:"oldest"`
	Newest    float64 `json:"newest"`
	Delta     float64 `json:"delta"`
	Direction string  `json:"direction"` // "improving", "degrading", "stable"
}

// PerformanceReport is the PerformanceAnalyzer's output: trend deltas across the
// retained window plus any recommendations triggered by the latest snapshot.
type PerformanceReport struct {
	SampleCount     int      `json:"sample_count"`
	Trends          []Trend  `json:"trends"`
	Recommendations []string `json:"recommendations"`
}

// canonical thresholds from spec.md §4.6.
const (
	minHealthyHitRate  = 0.8
	maxHealthyLatencyMs = 50.0
	maxHealthyErrorRate = 0.01
)

// Analyze derives trend deltas over the retained window and emits
// recommendations for whichever canonical thresholds the latest snapshot
// crosses. It returns an empty report, not an error, when no snapshots have
// been observed yet.
func (p *PerformanceAnalyzer) Analyze() PerformanceReport {
	p.mu.Lock()
	snapshots := make([]AggregatedStats, len(p.snapshots))
	copy(snapshots, p.snapshots)
	p.mu.Unlock()

	report := PerformanceReport{SampleCount: len(snapshots)}
	if len(snapshots) == 0 {
		return report
	}

	oldest, newest := snapshots[0], snapshots[len(snapshots)-1]
	report.Trends = []Trend{
		trendFor("hit_rate", oldest.HitRate, newest.HitRate, false),
		trendFor("avg_latency_ms", oldest.AvgLatency, newest.AvgLatency, true),
		trendFor("error_rate", oldest.ErrorRate, newest.ErrorRate, true),
		trendFor("memory_bytes", float64(oldest.MemoryBytes), float64(newest.MemoryBytes), true),
	}

	recs := make([]string, 0)
	if newest.HitRate < minHealthyHitRate {
		recs = append(recs, fmt.Sprintf("hit rate %.1f%% is below the %.0f%% target; consider increasing local_capacity or default TTLs", newest.HitRate*100, minHealthyHitRate*100))
	}
	if newest.AvgLatency > maxHealthyLatencyMs {
		recs = append(recs, fmt.Sprintf("average latency %.1fms exceeds the %.0fms target; check remote tier round-trip time and pool sizing", newest.AvgLatency, maxHealthyLatencyMs))
	}
	if newest.ErrorRate > maxHealthyErrorRate {
		recs = append(recs, fmt.Sprintf("error rate %.2f%% exceeds the %.0f%% target; inspect remote tier connectivity", newest.ErrorRate*100, maxHealthyErrorRate*100))
	}
	if newest.MemoryBytes > GiB {
		recs = append(recs, fmt.Sprintf("memory usage %.2fGiB exceeds the 1GiB target; lower local_capacity or enable compression", float64(newest.MemoryBytes)/float64(GiB)))
	}
	report.Recommendations = recs

	return report
}

func trendFor(metric string, oldest, newest float64, higherIsWorse bool) Trend {
	delta := newest - oldest
	direction := "stable"
	switch {
	case delta == 0:
		direction = "stable"
	case (delta > 0) == higherIsWorse:
		direction = "degrading"
	default:
		direction = "improving"
	}
	return Trend{Metric: metric, Oldest: oldest, Newest: newest, Delta: delta, Direction: direction}
}
