// Package loadtest exercises tier.Router under controlled, reproducible load to
// quantify throughput, hit-rate, and tail latency, per spec.md §4.7. It is new in
// this port, grounded on the original Rust cache/load_testing.rs — the structure
// (populate -> ramp-up -> steady-state -> ramp-down -> analyze) is preserved, with
// the nanosecond-interval sleep loop replaced by golang.org/x/time/rate.Limiter
// (already a direct dependency via warming/service.go) and the Zipfian generator
// replaced by a precomputed CDF per spec.md §9's correctness note.
package loadtest

import "time"

// KeyDistributionKind selects how the key generator picks a key from its pool on
// each dispatched operation, per spec.md §4.7.
type KeyDistributionKind int

const (
	Uniform KeyDistributionKind = iota
	Sequential
	Hotspot
	Zipfian
)

// KeyDistribution configures the selected distribution. HotPct/HotTrafficPct apply
// only to Hotspot; Alpha applies only to Zipfian.
type KeyDistribution struct {
	Kind          KeyDistributionKind
	HotPct        float64 // fraction of the pool considered "hot" (Hotspot)
	HotTrafficPct float64 // probability traffic is routed to a hot key (Hotspot)
	Alpha         float64 // skew parameter (Zipfian)
}

// ValueSize bounds the size of generated test payloads.
type ValueSize struct {
	MinBytes int
	MaxBytes int
	AvgBytes int
}

// Config mirrors spec.md §4.7's LoadTestConfig.
type Config struct {
	ConcurrentUsers      int
	TestDurationSeconds  int
	OperationsPerSecond  int
	ReadWriteRatio       float64 // fraction of operations that are reads
	KeyDistribution      KeyDistribution
	ValueSize            ValueSize
	RampUpSeconds        int
	RampDownSeconds      int
}

// DefaultConfig returns a modest profile suitable for CI-scale runs, following the
// teacher's DefaultConfig idiom (warming/service.go).
func DefaultConfig() Config {
	return Config{
		ConcurrentUsers:     20,
		TestDurationSeconds: 10,
		OperationsPerSecond: 200,
		ReadWriteRatio:      0.8,
		KeyDistribution:     KeyDistribution{Kind: Uniform},
		ValueSize:           ValueSize{MinBytes: 32, MaxBytes: 512, AvgBytes: 128},
		RampUpSeconds:       2,
		RampDownSeconds:     2,
	}
}

const populateKeyCount = 1000

const rampSteps = 10

func rampStepDuration(totalSeconds int) time.Duration {
	if totalSeconds <= 0 {
		return 0
	}
	return time.Duration(totalSeconds) * time.Second / rampSteps
}
