package loadtest

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"encore.app/tier"
)

// OperationType enumerates the four operations the dispatcher can draw, per
// spec.md §4.7's nested Bernoulli draw.
type OperationType int

const (
	OpGet OperationType = iota
	OpSet
	OpDelete
	OpExists
)

func (t OperationType) String() string {
	switch t {
	case OpGet:
		return "get"
	case OpSet:
		return "set"
	case OpDelete:
		return "delete"
	case OpExists:
		return "exists"
	default:
		return "unknown"
	}
}

// OperationResult records the outcome of one dispatched operation, per spec.md
// §4.7 ("each result records {operation_type, success, latency, cache_hit,
// error_type?, started_at}").
type OperationResult struct {
	Operation OperationType
	Success   bool
	Latency   time.Duration
	CacheHit  bool
	ErrorType string
	StartedAt time.Time
}

// Runner drives a tier.Router under the phases spec.md §4.7 describes:
// populate, ramp-up, steady-state, ramp-down.
type Runner struct {
	router *tier.Router
	cfg    Config

	mu      sync.Mutex
	results []OperationResult

	keys *keyGenerator
}

// NewRunner constructs a Runner against an already-configured Router. seed fixes
// the key/value RNG for reproducible runs (tests pass a deterministic seed).
func NewRunner(router *tier.Router, cfg Config, seed int64) *Runner {
	return &Runner{
		router: router,
		cfg:    cfg,
		keys:   newKeyGenerator(cfg.KeyDistribution, populateKeyCount*10, seed),
	}
}

// Run executes the full phased load test and returns the analyzed results.
func (r *Runner) Run(ctx context.Context) (Results, error) {
	start := time.Now()

	r.populate(ctx)

	sem := make(chan struct{}, max(r.cfg.ConcurrentUsers, 1))
	var wg sync.WaitGroup

	r.runRampUp(ctx, sem, &wg)
	r.runSteadyState(ctx, sem, &wg)
	r.runRampDown(ctx, sem, &wg)

	wg.Wait()
	elapsed := time.Since(start)

	return analyze(r.cfg, r.snapshotResults(), elapsed)
}

// populate pre-loads the cache with an initial batch of keys, per spec.md §4.7's
// "populate (~1000 initial keys)" phase.
func (r *Runner) populate(ctx context.Context) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < populateKeyCount; i++ {
		key := r.keys.next()
		value := generateValue(r.cfg.ValueSize, rng)
		_ = r.router.Set(ctx, key, value, 0)
	}
}

// runRampUp linearly scales target throughput across rampSteps steps, per
// spec.md §4.7.
func (r *Runner) runRampUp(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup) {
	if r.cfg.RampUpSeconds <= 0 {
		return
	}
	step := rampStepDuration(r.cfg.RampUpSeconds)
	for s := 1; s <= rampSteps; s++ {
		target := r.cfg.OperationsPerSecond * s / rampSteps
		r.runPhase(ctx, step, target, sem, wg)
	}
}

// runRampDown mirrors runRampUp in reverse, scaling throughput back down.
func (r *Runner) runRampDown(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup) {
	if r.cfg.RampDownSeconds <= 0 {
		return
	}
	step := rampStepDuration(r.cfg.RampDownSeconds)
	for s := rampSteps; s >= 1; s-- {
		target := r.cfg.OperationsPerSecond * s / rampSteps
		r.runPhase(ctx, step, target, sem, wg)
	}
}

func (r *Runner) runSteadyState(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup) {
	duration := time.Duration(r.cfg.TestDurationSeconds) * time.Second
	r.runPhase(ctx, duration, r.cfg.OperationsPerSecond, sem, wg)
}

// runPhase dispatches operations at target ops/sec for duration, gated by a
// semaphore sized to concurrent_users, per spec.md §4.7's token-rate loop. A
// target of zero or less is a no-op (idle phase).
func (r *Runner) runPhase(ctx context.Context, duration time.Duration, targetOps int, sem chan struct{}, wg *sync.WaitGroup) {
	if duration <= 0 || targetOps <= 0 {
		return
	}

	limiter := rate.NewLimiter(rate.Limit(targetOps), max(targetOps/10, 1))
	deadline := time.Now().Add(duration)

	for time.Now().Before(deadline) {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			result := r.executeRandomOperation(ctx)
			r.mu.Lock()
			r.results = append(r.results, result)
			r.mu.Unlock()
		}()
	}
}

// executeRandomOperation picks an operation type via spec.md §4.7's nested
// Bernoulli draw and executes it against the router.
func (r *Runner) executeRandomOperation(ctx context.Context) OperationResult {
	started := time.Now()
	rng := rand.New(rand.NewSource(started.UnixNano() ^ int64(rand.Int())))

	var op OperationType
	if rng.Float64() < r.cfg.ReadWriteRatio {
		if rng.Float64() < 0.9 {
			op = OpGet
		} else {
			op = OpExists
		}
	} else {
		if rng.Float64() < 0.8 {
			op = OpSet
		} else {
			op = OpDelete
		}
	}

	key := r.keys.next()
	result := OperationResult{Operation: op, StartedAt: started}

	switch op {
	case OpGet:
		_, hit, err := r.router.Get(ctx, key)
		result.Success = err == nil
		result.CacheHit = hit
		if err != nil {
			result.ErrorType = classifyError(err)
		}
	case OpSet:
		value := generateValue(r.cfg.ValueSize, rng)
		err := r.router.Set(ctx, key, value, 0)
		result.Success = err == nil
		if err != nil {
			result.ErrorType = classifyError(err)
		}
	case OpDelete:
		err := r.router.Delete(ctx, key)
		result.Success = err == nil
		if err != nil {
			result.ErrorType = classifyError(err)
		}
	case OpExists:
		result.Success = true
		result.CacheHit = r.router.Exists(ctx, key)
	}

	result.Latency = time.Since(started)
	return result
}

func classifyError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, tier.ErrNoTierAccepted):
		return "no_tier_accepted"
	case errors.Is(err, tier.ErrCacheSize):
		return "cache_size"
	default:
		return "error"
	}
}

func (r *Runner) snapshotResults() []OperationResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]OperationResult, len(r.results))
	copy(out, r.results)
	return out
}
