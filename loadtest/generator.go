package loadtest

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"encore.app/keycatalog"
)

// keyGenerator produces keys from a fixed pool according to the configured
// distribution, grounded on the original Rust KeyGenerator. The pool spans the
// same mix of categories the original uses (round-robin over ten representative
// categories) so routing exercises both Local- and Remote-preferred paths.
type keyGenerator struct {
	mu       sync.Mutex
	dist     KeyDistribution
	pool     []keycatalog.Key
	hotCount int
	counter  uint64
	rng      *rand.Rand
	cdf      []float64 // precomputed Zipfian CDF over the pool, nil unless Kind == Zipfian
}

var poolCategories = []keycatalog.Category{
	keycatalog.UserSession,
	keycatalog.WalletBalance,
	keycatalog.AssetPrice,
	keycatalog.TransactionHistory,
	keycatalog.KycStatus,
	keycatalog.CardLimits,
	keycatalog.MarketData,
	keycatalog.SpendingInsights,
	keycatalog.UserAnalytics,
	keycatalog.FeatureFlags,
}

func newKeyGenerator(dist KeyDistribution, poolSize int, seed int64) *keyGenerator {
	pool := make([]keycatalog.Key, poolSize)
	for i := 0; i < poolSize; i++ {
		cat := poolCategories[i%len(poolCategories)]
		pool[i] = keycatalog.New(cat, fmt.Sprintf("loadtest-%d", i))
	}

	hotCount := int(dist.HotPct * float64(poolSize))
	if dist.Kind == Hotspot && hotCount < 1 {
		hotCount = 1
	}

	g := &keyGenerator{
		dist:     dist,
		pool:     pool,
		hotCount: hotCount,
		rng:      rand.New(rand.NewSource(seed)),
	}
	if dist.Kind == Zipfian {
		g.cdf = zipfianCDF(poolSize, dist.Alpha)
	}
	return g
}

// zipfianCDF precomputes cumulative probability mass for a true power-law
// distribution over rank 1..n, resolving spec.md §9's note that the original's
// rand().powf(2.0) approximation should be replaced by a calibrated generator.
func zipfianCDF(n int, alpha float64) []float64 {
	if alpha <= 0 {
		alpha = 1.0
	}
	weights := make([]float64, n)
	var total float64
	for rank := 1; rank <= n; rank++ {
		w := 1.0 / math.Pow(float64(rank), alpha)
		weights[rank-1] = w
		total += w
	}
	cdf := make([]float64, n)
	running := 0.0
	for i, w := range weights {
		running += w / total
		cdf[i] = running
	}
	cdf[n-1] = 1.0 // guard against float drift
	return cdf
}

func sampleCDF(cdf []float64, p float64) int {
	lo, hi := 0, len(cdf)-1
	for lo < hi {
		mid := (lo + hi) / 2
		if cdf[mid] < p {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// next returns the next key per the configured distribution.
func (g *keyGenerator) next() keycatalog.Key {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter++

	switch g.dist.Kind {
	case Sequential:
		return g.pool[int(g.counter-1)%len(g.pool)]
	case Hotspot:
		trafficPct := g.dist.HotTrafficPct
		if g.rng.Float64() < trafficPct {
			return g.pool[g.rng.Intn(g.hotCount)]
		}
		return g.pool[g.rng.Intn(len(g.pool))]
	case Zipfian:
		idx := sampleCDF(g.cdf, g.rng.Float64())
		return g.pool[idx]
	default: // Uniform
		return g.pool[g.rng.Intn(len(g.pool))]
	}
}

// generateValue produces an opaque JSON-serialized payload sized within the
// configured bounds, mirroring the original's generate_test_value.
func generateValue(vs ValueSize, rng *rand.Rand) []byte {
	size := vs.MinBytes
	if vs.MaxBytes > vs.MinBytes {
		size = vs.MinBytes + rng.Intn(vs.MaxBytes-vs.MinBytes+1)
	}
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	data := make([]byte, size)
	for i := range data {
		data[i] = alphabet[rng.Intn(len(alphabet))]
	}
	return []byte(fmt.Sprintf(`{"data":%q,"size":%d}`, data, size))
}
