package tier

import "errors"

// Sentinel errors for the taxonomy of failures a tier or the router can produce.
// Callers distinguish kinds with errors.Is; wrapping with fmt.Errorf("...: %w", ...)
// preserves the sentinel through the call chain, matching the rest of this codebase's
// error-handling style.
var (
	// ErrCacheSize is returned when a key or value exceeds configured maxima.
	// The operation is rejected before either tier is touched.
	ErrCacheSize = errors.New("cache: key or value exceeds configured size limit")

	// ErrCacheSerialization is returned when a payload cannot be encoded or decoded.
	ErrCacheSerialization = errors.New("cache: serialization failure")

	// ErrCacheTimeout is returned when a remote operation exceeds its deadline.
	ErrCacheTimeout = errors.New("cache: remote operation timed out")

	// ErrCacheConnection is returned when the remote tier's liveness probe fails at
	// construction.
	ErrCacheConnection = errors.New("cache: remote connection unavailable")

	// ErrCacheRemote is returned when the remote store itself reports an error.
	ErrCacheRemote = errors.New("cache: remote store error")

	// ErrCacheLocal is returned on a local store failure.
	ErrCacheLocal = errors.New("cache: local store error")

	// ErrNoTierAccepted is returned when a set failed on every eligible tier.
	ErrNoTierAccepted = errors.New("cache: no tier accepted the write")

	// ErrPatternInvalid is returned when a glob pattern fails to compile.
	ErrPatternInvalid = errors.New("cache: invalid pattern")
)

// isFallback reports whether err represents a condition the router should treat as
// "this tier is unavailable right now" rather than a hard failure: timeouts,
// connection failures, and generic remote errors all fall back to the other tier.
func isFallback(err error) bool {
	return errors.Is(err, ErrCacheTimeout) || errors.Is(err, ErrCacheConnection) || errors.Is(err, ErrCacheRemote)
}
