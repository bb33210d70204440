// Package ratelimit implements per-identifier sliding-window request
// throttling with independent windows per operation class. The limiter
// fails open: a missing or unreachable backing store allows the request
// rather than blocking all traffic, and the degraded mode is surfaced via
// a startup warning and a Prometheus counter.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"licensegate/internal/config"
	"licensegate/internal/metrics"
)

// Class selects which window applies to a request.
type Class string

const (
	// ClassGeneral covers validate, deactivate, and most endpoints,
	// keyed by client IP.
	ClassGeneral Class = "general"
	// ClassActivation covers activate, keyed by client IP.
	ClassActivation Class = "activation"
	// ClassList covers read-heavy listing endpoints, keyed by client IP.
	ClassList Class = "list"
	// ClassFailed tracks failed lookups keyed by license key, so key
	// guessing is throttled independently of source IP rotation.
	ClassFailed Class = "failed"
)

// Result describes the limiter's decision for one request.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	// Unlimited is true when no limiting was applied at all (limiter
	// disabled or store unavailable); header values are then meaningless.
	Unlimited bool
}

// Store is the counter backend. Counters are bucketed by window: the
// limiter weights the previous bucket by the unexpired fraction of its
// window to approximate a true sliding window.
type Store interface {
	// Incr increments the counter for (key, bucket) and returns the new
	// value together with the previous bucket's count. ttl bounds how
	// long buckets survive.
	Incr(ctx context.Context, key string, bucket, prevBucket int64, ttl time.Duration) (curr, prev int64, err error)

	// Get reads both buckets without incrementing.
	Get(ctx context.Context, key string, bucket, prevBucket int64) (curr, prev int64, err error)
}

// Limiter applies the configured windows. A nil store is valid and means
// every check passes.
type Limiter struct {
	store  Store
	cfg    config.RateLimitConfig
	logger *slog.Logger
}

// New creates a limiter. When limiting is disabled or no store is
// configured the limiter logs the operational risk once, at startup,
// instead of failing silently at request time.
func New(store Store, cfg config.RateLimitConfig, logger *slog.Logger) *Limiter {
	l := &Limiter{store: store, cfg: cfg, logger: logger}
	if !cfg.Enabled || store == nil {
		logger.Warn("rate limiting is not active; all requests will be allowed",
			slog.Bool("enabled", cfg.Enabled),
			slog.Bool("store_configured", store != nil),
		)
		metrics.RateLimitFailOpen.Inc()
	}
	return l
}

// Check records a request for the identifier in the given class and
// returns whether it is allowed. Store failures allow the request.
func (l *Limiter) Check(ctx context.Context, class Class, identifier string) Result {
	w, ok := l.window(class)
	if !ok || !l.cfg.Enabled || l.store == nil {
		return Result{Allowed: true, Unlimited: true}
	}

	key := fmt.Sprintf("%s:%s", class, identifier)
	now := time.Now()
	bucket, prevBucket, elapsed := buckets(now, w.Window)

	curr, prev, err := l.store.Incr(ctx, key, bucket, prevBucket, 2*w.Window)
	if err != nil {
		l.logger.WarnContext(ctx, "rate limit store unavailable, failing open",
			slog.String("class", string(class)),
			slog.String("error", err.Error()),
		)
		metrics.RateLimitFailOpen.Inc()
		return Result{Allowed: true, Unlimited: true}
	}

	res := l.decide(w, curr, prev, elapsed, now)
	if !res.Allowed {
		metrics.RateLimitDenied.WithLabelValues(string(class)).Inc()
	}
	return res
}

// Peek reads the current window without consuming a request. Used to
// gate validate calls on keys that have accumulated failed lookups.
func (l *Limiter) Peek(ctx context.Context, class Class, identifier string) Result {
	w, ok := l.window(class)
	if !ok || !l.cfg.Enabled || l.store == nil {
		return Result{Allowed: true, Unlimited: true}
	}

	key := fmt.Sprintf("%s:%s", class, identifier)
	now := time.Now()
	bucket, prevBucket, elapsed := buckets(now, w.Window)

	curr, prev, err := l.store.Get(ctx, key, bucket, prevBucket)
	if err != nil {
		metrics.RateLimitFailOpen.Inc()
		return Result{Allowed: true, Unlimited: true}
	}

	// Peek does not consume, so the decision counts one request fewer.
	// It also does not record a denial metric: the denied request is
	// counted once, by the Check that consumed the window.
	res := l.decide(w, curr+1, prev, elapsed, now)
	res.Remaining = remaining(w.Limit, weighted(curr, prev, elapsed))
	return res
}

func (l *Limiter) decide(w config.WindowConfig, curr, prev int64, elapsed float64, now time.Time) Result {
	count := weighted(curr, prev, elapsed)
	allowed := count <= int64(w.Limit)
	return Result{
		Allowed:   allowed,
		Limit:     w.Limit,
		Remaining: remaining(w.Limit, count),
		ResetAt:   bucketEnd(now, w.Window),
	}
}

func (l *Limiter) window(class Class) (config.WindowConfig, bool) {
	switch class {
	case ClassGeneral:
		return l.cfg.General, true
	case ClassActivation:
		return l.cfg.Activation, true
	case ClassList:
		return l.cfg.List, true
	case ClassFailed:
		return l.cfg.Failed, true
	}
	return config.WindowConfig{}, false
}

// buckets returns the current and previous bucket indices and how far,
// as a fraction, the current window has progressed.
func buckets(now time.Time, window time.Duration) (bucket, prevBucket int64, elapsed float64) {
	windowSecs := int64(window / time.Second)
	unix := now.Unix()
	bucket = unix / windowSecs
	prevBucket = bucket - 1
	elapsed = float64(unix%windowSecs) / float64(windowSecs)
	return bucket, prevBucket, elapsed
}

// weighted combines the full current bucket with the still-covered
// fraction of the previous bucket.
func weighted(curr, prev int64, elapsed float64) int64 {
	return curr + int64(math.Floor(float64(prev)*(1-elapsed)))
}

func remaining(limit int, count int64) int {
	r := int64(limit) - count
	if r < 0 {
		return 0
	}
	return int(r)
}

func bucketEnd(now time.Time, window time.Duration) time.Time {
	windowSecs := int64(window / time.Second)
	end := (now.Unix()/windowSecs + 1) * windowSecs
	return time.Unix(end, 0)
}
