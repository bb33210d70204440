package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate/internal/config"
	"licensegate/internal/metrics"
)

func testConfig(limit int) config.RateLimitConfig {
	w := config.WindowConfig{Limit: limit, Window: time.Hour}
	return config.RateLimitConfig{
		Enabled:    true,
		General:    w,
		Activation: w,
		List:       w,
		Failed:     w,
	}
}

// errStore simulates an unreachable backend.
type errStore struct{}

func (errStore) Incr(context.Context, string, int64, int64, time.Duration) (int64, int64, error) {
	return 0, 0, errors.New("connection refused")
}

func (errStore) Get(context.Context, string, int64, int64) (int64, int64, error) {
	return 0, 0, errors.New("connection refused")
}

func TestLimiter_EnforcesLimit(t *testing.T) {
	l := New(NewMemoryStore(), testConfig(3), slog.Default())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res := l.Check(ctx, ClassGeneral, "203.0.113.7")
		assert.True(t, res.Allowed, "request %d should pass", i+1)
		assert.Equal(t, 3, res.Limit)
		assert.Equal(t, 2-i, res.Remaining)
		assert.False(t, res.Unlimited)
	}

	res := l.Check(ctx, ClassGeneral, "203.0.113.7")
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.False(t, res.ResetAt.IsZero())
}

func TestLimiter_ClassesAndIdentifiersAreIndependent(t *testing.T) {
	l := New(NewMemoryStore(), testConfig(1), slog.Default())
	ctx := context.Background()

	require.True(t, l.Check(ctx, ClassGeneral, "a").Allowed)
	assert.False(t, l.Check(ctx, ClassGeneral, "a").Allowed)

	// A different identifier in the same class still has its own budget.
	assert.True(t, l.Check(ctx, ClassGeneral, "b").Allowed)
	// The same identifier in a different class does too.
	assert.True(t, l.Check(ctx, ClassActivation, "a").Allowed)
}

func TestLimiter_PeekDoesNotConsume(t *testing.T) {
	l := New(NewMemoryStore(), testConfig(2), slog.Default())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		res := l.Peek(ctx, ClassFailed, "ABCD-EFGH-IJKL-MNOP")
		assert.True(t, res.Allowed)
	}

	// The full budget is still available after peeking.
	assert.True(t, l.Check(ctx, ClassFailed, "ABCD-EFGH-IJKL-MNOP").Allowed)
	assert.True(t, l.Check(ctx, ClassFailed, "ABCD-EFGH-IJKL-MNOP").Allowed)
	assert.False(t, l.Check(ctx, ClassFailed, "ABCD-EFGH-IJKL-MNOP").Allowed)
}

func TestLimiter_PeekSeesExhaustion(t *testing.T) {
	l := New(NewMemoryStore(), testConfig(1), slog.Default())
	ctx := context.Background()

	require.True(t, l.Check(ctx, ClassFailed, "key").Allowed)
	res := l.Peek(ctx, ClassFailed, "key")
	assert.False(t, res.Allowed, "an exhausted window must be visible without consuming")
}

func TestLimiter_OnlyChecksCountDenials(t *testing.T) {
	l := New(NewMemoryStore(), testConfig(1), slog.Default())
	ctx := context.Background()
	denied := func() float64 {
		return testutil.ToFloat64(metrics.RateLimitDenied.WithLabelValues(string(ClassFailed)))
	}

	require.True(t, l.Check(ctx, ClassFailed, "key").Allowed)
	before := denied()

	// A denied peek is an observation, not a consumed request.
	require.False(t, l.Peek(ctx, ClassFailed, "key").Allowed)
	assert.Equal(t, before, denied())

	require.False(t, l.Check(ctx, ClassFailed, "key").Allowed)
	assert.Equal(t, before+1, denied())
}

func TestLimiter_DisabledFailsOpen(t *testing.T) {
	cfg := testConfig(1)
	cfg.Enabled = false
	l := New(NewMemoryStore(), cfg, slog.Default())

	for i := 0; i < 5; i++ {
		res := l.Check(context.Background(), ClassGeneral, "a")
		assert.True(t, res.Allowed)
		assert.True(t, res.Unlimited)
	}
}

func TestLimiter_NilStoreFailsOpen(t *testing.T) {
	l := New(nil, testConfig(1), slog.Default())
	res := l.Check(context.Background(), ClassGeneral, "a")
	assert.True(t, res.Allowed)
	assert.True(t, res.Unlimited)
}

func TestLimiter_StoreErrorFailsOpen(t *testing.T) {
	l := New(errStore{}, testConfig(1), slog.Default())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res := l.Check(ctx, ClassGeneral, "a")
		assert.True(t, res.Allowed)
		assert.True(t, res.Unlimited)
	}
	res := l.Peek(ctx, ClassFailed, "key")
	assert.True(t, res.Allowed)
	assert.True(t, res.Unlimited)
}

func TestLimiter_UnknownClassAllowed(t *testing.T) {
	l := New(NewMemoryStore(), testConfig(1), slog.Default())
	res := l.Check(context.Background(), Class("bogus"), "a")
	assert.True(t, res.Allowed)
	assert.True(t, res.Unlimited)
}

func TestWeighted_SlidingWindow(t *testing.T) {
	tests := []struct {
		name    string
		curr    int64
		prev    int64
		elapsed float64
		want    int64
	}{
		{"empty previous bucket", 5, 0, 0.5, 5},
		{"window just started counts full previous", 2, 10, 0.0, 12},
		{"half elapsed counts half of previous", 2, 10, 0.5, 7},
		{"window nearly over ignores previous", 2, 10, 0.999, 2},
		{"fraction floors rather than rounds", 1, 3, 0.5, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, weighted(tt.curr, tt.prev, tt.elapsed))
		})
	}
}

func TestBuckets(t *testing.T) {
	now := time.Unix(7200+1800, 0) // half way through the third hour bucket
	bucket, prevBucket, elapsed := buckets(now, time.Hour)
	assert.Equal(t, int64(2), bucket)
	assert.Equal(t, int64(1), prevBucket)
	assert.InDelta(t, 0.5, elapsed, 0.001)

	end := bucketEnd(now, time.Hour)
	assert.Equal(t, int64(3*3600), end.Unix())
}

func TestMemoryStore_BucketsExpire(t *testing.T) {
	s := NewMemoryStore()
	clock := time.Unix(1000, 0)
	s.now = func() time.Time { return clock }
	ctx := context.Background()

	curr, _, err := s.Incr(ctx, "general:a", 1, 0, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), curr)

	clock = clock.Add(2 * time.Minute)
	curr, prev, err := s.Get(ctx, "general:a", 1, 0)
	require.NoError(t, err)
	assert.Zero(t, curr, "expired bucket reads as empty")
	assert.Zero(t, prev)
}

func TestMemoryStore_TracksPreviousBucket(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, _, err := s.Incr(ctx, "general:a", 1, 0, time.Hour)
	require.NoError(t, err)
	_, _, err = s.Incr(ctx, "general:a", 1, 0, time.Hour)
	require.NoError(t, err)

	curr, prev, err := s.Incr(ctx, "general:a", 2, 1, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), curr)
	assert.Equal(t, int64(2), prev)
}
