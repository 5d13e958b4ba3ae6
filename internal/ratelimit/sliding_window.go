package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/reefbuddy/reefbuddy/internal/clock"
	"github.com/reefbuddy/reefbuddy/internal/kvstore"
)

var (
	ErrUnavailable   = errors.New("rate_limiter_unavailable")
	ErrInvalidPolicy = errors.New("rate_limit_invalid_policy")
)

const keyWindowCounter = "rl:%s:%s:%d"

type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// SlidingWindow approximates a sliding window from two fixed buckets:
// estimate = previous * (1 - elapsed/window) + current.
type SlidingWindow struct {
	store kvstore.Store
	clock clock.Clock
}

func NewSlidingWindow(store kvstore.Store, clk clock.Clock) *SlidingWindow {
	if clk == nil {
		clk = clock.New()
	}
	return &SlidingWindow{store: store, clock: clk}
}

// Allow counts one request for scope/subject. Any store failure returns
// ErrUnavailable with a denied result; callers must not treat it as allow.
func (w *SlidingWindow) Allow(ctx context.Context, scope, subject string, limit int, window time.Duration) (Result, error) {
	denied := Result{Allowed: false, Limit: limit, RetryAfter: time.Second}
	if w == nil || w.store == nil {
		return denied, ErrUnavailable
	}
	if scope == "" || subject == "" || limit <= 0 || window <= 0 {
		return denied, ErrInvalidPolicy
	}

	now := w.clock.Now()
	bucketStart := now.Truncate(window)
	elapsed := now.Sub(bucketStart)

	current, err := w.store.Incr(ctx, bucketKey(scope, subject, bucketStart), 2*window)
	if err != nil {
		return denied, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	previous, err := w.readCounter(ctx, bucketKey(scope, subject, bucketStart.Add(-window)))
	if err != nil {
		return denied, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	weight := 1 - float64(elapsed)/float64(window)
	estimate := float64(previous)*weight + float64(current)

	if estimate <= float64(limit) {
		return Result{
			Allowed:   true,
			Limit:     limit,
			Remaining: max(0, limit-int(math.Ceil(estimate))),
		}, nil
	}

	return Result{
		Allowed:    false,
		Limit:      limit,
		Remaining:  0,
		RetryAfter: retryAfter(previous, current, limit, elapsed, window),
	}, nil
}

func (w *SlidingWindow) readCounter(ctx context.Context, key string) (int64, error) {
	raw, err := w.store.Get(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, kvstore.ErrInvalidCounter
	}
	return value, nil
}

// retryAfter estimates when the weighted previous bucket has decayed enough.
func retryAfter(previous, current int64, limit int, elapsed, window time.Duration) time.Duration {
	var wait time.Duration
	headroom := float64(int64(limit) - current)
	switch {
	case headroom < 0 || previous == 0:
		wait = window - elapsed
	default:
		target := time.Duration(float64(window) * (1 - headroom/float64(previous)))
		wait = target - elapsed
	}
	if wait < time.Second {
		wait = time.Second
	}
	return wait.Round(time.Second)
}

func bucketKey(scope, subject string, start time.Time) string {
	return fmt.Sprintf(keyWindowCounter, scope, subject, start.Unix())
}
