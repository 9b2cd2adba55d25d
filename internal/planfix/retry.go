package planfix

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RetryPolicy controls how Retrying paces and retries calls.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt for
	// rate-limited calls. Zero disables retrying.
	MaxRetries int

	// BaseDelay is the first backoff delay; it doubles per attempt.
	BaseDelay time.Duration

	// MaxDelay clamps the backoff (and any Retry-After hint).
	MaxDelay time.Duration

	// MinInterval is the minimum spacing between the start of two calls.
	MinInterval time.Duration

	// Jitter adds up to this much random delay to each backoff.
	Jitter time.Duration
}

// DefaultRetryPolicy mirrors the pacing the Planfix API tolerates in practice.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  5,
		BaseDelay:   2 * time.Second,
		MaxDelay:    time.Minute,
		MinInterval: 200 * time.Millisecond,
		Jitter:      500 * time.Millisecond,
	}
}

// Retrying wraps a Querier with call pacing and bounded retries of
// rate-limited calls. Every other error is returned unchanged on first
// occurrence. Retrying is safe for concurrent use.
type Retrying struct {
	next   Querier
	policy RetryPolicy
	log    zerolog.Logger

	mu       sync.Mutex
	lastCall time.Time
	rng      *rand.Rand

	// seams for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

// NewRetrying returns a Retrying around next.
func NewRetrying(next Querier, policy RetryPolicy, log zerolog.Logger) *Retrying {
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = time.Minute
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = time.Second
	}
	return &Retrying{
		next:   next,
		policy: policy,
		log:    log.With().Str("component", "planfix_retry").Logger(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// Query implements Querier.
func (r *Retrying) Query(ctx context.Context, method string, params ...Param) (*Response, error) {
	for attempt := 0; ; attempt++ {
		if err := r.pace(ctx); err != nil {
			return nil, err
		}

		resp, err := r.next.Query(ctx, method, params...)
		if err == nil {
			return resp, nil
		}
		if !IsRateLimited(err) || attempt >= r.policy.MaxRetries {
			return nil, err
		}

		d := r.backoff(err, attempt+1)
		r.log.Warn().
			Err(err).
			Str("method", method).
			Int("attempt", attempt+1).
			Dur("delay", d).
			Msg("rate limited, backing off")

		if !r.sleep(ctx, d) {
			return nil, ctx.Err()
		}
	}
}

// pace blocks until MinInterval has passed since the previous call started.
func (r *Retrying) pace(ctx context.Context) error {
	if r.policy.MinInterval <= 0 {
		return ctx.Err()
	}

	r.mu.Lock()
	now := r.now()
	next := r.lastCall.Add(r.policy.MinInterval)
	wait := next.Sub(now)
	if wait < 0 {
		wait = 0
		next = now
	}
	r.lastCall = next
	r.mu.Unlock()

	if !r.sleep(ctx, wait) {
		return ctx.Err()
	}
	return nil
}

// backoff returns the delay before retry number attempt (1-based).
func (r *Retrying) backoff(err error, attempt int) time.Duration {
	var se *SourceError
	if errors.As(err, &se) && se.RetryAfter > 0 {
		return min(se.RetryAfter, r.policy.MaxDelay)
	}
	d := nextRetryDelay(attempt, r.policy.BaseDelay, r.policy.MaxDelay)
	if r.policy.Jitter > 0 {
		r.mu.Lock()
		d += time.Duration(r.rng.Int63n(int64(r.policy.Jitter)))
		r.mu.Unlock()
	}
	return d
}

// nextRetryDelay is base * 2^(attempt-1), clamped to max.
func nextRetryDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		d = max
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
