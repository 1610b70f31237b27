package retry

import (
	"context"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter is the upper bound of the random delay added to every wait.
	Jitter time.Duration
	// Retryable decides whether a failed attempt is worth repeating.
	Retryable func(error) bool
	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// VendorPolicy is used for LLM vendor calls: 3 retries, 1s -> 2s -> 4s, capped at 5s.
func VendorPolicy(retryable func(error) bool) Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   5 * time.Second,
		Jitter:     250 * time.Millisecond,
		Retryable:  retryable,
	}
}

// IsRetryableStatus reports rate limiting and server side failures.
func IsRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

// Delay returns the wait before retry number attempt (0-based), without jitter.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay << uint(attempt)
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		return p.MaxDelay
	}
	return d
}

// Do runs fn until it succeeds, returns a non-retryable error, or the retries run out.
// The last error is returned unchanged.
func Do[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	sleep := p.Sleep
	if sleep == nil {
		sleep = contextSleep
	}

	var (
		result T
		err    error
	)
	for attempt := 0; ; attempt++ {
		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
		if attempt >= p.MaxRetries || p.Retryable == nil || !p.Retryable(err) {
			return result, err
		}

		wait := p.Delay(attempt)
		if p.Jitter > 0 {
			wait += time.Duration(rand.Int63n(int64(p.Jitter)))
		}
		log.Warn().Err(err).
			Str("operation", op).
			Int("attempt", attempt+1).
			Dur("wait", wait).
			Msg("Retrying after transient failure")

		if sleepErr := sleep(ctx, wait); sleepErr != nil {
			return result, err
		}
	}
}

func contextSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
