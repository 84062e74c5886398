package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/timmy/avcorpus/internal/domain"
)

// Policy retries an operation with exponential backoff and full jitter. It is
// shared by the fetcher and the output writer; which failures are retried is
// decided by the error class.
type Policy struct {
	MaxRetries int           // retries after the first try
	BaseDelay  time.Duration // first backoff ceiling
	MaxDelay   time.Duration // backoff ceiling cap
	MaxElapsed time.Duration // total time budget across tries; 0 is unbounded

	// Retryable decides whether err may be retried. Nil retries the
	// transient, rate_limited and write_failure classes.
	Retryable func(err error) bool

	// Sleep waits between tries. Nil waits on a timer and honors ctx.
	Sleep func(ctx context.Context, d time.Duration) error

	// Now reads the clock for MaxElapsed. Nil uses time.Now.
	Now func() time.Time

	mu  sync.Mutex
	rnd *rand.Rand
}

// ExhaustedError is returned when every try failed with a retryable error.
type ExhaustedError struct {
	Tries int
	Last  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d tries: %v", e.Tries, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// ErrStop is returned by a Hook to end the loop as exhausted.
var ErrStop = errors.New("retry budget spent")

// Hook runs before every retry with the number of the upcoming try (1 for the
// first retry) and the error that caused it. Returning ErrStop ends Do with an
// *ExhaustedError; any other error ends Do with that error.
type Hook func(ctx context.Context, try int, cause error) error

type hookKey struct{}

// WithHook attaches hook to ctx. Policies run under ctx call it before each
// retry, so a caller can account for retries without owning the policy.
func WithHook(ctx context.Context, hook Hook) context.Context {
	return context.WithValue(ctx, hookKey{}, hook)
}

func hookFrom(ctx context.Context) Hook {
	hook, _ := ctx.Value(hookKey{}).(Hook)
	return hook
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// retry budget is spent. The budget is MaxRetries retries and, when set,
// MaxElapsed of total time: a retry whose backoff would end past MaxElapsed
// is not attempted.
// Parameters:
//   - ctx: context; cancellation ends the loop with ctx.Err().
//   - op: operation receiving the zero-based try number.
// Returns:
//   - error: nil on success, op's error when not retryable, or *ExhaustedError.
func (p *Policy) Do(ctx context.Context, op func(ctx context.Context, try int) error) error {
	start := p.now()
	hook := hookFrom(ctx)
	var lastErr error
	for try := 0; ; try++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op(ctx, try)
		if lastErr == nil {
			return nil
		}
		if !p.retryable(lastErr) {
			return lastErr
		}
		if try == p.MaxRetries {
			return &ExhaustedError{Tries: try + 1, Last: lastErr}
		}
		delay := p.Backoff(try)
		if p.MaxElapsed > 0 && p.now().Sub(start)+delay > p.MaxElapsed {
			return &ExhaustedError{Tries: try + 1, Last: lastErr}
		}
		if hook != nil {
			if err := hook(ctx, try+1, lastErr); err != nil {
				if errors.Is(err, ErrStop) {
					return &ExhaustedError{Tries: try + 1, Last: lastErr}
				}
				return err
			}
		}
		if err := p.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (p *Policy) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Backoff returns a random delay in [0, min(MaxDelay, BaseDelay*2^try)].
func (p *Policy) Backoff(try int) time.Duration {
	ceiling := p.ceiling(try)
	if ceiling <= 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rnd == nil {
		p.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return time.Duration(p.rnd.Int63n(int64(ceiling) + 1))
}

func (p *Policy) ceiling(try int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < try; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p *Policy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return domain.ClassOf(err).IsRetryable()
}

func (p *Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ItemDelay is the wait before an item that failed its attempt-th attempt
// becomes eligible again: base * 2^(attempt-1), capped at max, with up to 20%
// added jitter so a burst of failures does not come back at once.
func ItemDelay(base, max time.Duration, attempt int, rnd func(n int64) int64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt && (max <= 0 || d < max); i++ {
		d *= 2
	}
	if max > 0 && d > max {
		d = max
	}
	if rnd != nil && d > 0 {
		d += time.Duration(rnd(int64(d)/5 + 1))
	}
	return d
}
