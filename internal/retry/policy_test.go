package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/timmy/avcorpus/internal/domain"
)

func noSleep(_ context.Context, _ time.Duration) error { return nil }

func TestDoRetriesByClass(t *testing.T) {
	testCases := []struct {
		name      string
		err       error
		wantTries int
		exhausted bool
	}{
		{"transient retried", domain.Classify(domain.ClassTransient, errors.New("503")), 4, true},
		{"rate limited retried", domain.Classify(domain.ClassRateLimited, errors.New("429")), 4, true},
		{"not found stops", domain.Classify(domain.ClassNotFound, errors.New("404")), 1, false},
		{"unclassified stops", errors.New("boom"), 1, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := &Policy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Sleep: noSleep}
			tries := 0
			err := p.Do(context.Background(), func(context.Context, int) error {
				tries++
				return tc.err
			})
			if tries != tc.wantTries {
				t.Errorf("tries = %d, want %d", tries, tc.wantTries)
			}
			var exhausted *ExhaustedError
			if errors.As(err, &exhausted) != tc.exhausted {
				t.Errorf("exhausted = %v, want %v (err %v)", !tc.exhausted, tc.exhausted, err)
			}
			if domain.ClassOf(err) != domain.ClassOf(tc.err) {
				t.Errorf("class lost: %s", domain.ClassOf(err))
			}
		})
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	var delays []time.Duration
	p := &Policy{
		MaxRetries: 5,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
		Sleep: func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
	}
	err := p.Do(context.Background(), func(_ context.Context, try int) error {
		if try < 2 {
			return domain.Classify(domain.ClassTransient, errors.New("reset"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if len(delays) != 2 {
		t.Fatalf("slept %d times, want 2", len(delays))
	}
	for i, d := range delays {
		if d < 0 || d > p.ceiling(i) {
			t.Errorf("delay %d = %v outside [0, %v]", i, d, p.ceiling(i))
		}
	}
}

func TestBackoffCeilingIsCapped(t *testing.T) {
	p := &Policy{BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for try, w := range want {
		if got := p.ceiling(try); got != w {
			t.Errorf("ceiling(%d) = %v, want %v", try, got, w)
		}
	}
	for i := 0; i < 100; i++ {
		if d := p.Backoff(10); d > 5*time.Second {
			t.Fatalf("backoff above cap: %v", d)
		}
	}
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Policy{MaxRetries: 10, BaseDelay: time.Hour}
	calls := 0
	err := p.Do(ctx, func(context.Context, int) error {
		calls++
		cancel()
		return domain.Classify(domain.ClassTransient, errors.New("reset"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestItemDelay(t *testing.T) {
	testCases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{10, 30 * time.Minute},
	}
	for _, tc := range testCases {
		got := ItemDelay(time.Minute, 30*time.Minute, tc.attempt, nil)
		if got != tc.want {
			t.Errorf("ItemDelay(attempt %d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestDoStopsAtMaxElapsed(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p := &Policy{
		MaxRetries: 100,
		BaseDelay:  time.Minute,
		MaxDelay:   time.Minute,
		MaxElapsed: 10 * time.Minute,
		Now:        func() time.Time { return now },
		Sleep: func(_ context.Context, d time.Duration) error {
			now = now.Add(d)
			return nil
		},
	}
	// Every try takes a minute of wall time on top of the backoff.
	tries := 0
	err := p.Do(context.Background(), func(context.Context, int) error {
		tries++
		now = now.Add(time.Minute)
		return domain.Classify(domain.ClassTransient, errors.New("503"))
	})
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("err = %v, want *ExhaustedError", err)
	}
	if exhausted.Tries != tries {
		t.Errorf("reported tries = %d, ran %d", exhausted.Tries, tries)
	}
	if tries < 5 || tries > 11 {
		t.Errorf("tries = %d, want between 5 and 11 within a 10m budget", tries)
	}
	if elapsed := now.Sub(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)); elapsed > 11*time.Minute {
		t.Errorf("elapsed = %v, budget 10m plus the last try", elapsed)
	}
}

func TestDoRunsHookBeforeEachRetry(t *testing.T) {
	testCases := []struct {
		name      string
		hookErr   func(try int) error
		wantTries int
		exhausted bool
		wantErr   error
	}{
		{"hook allows", func(int) error { return nil }, 4, true, nil},
		{"hook stops", func(try int) error {
			if try == 2 {
				return ErrStop
			}
			return nil
		}, 2, true, nil},
		{"hook fails", func(int) error { return domain.ErrLeaseLost }, 1, false, domain.ErrLeaseLost},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var hooked []int
			ctx := WithHook(context.Background(), func(_ context.Context, try int, cause error) error {
				if domain.ClassOf(cause) != domain.ClassTransient {
					t.Errorf("hook cause class = %s", domain.ClassOf(cause))
				}
				hooked = append(hooked, try)
				return tc.hookErr(try)
			})
			p := &Policy{MaxRetries: 3, Sleep: noSleep}
			tries := 0
			err := p.Do(ctx, func(context.Context, int) error {
				tries++
				return domain.Classify(domain.ClassTransient, errors.New("503"))
			})
			if tries != tc.wantTries {
				t.Errorf("tries = %d, want %d (hooked %v)", tries, tc.wantTries, hooked)
			}
			var exhausted *ExhaustedError
			if errors.As(err, &exhausted) != tc.exhausted {
				t.Errorf("err = %v, exhausted want %v", err, tc.exhausted)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Errorf("err = %v, want %v", err, tc.wantErr)
			}
			for i, try := range hooked {
				if try != i+1 {
					t.Errorf("hooked tries = %v, want 1..n", hooked)
					break
				}
			}
		})
	}
}
