package repository

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/timmy/avcorpus/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRepo(t *testing.T) (*ItemStateRepository, *fakeClock) {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "progress.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	return NewItemStateRepository(db).WithClock(clock.Now), clock
}

func seed(t *testing.T, repo *ItemStateRepository, ids ...string) {
	t.Helper()
	items := make([]domain.WorkItem, 0, len(ids))
	for _, id := range ids {
		items = append(items, domain.WorkItem{ID: id, SourceKey: id})
	}
	if err := repo.EnsureItems(context.Background(), items); err != nil {
		t.Fatalf("EnsureItems failed: %v", err)
	}
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	item := domain.WorkItem{ID: "abc", SourceKey: "abc", StartSec: 1.5, EndSec: 4}

	first, err := repo.GetOrCreate(ctx, item)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if first.Status != domain.ItemStatusPending || first.Attempts != 0 {
		t.Fatalf("new item should be pending with no attempts, got %s/%d", first.Status, first.Attempts)
	}

	if _, err := repo.AcquireLease(ctx, "abc", "w1", time.Minute); err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}
	again, err := repo.GetOrCreate(ctx, item)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if again.Status != domain.ItemStatusLeased {
		t.Errorf("existing state must not be reset, got %s", again.Status)
	}
	if again.EndSec != 4 {
		t.Errorf("segment not stored: %+v", again)
	}
}

func TestAcquireLeaseMutualExclusion(t *testing.T) {
	repo, _ := newTestRepo(t)
	seed(t, repo, "item-1")

	var granted int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			_, err := repo.AcquireLease(context.Background(), "item-1", worker, time.Minute)
			switch {
			case err == nil:
				atomic.AddInt32(&granted, 1)
			case errors.Is(err, domain.ErrLeaseDenied):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(fmt.Sprintf("w%d", i))
	}
	wg.Wait()

	if granted != 1 {
		t.Fatalf("exactly one lease should be granted, got %d", granted)
	}
}

func TestAcquireLeaseAfterExpiry(t *testing.T) {
	repo, clock := newTestRepo(t)
	ctx := context.Background()
	seed(t, repo, "a")

	if _, err := repo.AcquireLease(ctx, "a", "w1", time.Minute); err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}
	if _, err := repo.AcquireLease(ctx, "a", "w2", time.Minute); !errors.Is(err, domain.ErrLeaseDenied) {
		t.Fatalf("live lease must deny, got %v", err)
	}

	clock.Advance(2 * time.Minute)
	state, err := repo.AcquireLease(ctx, "a", "w2", time.Minute)
	if err != nil {
		t.Fatalf("expired lease should be taken over: %v", err)
	}
	if state.LeaseOwner != "w2" || state.Attempts != 2 {
		t.Errorf("unexpected state after takeover: owner=%s attempts=%d", state.LeaseOwner, state.Attempts)
	}

	if err := repo.Commit(ctx, "a", "w1", domain.CommitSummary{}); !errors.Is(err, domain.ErrLeaseLost) {
		t.Errorf("stale holder must not commit, got %v", err)
	}
	if err := repo.RenewLease(ctx, "a", "w1", time.Minute); !errors.Is(err, domain.ErrLeaseLost) {
		t.Errorf("stale holder must not renew, got %v", err)
	}
	if err := repo.RenewLease(ctx, "a", "w2", time.Minute); err != nil {
		t.Errorf("holder should renew: %v", err)
	}
}

func TestChargeAttempt(t *testing.T) {
	repo, clock := newTestRepo(t)
	ctx := context.Background()
	seed(t, repo, "a")

	if _, err := repo.AcquireLease(ctx, "a", "w1", time.Minute); err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}
	clock.Advance(50 * time.Second)
	attempts, err := repo.ChargeAttempt(ctx, "a", "w1", 3, time.Minute)
	if err != nil || attempts != 2 {
		t.Fatalf("ChargeAttempt = %d, %v; want 2, nil", attempts, err)
	}
	st, _ := repo.GetByID(ctx, "a")
	if want := clock.Now().Add(time.Minute); st.LeaseExpiresAt == nil || st.LeaseExpiresAt.Sub(want).Abs() > time.Second {
		t.Errorf("lease expires at %v, want %v", st.LeaseExpiresAt, want)
	}

	if attempts, err = repo.ChargeAttempt(ctx, "a", "w1", 3, time.Minute); err != nil || attempts != 3 {
		t.Fatalf("ChargeAttempt = %d, %v; want 3, nil", attempts, err)
	}
	if attempts, err = repo.ChargeAttempt(ctx, "a", "w1", 3, time.Minute); !errors.Is(err, domain.ErrAttemptsSpent) || attempts != 3 {
		t.Fatalf("ChargeAttempt past budget = %d, %v; want 3, ErrAttemptsSpent", attempts, err)
	}
	if _, err := repo.ChargeAttempt(ctx, "a", "w2", 5, time.Minute); !errors.Is(err, domain.ErrLeaseLost) {
		t.Errorf("non-holder charge = %v, want ErrLeaseLost", err)
	}
}

func TestFailStoresValidUTF8(t *testing.T) {
	repo, clock := newTestRepo(t)
	ctx := context.Background()
	seed(t, repo, "a")
	if _, err := repo.AcquireLease(ctx, "a", "w1", time.Minute); err != nil {
		t.Fatal(err)
	}

	msg := "yt-dlp " + strings.Repeat("é", 1500) + "\x00\xff"
	if _, err := repo.Fail(ctx, "a", "w1", domain.ClassTransient, msg, 3, clock.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	st, _ := repo.GetByID(ctx, "a")
	if !utf8.ValidString(st.LastError) || len(st.LastError) > 2000 {
		t.Errorf("last_error: len=%d valid=%v", len(st.LastError), utf8.ValidString(st.LastError))
	}
}

func TestTruncate(t *testing.T) {
	testCases := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 3, "abc"},
		{"aé", 2, "a"},
		{"éé", 3, "é"},
		{"a\x00b", 10, "ab"},
		{"a\xffb", 10, "a\uFFFDb"},
	}
	for _, tc := range testCases {
		if got := truncate(tc.in, tc.n); got != tc.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}

func TestCommitMarksDone(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	seed(t, repo, "a")

	if _, err := repo.AcquireLease(ctx, "a", "w1", time.Minute); err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}
	summary := domain.CommitSummary{
		OutputPaths:  []string{"audio/a.wav", "faces/a_0.jpg"},
		PartialClass: domain.ClassNone,
	}
	if err := repo.Commit(ctx, "a", "w1", summary); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	state, err := repo.GetByID(ctx, "a")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if state.Status != domain.ItemStatusDone {
		t.Errorf("status = %s, want done", state.Status)
	}
	if len(state.OutputPaths) != 2 || state.OutputPaths[1] != "faces/a_0.jpg" {
		t.Errorf("output paths = %v", state.OutputPaths)
	}
	if state.LeaseOwner != "" || state.LeaseExpiresAt != nil {
		t.Errorf("lease should be cleared: %+v", state)
	}
	if _, err := repo.AcquireLease(ctx, "a", "w2", time.Minute); !errors.Is(err, domain.ErrLeaseDenied) {
		t.Errorf("done item must not be leased again, got %v", err)
	}
}

func TestFailRouting(t *testing.T) {
	testCases := []struct {
		name         string
		class        domain.ErrorClass
		priorLeases  int
		maxAttempts  int
		wantStatus   domain.ItemStatus
		wantAttempts int
	}{
		{"permanent goes dead", domain.ClassNotFound, 1, 3, domain.ItemStatusDead, 1},
		{"transient with budget", domain.ClassTransient, 1, 3, domain.ItemStatusFailed, 1},
		{"transient exhausted", domain.ClassFetchExhausted, 3, 3, domain.ItemStatusDead, 3},
		{"canceled refunds", domain.ClassCanceled, 1, 3, domain.ItemStatusPending, 0},
		{"disk halt refunds", domain.ClassDiskHalt, 3, 3, domain.ItemStatusPending, 2},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			repo, clock := newTestRepo(t)
			ctx := context.Background()
			seed(t, repo, "x")

			for i := 0; i < tc.priorLeases; i++ {
				if i > 0 {
					clock.Advance(2 * time.Minute)
				}
				if _, err := repo.AcquireLease(ctx, "x", "w", time.Minute); err != nil {
					t.Fatalf("lease %d failed: %v", i, err)
				}
			}

			next, err := repo.Fail(ctx, "x", "w", tc.class, "boom", tc.maxAttempts, clock.Now().Add(time.Minute))
			if err != nil {
				t.Fatalf("Fail returned error: %v", err)
			}
			if next != tc.wantStatus {
				t.Errorf("routed to %s, want %s", next, tc.wantStatus)
			}
			state, err := repo.GetByID(ctx, "x")
			if err != nil {
				t.Fatalf("GetByID failed: %v", err)
			}
			if state.Status != tc.wantStatus || state.Attempts != tc.wantAttempts {
				t.Errorf("stored %s/%d, want %s/%d", state.Status, state.Attempts, tc.wantStatus, tc.wantAttempts)
			}
			if state.LastErrorClass != tc.class {
				t.Errorf("last error class = %s, want %s", state.LastErrorClass, tc.class)
			}
		})
	}
}

func TestFailedItemWaitsForRetryAfter(t *testing.T) {
	repo, clock := newTestRepo(t)
	ctx := context.Background()
	seed(t, repo, "x")

	if _, err := repo.AcquireLease(ctx, "x", "w", time.Minute); err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}
	if _, err := repo.Fail(ctx, "x", "w", domain.ClassTransient, "503", 3, clock.Now().Add(10*time.Minute)); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	if _, err := repo.AcquireLease(ctx, "x", "w", time.Minute); !errors.Is(err, domain.ErrLeaseDenied) {
		t.Fatalf("retry_after not passed, lease must be denied; got %v", err)
	}
	next, err := repo.NextRetryAt(ctx)
	if err != nil || next == nil {
		t.Fatalf("NextRetryAt = %v, %v", next, err)
	}

	clock.Advance(11 * time.Minute)
	n, err := repo.RequeueDue(ctx, clock.Now())
	if err != nil || n != 1 {
		t.Fatalf("RequeueDue = %d, %v", n, err)
	}
	state, err := repo.AcquireLease(ctx, "x", "w", time.Minute)
	if err != nil {
		t.Fatalf("due item should be leased: %v", err)
	}
	if state.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", state.Attempts)
	}
}

func TestRecoverExpired(t *testing.T) {
	repo, clock := newTestRepo(t)
	ctx := context.Background()
	seed(t, repo, "fresh", "stale", "spent")

	for _, id := range []string{"stale", "spent"} {
		if _, err := repo.AcquireLease(ctx, id, "crashed", time.Minute); err != nil {
			t.Fatalf("AcquireLease(%s) failed: %v", id, err)
		}
	}
	// Use up the attempt budget of "spent".
	for i := 0; i < 2; i++ {
		clock.Advance(2 * time.Minute)
		if _, err := repo.AcquireLease(ctx, "spent", "crashed", time.Minute); err != nil {
			t.Fatalf("re-lease failed: %v", err)
		}
	}
	clock.Advance(2 * time.Minute)
	if _, err := repo.AcquireLease(ctx, "fresh", "alive", time.Hour); err != nil {
		t.Fatalf("AcquireLease(fresh) failed: %v", err)
	}

	n, err := repo.RecoverExpired(ctx, clock.Now(), 3)
	if err != nil {
		t.Fatalf("RecoverExpired failed: %v", err)
	}
	if n != 2 {
		t.Errorf("recovered %d, want 2", n)
	}

	want := map[string]domain.ItemStatus{
		"fresh": domain.ItemStatusLeased,
		"stale": domain.ItemStatusPending,
		"spent": domain.ItemStatusDead,
	}
	for id, status := range want {
		state, err := repo.GetByID(ctx, id)
		if err != nil {
			t.Fatalf("GetByID(%s) failed: %v", id, err)
		}
		if state.Status != status {
			t.Errorf("%s: status = %s, want %s", id, state.Status, status)
		}
	}
}

func TestScanAndCount(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	ids := make([]string, 0, 1203)
	for i := 0; i < 1203; i++ {
		ids = append(ids, fmt.Sprintf("id-%05d", i))
	}
	seed(t, repo, ids...)
	if _, err := repo.AcquireLease(ctx, "id-00007", "w", time.Minute); err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}

	var seen, batches int
	err := repo.Scan(ctx, domain.ItemStatusPending, func(batch []domain.ItemState) error {
		batches++
		seen += len(batch)
		return nil
	})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if seen != 1202 {
		t.Errorf("scanned %d pending items, want 1202", seen)
	}
	if batches < 3 {
		t.Errorf("expected batched iteration, got %d batches", batches)
	}

	counts, err := repo.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if counts[domain.ItemStatusPending] != 1202 || counts[domain.ItemStatusLeased] != 1 || counts[domain.ItemStatusDone] != 0 {
		t.Errorf("unexpected counts: %v", counts)
	}
	if counts.Total() != 1203 {
		t.Errorf("total = %d", counts.Total())
	}

	page, err := repo.ListPendingIDs(ctx, "id-01200", 10)
	if err != nil {
		t.Fatalf("ListPendingIDs failed: %v", err)
	}
	if len(page) != 2 || page[0] != "id-01201" {
		t.Errorf("unexpected page: %v", page)
	}
}
