package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/timmy/avcorpus/internal/diskguard"
	"github.com/timmy/avcorpus/internal/domain"
	"github.com/timmy/avcorpus/internal/fetcher"
	"github.com/timmy/avcorpus/internal/output"
	"github.com/timmy/avcorpus/internal/repository"
	"github.com/timmy/avcorpus/internal/retry"
	"github.com/timmy/avcorpus/internal/storage"
	"golang.org/x/sys/unix"
	"gorm.io/gorm"
)

type sliceCatalog struct {
	id    string
	items []domain.WorkItem
	reads int
}

func (c *sliceCatalog) GetSourceID() string    { return c.id }
func (c *sliceCatalog) GetDisplayName() string { return c.id }
func (c *sliceCatalog) Skipped() int64         { return 0 }

func (c *sliceCatalog) FetchBatch(_ context.Context, cursor string, limit int) ([]domain.WorkItem, string, error) {
	c.reads++
	start := 0
	if cursor != "" {
		start, _ = strconv.Atoi(cursor)
	}
	end := start + limit
	if end >= len(c.items) {
		return c.items[start:], "", nil
	}
	return c.items[start:end], strconv.Itoa(end), nil
}

func catalogOf(ids ...string) *sliceCatalog {
	c := &sliceCatalog{id: "test.csv"}
	for _, id := range ids {
		c.items = append(c.items, domain.WorkItem{ID: id, SourceKey: id})
	}
	return c
}

// fakeFetcher fails items listed in errs and counts every call.
type fakeFetcher struct {
	mu     sync.Mutex
	calls  map[string]int
	errs   map[string]error
	before func(id string)
}

func (f *fakeFetcher) Fetch(_ context.Context, item domain.WorkItem, dir string) (*domain.FetchedPayload, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[item.ID]++
	err := f.errs[item.ID]
	before := f.before
	f.mu.Unlock()
	if before != nil {
		before(item.ID)
	}
	if err != nil {
		return nil, err
	}
	return &domain.FetchedPayload{Item: item, Path: filepath.Join(dir, "payload.mp4"), Size: 1024}, nil
}

func (f *fakeFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// fakeExtractor gives every item one audio artifact and faces[id] crops.
type fakeExtractor struct {
	faces map[string]int
}

func (e *fakeExtractor) Extract(_ context.Context, p *domain.FetchedPayload, _ string) (*domain.ExtractionResult, error) {
	id := p.Item.ID
	res := &domain.ExtractionResult{
		Audio: &domain.Artifact{Kind: domain.ArtifactAudio, Name: domain.AudioName(id), Data: []byte("RIFF")},
	}
	for i := 1; i <= e.faces[id]; i++ {
		res.Faces = append(res.Faces, domain.Artifact{Kind: domain.ArtifactFace, Seq: i, Name: domain.FaceName(id, i), Data: []byte{0xff, 0xd8}})
	}
	return res, nil
}

type fakeWriter struct {
	mu     sync.Mutex
	writes int
}

func (w *fakeWriter) Write(_ context.Context, _ domain.WorkItem, res *domain.ExtractionResult) ([]string, error) {
	w.mu.Lock()
	w.writes++
	w.mu.Unlock()
	var paths []string
	for _, a := range res.Artifacts() {
		paths = append(paths, "/out/"+a.Key())
	}
	return paths, nil
}

type fakeDisk struct {
	mu    sync.Mutex
	level diskguard.Level
	ch    chan diskguard.Level
}

func newFakeDisk() *fakeDisk {
	return &fakeDisk{ch: make(chan diskguard.Level, 1)}
}

func (d *fakeDisk) Level() diskguard.Level {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.level
}

func (d *fakeDisk) Subscribe() <-chan diskguard.Level { return d.ch }

func (d *fakeDisk) set(level diskguard.Level) {
	d.mu.Lock()
	d.level = level
	d.mu.Unlock()
	select {
	case d.ch <- level:
	default:
	}
}

type harness struct {
	db        *gorm.DB
	items     *repository.ItemStateRepository
	fetcher   *fakeFetcher
	extractor *fakeExtractor
	writer    *fakeWriter
	disk      *fakeDisk
	cfg       SchedulerConfig

	// Real components replacing the fakes when set.
	realFetcher Fetcher
	realWriter  ArtifactWriter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := repository.OpenSQLite(filepath.Join(t.TempDir(), "progress.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return &harness{
		db:        db,
		items:     repository.NewItemStateRepository(db),
		fetcher:   &fakeFetcher{errs: map[string]error{}},
		extractor: &fakeExtractor{faces: map[string]int{}},
		writer:    &fakeWriter{},
		disk:      newFakeDisk(),
		cfg: SchedulerConfig{
			MaxWorkers:       2,
			MinWorkers:       1,
			MaxAttempts:      2,
			LeaseTTL:         time.Minute,
			RetryBaseDelay:   time.Millisecond,
			RetryMaxDelay:    5 * time.Millisecond,
			ProgressInterval: time.Hour,
			SweepInterval:    50 * time.Millisecond,
			BatchSize:        10,
			ScratchDir:       t.TempDir(),
			Host:             "test-host",
		},
	}
}

func (h *harness) scheduler() *Scheduler {
	var f Fetcher = h.fetcher
	if h.realFetcher != nil {
		f = h.realFetcher
	}
	var w ArtifactWriter = h.writer
	if h.realWriter != nil {
		w = h.realWriter
	}
	return NewScheduler(h.cfg, SchedulerDeps{
		Items:       h.items,
		Runs:        repository.NewRunRepository(h.db),
		Checkpoints: repository.NewCheckpointRepository(h.db),
		Fetcher:     f,
		Extractor:   h.extractor,
		Writer:      w,
		Disk:        h.disk,
	})
}

func (h *harness) run(t *testing.T, ctx context.Context, catalog *sliceCatalog) *RunReport {
	t.Helper()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	report, err := h.scheduler().Run(ctx, catalog)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return report
}

func (h *harness) state(t *testing.T, id string) *domain.ItemState {
	t.Helper()
	st, err := h.items.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID(%s) failed: %v", id, err)
	}
	return st
}

func TestRunRoutesEveryOutcome(t *testing.T) {
	h := newHarness(t)
	h.fetcher.errs["gone"] = domain.Classify(domain.ClassNotFound, errors.New("HTTP 404"))
	h.fetcher.errs["flaky"] = domain.Classify(domain.ClassTransient, errors.New("connection reset"))
	h.extractor.faces["talk"] = 0

	report := h.run(t, context.Background(), catalogOf("gone", "flaky", "talk"))

	if report.StopReason != StopReasonCompleted {
		t.Fatalf("stop reason = %s, want completed", report.StopReason)
	}
	if got := report.Counts[domain.ItemStatusDone]; got != 1 {
		t.Errorf("done = %d, want 1", got)
	}
	if report.DeadTotal != 2 {
		t.Errorf("dead = %d, want 2", report.DeadTotal)
	}

	tests := []struct {
		id       string
		status   domain.ItemStatus
		class    domain.ErrorClass
		attempts int
		fetches  int
	}{
		{"gone", domain.ItemStatusDead, domain.ClassNotFound, 1, 1},
		{"flaky", domain.ItemStatusDead, domain.ClassTransient, 2, 2},
		{"talk", domain.ItemStatusDone, domain.ClassNone, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			st := h.state(t, tt.id)
			if st.Status != tt.status || st.LastErrorClass != tt.class || st.Attempts != tt.attempts {
				t.Errorf("got %s/%q/%d, want %s/%q/%d", st.Status, st.LastErrorClass, st.Attempts, tt.status, tt.class, tt.attempts)
			}
			if got := h.fetcher.calls[tt.id]; got != tt.fetches {
				t.Errorf("fetches = %d, want %d", got, tt.fetches)
			}
		})
	}

	if paths := h.state(t, "talk").OutputPaths; len(paths) != 1 || paths[0] != "/out/audio/talk.wav" {
		t.Errorf("output paths = %v", paths)
	}
	classes := map[string]domain.ErrorClass{}
	for _, d := range report.DeadItems {
		classes[d.ID] = d.Class
	}
	if classes["gone"] != domain.ClassNotFound || classes["flaky"] != domain.ClassTransient {
		t.Errorf("dead report = %v", classes)
	}
}

func noSleep(context.Context, time.Duration) error { return nil }

// mediaServer answers /{id} with the scripted statuses, then 200 forever.
type mediaServer struct {
	mu     sync.Mutex
	script map[string][]int
	hits   map[string]int
}

func (m *mediaServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Path[1:]
	m.mu.Lock()
	m.hits[id]++
	status := http.StatusOK
	if n := m.hits[id]; n <= len(m.script[id]) {
		status = m.script[id][n-1]
	}
	m.mu.Unlock()
	w.WriteHeader(status)
	if status == http.StatusOK {
		w.Write([]byte("media"))
	}
}

func (m *mediaServer) hitsFor(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[id]
}

type outcome struct {
	status   domain.ItemStatus
	class    domain.ErrorClass
	attempts int
	hits     int
	outputs  int
}

func TestRunCatalogScenario(t *testing.T) {
	tests := []struct {
		name        string
		maxAttempts int
		want        map[string]outcome
	}{
		{"budget covers the retries", 3, map[string]outcome{
			"a": {domain.ItemStatusDead, domain.ClassNotFound, 1, 1, 0},
			"b": {domain.ItemStatusDone, domain.ClassNone, 3, 3, 3},
			"c": {domain.ItemStatusDone, domain.ClassNone, 1, 1, 1},
		}},
		{"budget ends the retries", 2, map[string]outcome{
			"a": {domain.ItemStatusDead, domain.ClassNotFound, 1, 1, 0},
			"b": {domain.ItemStatusDead, domain.ClassFetchExhausted, 2, 2, 0},
			"c": {domain.ItemStatusDone, domain.ClassNone, 1, 1, 1},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			media := &mediaServer{
				script: map[string][]int{
					"a": {http.StatusNotFound},
					"b": {http.StatusServiceUnavailable, http.StatusServiceUnavailable},
				},
				hits: map[string]int{},
			}
			srv := httptest.NewServer(media)
			defer srv.Close()

			h := newHarness(t)
			h.cfg.MaxAttempts = tt.maxAttempts
			h.extractor.faces["b"] = 2
			h.realFetcher = fetcher.NewFetcher(fetcher.DirectResolver{}, nil,
				&retry.Policy{MaxRetries: 5, Sleep: noSleep}, fetcher.Config{})
			catalog := &sliceCatalog{id: "scenario.csv"}
			for _, id := range []string{"a", "b", "c"} {
				catalog.items = append(catalog.items, domain.WorkItem{ID: id, SourceKey: srv.URL + "/" + id})
			}

			report := h.run(t, context.Background(), catalog)
			if report.StopReason != StopReasonCompleted {
				t.Fatalf("stop reason = %s, want completed", report.StopReason)
			}
			for id, want := range tt.want {
				st := h.state(t, id)
				if st.Status != want.status || st.LastErrorClass != want.class || st.Attempts != want.attempts {
					t.Errorf("%s = %s/%q/%d, want %s/%q/%d", id, st.Status, st.LastErrorClass, st.Attempts, want.status, want.class, want.attempts)
				}
				if got := media.hitsFor(id); got != want.hits {
					t.Errorf("%s server hits = %d, want %d", id, got, want.hits)
				}
				if len(st.OutputPaths) != want.outputs {
					t.Errorf("%s outputs = %v, want %d", id, st.OutputPaths, want.outputs)
				}
			}
		})
	}
}

// fullStore fails every put with ENOSPC.
type fullStore struct {
	storage.ArtifactStore
	puts atomic.Int64
}

func (s *fullStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	s.puts.Add(1)
	io.Copy(io.Discard, r)
	return fmt.Errorf("write %s: %w", key, unix.ENOSPC)
}

func TestRunChargesNoSpaceWhileGuardIsOK(t *testing.T) {
	h := newHarness(t)
	h.cfg.MaxAttempts = 3
	local, err := storage.NewLocalStoreForHost(t.TempDir(), "test-host")
	if err != nil {
		t.Fatal(err)
	}
	store := &fullStore{ArtifactStore: local}
	// The guard watches a volume with room; the output volume is out of inodes.
	h.realWriter = output.NewWriter(store, &retry.Policy{Sleep: noSleep}, h.disk)

	report := h.run(t, context.Background(), catalogOf("v"))

	if report.StopReason != StopReasonCompleted {
		t.Fatalf("stop reason = %s, want completed", report.StopReason)
	}
	st := h.state(t, "v")
	if st.Status != domain.ItemStatusDead || st.LastErrorClass != domain.ClassWriteFailure || st.Attempts != 3 {
		t.Errorf("v = %s/%q/%d, want dead/write_failure/3", st.Status, st.LastErrorClass, st.Attempts)
	}
	if got := h.fetcher.total(); got != 3 {
		t.Errorf("fetches = %d, want one per attempt", got)
	}
	if got := store.puts.Load(); got != 3 {
		t.Errorf("puts = %d, want one per attempt", got)
	}
}

func TestRunRecoversExpiredLease(t *testing.T) {
	h := newHarness(t)
	h.cfg.MaxAttempts = 3
	h.extractor.faces["crashed"] = 2

	// A previous process leased the item and died an hour ago.
	past := repository.NewItemStateRepository(h.db).WithClock(func() time.Time {
		return time.Now().UTC().Add(-time.Hour)
	})
	ctx := context.Background()
	if err := past.EnsureItems(ctx, []domain.WorkItem{{ID: "crashed", SourceKey: "crashed"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := past.AcquireLease(ctx, "crashed", "dead-host/1", time.Minute); err != nil {
		t.Fatal(err)
	}

	report := h.run(t, ctx, catalogOf("crashed"))

	st := h.state(t, "crashed")
	if st.Status != domain.ItemStatusDone {
		t.Fatalf("status = %s, want done", st.Status)
	}
	if st.Attempts != 2 {
		t.Errorf("attempts = %d, want 2 (crashed attempt counts)", st.Attempts)
	}
	if len(st.OutputPaths) != 3 {
		t.Errorf("output paths = %v, want audio and two faces", st.OutputPaths)
	}
	if report.Artifacts != 3 {
		t.Errorf("artifacts = %d, want 3", report.Artifacts)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	h := newHarness(t)
	catalog := catalogOf("a", "b", "c", "d")

	first := h.run(t, context.Background(), catalog)
	if first.Committed != 4 {
		t.Fatalf("first run committed %d, want 4", first.Committed)
	}
	fetches, writes := h.fetcher.total(), h.writer.writes
	reads := catalog.reads

	second := h.run(t, context.Background(), catalog)
	if second.StopReason != StopReasonCompleted {
		t.Errorf("stop reason = %s", second.StopReason)
	}
	if second.Committed != 0 {
		t.Errorf("second run committed %d, want 0", second.Committed)
	}
	if h.fetcher.total() != fetches || h.writer.writes != writes {
		t.Errorf("second run did work: fetches %d->%d, writes %d->%d", fetches, h.fetcher.total(), writes, h.writer.writes)
	}
	if catalog.reads != reads {
		t.Errorf("exhausted catalog was read again")
	}
	if second.Counts[domain.ItemStatusDone] != 4 {
		t.Errorf("done = %d, want 4", second.Counts[domain.ItemStatusDone])
	}
}

func TestRunResumesCatalogFromCheckpoint(t *testing.T) {
	h := newHarness(t)
	h.cfg.BatchSize = 2
	ctx := context.Background()
	cps := repository.NewCheckpointRepository(h.db)
	if err := cps.Save(ctx, &domain.CatalogCheckpoint{ID: "test.csv", Cursor: "2", Rows: 2}); err != nil {
		t.Fatal(err)
	}

	report := h.run(t, ctx, catalogOf("a", "b", "c", "d", "e"))

	if report.Counts.Total() != 3 {
		t.Errorf("total = %d, want 3 rows after the cursor", report.Counts.Total())
	}
	cp, err := cps.Get(ctx, "test.csv")
	if err != nil || cp == nil {
		t.Fatalf("checkpoint missing: %v", err)
	}
	if !cp.Exhausted || cp.Rows != 5 {
		t.Errorf("checkpoint = %+v, want exhausted with 5 rows", cp)
	}
}

func TestRunHaltsOnDiskPressure(t *testing.T) {
	h := newHarness(t)
	h.cfg.MaxWorkers = 1
	h.fetcher.before = func(string) { h.disk.set(diskguard.LevelHalt) }

	report := h.run(t, context.Background(), catalogOf("a", "b", "c"))

	if report.StopReason != StopReasonHalted {
		t.Fatalf("stop reason = %s, want halted", report.StopReason)
	}
	if h.fetcher.total() != 1 {
		t.Errorf("fetches = %d, want 1", h.fetcher.total())
	}
	if report.Counts[domain.ItemStatusDone] != 1 {
		t.Errorf("done = %d, want the in-flight item committed", report.Counts[domain.ItemStatusDone])
	}
	if report.Counts[domain.ItemStatusPending] != 2 {
		t.Errorf("pending = %d, want 2", report.Counts[domain.ItemStatusPending])
	}
	for _, id := range []string{"b", "c"} {
		if st := h.state(t, id); st.Attempts != 0 {
			t.Errorf("%s attempts = %d, want 0", id, st.Attempts)
		}
	}
}

func TestRunThrottleLowersPoolLimit(t *testing.T) {
	h := newHarness(t)
	h.cfg.MaxWorkers = 4
	h.cfg.MinWorkers = 1
	h.disk.set(diskguard.LevelThrottle)

	report := h.run(t, context.Background(), catalogOf("a", "b", "c"))
	if report.StopReason != StopReasonCompleted || report.Committed != 3 {
		t.Errorf("report = %+v", report)
	}
}

func TestRunCanceledRefundsAttempt(t *testing.T) {
	h := newHarness(t)
	h.cfg.MaxWorkers = 1
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.fetcher.before = func(string) { cancel() }

	report, err := h.scheduler().Run(ctx, catalogOf("a", "b"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.StopReason != StopReasonCanceled {
		t.Fatalf("stop reason = %s, want canceled", report.StopReason)
	}
	if h.fetcher.total() != 1 {
		t.Errorf("fetches = %d, want 1", h.fetcher.total())
	}

	st := h.state(t, "a")
	if st.Status != domain.ItemStatusPending || st.Attempts != 0 || st.LastErrorClass != domain.ClassCanceled {
		t.Errorf("a = %s/%d/%q, want pending/0/canceled", st.Status, st.Attempts, st.LastErrorClass)
	}
	if st.LeaseOwner != "" {
		t.Errorf("lease still held by %s", st.LeaseOwner)
	}
}

func TestTrackerWaitIdle(t *testing.T) {
	tr := newTracker()
	if err := tr.waitIdle(context.Background()); err != nil {
		t.Fatalf("fresh tracker not idle: %v", err)
	}
	tr.add()
	tr.add()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := tr.waitIdle(ctx); err == nil {
		t.Fatal("busy tracker reported idle")
	}
	tr.done()
	tr.done()
	if err := tr.waitIdle(context.Background()); err != nil {
		t.Fatalf("drained tracker not idle: %v", err)
	}
}

func TestEligible(t *testing.T) {
	now := time.Now()
	past, future := now.Add(-time.Minute), now.Add(time.Minute)
	tests := []struct {
		state domain.ItemState
		want  bool
	}{
		{domain.ItemState{Status: domain.ItemStatusPending}, true},
		{domain.ItemState{Status: domain.ItemStatusFailed, RetryAfter: &past}, true},
		{domain.ItemState{Status: domain.ItemStatusFailed, RetryAfter: &future}, false},
		{domain.ItemState{Status: domain.ItemStatusLeased, LeaseExpiresAt: &future}, false},
		{domain.ItemState{Status: domain.ItemStatusLeased, LeaseExpiresAt: &past}, true},
		{domain.ItemState{Status: domain.ItemStatusDone}, false},
		{domain.ItemState{Status: domain.ItemStatusDead}, false},
	}
	for i, tt := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			if got := eligible(tt.state, now); got != tt.want {
				t.Errorf("eligible(%s) = %v, want %v", tt.state.Status, got, tt.want)
			}
		})
	}
}
