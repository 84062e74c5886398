package service

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/avcorpus/internal/diskguard"
	"github.com/timmy/avcorpus/internal/domain"
	"github.com/timmy/avcorpus/internal/logger"
	"github.com/timmy/avcorpus/internal/repository"
	"github.com/timmy/avcorpus/internal/source"
)

// Fetcher downloads one item into a scratch directory.
type Fetcher interface {
	Fetch(ctx context.Context, item domain.WorkItem, scratchDir string) (*domain.FetchedPayload, error)
}

// Extractor derives the audio track and face crops of a payload.
type Extractor interface {
	Extract(ctx context.Context, payload *domain.FetchedPayload, workDir string) (*domain.ExtractionResult, error)
}

// ArtifactWriter persists an extraction result and returns its locations.
type ArtifactWriter interface {
	Write(ctx context.Context, item domain.WorkItem, result *domain.ExtractionResult) ([]string, error)
}

// DiskSignal is the backpressure source. *diskguard.Guard implements it.
type DiskSignal interface {
	Level() diskguard.Level
	Subscribe() <-chan diskguard.Level
}

// SchedulerConfig holds the scheduling knobs of a run.
type SchedulerConfig struct {
	MaxWorkers       int
	MinWorkers       int // pool size while the disk guard throttles
	MaxAttempts      int
	LeaseTTL         time.Duration
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	ProgressInterval time.Duration
	SweepInterval    time.Duration
	BatchSize        int
	ScratchDir       string
	Host             string
	DeadReportLimit  int
}

// SchedulerDeps are the collaborators of a run. Runs, Checkpoints and Disk
// may be nil.
type SchedulerDeps struct {
	Items       *repository.ItemStateRepository
	Runs        *repository.RunRepository
	Checkpoints *repository.CheckpointRepository
	Fetcher     Fetcher
	Extractor   Extractor
	Writer      ArtifactWriter
	Disk        DiskSignal
}

// Scheduler drives every catalog item through
// pending -> leased -> {done | failed -> pending | dead}.
type Scheduler struct {
	cfg  SchedulerConfig
	deps SchedulerDeps
	now  func() time.Time
	seq  atomic.Int64
}

// NewScheduler creates a scheduler.
// Parameters:
//   - cfg: scheduling configuration; zero values get defaults.
//   - deps: progress store, pipeline stages and disk signal.
// Returns:
//   - *Scheduler: scheduler ready to Run.
func NewScheduler(cfg SchedulerConfig, deps SchedulerDeps) *Scheduler {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	if cfg.MinWorkers < 0 || cfg.MinWorkers > cfg.MaxWorkers {
		cfg.MinWorkers = cfg.MaxWorkers
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Minute
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 500
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	if cfg.Host == "" {
		cfg.Host, _ = os.Hostname()
	}
	if cfg.DeadReportLimit <= 0 {
		cfg.DeadReportLimit = 100
	}
	return &Scheduler{
		cfg:  cfg,
		deps: deps,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Run processes catalog until every item is done or dead, the disk guard
// halts, or ctx is canceled. Per-item failures never end the run; only an
// unreadable catalog or an unreachable progress store do.
// Parameters:
//   - ctx: run context; canceling it stops new leases and drains workers.
//   - catalog: catalog to read.
// Returns:
//   - *RunReport: counts and stop reason, also on error.
//   - error: non-nil for catalog or progress store failures.
func (s *Scheduler) Run(ctx context.Context, catalog source.Catalog) (*RunReport, error) {
	rc := newRunContext(uuid.NewString(), s.cfg.Host, s.now())
	ctx = logger.SetRunID(ctx, rc.RunID)
	log := logger.FromContext(ctx)

	run := &domain.Run{
		ID:          rc.RunID,
		Host:        rc.Host,
		CatalogPath: catalog.GetSourceID(),
		Status:      domain.RunStatusRunning,
		Workers:     s.cfg.MaxWorkers,
		StartedAt:   rc.StartedAt,
	}
	if s.deps.Runs != nil {
		if err := s.deps.Runs.Create(ctx, run); err != nil {
			return nil, fmt.Errorf("progress store unreachable: %w", err)
		}
	}

	recovered, err := s.deps.Items.RecoverExpired(ctx, s.now(), s.cfg.MaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("progress store unreachable: %w", err)
	}
	log.WithFields(logger.Fields{
		"catalog":   catalog.GetDisplayName(),
		"workers":   s.cfg.MaxWorkers,
		"recovered": recovered,
	}).Info("Starting run")

	feedCtx, stopFeed := context.WithCancel(ctx)
	defer stopFeed()
	rc.abort = stopFeed

	pool := NewPool(s.cfg.MaxWorkers)
	s.watchDisk(feedCtx, rc, pool, stopFeed)

	queue := make(chan string, s.cfg.MaxWorkers*2)
	track := newTracker()
	enqueue := func(id string) bool {
		track.add()
		select {
		case queue <- id:
			return true
		case <-feedCtx.Done():
			track.done()
			return false
		}
	}

	var workers sync.WaitGroup
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		for id := range queue {
			if err := pool.Acquire(feedCtx); err != nil {
				track.done()
				continue
			}
			workers.Add(1)
			go func(id string) {
				defer workers.Done()
				defer track.done()
				defer pool.Release()
				s.process(ctx, rc, id)
			}(id)
		}
	}()

	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)
		s.reportLoop(feedCtx, rc, pool)
	}()

	feedErr := s.intake(feedCtx, rc, catalog, enqueue)
	if feedErr == nil && feedCtx.Err() == nil {
		feedErr = s.sweep(feedCtx, track, enqueue)
	}
	close(queue)
	<-dispatched
	workers.Wait()
	stopFeed()
	<-reporterDone

	if feedErr == nil {
		feedErr = rc.err()
	}
	switch {
	case feedErr != nil:
		rc.setStop(StopReasonFailed)
	case ctx.Err() != nil:
		rc.setStop(StopReasonCanceled)
	default:
		rc.setStop(StopReasonCompleted)
	}

	report := s.finish(context.WithoutCancel(ctx), rc, run, catalog, feedErr)
	return report, feedErr
}

// watchDisk maps disk levels onto the pool limit: ok runs max workers,
// throttle runs min workers, halt admits nothing and ends the run.
func (s *Scheduler) watchDisk(ctx context.Context, rc *RunContext, pool *Pool, halt context.CancelFunc) {
	if s.deps.Disk == nil {
		return
	}
	apply := func(level diskguard.Level) {
		switch level {
		case diskguard.LevelOK:
			pool.SetLimit(s.cfg.MaxWorkers)
		case diskguard.LevelThrottle:
			pool.SetLimit(s.cfg.MinWorkers)
		case diskguard.LevelHalt:
			pool.SetLimit(0)
			rc.setStop(StopReasonHalted)
			logger.FromContext(ctx).Warn("Disk halt: no new items will be started")
			halt()
		}
	}

	updates := s.deps.Disk.Subscribe()
	apply(s.deps.Disk.Level())
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case level := <-updates:
				apply(level)
			}
		}
	}()
}

// intake pages the catalog into the progress store and feeds the items that
// still need work. The checkpoint only moves past rows that were persisted.
func (s *Scheduler) intake(ctx context.Context, rc *RunContext, catalog source.Catalog, enqueue func(string) bool) error {
	ctx = logger.SetComponent(ctx, "intake")
	log := logger.FromContext(ctx)
	sourceID := catalog.GetSourceID()

	cp := &domain.CatalogCheckpoint{ID: sourceID}
	if s.deps.Checkpoints != nil {
		stored, err := s.deps.Checkpoints.Get(ctx, sourceID)
		if err != nil {
			return storeError(ctx, err)
		}
		if stored != nil {
			cp = stored
		}
	}
	if cp.Exhausted {
		log.WithField("rows", cp.Rows).Info("Catalog already read; resuming from the progress store")
		rc.setIntakeDone()
		return nil
	}
	if cp.Cursor != "" {
		log.WithFields(logger.Fields{"cursor": cp.Cursor, "rows": cp.Rows}).Info("Resuming catalog intake")
	}

	baseSkipped := cp.Skipped
	cursor := cp.Cursor
	for {
		if ctx.Err() != nil {
			return nil
		}
		items, next, err := catalog.FetchBatch(ctx, cursor, s.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read catalog: %w", err)
		}
		if err := s.deps.Items.EnsureItems(ctx, items); err != nil {
			return storeError(ctx, err)
		}

		now := s.now()
		cp.Cursor = next
		cp.Rows += int64(len(items))
		cp.Skipped = baseSkipped + catalog.Skipped()
		cp.Exhausted = next == ""
		cp.LastSyncAt = &now
		if s.deps.Checkpoints != nil {
			if err := s.deps.Checkpoints.Save(ctx, cp); err != nil {
				return storeError(ctx, err)
			}
		}

		if err := s.feedEligible(ctx, items, enqueue); err != nil {
			return err
		}
		if next == "" {
			rc.setIntakeDone()
			log.WithFields(logger.Fields{"rows": cp.Rows, "skipped": cp.Skipped}).Info("Catalog intake finished")
			return nil
		}
		cursor = next
	}
}

// feedEligible enqueues the items of one catalog batch that are not finished
// and not held by a live lease, in catalog order.
func (s *Scheduler) feedEligible(ctx context.Context, items []domain.WorkItem, enqueue func(string) bool) error {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	states, err := s.deps.Items.GetByIDs(ctx, ids)
	if err != nil {
		return storeError(ctx, err)
	}
	byID := make(map[string]domain.ItemState, len(states))
	for _, st := range states {
		byID[st.ID] = st
	}

	now := s.now()
	for _, id := range ids {
		st, ok := byID[id]
		if !ok || !eligible(st, now) {
			continue
		}
		if !enqueue(id) {
			return nil
		}
	}
	return nil
}

func eligible(st domain.ItemState, now time.Time) bool {
	switch st.Status {
	case domain.ItemStatusPending:
		return true
	case domain.ItemStatusFailed:
		return st.RetryAfter == nil || !st.RetryAfter.After(now)
	case domain.ItemStatusLeased:
		return st.LeaseExpiresAt != nil && st.LeaseExpiresAt.Before(now)
	}
	return false
}

// sweep runs after intake: it waits for in-flight work, reclaims expired
// leases, requeues due retries and feeds pending items until nothing is left.
func (s *Scheduler) sweep(ctx context.Context, track *tracker, enqueue func(string) bool) error {
	ctx = logger.SetComponent(ctx, "sweep")
	log := logger.FromContext(ctx)
	for {
		if err := track.waitIdle(ctx); err != nil {
			return nil
		}
		now := s.now()
		if _, err := s.deps.Items.RecoverExpired(ctx, now, s.cfg.MaxAttempts); err != nil {
			return storeError(ctx, err)
		}
		if _, err := s.deps.Items.RequeueDue(ctx, now); err != nil {
			return storeError(ctx, err)
		}
		counts, err := s.deps.Items.CountByStatus(ctx)
		if err != nil {
			return storeError(ctx, err)
		}
		if counts.Unfinished() == 0 {
			return nil
		}

		fed, err := s.feedPending(ctx, enqueue)
		if err != nil {
			return err
		}
		if fed > 0 {
			log.WithField(logger.FieldCount, fed).Debug("Sweep fed pending items")
			continue
		}

		wait, err := s.nextWake(ctx, now)
		if err != nil {
			return storeError(ctx, err)
		}
		log.WithFields(logger.Fields{
			"failed": counts[domain.ItemStatusFailed],
			"leased": counts[domain.ItemStatusLeased],
			"wait":   wait.String(),
		}).Debug("Waiting for retries")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (s *Scheduler) feedPending(ctx context.Context, enqueue func(string) bool) (int, error) {
	fed := 0
	after := ""
	for {
		ids, err := s.deps.Items.ListPendingIDs(ctx, after, s.cfg.BatchSize)
		if err != nil {
			return fed, storeError(ctx, err)
		}
		for _, id := range ids {
			if !enqueue(id) {
				return fed, nil
			}
			fed++
		}
		if len(ids) < s.cfg.BatchSize {
			return fed, nil
		}
		after = ids[len(ids)-1]
	}
}

// nextWake returns how long to sleep until the next retry or lease expiry,
// bounded by the sweep interval.
func (s *Scheduler) nextWake(ctx context.Context, now time.Time) (time.Duration, error) {
	wait := s.cfg.SweepInterval
	retryAt, err := s.deps.Items.NextRetryAt(ctx)
	if err != nil {
		return 0, err
	}
	expiry, err := s.deps.Items.NextLeaseExpiry(ctx)
	if err != nil {
		return 0, err
	}
	for _, t := range []*time.Time{retryAt, expiry} {
		if t == nil {
			continue
		}
		if d := t.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < 5*time.Millisecond {
		wait = 5 * time.Millisecond
	}
	return wait, nil
}

func (s *Scheduler) workerID(rc *RunContext) string {
	return fmt.Sprintf("%s/%s/%d", rc.Host, rc.RunID[:8], s.seq.Add(1))
}

func (s *Scheduler) jitter(n int64) int64 {
	if n <= 0 {
		return 0
	}
	return rand.Int63n(n)
}

// storeError hides errors caused by the run being stopped.
func storeError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("progress store: %w", err)
}

// tracker counts queued and running items so sweeps can wait for quiet.
type tracker struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func newTracker() *tracker {
	t := &tracker{idle: make(chan struct{})}
	close(t.idle)
	return t
}

func (t *tracker) add() {
	t.mu.Lock()
	if t.n == 0 {
		t.idle = make(chan struct{})
	}
	t.n++
	t.mu.Unlock()
}

func (t *tracker) done() {
	t.mu.Lock()
	t.n--
	if t.n == 0 {
		close(t.idle)
	}
	t.mu.Unlock()
}

func (t *tracker) waitIdle(ctx context.Context) error {
	t.mu.Lock()
	idle := t.idle
	t.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
