package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/timmy/avcorpus/internal/diskguard"
	"github.com/timmy/avcorpus/internal/domain"
	"github.com/timmy/avcorpus/internal/logger"
	"github.com/timmy/avcorpus/internal/retry"
)

// errStopped marks an attempt abandoned between stages because the run is
// stopping. It is recorded as canceled.
var errStopped = errors.New("run stopped")

// process runs one item attempt: lease, fetch, extract, write, commit. Every
// outcome is recorded in the progress store before it returns; a started
// stage is never interrupted, cancellation is only observed between stages.
func (s *Scheduler) process(ctx context.Context, rc *RunContext, id string) {
	worker := s.workerID(rc)
	ctx = logger.SetWorkerID(ctx, worker)
	ctx = logger.SetItemID(ctx, id)
	log := logger.FromContext(ctx)

	if ctx.Err() != nil {
		return
	}
	state, err := s.deps.Items.AcquireLease(ctx, id, worker, s.cfg.LeaseTTL)
	if errors.Is(err, domain.ErrLeaseDenied) {
		rc.Denied.Add(1)
		log.Debug("Lease denied")
		return
	}
	if err != nil {
		log.WithError(err).Error("Failed to acquire lease")
		rc.fail(err)
		return
	}

	start := time.Now()
	stageCtx := context.WithoutCancel(ctx)
	dir := filepath.Join(s.cfg.ScratchDir, domain.SafeName(id))
	defer os.RemoveAll(dir)

	paths, result, err := s.pipeline(ctx, stageCtx, rc, state, worker, dir)
	if err != nil {
		s.recordFailure(stageCtx, rc, state, worker, err)
		return
	}

	class, msg := result.Partial()
	err = s.deps.Items.Commit(stageCtx, id, worker, domain.CommitSummary{
		OutputPaths:  paths,
		PartialClass: class,
		PartialError: msg,
	})
	if errors.Is(err, domain.ErrLeaseLost) {
		log.Warn("Lease lost before commit; another worker owns the item now")
		return
	}
	if err != nil {
		log.WithError(err).Error("Failed to commit item")
		rc.fail(err)
		return
	}

	rc.Committed.Add(1)
	rc.Artifacts.Add(int64(len(paths)))
	if class != domain.ClassNone {
		rc.Partial.Add(1)
	}
	logger.Record(logger.Fields{"partial": string(class)}).
		Artifacts(len(paths)).
		Faces(len(result.Faces)).
		Elapsed(time.Since(start)).
		Attempt(state.Attempts).
		Info(ctx, "Item committed")
}

// pipeline runs the three stages. ctx is only checked between stages; the
// stages themselves get stageCtx, which outlives cancellation.
func (s *Scheduler) pipeline(ctx, stageCtx context.Context, rc *RunContext, state *domain.ItemState, worker, dir string) ([]string, *domain.ExtractionResult, error) {
	item := state.WorkItem()
	between := func(stage string) error {
		if ctx.Err() != nil {
			return errStopped
		}
		if err := s.deps.Items.RenewLease(stageCtx, item.ID, worker, s.cfg.LeaseTTL); err != nil {
			return err
		}
		logger.FromContext(ctx).WithField(logger.FieldStage, stage).Debug("Stage starting")
		return nil
	}

	if err := between("fetch"); err != nil {
		return nil, nil, err
	}
	if s.deps.Disk != nil && s.deps.Disk.Level() == diskguard.LevelHalt {
		return nil, nil, domain.Classify(domain.ClassDiskHalt, errors.New("disk guard at halt before fetch"))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, domain.Classify(domain.ClassTransient, err)
	}
	payload, err := s.deps.Fetcher.Fetch(retry.WithHook(stageCtx, s.chargeRetry(ctx, state, worker)), item, dir)
	if err != nil {
		return nil, nil, err
	}
	rc.Fetched.Add(payload.Size)
	defer payload.Discard()

	if err := between("extract"); err != nil {
		return nil, nil, err
	}
	result, err := s.deps.Extractor.Extract(stageCtx, payload, filepath.Join(dir, "work"))
	payload.Discard()
	if err != nil {
		return nil, nil, err
	}

	if err := between("write"); err != nil {
		return nil, nil, err
	}
	paths, err := s.deps.Writer.Write(stageCtx, item, result)
	if err != nil {
		return nil, nil, err
	}
	return paths, result, nil
}

// chargeRetry returns the hook run before every in-attempt fetch retry. Each
// retry is charged against the item's attempt budget, so an item that needs
// three fetch tries ends with three attempts whether the tries happened in
// one lease or across several. The charge also renews the lease. Retrying
// stops when the budget is spent or the run is stopping.
func (s *Scheduler) chargeRetry(runCtx context.Context, state *domain.ItemState, worker string) retry.Hook {
	return func(ctx context.Context, try int, cause error) error {
		if runCtx.Err() != nil {
			return errStopped
		}
		attempts, err := s.deps.Items.ChargeAttempt(ctx, state.ID, worker, s.cfg.MaxAttempts, s.cfg.LeaseTTL)
		if errors.Is(err, domain.ErrAttemptsSpent) {
			return retry.ErrStop
		}
		if err != nil {
			return err
		}
		state.Attempts = attempts
		logger.Record(nil).
			Failure(string(domain.ClassOf(cause)), cause).
			Attempt(attempts).
			Debug(runCtx, "Fetch retry %d charged", try)
		return nil
	}
}

// recordFailure routes a failed attempt through the progress store.
func (s *Scheduler) recordFailure(ctx context.Context, rc *RunContext, state *domain.ItemState, worker string, cause error) {
	log := logger.FromContext(ctx)
	if errors.Is(cause, domain.ErrLeaseLost) {
		log.Warn("Lease lost mid-attempt; abandoning without recording")
		return
	}

	class := domain.ClassOf(cause)
	if errors.Is(cause, errStopped) || errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		class = domain.ClassCanceled
	}
	retryAt := s.now().Add(retry.ItemDelay(s.cfg.RetryBaseDelay, s.cfg.RetryMaxDelay, state.Attempts, s.jitter))

	next, err := s.deps.Items.Fail(ctx, state.ID, worker, class, cause.Error(), s.cfg.MaxAttempts, retryAt)
	if errors.Is(err, domain.ErrLeaseLost) {
		log.Warn("Lease lost before the failure was recorded")
		return
	}
	if err != nil {
		log.WithError(err).Error("Failed to record item failure")
		rc.fail(err)
		return
	}

	event := logger.Record(nil).
		Failure(string(class), cause).
		Attempt(state.Attempts).
		Status(string(next))
	switch next {
	case domain.ItemStatusDead:
		rc.Dead.Add(1)
		event.Warn(ctx, "Item is dead")
	case domain.ItemStatusFailed:
		rc.Retried.Add(1)
		event.RetryAfter(retryAt).Info(ctx, "Item will be retried")
	default:
		rc.Deferred.Add(1)
		event.Info(ctx, "Item handed back")
	}
}
