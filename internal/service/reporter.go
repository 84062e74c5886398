package service

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/timmy/avcorpus/internal/domain"
	"github.com/timmy/avcorpus/internal/logger"
	"github.com/timmy/avcorpus/internal/source"
)

// reportLoop logs a progress line every ProgressInterval until ctx is done.
func (s *Scheduler) reportLoop(ctx context.Context, rc *RunContext, pool *Pool) {
	ticker := time.NewTicker(s.cfg.ProgressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reportProgress(ctx, rc, pool)
		}
	}
}

func (s *Scheduler) reportProgress(ctx context.Context, rc *RunContext, pool *Pool) {
	counts, err := s.deps.Items.CountByStatus(ctx)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Progress counts unavailable")
		return
	}

	elapsed := s.now().Sub(rc.StartedAt)
	committed := rc.Committed.Load()
	fields := logger.Fields{
		"pending":   counts[domain.ItemStatusPending],
		"leased":    counts[domain.ItemStatusLeased],
		"failed":    counts[domain.ItemStatusFailed],
		"done":      counts[domain.ItemStatusDone],
		"dead":      counts[domain.ItemStatusDead],
		"committed": committed,
		"artifacts": rc.Artifacts.Load(),
		"fetched":   humanize.IBytes(uint64(rc.Fetched.Load())),
		"elapsed":   elapsed.Round(time.Second).String(),
		"workers":   pool.Active(),
		"limit":     pool.Limit(),
	}
	if hours := elapsed.Hours(); committed > 0 && hours > 0 {
		perHour := float64(committed) / hours
		fields["rate_per_hour"] = int64(perHour)
		if left := counts.Unfinished(); left > 0 && rc.IntakeDone() {
			eta := time.Duration(float64(left) / perHour * float64(time.Hour))
			fields["eta"] = eta.Round(time.Second).String()
		}
	}
	logger.FromContext(ctx).WithFields(fields).Info("Progress")
}

// finish builds the report, logs the summary and closes the run record.
// ctx must not be canceled; the run may have been stopped by an interrupt.
func (s *Scheduler) finish(ctx context.Context, rc *RunContext, run *domain.Run, catalog source.Catalog, runErr error) *RunReport {
	log := logger.FromContext(ctx)
	report := &RunReport{
		RunID:       rc.RunID,
		StopReason:  rc.Stop(),
		Committed:   rc.Committed.Load(),
		Artifacts:   rc.Artifacts.Load(),
		Fetched:     rc.Fetched.Load(),
		SkippedRows: catalog.Skipped(),
		Elapsed:     s.now().Sub(rc.StartedAt),
	}

	if s.deps.Checkpoints != nil {
		if cp, err := s.deps.Checkpoints.Get(ctx, catalog.GetSourceID()); err == nil && cp != nil {
			report.SkippedRows = cp.Skipped
		}
	}

	counts, err := s.deps.Items.CountByStatus(ctx)
	if err != nil {
		log.WithError(err).Warn("Final counts unavailable")
		counts = domain.StatusCounts{}
	}
	report.Counts = counts
	report.DeadTotal = counts[domain.ItemStatusDead]

	err = s.deps.Items.Scan(ctx, domain.ItemStatusDead, func(batch []domain.ItemState) error {
		for _, st := range batch {
			if len(report.DeadItems) >= s.cfg.DeadReportLimit {
				return nil
			}
			report.DeadItems = append(report.DeadItems, DeadItem{
				ID:          st.ID,
				Class:       st.LastErrorClass,
				Attempts:    st.Attempts,
				LastError:   st.LastError,
				LastAttempt: st.LastAttemptedAt,
			})
		}
		return nil
	})
	if err != nil {
		log.WithError(err).Warn("Dead item listing unavailable")
	}

	finished := s.now()
	run.Status = report.StopReason.RunStatus()
	run.Done = counts[domain.ItemStatusDone]
	run.Dead = counts[domain.ItemStatusDead]
	run.Pending = counts[domain.ItemStatusPending] + counts[domain.ItemStatusLeased]
	run.Failed = counts[domain.ItemStatusFailed]
	run.Committed = report.Committed
	run.SkippedRows = report.SkippedRows
	run.FinishedAt = &finished
	if runErr != nil {
		run.ErrorMessage = runErr.Error()
	}
	if s.deps.Runs != nil {
		if err := s.deps.Runs.Update(ctx, run); err != nil {
			log.WithError(err).Warn("Failed to update run record")
		}
	}

	log.WithFields(logger.Fields{
		"stop_reason":  string(report.StopReason),
		"total":        counts.Total(),
		"done":         run.Done,
		"dead":         run.Dead,
		"unfinished":   counts.Unfinished(),
		"committed":    report.Committed,
		"partial":      rc.Partial.Load(),
		"retried":      rc.Retried.Load(),
		"deferred":     rc.Deferred.Load(),
		"denied":       rc.Denied.Load(),
		"artifacts":    report.Artifacts,
		"fetched":      humanize.IBytes(uint64(report.Fetched)),
		"skipped_rows": report.SkippedRows,
		"elapsed":      report.Elapsed.Round(time.Millisecond).String(),
	}).Info("Run finished")
	return report
}
