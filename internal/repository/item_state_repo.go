package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/timmy/avcorpus/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const scanBatchSize = 500

// ItemStateRepository is the durable progress store. Every state transition is
// a single conditional statement or transaction, so two workers (or two hosts
// on Postgres) can never both hold a live lease on the same item.
type ItemStateRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewItemStateRepository creates a new ItemStateRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *ItemStateRepository: repository instance bound to db.
func NewItemStateRepository(db *gorm.DB) *ItemStateRepository {
	return &ItemStateRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the clock used for lease expiry. Tests use it to move time.
func (r *ItemStateRepository) WithClock(now func() time.Time) *ItemStateRepository {
	return &ItemStateRepository{db: r.db, now: func() time.Time { return now().UTC() }}
}

// GetOrCreate returns the state of item, creating it as pending on first sight.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - item: catalog descriptor.
// Returns:
//   - *domain.ItemState: the stored state.
//   - error: non-nil if the store fails.
func (r *ItemStateRepository) GetOrCreate(ctx context.Context, item domain.WorkItem) (*domain.ItemState, error) {
	if err := r.EnsureItems(ctx, []domain.WorkItem{item}); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, item.ID)
}

// EnsureItems inserts pending rows for items not seen before. Existing rows,
// whatever their status, are left untouched.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - items: catalog descriptors of one batch.
// Returns:
//   - error: non-nil if the insert fails.
func (r *ItemStateRepository) EnsureItems(ctx context.Context, items []domain.WorkItem) error {
	if len(items) == 0 {
		return nil
	}
	rows := make([]domain.ItemState, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if _, dup := seen[item.ID]; dup {
			continue
		}
		seen[item.ID] = struct{}{}
		rows = append(rows, domain.ItemState{
			ID:          item.ID,
			SourceKey:   item.SourceKey,
			Title:       item.Title,
			StartSec:    item.StartSec,
			EndSec:      item.EndSec,
			Status:      domain.ItemStatusPending,
			OutputPaths: domain.StringArray{},
		})
	}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(rows, 200).Error; err != nil {
		return fmt.Errorf("failed to ensure items: %w", err)
	}
	return nil
}

// GetByID retrieves the state of one item.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: item ID.
// Returns:
//   - *domain.ItemState: state if found.
//   - error: gorm.ErrRecordNotFound when unknown.
func (r *ItemStateRepository) GetByID(ctx context.Context, id string) (*domain.ItemState, error) {
	var state domain.ItemState
	if err := r.db.WithContext(ctx).First(&state, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &state, nil
}

// GetByIDs retrieves the states of several items in one query.
func (r *ItemStateRepository) GetByIDs(ctx context.Context, ids []string) ([]domain.ItemState, error) {
	if len(ids) == 0 {
		return []domain.ItemState{}, nil
	}
	var states []domain.ItemState
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&states).Error; err != nil {
		return nil, fmt.Errorf("failed to get items by IDs: %w", err)
	}
	return states, nil
}

// AcquireLease grants worker an exclusive lease on id for ttl. The grant is a
// single conditional update: pending items, failed items whose retry time has
// passed and leased items whose lease expired are eligible. Each grant starts
// one attempt.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: item ID.
//   - worker: lease holder ID.
//   - ttl: lease duration.
// Returns:
//   - *domain.ItemState: the leased state.
//   - error: domain.ErrLeaseDenied when the item is not eligible.
func (r *ItemStateRepository) AcquireLease(ctx context.Context, id, worker string, ttl time.Duration) (*domain.ItemState, error) {
	now := r.now()
	expires := now.Add(ttl)

	res := r.db.WithContext(ctx).Model(&domain.ItemState{}).
		Where("id = ?", id).
		Where(r.db.Where("status = ?", domain.ItemStatusPending).
			Or("status = ? AND (retry_after IS NULL OR retry_after <= ?)", domain.ItemStatusFailed, now).
			Or("status = ? AND lease_expires_at < ?", domain.ItemStatusLeased, now)).
		Updates(map[string]interface{}{
			"status":            domain.ItemStatusLeased,
			"lease_owner":       worker,
			"lease_expires_at":  expires,
			"last_attempted_at": now,
			"retry_after":       nil,
			"attempts":          gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to acquire lease on %s: %w", id, res.Error)
	}
	if res.RowsAffected != 1 {
		return nil, domain.ErrLeaseDenied
	}
	return r.GetByID(ctx, id)
}

// RenewLease extends a lease worker still holds.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: item ID.
//   - worker: lease holder ID.
//   - ttl: new lease duration from now.
// Returns:
//   - error: domain.ErrLeaseLost if the lease is no longer held by worker.
func (r *ItemStateRepository) RenewLease(ctx context.Context, id, worker string, ttl time.Duration) error {
	res := r.db.WithContext(ctx).Model(&domain.ItemState{}).
		Where("id = ? AND status = ? AND lease_owner = ?", id, domain.ItemStatusLeased, worker).
		Update("lease_expires_at", r.now().Add(ttl))
	if res.Error != nil {
		return fmt.Errorf("failed to renew lease on %s: %w", id, res.Error)
	}
	if res.RowsAffected != 1 {
		return domain.ErrLeaseLost
	}
	return nil
}

// ChargeAttempt records one more fetch try against the attempt budget of a
// leased item and extends its lease. The charge only applies while worker
// holds the lease and attempts remain.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: item ID.
//   - worker: lease holder ID.
//   - maxAttempts: attempt budget.
//   - ttl: new lease duration from now.
// Returns:
//   - int: attempts after the charge.
//   - error: domain.ErrAttemptsSpent when the budget is used up,
//     domain.ErrLeaseLost when worker no longer holds the lease.
func (r *ItemStateRepository) ChargeAttempt(ctx context.Context, id, worker string, maxAttempts int, ttl time.Duration) (int, error) {
	now := r.now()
	res := r.db.WithContext(ctx).Model(&domain.ItemState{}).
		Where("id = ? AND status = ? AND lease_owner = ? AND attempts < ?", id, domain.ItemStatusLeased, worker, maxAttempts).
		Updates(map[string]interface{}{
			"attempts":          gorm.Expr("attempts + 1"),
			"last_attempted_at": now,
			"lease_expires_at":  now.Add(ttl),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to charge attempt on %s: %w", id, res.Error)
	}
	state, err := r.GetByID(ctx, id)
	if err != nil {
		return 0, err
	}
	if state.Status != domain.ItemStatusLeased || state.LeaseOwner != worker {
		return state.Attempts, domain.ErrLeaseLost
	}
	if res.RowsAffected != 1 {
		return state.Attempts, domain.ErrAttemptsSpent
	}
	return state.Attempts, nil
}

// Commit marks id done with its output paths, only if worker still holds the lease.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: item ID.
//   - worker: lease holder ID.
//   - summary: output paths and partial extraction class, if any.
// Returns:
//   - error: domain.ErrLeaseLost if the lease was lost.
func (r *ItemStateRepository) Commit(ctx context.Context, id, worker string, summary domain.CommitSummary) error {
	paths := domain.StringArray(summary.OutputPaths)
	if paths == nil {
		paths = domain.StringArray{}
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.ItemState{}).
			Where("id = ? AND status = ? AND lease_owner = ?", id, domain.ItemStatusLeased, worker).
			Updates(map[string]interface{}{
				"status":           domain.ItemStatusDone,
				"output_paths":     paths,
				"last_error_class": summary.PartialClass,
				"last_error":       summary.PartialError,
				"lease_owner":      "",
				"lease_expires_at": nil,
				"retry_after":      nil,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to commit %s: %w", id, res.Error)
		}
		if res.RowsAffected != 1 {
			return domain.ErrLeaseLost
		}
		return nil
	})
}

// Fail records a failed attempt and routes the item: permanent classes go to
// dead, deferred classes go back to pending without charging the attempt, and
// everything else goes to failed with retryAfter while attempts remain.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: item ID.
//   - worker: lease holder ID.
//   - class: failure class.
//   - msg: human readable failure message.
//   - maxAttempts: attempt budget per item.
//   - retryAfter: earliest time of the next attempt.
// Returns:
//   - domain.ItemStatus: the status the item was routed to.
//   - error: domain.ErrLeaseLost if the lease was lost.
func (r *ItemStateRepository) Fail(ctx context.Context, id, worker string, class domain.ErrorClass, msg string, maxAttempts int, retryAfter time.Time) (domain.ItemStatus, error) {
	var next domain.ItemStatus
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var state domain.ItemState
		if err := tx.First(&state, "id = ?", id).Error; err != nil {
			return fmt.Errorf("failed to load %s: %w", id, err)
		}
		if state.Status != domain.ItemStatusLeased || state.LeaseOwner != worker {
			return domain.ErrLeaseLost
		}

		attempts := state.Attempts
		updates := map[string]interface{}{
			"last_error_class": class,
			"last_error":       truncate(msg, 2000),
			"lease_owner":      "",
			"lease_expires_at": nil,
			"retry_after":      nil,
		}
		switch {
		case class.IsDeferred():
			next = domain.ItemStatusPending
			if attempts > 0 {
				attempts--
			}
		case class.IsPermanent():
			next = domain.ItemStatusDead
		case attempts < maxAttempts:
			next = domain.ItemStatusFailed
			updates["retry_after"] = retryAfter.UTC()
		default:
			next = domain.ItemStatusDead
		}
		updates["status"] = next
		updates["attempts"] = attempts

		res := tx.Model(&domain.ItemState{}).
			Where("id = ? AND status = ? AND lease_owner = ?", id, domain.ItemStatusLeased, worker).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("failed to record failure of %s: %w", id, res.Error)
		}
		if res.RowsAffected != 1 {
			return domain.ErrLeaseLost
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return next, nil
}

// Scan iterates over all items in status in batches, without loading the
// whole table. Returning an error from fn stops the scan.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - status: status to filter by; empty scans every item.
//   - fn: callback receiving one batch at a time.
// Returns:
//   - error: non-nil if the query or fn fails.
func (r *ItemStateRepository) Scan(ctx context.Context, status domain.ItemStatus, fn func(batch []domain.ItemState) error) error {
	query := r.db.WithContext(ctx).Model(&domain.ItemState{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var batch []domain.ItemState
	res := query.FindInBatches(&batch, scanBatchSize, func(tx *gorm.DB, _ int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(batch)
	})
	return res.Error
}

// RecoverExpired returns items whose lease expired to pending, or to dead when
// their attempts are already used up. It runs at startup and during sweeps.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - now: reference time for expiry.
//   - maxAttempts: attempt budget per item.
// Returns:
//   - int64: number of recovered items.
//   - error: non-nil if the update fails.
func (r *ItemStateRepository) RecoverExpired(ctx context.Context, now time.Time, maxAttempts int) (int64, error) {
	now = now.UTC()
	var recovered int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dead := tx.Model(&domain.ItemState{}).
			Where("status = ? AND lease_expires_at < ? AND attempts >= ?", domain.ItemStatusLeased, now, maxAttempts).
			Updates(map[string]interface{}{
				"status":           domain.ItemStatusDead,
				"last_error_class": domain.ClassLeaseExpired,
				"last_error":       "lease expired with no attempts left",
				"lease_owner":      "",
				"lease_expires_at": nil,
			})
		if dead.Error != nil {
			return dead.Error
		}
		pending := tx.Model(&domain.ItemState{}).
			Where("status = ? AND lease_expires_at < ?", domain.ItemStatusLeased, now).
			Updates(map[string]interface{}{
				"status":           domain.ItemStatusPending,
				"last_error_class": domain.ClassLeaseExpired,
				"lease_owner":      "",
				"lease_expires_at": nil,
			})
		if pending.Error != nil {
			return pending.Error
		}
		recovered = dead.RowsAffected + pending.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to recover expired leases: %w", err)
	}
	return recovered, nil
}

// RequeueDue moves failed items whose retry time has passed back to pending.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - now: reference time.
// Returns:
//   - int64: number of requeued items.
//   - error: non-nil if the update fails.
func (r *ItemStateRepository) RequeueDue(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&domain.ItemState{}).
		Where("status = ? AND (retry_after IS NULL OR retry_after <= ?)", domain.ItemStatusFailed, now.UTC()).
		Updates(map[string]interface{}{
			"status":      domain.ItemStatusPending,
			"retry_after": nil,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to requeue due items: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ListPendingIDs returns up to limit pending item IDs greater than after,
// ordered by ID, for keyset-paged sweeps.
func (r *ItemStateRepository) ListPendingIDs(ctx context.Context, after string, limit int) ([]string, error) {
	var ids []string
	if err := r.db.WithContext(ctx).Model(&domain.ItemState{}).
		Where("status = ? AND id > ?", domain.ItemStatusPending, after).
		Order("id").
		Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list pending items: %w", err)
	}
	return ids, nil
}

// NextRetryAt returns the earliest retry time among failed items, or nil if
// none is waiting.
func (r *ItemStateRepository) NextRetryAt(ctx context.Context) (*time.Time, error) {
	var state domain.ItemState
	err := r.db.WithContext(ctx).
		Where("status = ? AND retry_after IS NOT NULL", domain.ItemStatusFailed).
		Order("retry_after").
		Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return state.RetryAfter, nil
}

// NextLeaseExpiry returns the earliest expiry among live leases, or nil.
func (r *ItemStateRepository) NextLeaseExpiry(ctx context.Context) (*time.Time, error) {
	var state domain.ItemState
	err := r.db.WithContext(ctx).
		Where("status = ? AND lease_expires_at IS NOT NULL", domain.ItemStatusLeased).
		Order("lease_expires_at").
		Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return state.LeaseExpiresAt, nil
}

// CountByStatus counts items per status. Every status is present in the result.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - domain.StatusCounts: count per status.
//   - error: non-nil if the query fails.
func (r *ItemStateRepository) CountByStatus(ctx context.Context) (domain.StatusCounts, error) {
	var rows []struct {
		Status domain.ItemStatus
		Count  int64
	}
	if err := r.db.WithContext(ctx).Model(&domain.ItemState{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count items: %w", err)
	}
	counts := make(domain.StatusCounts, len(domain.AllStatuses))
	for _, s := range domain.AllStatuses {
		counts[s] = 0
	}
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// ListByStatus retrieves items by status with pagination, ordered by ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - status: status to filter by; empty lists every item.
//   - limit: maximum number of records to return.
//   - offset: number of records to skip.
// Returns:
//   - []domain.ItemState: matching records.
//   - error: non-nil if the query fails.
func (r *ItemStateRepository) ListByStatus(ctx context.Context, status domain.ItemStatus, limit, offset int) ([]domain.ItemState, error) {
	var states []domain.ItemState
	query := r.db.WithContext(ctx)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.
		Order("id").
		Limit(limit).
		Offset(offset).
		Find(&states).Error; err != nil {
		return nil, err
	}
	return states, nil
}

// CountArtifacts sums the output paths recorded by done items.
func (r *ItemStateRepository) CountArtifacts(ctx context.Context) (int64, error) {
	var total int64
	err := r.Scan(ctx, domain.ItemStatusDone, func(batch []domain.ItemState) error {
		for _, s := range batch {
			total += int64(len(s.OutputPaths))
		}
		return nil
	})
	return total, err
}

// truncate cuts s to at most n bytes on a rune boundary. NUL bytes are dropped
// and invalid UTF-8 replaced first; Postgres text columns reject both.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(strings.ReplaceAll(s, "\x00", ""), "\uFFFD")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
