package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/timmy/avcorpus/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CheckpointRepository persists how far intake got through each catalog.
type CheckpointRepository struct {
	db *gorm.DB
}

// NewCheckpointRepository creates a new CheckpointRepository.
func NewCheckpointRepository(db *gorm.DB) *CheckpointRepository {
	return &CheckpointRepository{db: db}
}

// Get returns the checkpoint of catalog, or nil when intake never started.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - catalog: catalog identifier (its path).
// Returns:
//   - *domain.CatalogCheckpoint: stored checkpoint or nil.
//   - error: non-nil if the lookup fails.
func (r *CheckpointRepository) Get(ctx context.Context, catalog string) (*domain.CatalogCheckpoint, error) {
	var cp domain.CatalogCheckpoint
	err := r.db.WithContext(ctx).First(&cp, "id = ?", catalog).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return &cp, nil
}

// Save creates or replaces the checkpoint.
func (r *CheckpointRepository) Save(ctx context.Context, cp *domain.CatalogCheckpoint) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(cp).Error
}

// Reset forgets the checkpoint so the next run reads the catalog from the start.
func (r *CheckpointRepository) Reset(ctx context.Context, catalog string) error {
	return r.db.WithContext(ctx).Delete(&domain.CatalogCheckpoint{}, "id = ?", catalog).Error
}
