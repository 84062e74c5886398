package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/timmy/avcorpus/internal/domain"
	"gorm.io/gorm"
)

// RunRepository records engine runs.
type RunRepository struct {
	db *gorm.DB
}

// NewRunRepository creates a new RunRepository.
func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Create inserts a new run record.
func (r *RunRepository) Create(ctx context.Context, run *domain.Run) error {
	return r.db.WithContext(ctx).Create(run).Error
}

// Update saves every field of run.
func (r *RunRepository) Update(ctx context.Context, run *domain.Run) error {
	return r.db.WithContext(ctx).Save(run).Error
}

// GetLatest returns the most recently started run, or nil if there is none.
func (r *RunRepository) GetLatest(ctx context.Context) (*domain.Run, error) {
	var run domain.Run
	err := r.db.WithContext(ctx).Order("started_at DESC").Take(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest run: %w", err)
	}
	return &run, nil
}

// List returns the most recent runs first.
func (r *RunRepository) List(ctx context.Context, limit int) ([]domain.Run, error) {
	var runs []domain.Run
	if err := r.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}
