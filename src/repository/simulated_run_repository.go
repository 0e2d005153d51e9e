package repository

import (
	"context"

	"gorm.io/gorm"

	"hedgebot/src/database"
	"hedgebot/src/model"
)

// SimulatedRunRepository appends read-only simulation plans.
type SimulatedRunRepository struct {
	db *gorm.DB
}

func NewSimulatedRunRepository() *SimulatedRunRepository {
	return &SimulatedRunRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *SimulatedRunRepository) WithDB(db *gorm.DB) *SimulatedRunRepository {
	return &SimulatedRunRepository{db: db}
}

func (r *SimulatedRunRepository) Create(ctx context.Context, run *model.SimulatedRun) error {
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *SimulatedRunRepository) ListByPair(ctx context.Context, pairID string, limit int) ([]model.SimulatedRun, error) {
	var runs []model.SimulatedRun
	q := r.db.WithContext(ctx).
		Where("pair_id = ?", pairID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&runs).Error
	return runs, err
}
