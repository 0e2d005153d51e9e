package repository

import (
	"context"
	"errors"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"hedgebot/src/database"
	"hedgebot/src/model"
)

// FillRepository persists canonical fills and per-order watermarks.
type FillRepository struct {
	db *gorm.DB
}

func NewFillRepository() *FillRepository {
	return &FillRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *FillRepository) WithDB(db *gorm.DB) *FillRepository {
	return &FillRepository{db: db}
}

// Save inserts a canonical fill. The unique dedup index makes redelivery a
// no-op; callers learn about the duplicate through the returned flag.
func (r *FillRepository) Save(ctx context.Context, fill *model.Fill) (inserted bool, err error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(fill)
	if res.Error != nil {
		logger.WithFields(map[string]interface{}{
			"repo":  "FillRepository",
			"op":    "Save",
			"venue": fill.Venue,
			"order": fill.VenueOrderID,
		}).WithError(res.Error).Error("Failed to save fill")
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListByOrder returns all canonical fills for one order.
func (r *FillRepository) ListByOrder(ctx context.Context, venue, venueOrderID string) ([]model.Fill, error) {
	var fills []model.Fill
	err := r.db.WithContext(ctx).
		Where("venue = ? AND venue_order_id = ?", venue, venueOrderID).
		Order("id ASC").
		Find(&fills).Error
	return fills, err
}

// RecentKeys seeds the reconciler LRU with the dedup keys of the newest fills.
func (r *FillRepository) RecentKeys(ctx context.Context, limit int) ([]string, error) {
	var fills []model.Fill
	err := r.db.WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Find(&fills).Error
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(fills))
	for i := range fills {
		keys = append(keys, fills[i].DedupKey())
	}
	return keys, nil
}

// Watermark returns the emission watermark for one order, or nil when the
// order has not emitted yet.
func (r *FillRepository) Watermark(ctx context.Context, venue, venueOrderID string) (*model.FillWatermark, error) {
	var wm model.FillWatermark
	err := r.db.WithContext(ctx).
		Where("venue = ? AND venue_order_id = ?", venue, venueOrderID).
		First(&wm).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &wm, nil
}

// SaveWatermark upserts the watermark after each emission.
func (r *FillRepository) SaveWatermark(ctx context.Context, wm *model.FillWatermark) error {
	wm.LastEmittedAt = time.Now().UTC()
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "venue"}, {Name: "venue_order_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"cumulative_size", "delta_index", "last_emitted_at", "updated_at"}),
		}).
		Create(wm).Error
}
