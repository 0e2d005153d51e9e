package repository

import (
	"context"
	"errors"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"hedgebot/src/database"
	"hedgebot/src/model"
)

// DoubleLimitRepository persists coupled-order records.
type DoubleLimitRepository struct {
	db *gorm.DB
}

func NewDoubleLimitRepository() *DoubleLimitRepository {
	return &DoubleLimitRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *DoubleLimitRepository) WithDB(db *gorm.DB) *DoubleLimitRepository {
	return &DoubleLimitRepository{db: db}
}

// Create writes the ARMED record. Both client ids are persisted before either
// placement goes out, so a crash mid-protocol is recoverable.
func (r *DoubleLimitRepository) Create(ctx context.Context, dl *model.DoubleLimit) error {
	logger.WithFields(map[string]interface{}{
		"repo":     "DoubleLimitRepository",
		"op":       "Create",
		"id":       dl.ID,
		"pair_key": dl.PairKey,
	}).Debug("Arming double limit")

	return r.db.WithContext(ctx).Create(dl).Error
}

// FindByOrderRef locates the record either leg belongs to.
func (r *DoubleLimitRepository) FindByOrderRef(ctx context.Context, orderRef string) (*model.DoubleLimit, error) {
	var dl model.DoubleLimit
	err := r.db.WithContext(ctx).
		Where("order_a_ref = ? OR order_b_ref = ?", orderRef, orderRef).
		First(&dl).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &dl, nil
}

// Transition moves the record to a new state, optionally recording which leg
// triggered and which was cancelled. The expectedState guard keeps the
// at-most-one-trigger invariant under concurrent fills.
func (r *DoubleLimitRepository) Transition(ctx context.Context, id, expectedState, newState, triggeredRef, cancelledRef string) (bool, error) {
	updates := map[string]interface{}{"state": newState}
	if triggeredRef != "" {
		updates["triggered_ref"] = triggeredRef
	}
	if cancelledRef != "" {
		updates["cancelled_ref"] = cancelledRef
	}
	res := r.db.WithContext(ctx).
		Model(&model.DoubleLimit{}).
		Where("id = ? AND state = ?", id, expectedState).
		Updates(updates)
	if res.Error != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "DoubleLimitRepository",
			"op":   "Transition",
			"id":   id,
			"to":   newState,
		}).WithError(res.Error).Error("Failed to transition double limit")
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkFailed records a placement failure with its reason, from any state.
func (r *DoubleLimitRepository) MarkFailed(ctx context.Context, id, reason string) error {
	return r.db.WithContext(ctx).
		Model(&model.DoubleLimit{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"state":          model.DoubleLimitStateFailed,
			"failure_reason": reason,
		}).Error
}
