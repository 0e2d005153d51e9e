package repository

import (
	"context"
	"errors"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"hedgebot/src/database"
	"hedgebot/src/model"
)

// IncidentRepository appends to the incidents audit table.
type IncidentRepository struct {
	db *gorm.DB
}

func NewIncidentRepository() *IncidentRepository {
	return &IncidentRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *IncidentRepository) WithDB(db *gorm.DB) *IncidentRepository {
	return &IncidentRepository{db: db}
}

func (r *IncidentRepository) Create(ctx context.Context, incident *model.Incident) error {
	logger.WithFields(map[string]interface{}{
		"repo":      "IncidentRepository",
		"op":        "Create",
		"level":     incident.Level,
		"code":      incident.Code,
		"component": incident.Component,
	}).Warn(incident.Message)

	return r.db.WithContext(ctx).Create(incident).Error
}

// LastForPair returns the newest incident timestamp for a pair; zero time when
// the pair has a clean history. Feeds the risk cool-down check.
func (r *IncidentRepository) LastForPair(ctx context.Context, pairID string) (time.Time, error) {
	var incident model.Incident
	err := r.db.WithContext(ctx).
		Where("pair_id = ? AND level IN ?", pairID, []string{model.IncidentLevelError, model.IncidentLevelCritical}).
		Order("created_at DESC").
		First(&incident).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return incident.CreatedAt, nil
}

func (r *IncidentRepository) ListRecent(ctx context.Context, limit int) ([]model.Incident, error) {
	var incidents []model.Incident
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&incidents).Error
	return incidents, err
}
