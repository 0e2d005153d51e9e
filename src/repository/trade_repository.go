package repository

import (
	"context"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"hedgebot/src/database"
	"hedgebot/src/model"
)

// TradeRepository persists matched entry/hedge trade rows.
type TradeRepository struct {
	db *gorm.DB
}

func NewTradeRepository() *TradeRepository {
	return &TradeRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *TradeRepository) WithDB(db *gorm.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

func (r *TradeRepository) Create(ctx context.Context, trade *model.Trade) error {
	logger.WithFields(map[string]interface{}{
		"repo":        "TradeRepository",
		"op":          "Create",
		"entry_order": trade.EntryOrderID,
		"hedge_order": trade.HedgeOrderID,
		"size":        trade.Size,
		"pnl":         trade.PnlEstimate,
	}).Info("Recording trade")

	return r.db.WithContext(ctx).Create(trade).Error
}

func (r *TradeRepository) ListByPair(ctx context.Context, pairID string, limit int) ([]model.Trade, error) {
	var trades []model.Trade
	q := r.db.WithContext(ctx).
		Where("pair_id = ?", pairID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&trades).Error
	return trades, err
}

// ExistsForEntry reports whether a trade was already recorded for a fill,
// which is how the hedger stays at-most-once across restarts.
func (r *TradeRepository) ExistsForEntry(ctx context.Context, entryOrderID, parentFillKey string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Trade{}).
		// Multi-leg trades store the hedge leg ids comma-joined; match the
		// first leg in that case.
		Joins("JOIN orders ON orders.client_order_id = trades.hedge_order_id OR trades.hedge_order_id LIKE orders.client_order_id || ',%'").
		Where("trades.entry_order_id = ? AND orders.parent_fill_id = ?", entryOrderID, parentFillKey).
		Count(&count).Error
	return count > 0, err
}
