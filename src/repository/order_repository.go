package repository

import (
	"context"
	"errors"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"hedgebot/src/database"
	"hedgebot/src/model"
)

// OrderRepository handles read/write operations for orders and their
// append-only event log.
type OrderRepository struct {
	db *gorm.DB
}

// NewOrderRepository creates a new repository instance using the main read/write database.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or when using a specific session/transaction.
func (r *OrderRepository) WithDB(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create inserts a new order row. The client_order_id unique index makes the
// insert idempotent from the caller's point of view: a crash between persist
// and placement leaves a recoverable NEW row behind.
func (r *OrderRepository) Create(ctx context.Context, order *model.Order) error {
	logger.WithFields(map[string]interface{}{
		"repo":            "OrderRepository",
		"op":              "Create",
		"client_order_id": order.ClientOrderID,
		"venue":           order.Venue,
		"side":            order.Side,
		"size":            order.RequestedSize,
	}).Debug("Creating new order")

	if err := r.db.WithContext(ctx).Create(order).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "OrderRepository",
			"op":   "Create",
		}).WithError(err).Error("Failed to create order")
		return err
	}
	return nil
}

// FindByClientOrderID returns (nil, nil) when the order is not found.
func (r *OrderRepository) FindByClientOrderID(ctx context.Context, clientOrderID string) (*model.Order, error) {
	var order model.Order
	err := r.db.WithContext(ctx).
		Where("client_order_id = ?", clientOrderID).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// FindByVenueOrderID resolves the order a venue fill refers to.
func (r *OrderRepository) FindByVenueOrderID(ctx context.Context, venue, venueOrderID string) (*model.Order, error) {
	var order model.Order
	err := r.db.WithContext(ctx).
		Where("venue = ? AND venue_order_id = ?", venue, venueOrderID).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// UpdateStatus writes the FSM outcome of a transition back to the order row.
func (r *OrderRepository) UpdateStatus(ctx context.Context, clientOrderID, status string, filledSize float64, venueOrderID string) error {
	updates := map[string]interface{}{
		"status":      status,
		"filled_size": filledSize,
	}
	if venueOrderID != "" {
		updates["venue_order_id"] = venueOrderID
	}
	err := r.db.WithContext(ctx).
		Model(&model.Order{}).
		Where("client_order_id = ?", clientOrderID).
		Updates(updates).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":            "OrderRepository",
			"op":              "UpdateStatus",
			"client_order_id": clientOrderID,
			"status":          status,
		}).WithError(err).Error("Failed to update order status")
	}
	return err
}

// AppendEvent adds one row to the append-only order_events log.
func (r *OrderRepository) AppendEvent(ctx context.Context, clientOrderID, stage, payload string) error {
	event := model.OrderEvent{
		ClientOrderID: clientOrderID,
		Stage:         stage,
		Payload:       payload,
	}
	return r.db.WithContext(ctx).Create(&event).Error
}

// ListEvents returns the transition log of one order in insertion order.
func (r *OrderRepository) ListEvents(ctx context.Context, clientOrderID string) ([]model.OrderEvent, error) {
	var events []model.OrderEvent
	err := r.db.WithContext(ctx).
		Where("client_order_id = ?", clientOrderID).
		Order("id ASC").
		Find(&events).Error
	return events, err
}

var nonTerminalStatuses = []string{"NEW", "PENDING_PLACE", "LIVE", "PARTIAL", "CANCELLING"}

// ListOpenByPair returns the non-terminal orders of one pair.
func (r *OrderRepository) ListOpenByPair(ctx context.Context, pairID string) ([]model.Order, error) {
	var orders []model.Order
	err := r.db.WithContext(ctx).
		Where("pair_id = ? AND status IN ?", pairID, nonTerminalStatuses).
		Order("created_at ASC").
		Find(&orders).Error
	return orders, err
}

// CountOpenByPair supports the risk gate's per-pair open-order cap.
func (r *OrderRepository) CountOpenByPair(ctx context.Context, pairID string) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Order{}).
		Where("pair_id = ? AND status IN ?", pairID, nonTerminalStatuses).
		Count(&count).Error
	return int(count), err
}

// ListNonTerminal loads every order that needs FSM reconstruction at startup.
func (r *OrderRepository) ListNonTerminal(ctx context.Context) ([]model.Order, error) {
	var orders []model.Order
	err := r.db.WithContext(ctx).
		Where("status IN ?", nonTerminalStatuses).
		Order("created_at ASC").
		Find(&orders).Error
	return orders, err
}
