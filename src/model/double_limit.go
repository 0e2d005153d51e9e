package model

import "time"

// Double-limit lifecycle. Exactly one leg may reach TRIGGERED; the sibling must
// end CANCELLED before the record resolves.
const (
	DoubleLimitStateArmed      = "ARMED"
	DoubleLimitStateTriggered  = "TRIGGERED"
	DoubleLimitStateCancelling = "CANCELLING"
	DoubleLimitStateResolved   = "RESOLVED"
	DoubleLimitStateFailed     = "FAILED"
)

// DoubleLimit couples two opposing resting orders placed on both venues of a
// pair. The unique indexes on the order refs forbid reusing an order in a
// second record.
type DoubleLimit struct {
	ID      string `gorm:"primaryKey;size:64" json:"id"`
	PairKey string `gorm:"size:255;index" json:"pair_key"`

	OrderARef     string `gorm:"size:255;uniqueIndex;not null" json:"order_a_ref"`
	OrderBRef     string `gorm:"size:255;uniqueIndex;not null" json:"order_b_ref"`
	OrderAClient  string `gorm:"size:128" json:"order_a_client_id"`
	OrderBClient  string `gorm:"size:128" json:"order_b_client_id"`
	OrderAVenue   string `gorm:"size:60" json:"order_a_venue"`
	OrderBVenue   string `gorm:"size:60" json:"order_b_venue"`
	State         string `gorm:"size:20;not null;default:ARMED" json:"state"`
	TriggeredRef  string `gorm:"size:255" json:"triggered_order_ref,omitempty"`
	CancelledRef  string `gorm:"size:255" json:"cancelled_order_ref,omitempty"`
	FailureReason string `gorm:"size:255" json:"failure_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (DoubleLimit) TableName() string {
	return "double_limits"
}
