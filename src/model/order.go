package model

import "time"

const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

const (
	OrderTypeLimit  = "LIMIT"
	OrderTypeMarket = "MARKET"
)

// Order roles describe why the order exists within a pair.
const (
	OrderRolePrimary = "PRIMARY"
	OrderRoleHedge   = "HEDGE"
	OrderRoleDoubleA = "DOUBLE_A"
	OrderRoleDoubleB = "DOUBLE_B"
)

// Order represents an order the engine has sent (or is about to send) to a venue.
// ClientOrderID is generated before placement and never changes; VenueOrderID is
// assigned once the venue acknowledges the order.
type Order struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	ClientOrderID string `gorm:"size:128;uniqueIndex;not null" json:"client_order_id"`
	VenueOrderID  string `gorm:"size:255;index" json:"venue_order_id,omitempty"`

	Venue     string `gorm:"size:60;index;not null" json:"venue"`
	AccountID string `gorm:"size:120;index" json:"account_id"`
	MarketID  string `gorm:"size:255;index;not null" json:"market_id"`
	PairID    string `gorm:"size:255;index" json:"pair_id"`

	Side      string   `gorm:"size:10;not null" json:"side"`
	OrderType string   `gorm:"size:20;not null" json:"order_type"`
	Price     *float64 `json:"price,omitempty"` // nil for market orders

	RequestedSize float64 `json:"requested_size"`
	FilledSize    float64 `json:"filled_size"`

	Status string `gorm:"size:50;not null;default:NEW" json:"status"`
	Role   string `gorm:"size:20;not null;default:PRIMARY" json:"role"`

	// ParentFillID links a HEDGE order back to the canonical fill that caused it.
	ParentFillID string `gorm:"size:255;index" json:"parent_fill_id,omitempty"`

	// Synthetic marks orders produced in dry-run mode; no venue call was made.
	Synthetic bool `gorm:"not null;default:false" json:"synthetic"`

	RawPayload string `gorm:"type:text" json:"raw_payload,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Events []OrderEvent `gorm:"foreignKey:ClientOrderID;references:ClientOrderID" json:"events,omitempty"`
}

func (Order) TableName() string {
	return "orders"
}

// RemainingSize is always derived, never stored.
func (o *Order) RemainingSize() float64 {
	remaining := o.RequestedSize - o.FilledSize
	if remaining < 0 {
		return 0
	}
	return remaining
}

// OrderEvent is one row of the append-only per-order transition log. Stage holds
// the FSM transition name; replaying all events for an order reconstructs its
// current state.
type OrderEvent struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	ClientOrderID string    `gorm:"size:128;index;not null" json:"client_order_id"`
	Stage         string    `gorm:"size:60;not null" json:"stage"`
	Payload       string    `gorm:"type:text" json:"payload,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (OrderEvent) TableName() string {
	return "order_events"
}
