package model

import "time"

// Trade links a filled entry leg with its hedge leg. The hedger writes the row
// as soon as the hedge leg placements return; the legs' terminal status and
// fill sizes are not checked before it is created.
type Trade struct {
	ID uint `gorm:"primaryKey" json:"id"`

	PairID string `gorm:"size:255;index" json:"pair_id"`

	EntryOrderID string `gorm:"size:128;index;not null" json:"entry_order_id"`
	HedgeOrderID string `gorm:"size:255;index;not null" json:"hedge_order_id"`

	EntryVenue string `gorm:"size:60;not null" json:"entry_venue"`
	HedgeVenue string `gorm:"size:60;not null" json:"hedge_venue"`

	// Size is the matched size: min of both legs after slippage reductions.
	Size       float64 `json:"size"`
	EntryPrice float64 `json:"entry_price"`
	HedgePrice float64 `json:"hedge_price"`

	FeesEstimate float64 `json:"fees_estimate"`
	PnlEstimate  float64 `json:"pnl_estimate"`

	Synthetic bool `gorm:"not null;default:false" json:"synthetic"`

	CreatedAt time.Time `json:"created_at"`
}

func (Trade) TableName() string {
	return "trades"
}
