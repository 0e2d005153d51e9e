package model

import (
	"fmt"
	"time"
)

// Fill is a canonical fill event after reconciliation. Exactly one row exists
// per (venue, venue_order_id, fill_id) — or per watermark delta when the venue
// does not supply fill ids.
type Fill struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	Venue        string `gorm:"size:60;index:idx_fill_dedup,unique;not null" json:"venue"`
	VenueOrderID string `gorm:"size:255;index:idx_fill_dedup,unique;not null" json:"venue_order_id"`
	FillID       string `gorm:"size:255;index:idx_fill_dedup,unique" json:"fill_id,omitempty"`

	ClientOrderID string `gorm:"size:128;index" json:"client_order_id"`
	MarketID      string `gorm:"size:255;index" json:"market_id"`

	Side  string  `gorm:"size:10;not null" json:"side"`
	Size  float64 `json:"size"`
	Price float64 `json:"price"`
	Fee   float64 `json:"fee"`

	Source string `gorm:"size:20" json:"source"` // ws | poll

	FilledAt  time.Time `json:"filled_at"`
	CreatedAt time.Time `json:"created_at"`
}

func (Fill) TableName() string {
	return "fills"
}

// DedupKey is the canonical identity of this fill. When the venue supplies a
// fill id the key is (venue, order, fill_id); otherwise the reconciler appends
// a monotonic delta index in place of the fill id.
func (f *Fill) DedupKey() string {
	return fmt.Sprintf("%s:%s:%s", f.Venue, f.VenueOrderID, f.FillID)
}

// FillWatermark records the largest cumulative filled size already emitted as
// canonical fills for one order. Pollers diff against it to synthesize deltas.
type FillWatermark struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Venue         string    `gorm:"size:60;index:idx_watermark,unique;not null" json:"venue"`
	VenueOrderID  string    `gorm:"size:255;index:idx_watermark,unique;not null" json:"venue_order_id"`
	CumulativeSz  float64   `gorm:"column:cumulative_size" json:"cumulative_size"`
	DeltaIndex    int       `json:"delta_index"`
	LastEmittedAt time.Time `json:"last_emitted_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (FillWatermark) TableName() string {
	return "fill_watermarks"
}
