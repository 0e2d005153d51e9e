package model

import "time"

// SimulatedRun captures the full would-be order plan of a /simulate call.
// Append-only; never results in placement.
type SimulatedRun struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	PairID      string    `gorm:"size:255;index;not null" json:"pair_id"`
	Size        float64   `json:"size"`
	PlanJSON    string    `gorm:"type:text" json:"plan_json"`
	ExpectedPnl float64   `json:"expected_pnl"`
	Notes       string    `gorm:"size:255" json:"notes,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (SimulatedRun) TableName() string {
	return "simulated_runs"
}
