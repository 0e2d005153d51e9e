package model

import "time"

// Incident severities.
const (
	IncidentLevelDebug    = "DEBUG"
	IncidentLevelWarning  = "WARNING"
	IncidentLevelError    = "ERROR"
	IncidentLevelCritical = "CRITICAL"
)

// Well-known incident codes.
const (
	IncidentStaleFillSource    = "STALE_FILL_SOURCE"
	IncidentHedgeSlippageAbort = "HEDGE_SLIPPAGE_ABORT"
	IncidentHedgeUndersized    = "HEDGE_UNDERSIZED"
	IncidentShutdownInflight   = "SHUTDOWN_INFLIGHT"
	IncidentCancelFailure      = "CANCEL_FAILURE"
	IncidentIllegalTransition  = "ILLEGAL_TRANSITION"
	IncidentInvariantViolation = "INVARIANT_VIOLATION"
)

// Incident is an append-only record of an operational failure that must be
// persisted for auditing and monitoring.
type Incident struct {
	ID uint `gorm:"primaryKey" json:"id"`

	Level   string `gorm:"size:20;index;not null" json:"level"`
	Code    string `gorm:"size:60;index" json:"code"`
	Message string `gorm:"type:text" json:"message"`

	// Where it happened
	Component string `gorm:"size:100;index" json:"component"` // e.g. "hedger"
	PairID    string `gorm:"size:255;index" json:"pair_id,omitempty"`
	Venue     string `gorm:"size:60" json:"venue,omitempty"`

	// Extra context stored as JSON
	Details string `gorm:"type:text" json:"details,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (Incident) TableName() string {
	return "incidents"
}
