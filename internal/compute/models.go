package compute

import (
	"time"

	"gorm.io/gorm"
)

// Status of a submitted computation
type Status string

const (
	StatusPending Status = "PENDING" // submitted, no result yet
	StatusQueued  Status = "QUEUED"  // verified result parked until its turn
	StatusApplied Status = "APPLIED"
	StatusExpired Status = "EXPIRED"
)

// Computation is one row of the pending-request table. Sequence orders Flow A
// requests of a market; results are applied strictly in that order.
type Computation struct {
	gorm.Model  `json:"-"`
	RequestID   uint64     `gorm:"uniqueIndex" json:"request_id"`
	Kind        Kind       `gorm:"index" json:"kind"`
	MarketID    uint64     `gorm:"index" json:"market_id"`
	PositionID  string     `gorm:"index" json:"position_id"`
	Sequence    uint64     `json:"sequence"`
	Status      Status     `gorm:"index" json:"status"`
	Payload     []byte     `json:"-"`
	SubmittedAt time.Time  `json:"submitted_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// Open reports whether the computation can still receive a result
func (c *Computation) Open() bool {
	return c.Status == StatusPending || c.Status == StatusQueued
}
