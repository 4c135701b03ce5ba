package pool

import (
	"time"

	"gorm.io/gorm"
)

// PoolState is the one opaque aggregate of a market. EncryptedState is only
// ever produced and consumed by the compute cluster.
type PoolState struct {
	gorm.Model          `json:"-"`
	MarketID            uint64    `gorm:"uniqueIndex" json:"market_id"`
	EncryptedState      []byte    `json:"-"`
	StateVersion        uint64    `json:"state_version"`
	LastComputationID   uint64    `json:"last_computation_id"`
	PendingComputations uint64    `json:"pending_computations"`
	NextSequence        uint64    `json:"-"` // sequence handed to the next Flow A request
	AppliedSequence     uint64    `json:"-"` // highest sequence applied or skipped
	LastSubmittedID     uint64    `json:"-"`
	Revision            uint64    `json:"-"` // write guard, bumped on every save
	LastUpdated         time.Time `json:"last_updated"`
	IsInitialized       bool      `json:"is_initialized"`
}
