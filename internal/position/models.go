package position

import (
	"gorm.io/gorm"
)

// Status of a position
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusProcessed      Status = "PROCESSED"
	StatusPayoutComputed Status = "PAYOUT_COMPUTED"
	StatusClaimed        Status = "CLAIMED"
	StatusRefunded       Status = "REFUNDED"
)

// Position is one bettor's single bet in a market. A bettor holds at most
// one position per market.
type Position struct {
	gorm.Model    `json:"-"`
	PositionID    string `gorm:"uniqueIndex" json:"position_id"`
	MarketID      uint64 `gorm:"uniqueIndex:idx_position_market_owner" json:"market_id"`
	Owner         string `gorm:"uniqueIndex:idx_position_market_owner" json:"owner"`
	EncryptedBet  []byte `json:"-"`
	UserPubKey    []byte `json:"-"`
	Nonce         []byte `json:"-"`
	DepositAmount uint64 `json:"deposit_amount"`
	PayoutAmount  uint64 `json:"payout_amount"`
	Status        Status `gorm:"index" json:"status"`
	ComputationID uint64 `json:"computation_id"`
	Rejected      bool   `json:"rejected"`
	RejectReason  string `json:"reject_reason,omitempty"`
	CreatedTs     int64  `json:"created_ts"`
	ProcessedTs   int64  `json:"processed_ts,omitempty"`
	ClaimedTs     int64  `json:"claimed_ts,omitempty"`
}
