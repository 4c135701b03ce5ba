package market

import (
	"encoding/hex"

	"gorm.io/gorm"
)

// Status of a market
type Status string

const (
	StatusCreated       Status = "CREATED"
	StatusOpen          Status = "OPEN"
	StatusBettingClosed Status = "BETTING_CLOSED"
	StatusResolved      Status = "RESOLVED"
	StatusSettled       Status = "SETTLED"
	StatusCancelled     Status = "CANCELLED"
)

type Market struct {
	gorm.Model      `json:"-"`
	MarketID        uint64 `gorm:"uniqueIndex" json:"market_id"`
	Authority       string `gorm:"index" json:"authority"`
	Question        string `json:"question"`
	BettingStartTs  int64  `json:"betting_start_ts"`
	BettingEndTs    int64  `gorm:"index" json:"betting_end_ts"`
	ResolutionEndTs int64  `json:"resolution_end_ts"`
	Status          Status `gorm:"index" json:"status"`
	WinningOutcome  *uint8 `json:"winning_outcome,omitempty"`
	TotalPositions  uint64 `json:"total_positions"`
	StateCommitment []byte `json:"-"`
	Vault           string `json:"vault"`
	CreatedTs       int64  `json:"created_ts"`
	ResolvedTs      int64  `json:"resolved_ts,omitempty"`
}

// CreateMarketRequest is the body of POST /markets
type CreateMarketRequest struct {
	MarketID        uint64 `json:"market_id" binding:"required"`
	Question        string `json:"question" binding:"required"`
	BettingStartTs  int64  `json:"betting_start_ts" binding:"required"`
	BettingEndTs    int64  `json:"betting_end_ts" binding:"required"`
	ResolutionEndTs int64  `json:"resolution_end_ts" binding:"required"`
}

// PlaceBetRequest is the body of POST /markets/:market_id/bets. The bet is
// base64 in JSON; key and nonce are hex.
type PlaceBetRequest struct {
	RequestID     uint64 `json:"request_id" binding:"required"`
	EncryptedBet  []byte `json:"encrypted_bet" binding:"required"`
	UserPubKey    string `json:"user_pubkey" binding:"required"`
	Nonce         string `json:"nonce" binding:"required"`
	DepositAmount uint64 `json:"deposit_amount"`
}

type ResolveMarketRequest struct {
	WinningOutcome *uint8 `json:"winning_outcome" binding:"required"`
}

type RequestPayoutRequest struct {
	RequestID uint64 `json:"request_id" binding:"required"`
}

// MarketView is a market together with its public pool bookkeeping
type MarketView struct {
	*Market
	StateCommitment     string `json:"state_commitment"`
	StateVersion        uint64 `json:"state_version"`
	PendingComputations uint64 `json:"pending_computations"`
}

type ClaimResponse struct {
	PositionID string `json:"position_id"`
	Amount     uint64 `json:"amount"`
	Status     string `json:"status"`
}

type OddsResponse struct {
	MarketID uint64 `json:"market_id"`
	Outcome  uint8  `json:"outcome"`
	Amount   uint64 `json:"amount"`
	Odds     uint64 `json:"odds"`
	Scale    uint64 `json:"scale"`
}

func commitmentHex(b []byte) string {
	return hex.EncodeToString(b)
}
