package ledger

import (
	"gorm.io/gorm"
)

// Account holds the balance of a bettor or a market vault
type Account struct {
	gorm.Model `json:"-"`
	Address    string `gorm:"uniqueIndex" json:"address"`
	Balance    uint64 `json:"balance"`
	IsVault    bool   `json:"is_vault"`
	MarketID   uint64 `gorm:"index" json:"market_id,omitempty"`
}

// TransferKind labels why funds moved
type TransferKind string

const (
	TransferCredit  TransferKind = "CREDIT"
	TransferDeposit TransferKind = "DEPOSIT"
	TransferRelease TransferKind = "RELEASE"
)

// Transfer is an append-only record of one movement of funds
type Transfer struct {
	gorm.Model `json:"-"`
	TransferID string       `gorm:"uniqueIndex" json:"transfer_id"`
	Kind       TransferKind `json:"kind"`
	MarketID   uint64       `gorm:"index" json:"market_id,omitempty"`
	From       string       `json:"from,omitempty"`
	To         string       `json:"to"`
	Amount     uint64       `json:"amount"`
}
