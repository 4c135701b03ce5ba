// Package ledger is a minimal escrow collaborator: account balances, one vault
// per market and an audit trail of every transfer.
package ledger

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/ksred/darkpool-api/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/sha3"
	"gorm.io/gorm"
)

// VaultAuthority derives a market's vault address from its id as
// keccak256("vault" || market_id LE)
func VaultAuthority(marketID uint64) string {
	var id [8]byte
	binary.LittleEndian.PutUint64(id[:], marketID)

	h := sha3.NewLegacyKeccak256()
	h.Write([]byte("vault"))
	h.Write(id[:])
	return "vault_" + hex.EncodeToString(h.Sum(nil))
}

type Ledger struct {
	db     *gorm.DB
	logger zerolog.Logger
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{
		db:     db,
		logger: log.With().Str("service", "ledger").Logger(),
	}
}

// VaultAuthority is the vault address Release draws on for a market
func (l *Ledger) VaultAuthority(marketID uint64) string {
	return VaultAuthority(marketID)
}

// OpenVault creates the vault account of a market and returns its address
func (l *Ledger) OpenVault(tx *gorm.DB, marketID uint64) (string, error) {
	vault := VaultAuthority(marketID)
	acct := Account{Address: vault, IsVault: true, MarketID: marketID}
	if err := tx.Create(&acct).Error; err != nil {
		return "", fmt.Errorf("failed to open vault: %w", err)
	}
	return vault, nil
}

// Credit adds funds to a bettor account, creating it if needed. Vaults are
// only ever funded by deposits.
func (l *Ledger) Credit(tx *gorm.DB, address string, amount uint64) error {
	if address == "" {
		return fmt.Errorf("%w: empty address", types.ErrInvalidVault)
	}
	if amount == 0 {
		return types.ErrInvalidBetAmount
	}
	acct, err := l.account(tx, address, true)
	if err != nil {
		return err
	}
	if acct.IsVault {
		return fmt.Errorf("%w: %s is a market vault", types.ErrInvalidVault, address)
	}
	if acct.Balance > ^uint64(0)-amount {
		return types.ErrOverflow
	}
	acct.Balance += amount
	if err := tx.Save(acct).Error; err != nil {
		return err
	}
	return l.record(tx, TransferCredit, 0, "", address, amount)
}

// Fund credits an account in its own transaction and returns the new balance.
// It is how bettor funds enter the system.
func (l *Ledger) Fund(ctx context.Context, address string, amount uint64) (*Account, error) {
	var acct *Account
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := l.Credit(tx, address, amount); err != nil {
			return err
		}
		var err error
		acct, err = l.account(tx, address, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info().Str("address", address).Uint64("amount", amount).Uint64("balance", acct.Balance).Msg("account funded")
	return acct, nil
}

// EscrowDeposit moves amount from owner into the market's vault
func (l *Ledger) EscrowDeposit(tx *gorm.DB, marketID uint64, owner string, amount uint64) error {
	if err := l.move(tx, owner, VaultAuthority(marketID), amount); err != nil {
		return err
	}
	l.logger.Debug().Uint64("market_id", marketID).Str("owner", owner).Uint64("amount", amount).Msg("deposit escrowed")
	return l.record(tx, TransferDeposit, marketID, owner, VaultAuthority(marketID), amount)
}

// Release pays amount out of a market's vault. Only the vault derived from
// the market id can be drawn on.
func (l *Ledger) Release(tx *gorm.DB, marketID uint64, to string, amount uint64) error {
	vault := VaultAuthority(marketID)
	if err := l.move(tx, vault, to, amount); err != nil {
		return err
	}
	l.logger.Debug().Uint64("market_id", marketID).Str("to", to).Uint64("amount", amount).Msg("funds released")
	return l.record(tx, TransferRelease, marketID, vault, to, amount)
}

// Balance returns an address's balance, zero for unknown accounts
func (l *Ledger) Balance(address string) (uint64, error) {
	acct, err := l.account(l.db, address, false)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return acct.Balance, nil
}

// Transfers lists the transfers touching a market, oldest first
func (l *Ledger) Transfers(marketID uint64) ([]Transfer, error) {
	var transfers []Transfer
	if err := l.db.Where("market_id = ?", marketID).Order("id").Find(&transfers).Error; err != nil {
		return nil, err
	}
	return transfers, nil
}

func (l *Ledger) move(tx *gorm.DB, from, to string, amount uint64) error {
	if amount == 0 {
		return types.ErrInvalidBetAmount
	}

	src, err := l.account(tx, from, false)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: no account %s", types.ErrInsufficientFunds, from)
		}
		return err
	}
	if src.Balance < amount {
		// a vault holds exactly what was deposited, so drawing past it is an accounting fault
		if src.IsVault {
			return fmt.Errorf("%w: vault %s holds %d, release of %d", types.ErrUnderflow, from, src.Balance, amount)
		}
		return fmt.Errorf("%w: %s holds %d, needs %d", types.ErrInsufficientFunds, from, src.Balance, amount)
	}

	dst, err := l.account(tx, to, true)
	if err != nil {
		return err
	}
	if dst.Balance > ^uint64(0)-amount {
		return types.ErrOverflow
	}

	src.Balance -= amount
	dst.Balance += amount
	if err := tx.Save(src).Error; err != nil {
		return err
	}
	return tx.Save(dst).Error
}

func (l *Ledger) account(tx *gorm.DB, address string, create bool) (*Account, error) {
	var acct Account
	err := tx.Where("address = ?", address).First(&acct).Error
	if err == nil {
		return &acct, nil
	}
	if !create || !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	acct = Account{Address: address}
	if err := tx.Create(&acct).Error; err != nil {
		return nil, err
	}
	return &acct, nil
}

func (l *Ledger) record(tx *gorm.DB, kind TransferKind, marketID uint64, from, to string, amount uint64) error {
	return tx.Create(&Transfer{
		TransferID: "TRF_" + uuid.New().String(),
		Kind:       kind,
		MarketID:   marketID,
		From:       from,
		To:         to,
		Amount:     amount,
	}).Error
}
