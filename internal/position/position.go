// Package position tracks a single bet from submission through validation,
// payout computation and claim or refund.
package position

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/darkpool-api/internal/types"
)

// Reject reasons recorded on positions the pool never counted
const (
	ReasonInvalidBet = "bet failed validation"
	ReasonExpired    = "aggregation request expired"
)

// NewPositionID returns a fresh position identifier
func NewPositionID() string {
	return "POS_" + uuid.New().String()
}

// New records an escrowed bet awaiting aggregation
func New(marketID uint64, owner string, encryptedBet []byte, pub types.PubKey, nonce types.Nonce, deposit, requestID uint64, now time.Time) (*Position, error) {
	if len(encryptedBet) != types.EncryptedBetSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", types.ErrInvalidEncryptedBetSize, len(encryptedBet), types.EncryptedBetSize)
	}
	if deposit == 0 {
		return nil, types.ErrInvalidBetAmount
	}

	return &Position{
		PositionID:    NewPositionID(),
		MarketID:      marketID,
		Owner:         owner,
		EncryptedBet:  append([]byte(nil), encryptedBet...),
		UserPubKey:    append([]byte(nil), pub[:]...),
		Nonce:         append([]byte(nil), nonce[:]...),
		DepositAmount: deposit,
		Status:        StatusPending,
		ComputationID: requestID,
		CreatedTs:     now.Unix(),
	}, nil
}

// PubKey returns the bettor key the shared secret was derived from
func (p *Position) PubKey() types.PubKey {
	var k types.PubKey
	copy(k[:], p.UserPubKey)
	return k
}

// BetNonce returns the nonce shared by both of the position's requests
func (p *Position) BetNonce() types.Nonce {
	var n types.Nonce
	copy(n[:], p.Nonce)
	return n
}

// CanClaimPayout reports whether a computed, non-zero payout is waiting
func (p *Position) CanClaimPayout() bool {
	return p.Status == StatusPayoutComputed && p.PayoutAmount > 0
}

// CanClaimRefund reports whether the deposit is escrowed and never paid out
func (p *Position) CanClaimRefund() bool {
	return p.Status == StatusPending || p.Status == StatusProcessed
}

// MarkProcessed records that the bet was folded into the pool
func (p *Position) MarkProcessed(now time.Time) error {
	if p.Status != StatusPending {
		return fmt.Errorf("%w: cannot process position in status %s", types.ErrInvalidPositionStatus, p.Status)
	}
	p.Status = StatusProcessed
	p.ProcessedTs = now.Unix()
	return nil
}

// Reject flags a position that will never take part in settlement. Its
// deposit stays refundable.
func (p *Position) Reject(reason string) {
	p.Rejected = true
	p.RejectReason = reason
}

// SetPayout stores the computed payout
func (p *Position) SetPayout(amount uint64) error {
	if p.Status != StatusProcessed {
		return fmt.Errorf("%w: cannot set payout in status %s", types.ErrInvalidPositionStatus, p.Status)
	}
	if p.Rejected {
		return fmt.Errorf("%w: position was rejected", types.ErrInvalidPositionStatus)
	}
	p.PayoutAmount = amount
	p.Status = StatusPayoutComputed
	return nil
}

// Claim moves a computed payout to its terminal state and returns the amount
// to release
func (p *Position) Claim(now time.Time) (uint64, error) {
	switch {
	case p.Status == StatusClaimed || p.Status == StatusRefunded:
		return 0, types.ErrAlreadyClaimed
	case p.Status != StatusPayoutComputed:
		return 0, types.ErrPayoutNotComputed
	case p.PayoutAmount == 0:
		return 0, types.ErrNoPayout
	}
	p.Status = StatusClaimed
	p.ClaimedTs = now.Unix()
	return p.PayoutAmount, nil
}

// Refund moves the position to Refunded and returns the deposit to release
func (p *Position) Refund(now time.Time) (uint64, error) {
	if p.Status == StatusClaimed || p.Status == StatusRefunded {
		return 0, types.ErrAlreadyClaimed
	}
	if !p.CanClaimRefund() {
		return 0, fmt.Errorf("%w: cannot refund position in status %s", types.ErrInvalidPositionStatus, p.Status)
	}
	p.Status = StatusRefunded
	p.ClaimedTs = now.Unix()
	return p.DepositAmount, nil
}
