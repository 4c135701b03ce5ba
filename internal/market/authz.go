package market

import (
	"github.com/ksred/darkpool-api/internal/position"
	"github.com/ksred/darkpool-api/internal/types"
)

// Operation names a state-mutating action subject to authorization
type Operation string

const (
	OpOpen          Operation = "open"
	OpClose         Operation = "close"
	OpResolve       Operation = "resolve"
	OpCancel        Operation = "cancel"
	OpRequestPayout Operation = "request_payout"
	OpClaimPayout   Operation = "claim_payout"
	OpClaimRefund   Operation = "claim_refund"
	OpViewPosition  Operation = "view_position"
)

// subject is what an operation acts on. Pos and Vault are only set for
// position operations.
type subject struct {
	Market *Market
	Pos    *position.Position
	Vault  string
}

// authorize is the single gate for every mutating operation. It runs before
// anything is written.
func authorize(op Operation, actor string, sub subject) error {
	m := sub.Market
	if actor == "" {
		return types.ErrUnauthorized
	}

	switch op {
	case OpOpen, OpClose, OpResolve, OpCancel:
		if actor != m.Authority {
			return types.ErrUnauthorized
		}
		return nil
	}

	p := sub.Pos
	if p == nil || p.MarketID != m.MarketID {
		return types.ErrInvalidPosition
	}

	switch op {
	case OpRequestPayout, OpViewPosition:
		// the authority may drive payout computation for every position
		if actor != p.Owner && actor != m.Authority {
			return types.ErrNotOwner
		}
	case OpClaimPayout, OpClaimRefund:
		if actor != p.Owner {
			return types.ErrNotOwner
		}
		if m.Vault == "" || m.Vault != sub.Vault {
			return types.ErrInvalidVault
		}
	default:
		return types.ErrUnauthorized
	}
	return nil
}
