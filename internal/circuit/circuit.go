// Package circuit holds the settlement arithmetic evaluated inside the
// confidential compute boundary. Every function here is pure; the compute
// cluster runs them over decrypted operands and only ever releases the
// values the callers are allowed to see.
package circuit

import (
	"github.com/holiman/uint256"
	"github.com/ksred/darkpool-api/internal/types"
)

// OddsScale is the fixed-point scale of ImpliedOdds (1.0 == 1e9)
const OddsScale uint64 = 1_000_000_000

// BetValidation is the result of validating a decrypted bet
type BetValidation struct {
	Outcome uint8
	Amount  uint64
	Success uint8
}

// Valid reports whether the bet passed validation
func (v BetValidation) Valid() bool {
	return v.Success == 1
}

// ValidateBet accepts outcomes 0 and 1 with a non-zero amount. A failed bet
// is reported with both validated fields forced to zero so it contributes
// nothing to the pool.
func ValidateBet(outcome uint8, amount uint64) BetValidation {
	if outcome > types.OutcomeYes || amount == 0 {
		return BetValidation{}
	}
	return BetValidation{Outcome: outcome, Amount: amount, Success: 1}
}

// ComputePayout returns what a position receives once the market resolved.
// Losers get nothing, winners get their principal plus a pro-rata share of
// the losing pool, and a winner facing an empty winning pool gets the
// principal back.
func ComputePayout(userOutcome uint8, userAmount uint64, winningOutcome uint8, winningPool, losingPool uint64) (uint64, error) {
	if userOutcome != winningOutcome {
		return 0, nil
	}
	if winningPool == 0 {
		return userAmount, nil
	}

	share := new(uint256.Int).Mul(uint256.NewInt(userAmount), uint256.NewInt(losingPool))
	share.Div(share, uint256.NewInt(winningPool))

	payout := share.Add(share, uint256.NewInt(userAmount))
	if !payout.IsUint64() {
		return 0, types.ErrOverflow
	}
	return payout.Uint64(), nil
}

// ImpliedOdds returns the odds of a prospective bet scaled by OddsScale. Any
// outcome other than YES is priced as NO. Only the derived scalar leaves the
// compute boundary.
func ImpliedOdds(outcome uint8, amount, poolYes, poolNo uint64) (uint64, error) {
	mine, opposite := poolNo, poolYes
	if outcome == types.OutcomeYes {
		mine, opposite = poolYes, poolNo
	}

	amt := uint256.NewInt(amount)
	myPool := new(uint256.Int).Add(uint256.NewInt(mine), amt)
	if myPool.IsZero() {
		return OddsScale, nil
	}
	oppPool := new(uint256.Int).Add(uint256.NewInt(opposite), amt)

	odds := oppPool.Mul(oppPool, uint256.NewInt(OddsScale))
	odds.Div(odds, myPool)
	if !odds.IsUint64() {
		return 0, types.ErrOverflow
	}
	return odds.Uint64(), nil
}
