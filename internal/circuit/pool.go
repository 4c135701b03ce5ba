package circuit

import "github.com/ksred/darkpool-api/internal/types"

// PoolTotals is the plaintext view of a market's aggregate. It only exists
// inside the compute boundary; the settlement core handles it encrypted.
type PoolTotals struct {
	Yes      uint64
	No       uint64
	Deposits uint64
	Count    uint64
	Salt     uint64
}

// Add folds a validated bet into the totals. Invalid bets are a no-op.
func (p PoolTotals) Add(bet BetValidation) (PoolTotals, error) {
	if !bet.Valid() {
		return p, nil
	}

	var err error
	next := p
	if next.Count, err = addChecked(p.Count, 1); err != nil {
		return p, err
	}

	if bet.Outcome == types.OutcomeYes {
		next.Yes, err = addChecked(p.Yes, bet.Amount)
	} else {
		next.No, err = addChecked(p.No, bet.Amount)
	}
	if err != nil {
		return p, err
	}
	if next.Deposits, err = addChecked(p.Deposits, bet.Amount); err != nil {
		return p, err
	}
	return next, nil
}

// Sides returns the winning and losing pools for a resolved outcome
func (p PoolTotals) Sides(winningOutcome uint8) (winning, losing uint64) {
	if winningOutcome == types.OutcomeYes {
		return p.Yes, p.No
	}
	return p.No, p.Yes
}

func addChecked(a, b uint64) (uint64, error) {
	s := a + b
	if s < a {
		return 0, types.ErrOverflow
	}
	return s, nil
}
