// Package pool manages the versioned opaque aggregate of all bets in a market.
// Results must be applied strictly in submission order; the version counter
// and per-request sequences enforce that.
package pool

import (
	"fmt"
	"time"

	"github.com/ksred/darkpool-api/internal/types"
)

// New returns the uninitialized pool created together with a market
func New(marketID uint64, now time.Time) *PoolState {
	return &PoolState{MarketID: marketID, LastUpdated: now}
}

// Activate moves the pool from version 0 to 1
func (p *PoolState) Activate(now time.Time) error {
	if p.IsInitialized || p.StateVersion != 0 {
		return fmt.Errorf("%w: pool already active at version %d", types.ErrInvalidPoolState, p.StateVersion)
	}
	p.StateVersion = 1
	p.IsInitialized = true
	p.LastUpdated = now
	return nil
}

// IsReady reports whether the pool can take aggregation results
func (p *PoolState) IsReady() bool {
	return p.IsInitialized && p.StateVersion > 0
}

// Reserve books capacity for a new Flow A request and returns the sequence
// its result must be applied at. Request ids must increase per pool.
func (p *PoolState) Reserve(requestID uint64) (uint64, error) {
	if !p.IsReady() {
		return 0, types.ErrPoolStateNotInitialized
	}
	if requestID == 0 || requestID <= p.LastSubmittedID {
		return 0, fmt.Errorf("%w: %d is not above %d", types.ErrInvalidRequestID, requestID, p.LastSubmittedID)
	}

	pending, err := increment(p.PendingComputations)
	if err != nil {
		return 0, err
	}
	seq, err := increment(p.NextSequence)
	if err != nil {
		return 0, err
	}

	p.PendingComputations = pending
	p.NextSequence = seq
	p.LastSubmittedID = requestID
	return seq, nil
}

// NextExpected is the sequence whose result may be applied next
func (p *PoolState) NextExpected() uint64 {
	return p.AppliedSequence + 1
}

// ApplySnapshot replaces the aggregate with the result of the next request
func (p *PoolState) ApplySnapshot(state []byte, requestID uint64, now time.Time) error {
	if !p.IsReady() {
		return types.ErrPoolStateNotInitialized
	}
	if len(state) == 0 {
		return fmt.Errorf("%w: empty snapshot", types.ErrInvalidComputation)
	}
	if len(state) > types.MaxEncryptedStateSize {
		return fmt.Errorf("%w: %d bytes", types.ErrEncryptedStateTooLarge, len(state))
	}
	version, err := increment(p.StateVersion)
	if err != nil {
		return err
	}
	applied, err := increment(p.AppliedSequence)
	if err != nil {
		return err
	}

	p.EncryptedState = append([]byte(nil), state...)
	p.StateVersion = version
	p.AppliedSequence = applied
	p.LastComputationID = requestID
	p.release()
	p.LastUpdated = now
	return nil
}

// Skip gives up on the request at the head of the queue. The aggregate and
// its version stay untouched; only the slot is released.
func (p *PoolState) Skip(now time.Time) error {
	if p.AppliedSequence >= p.NextSequence {
		return fmt.Errorf("%w: no request outstanding", types.ErrInvalidPoolState)
	}
	applied, err := increment(p.AppliedSequence)
	if err != nil {
		return err
	}
	p.AppliedSequence = applied
	p.release()
	p.LastUpdated = now
	return nil
}

// release drops one pending computation, saturating at zero
func (p *PoolState) release() {
	if p.PendingComputations > 0 {
		p.PendingComputations--
	}
}

func increment(v uint64) (uint64, error) {
	if v == ^uint64(0) {
		return 0, types.ErrOverflow
	}
	return v + 1, nil
}
