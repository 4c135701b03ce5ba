package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/darkpool-api/internal/compute"
	"github.com/ksred/darkpool-api/internal/pool"
	"github.com/ksred/darkpool-api/internal/position"
	"github.com/ksred/darkpool-api/internal/types"
)

// OnResult applies a cluster callback. It is safe to call any number of times
// for the same request: a result that was already applied, or is parked
// waiting for its turn, is a no-op. A callback that fails verification or
// decoding is rejected as a unit with ErrComputationAborted.
func (s *Service) OnResult(ctx context.Context, cb compute.Callback) error {
	c, err := s.computations.GetComputation(cb.RequestID)
	if err != nil {
		return err
	}
	if c == nil {
		return s.abort(cb.RequestID, types.ErrUnknownComputation)
	}

	var parked bool
	err = s.withMarket(ctx, c.MarketID, func(st *store) error {
		c, err := st.computations.GetComputation(cb.RequestID)
		if err != nil {
			return err
		}
		switch c.Status {
		case compute.StatusApplied, compute.StatusQueued:
			s.logger.Debug().
				Uint64("request_id", c.RequestID).
				Str("status", string(c.Status)).
				Msg("duplicate computation result ignored")
			return nil
		case compute.StatusExpired:
			return types.ErrComputationExpired
		}

		if err := s.verifier.Verify(c.Kind, cb); err != nil {
			return err
		}

		m, err := st.markets.GetMarket(c.MarketID)
		if err != nil {
			return err
		}

		switch c.Kind {
		case compute.KindAggregate:
			parked, err = s.applyAggregate(st, m, c, cb.Payload)
			return err
		case compute.KindPayout:
			return s.applyPayout(st, m, c, cb.Payload)
		default:
			return fmt.Errorf("%w: unknown kind %q", types.ErrInvalidComputation, c.Kind)
		}
	})
	if err != nil {
		if isProtocolFailure(err) {
			return s.abort(cb.RequestID, err)
		}
		return err
	}

	if parked {
		s.logger.Info().
			Uint64("market_id", c.MarketID).
			Uint64("request_id", c.RequestID).
			Uint64("sequence", c.Sequence).
			Msg("computation result queued until earlier results land")
	}
	return nil
}

func isProtocolFailure(err error) bool {
	return types.KindOf(err) == types.KindProtocol || errors.Is(err, types.ErrOutOfOrder) ||
		errors.Is(err, types.ErrEncryptedStateTooLarge) || errors.Is(err, types.ErrInvalidPositionStatus)
}

func (s *Service) abort(requestID uint64, reason error) error {
	s.logger.Warn().
		Err(reason).
		Uint64("request_id", requestID).
		Msg("computation aborted")
	return types.Aborted(reason)
}

// applyAggregate applies a Flow A result if it is next in line, or parks it.
// It reports whether the result was parked.
func (s *Service) applyAggregate(st *store, m *Market, c *compute.Computation, payload []byte) (bool, error) {
	res, err := compute.DecodeAggregateResult(payload)
	if err != nil {
		return false, err
	}

	p, err := st.pools.GetPool(m.MarketID)
	if err != nil {
		return false, err
	}

	switch next := p.NextExpected(); {
	case c.Sequence < next:
		return false, fmt.Errorf("%w: sequence %d already passed", types.ErrOutOfOrder, c.Sequence)
	case c.Sequence > next:
		c.Status = compute.StatusQueued
		c.Payload = append([]byte(nil), payload...)
		return true, st.computations.UpdateComputation(c)
	}

	if err := s.applySnapshot(st, m, p, c, res); err != nil {
		return false, err
	}
	if err := s.drainQueued(st, m, p); err != nil {
		return false, err
	}
	if err := st.pools.SavePool(p); err != nil {
		return false, err
	}
	return false, st.markets.UpdateMarket(m)
}

// applySnapshot folds one in-order result into the pool. It checks the
// result's lineage before touching anything.
func (s *Service) applySnapshot(st *store, m *Market, p *pool.PoolState, c *compute.Computation, res compute.AggregateResult) error {
	if res.BaseVersion != p.StateVersion {
		return fmt.Errorf("%w: result extends version %d, pool is at %d", types.ErrOutOfOrder, res.BaseVersion, p.StateVersion)
	}

	pos, err := st.positions.GetPosition(c.PositionID)
	if err != nil {
		return err
	}
	if pos.MarketID != m.MarketID {
		return types.ErrInvalidPosition
	}

	now := s.now()
	if err := p.ApplySnapshot(res.Snapshot, c.RequestID, now); err != nil {
		return err
	}
	m.StateCommitment = append([]byte(nil), res.Commitment[:]...)

	// a position refunded after cancellation keeps its terminal status
	if pos.Status == position.StatusPending {
		if err := pos.MarkProcessed(now); err != nil {
			return err
		}
	}
	if !res.Accepted {
		pos.Reject(position.ReasonInvalidBet)
	}
	if err := st.positions.UpdatePosition(pos); err != nil {
		return err
	}

	resolved := now
	c.Status = compute.StatusApplied
	c.Payload = nil
	c.ResolvedAt = &resolved
	if err := st.computations.UpdateComputation(c); err != nil {
		return err
	}

	s.logger.Info().
		Uint64("market_id", m.MarketID).
		Str("position_id", pos.PositionID).
		Uint64("request_id", c.RequestID).
		Uint64("state_version", p.StateVersion).
		Bool("accepted", res.Accepted).
		Msg("bet processed")
	return nil
}

// drainQueued applies parked results that are now next in line. It stops at
// the first gap or at a result that does not extend the current version; the
// latter stays parked until it expires.
func (s *Service) drainQueued(st *store, m *Market, p *pool.PoolState) error {
	for {
		c, err := st.computations.AggregateAt(m.MarketID, p.NextExpected())
		if err != nil {
			return err
		}
		if c == nil || c.Status != compute.StatusQueued {
			return nil
		}

		res, err := compute.DecodeAggregateResult(c.Payload)
		if err != nil {
			return err
		}
		if err := s.applySnapshot(st, m, p, c, res); err != nil {
			if errors.Is(err, types.ErrOutOfOrder) {
				s.logger.Warn().
					Err(err).
					Uint64("market_id", m.MarketID).
					Uint64("request_id", c.RequestID).
					Msg("queued result no longer applies")
				return nil
			}
			return err
		}
	}
}

// applyPayout stores a Flow B result on its position
func (s *Service) applyPayout(st *store, m *Market, c *compute.Computation, payload []byte) error {
	res, err := compute.DecodePayoutResult(payload)
	if err != nil {
		return err
	}
	if m.Status != StatusResolved && m.Status != StatusSettled {
		return fmt.Errorf("%w: market is %s", types.ErrInvalidComputation, m.Status)
	}

	pos, err := st.positions.GetPosition(c.PositionID)
	if err != nil {
		return err
	}
	if pos.MarketID != m.MarketID || pos.ComputationID != c.RequestID {
		return fmt.Errorf("%w: position %s is not waiting for request %d", types.ErrInvalidComputation, pos.PositionID, c.RequestID)
	}
	if res.Payout > 0 && pos.Status == position.StatusProcessed {
		if err := checkPayoutBound(st, m.MarketID, res.Payout); err != nil {
			return err
		}
	}
	if err := pos.SetPayout(res.Payout); err != nil {
		return err
	}
	if err := st.positions.UpdatePosition(pos); err != nil {
		return err
	}

	resolved := s.now()
	c.Status = compute.StatusApplied
	c.ResolvedAt = &resolved
	if err := st.computations.UpdateComputation(c); err != nil {
		return err
	}

	s.logger.Info().
		Uint64("market_id", m.MarketID).
		Str("position_id", pos.PositionID).
		Uint64("request_id", c.RequestID).
		Uint64("payout", res.Payout).
		Msg("payout computed")

	if _, err := s.settle(st, m); err != nil {
		return err
	}
	return nil
}

// checkPayoutBound rejects a payout that would lift the market's computed
// payouts above the deposits of its counted positions
func checkPayoutBound(st *store, marketID uint64, payout uint64) error {
	positions, err := st.positions.GetMarketPositions(marketID)
	if err != nil {
		return err
	}

	var deposits, owed uint64
	for _, p := range positions {
		if p.Rejected {
			continue
		}
		if deposits > ^uint64(0)-p.DepositAmount || owed > ^uint64(0)-p.PayoutAmount {
			return types.ErrOverflow
		}
		deposits += p.DepositAmount
		owed += p.PayoutAmount
	}
	if owed > ^uint64(0)-payout {
		return types.ErrOverflow
	}
	if owed+payout > deposits {
		return fmt.Errorf("%w: payouts %d would exceed pooled deposits %d", types.ErrInvalidComputation, owed+payout, deposits)
	}
	return nil
}

// settle marks a resolved market Settled once every aggregation has landed
// and every counted position has its payout
func (s *Service) settle(st *store, m *Market) (bool, error) {
	if m.Status != StatusResolved {
		return false, nil
	}
	p, err := st.pools.GetPool(m.MarketID)
	if err != nil {
		return false, err
	}
	if p.PendingComputations > 0 {
		return false, nil
	}
	open, err := st.positions.CountUnsettled(m.MarketID)
	if err != nil {
		return false, err
	}
	if open > 0 {
		return false, nil
	}

	m.Status = StatusSettled
	if err := st.markets.UpdateMarket(m); err != nil {
		return false, err
	}
	s.logger.Info().Uint64("market_id", m.MarketID).Msg("market settled")
	return true, nil
}

// SettleIfComplete applies the Settled label if the market qualifies
func (s *Service) SettleIfComplete(ctx context.Context, marketID uint64) (bool, error) {
	var settled bool
	err := s.withMarket(ctx, marketID, func(st *store) error {
		m, err := st.markets.GetMarket(marketID)
		if err != nil {
			return err
		}
		settled, err = s.settle(st, m)
		return err
	})
	return settled, err
}

// ExpireStale gives up on computations that stayed unanswered past the
// timeout. Only the head of a market's aggregation queue can expire, so
// ordering is preserved: its slot is released, its position is rejected and
// becomes refundable, and parked results behind it are drained. Expired
// payout computations can simply be requested again.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.timeout)
	marketIDs, err := s.computations.StaleMarkets(cutoff)
	if err != nil {
		return 0, err
	}

	var expired int
	for _, id := range marketIDs {
		n, err := s.expireMarket(ctx, id, cutoff)
		if err != nil {
			return expired, err
		}
		expired += n
	}
	return expired, nil
}

func (s *Service) expireMarket(ctx context.Context, marketID uint64, cutoff time.Time) (int, error) {
	var expired int
	err := s.withMarket(ctx, marketID, func(st *store) error {
		expired = 0
		m, err := st.markets.GetMarket(marketID)
		if err != nil {
			return err
		}
		p, err := st.pools.GetPool(marketID)
		if err != nil {
			return err
		}

		now := s.now()
		changed := false
		for {
			head, err := st.computations.AggregateAt(marketID, p.NextExpected())
			if err != nil {
				return err
			}
			if head == nil || !head.Open() || !head.SubmittedAt.Before(cutoff) {
				break
			}
			if err := s.expireHead(st, p, head, now); err != nil {
				return err
			}
			if err := s.drainQueued(st, m, p); err != nil {
				return err
			}
			changed = true
			expired++
		}
		if changed {
			if err := st.pools.SavePool(p); err != nil {
				return err
			}
			if err := st.markets.UpdateMarket(m); err != nil {
				return err
			}
		}

		payouts, err := st.computations.StalePayouts(marketID, cutoff)
		if err != nil {
			return err
		}
		for i := range payouts {
			c := &payouts[i]
			c.Status = compute.StatusExpired
			c.ResolvedAt = &now
			if err := st.computations.UpdateComputation(c); err != nil {
				return err
			}
			expired++
			s.logger.Warn().
				Uint64("market_id", marketID).
				Uint64("request_id", c.RequestID).
				Msg("payout computation expired")
		}
		return nil
	})
	return expired, err
}

func (s *Service) expireHead(st *store, p *pool.PoolState, head *compute.Computation, now time.Time) error {
	if err := p.Skip(now); err != nil {
		return err
	}

	pos, err := st.positions.GetPosition(head.PositionID)
	if err != nil {
		return err
	}
	pos.Reject(position.ReasonExpired)
	if err := st.positions.UpdatePosition(pos); err != nil {
		return err
	}

	head.Status = compute.StatusExpired
	head.Payload = nil
	head.ResolvedAt = &now
	if err := st.computations.UpdateComputation(head); err != nil {
		return err
	}

	s.logger.Warn().
		Uint64("market_id", head.MarketID).
		Uint64("request_id", head.RequestID).
		Str("position_id", pos.PositionID).
		Msg("aggregation request expired")
	return nil
}
