// Package market runs the market lifecycle: creation, betting, resolution,
// payout computation, claims and refunds. It orchestrates the pool aggregate,
// positions, the compute cluster and the escrow ledger, and applies every
// operation as one transaction under a per-market lock.
package market

import (
	"context"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/ksred/darkpool-api/internal/circuit"
	"github.com/ksred/darkpool-api/internal/compute"
	"github.com/ksred/darkpool-api/internal/lock"
	"github.com/ksred/darkpool-api/internal/pool"
	"github.com/ksred/darkpool-api/internal/position"
	"github.com/ksred/darkpool-api/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Escrow moves funds between bettors and market vaults. Every call joins the
// caller's transaction.
type Escrow interface {
	OpenVault(tx *gorm.DB, marketID uint64) (string, error)
	EscrowDeposit(tx *gorm.DB, marketID uint64, owner string, amount uint64) error
	Release(tx *gorm.DB, marketID uint64, to string, amount uint64) error
	VaultAuthority(marketID uint64) string
}

// AttestationVerifier checks that a callback was produced by the cluster for
// the request it names
type AttestationVerifier interface {
	Verify(kind compute.Kind, cb compute.Callback) error
}

// BetInput is a decoded bet submission
type BetInput struct {
	RequestID    uint64
	EncryptedBet []byte
	UserPubKey   types.PubKey
	Nonce        types.Nonce
	Deposit      uint64
}

const defaultComputationTimeout = 10 * time.Minute

type Service struct {
	db           *gorm.DB
	markets      *Database
	pools        *pool.Database
	positions    *position.Database
	computations *compute.Database
	provider     compute.Provider
	verifier     AttestationVerifier
	escrow       Escrow
	locker       lock.Locker
	odds         compute.OddsQuoter
	now          func() time.Time
	timeout      time.Duration
	logger       zerolog.Logger
}

type Option func(*Service)

// WithClock replaces time.Now, mostly for tests
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithComputationTimeout sets how long a computation may stay unanswered
// before ExpireStale gives up on it
func WithComputationTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// WithOddsQuoter enables GetOdds
func WithOddsQuoter(q compute.OddsQuoter) Option {
	return func(s *Service) { s.odds = q }
}

func NewService(db *gorm.DB, provider compute.Provider, verifier AttestationVerifier, escrow Escrow, locker lock.Locker, opts ...Option) *Service {
	s := &Service{
		db:           db,
		markets:      NewDatabase(db),
		pools:        pool.NewDatabase(db),
		positions:    position.NewDatabase(db),
		computations: compute.NewDatabase(db),
		provider:     provider,
		verifier:     verifier,
		escrow:       escrow,
		locker:       locker,
		now:          time.Now,
		timeout:      defaultComputationTimeout,
		logger:       log.With().Str("service", "market").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// store bundles the table accessors bound to one transaction
type store struct {
	tx           *gorm.DB
	markets      *Database
	pools        *pool.Database
	positions    *position.Database
	computations *compute.Database
}

// withMarket runs fn in a transaction while holding the market's write lock
func (s *Service) withMarket(ctx context.Context, marketID uint64, fn func(st *store) error) error {
	release, err := s.locker.Acquire(ctx, "market:"+strconv.FormatUint(marketID, 10))
	if err != nil {
		return fmt.Errorf("failed to lock market %d: %w", marketID, err)
	}
	defer release()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&store{
			tx:           tx,
			markets:      s.markets.WithTx(tx),
			pools:        s.pools.WithTx(tx),
			positions:    s.positions.WithTx(tx),
			computations: s.computations.WithTx(tx),
		})
	})
}

// CreateMarket validates the question and deadlines and records the market
// with its uninitialized pool and an empty vault
func (s *Service) CreateMarket(ctx context.Context, authority string, req CreateMarketRequest) (*Market, error) {
	if authority == "" {
		return nil, types.ErrUnauthorized
	}
	if utf8.RuneCountInString(req.Question) > types.MaxQuestionLen {
		return nil, types.ErrQuestionTooLong
	}
	if req.BettingStartTs >= req.BettingEndTs || req.BettingEndTs >= req.ResolutionEndTs {
		return nil, types.ErrInvalidDeadlines
	}
	now := s.now()
	if req.BettingStartTs < now.Unix() {
		return nil, types.ErrDeadlineInPast
	}

	m := &Market{
		MarketID:        req.MarketID,
		Authority:       authority,
		Question:        req.Question,
		BettingStartTs:  req.BettingStartTs,
		BettingEndTs:    req.BettingEndTs,
		ResolutionEndTs: req.ResolutionEndTs,
		Status:          StatusCreated,
		CreatedTs:       now.Unix(),
	}

	err := s.withMarket(ctx, req.MarketID, func(st *store) error {
		exists, err := st.markets.MarketExists(req.MarketID)
		if err != nil {
			return err
		}
		if exists {
			return types.ErrMarketExists
		}

		vault, err := s.escrow.OpenVault(st.tx, req.MarketID)
		if err != nil {
			return err
		}
		m.Vault = vault

		if err := st.markets.CreateMarket(m); err != nil {
			return fmt.Errorf("failed to create market: %w", err)
		}
		return st.pools.CreatePool(pool.New(req.MarketID, now))
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Uint64("market_id", m.MarketID).
		Str("authority", authority).
		Int64("betting_end_ts", m.BettingEndTs).
		Msg("market created")
	return m, nil
}

// OpenMarket activates the pool and opens the market for betting
func (s *Service) OpenMarket(ctx context.Context, actor string, marketID uint64) (*Market, error) {
	var m *Market
	err := s.withMarket(ctx, marketID, func(st *store) error {
		var err error
		if m, err = st.markets.GetMarket(marketID); err != nil {
			return err
		}
		if err := authorize(OpOpen, actor, subject{Market: m}); err != nil {
			return err
		}
		if m.Status != StatusCreated {
			return types.ErrInvalidMarketStatus
		}

		p, err := st.pools.GetPool(marketID)
		if err != nil {
			return err
		}
		if err := p.Activate(s.now()); err != nil {
			return err
		}
		if err := st.pools.SavePool(p); err != nil {
			return err
		}

		m.Status = StatusOpen
		return st.markets.UpdateMarket(m)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Uint64("market_id", marketID).Msg("market opened")
	return m, nil
}

// PlaceBet escrows the deposit, records the position and submits the bet for
// aggregation. Submission is the last step so a rejected submit rolls back
// everything else.
func (s *Service) PlaceBet(ctx context.Context, owner string, marketID uint64, in BetInput) (*position.Position, error) {
	if owner == "" {
		return nil, types.ErrUnauthorized
	}
	if in.Deposit == 0 {
		return nil, types.ErrInvalidBetAmount
	}
	if len(in.EncryptedBet) != types.EncryptedBetSize {
		return nil, types.ErrInvalidEncryptedBetSize
	}

	var pos *position.Position
	err := s.withMarket(ctx, marketID, func(st *store) error {
		m, err := st.markets.GetMarket(marketID)
		if err != nil {
			return err
		}
		now := s.now()
		if err := bettingWindowOpen(m, now); err != nil {
			return err
		}

		existing, err := st.positions.GetOwnerPosition(marketID, owner)
		if err != nil {
			return err
		}
		if existing != nil {
			return types.ErrPositionExists
		}
		if err := requestIDUnused(st, in.RequestID); err != nil {
			return err
		}

		p, err := st.pools.GetPool(marketID)
		if err != nil {
			return err
		}
		seq, err := p.Reserve(in.RequestID)
		if err != nil {
			return err
		}
		if m.TotalPositions == ^uint64(0) {
			return types.ErrOverflow
		}
		m.TotalPositions++

		if err := s.escrow.EscrowDeposit(st.tx, marketID, owner, in.Deposit); err != nil {
			return err
		}

		pos, err = position.New(marketID, owner, in.EncryptedBet, in.UserPubKey, in.Nonce, in.Deposit, in.RequestID, now)
		if err != nil {
			return err
		}
		if err := st.positions.CreatePosition(pos); err != nil {
			return fmt.Errorf("failed to create position: %w", err)
		}

		err = st.computations.CreateComputation(&compute.Computation{
			RequestID:   in.RequestID,
			Kind:        compute.KindAggregate,
			MarketID:    marketID,
			PositionID:  pos.PositionID,
			Sequence:    seq,
			Status:      compute.StatusPending,
			SubmittedAt: now,
		})
		if err != nil {
			return fmt.Errorf("failed to record computation: %w", err)
		}
		if err := st.pools.SavePool(p); err != nil {
			return err
		}
		if err := st.markets.UpdateMarket(m); err != nil {
			return err
		}

		lineage, err := aggregateLineage(st, p, seq)
		if err != nil {
			return err
		}
		req := compute.AggregateRequest(in.RequestID, marketID, pos.PositionID, in.UserPubKey, in.Nonce, in.EncryptedBet, in.Deposit, lineage)
		return s.provider.Submit(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Uint64("market_id", marketID).
		Str("position_id", pos.PositionID).
		Uint64("request_id", in.RequestID).
		Uint64("deposit", in.Deposit).
		Msg("bet placed")
	return pos, nil
}

// aggregateLineage describes what the result at seq must extend: the applied
// aggregate, or the result of the open request one sequence ahead. Slots
// below NextExpected were applied or skipped, so only a slot at or above it
// can still produce a result.
func aggregateLineage(st *store, p *pool.PoolState, seq uint64) (compute.Lineage, error) {
	lineage := compute.Lineage{StateVersion: p.StateVersion, State: p.EncryptedState}
	if seq <= p.NextExpected() {
		return lineage, nil
	}
	prev, err := st.computations.AggregateAt(p.MarketID, seq-1)
	if err != nil {
		return lineage, err
	}
	if prev != nil && prev.Open() {
		lineage.After = prev.RequestID
	}
	return lineage, nil
}

func bettingWindowOpen(m *Market, now time.Time) error {
	if m.Status != StatusOpen {
		return types.ErrMarketNotOpen
	}
	ts := now.Unix()
	if ts < m.BettingStartTs {
		return types.ErrBettingNotStarted
	}
	if ts >= m.BettingEndTs {
		return types.ErrBettingEnded
	}
	return nil
}

func requestIDUnused(st *store, requestID uint64) error {
	if requestID == 0 {
		return types.ErrInvalidRequestID
	}
	c, err := st.computations.GetComputation(requestID)
	if err != nil {
		return err
	}
	if c != nil {
		return fmt.Errorf("%w: %d already used", types.ErrInvalidRequestID, requestID)
	}
	return nil
}

// CloseBetting ends the betting window once betting_end has passed
func (s *Service) CloseBetting(ctx context.Context, actor string, marketID uint64) (*Market, error) {
	return s.closeBetting(ctx, marketID, func(m *Market) error {
		return authorize(OpClose, actor, subject{Market: m})
	})
}

func (s *Service) closeBetting(ctx context.Context, marketID uint64, check func(*Market) error) (*Market, error) {
	var m *Market
	err := s.withMarket(ctx, marketID, func(st *store) error {
		var err error
		if m, err = st.markets.GetMarket(marketID); err != nil {
			return err
		}
		if err := check(m); err != nil {
			return err
		}
		if m.Status != StatusOpen {
			return types.ErrInvalidMarketStatus
		}
		if s.now().Unix() < m.BettingEndTs {
			return types.ErrBettingNotEnded
		}
		m.Status = StatusBettingClosed
		return st.markets.UpdateMarket(m)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Uint64("market_id", marketID).
		Uint64("total_positions", m.TotalPositions).
		Msg("betting closed")
	return m, nil
}

// ResolveMarket records the winning outcome
func (s *Service) ResolveMarket(ctx context.Context, actor string, marketID uint64, outcome uint8) (*Market, error) {
	var m *Market
	err := s.withMarket(ctx, marketID, func(st *store) error {
		var err error
		if m, err = st.markets.GetMarket(marketID); err != nil {
			return err
		}
		if err := authorize(OpResolve, actor, subject{Market: m}); err != nil {
			return err
		}
		switch m.Status {
		case StatusOpen, StatusBettingClosed:
		case StatusResolved, StatusSettled:
			return types.ErrMarketAlreadyResolved
		default:
			return types.ErrInvalidMarketStatus
		}
		now := s.now()
		if now.Unix() < m.BettingEndTs {
			return types.ErrBettingNotEnded
		}
		if outcome > types.OutcomeYes {
			return types.ErrInvalidOutcome
		}

		m.WinningOutcome = &outcome
		m.Status = StatusResolved
		m.ResolvedTs = now.Unix()
		return st.markets.UpdateMarket(m)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Uint64("market_id", marketID).
		Uint8("winning_outcome", outcome).
		Msg("market resolved")
	return m, nil
}

// RequestPayout submits the payout computation for one processed position.
// It waits for the aggregate to be final: every aggregation must have landed.
func (s *Service) RequestPayout(ctx context.Context, actor string, marketID uint64, positionID string, requestID uint64) (*position.Position, error) {
	var pos *position.Position
	err := s.withMarket(ctx, marketID, func(st *store) error {
		m, err := st.markets.GetMarket(marketID)
		if err != nil {
			return err
		}
		if pos, err = st.positions.GetPosition(positionID); err != nil {
			return err
		}
		if err := authorize(OpRequestPayout, actor, subject{Market: m, Pos: pos}); err != nil {
			return err
		}
		if m.Status != StatusResolved || m.WinningOutcome == nil {
			return types.ErrMarketNotResolved
		}
		if pos.Status != position.StatusProcessed || pos.Rejected {
			return types.ErrInvalidPositionStatus
		}

		p, err := st.pools.GetPool(marketID)
		if err != nil {
			return err
		}
		if p.PendingComputations > 0 {
			return types.ErrAggregationPending
		}
		inFlight, err := st.computations.OpenForPosition(positionID, compute.KindPayout)
		if err != nil {
			return err
		}
		if inFlight != nil {
			return types.ErrComputationInFlight
		}
		if requestID <= pos.ComputationID {
			return fmt.Errorf("%w: %d is not above %d", types.ErrInvalidRequestID, requestID, pos.ComputationID)
		}
		if err := requestIDUnused(st, requestID); err != nil {
			return err
		}

		pos.ComputationID = requestID
		if err := st.positions.UpdatePosition(pos); err != nil {
			return err
		}
		err = st.computations.CreateComputation(&compute.Computation{
			RequestID:   requestID,
			Kind:        compute.KindPayout,
			MarketID:    marketID,
			PositionID:  positionID,
			Status:      compute.StatusPending,
			SubmittedAt: s.now(),
		})
		if err != nil {
			return fmt.Errorf("failed to record computation: %w", err)
		}

		req := compute.PayoutRequest(requestID, marketID, positionID, pos.PubKey(), pos.BetNonce(),
			*m.WinningOutcome, pos.DepositAmount, pos.EncryptedBet, p.EncryptedState)
		return s.provider.Submit(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Uint64("market_id", marketID).
		Str("position_id", positionID).
		Uint64("request_id", requestID).
		Msg("payout computation submitted")
	return pos, nil
}

// ClaimPayout releases a computed payout to the position owner
func (s *Service) ClaimPayout(ctx context.Context, actor string, marketID uint64, positionID string) (*ClaimResponse, error) {
	var resp *ClaimResponse
	err := s.withMarket(ctx, marketID, func(st *store) error {
		m, err := st.markets.GetMarket(marketID)
		if err != nil {
			return err
		}
		pos, err := st.positions.GetPosition(positionID)
		if err != nil {
			return err
		}
		if err := authorize(OpClaimPayout, actor, subject{Market: m, Pos: pos, Vault: s.escrow.VaultAuthority(marketID)}); err != nil {
			return err
		}
		if m.Status != StatusResolved && m.Status != StatusSettled {
			return types.ErrMarketNotResolved
		}

		amount, err := pos.Claim(s.now())
		if err != nil {
			return err
		}
		if err := s.escrow.Release(st.tx, marketID, pos.Owner, amount); err != nil {
			return err
		}
		if err := st.positions.UpdatePosition(pos); err != nil {
			return err
		}
		resp = &ClaimResponse{PositionID: positionID, Amount: amount, Status: string(pos.Status)}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Uint64("market_id", marketID).
		Str("position_id", positionID).
		Uint64("amount", resp.Amount).
		Msg("payout claimed")
	return resp, nil
}

// CancelMarket cancels a market that has not been resolved, unlocking refunds
func (s *Service) CancelMarket(ctx context.Context, actor string, marketID uint64) (*Market, error) {
	var m *Market
	err := s.withMarket(ctx, marketID, func(st *store) error {
		var err error
		if m, err = st.markets.GetMarket(marketID); err != nil {
			return err
		}
		if err := authorize(OpCancel, actor, subject{Market: m}); err != nil {
			return err
		}
		switch m.Status {
		case StatusCreated, StatusOpen, StatusBettingClosed:
		default:
			return types.ErrInvalidMarketStatus
		}
		m.Status = StatusCancelled
		return st.markets.UpdateMarket(m)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Uint64("market_id", marketID).Msg("market cancelled")
	return m, nil
}

// ClaimRefund returns the deposit of a position in a cancelled market, or of
// a position the pool never counted
func (s *Service) ClaimRefund(ctx context.Context, actor string, marketID uint64, positionID string) (*ClaimResponse, error) {
	var resp *ClaimResponse
	err := s.withMarket(ctx, marketID, func(st *store) error {
		m, err := st.markets.GetMarket(marketID)
		if err != nil {
			return err
		}
		pos, err := st.positions.GetPosition(positionID)
		if err != nil {
			return err
		}
		if err := authorize(OpClaimRefund, actor, subject{Market: m, Pos: pos, Vault: s.escrow.VaultAuthority(marketID)}); err != nil {
			return err
		}
		if m.Status != StatusCancelled && !pos.Rejected {
			return types.ErrMarketNotCancelled
		}

		amount, err := pos.Refund(s.now())
		if err != nil {
			return err
		}
		if err := s.escrow.Release(st.tx, marketID, pos.Owner, amount); err != nil {
			return err
		}
		if err := st.positions.UpdatePosition(pos); err != nil {
			return err
		}
		resp = &ClaimResponse{PositionID: positionID, Amount: amount, Status: string(pos.Status)}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Uint64("market_id", marketID).
		Str("position_id", positionID).
		Uint64("amount", resp.Amount).
		Msg("refund claimed")
	return resp, nil
}

// GetMarket returns a market with its public pool bookkeeping
func (s *Service) GetMarket(marketID uint64) (*MarketView, error) {
	m, err := s.markets.GetMarket(marketID)
	if err != nil {
		return nil, err
	}
	p, err := s.pools.GetPool(marketID)
	if err != nil {
		return nil, err
	}
	return &MarketView{
		Market:              m,
		StateCommitment:     commitmentHex(m.StateCommitment),
		StateVersion:        p.StateVersion,
		PendingComputations: p.PendingComputations,
	}, nil
}

func (s *Service) ListMarkets(status Status) ([]Market, error) {
	return s.markets.ListMarkets(status)
}

// GetPosition returns a position to its owner or the market authority
func (s *Service) GetPosition(actor string, marketID uint64, positionID string) (*position.Position, error) {
	m, err := s.markets.GetMarket(marketID)
	if err != nil {
		return nil, err
	}
	pos, err := s.positions.GetPosition(positionID)
	if err != nil {
		return nil, err
	}
	if err := authorize(OpViewPosition, actor, subject{Market: m, Pos: pos}); err != nil {
		return nil, err
	}
	return pos, nil
}

// GetOwnerPosition returns actor's own position in a market
func (s *Service) GetOwnerPosition(actor string, marketID uint64) (*position.Position, error) {
	pos, err := s.positions.GetOwnerPosition(marketID, actor)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, types.ErrPositionNotFound
	}
	return pos, nil
}

// ListPositions returns every position of a market. Deposits are public; bet
// direction stays encrypted.
func (s *Service) ListPositions(marketID uint64) ([]position.Position, error) {
	if _, err := s.markets.GetMarket(marketID); err != nil {
		return nil, err
	}
	return s.positions.GetMarketPositions(marketID)
}

// GetOdds asks the cluster to price a prospective bet against the current
// aggregate. Only the odds scalar comes back.
func (s *Service) GetOdds(ctx context.Context, marketID uint64, outcome uint8, amount uint64) (*OddsResponse, error) {
	if s.odds == nil {
		return nil, types.ErrOddsUnavailable
	}
	if outcome > types.OutcomeYes {
		return nil, types.ErrInvalidOutcome
	}
	if _, err := s.markets.GetMarket(marketID); err != nil {
		return nil, err
	}
	p, err := s.pools.GetPool(marketID)
	if err != nil {
		return nil, err
	}
	if !p.IsReady() {
		return nil, types.ErrPoolStateNotInitialized
	}

	odds, err := s.odds.QuoteOdds(ctx, p.EncryptedState, outcome, amount)
	if err != nil {
		return nil, err
	}
	return &OddsResponse{MarketID: marketID, Outcome: outcome, Amount: amount, Odds: odds, Scale: circuit.OddsScale}, nil
}
