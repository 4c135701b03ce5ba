package market_test

import (
	"strings"
	"testing"

	"github.com/ksred/darkpool-api/internal/market"
	"github.com/ksred/darkpool-api/internal/position"
	"github.com/ksred/darkpool-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateMarket_Validation(t *testing.T) {
	h := newHarness(t)
	valid := market.CreateMarketRequest{
		MarketID:        1,
		Question:        "Will it rain tomorrow?",
		BettingStartTs:  t0 + 10,
		BettingEndTs:    t0 + 100,
		ResolutionEndTs: t0 + 1000,
	}

	tests := []struct {
		name   string
		actor  string
		mutate func(r *market.CreateMarketRequest)
		want   error
	}{
		{"no authority", "", func(r *market.CreateMarketRequest) {}, types.ErrUnauthorized},
		{"question too long", authority, func(r *market.CreateMarketRequest) { r.Question = strings.Repeat("a", 201) }, types.ErrQuestionTooLong},
		{"start after end", authority, func(r *market.CreateMarketRequest) { r.BettingStartTs = t0 + 100 }, types.ErrInvalidDeadlines},
		{"end after resolution", authority, func(r *market.CreateMarketRequest) { r.ResolutionEndTs = t0 + 100 }, types.ErrInvalidDeadlines},
		{"start in the past", authority, func(r *market.CreateMarketRequest) { r.BettingStartTs = t0 - 1 }, types.ErrDeadlineInPast},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			_, err := h.svc.CreateMarket(h.ctx, tt.actor, req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	// 200 multi-byte characters are within the limit
	req := valid
	req.Question = strings.Repeat("é", 200)
	m, err := h.svc.CreateMarket(h.ctx, authority, req)
	require.NoError(t, err)
	assert.Equal(t, market.StatusCreated, m.Status)
	assert.NotEmpty(t, m.Vault)

	_, err = h.svc.CreateMarket(h.ctx, authority, req)
	assert.ErrorIs(t, err, types.ErrMarketExists)
}

func TestOpenMarket(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.CreateMarket(h.ctx, authority, market.CreateMarketRequest{
		MarketID: 1, Question: "q", BettingStartTs: t0 + 10, BettingEndTs: t0 + 100, ResolutionEndTs: t0 + 1000,
	})
	require.NoError(t, err)

	assert.Zero(t, h.view(1).StateVersion)

	_, err = h.svc.OpenMarket(h.ctx, "mallory", 1)
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	m, err := h.svc.OpenMarket(h.ctx, authority, 1)
	require.NoError(t, err)
	assert.Equal(t, market.StatusOpen, m.Status)
	assert.Equal(t, uint64(1), h.view(1).StateVersion)

	_, err = h.svc.OpenMarket(h.ctx, authority, 1)
	assert.ErrorIs(t, err, types.ErrInvalidMarketStatus)

	_, err = h.svc.OpenMarket(h.ctx, authority, 99)
	assert.ErrorIs(t, err, types.ErrMarketNotFound)
}

func TestPlaceBet_Guards(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.CreateMarket(h.ctx, authority, market.CreateMarketRequest{
		MarketID: 1, Question: "q", BettingStartTs: t0 + 10, BettingEndTs: t0 + 100, ResolutionEndTs: t0 + 1000,
	})
	require.NoError(t, err)

	_, err = h.svc.PlaceBet(h.ctx, "alice", 1, h.betInput("alice", 1, 100, 100))
	assert.ErrorIs(t, err, types.ErrMarketNotOpen)

	_, err = h.svc.OpenMarket(h.ctx, authority, 1)
	require.NoError(t, err)
	_, err = h.svc.PlaceBet(h.ctx, "alice", 1, h.betInput("alice", 1, 100, 100))
	assert.ErrorIs(t, err, types.ErrBettingNotStarted)

	h.clock.Set(t0 + 10)

	in := h.betInput("alice", 1, 100, 100)
	in.Deposit = 0
	_, err = h.svc.PlaceBet(h.ctx, "alice", 1, in)
	assert.ErrorIs(t, err, types.ErrInvalidBetAmount)

	in = h.betInput("alice", 1, 100, 100)
	in.EncryptedBet = in.EncryptedBet[:63]
	_, err = h.svc.PlaceBet(h.ctx, "alice", 1, in)
	assert.ErrorIs(t, err, types.ErrInvalidEncryptedBetSize)

	_, err = h.svc.PlaceBet(h.ctx, "", 1, h.betInput("alice", 1, 100, 100))
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	first := h.betInput("alice", 1, 100, 100)
	_, err = h.svc.PlaceBet(h.ctx, "alice", 1, first)
	require.NoError(t, err)

	_, err = h.svc.PlaceBet(h.ctx, "alice", 1, h.betInput("alice", 0, 50, 50))
	assert.ErrorIs(t, err, types.ErrPositionExists)

	reused := h.betInput("bob", 1, 10, 10)
	reused.RequestID = first.RequestID
	_, err = h.svc.PlaceBet(h.ctx, "bob", 1, reused)
	assert.ErrorIs(t, err, types.ErrInvalidRequestID)

	lower := h.betInput("bob", 1, 10, 10)
	lower.RequestID = first.RequestID - 1
	_, err = h.svc.PlaceBet(h.ctx, "bob", 1, lower)
	assert.ErrorIs(t, err, types.ErrInvalidRequestID)

	h.clock.Set(t0 + 100)
	_, err = h.svc.PlaceBet(h.ctx, "carol", 1, h.betInput("carol", 1, 10, 10))
	assert.ErrorIs(t, err, types.ErrBettingEnded)

	v := h.view(1)
	assert.Equal(t, uint64(1), v.TotalPositions)
	assert.Equal(t, uint64(1), v.PendingComputations)
}

func TestPlaceBet_InsufficientFundsChangesNothing(t *testing.T) {
	h := newHarness(t)
	m := h.createMarket(1)

	in := h.betInput("alice", 1, 100, 100)
	in.Deposit = 500
	_, err := h.svc.PlaceBet(h.ctx, "alice", 1, in)
	assert.ErrorIs(t, err, types.ErrInsufficientFunds)

	v := h.view(1)
	assert.Zero(t, v.TotalPositions)
	assert.Zero(t, v.PendingComputations)
	assert.Equal(t, uint64(100), h.balance("alice"))
	assert.Zero(t, h.balance(m.Vault))
	assert.Zero(t, h.cluster.Pending())

	_, err = h.svc.GetOwnerPosition("alice", 1)
	assert.ErrorIs(t, err, types.ErrPositionNotFound)
}

func TestLifecycle_ValueIsConserved(t *testing.T) {
	h := newHarness(t)
	m := h.createMarket(1)

	alice := h.bet(1, "alice", types.OutcomeYes, 100)
	bob := h.bet(1, "bob", types.OutcomeYes, 300)
	carol := h.bet(1, "carol", types.OutcomeNo, 200)
	assert.Equal(t, uint64(600), h.balance(m.Vault))

	v := h.view(1)
	assert.Equal(t, uint64(3), v.PendingComputations)
	assert.Equal(t, uint64(1), v.StateVersion)

	h.deliver()

	v = h.view(1)
	assert.Zero(t, v.PendingComputations)
	assert.Equal(t, uint64(4), v.StateVersion)
	assert.Len(t, v.StateCommitment, 64)
	for _, p := range []*position.Position{alice, bob, carol} {
		got := h.position(1, p.PositionID)
		assert.Equal(t, position.StatusProcessed, got.Status)
		assert.False(t, got.Rejected)
	}

	h.resolve(1, types.OutcomeYes)
	for _, p := range []*position.Position{alice, bob, carol} {
		h.requestPayout(1, p)
	}
	h.deliver()

	assert.Equal(t, uint64(150), h.position(1, alice.PositionID).PayoutAmount)
	assert.Equal(t, uint64(450), h.position(1, bob.PositionID).PayoutAmount)
	assert.Zero(t, h.position(1, carol.PositionID).PayoutAmount)
	assert.Equal(t, market.StatusSettled, h.view(1).Status)

	resp, err := h.svc.ClaimPayout(h.ctx, "alice", 1, alice.PositionID)
	require.NoError(t, err)
	assert.Equal(t, uint64(150), resp.Amount)
	assert.Equal(t, string(position.StatusClaimed), resp.Status)

	_, err = h.svc.ClaimPayout(h.ctx, "bob", 1, bob.PositionID)
	require.NoError(t, err)

	_, err = h.svc.ClaimPayout(h.ctx, "carol", 1, carol.PositionID)
	assert.ErrorIs(t, err, types.ErrNoPayout)

	_, err = h.svc.ClaimPayout(h.ctx, "alice", 1, alice.PositionID)
	assert.ErrorIs(t, err, types.ErrAlreadyClaimed)

	_, err = h.svc.ClaimRefund(h.ctx, "alice", 1, alice.PositionID)
	assert.ErrorIs(t, err, types.ErrMarketNotCancelled)

	assert.Equal(t, uint64(150), h.balance("alice"))
	assert.Equal(t, uint64(450), h.balance("bob"))
	assert.Zero(t, h.balance("carol"))
	assert.Zero(t, h.balance(m.Vault))

	transfers, err := h.ledger.Transfers(1)
	require.NoError(t, err)
	assert.Len(t, transfers, 5)
}

func TestResolveMarket_Guards(t *testing.T) {
	h := newHarness(t)
	h.createMarket(1)

	_, err := h.svc.ResolveMarket(h.ctx, authority, 1, types.OutcomeYes)
	assert.ErrorIs(t, err, types.ErrBettingNotEnded)

	h.clock.Set(t0 + 100)
	_, err = h.svc.ResolveMarket(h.ctx, "mallory", 1, types.OutcomeYes)
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	_, err = h.svc.ResolveMarket(h.ctx, authority, 1, 2)
	assert.ErrorIs(t, err, types.ErrInvalidOutcome)

	// resolving straight from Open is allowed once betting has ended
	m, err := h.svc.ResolveMarket(h.ctx, authority, 1, types.OutcomeNo)
	require.NoError(t, err)
	assert.Equal(t, market.StatusResolved, m.Status)
	require.NotNil(t, m.WinningOutcome)
	assert.Equal(t, types.OutcomeNo, *m.WinningOutcome)

	_, err = h.svc.ResolveMarket(h.ctx, authority, 1, types.OutcomeYes)
	assert.ErrorIs(t, err, types.ErrMarketAlreadyResolved)

	_, err = h.svc.CancelMarket(h.ctx, authority, 1)
	assert.ErrorIs(t, err, types.ErrInvalidMarketStatus)
}

func TestCloseBetting_Guards(t *testing.T) {
	h := newHarness(t)
	h.createMarket(1)

	_, err := h.svc.CloseBetting(h.ctx, authority, 1)
	assert.ErrorIs(t, err, types.ErrBettingNotEnded)

	h.clock.Set(t0 + 100)
	_, err = h.svc.CloseBetting(h.ctx, "mallory", 1)
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	m, err := h.svc.CloseBetting(h.ctx, authority, 1)
	require.NoError(t, err)
	assert.Equal(t, market.StatusBettingClosed, m.Status)

	_, err = h.svc.CloseBetting(h.ctx, authority, 1)
	assert.ErrorIs(t, err, types.ErrInvalidMarketStatus)
}

func TestCancelMarket_Refunds(t *testing.T) {
	h := newHarness(t)
	m := h.createMarket(1)

	alice := h.bet(1, "alice", types.OutcomeYes, 100)
	h.deliver()
	bob := h.bet(1, "bob", types.OutcomeNo, 70)

	_, err := h.svc.ClaimRefund(h.ctx, "alice", 1, alice.PositionID)
	assert.ErrorIs(t, err, types.ErrMarketNotCancelled)

	_, err = h.svc.CancelMarket(h.ctx, "mallory", 1)
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	cancelled, err := h.svc.CancelMarket(h.ctx, authority, 1)
	require.NoError(t, err)
	assert.Equal(t, market.StatusCancelled, cancelled.Status)

	_, err = h.svc.ClaimRefund(h.ctx, "bob", 1, alice.PositionID)
	assert.ErrorIs(t, err, types.ErrNotOwner)

	resp, err := h.svc.ClaimRefund(h.ctx, "alice", 1, alice.PositionID)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), resp.Amount)

	// bob's aggregation is still in flight
	resp, err = h.svc.ClaimRefund(h.ctx, "bob", 1, bob.PositionID)
	require.NoError(t, err)
	assert.Equal(t, uint64(70), resp.Amount)

	_, err = h.svc.ClaimRefund(h.ctx, "alice", 1, alice.PositionID)
	assert.ErrorIs(t, err, types.ErrAlreadyClaimed)

	// the late result still advances the pool but leaves the refund alone
	h.deliver()
	assert.Equal(t, uint64(3), h.view(1).StateVersion)
	assert.Equal(t, position.StatusRefunded, h.position(1, bob.PositionID).Status)

	assert.Equal(t, uint64(100), h.balance("alice"))
	assert.Equal(t, uint64(70), h.balance("bob"))
	assert.Zero(t, h.balance(m.Vault))
}

func TestInvalidBetIsRejectedAndRefundable(t *testing.T) {
	h := newHarness(t)
	m := h.createMarket(1)

	bad, err := h.svc.PlaceBet(h.ctx, "alice", 1, h.betInput("alice", 2, 100, 100))
	require.NoError(t, err)
	// encrypted amount differs from the escrowed deposit
	mismatch, err := h.svc.PlaceBet(h.ctx, "bob", 1, h.betInput("bob", 1, 999, 100))
	require.NoError(t, err)
	good := h.bet(1, "carol", types.OutcomeNo, 40)

	h.deliver()
	assert.Equal(t, uint64(4), h.view(1).StateVersion)

	for _, p := range []*position.Position{bad, mismatch} {
		got := h.position(1, p.PositionID)
		assert.Equal(t, position.StatusProcessed, got.Status)
		assert.True(t, got.Rejected)
		assert.Equal(t, position.ReasonInvalidBet, got.RejectReason)
	}
	assert.False(t, h.position(1, good.PositionID).Rejected)

	// rejected deposits come back while the market is still open
	resp, err := h.svc.ClaimRefund(h.ctx, "alice", 1, bad.PositionID)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), resp.Amount)

	_, err = h.svc.ClaimRefund(h.ctx, "carol", 1, good.PositionID)
	assert.ErrorIs(t, err, types.ErrMarketNotCancelled)

	h.resolve(1, types.OutcomeNo)
	_, err = h.svc.RequestPayout(h.ctx, "bob", 1, mismatch.PositionID, h.requestID())
	assert.ErrorIs(t, err, types.ErrInvalidPositionStatus)

	// only carol counts, so the market settles once her payout lands
	h.requestPayout(1, good)
	h.deliver()
	assert.Equal(t, uint64(40), h.position(1, good.PositionID).PayoutAmount)
	assert.Equal(t, market.StatusSettled, h.view(1).Status)

	_, err = h.svc.ClaimRefund(h.ctx, "bob", 1, mismatch.PositionID)
	require.NoError(t, err)
	_, err = h.svc.ClaimPayout(h.ctx, "carol", 1, good.PositionID)
	require.NoError(t, err)
	assert.Zero(t, h.balance(m.Vault))
}

func TestRequestPayout_Guards(t *testing.T) {
	h := newHarness(t)
	h.createMarket(1)

	alice := h.bet(1, "alice", types.OutcomeYes, 100)
	h.deliver()
	bob := h.bet(1, "bob", types.OutcomeNo, 50)

	_, err := h.svc.RequestPayout(h.ctx, "alice", 1, alice.PositionID, h.requestID())
	assert.ErrorIs(t, err, types.ErrMarketNotResolved)

	h.resolve(1, types.OutcomeYes)

	_, err = h.svc.RequestPayout(h.ctx, "alice", 1, alice.PositionID, h.requestID())
	assert.ErrorIs(t, err, types.ErrAggregationPending)

	_, err = h.svc.RequestPayout(h.ctx, "alice", 1, bob.PositionID, h.requestID())
	assert.ErrorIs(t, err, types.ErrNotOwner)

	h.deliver()

	_, err = h.svc.RequestPayout(h.ctx, "alice", 1, alice.PositionID, alice.ComputationID)
	assert.ErrorIs(t, err, types.ErrInvalidRequestID)

	// the authority may trigger payouts on behalf of bettors
	_, err = h.svc.RequestPayout(h.ctx, authority, 1, alice.PositionID, h.requestID())
	require.NoError(t, err)

	_, err = h.svc.RequestPayout(h.ctx, "alice", 1, alice.PositionID, h.requestID())
	assert.ErrorIs(t, err, types.ErrComputationInFlight)

	h.deliver()
	_, err = h.svc.RequestPayout(h.ctx, "alice", 1, alice.PositionID, h.requestID())
	assert.ErrorIs(t, err, types.ErrInvalidPositionStatus)

	_, err = h.svc.ClaimPayout(h.ctx, "alice", 1, bob.PositionID)
	assert.ErrorIs(t, err, types.ErrNotOwner)

	_, err = h.svc.ClaimPayout(h.ctx, "bob", 1, bob.PositionID)
	assert.ErrorIs(t, err, types.ErrPayoutNotComputed)
}

func TestPositionAccess(t *testing.T) {
	h := newHarness(t)
	h.createMarket(1)
	h.createMarket(2)
	alice := h.bet(1, "alice", types.OutcomeYes, 100)

	got, err := h.svc.GetPosition("alice", 1, alice.PositionID)
	require.NoError(t, err)
	assert.Equal(t, alice.PositionID, got.PositionID)

	_, err = h.svc.GetPosition("bob", 1, alice.PositionID)
	assert.ErrorIs(t, err, types.ErrNotOwner)

	_, err = h.svc.GetPosition("alice", 2, alice.PositionID)
	assert.ErrorIs(t, err, types.ErrInvalidPosition)

	own, err := h.svc.GetOwnerPosition("alice", 1)
	require.NoError(t, err)
	assert.Equal(t, alice.PositionID, own.PositionID)

	positions, err := h.svc.ListPositions(1)
	require.NoError(t, err)
	assert.Len(t, positions, 1)

	open, err := h.svc.ListMarkets(market.StatusOpen)
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestGetOdds(t *testing.T) {
	h := newHarness(t)
	h.createMarket(1)

	h.bet(1, "alice", types.OutcomeYes, 100)
	h.bet(1, "bob", types.OutcomeNo, 300)
	h.deliver()

	odds, err := h.svc.GetOdds(h.ctx, 1, types.OutcomeYes, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(3_000_000_000), odds.Odds)
	assert.Equal(t, uint64(1_000_000_000), odds.Scale)

	_, err = h.svc.GetOdds(h.ctx, 1, 2, 0)
	assert.ErrorIs(t, err, types.ErrInvalidOutcome)

	_, err = h.svc.GetOdds(h.ctx, 42, types.OutcomeYes, 0)
	assert.ErrorIs(t, err, types.ErrMarketNotFound)
}
