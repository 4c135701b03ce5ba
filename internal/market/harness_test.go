package market_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/ksred/darkpool-api/internal/compute"
	"github.com/ksred/darkpool-api/internal/database"
	"github.com/ksred/darkpool-api/internal/ledger"
	"github.com/ksred/darkpool-api/internal/lock"
	"github.com/ksred/darkpool-api/internal/market"
	"github.com/ksred/darkpool-api/internal/position"
	"github.com/ksred/darkpool-api/internal/types"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	authority = "authority"
	t0        = int64(1_700_000_000)
)

var testIdentity = compute.Identity{KeyID: "test-cluster", Secret: []byte("attestation-secret")}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = time.Unix(ts, 0)
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	db      *gorm.DB
	svc     *market.Service
	cluster *compute.LocalCluster
	ledger  *ledger.Ledger
	clock   *fakeClock
	signer  *compute.Signer
	nextID  uint64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := database.Open(":memory:", false)
	require.NoError(t, err)

	keys, err := compute.GenerateKeyPair(bytes.NewReader(bytes.Repeat([]byte{0x42}, 32)))
	require.NoError(t, err)
	var stateKey [32]byte
	stateKey[0] = 0x99

	cluster := compute.NewLocalCluster(compute.LocalClusterConfig{Keys: keys, StateKey: stateKey, Identity: testIdentity})
	l := ledger.NewLedger(db)
	clock := &fakeClock{now: time.Unix(t0, 0)}

	svc := market.NewService(db, cluster, compute.NewVerifier(testIdentity), l, lock.NewLocalLocker(),
		market.WithClock(clock.Now),
		market.WithComputationTimeout(time.Minute),
		market.WithOddsQuoter(cluster),
	)

	return &harness{
		t:       t,
		ctx:     context.Background(),
		db:      db,
		svc:     svc,
		cluster: cluster,
		ledger:  l,
		clock:   clock,
		signer:  compute.NewSigner(testIdentity),
		nextID:  100,
	}
}

func (h *harness) requestID() uint64 {
	h.nextID++
	return h.nextID
}

// createMarket creates a market betting from t0+10 to t0+100, opens it and
// moves the clock into the betting window
func (h *harness) createMarket(id uint64) *market.Market {
	h.t.Helper()
	_, err := h.svc.CreateMarket(h.ctx, authority, market.CreateMarketRequest{
		MarketID:        id,
		Question:        "Will it rain tomorrow?",
		BettingStartTs:  t0 + 10,
		BettingEndTs:    t0 + 100,
		ResolutionEndTs: t0 + 1000,
	})
	require.NoError(h.t, err)
	m, err := h.svc.OpenMarket(h.ctx, authority, id)
	require.NoError(h.t, err)
	h.clock.Set(t0 + 10)
	return m
}

// betInput funds owner and encrypts (outcome, amount) for a deposit
func (h *harness) betInput(owner string, outcome uint8, amount, deposit uint64) market.BetInput {
	h.t.Helper()
	require.NoError(h.t, h.ledger.Credit(h.db, owner, deposit))
	return h.sealBet(outcome, amount, deposit)
}

// sealBet encrypts (outcome, amount) under a fresh bettor key without funding anyone
func (h *harness) sealBet(outcome uint8, amount, deposit uint64) market.BetInput {
	h.t.Helper()
	bettor, err := compute.GenerateKeyPair(rand.Reader)
	require.NoError(h.t, err)
	id := h.requestID()
	var nonce types.Nonce
	binary.LittleEndian.PutUint64(nonce[:], id)

	ct, err := compute.EncryptBet(bettor, h.cluster.PublicKey(), nonce, outcome, amount)
	require.NoError(h.t, err)
	return market.BetInput{RequestID: id, EncryptedBet: ct, UserPubKey: bettor.Public, Nonce: nonce, Deposit: deposit}
}

func (h *harness) bet(marketID uint64, owner string, outcome uint8, amount uint64) *position.Position {
	h.t.Helper()
	pos, err := h.svc.PlaceBet(h.ctx, owner, marketID, h.betInput(owner, outcome, amount, amount))
	require.NoError(h.t, err)
	return pos
}

// deliver applies every buffered cluster result in evaluation order
func (h *harness) deliver() {
	h.t.Helper()
	for _, cb := range h.cluster.Take() {
		require.NoError(h.t, h.svc.OnResult(h.ctx, cb))
	}
}

func (h *harness) position(marketID uint64, id string) *position.Position {
	h.t.Helper()
	pos, err := h.svc.GetPosition(authority, marketID, id)
	require.NoError(h.t, err)
	return pos
}

func (h *harness) view(marketID uint64) *market.MarketView {
	h.t.Helper()
	v, err := h.svc.GetMarket(marketID)
	require.NoError(h.t, err)
	return v
}

func (h *harness) balance(addr string) uint64 {
	h.t.Helper()
	b, err := h.ledger.Balance(addr)
	require.NoError(h.t, err)
	return b
}

// resolve ends betting and resolves the market with outcome
func (h *harness) resolve(marketID uint64, outcome uint8) {
	h.t.Helper()
	h.clock.Set(t0 + 100)
	_, err := h.svc.CloseBetting(h.ctx, authority, marketID)
	require.NoError(h.t, err)
	_, err = h.svc.ResolveMarket(h.ctx, authority, marketID, outcome)
	require.NoError(h.t, err)
}

func (h *harness) requestPayout(marketID uint64, pos *position.Position) {
	h.t.Helper()
	_, err := h.svc.RequestPayout(h.ctx, pos.Owner, marketID, pos.PositionID, h.requestID())
	require.NoError(h.t, err)
}
