package compute

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ksred/darkpool-api/internal/circuit"
	"github.com/ksred/darkpool-api/internal/types"
	"github.com/rs/zerolog/log"
)

// LocalCluster is a deterministic plaintext stand-in for the confidential
// compute network. Submitted requests are evaluated in submission order when
// the caller takes their results; delivery is then driven by the caller, in
// any order and any number of times, which is what the result path must
// tolerate.
type LocalCluster struct {
	mu       sync.Mutex
	keys     KeyPair
	stateKey [32]byte
	signer   *Signer
	inFlight map[uint64]struct{}
	queue    []Request
	results  map[uint64]map[uint64]clusterPool // market id -> request id -> aggregate after it
	counter  uint64
}

// clusterPool is an aggregate the cluster produced
type clusterPool struct {
	version uint64
	totals  circuit.PoolTotals
}

// LocalClusterConfig holds the stand-in's key material
type LocalClusterConfig struct {
	Keys     KeyPair
	StateKey [32]byte
	Identity Identity
}

func NewLocalCluster(cfg LocalClusterConfig) *LocalCluster {
	return &LocalCluster{
		keys:     cfg.Keys,
		stateKey: cfg.StateKey,
		signer:   NewSigner(cfg.Identity),
		inFlight: make(map[uint64]struct{}),
		results:  make(map[uint64]map[uint64]clusterPool),
	}
}

// PublicKey is the key bettors encrypt to
func (c *LocalCluster) PublicKey() types.PubKey {
	return c.keys.Public
}

// Submit checks the request's operand layout and queues it for evaluation
func (c *LocalCluster) Submit(ctx context.Context, req Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.inFlight[req.ID]; ok {
		return fmt.Errorf("%w: %d", types.ErrRequestInFlight, req.ID)
	}

	var err error
	switch req.Kind {
	case KindAggregate:
		err = expectOperands(req.Operands, aggregateOperands...)
	case KindPayout:
		err = expectOperands(req.Operands, payoutOperands...)
	default:
		err = fmt.Errorf("unknown computation kind %q", req.Kind)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrClusterUnavailable, err)
	}

	c.inFlight[req.ID] = struct{}{}
	c.queue = append(c.queue, req)
	return nil
}

// Pending reports how many submitted requests have not been taken yet
func (c *LocalCluster) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Take evaluates every queued request in submission order and returns the
// signed callbacks. A request whose evaluation fails produces no callback.
func (c *LocalCluster) Take() []Callback {
	c.mu.Lock()
	defer c.mu.Unlock()

	queue := c.queue
	c.queue = nil

	out := make([]Callback, 0, len(queue))
	for _, req := range queue {
		delete(c.inFlight, req.ID)

		var (
			payload []byte
			err     error
		)
		if req.Kind == KindAggregate {
			payload, err = c.aggregate(req)
		} else {
			payload, err = c.payout(req)
		}
		if err != nil {
			log.Warn().
				Err(err).
				Uint64("request_id", req.ID).
				Str("kind", string(req.Kind)).
				Msg("local cluster failed to evaluate computation")
			continue
		}

		out = append(out, Callback{
			RequestID:   req.ID,
			Payload:     payload,
			Attestation: c.signer.Sign(req.Kind, req.ID, payload),
		})
		log.Debug().
			Uint64("request_id", req.ID).
			Str("kind", string(req.Kind)).
			Uint64("market_id", req.MarketID).
			Msg("local cluster evaluated computation")
	}
	return out
}

// Deliver hands every taken callback to fn, stopping at the first error
func (c *LocalCluster) Deliver(ctx context.Context, fn func(context.Context, Callback) error) error {
	for _, cb := range c.Take() {
		if err := fn(ctx, cb); err != nil {
			return err
		}
	}
	return nil
}

// Drop forgets a queued request without evaluating it, like a cluster that
// never runs it. It reports whether the request was queued.
func (c *LocalCluster) Drop(requestID uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.inFlight[requestID]; !ok {
		return false
	}
	delete(c.inFlight, requestID)
	for i, req := range c.queue {
		if req.ID == requestID {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			break
		}
	}
	return true
}

// QuoteOdds opens a pool snapshot and returns only the implied odds
func (c *LocalCluster) QuoteOdds(ctx context.Context, state []byte, outcome uint8, amount uint64) (uint64, error) {
	totals, err := OpenSnapshot(c.stateKey, state)
	if err != nil {
		return 0, err
	}
	return circuit.ImpliedOdds(outcome, amount, totals.Yes, totals.No)
}

// aggregate runs validate_bet and folds the result into the market's pool.
// A bet whose encrypted amount differs from the escrowed deposit is treated
// as invalid.
func (c *LocalCluster) aggregate(req Request) ([]byte, error) {
	pub, nonce := pubKeyOf(req.Operands[0]), nonceOf(req.Operands[1])
	deposit := binary.LittleEndian.Uint64(req.Operands[4].Bytes)

	outcome, amount, err := DecryptBet(c.keys, pub, nonce, req.Operands[2].Bytes, req.Operands[3].Bytes)
	if err != nil {
		return nil, err
	}

	bet := circuit.ValidateBet(outcome, amount)
	if bet.Valid() && bet.Amount != deposit {
		bet = circuit.BetValidation{}
	}

	lineage := lineageOf(req.Operands)
	base, err := c.base(req.MarketID, lineage)
	if err != nil {
		return nil, err
	}
	next, err := base.totals.Add(bet)
	if err != nil {
		return nil, err
	}

	c.counter++
	var outNonce types.Nonce
	binary.LittleEndian.PutUint64(outNonce[0:8], c.counter)
	binary.LittleEndian.PutUint64(outNonce[8:16], req.MarketID)
	next.Salt = c.counter

	snapshot, err := SealSnapshot(c.stateKey, outNonce, next)
	if err != nil {
		return nil, err
	}

	var commitment types.Commitment
	copy(commitment[:16], outNonce[:])

	result := AggregateResult{
		BaseVersion: base.version,
		Accepted:    bet.Valid(),
		Commitment:  commitment,
		Snapshot:    snapshot,
	}
	c.remember(req.MarketID, req.ID, lineage.After, clusterPool{version: base.version + 1, totals: next})
	return result.Encode(), nil
}

// payout runs compute_payout against the snapshot the core supplied
func (c *LocalCluster) payout(req Request) ([]byte, error) {
	pub, nonce := pubKeyOf(req.Operands[0]), nonceOf(req.Operands[1])
	winning := req.Operands[2].Bytes[0]
	deposit := binary.LittleEndian.Uint64(req.Operands[3].Bytes)

	outcome, _, err := DecryptBet(c.keys, pub, nonce, req.Operands[4].Bytes, req.Operands[5].Bytes)
	if err != nil {
		return nil, err
	}
	totals, err := OpenSnapshot(c.stateKey, req.Operands[6].Bytes)
	if err != nil {
		return nil, err
	}

	winPool, losePool := totals.Sides(winning)
	payout, err := circuit.ComputePayout(outcome, deposit, winning, winPool, losePool)
	if err != nil {
		return nil, err
	}
	return PayoutResult{Payout: payout}.Encode(), nil
}

// base picks the aggregate a Flow A request extends. A predecessor that never
// ran here was dropped, and the core will skip it, so the core's snapshot is
// the right base in that case too.
func (c *LocalCluster) base(marketID uint64, l Lineage) (clusterPool, error) {
	if l.After != 0 {
		if p, ok := c.results[marketID][l.After]; ok {
			return p, nil
		}
	}
	totals, err := OpenSnapshot(c.stateKey, l.State)
	if err != nil {
		return clusterPool{}, err
	}
	return clusterPool{version: l.StateVersion, totals: totals}, nil
}

// remember keeps the aggregate a request produced for the request behind it.
// Request ids increase per market, so nothing older than after can be named
// as a predecessor again.
func (c *LocalCluster) remember(marketID, requestID, after uint64, p clusterPool) {
	results, ok := c.results[marketID]
	if !ok {
		results = make(map[uint64]clusterPool)
		c.results[marketID] = results
	}
	for id := range results {
		if id < after || after == 0 {
			delete(results, id)
		}
	}
	results[requestID] = p
}

var (
	aggregateOperands = []OperandKind{OperandPubKey, OperandPlainU128, OperandCiphertext, OperandCiphertext, OperandPlainU64, OperandPlainU64, OperandState, OperandPlainU64}
	payoutOperands    = []OperandKind{OperandPubKey, OperandPlainU128, OperandPlainU8, OperandPlainU64, OperandCiphertext, OperandCiphertext, OperandState}
)

var operandSizes = map[OperandKind]int{
	OperandPubKey:     32,
	OperandCiphertext: types.CiphertextSize,
	OperandPlainU8:    1,
	OperandPlainU64:   8,
	OperandPlainU128:  16,
}

func expectOperands(ops []Operand, kinds ...OperandKind) error {
	if len(ops) != len(kinds) {
		return fmt.Errorf("expected %d operands, got %d", len(kinds), len(ops))
	}
	for i, k := range kinds {
		if ops[i].Kind != k {
			return fmt.Errorf("operand %d: expected kind %d, got %d", i, k, ops[i].Kind)
		}
		if size, fixed := operandSizes[k]; fixed && len(ops[i].Bytes) != size {
			return fmt.Errorf("operand %d: expected %d bytes, got %d", i, size, len(ops[i].Bytes))
		}
		if k == OperandState && len(ops[i].Bytes) > types.MaxEncryptedStateSize {
			return fmt.Errorf("operand %d: state exceeds %d bytes", i, types.MaxEncryptedStateSize)
		}
	}
	return nil
}

func lineageOf(ops []Operand) Lineage {
	return Lineage{
		StateVersion: binary.LittleEndian.Uint64(ops[5].Bytes),
		State:        ops[6].Bytes,
		After:        binary.LittleEndian.Uint64(ops[7].Bytes),
	}
}

func pubKeyOf(op Operand) types.PubKey {
	var k types.PubKey
	copy(k[:], op.Bytes)
	return k
}

func nonceOf(op Operand) types.Nonce {
	var n types.Nonce
	copy(n[:], op.Bytes)
	return n
}
