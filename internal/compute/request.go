// Package compute implements the request/result protocol spoken with the
// confidential compute cluster: operand packaging, result payload codecs,
// attestation checks and the table of in-flight requests.
package compute

import (
	"context"
	"encoding/binary"

	"github.com/ksred/darkpool-api/internal/types"
)

// Kind identifies which confidential computation a request runs
type Kind string

const (
	// KindAggregate folds one encrypted bet into the market's pool
	KindAggregate Kind = "AGGREGATE"
	// KindPayout computes one position's payout after resolution
	KindPayout Kind = "PAYOUT"
)

// OperandKind tags how the cluster should interpret an operand
type OperandKind uint8

const (
	OperandPubKey OperandKind = iota + 1
	OperandCiphertext
	OperandPlainU8
	OperandPlainU64
	OperandPlainU128
	OperandState
)

// Operand is one argument of a confidential computation
type Operand struct {
	Kind  OperandKind `json:"kind"`
	Bytes []byte      `json:"bytes"`
}

// Request is a computation handed to the cluster
type Request struct {
	ID         uint64    `json:"request_id"`
	Kind       Kind      `json:"kind"`
	MarketID   uint64    `json:"market_id"`
	PositionID string    `json:"position_id"`
	Operands   []Operand `json:"operands"`
}

// Attestation binds a result to the cluster's signing material and to the
// request it answers
type Attestation struct {
	KeyID     string `json:"key_id" binding:"required"`
	Signature []byte `json:"signature" binding:"required"`
}

// Callback is what the cluster delivers once a computation finished
type Callback struct {
	RequestID   uint64      `json:"request_id" binding:"required"`
	Payload     []byte      `json:"payload" binding:"required"`
	Attestation Attestation `json:"attestation" binding:"required"`
}

// Provider submits computations to a cluster. Results come back
// asynchronously through the callback path.
type Provider interface {
	Submit(ctx context.Context, req Request) error
}

// OddsQuoter is implemented by clusters that can price a prospective bet
// against an encrypted pool snapshot.
type OddsQuoter interface {
	QuoteOdds(ctx context.Context, state []byte, outcome uint8, amount uint64) (uint64, error)
}

// ArgBuilder assembles an ordered operand list
type ArgBuilder struct {
	ops []Operand
}

func NewArgBuilder() *ArgBuilder {
	return &ArgBuilder{}
}

func (b *ArgBuilder) PubKey(k types.PubKey) *ArgBuilder {
	return b.add(OperandPubKey, k[:])
}

func (b *ArgBuilder) PlainU128(n types.Nonce) *ArgBuilder {
	return b.add(OperandPlainU128, n[:])
}

func (b *ArgBuilder) Ciphertext(ct []byte) *ArgBuilder {
	return b.add(OperandCiphertext, ct)
}

func (b *ArgBuilder) PlainU8(v uint8) *ArgBuilder {
	return b.add(OperandPlainU8, []byte{v})
}

func (b *ArgBuilder) PlainU64(v uint64) *ArgBuilder {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return b.add(OperandPlainU64, buf)
}

func (b *ArgBuilder) State(state []byte) *ArgBuilder {
	return b.add(OperandState, state)
}

func (b *ArgBuilder) Build() []Operand {
	return b.ops
}

func (b *ArgBuilder) add(kind OperandKind, data []byte) *ArgBuilder {
	cp := make([]byte, len(data))
	copy(cp, data)
	b.ops = append(b.ops, Operand{Kind: kind, Bytes: cp})
	return b
}

// Lineage names the aggregate a Flow A result must extend: the core's current
// snapshot and version, and the still open request just ahead of it, if any.
// The cluster builds on its own result for After when it has one and on the
// core's snapshot otherwise, so a request the core gave up on never forks
// the chain of later requests.
type Lineage struct {
	StateVersion uint64
	State        []byte
	After        uint64
}

// AggregateRequest packages Flow A: the bettor's key material, both bet
// ciphertexts, the escrowed deposit the bet must match and the lineage the
// result extends.
func AggregateRequest(id, marketID uint64, positionID string, pub types.PubKey, nonce types.Nonce, encryptedBet []byte, deposit uint64, lineage Lineage) Request {
	args := NewArgBuilder().
		PubKey(pub).
		PlainU128(nonce).
		Ciphertext(encryptedBet[:types.CiphertextSize]).
		Ciphertext(encryptedBet[types.CiphertextSize:types.EncryptedBetSize]).
		PlainU64(deposit).
		PlainU64(lineage.StateVersion).
		State(lineage.State).
		PlainU64(lineage.After).
		Build()

	return Request{ID: id, Kind: KindAggregate, MarketID: marketID, PositionID: positionID, Operands: args}
}

// PayoutRequest packages Flow B. The pool snapshot travels encrypted; only
// the cluster can open it.
func PayoutRequest(id, marketID uint64, positionID string, pub types.PubKey, nonce types.Nonce, winningOutcome uint8, deposit uint64, encryptedBet, poolState []byte) Request {
	args := NewArgBuilder().
		PubKey(pub).
		PlainU128(nonce).
		PlainU8(winningOutcome).
		PlainU64(deposit).
		Ciphertext(encryptedBet[:types.CiphertextSize]).
		Ciphertext(encryptedBet[types.CiphertextSize:types.EncryptedBetSize]).
		State(poolState).
		Build()

	return Request{ID: id, Kind: KindPayout, MarketID: marketID, PositionID: positionID, Operands: args}
}
