package compute

import (
	"encoding/binary"
	"fmt"

	"github.com/ksred/darkpool-api/internal/types"
)

// AggregateResult is the decoded Flow A payload. Accepted only says whether
// the bet passed validation; it carries nothing about the side it was placed on.
type AggregateResult struct {
	BaseVersion uint64
	Accepted    bool
	Commitment  types.Commitment
	Snapshot    []byte
}

// PayoutResult is the decoded Flow B payload
type PayoutResult struct {
	Payout uint64
}

const aggregateHeaderSize = 8 + 1 + types.CommitmentSize + 2

// Encode lays the result out as
// base_version(8 LE) | accepted(1) | commitment(32) | snapshot_len(2 LE) | snapshot
func (r AggregateResult) Encode() []byte {
	buf := make([]byte, aggregateHeaderSize+len(r.Snapshot))
	binary.LittleEndian.PutUint64(buf[0:8], r.BaseVersion)
	if r.Accepted {
		buf[8] = 1
	}
	copy(buf[9:9+types.CommitmentSize], r.Commitment[:])
	binary.LittleEndian.PutUint16(buf[41:43], uint16(len(r.Snapshot)))
	copy(buf[aggregateHeaderSize:], r.Snapshot)
	return buf
}

// DecodeAggregateResult parses and bounds-checks a Flow A payload
func DecodeAggregateResult(payload []byte) (AggregateResult, error) {
	var r AggregateResult
	if len(payload) < aggregateHeaderSize {
		return r, fmt.Errorf("%w: aggregate payload too short (%d bytes)", types.ErrInvalidComputation, len(payload))
	}

	switch payload[8] {
	case 0:
	case 1:
		r.Accepted = true
	default:
		return r, fmt.Errorf("%w: accepted flag %d", types.ErrInvalidComputation, payload[8])
	}

	n := int(binary.LittleEndian.Uint16(payload[41:43]))
	if n == 0 || n > types.MaxEncryptedStateSize {
		return r, fmt.Errorf("%w: snapshot length %d", types.ErrInvalidComputation, n)
	}
	if len(payload) != aggregateHeaderSize+n {
		return r, fmt.Errorf("%w: payload length %d does not match snapshot length %d", types.ErrInvalidComputation, len(payload), n)
	}

	r.BaseVersion = binary.LittleEndian.Uint64(payload[0:8])
	copy(r.Commitment[:], payload[9:9+types.CommitmentSize])
	r.Snapshot = make([]byte, n)
	copy(r.Snapshot, payload[aggregateHeaderSize:])
	return r, nil
}

// Encode writes the payout as a single 32 byte word, little-endian u64 first
func (r PayoutResult) Encode() []byte {
	buf := make([]byte, types.CiphertextSize)
	binary.LittleEndian.PutUint64(buf[:8], r.Payout)
	return buf
}

// DecodePayoutResult parses a Flow B payload
func DecodePayoutResult(payload []byte) (PayoutResult, error) {
	if len(payload) != types.CiphertextSize {
		return PayoutResult{}, fmt.Errorf("%w: payout payload is %d bytes", types.ErrInvalidComputation, len(payload))
	}
	for _, b := range payload[8:] {
		if b != 0 {
			return PayoutResult{}, fmt.Errorf("%w: payout word has high bits set", types.ErrInvalidComputation)
		}
	}
	return PayoutResult{Payout: binary.LittleEndian.Uint64(payload[:8])}, nil
}
