package circuit_test

import (
	"math"
	"testing"

	"github.com/ksred/darkpool-api/internal/circuit"
	"github.com/ksred/darkpool-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateBet(t *testing.T) {
	tests := []struct {
		name    string
		outcome uint8
		amount  uint64
		want    circuit.BetValidation
	}{
		{"yes bet", 1, 100, circuit.BetValidation{Outcome: 1, Amount: 100, Success: 1}},
		{"no bet", 0, 42, circuit.BetValidation{Outcome: 0, Amount: 42, Success: 1}},
		{"bad outcome", 2, 100, circuit.BetValidation{}},
		{"max outcome", 255, 1, circuit.BetValidation{}},
		{"zero amount", 1, 0, circuit.BetValidation{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := circuit.ValidateBet(tt.outcome, tt.amount)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.Success == 1, got.Valid())
		})
	}
}

func TestComputePayout(t *testing.T) {
	tests := []struct {
		name                  string
		userOutcome, winning  uint8
		amount, winPool, lose uint64
		want                  uint64
	}{
		{"winner gets principal plus share", 1, 1, 100, 500, 300, 160},
		{"loser gets nothing", 0, 1, 100, 500, 300, 0},
		{"empty winning pool refunds principal", 1, 1, 100, 0, 300, 100},
		{"share is floored", 0, 0, 1, 3, 1, 1},
		{"no losing side", 1, 1, 50, 50, 0, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := circuit.ComputePayout(tt.userOutcome, tt.amount, tt.winning, tt.winPool, tt.lose)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestComputePayout_LargeOperandsDoNotWrap(t *testing.T) {
	// amount*losing overflows 64 bits but the result fits
	got, err := circuit.ComputePayout(1, math.MaxUint32*4, 1, math.MaxUint32*8, math.MaxUint32*8)
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint32*8), got)
}

func TestComputePayout_Overflow(t *testing.T) {
	_, err := circuit.ComputePayout(1, math.MaxUint64, 1, 1, 1)
	assert.ErrorIs(t, err, types.ErrOverflow)
}

func TestImpliedOdds(t *testing.T) {
	odds, err := circuit.ImpliedOdds(1, 0, 400, 600)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_500_000_000), odds)

	odds, err = circuit.ImpliedOdds(0, 0, 400, 600)
	require.NoError(t, err)
	assert.Equal(t, uint64(666_666_666), odds)

	odds, err = circuit.ImpliedOdds(1, 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, circuit.OddsScale, odds)

	// amount is added to both sides
	odds, err = circuit.ImpliedOdds(1, 100, 100, 300)
	require.NoError(t, err)
	assert.Equal(t, uint64(2_000_000_000), odds)
}

func TestImpliedOdds_NonBinaryOutcomePricedAsNo(t *testing.T) {
	no, err := circuit.ImpliedOdds(0, 10, 400, 600)
	require.NoError(t, err)
	other, err := circuit.ImpliedOdds(7, 10, 400, 600)
	require.NoError(t, err)
	assert.Equal(t, no, other)
}

func TestPoolTotalsAdd(t *testing.T) {
	var p circuit.PoolTotals

	p, err := p.Add(circuit.ValidateBet(1, 100))
	require.NoError(t, err)
	p, err = p.Add(circuit.ValidateBet(0, 40))
	require.NoError(t, err)
	p, err = p.Add(circuit.ValidateBet(3, 1000))
	require.NoError(t, err)

	assert.Equal(t, uint64(100), p.Yes)
	assert.Equal(t, uint64(40), p.No)
	assert.Equal(t, uint64(140), p.Deposits)
	assert.Equal(t, uint64(2), p.Count)

	win, lose := p.Sides(0)
	assert.Equal(t, uint64(40), win)
	assert.Equal(t, uint64(100), lose)
}

func TestPoolTotalsAdd_Overflow(t *testing.T) {
	p := circuit.PoolTotals{Yes: math.MaxUint64, Deposits: math.MaxUint64}
	next, err := p.Add(circuit.ValidateBet(1, 1))
	assert.ErrorIs(t, err, types.ErrOverflow)
	assert.Equal(t, p, next)
}
