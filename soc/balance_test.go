package soc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectBalanceCells(t *testing.T) {
	tests := []struct {
		name  string
		cells []int
		duty  float64
		mask  uint8
	}{
		{"balanced", []int{3700, 3701, 3702, 3700}, 0.5, 0},
		{"one high cell", []int{3650, 3800, 3650, 3650}, 0.5, 0b0010},
		{"neighbour skipped", []int{3700, 3800, 3790, 3650}, 0.5, 0b0010},
		{"non neighbours", []int{3800, 3700, 3790, 3650}, 0.5, 0b0101},
		{"exactly at threshold", []int{3700, 3650, 3650, 3650}, 0.5, 0},
		{"full duty", []int{3651, 3650, 3650, 3652}, 1, 0b1001},
		{"zero duty", []int{3740, 3650, 3650, 3760}, 0, 0b1000},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.mask, SelectBalanceCells(tc.cells, tc.duty))
		})
	}
}

func balanceConfig() Config {
	cfg := testConfig()
	cfg.Balance = &BalanceConfig{Enabled: true, CurrentMAPerCell: 50, Duty: 0.5}
	return cfg
}

func TestSupervisorWritesMaskOnChange(t *testing.T) {
	sink := &fakeSink{}
	s := newTestSupervisor(balanceConfig(), sink)

	require.NoError(t, s.Balance([]int{3700, 3700, 3700, 3700}))
	assert.Empty(t, sink.masks)

	require.NoError(t, s.Balance([]int{3650, 3800, 3650, 3650}))
	require.NoError(t, s.Balance([]int{3650, 3800, 3650, 3650}))
	assert.Equal(t, []uint8{0b0010}, sink.masks)
	assert.Equal(t, 1, s.BalancingCells())

	s.Latch(FaultThermal)
	require.NoError(t, s.Balance([]int{3650, 3800, 3650, 3650}))
	assert.Equal(t, []uint8{0b0010, 0}, sink.masks)
	assert.Equal(t, uint8(0), s.Mask())
}

func TestSupervisorBalanceDisabled(t *testing.T) {
	sink := &fakeSink{}
	s := newTestSupervisor(testConfig(), sink)
	require.NoError(t, s.Balance([]int{3650, 3800, 3650, 3650}))
	assert.Empty(t, sink.masks)
}
