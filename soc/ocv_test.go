package soc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOCVLookup(t *testing.T) {
	table, err := NewOCVTable(testConfig().OCVTable)
	require.NoError(t, err)

	assert.Equal(t, 50.0, table.Lookup(3600))
	assert.InDelta(t, 30.0, table.Lookup(3450), 1e-9)
	assert.InDelta(t, 95.0, table.Lookup(4100), 1e-9)

	// Clamped at both ends.
	assert.Equal(t, 0.0, table.Lookup(2500))
	assert.Equal(t, 100.0, table.Lookup(4500))
}

func TestOCVLookupMonotonic(t *testing.T) {
	table, err := NewOCVTable(testConfig().OCVTable)
	require.NoError(t, err)

	prev := table.Lookup(2800)
	for mv := 2800.0; mv <= 4400; mv += 7 {
		soc := table.Lookup(mv)
		assert.GreaterOrEqual(t, soc, prev, "soc decreased at %.0fmV", mv)
		assert.GreaterOrEqual(t, soc, 0.0)
		assert.LessOrEqual(t, soc, 100.0)
		prev = soc
	}
}

func TestOCVTableRejectsBadTables(t *testing.T) {
	tests := []struct {
		name   string
		points []OCVPoint
	}{
		{"single point", []OCVPoint{{MV: 3000, SoC: 0}}},
		{"repeated voltage", []OCVPoint{{MV: 3000, SoC: 0}, {MV: 3000, SoC: 10}}},
		{"decreasing voltage", []OCVPoint{{MV: 3500, SoC: 0}, {MV: 3000, SoC: 10}}},
		{"decreasing soc", []OCVPoint{{MV: 3000, SoC: 20}, {MV: 3500, SoC: 10}}},
		{"soc above 100", []OCVPoint{{MV: 3000, SoC: 0}, {MV: 3500, SoC: 101}}},
		{"negative voltage", []OCVPoint{{MV: -1, SoC: 0}, {MV: 3500, SoC: 100}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewOCVTable(tc.points)
			assert.Error(t, err)
		})
	}
}

func TestOCVPointsIsACopy(t *testing.T) {
	table, err := NewOCVTable(testConfig().OCVTable)
	require.NoError(t, err)
	points := table.Points()
	points[0].SoC = 42
	assert.Equal(t, 0.0, table.Lookup(3000))
}
