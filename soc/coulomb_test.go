package soc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCoulombRoundTrip(t *testing.T) {
	cfg := testConfig()
	cfg.InitialSoCPercent = 100
	cfg.CoulombicEffDischarge = 0.9
	cfg.CoulombicEffCharge = 0.95
	a := NewChargeAccumulator(cfg)
	assert.InDelta(t, 2000.0, a.RemainingMAh(), 1e-9)

	// 1A for an hour at 90% removes 900mAh.
	for i := 0; i < 3600; i++ {
		a.Integrate(1000, 0, 1)
	}
	assert.InDelta(t, 1100.0, a.RemainingMAh(), 1e-6)
	assert.InDelta(t, -900.0, a.ThroughputMAh(), 1e-6)

	// 500mA of charge for an hour at 95% adds 475mAh.
	a.Integrate(-500, 0, 3600)
	assert.InDelta(t, 1575.0, a.RemainingMAh(), 1e-6)
	assert.InDelta(t, 78.75, a.SoC(), 1e-6)
}

func TestCoulombClamps(t *testing.T) {
	a := NewChargeAccumulator(testConfig())
	a.Integrate(-10000, 0, 3600)
	assert.Equal(t, 100.0, a.SoC())
	a.Integrate(10000, 0, 3600)
	a.Integrate(10000, 0, 3600)
	assert.Equal(t, 0.0, a.SoC())
	assert.Equal(t, 0.0, a.RemainingMAh())
}

func TestCoulombBleed(t *testing.T) {
	a := NewChargeAccumulator(testConfig())
	before := a.RemainingMAh()
	a.Integrate(0, 36, 100)
	assert.InDelta(t, before-1, a.RemainingMAh(), 1e-9)
}

func TestCoulombConfidenceDecay(t *testing.T) {
	a := NewChargeAccumulator(testConfig())
	assert.Equal(t, 0.0, a.Confidence())
	a.Integrate(0, 0, 1)
	assert.Equal(t, 0.0, a.Confidence(), "floored at 0")

	a.SetConfidence(1)
	for i := 0; i < 100; i++ {
		a.Integrate(100, 0, 1)
	}
	assert.InDelta(t, 0.9, a.Confidence(), 1e-9)
}

func TestCoulombSetCapacityKeepsSoC(t *testing.T) {
	a := NewChargeAccumulator(testConfig())
	a.SetSoC(40)
	a.SetCapacity(2500)
	assert.InDelta(t, 40.0, a.SoC(), 1e-9)
	assert.InDelta(t, 1000.0, a.RemainingMAh(), 1e-9)
}
