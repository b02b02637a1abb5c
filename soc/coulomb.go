package soc

import "math"

const mAsPerMAh = 3600.0

// ChargeAccumulator tracks remaining charge by integrating pack current.
type ChargeAccumulator struct {
	remainingMAs  float64
	capacityMAh   float64
	throughputMAs float64
	confidence    float64

	effDischarge float64
	effCharge    float64
	decay        float64
}

func NewChargeAccumulator(cfg Config) *ChargeAccumulator {
	a := &ChargeAccumulator{
		capacityMAh:  cfg.DesignCapacityMAh,
		effDischarge: cfg.CoulombicEffDischarge,
		effCharge:    cfg.CoulombicEffCharge,
		decay:        cfg.ConfidenceDecayPerCycle,
	}
	a.SetSoC(cfg.InitialSoCPercent)
	return a
}

// Integrate applies dt seconds of dischargeMA (positive = discharge) plus any extra bleed
// current that leaves the pack without passing the sense resistor. It returns the change
// in remaining charge in mAs. Confidence decays on every call.
func (a *ChargeAccumulator) Integrate(dischargeMA, bleedMA, dt float64) float64 {
	a.confidence = math.Max(0, a.confidence-a.decay)
	if dt <= 0 {
		return 0
	}
	delta := dischargeMA * dt
	var change float64
	if delta > 0 {
		change = -delta * a.effDischarge
	} else {
		change = -delta * a.effCharge
	}
	if bleedMA > 0 {
		change -= bleedMA * dt
	}

	before := a.remainingMAs
	a.remainingMAs = clamp(a.remainingMAs+change, 0, a.capacityMAs())
	a.throughputMAs += change
	return a.remainingMAs - before
}

func (a *ChargeAccumulator) capacityMAs() float64 {
	return a.capacityMAh * mAsPerMAh
}

// SoC returns the remaining charge as a percentage of capacity.
func (a *ChargeAccumulator) SoC() float64 {
	if a.capacityMAh <= 0 {
		return 0
	}
	return clamp(100*a.remainingMAs/a.capacityMAs(), 0, 100)
}

// SetSoC resets the remaining charge to the given percentage.
func (a *ChargeAccumulator) SetSoC(percent float64) {
	a.remainingMAs = clamp(percent, 0, 100) / 100 * a.capacityMAs()
}

func (a *ChargeAccumulator) RemainingMAh() float64 {
	return a.remainingMAs / mAsPerMAh
}

func (a *ChargeAccumulator) CapacityMAh() float64 {
	return a.capacityMAh
}

// SetCapacity changes the capacity while keeping the SoC percentage.
func (a *ChargeAccumulator) SetCapacity(mAh float64) {
	soc := a.SoC()
	a.capacityMAh = mAh
	a.SetSoC(soc)
}

// ThroughputMAh is the signed net charge moved since the throughput window was last reset.
// Negative values mean net discharge.
func (a *ChargeAccumulator) ThroughputMAh() float64 {
	return a.throughputMAs / mAsPerMAh
}

func (a *ChargeAccumulator) ResetThroughput() {
	a.throughputMAs = 0
}

func (a *ChargeAccumulator) Confidence() float64 {
	return a.confidence
}

func (a *ChargeAccumulator) SetConfidence(c float64) {
	a.confidence = clamp(c, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
