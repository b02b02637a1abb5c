/*
tc2-bms-controller - Battery state of charge estimation for the BQ769x0
Copyright (C) 2026, The Cacophony Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

// Package soc estimates the state of charge of a lithium-ion pack from periodic
// monitor readings. It combines coulomb counting with open circuit voltage
// readings taken while the pack is at rest, and learns the pack capacity from
// full to empty cycles.
package soc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/sirupsen/logrus"
)

// State is the part of the estimate worth keeping across restarts.
type State struct {
	SoCPercent   float64 `json:"socPercent"`
	RemainingMAh float64 `json:"remainingMAh"`
	CapacityMAh  float64 `json:"capacityMAh"`
}

// Engine runs one estimation step per sample. It is not safe for concurrent use;
// one goroutine must own it and apply commands between ticks.
type Engine struct {
	cfg     Config
	ocv     *OCVTable
	rest    *RestDetector
	accum   *ChargeAccumulator
	learner *Learner
	super   *Supervisor
	sink    CommandSink
	log     logrus.FieldLogger

	lastTS   float64
	haveLast bool
	anchor   AnchorState
	// trusted is false until the estimate has come from an anchor, a rest reading or
	// persisted state rather than the configured initial SoC.
	trusted bool
	out     Outputs
}

// NewEngine validates the configuration and returns an engine starting at the configured
// initial SoC with zero confidence. sink may be nil when there is no hardware to command.
func NewEngine(cfg Config, sink CommandSink, log logrus.FieldLogger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ocv, err := NewOCVTable(cfg.OCVTable)
	if err != nil {
		return nil, err
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	e := &Engine{
		cfg:     cfg,
		ocv:     ocv,
		rest:    NewRestDetector(cfg),
		accum:   NewChargeAccumulator(cfg),
		learner: NewLearner(cfg),
		super:   NewSupervisor(cfg, sink, log),
		sink:    sink,
		log:     log,
	}
	e.out = Outputs{Chemistry: cfg.Chemistry, Mode: modeText(HardwareStatus{})}
	e.fillEstimate(&e.out)
	return e, nil
}

// Tick takes one sample from src and runs a step with it.
func (e *Engine) Tick(ctx context.Context, src TelemetrySource) Outputs {
	sample, err := src.Sample(ctx)
	return e.Step(sample, err)
}

// Step runs one estimation step. When err is not nil the sample is ignored, the estimate is
// left untouched and the telemetry fault is latched.
func (e *Engine) Step(sample PackSample, err error) Outputs {
	if err != nil {
		var tf *TelemetryFault
		if !errors.As(err, &tf) {
			err = &TelemetryFault{Op: "sample", Err: err}
		}
		e.log.Warnf("Skipping tick: %v", err)
		e.super.Latch(FaultTelemetry)
		e.balance(nil)
		e.out.TelemetryOK = false
		e.fillSupervisor(&e.out)
		return e.Outputs()
	}

	out := Outputs{
		Timestamp:    sample.Timestamp,
		PackMV:       sample.PackMV,
		CellMV:       append([]int(nil), sample.CellMV...),
		MinCellMV:    sample.MinCellMV(),
		AvgCellMV:    sample.AvgCellMV(),
		CurrentMA:    e.dischargeCurrent(sample.CurrentMA),
		TemperatureC: sample.TemperatureC,
		Chemistry:    e.cfg.Chemistry,
		Mode:         modeText(sample.Status),
		DeviceReady:  !sample.Status.DeviceFault,
		CCReady:      sample.Status.CCReady,
		TelemetryOK:  true,
	}

	if cellCountMismatch(sample, e.cfg.CellCount) {
		e.log.Warnf("Expected %d cells above 0mV, got %v", e.cfg.CellCount, sample.CellMV)
		e.super.Observe(sample)
		e.balance(nil)
		e.fillEstimate(&out)
		e.fillSupervisor(&out)
		e.out = out
		return e.Outputs()
	}

	e.estimate(sample, out.CurrentMA)

	e.super.Observe(sample)
	e.balance(sample.CellMV)
	e.fillEstimate(&out)
	e.fillSupervisor(&out)
	e.out = out
	e.log.Debugf("soc=%.2f%% conf=%.3f cap=%.0fmAh I=%.0fmA rest=%s anchor=%s",
		out.SoCPercent, out.SoCConfidence, out.CapacityMAh, out.CurrentMA, out.RestState, out.AnchorState)
	return e.Outputs()
}

func (e *Engine) estimate(sample PackSample, dischargeMA float64) {
	e.rest.Update(sample)

	dt := 0.0
	if e.haveLast {
		dt = sample.Timestamp - e.lastTS
		if dt < 0 {
			dt = 0
		}
		if maxGap := e.cfg.maxSampleGapSeconds(); dt > maxGap {
			e.log.Warnf("Sample gap of %.1fs exceeds %.1fs, integrating one poll interval", dt, maxGap)
			dt = e.cfg.PollInterval.Seconds()
		}
	}
	e.lastTS = sample.Timestamp
	e.haveLast = true

	bleed := 0.0
	if e.cfg.BalanceEnabled() {
		bleed = float64(e.super.BalancingCells()) * e.cfg.Balance.CurrentMAPerCell * e.cfg.Balance.Duty
	}
	e.accum.Integrate(dischargeMA, bleed, dt)

	keyMV := e.keyVoltage(sample)
	anchor := e.learner.Detect(AnchorInput{
		Timestamp:   sample.Timestamp,
		KeyMV:       keyMV,
		DischargeMA: dischargeMA,
		Status:      sample.Status,
	})

	prevState := e.anchor
	switch {
	case anchor != AnchorNone:
		e.applyAnchor(anchor)
		if update := e.learner.Accept(anchor, e.accum.ThroughputMAh()); update != nil {
			e.accum.SetCapacity(update.LearnedMAh)
			e.log.Infof("Learned capacity %.0fmAh (observed %.0fmAh, was %.0fmAh)",
				update.LearnedMAh, update.ObservedMAh, update.PreviousMAh)
		}
		e.accum.ResetThroughput()
		if prevState != e.anchor {
			e.log.Infof("Hard anchor at %s (%.0fmV)", anchor, keyMV)
		}
	case e.rest.State() == AtRest:
		w := e.rest.Weight()
		ocvSoC := e.ocv.Lookup(keyMV)
		if !e.trusted {
			e.log.Infof("Taking SoC %.1f%% from the open circuit voltage (%.0fmV)", ocvSoC, keyMV)
			e.accum.SetSoC(ocvSoC)
			e.trusted = true
		} else {
			e.accum.SetSoC(BlendSoC(w, ocvSoC, e.accum.SoC()))
		}
		e.accum.SetConfidence(math.Max(e.accum.Confidence(), w))
		e.anchor = AnchorResting
	default:
		e.anchor = AnchorTransient
	}
}

func (e *Engine) applyAnchor(a Anchor) {
	e.accum.SetSoC(a.soc())
	e.accum.SetConfidence(1)
	e.trusted = true
	if a == AnchorAtFull {
		e.anchor = AnchorFull
	} else {
		e.anchor = AnchorEmpty
	}
}

func (e *Engine) balance(cells []int) {
	if err := e.super.Balance(cells); err != nil {
		e.log.Warnf("Failed to set balancing: %v", err)
	}
}

func (e *Engine) dischargeCurrent(raw float64) float64 {
	if e.cfg.CurrentPositiveIsDischarge {
		return raw
	}
	return -raw
}

func (e *Engine) keyVoltage(sample PackSample) float64 {
	if e.cfg.OCVSource == OCVSourceAvgCell {
		return sample.AvgCellMV()
	}
	return sample.MinCellMV()
}

func (e *Engine) fillEstimate(out *Outputs) {
	conf := e.accum.Confidence()
	if e.rest.State() == AtRest {
		conf = math.Max(conf, e.rest.Weight())
	}
	out.SoCPercent = e.accum.SoC()
	out.SoCConfidence = conf
	out.SoCValid = conf > 0
	out.CapacityMAh = e.accum.CapacityMAh()
	out.RemainingMAh = e.accum.RemainingMAh()
	out.RestState = e.rest.State()
	out.RestWeight = e.rest.Weight()
	out.AnchorState = e.anchor
}

func (e *Engine) fillSupervisor(out *Outputs) {
	out.Faults = e.super.Faults()
	out.BalanceMask = e.super.Mask()
}

// Outputs returns the values from the last tick or command.
func (e *Engine) Outputs() Outputs {
	out := e.out
	out.CellMV = append([]int(nil), e.out.CellMV...)
	return out
}

// ClearFaults clears the fault latch and the monitor's status bits.
func (e *Engine) ClearFaults() error {
	if err := e.super.ClearFaults(); err != nil {
		return fmt.Errorf("clearing faults: %w", err)
	}
	e.fillSupervisor(&e.out)
	return nil
}

// ForceFullAnchor sets the pack to 100% as if a full anchor had been seen.
func (e *Engine) ForceFullAnchor() {
	e.forceAnchor(AnchorAtFull)
}

// ForceEmptyAnchor sets the pack to 0% as if an empty anchor had been seen.
func (e *Engine) ForceEmptyAnchor() {
	e.forceAnchor(AnchorAtEmpty)
}

func (e *Engine) forceAnchor(a Anchor) {
	e.applyAnchor(a)
	e.learner.AcceptManual(a)
	e.accum.ResetThroughput()
	e.log.Infof("Operator anchor at %s", a)
	e.fillEstimate(&e.out)
}

// ClearLearnedCapacity returns to the design capacity, keeping the SoC percentage.
func (e *Engine) ClearLearnedCapacity() {
	e.learner.ClearCapacity()
	e.accum.SetCapacity(e.learner.CapacityMAh())
	e.accum.ResetThroughput()
	e.log.Infof("Cleared learned capacity, using %.0fmAh", e.learner.CapacityMAh())
	e.fillEstimate(&e.out)
}

// CCOneshot asks the monitor for a single coulomb counter conversion.
func (e *Engine) CCOneshot(ctx context.Context) error {
	if e.sink == nil {
		return errors.New("no command sink")
	}
	return e.sink.TriggerCCOneshot(ctx)
}

// Snapshot returns the state to persist.
func (e *Engine) Snapshot() State {
	return State{
		SoCPercent:   e.accum.SoC(),
		RemainingMAh: e.accum.RemainingMAh(),
		CapacityMAh:  e.learner.CapacityMAh(),
	}
}

// Restore loads a persisted state. Confidence stays at 0 until the next anchor or rest.
func (e *Engine) Restore(st State) {
	if st.CapacityMAh > 0 {
		e.learner.SetCapacity(st.CapacityMAh)
	}
	e.accum.SetCapacity(e.learner.CapacityMAh())
	soc := st.SoCPercent
	if st.RemainingMAh > 0 && e.learner.CapacityMAh() > 0 {
		soc = 100 * st.RemainingMAh / e.learner.CapacityMAh()
	}
	e.accum.SetSoC(soc)
	e.accum.SetConfidence(0)
	e.trusted = true
	e.fillEstimate(&e.out)
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config {
	return e.cfg
}
