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

package soc

import "math"

// Learned capacity is kept within these multiples of the design capacity.
const (
	minCapacityFactor = 0.5
	maxCapacityFactor = 1.5
)

// AnchorState describes how the last SoC value was obtained.
type AnchorState int

const (
	AnchorTransient AnchorState = iota
	AnchorResting
	AnchorFull
	AnchorEmpty
)

func (a AnchorState) String() string {
	switch a {
	case AnchorResting:
		return "resting"
	case AnchorFull:
		return "full-anchored"
	case AnchorEmpty:
		return "empty-anchored"
	default:
		return "transient"
	}
}

// Anchor is a hard SoC reference point.
type Anchor int

const (
	AnchorNone Anchor = iota
	AnchorAtFull
	AnchorAtEmpty
)

func (a Anchor) String() string {
	switch a {
	case AnchorAtFull:
		return "full"
	case AnchorAtEmpty:
		return "empty"
	default:
		return "none"
	}
}

func (a Anchor) soc() float64 {
	if a == AnchorAtFull {
		return 100
	}
	return 0
}

// holdTimer tracks how long a condition has been continuously true.
type holdTimer struct {
	active bool
	since  float64
}

// update returns how long the condition has held, or -1 if it is not currently true.
func (h *holdTimer) update(cond bool, now float64) float64 {
	if !cond {
		h.active = false
		return -1
	}
	if !h.active {
		h.active = true
		h.since = now
	}
	return now - h.since
}

func (h *holdTimer) reset() {
	h.active = false
}

// AnchorInput is what the learner needs to know about the current tick.
type AnchorInput struct {
	Timestamp   float64
	KeyMV       float64
	DischargeMA float64
	Status      HardwareStatus
}

// CapacityUpdate is reported when a full/empty cycle produced a new capacity estimate.
type CapacityUpdate struct {
	ObservedMAh float64
	PreviousMAh float64
	LearnedMAh  float64
}

// Learner detects full and empty anchors and learns the pack capacity from the charge
// moved between anchors of opposite polarity.
type Learner struct {
	cfg Config

	full  holdTimer
	empty holdTimer

	lastAnchor  Anchor
	capacityMAh float64
}

func NewLearner(cfg Config) *Learner {
	return &Learner{
		cfg:         cfg,
		capacityMAh: cfg.DesignCapacityMAh,
	}
}

// Detect checks the anchor conditions. A hardware OV/UV bit forces its anchor on the tick
// it is seen when use_hw_fault_anchors is set. Full wins if both fire.
func (l *Learner) Detect(in AnchorInput) Anchor {
	fullHeld := l.full.update(in.KeyMV >= l.cfg.FullCellMV, in.Timestamp)
	emptyCond := in.KeyMV <= l.cfg.EmptyCellMV && in.DischargeMA >= l.cfg.EmptyDischargeCurrentMA
	emptyHeld := l.empty.update(emptyCond, in.Timestamp)

	if l.cfg.UseHWFaultAnchors && in.Status.Overvoltage {
		return AnchorAtFull
	}
	if l.cfg.UseHWFaultAnchors && in.Status.Undervoltage {
		return AnchorAtEmpty
	}
	if fullHeld >= 0 && fullHeld >= l.cfg.FullHoldSeconds {
		return AnchorAtFull
	}
	if emptyHeld >= 0 && emptyHeld >= l.cfg.EmptyHoldSeconds {
		return AnchorAtEmpty
	}
	return AnchorNone
}

// Accept records a hard anchor. throughputMAh is the net charge moved since the previous
// anchor; when the polarity flipped it feeds the capacity estimate. The caller resets its
// throughput window afterwards.
func (l *Learner) Accept(a Anchor, throughputMAh float64) *CapacityUpdate {
	prev := l.lastAnchor
	l.lastAnchor = a
	if prev == AnchorNone || prev == a {
		return nil
	}

	observed := clamp(math.Abs(throughputMAh), l.minCapacity(), l.maxCapacity())
	update := &CapacityUpdate{
		ObservedMAh: observed,
		PreviousMAh: l.capacityMAh,
	}
	alpha := l.cfg.LearnAlpha
	l.capacityMAh = clamp((1-alpha)*l.capacityMAh+alpha*observed, l.minCapacity(), l.maxCapacity())
	update.LearnedMAh = l.capacityMAh
	return update
}

// AcceptManual records an operator anchor. It restarts the learning window without learning.
func (l *Learner) AcceptManual(a Anchor) {
	l.lastAnchor = a
	l.full.reset()
	l.empty.reset()
}

func (l *Learner) minCapacity() float64 {
	return minCapacityFactor * l.cfg.DesignCapacityMAh
}

func (l *Learner) maxCapacity() float64 {
	return maxCapacityFactor * l.cfg.DesignCapacityMAh
}

func (l *Learner) CapacityMAh() float64 {
	return l.capacityMAh
}

// SetCapacity restores a previously learned capacity, bounded to the allowed range.
func (l *Learner) SetCapacity(mAh float64) {
	l.capacityMAh = clamp(mAh, l.minCapacity(), l.maxCapacity())
}

// ClearCapacity forgets the learned capacity and the learning window.
func (l *Learner) ClearCapacity() {
	l.capacityMAh = l.cfg.DesignCapacityMAh
	l.lastAnchor = AnchorNone
}

func (l *Learner) LastAnchor() Anchor {
	return l.lastAnchor
}

// BlendSoC mixes the OCV estimate into the coulomb estimate by the rest weight.
func BlendSoC(weight, ocvSoC, coulombSoC float64) float64 {
	w := clamp(weight, 0, 1)
	return w*ocvSoC + (1-w)*coulombSoC
}
