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

import (
	"context"
	"fmt"
)

// HardwareStatus holds the status bits reported by the monitor alongside a sample.
type HardwareStatus struct {
	Overvoltage  bool
	Undervoltage bool
	ShortCircuit bool
	Overcurrent  bool
	// DeviceFault is the chip's internal fault (DEVICE_XREADY) bit.
	DeviceFault bool
	CCReady     bool
	// Watchdog is only set by transports that expose a watchdog.
	Watchdog    bool
	ChargeOn    bool
	DischargeOn bool
}

// PackSample is one telemetry snapshot. It is not modified after capture.
type PackSample struct {
	CellMV       []int
	PackMV       int
	CurrentMA    float64
	TemperatureC float64
	// Timestamp is in monotonic seconds.
	Timestamp float64
	Status    HardwareStatus
}

// MinCellMV returns the lowest cell voltage.
func (s PackSample) MinCellMV() float64 {
	if len(s.CellMV) == 0 {
		return 0
	}
	min := s.CellMV[0]
	for _, mv := range s.CellMV[1:] {
		if mv < min {
			min = mv
		}
	}
	return float64(min)
}

// AvgCellMV returns the mean cell voltage.
func (s PackSample) AvgCellMV() float64 {
	if len(s.CellMV) == 0 {
		return 0
	}
	sum := 0
	for _, mv := range s.CellMV {
		sum += mv
	}
	return float64(sum) / float64(len(s.CellMV))
}

// TelemetryFault is returned by a TelemetrySource when a sample could not be captured
// (bus NACK, CRC mismatch, timeout). No partial sample accompanies it.
type TelemetryFault struct {
	Op  string
	Err error
}

func (f *TelemetryFault) Error() string {
	return fmt.Sprintf("telemetry fault during %s: %v", f.Op, f.Err)
}

func (f *TelemetryFault) Unwrap() error {
	return f.Err
}

// TelemetrySource delivers one PackSample per poll.
type TelemetrySource interface {
	Sample(ctx context.Context) (PackSample, error)
}

// CommandSink applies the register writes the engine decides on.
type CommandSink interface {
	// SetBalancing enables balancing on the cells whose bits are set (bit 0 = cell 1).
	SetBalancing(mask uint8) error
	// ClearStatus clears the given hardware status bits.
	ClearStatus(faults Fault) error
	// TriggerCCOneshot requests a single coulomb counter conversion.
	TriggerCCOneshot(ctx context.Context) error
}

// OutputSink receives the engine's outputs after every tick.
type OutputSink interface {
	Publish(out Outputs)
}

// Outputs are the named read-only values exposed after each tick.
type Outputs struct {
	Timestamp     float64
	PackMV        int
	CellMV        []int
	MinCellMV     float64
	AvgCellMV     float64
	CurrentMA     float64
	TemperatureC  float64
	SoCPercent    float64
	SoCConfidence float64
	SoCValid      bool
	CapacityMAh   float64
	RemainingMAh  float64
	RestState     RestState
	RestWeight    float64
	AnchorState   AnchorState
	Chemistry     string
	Mode          string
	Faults        Fault
	DeviceReady   bool
	CCReady       bool
	BalanceMask   uint8
	// TelemetryOK is false when the last tick was skipped.
	TelemetryOK bool
}

// modeText describes which FETs are on, matching the chip's operating mode.
func modeText(st HardwareStatus) string {
	switch {
	case st.DeviceFault:
		return "safe"
	case st.ChargeOn && st.DischargeOn:
		return "charge+discharge"
	case st.ChargeOn:
		return "charge"
	case st.DischargeOn:
		return "discharge"
	default:
		return "standby"
	}
}

// OutputSinks fans out to several sinks.
type OutputSinks []OutputSink

func (s OutputSinks) Publish(out Outputs) {
	for _, sink := range s {
		sink.Publish(out)
	}
}
