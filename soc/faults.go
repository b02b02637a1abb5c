package soc

import "strings"

// Fault is a set of latched fault flags.
type Fault uint16

const (
	FaultTelemetry Fault = 1 << iota
	FaultOvervoltage
	FaultUndervoltage
	FaultShortCircuit
	FaultOvercurrent
	FaultThermal
	FaultCellCountMismatch
	FaultWatchdog
	FaultDevice

	FaultNone Fault = 0
)

// FaultHardware is the subset of flags backed by status bits on the monitor.
const FaultHardware = FaultOvervoltage | FaultUndervoltage | FaultShortCircuit | FaultOvercurrent | FaultDevice

var faultNames = []struct {
	flag Fault
	name string
}{
	{FaultTelemetry, "telemetry"},
	{FaultOvervoltage, "overvoltage"},
	{FaultUndervoltage, "undervoltage"},
	{FaultShortCircuit, "short-circuit"},
	{FaultOvercurrent, "overcurrent"},
	{FaultThermal, "thermal"},
	{FaultCellCountMismatch, "cell-count-mismatch"},
	{FaultWatchdog, "watchdog"},
	{FaultDevice, "device-fault"},
}

func (f Fault) Has(flag Fault) bool {
	return f&flag == flag && flag != 0
}

// Any reports whether any flag is set.
func (f Fault) Any() bool {
	return f != FaultNone
}

// Names lists the set flags in a stable order.
func (f Fault) Names() []string {
	names := []string{}
	for _, fn := range faultNames {
		if f&fn.flag != 0 {
			names = append(names, fn.name)
		}
	}
	return names
}

func (f Fault) String() string {
	if f == FaultNone {
		return "none"
	}
	return strings.Join(f.Names(), ",")
}

// FaultLatch holds faults until they are explicitly cleared.
type FaultLatch struct {
	latched Fault
}

// Set latches the given flags and returns the ones that were newly latched.
func (l *FaultLatch) Set(flags Fault) Fault {
	added := flags &^ l.latched
	l.latched |= flags
	return added
}

func (l *FaultLatch) Has(flag Fault) bool {
	return l.latched.Has(flag)
}

func (l *FaultLatch) Clear(flags Fault) {
	l.latched &^= flags
}

func (l *FaultLatch) ClearAll() {
	l.latched = FaultNone
}

func (l *FaultLatch) Faults() Fault {
	return l.latched
}

// faultsFromStatus converts hardware status bits into fault flags.
func faultsFromStatus(st HardwareStatus) Fault {
	var f Fault
	if st.Overvoltage {
		f |= FaultOvervoltage
	}
	if st.Undervoltage {
		f |= FaultUndervoltage
	}
	if st.ShortCircuit {
		f |= FaultShortCircuit
	}
	if st.Overcurrent {
		f |= FaultOvercurrent
	}
	if st.DeviceFault {
		f |= FaultDevice
	}
	if st.Watchdog {
		f |= FaultWatchdog
	}
	return f
}
