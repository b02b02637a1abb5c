package soc

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFaultString(t *testing.T) {
	assert.Equal(t, "none", FaultNone.String())
	assert.Equal(t, "overvoltage,thermal", (FaultThermal | FaultOvervoltage).String())
	assert.True(t, (FaultThermal | FaultOvervoltage).Has(FaultThermal))
	assert.False(t, FaultThermal.Has(FaultNone))
}

func TestFaultLatch(t *testing.T) {
	var l FaultLatch
	assert.Equal(t, FaultOvervoltage, l.Set(FaultOvervoltage))
	assert.Equal(t, FaultThermal, l.Set(FaultOvervoltage|FaultThermal))
	assert.True(t, l.Has(FaultThermal))

	l.Clear(FaultThermal)
	assert.False(t, l.Has(FaultThermal))
	assert.True(t, l.Has(FaultOvervoltage))

	l.ClearAll()
	assert.False(t, l.Faults().Any())
}

func newTestSupervisor(cfg Config, sink CommandSink) *Supervisor {
	return NewSupervisor(cfg, sink, logrus.New())
}

func TestSupervisorObserve(t *testing.T) {
	s := newTestSupervisor(testConfig(), nil)

	s.Observe(sampleAt(0, 0, 3600, 3600, 3600, 3600))
	assert.Equal(t, FaultNone, s.Faults())

	hot := sampleAt(1, 0, 3600, 3600, 3600, 3600)
	hot.TemperatureC = 65
	s.Observe(hot)
	assert.Equal(t, FaultThermal, s.Faults())

	hw := sampleAt(2, 0, 3600, 3600, 3600)
	hw.Status = HardwareStatus{ShortCircuit: true, DeviceFault: true}
	s.Observe(hw)
	assert.Equal(t, FaultThermal|FaultShortCircuit|FaultDevice|FaultCellCountMismatch, s.Faults())

	s.Observe(sampleAt(3, 0, 3600, 0, 3600, 3600))
	assert.True(t, s.Faults().Has(FaultCellCountMismatch))
}

func TestClearFaultsIdempotent(t *testing.T) {
	sink := &fakeSink{}
	s := newTestSupervisor(testConfig(), sink)

	require.NoError(t, s.ClearFaults())
	assert.Empty(t, sink.cleared, "no write with nothing latched")

	s.Latch(FaultOvervoltage | FaultThermal)
	require.NoError(t, s.ClearFaults())
	assert.Equal(t, []Fault{FaultOvervoltage}, sink.cleared)
	assert.Equal(t, FaultNone, s.Faults())

	require.NoError(t, s.ClearFaults())
	assert.Len(t, sink.cleared, 1)
}

func TestClearFaultsSoftwareOnly(t *testing.T) {
	sink := &fakeSink{}
	s := newTestSupervisor(testConfig(), sink)
	s.Latch(FaultTelemetry)
	require.NoError(t, s.ClearFaults())
	assert.Empty(t, sink.cleared)
	assert.Equal(t, FaultNone, s.Faults())
}

func TestClearFaultsKeepsLatchOnError(t *testing.T) {
	sink := &fakeSink{clearErr: errors.New("nack")}
	s := newTestSupervisor(testConfig(), sink)
	s.Latch(FaultUndervoltage)
	assert.Error(t, s.ClearFaults())
	assert.Equal(t, FaultUndervoltage, s.Faults())
}
