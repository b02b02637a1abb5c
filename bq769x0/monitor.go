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

// Package bq769x0 talks to the BQ76920/30/40 battery monitors over I2C.
package bq769x0

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/TheCacophonyProject/tc2-bms-controller/i2crequest"
	"github.com/TheCacophonyProject/tc2-bms-controller/soc"
	"github.com/sirupsen/logrus"
)

const (
	ccOneshotPolls    = 50
	ccOneshotInterval = 10 * time.Millisecond
)

// Config selects the device and how to talk to it.
type Config struct {
	Address        byte
	CRC            bool
	CellCount      int
	RSenseMilliohm int
}

// Monitor reads pack telemetry from the chip and applies balancing and status writes.
// It implements soc.TelemetrySource and soc.CommandSink.
type Monitor struct {
	bus i2crequest.Bus
	cfg Config
	log logrus.FieldLogger

	cal      Calibration
	calValid bool

	start time.Time
	now   func() time.Time
	sleep func(time.Duration)
}

func New(bus i2crequest.Bus, cfg Config, log logrus.FieldLogger) *Monitor {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Monitor{
		bus:   bus,
		cfg:   cfg,
		log:   log,
		start: time.Now(),
		now:   time.Now,
		sleep: time.Sleep,
	}
}

// Setup reads the ADC calibration and puts the chip into the state sampling relies on:
// CC_CFG set, ADC on, TS1 reading the die temperature and the coulomb counter running.
func (m *Monitor) Setup() error {
	if m.cfg.CellCount < 1 || m.cfg.CellCount > maxCells {
		return fmt.Errorf("cell count %d is not supported", m.cfg.CellCount)
	}
	if m.cfg.RSenseMilliohm < 1 {
		return fmt.Errorf("sense resistor of %dmΩ is not supported", m.cfg.RSenseMilliohm)
	}
	if err := m.readCalibration(); err != nil {
		return fmt.Errorf("failed to read ADC calibration: %w", err)
	}
	m.log.Infof("ADC calibration: gain=%d uV/LSB, offset=%d mV", m.cal.GainUVPerLSB, m.cal.OffsetMV)

	if err := m.writeRegister(regCCCfg, ccCfgValue); err != nil {
		return fmt.Errorf("failed to write CC_CFG: %w", err)
	}
	if err := m.updateRegister(regSysCtrl1, ctrl1ADCEn, true); err != nil {
		return fmt.Errorf("failed to enable ADC: %w", err)
	}
	if err := m.updateRegister(regSysCtrl1, ctrl1TempSel, false); err != nil {
		return fmt.Errorf("failed to select die temperature: %w", err)
	}
	if err := m.ensureCCEnabled(); err != nil {
		return fmt.Errorf("failed to enable coulomb counter: %w", err)
	}
	return nil
}

// Calibration returns the calibration read during Setup.
func (m *Monitor) Calibration() (Calibration, bool) {
	return m.cal, m.calValid
}

func (m *Monitor) readCalibration() error {
	gain1, err := m.readRegister(regADCGain1)
	if err != nil {
		return err
	}
	offset, err := m.readRegister(regADCOffset)
	if err != nil {
		return err
	}
	gain2, err := m.readRegister(regADCGain2)
	if err != nil {
		return err
	}
	m.cal = decodeCalibration(gain1, offset, gain2)
	m.calValid = true
	return nil
}

// Sample reads status, cell, pack, temperature and current registers. Any failure is
// returned as a *soc.TelemetryFault and no sample is produced.
func (m *Monitor) Sample(ctx context.Context) (soc.PackSample, error) {
	fault := func(op string, err error) (soc.PackSample, error) {
		return soc.PackSample{}, &soc.TelemetryFault{Op: op, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return fault("sample", err)
	}
	if !m.calValid {
		return fault("sample", ErrNotSetUp)
	}
	ts := m.now().Sub(m.start).Seconds()

	stat, err := m.readRegister(regSysStat)
	if err != nil {
		return fault("read SYS_STAT", err)
	}

	cellData, err := m.readBlock(regVC1Hi, 2*m.cfg.CellCount)
	if err != nil {
		return fault("read cells", err)
	}
	cells := make([]int, m.cfg.CellCount)
	for i := range cells {
		cells[i] = m.cal.CellMV(word14(cellData[2*i], cellData[2*i+1]))
	}

	bat, err := m.readBlock(regBatHi, 2)
	if err != nil {
		return fault("read BAT", err)
	}
	ts1, err := m.readBlock(regTS1Hi, 2)
	if err != nil {
		return fault("read TS1", err)
	}
	cc, err := m.readBlock(regCCHi, 2)
	if err != nil {
		return fault("read CC", err)
	}
	ctrl2, err := m.readRegister(regSysCtrl2)
	if err != nil {
		return fault("read SYS_CTRL2", err)
	}

	sense := SenseUV(int16(word16(cc[0], cc[1])))
	if math.Abs(sense) > ccWarnMicrovolts {
		m.log.Warnf("CC sense voltage %.1f uV exceeds recommended range", sense)
	}

	return soc.PackSample{
		CellMV:       cells,
		PackMV:       m.cal.PackMV(word16(bat[0], bat[1]), m.cfg.CellCount),
		CurrentMA:    CurrentMA(sense, m.cfg.RSenseMilliohm),
		TemperatureC: DieTempC(word14(ts1[0], ts1[1])),
		Timestamp:    ts,
		Status:       decodeStatus(stat, ctrl2),
	}, nil
}

func decodeStatus(stat, ctrl2 byte) soc.HardwareStatus {
	return soc.HardwareStatus{
		Overvoltage:  stat&statOV != 0,
		Undervoltage: stat&statUV != 0,
		ShortCircuit: stat&statSCD != 0,
		Overcurrent:  stat&statOCD != 0,
		DeviceFault:  stat&statDeviceXReady != 0,
		CCReady:      stat&statCCReady != 0,
		ChargeOn:     ctrl2&ctrl2CHGOn != 0,
		DischargeOn:  ctrl2&ctrl2DSGOn != 0,
	}
}

// SetBalancing writes the cell balancing mask, bit 0 being the bottom cell.
func (m *Monitor) SetBalancing(mask uint8) error {
	mask &= byte(1<<m.cfg.CellCount) - 1
	if err := m.writeRegister(regCellBal1, mask); err != nil {
		return fmt.Errorf("failed to write CELLBAL1: %w", err)
	}
	return nil
}

// ClearStatus clears the SYS_STAT bits behind the given faults. Faults without a status
// bit are ignored.
func (m *Monitor) ClearStatus(faults soc.Fault) error {
	mask := statusMask(faults)
	if mask == 0 {
		return nil
	}
	if err := m.writeRegister(regSysStat, mask); err != nil {
		return fmt.Errorf("failed to clear SYS_STAT bits 0x%02X: %w", mask, err)
	}
	return nil
}

func statusMask(faults soc.Fault) byte {
	var mask byte
	if faults.Has(soc.FaultOvervoltage) {
		mask |= statOV
	}
	if faults.Has(soc.FaultUndervoltage) {
		mask |= statUV
	}
	if faults.Has(soc.FaultShortCircuit) {
		mask |= statSCD
	}
	if faults.Has(soc.FaultOvercurrent) {
		mask |= statOCD
	}
	if faults.Has(soc.FaultDevice) {
		mask |= statDeviceXReady
	}
	return mask
}

// TriggerCCOneshot starts a single coulomb counter conversion and waits for CC_READY.
func (m *Monitor) TriggerCCOneshot(ctx context.Context) error {
	if err := m.ensureCCEnabled(); err != nil {
		return err
	}
	if err := m.updateRegister(regSysCtrl2, ctrl2CCOneshot, true); err != nil {
		return fmt.Errorf("failed to request oneshot: %w", err)
	}
	for i := 0; i < ccOneshotPolls; i++ {
		stat, err := m.readRegister(regSysStat)
		if err != nil {
			return fmt.Errorf("failed to read SYS_STAT after oneshot: %w", err)
		}
		if stat&statCCReady != 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		m.sleep(ccOneshotInterval)
	}
	m.log.Warn("CC_READY not asserted after oneshot request")
	return ErrCCNotReady
}

func (m *Monitor) ensureCCEnabled() error {
	return m.updateRegister(regSysCtrl2, ctrl2CCEn, true)
}

// updateRegister sets or clears bits with a read-modify-write, skipping the write when
// nothing changes.
func (m *Monitor) updateRegister(reg, bits byte, on bool) error {
	val, err := m.readRegister(reg)
	if err != nil {
		return err
	}
	next := val &^ bits
	if on {
		next = val | bits
	}
	if next == val {
		return nil
	}
	return m.writeRegister(reg, next)
}

func (m *Monitor) readRegister(reg byte) (byte, error) {
	data, err := m.readBlock(reg, 1)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

func (m *Monitor) readBlock(reg byte, n int) ([]byte, error) {
	return ReadRegisters(m.bus, m.cfg.Address, m.cfg.CRC, reg, n)
}

func (m *Monitor) writeRegister(reg byte, data ...byte) error {
	return WriteRegister(m.bus, m.cfg.Address, m.cfg.CRC, reg, data...)
}
