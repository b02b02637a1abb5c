package soc

import (
	"sort"

	"github.com/sirupsen/logrus"
)

// balanceWindowMV is the cell spread at which balancing starts when the duty is 0.
const balanceWindowMV = 100.0

// Supervisor latches faults and decides which cells to bleed.
type Supervisor struct {
	cfg   Config
	latch FaultLatch
	sink  CommandSink
	log   logrus.FieldLogger

	mask uint8
	// maskWritten is false until the first mask has been sent to the sink.
	maskWritten bool
}

func NewSupervisor(cfg Config, sink CommandSink, log logrus.FieldLogger) *Supervisor {
	return &Supervisor{cfg: cfg, sink: sink, log: log}
}

// Latch adds faults to the latch, logging the new ones.
func (s *Supervisor) Latch(f Fault) {
	if added := s.latch.Set(f); added.Any() {
		s.log.Warnf("Latched fault: %s", added)
	}
}

// Observe latches the faults visible in a sample.
func (s *Supervisor) Observe(sample PackSample) {
	f := faultsFromStatus(sample.Status)
	if sample.TemperatureC < s.cfg.MinBoardTempC || sample.TemperatureC > s.cfg.MaxBoardTempC {
		f |= FaultThermal
	}
	if cellCountMismatch(sample, s.cfg.CellCount) {
		f |= FaultCellCountMismatch
	}
	s.Latch(f)
}

func cellCountMismatch(sample PackSample, cellCount int) bool {
	if len(sample.CellMV) != cellCount {
		return true
	}
	for _, mv := range sample.CellMV {
		if mv <= 0 {
			return true
		}
	}
	return false
}

// Faults returns the latched faults.
func (s *Supervisor) Faults() Fault {
	return s.latch.Faults()
}

// ClearFaults clears the latch. The monitor's status bits are cleared first and the latch is
// kept if that fails. Nothing is written when no fault is latched.
func (s *Supervisor) ClearFaults() error {
	latched := s.latch.Faults()
	if !latched.Any() {
		return nil
	}
	if hw := latched & FaultHardware; hw.Any() && s.sink != nil {
		if err := s.sink.ClearStatus(hw); err != nil {
			return err
		}
	}
	s.latch.ClearAll()
	s.log.Infof("Cleared faults: %s", latched)
	return nil
}

// Balance picks the balancing mask for the given cells (nil when the sample was not usable)
// and writes it to the sink when it changes.
func (s *Supervisor) Balance(cells []int) error {
	var mask uint8
	if s.cfg.BalanceEnabled() && !s.latch.Faults().Any() && cells != nil {
		mask = SelectBalanceCells(cells, s.cfg.Balance.Duty)
	}
	if mask == s.mask && s.maskWritten {
		return nil
	}
	// Nothing to undo when balancing never ran.
	if !s.maskWritten && mask == 0 {
		return nil
	}
	if s.sink != nil {
		if err := s.sink.SetBalancing(mask); err != nil {
			return err
		}
	}
	if mask != s.mask {
		s.log.Debugf("Balancing mask %04b -> %04b", s.mask, mask)
	}
	s.mask = mask
	s.maskWritten = true
	return nil
}

// Mask is the balancing mask last written.
func (s *Supervisor) Mask() uint8 {
	return s.mask
}

// BalancingCells counts the cells currently being bled.
func (s *Supervisor) BalancingCells() int {
	n := 0
	for m := s.mask; m != 0; m &= m - 1 {
		n++
	}
	return n
}

// SelectBalanceCells returns the mask of cells to bleed. Cells more than the duty scaled
// window above the lowest cell qualify, highest first. Neighbouring cells are never bled
// together.
func SelectBalanceCells(cells []int, duty float64) uint8 {
	if len(cells) == 0 || len(cells) > 8 {
		return 0
	}
	min := cells[0]
	for _, mv := range cells {
		if mv < min {
			min = mv
		}
	}
	threshold := float64(min) + balanceWindowMV*(1-duty)

	var candidates []int
	for i, mv := range cells {
		if float64(mv) > threshold {
			candidates = append(candidates, i)
		}
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		return cells[candidates[a]] > cells[candidates[b]]
	})

	var mask uint8
	for _, i := range candidates {
		if i > 0 && mask&(1<<(i-1)) != 0 {
			continue
		}
		if mask&(1<<(i+1)) != 0 {
			continue
		}
		mask |= 1 << i
	}
	return mask
}
