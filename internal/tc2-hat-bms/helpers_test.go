package bms

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/TheCacophonyProject/tc2-bms-controller/soc"
	"github.com/sirupsen/logrus"
)

func testEngineConfig() soc.Config {
	cfg := soc.DefaultConfig()
	cfg.RSenseMilliohm = 5
	cfg.PollInterval = 5 * time.Millisecond
	cfg.MaxSampleGap = time.Hour
	cfg.OCVTable = []soc.OCVPoint{{MV: 3000, SoC: 0}, {MV: 3600, SoC: 50}, {MV: 4200, SoC: 100}}
	cfg.RestCurrentThresholdMA = 50
	cfg.RestMinSeconds = 600
	cfg.RestFullWeightSeconds = 1800
	cfg.RestDvDtThresholdMVPerS = 1
	cfg.FullCellMV = 4150
	cfg.FullHoldSeconds = 10
	cfg.EmptyCellMV = 3100
	cfg.EmptyHoldSeconds = 5
	cfg.EmptyDischargeCurrentMA = 100
	cfg.DesignCapacityMAh = 2000
	return cfg
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// steadySource returns the same idle pack every call, one second apart.
type steadySource struct {
	mu sync.Mutex
	ts float64
}

func (s *steadySource) Sample(ctx context.Context) (soc.PackSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ts++
	return soc.PackSample{
		CellMV:       []int{3700, 3700, 3700, 3700},
		PackMV:       14800,
		TemperatureC: 25,
		Timestamp:    s.ts,
		Status:       soc.HardwareStatus{ChargeOn: true, DischargeOn: true},
	}, nil
}

type fakeCommands struct {
	oneshotErr error
}

func (f *fakeCommands) SetBalancing(mask uint8) error      { return nil }
func (f *fakeCommands) ClearStatus(faults soc.Fault) error { return nil }
func (f *fakeCommands) TriggerCCOneshot(ctx context.Context) error {
	return f.oneshotErr
}

var errOneshot = errors.New("cc not ready")

type recordingSink struct {
	mu   sync.Mutex
	outs []soc.Outputs
}

func (r *recordingSink) Publish(out soc.Outputs) {
	r.mu.Lock()
	r.outs = append(r.outs, out)
	r.mu.Unlock()
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outs)
}

func (r *recordingSink) last() soc.Outputs {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outs[len(r.outs)-1]
}
