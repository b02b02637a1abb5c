package soc

import (
	"context"
	"time"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RSenseMilliohm = 1
	cfg.PollInterval = time.Second
	cfg.OCVTable = []OCVPoint{
		{MV: 3000, SoC: 0},
		{MV: 3300, SoC: 10},
		{MV: 3600, SoC: 50},
		{MV: 4000, SoC: 90},
		{MV: 4200, SoC: 100},
	}
	cfg.RestCurrentThresholdMA = 50
	cfg.RestMinSeconds = 10
	cfg.RestFullWeightSeconds = 60
	cfg.RestDvDtThresholdMVPerS = 1
	cfg.FullCellMV = 4150
	cfg.FullHoldSeconds = 10
	cfg.EmptyCellMV = 3100
	cfg.EmptyHoldSeconds = 5
	cfg.EmptyDischargeCurrentMA = 100
	cfg.DesignCapacityMAh = 2000
	return cfg
}

func sampleAt(ts, currentMA float64, cells ...int) PackSample {
	pack := 0
	for _, mv := range cells {
		pack += mv
	}
	return PackSample{
		CellMV:       cells,
		PackMV:       pack,
		CurrentMA:    currentMA,
		TemperatureC: 25,
		Timestamp:    ts,
	}
}

type fakeSink struct {
	masks    []uint8
	cleared  []Fault
	oneshots int

	balanceErr error
	clearErr   error
}

func (f *fakeSink) SetBalancing(mask uint8) error {
	if f.balanceErr != nil {
		return f.balanceErr
	}
	f.masks = append(f.masks, mask)
	return nil
}

func (f *fakeSink) ClearStatus(faults Fault) error {
	if f.clearErr != nil {
		return f.clearErr
	}
	f.cleared = append(f.cleared, faults)
	return nil
}

func (f *fakeSink) TriggerCCOneshot(ctx context.Context) error {
	f.oneshots++
	return nil
}

type fakeSource struct {
	samples []PackSample
	errs    []error
}

func (f *fakeSource) Sample(ctx context.Context) (PackSample, error) {
	var s PackSample
	var err error
	if len(f.samples) > 0 {
		s, f.samples = f.samples[0], f.samples[1:]
	}
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	return s, err
}
