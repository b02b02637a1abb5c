package soc

import (
	"errors"
	"fmt"
)

// OCVTable maps a rested cell voltage to a state of charge.
type OCVTable struct {
	points []OCVPoint
}

// NewOCVTable checks that the points are strictly increasing in voltage, non-decreasing in
// state of charge and within 0-100%.
func NewOCVTable(points []OCVPoint) (*OCVTable, error) {
	if len(points) < 2 {
		return nil, errors.New("at least two points are required")
	}
	for i, p := range points {
		if p.MV < 0 {
			return nil, fmt.Errorf("point %d has a negative voltage %dmV", i, p.MV)
		}
		if p.SoC < 0 || p.SoC > 100 {
			return nil, fmt.Errorf("point %d has soc %.2f outside 0-100", i, p.SoC)
		}
		if i == 0 {
			continue
		}
		prev := points[i-1]
		if p.MV <= prev.MV {
			return nil, fmt.Errorf("points must be strictly increasing in mv (%dmV after %dmV)", p.MV, prev.MV)
		}
		if p.SoC < prev.SoC {
			return nil, fmt.Errorf("points must be increasing in soc (%.2f%% after %.2f%%)", p.SoC, prev.SoC)
		}
	}
	t := &OCVTable{points: make([]OCVPoint, len(points))}
	copy(t.points, points)
	return t, nil
}

// Lookup returns the state of charge for the given voltage, interpolating linearly between
// the two bracketing points. Voltages outside the table clamp to its ends.
func (t *OCVTable) Lookup(mv float64) float64 {
	first := t.points[0]
	last := t.points[len(t.points)-1]
	if mv <= float64(first.MV) {
		return first.SoC
	}
	if mv >= float64(last.MV) {
		return last.SoC
	}
	for i := 1; i < len(t.points); i++ {
		high := t.points[i]
		if mv <= float64(high.MV) {
			low := t.points[i-1]
			frac := (mv - float64(low.MV)) / float64(high.MV-low.MV)
			return low.SoC + frac*(high.SoC-low.SoC)
		}
	}
	return last.SoC
}

// Points returns a copy of the table.
func (t *OCVTable) Points() []OCVPoint {
	out := make([]OCVPoint, len(t.points))
	copy(out, t.points)
	return out
}
