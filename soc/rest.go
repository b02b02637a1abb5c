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

// restWindowSamples is how many trailing samples the dV/dt slope is taken over.
const restWindowSamples = 4

type RestState int

const (
	Transient RestState = iota
	AtRest
)

func (s RestState) String() string {
	if s == AtRest {
		return "resting"
	}
	return "transient"
}

type cellPoint struct {
	t  float64
	mv []int
}

// RestDetector decides whether the pack has been quiet long enough for the cell voltage
// to be a usable open circuit voltage.
type RestDetector struct {
	currentThresholdMA  float64
	dvdtThresholdMVPerS float64
	minSeconds          float64
	fullWeightSeconds   float64

	window []cellPoint
	state  RestState
	// quietSince is the timestamp of the first sample of the current quiet run.
	quietSince float64
	quiet      bool
	// restSecs counts from the moment the quiet run qualified as rest.
	restSecs float64
	slope    float64
}

func NewRestDetector(cfg Config) *RestDetector {
	return &RestDetector{
		currentThresholdMA:  cfg.RestCurrentThresholdMA,
		dvdtThresholdMVPerS: cfg.RestDvDtThresholdMVPerS,
		minSeconds:          cfg.RestMinSeconds,
		fullWeightSeconds:   cfg.RestFullWeightSeconds,
		state:               Transient,
	}
}

// Update feeds one sample into the detector and returns the resulting state.
func (r *RestDetector) Update(s PackSample) RestState {
	cells := make([]int, len(s.CellMV))
	copy(cells, s.CellMV)
	r.window = append(r.window, cellPoint{t: s.Timestamp, mv: cells})
	if len(r.window) > restWindowSamples {
		r.window = r.window[len(r.window)-restWindowSamples:]
	}
	r.slope = r.maxSlope()

	if math.Abs(s.CurrentMA) >= r.currentThresholdMA || r.slope >= r.dvdtThresholdMVPerS {
		r.quiet = false
		r.state = Transient
		r.restSecs = 0
		return r.state
	}

	if !r.quiet {
		r.quiet = true
		r.quietSince = s.Timestamp
	}
	quietFor := s.Timestamp - r.quietSince
	if quietFor >= r.minSeconds {
		r.state = AtRest
		r.restSecs = quietFor - r.minSeconds
	}
	return r.state
}

// maxSlope is the largest absolute per-cell voltage slope across the window in mV/s.
func (r *RestDetector) maxSlope() float64 {
	if len(r.window) < 2 {
		return 0
	}
	first := r.window[0]
	last := r.window[len(r.window)-1]
	dt := last.t - first.t
	if dt <= 0 {
		return 0
	}
	max := 0.0
	for i := range last.mv {
		if i >= len(first.mv) {
			break
		}
		slope := math.Abs(float64(last.mv[i]-first.mv[i])) / dt
		if slope > max {
			max = slope
		}
	}
	return max
}

func (r *RestDetector) State() RestState {
	return r.state
}

// RestSeconds is how long the pack has been at rest past the qualifying period, 0 while transient.
func (r *RestDetector) RestSeconds() float64 {
	return r.restSecs
}

// Slope is the last computed max per-cell |dV/dt| in mV/s.
func (r *RestDetector) Slope() float64 {
	return r.slope
}

// Weight is the confidence in the OCV reading. It is 0 when rest is first declared and
// reaches 1 once the pack has been at rest for the full weight period after that.
func (r *RestDetector) Weight() float64 {
	if r.state != AtRest {
		return 0
	}
	if r.fullWeightSeconds <= 0 {
		return 1
	}
	return math.Min(1, r.restSecs/r.fullWeightSeconds)
}

// Reset drops all history and returns to Transient.
func (r *RestDetector) Reset() {
	r.window = nil
	r.state = Transient
	r.quiet = false
	r.restSecs = 0
	r.slope = 0
}
