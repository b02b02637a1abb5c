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

package bms

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/TheCacophonyProject/tc2-bms-controller/soc"
	"github.com/sirupsen/logrus"
)

var errControllerStopped = errors.New("bms controller stopped")

type command struct {
	name  string
	apply func(ctx context.Context, e *soc.Engine) error
	done  chan error
}

// controller owns the engine. Ticks and operator commands are serialised through
// the one goroutine running run.
type controller struct {
	engine   *soc.Engine
	source   soc.TelemetrySource
	sink     soc.OutputSink
	store    *stateStore
	status   *statusHolder
	commands chan command
	stopped  chan struct{}
	log      logrus.FieldLogger
	poll     time.Duration
	now      func() time.Time

	lastPersist time.Time
}

func newController(engine *soc.Engine, source soc.TelemetrySource, sink soc.OutputSink, store *stateStore, l logrus.FieldLogger) *controller {
	return &controller{
		engine:   engine,
		source:   source,
		sink:     sink,
		store:    store,
		status:   &statusHolder{},
		commands: make(chan command),
		stopped:  make(chan struct{}),
		log:      l,
		poll:     engine.Config().PollInterval,
		now:      time.Now,
	}
}

// restore loads persisted state into the engine if there is any.
func (c *controller) restore() {
	if c.store == nil {
		return
	}
	state, ok, err := c.store.load()
	if err != nil {
		c.log.Errorf("Could not load persisted BMS state: %v", err)
		return
	}
	if !ok {
		c.log.Info("No persisted BMS state, starting from the initial SoC")
		return
	}
	c.engine.Restore(state)
	c.log.Infof("Restored SoC %.1f%%, capacity %.0fmAh", state.SoCPercent, state.CapacityMAh)
}

func (c *controller) run(ctx context.Context) error {
	defer close(c.stopped)
	defer c.persist()

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	c.lastPersist = c.now()
	c.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.tick(ctx)
		case cmd := <-c.commands:
			c.handle(ctx, cmd)
		}
	}
}

func (c *controller) tick(ctx context.Context) {
	c.publish(c.engine.Tick(ctx, c.source))
	if c.now().Sub(c.lastPersist) >= persistInterval {
		c.persist()
	}
}

func (c *controller) handle(ctx context.Context, cmd command) {
	c.log.Infof("Running command %s", cmd.name)
	err := cmd.apply(ctx, c.engine)
	if err != nil {
		c.log.Errorf("Command %s failed: %v", cmd.name, err)
	}
	c.publish(c.engine.Outputs())
	c.persist()
	cmd.done <- err
}

func (c *controller) publish(out soc.Outputs) {
	c.status.set(out)
	if c.sink != nil {
		c.sink.Publish(out)
	}
}

func (c *controller) persist() {
	if c.store == nil {
		return
	}
	if err := c.store.save(c.engine.Snapshot(), c.now()); err != nil {
		c.log.Errorf("Failed to save BMS state: %v", err)
	}
	c.lastPersist = c.now()
}

// submit queues a command for the run loop and waits for its result.
func (c *controller) submit(ctx context.Context, name string, apply func(ctx context.Context, e *soc.Engine) error) error {
	cmd := command{name: name, apply: apply, done: make(chan error, 1)}
	select {
	case c.commands <- cmd:
	case <-c.stopped:
		return errControllerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *controller) clearFaults(ctx context.Context) error {
	return c.submit(ctx, "ClearFaults", func(_ context.Context, e *soc.Engine) error {
		return e.ClearFaults()
	})
}

func (c *controller) forceFullAnchor(ctx context.Context) error {
	return c.submit(ctx, "ForceFullAnchor", func(_ context.Context, e *soc.Engine) error {
		e.ForceFullAnchor()
		return nil
	})
}

func (c *controller) forceEmptyAnchor(ctx context.Context) error {
	return c.submit(ctx, "ForceEmptyAnchor", func(_ context.Context, e *soc.Engine) error {
		e.ForceEmptyAnchor()
		return nil
	})
}

func (c *controller) clearLearnedCapacity(ctx context.Context) error {
	return c.submit(ctx, "ClearLearnedCapacity", func(_ context.Context, e *soc.Engine) error {
		e.ClearLearnedCapacity()
		return nil
	})
}

func (c *controller) ccOneshot(ctx context.Context) error {
	return c.submit(ctx, "CCOneshot", func(ctx context.Context, e *soc.Engine) error {
		return e.CCOneshot(ctx)
	})
}

// statusReport is the JSON form of the latest outputs.
type statusReport struct {
	Timestamp     float64  `json:"timestamp"`
	PackMV        int      `json:"packMV"`
	CellMV        []int    `json:"cellMV"`
	MinCellMV     float64  `json:"minCellMV"`
	AvgCellMV     float64  `json:"avgCellMV"`
	CurrentMA     float64  `json:"currentMA"`
	TemperatureC  float64  `json:"temperatureC"`
	SoCPercent    float64  `json:"socPercent"`
	SoCConfidence float64  `json:"socConfidence"`
	SoCValid      bool     `json:"socValid"`
	CapacityMAh   float64  `json:"capacityMAh"`
	RemainingMAh  float64  `json:"remainingMAh"`
	RestState     string   `json:"restState"`
	RestWeight    float64  `json:"restWeight"`
	AnchorState   string   `json:"anchorState"`
	Chemistry     string   `json:"chemistry"`
	Mode          string   `json:"mode"`
	Faults        []string `json:"faults"`
	DeviceReady   bool     `json:"deviceReady"`
	CCReady       bool     `json:"ccReady"`
	BalanceMask   uint8    `json:"balanceMask"`
	TelemetryOK   bool     `json:"telemetryOK"`
}

func newStatusReport(out soc.Outputs) statusReport {
	faults := out.Faults.Names()
	if faults == nil {
		faults = []string{}
	}
	return statusReport{
		Timestamp:     out.Timestamp,
		PackMV:        out.PackMV,
		CellMV:        out.CellMV,
		MinCellMV:     out.MinCellMV,
		AvgCellMV:     out.AvgCellMV,
		CurrentMA:     out.CurrentMA,
		TemperatureC:  out.TemperatureC,
		SoCPercent:    out.SoCPercent,
		SoCConfidence: out.SoCConfidence,
		SoCValid:      out.SoCValid,
		CapacityMAh:   out.CapacityMAh,
		RemainingMAh:  out.RemainingMAh,
		RestState:     out.RestState.String(),
		RestWeight:    out.RestWeight,
		AnchorState:   out.AnchorState.String(),
		Chemistry:     out.Chemistry,
		Mode:          out.Mode,
		Faults:        faults,
		DeviceReady:   out.DeviceReady,
		CCReady:       out.CCReady,
		BalanceMask:   out.BalanceMask,
		TelemetryOK:   out.TelemetryOK,
	}
}

// statusHolder hands the latest outputs to the dbus and http goroutines.
type statusHolder struct {
	mu  sync.RWMutex
	out soc.Outputs
}

func (h *statusHolder) set(out soc.Outputs) {
	out.CellMV = append([]int(nil), out.CellMV...)
	h.mu.Lock()
	h.out = out
	h.mu.Unlock()
}

func (h *statusHolder) report() statusReport {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return newStatusReport(h.out)
}
