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
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/TheCacophonyProject/event-reporter/v3/eventclient"
	"github.com/TheCacophonyProject/tc2-bms-controller/soc"
	"github.com/godbus/dbus"
	"github.com/sirupsen/logrus"
)

const (
	DefaultCSVPath  = "/var/log/bms-readings.csv"
	maxCSVReadings  = 5000
	csvTrimInterval = 24 * time.Hour

	logInterval = time.Minute

	signalPath = dbus.ObjectPath(dbusPath)
	signalName = dbusName + ".Battery"
)

// logSink prints a summary at Info once a minute and every tick at Debug.
type logSink struct {
	log     logrus.FieldLogger
	now     func() time.Time
	lastLog time.Time
}

func newLogSink(l logrus.FieldLogger) *logSink {
	return &logSink{log: l, now: time.Now}
}

func (s *logSink) Publish(out soc.Outputs) {
	line := fmt.Sprintf("SoC: %.1f%% (conf %.2f), pack: %dmV, current: %.0fmA, temp: %.1fC, rest: %s, anchor: %s, mode: %s, faults: %s",
		out.SoCPercent, out.SoCConfidence, out.PackMV, out.CurrentMA, out.TemperatureC,
		out.RestState, out.AnchorState, out.Mode, out.Faults)
	if now := s.now(); now.Sub(s.lastLog) >= logInterval {
		s.log.Info(line)
		s.lastLog = now
	} else {
		s.log.Debug(line)
	}
}

var addEvent = eventclient.AddEvent

// Event detail marking an event for attention on the server.
const (
	severityKey   = "severity"
	severityError = "error"
)

// eventSink reports fault latches, SoC steps of 10%, anchors and learned capacity
// to the event reporter.
type eventSink struct {
	log       logrus.FieldLogger
	started   bool
	faults    soc.Fault
	socStep   int
	anchor    soc.AnchorState
	capacity  float64
	lastError error
}

func newEventSink(l logrus.FieldLogger) *eventSink {
	return &eventSink{log: l, socStep: -1}
}

func (s *eventSink) Publish(out soc.Outputs) {
	if !s.started {
		s.started = true
		s.faults = out.Faults
		s.anchor = out.AnchorState
		s.capacity = out.CapacityMAh
		if out.SoCValid {
			s.socStep = socStep(out.SoCPercent)
		}
		return
	}

	if added := out.Faults &^ s.faults; added != 0 {
		details := map[string]interface{}{
			"faults":  added.Names(),
			"latched": out.Faults.Names(),
			"mode":    out.Mode,
		}
		if added&soc.FaultHardware != 0 {
			details[severityKey] = severityError
		}
		s.report("bmsFault", details)
	} else if out.Faults == 0 && s.faults != 0 {
		s.report("bmsFaultsCleared", map[string]interface{}{"cleared": s.faults.Names()})
	}
	s.faults = out.Faults

	if out.SoCValid {
		if step := socStep(out.SoCPercent); step != s.socStep {
			s.report("bmsSoC", map[string]interface{}{
				"socPercent":   math.Round(out.SoCPercent*10) / 10,
				"confidence":   out.SoCConfidence,
				"remainingMAh": math.Round(out.RemainingMAh),
			})
			s.socStep = step
		}
	}

	if out.AnchorState != s.anchor && (out.AnchorState == soc.AnchorFull || out.AnchorState == soc.AnchorEmpty) {
		s.report("bmsAnchor", map[string]interface{}{
			"anchor":     out.AnchorState.String(),
			"minCellMV":  out.MinCellMV,
			"currentMA":  out.CurrentMA,
			"socPercent": out.SoCPercent,
		})
	}
	s.anchor = out.AnchorState

	if math.Abs(out.CapacityMAh-s.capacity) >= 0.5 {
		s.report("bmsCapacityLearned", map[string]interface{}{
			"previousMAh": math.Round(s.capacity),
			"capacityMAh": math.Round(out.CapacityMAh),
		})
	}
	s.capacity = out.CapacityMAh
}

func (s *eventSink) report(eventType string, details map[string]interface{}) {
	err := addEvent(eventclient.Event{
		Timestamp: time.Now(),
		Type:      eventType,
		Details:   details,
	})
	if err != nil {
		// Only log the first of a run of failures.
		if s.lastError == nil {
			s.log.Errorf("Error adding %s event: %v", eventType, err)
		}
	}
	s.lastError = err
}

func socStep(percent float64) int {
	return int(math.Floor(percent / 10))
}

type emitter interface {
	Emit(path dbus.ObjectPath, name string, values ...interface{}) error
}

// signalSink emits org.cacophony.bms.Battery with the headline numbers every tick.
type signalSink struct {
	conn emitter
	log  logrus.FieldLogger
	// Suppresses repeated errors.
	failing bool
}

func newSignalSink(conn emitter, l logrus.FieldLogger) *signalSink {
	return &signalSink{conn: conn, log: l}
}

func (s *signalSink) Publish(out soc.Outputs) {
	err := s.conn.Emit(signalPath, signalName,
		out.SoCPercent,
		out.SoCConfidence,
		float64(out.PackMV)/1000,
		out.CurrentMA,
		out.Mode,
		uint32(out.Faults),
	)
	if err != nil && !s.failing {
		s.log.Errorf("Failed to emit battery signal: %v", err)
	}
	s.failing = err != nil
}

// csvSink appends one row per good tick and trims the file back to the last
// maxCSVReadings lines once a day. Columns:
// time, pack mV, cell 1-4 mV, current mA, temp C, SoC %, confidence,
// remaining mAh, capacity mAh, rest, anchor, mode, faults, balance mask.
type csvSink struct {
	path     string
	log      logrus.FieldLogger
	now      func() time.Time
	maxLines int
	lastTrim time.Time
	failing  bool
}

func newCSVSink(path string, l logrus.FieldLogger) (*csvSink, error) {
	s := &csvSink{path: path, log: l, now: time.Now, maxLines: maxCSVReadings}
	if err := keepLastLines(path, s.maxLines); err != nil {
		return nil, err
	}
	s.lastTrim = s.now()
	return s, nil
}

func (s *csvSink) Publish(out soc.Outputs) {
	if !out.TelemetryOK {
		return
	}
	err := s.write(out)
	if err != nil && !s.failing {
		s.log.Errorf("Failed to write readings to %s: %v", s.path, err)
	}
	s.failing = err != nil
}

func (s *csvSink) write(out soc.Outputs) error {
	now := s.now()
	if now.Sub(s.lastTrim) > csvTrimInterval {
		if err := keepLastLines(s.path, s.maxLines); err != nil {
			return err
		}
		s.lastTrim = now
	}

	file, err := os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write(csvRow(now, out)); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func csvRow(now time.Time, out soc.Outputs) []string {
	f := func(v float64, prec int) string { return strconv.FormatFloat(v, 'f', prec, 64) }
	row := []string{now.Format("2006-01-02 15:04:05"), strconv.Itoa(out.PackMV)}
	for i := 0; i < soc.SupportedCellCount; i++ {
		if i < len(out.CellMV) {
			row = append(row, strconv.Itoa(out.CellMV[i]))
		} else {
			row = append(row, "")
		}
	}
	return append(row,
		f(out.CurrentMA, 1),
		f(out.TemperatureC, 1),
		f(out.SoCPercent, 2),
		f(out.SoCConfidence, 3),
		f(out.RemainingMAh, 1),
		f(out.CapacityMAh, 1),
		out.RestState.String(),
		out.AnchorState.String(),
		out.Mode,
		strings.Join(out.Faults.Names(), "|"),
		fmt.Sprintf("0x%02X", out.BalanceMask),
	)
}

// keepLastLines keeps the last `maxLines` lines of the specified file.
func keepLastLines(filePath string, maxLines int) error {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return nil
	}
	tmpFile := filePath + ".tmp"
	err := os.Remove(tmpFile)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	commands := []string{"sh", "-c", fmt.Sprintf("tail -n %d %s > %s", maxLines, filePath, tmpFile)}
	cmd := exec.Command(commands[0], commands[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("err running '%s', %v, %v", strings.Join(commands, " "), string(out), err)
	}
	return os.Rename(tmpFile, filePath)
}
