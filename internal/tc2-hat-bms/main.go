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
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goconfig "github.com/TheCacophonyProject/go-config"
	"github.com/TheCacophonyProject/go-utils/logging"
	"github.com/TheCacophonyProject/tc2-bms-controller/bq769x0"
	"github.com/TheCacophonyProject/tc2-bms-controller/i2crequest"
	"github.com/TheCacophonyProject/tc2-bms-controller/soc"
	"github.com/alexflint/go-arg"
	"github.com/godbus/dbus"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	version = "<not set>"
	log     = logging.NewLogger("info")
)

type Args struct {
	Sample    *Sample `arg:"subcommand:sample" help:"Read the monitor and print the samples, then exit."`
	ConfigDir string  `arg:"-c,--config" help:"configuration folder"`
	StateDir  string  `arg:"--state-dir" help:"folder the SoC state is saved in"`
	CSV       string  `arg:"--csv" help:"readings log file, empty to disable"`
	Metrics   string  `arg:"--metrics" help:"address to serve /metrics and /status on, empty to disable"`
	Direct    bool    `arg:"--direct" help:"use the I2C bus directly instead of the tc2-hat-i2c service"`
	logging.LogArgs
}

type Sample struct {
	Count    int           `arg:"-n,--count" default:"1" help:"number of samples"`
	Interval time.Duration `arg:"--interval" default:"1s" help:"time between samples"`
}

func (Args) Version() string {
	return version
}

var defaultArgs = Args{
	ConfigDir: goconfig.DefaultConfigDir,
	StateDir:  DefaultStateDir,
	CSV:       DefaultCSVPath,
	Metrics:   ":2113",
}

func procArgs(input []string) (Args, error) {
	args := defaultArgs

	parser, err := arg.NewParser(arg.Config{}, &args)
	if err != nil {
		return Args{}, err
	}
	err = parser.Parse(input)
	if errors.Is(err, arg.ErrHelp) {
		parser.WriteHelp(os.Stdout)
		os.Exit(0)
	}
	if errors.Is(err, arg.ErrVersion) {
		fmt.Println(version)
		os.Exit(0)
	}
	return args, err
}

func Run(inputArgs []string, ver string) error {
	version = ver
	args, err := procArgs(inputArgs)
	if err != nil {
		return fmt.Errorf("failed to parse args: %v", err)
	}
	log = logging.NewLogger(args.LogLevel)

	log.Infof("Running version: %s", version)

	cfg, err := LoadConfig(args.ConfigDir)
	if err != nil {
		return err
	}
	if err := checkDeviceBattery(args.ConfigDir); err != nil {
		if errors.Is(err, errBatteryReadingsDisabled) {
			log.Info("Battery readings disabled, not doing anything.")
			for {
				time.Sleep(time.Minute)
			}
		}
		return err
	}

	bus, closeBus, err := openBus(args.Direct)
	if err != nil {
		return err
	}
	defer closeBus()

	monitor := bq769x0.New(bus, bq769x0.Config{
		Address:        cfg.Address,
		CRC:            cfg.CRC,
		CellCount:      cfg.CellCount,
		RSenseMilliohm: cfg.RSenseMilliohm,
	}, log)
	if err := monitor.Setup(); err != nil {
		return fmt.Errorf("failed to set up BQ769x0 at 0x%02X: %w", cfg.Address, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args.Sample != nil {
		return printSamples(ctx, monitor, args.Sample)
	}

	engine, err := soc.NewEngine(cfg, monitor, log)
	if err != nil {
		return err
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		return err
	}
	sinks := soc.OutputSinks{newLogSink(log), newEventSink(log), newSignalSink(conn, log)}

	if args.CSV != "" {
		csvSink, err := newCSVSink(args.CSV, log)
		if err != nil {
			return err
		}
		sinks = append(sinks, csvSink)
	}

	ctrl := newController(engine, monitor, nil, newStateStore(args.StateDir), log)

	if args.Metrics != "" {
		reg := prometheus.NewRegistry()
		metrics, err := newMetricsSink(reg)
		if err != nil {
			return err
		}
		sinks = append(sinks, metrics)
		server, err := startHTTPServer(args.Metrics, reg, ctrl.status, log)
		if err != nil {
			return err
		}
		defer server.close()
	}
	ctrl.sink = sinks

	ctrl.restore()
	if err := startService(conn, ctrl); err != nil {
		return err
	}

	log.Infof("Polling BQ769x0 every %s", cfg.PollInterval)
	err = ctrl.run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info("Stopping")
		return nil
	}
	return err
}

func openBus(direct bool) (i2crequest.Bus, func(), error) {
	if !direct {
		return i2crequest.DBusBus{Timeout: i2crequest.DefaultTimeout}, func() {}, nil
	}
	bus, err := i2crequest.OpenDirect()
	if err != nil {
		return nil, nil, err
	}
	return bus, func() {
		if err := bus.Close(); err != nil {
			log.Error(err)
		}
	}, nil
}

func printSamples(ctx context.Context, src soc.TelemetrySource, args *Sample) error {
	for i := 0; i < args.Count; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(args.Interval):
			}
		}
		s, err := src.Sample(ctx)
		if err != nil {
			return err
		}
		log.Infof("Cells: %v mV, pack: %dmV, current: %.1fmA, temp: %.1fC, status: %+v",
			s.CellMV, s.PackMV, s.CurrentMA, s.TemperatureC, s.Status)
	}
	return nil
}
