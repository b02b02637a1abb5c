package bms

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/TheCacophonyProject/tc2-bms-controller/soc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var allFaults = []soc.Fault{
	soc.FaultTelemetry,
	soc.FaultOvervoltage,
	soc.FaultUndervoltage,
	soc.FaultShortCircuit,
	soc.FaultOvercurrent,
	soc.FaultThermal,
	soc.FaultCellCountMismatch,
	soc.FaultWatchdog,
	soc.FaultDevice,
}

// metricsSink exposes every tick's outputs as Prometheus metrics.
type metricsSink struct {
	socPercent     prometheus.Gauge
	confidence     prometheus.Gauge
	packMV         prometheus.Gauge
	cellMV         *prometheus.GaugeVec
	currentMA      prometheus.Gauge
	temperatureC   prometheus.Gauge
	capacityMAh    prometheus.Gauge
	remainingMAh   prometheus.Gauge
	restWeight     prometheus.Gauge
	fault          *prometheus.GaugeVec
	balanceMask    prometheus.Gauge
	telemetryFails prometheus.Counter
	anchors        *prometheus.CounterVec

	lastAnchor soc.AnchorState
}

// register adds c to reg, or returns the collector already registered under the same name.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func gauge(reg prometheus.Registerer, name, help string) (prometheus.Gauge, error) {
	return register(reg, prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "bms", Name: name, Help: help}))
}

func newMetricsSink(reg prometheus.Registerer) (*metricsSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &metricsSink{}
	var err error
	gauges := []struct {
		dst        *prometheus.Gauge
		name, help string
	}{
		{&m.socPercent, "soc_percent", "Estimated state of charge."},
		{&m.confidence, "soc_confidence", "Confidence in the state of charge estimate, 0 to 1."},
		{&m.packMV, "pack_voltage_mv", "Pack voltage in millivolts."},
		{&m.currentMA, "current_ma", "Pack current in milliamps, discharge positive."},
		{&m.temperatureC, "temperature_celsius", "Board temperature."},
		{&m.capacityMAh, "capacity_mah", "Learned pack capacity."},
		{&m.remainingMAh, "remaining_mah", "Estimated remaining charge."},
		{&m.restWeight, "rest_weight", "Weight given to the OCV estimate, 0 when not resting."},
		{&m.balanceMask, "balance_mask", "Cells currently being balanced, bit 0 is cell 1."},
	}
	for _, g := range gauges {
		if *g.dst, err = gauge(reg, g.name, g.help); err != nil {
			return nil, err
		}
	}

	m.cellMV, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bms", Name: "cell_voltage_mv", Help: "Cell voltage in millivolts.",
	}, []string{"cell"}))
	if err != nil {
		return nil, err
	}
	m.fault, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bms", Name: "fault", Help: "1 while the fault is latched.",
	}, []string{"fault"}))
	if err != nil {
		return nil, err
	}
	m.telemetryFails, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bms", Name: "telemetry_failures_total", Help: "Ticks skipped because the monitor could not be read.",
	}))
	if err != nil {
		return nil, err
	}
	m.anchors, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bms", Name: "anchors_total", Help: "Times the estimate was anchored to full or empty.",
	}, []string{"anchor"}))
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metricsSink) Publish(out soc.Outputs) {
	for _, f := range allFaults {
		v := 0.0
		if out.Faults.Has(f) {
			v = 1
		}
		m.fault.WithLabelValues(f.String()).Set(v)
	}
	m.balanceMask.Set(float64(out.BalanceMask))

	if !out.TelemetryOK {
		m.telemetryFails.Inc()
		return
	}

	m.socPercent.Set(out.SoCPercent)
	m.confidence.Set(out.SoCConfidence)
	m.packMV.Set(float64(out.PackMV))
	for i, mv := range out.CellMV {
		m.cellMV.WithLabelValues(strconv.Itoa(i + 1)).Set(float64(mv))
	}
	m.currentMA.Set(out.CurrentMA)
	m.temperatureC.Set(out.TemperatureC)
	m.capacityMAh.Set(out.CapacityMAh)
	m.remainingMAh.Set(out.RemainingMAh)
	m.restWeight.Set(out.RestWeight)

	if out.AnchorState != m.lastAnchor && (out.AnchorState == soc.AnchorFull || out.AnchorState == soc.AnchorEmpty) {
		m.anchors.WithLabelValues(out.AnchorState.String()).Inc()
	}
	m.lastAnchor = out.AnchorState
}

type httpServer struct {
	server *http.Server
	ln     net.Listener
	log    logrus.FieldLogger
}

// startHTTPServer serves /metrics from gatherer and /status from the latest outputs.
func startHTTPServer(listen string, gatherer prometheus.Gatherer, status *statusHolder, l logrus.FieldLogger) (*httpServer, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status.report()); err != nil {
			l.Errorf("Failed to encode status: %v", err)
		}
	})

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			l.Errorf("Metrics server stopped: %v", err)
		}
	}()
	l.Infof("Serving metrics on %s", ln.Addr())
	return &httpServer{server: srv, ln: ln, log: l}, nil
}

func (s *httpServer) Addr() string {
	return s.ln.Addr().String()
}

func (s *httpServer) close() {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil && err != context.Canceled {
		s.log.Errorf("Failed to shut down metrics server: %v", err)
	}
}
