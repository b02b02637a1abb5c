package bms

import (
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/TheCacophonyProject/tc2-bms-controller/soc"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	byName := map[string]*dto.MetricFamily{}
	for _, mf := range families {
		byName[mf.GetName()] = mf
	}
	return byName
}

func labelled(mf *dto.MetricFamily, label, value string) *dto.Metric {
	for _, m := range mf.Metric {
		for _, l := range m.Label {
			if l.GetName() == label && l.GetValue() == value {
				return m
			}
		}
	}
	return nil
}

func TestMetricsSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := newMetricsSink(reg)
	require.NoError(t, err)

	out := testOutputs()
	out.Faults = soc.FaultOvervoltage
	out.BalanceMask = 0x02
	sink.Publish(out)

	families := gather(t, reg)
	assert.Equal(t, 45.0, families["bms_soc_percent"].Metric[0].GetGauge().GetValue())
	assert.Equal(t, 0.8, families["bms_soc_confidence"].Metric[0].GetGauge().GetValue())
	assert.Equal(t, 14800.0, families["bms_pack_voltage_mv"].Metric[0].GetGauge().GetValue())
	assert.Equal(t, 2.0, families["bms_balance_mask"].Metric[0].GetGauge().GetValue())

	cells := families["bms_cell_voltage_mv"]
	require.Len(t, cells.Metric, 4)
	assert.Equal(t, 3701.0, labelled(cells, "cell", "2").GetGauge().GetValue())

	faults := families["bms_fault"]
	assert.Len(t, faults.Metric, len(allFaults))
	assert.Equal(t, 1.0, labelled(faults, "fault", "overvoltage").GetGauge().GetValue())
	assert.Equal(t, 0.0, labelled(faults, "fault", "thermal").GetGauge().GetValue())

	// A failed tick only counts, the last good values stay.
	failed := out
	failed.TelemetryOK = false
	failed.SoCPercent = 0
	sink.Publish(failed)
	families = gather(t, reg)
	assert.Equal(t, 45.0, families["bms_soc_percent"].Metric[0].GetGauge().GetValue())
	assert.Equal(t, 1.0, families["bms_telemetry_failures_total"].Metric[0].GetCounter().GetValue())

	out.AnchorState = soc.AnchorFull
	sink.Publish(out)
	sink.Publish(out)
	anchors := gather(t, reg)["bms_anchors_total"]
	assert.Equal(t, 1.0, labelled(anchors, "anchor", "full-anchored").GetCounter().GetValue())
}

func TestMetricsSinkReusesRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := newMetricsSink(reg)
	require.NoError(t, err)
	second, err := newMetricsSink(reg)
	require.NoError(t, err)
	assert.Same(t, first.cellMV, second.cellMV)
	assert.Same(t, first.fault, second.fault)

	second.Publish(testOutputs())
	families := gather(t, reg)
	assert.Equal(t, 45.0, families["bms_soc_percent"].Metric[0].GetGauge().GetValue())
}

func TestHTTPServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := newMetricsSink(reg)
	require.NoError(t, err)
	status := &statusHolder{}

	out := testOutputs()
	sink.Publish(out)
	status.set(out)

	server, err := startHTTPServer("127.0.0.1:0", reg, status, quietLogger())
	require.NoError(t, err)
	defer server.close()
	base := "http://" + server.Addr()

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "bms_soc_percent 45")

	resp, err = http.Get(base + "/status")
	require.NoError(t, err)
	var report statusReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	resp.Body.Close()
	assert.Equal(t, 45.0, report.SoCPercent)
	assert.Equal(t, []int{3700, 3701, 3699, 3700}, report.CellMV)
	assert.Equal(t, []string{}, report.Faults)
	assert.Equal(t, "transient", report.RestState)

	resp, err = http.Post(base+"/status", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
