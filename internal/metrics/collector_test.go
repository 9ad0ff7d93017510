package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-remap/internal/services"
)

type staticSource []services.DeviceStatus

func (s staticSource) Snapshot() []services.DeviceStatus {
	return s
}

func testStatus(id, state string) services.DeviceStatus {
	return services.DeviceStatus{
		ID:            id,
		State:         state,
		Sequence:      12,
		LastSync:      time.Unix(1700000000, 0),
		RemapCount:    3,
		RemapCapacity: 64,
		HealthScore:   75,
		CopyValid:     []bool{true, true, false, true, true},
		ValidCopies:   4,
		Stats:         services.StatsSnapshot{Remaps: 3, IOErrors: 5, Redirects: 9},
	}
}

// gathered maps metric name and label values to the sample value
func gathered(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	out := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, l := range m.GetLabel() {
				key += "," + l.GetValue()
			}
			switch {
			case m.GetGauge() != nil:
				out[key] = m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			}
		}
	}
	return out
}

func TestCollectorExportsStatus(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewCollector(staticSource{testStatus("disk0", "degraded")})))

	values := gathered(t, reg)
	assert.Equal(t, 75.0, values["remap_device_health_score,disk0"])
	assert.Equal(t, 3.0, values["remap_device_remap_entries,disk0"])
	assert.Equal(t, 64.0, values["remap_device_remap_capacity,disk0"])
	assert.Equal(t, 12.0, values["remap_device_metadata_sequence,disk0"])
	assert.Equal(t, 1700000000.0, values["remap_device_last_sync_timestamp_seconds,disk0"])
	assert.Equal(t, 5.0, values["remap_device_io_errors_total,disk0"])
	assert.Equal(t, 9.0, values["remap_device_redirects_total,disk0"])

	assert.Equal(t, 1.0, values["remap_device_state,disk0,degraded"])
	assert.Equal(t, 0.0, values["remap_device_state,disk0,loaded"])
	assert.Equal(t, 0.0, values["remap_metadata_copy_valid,disk0,2"])
	assert.Equal(t, 1.0, values["remap_metadata_copy_valid,disk0,4"])
}

func TestCollectorOneSeriesSetPerDevice(t *testing.T) {
	one := NewCollector(staticSource{testStatus("disk0", "loaded")})
	two := NewCollector(staticSource{testStatus("disk0", "loaded"), testStatus("disk1", "failed")})

	perDevice := testutil.CollectAndCount(one)
	assert.Equal(t, 2*perDevice, testutil.CollectAndCount(two))
	assert.Zero(t, testutil.CollectAndCount(NewCollector(staticSource{})))
}

func TestHandlerServesMetrics(t *testing.T) {
	reg := NewRegistry(staticSource{testStatus("disk0", "loaded")})
	server := httptest.NewServer(Handler(reg))
	defer server.Close()

	resp, err := server.Client().Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `remap_device_health_score{device="disk0"} 75`)
	assert.Contains(t, string(body), "go_goroutines")
}
