// Package metrics exports binding status as Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deploymenttheory/go-remap/internal/services"
)

const namespace = "remap"

// States lists every value of the state label
var States = []string{"unloaded", "loading", "loaded", "loaded-empty", "degraded", "failed", "stopped"}

// SnapshotSource returns the status of every running binding
type SnapshotSource interface {
	Snapshot() []services.DeviceStatus
}

type counter struct {
	desc  *prometheus.Desc
	value func(services.StatsSnapshot) int64
}

type gauge struct {
	desc  *prometheus.Desc
	value func(services.DeviceStatus) float64
}

// Collector reads a fresh snapshot on every scrape, so no metric state is
// kept between scrapes.
type Collector struct {
	source   SnapshotSource
	state    *prometheus.Desc
	copy     *prometheus.Desc
	gauges   []gauge
	counters []counter
}

var _ prometheus.Collector = (*Collector)(nil)

func newCounter(name, help string, value func(services.StatsSnapshot) int64) counter {
	return counter{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "device", name), help, []string{"device"}, nil),
		value: value,
	}
}

func newGauge(name, help string, value func(services.DeviceStatus) float64) gauge {
	return gauge{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "device", name), help, []string{"device"}, nil),
		value: value,
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// NewCollector creates a collector over source
func NewCollector(source SnapshotSource) *Collector {
	return &Collector{
		source: source,
		state: prometheus.NewDesc(prometheus.BuildFQName(namespace, "device", "state"),
			"Lifecycle state of the binding, 1 for the current state.", []string{"device", "state"}, nil),
		copy: prometheus.NewDesc(prometheus.BuildFQName(namespace, "metadata", "copy_valid"),
			"Whether a metadata copy validated on its last read or write.", []string{"device", "copy"}, nil),
		gauges: []gauge{
			newGauge("health_score", "Aggregate health score of the primary device, 0 to 100.",
				func(s services.DeviceStatus) float64 { return float64(s.HealthScore) }),
			newGauge("remap_entries", "Number of relocated sectors.",
				func(s services.DeviceStatus) float64 { return float64(s.RemapCount) }),
			newGauge("remap_capacity", "Maximum number of relocated sectors.",
				func(s services.DeviceStatus) float64 { return float64(s.RemapCapacity) }),
			newGauge("valid_copies", "Number of metadata copies that validated.",
				func(s services.DeviceStatus) float64 { return float64(s.ValidCopies) }),
			newGauge("metadata_sequence", "Sequence number of the last persisted metadata.",
				func(s services.DeviceStatus) float64 { return float64(s.Sequence) }),
			newGauge("dirty", "Whether the remap table has unpersisted changes.",
				func(s services.DeviceStatus) float64 { return boolValue(s.Dirty) }),
			newGauge("repair_degraded", "Whether background repair has given up.",
				func(s services.DeviceStatus) float64 { return boolValue(s.Repair.Degraded) }),
			newGauge("last_sync_timestamp_seconds", "Time of the last successful metadata write.",
				func(s services.DeviceStatus) float64 {
					if s.LastSync.IsZero() {
						return 0
					}
					return float64(s.LastSync.UnixNano()) / 1e9
				}),
		},
		counters: []counter{
			newCounter("lookups_total", "Remap table lookups.", func(s services.StatsSnapshot) int64 { return s.Lookups }),
			newCounter("redirects_total", "Lookups redirected to the spare device.", func(s services.StatsSnapshot) int64 { return s.Redirects }),
			newCounter("remaps_total", "Sectors relocated.", func(s services.StatsSnapshot) int64 { return s.Remaps }),
			newCounter("io_errors_total", "I/O errors reported.", func(s services.StatsSnapshot) int64 { return s.IOErrors }),
			newCounter("spare_errors_total", "I/O errors reported against the spare device.", func(s services.StatsSnapshot) int64 { return s.SpareErrors }),
			newCounter("debounced_errors_total", "Repeated error reports coalesced.", func(s services.StatsSnapshot) int64 { return s.DebouncedErrs }),
			newCounter("metadata_reads_total", "Metadata quorum reads.", func(s services.StatsSnapshot) int64 { return s.MetadataReads }),
			newCounter("metadata_writes_total", "Metadata writes.", func(s services.StatsSnapshot) int64 { return s.MetadataWrites }),
			newCounter("copy_failures_total", "Metadata copy writes that failed.", func(s services.StatsSnapshot) int64 { return s.CopyFailures }),
			newCounter("corruptions_total", "Reads that found invalid or disagreeing copies.", func(s services.StatsSnapshot) int64 { return s.Corruptions }),
			newCounter("repairs_total", "Repair passes run.", func(s services.StatsSnapshot) int64 { return s.Repairs }),
			newCounter("copies_repaired_total", "Metadata copies rewritten by repair.", func(s services.StatsSnapshot) int64 { return s.CopiesRepaired }),
			newCounter("repair_failures_total", "Repair passes that failed.", func(s services.StatsSnapshot) int64 { return s.RepairFailures }),
			newCounter("sync_failures_total", "Metadata syncs that failed.", func(s services.StatsSnapshot) int64 { return s.SyncFailures }),
			newCounter("timeouts_total", "Metadata writes abandoned after the write timeout.", func(s services.StatsSnapshot) int64 { return s.Timeouts }),
			newCounter("sectors_scanned_total", "Sectors sampled by the health scanner.", func(s services.StatsSnapshot) int64 { return s.SectorsScanned }),
			newCounter("scan_passes_total", "Completed health scan passes.", func(s services.StatsSnapshot) int64 { return s.ScanPasses }),
		},
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.state
	ch <- c.copy
	for _, g := range c.gauges {
		ch <- g.desc
	}
	for _, m := range c.counters {
		ch <- m.desc
	}
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, status := range c.source.Snapshot() {
		for _, state := range States {
			ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, boolValue(state == status.State), status.ID, state)
		}
		for i, valid := range status.CopyValid {
			ch <- prometheus.MustNewConstMetric(c.copy, prometheus.GaugeValue, boolValue(valid), status.ID, strconv.Itoa(i))
		}
		for _, g := range c.gauges {
			ch <- prometheus.MustNewConstMetric(g.desc, prometheus.GaugeValue, g.value(status), status.ID)
		}
		for _, m := range c.counters {
			ch <- prometheus.MustNewConstMetric(m.desc, prometheus.CounterValue, float64(m.value(status.Stats)), status.ID)
		}
	}
}

// NewRegistry returns a registry holding the binding collector and the
// standard process and Go runtime collectors
func NewRegistry(source SnapshotSource) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(source),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the metrics of reg
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
