// Package metrics exposes a running session's counters as Prometheus
// metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"splittunnel-engine/internal/model"
)

// SnapshotFunc returns the current stats for whatever session is
// active, or the zero value if none is.
type SnapshotFunc func() model.StatsSnapshot

// Collector implements prometheus.Collector over a live session's
// counters, pulled on every scrape rather than mirrored into a second
// set of counters that could drift from the session's own atomics.
type Collector struct {
	snapshot SnapshotFunc

	bytesOut          *prometheus.Desc
	bytesIn           *prometheus.Desc
	flowsActive       *prometheus.Desc
	natEntries        *prometheus.Desc
	packetsPassed     *prometheus.Desc
	packetsRedirected *prometheus.Desc
	packetsDiscarded  *prometheus.Desc
}

// NewCollector builds a Collector that reads counters via fn on every
// Collect call. fn must be safe to call concurrently with the session
// it reads from.
func NewCollector(fn SnapshotFunc) *Collector {
	const ns = "splittunnel"
	return &Collector{
		snapshot: fn,
		bytesOut: prometheus.NewDesc(
			ns+"_bytes_out_total", "Total bytes sent out the physical or VPN adapter.", nil, nil),
		bytesIn: prometheus.NewDesc(
			ns+"_bytes_in_total", "Total bytes received on the physical or VPN adapter.", nil, nil),
		flowsActive: prometheus.NewDesc(
			ns+"_flows_active", "Number of flows currently tracked.", nil, nil),
		natEntries: prometheus.NewDesc(
			ns+"_nat_entries", "Number of live NAT table entries across both protocols.", nil, nil),
		packetsPassed: prometheus.NewDesc(
			ns+"_packets_passed_total", "Packets forwarded unmodified.", nil, nil),
		packetsRedirected: prometheus.NewDesc(
			ns+"_packets_redirected_total", "Packets rewritten and redirected between adapters.", nil, nil),
		packetsDiscarded: prometheus.NewDesc(
			ns+"_packets_discarded_total", "Packets dropped due to a rewrite failure.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bytesOut
	ch <- c.bytesIn
	ch <- c.flowsActive
	ch <- c.natEntries
	ch <- c.packetsPassed
	ch <- c.packetsRedirected
	ch <- c.packetsDiscarded
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.snapshot()
	ch <- prometheus.MustNewConstMetric(c.bytesOut, prometheus.CounterValue, float64(s.BytesOut))
	ch <- prometheus.MustNewConstMetric(c.bytesIn, prometheus.CounterValue, float64(s.BytesIn))
	ch <- prometheus.MustNewConstMetric(c.flowsActive, prometheus.GaugeValue, float64(s.FlowsActive))
	ch <- prometheus.MustNewConstMetric(c.natEntries, prometheus.GaugeValue, float64(s.NatEntries))
	ch <- prometheus.MustNewConstMetric(c.packetsPassed, prometheus.CounterValue, float64(s.PacketsPassed))
	ch <- prometheus.MustNewConstMetric(c.packetsRedirected, prometheus.CounterValue, float64(s.PacketsRedirected))
	ch <- prometheus.MustNewConstMetric(c.packetsDiscarded, prometheus.CounterValue, float64(s.PacketsDiscarded))
}
