// Package stats exposes per-connection replication metrics to Prometheus.
// A ConnectionCollector is scraped pull-style: it holds no gauges of its
// own, only a reference to each tracked connection's Snapshot method, and
// builds metrics on demand when Collect runs.
package stats

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jabolina/go-netcode/pkg/netcode/types"
)

// Instrumented is implemented by anything a ConnectionCollector can track,
// satisfied by *conn.Connection.
type Instrumented interface {
	Snapshot() types.ConnectionStats
}

type metric struct {
	description *prometheus.Desc
	valueType   prometheus.ValueType
	supplier    func(types.ConnectionStats) float64
}

// ConnectionCollector implements prometheus.Collector over a dynamic set of
// live connections, keyed by an arbitrary label the caller chooses (a peer
// address, a player id, whatever identifies the connection on a dashboard).
type ConnectionCollector struct {
	mu      sync.Mutex
	conns   map[string]Instrumented
	logger  func(error)
	metrics []metric
}

// NewConnectionCollector builds a collector whose metric names are
// "<prefix>_<name>" and whose single variable label is labelName (typically
// "peer"). constLabels are attached to every metric and are meant for
// values constant for the whole process, e.g. "role": "server".
func NewConnectionCollector(prefix, labelName string, constLabels prometheus.Labels, errorLoggingCallback func(error)) *ConnectionCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(fmt.Sprintf("%s_%s", prefix, name), help, []string{labelName}, constLabels)
	}

	return &ConnectionCollector{
		conns:  make(map[string]Instrumented),
		logger: errorLoggingCallback,
		metrics: []metric{
			{
				description: desc("rtt_milliseconds", "Smoothed round-trip time sampled from the handshake time-sync exchange."),
				valueType:   prometheus.GaugeValue,
				supplier:    func(s types.ConnectionStats) float64 { return s.RTTMillis },
			},
			{
				description: desc("jitter_milliseconds", "Round-trip time variance sampled alongside rtt_milliseconds."),
				valueType:   prometheus.GaugeValue,
				supplier:    func(s types.ConnectionStats) float64 { return s.JitterMillis },
			},
			{
				description: desc("bytes_sent_total", "Payload bytes written to outgoing packets, including headers."),
				valueType:   prometheus.CounterValue,
				supplier:    func(s types.ConnectionStats) float64 { return float64(s.BytesSent) },
			},
			{
				description: desc("bytes_received_total", "Payload bytes decoded from incoming packets, including headers."),
				valueType:   prometheus.CounterValue,
				supplier:    func(s types.ConnectionStats) float64 { return float64(s.BytesReceived) },
			},
			{
				description: desc("packets_sent_total", "Outgoing packets, Data and Heartbeat combined."),
				valueType:   prometheus.CounterValue,
				supplier:    func(s types.ConnectionStats) float64 { return float64(s.PacketsSent) },
			},
			{
				description: desc("packets_received_total", "Incoming packets successfully header-decoded."),
				valueType:   prometheus.CounterValue,
				supplier:    func(s types.ConnectionStats) float64 { return float64(s.PacketsReceived) },
			},
			{
				description: desc("acks_outstanding", "Sent packets still awaiting a delivered/dropped verdict from the peer's ack header."),
				valueType:   prometheus.GaugeValue,
				supplier:    func(s types.ConnectionStats) float64 { return float64(s.OutstandingAcks) },
			},
			{
				description: desc("pending_host_actions", "Entity actions written at least once but not yet acknowledged by the peer."),
				valueType:   prometheus.GaugeValue,
				supplier:    func(s types.ConnectionStats) float64 { return float64(s.PendingHostActions) },
			},
		},
	}
}

// Add starts tracking conn under label, replacing whatever was previously
// tracked under the same label.
func (c *ConnectionCollector) Add(label string, conn Instrumented) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[label] = conn
}

// Remove stops tracking the connection registered under label, called when
// a Connection is torn down.
func (c *ConnectionCollector) Remove(label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conns, label)
}

// Describe implements prometheus.Collector.
func (c *ConnectionCollector) Describe(descs chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		descs <- m.description
	}
}

// Collect implements prometheus.Collector, snapshotting every tracked
// connection at scrape time.
func (c *ConnectionCollector) Collect(out chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for label, tracked := range c.conns {
		snap := tracked.Snapshot()
		for _, m := range c.metrics {
			metric, err := prometheus.NewConstMetric(m.description, m.valueType, m.supplier(snap), label)
			if err != nil {
				if c.logger != nil {
					c.logger(fmt.Errorf("stats: building metric %s for %s: %w", m.description, label, err))
				}
				continue
			}
			out <- metric
		}
	}
}

var _ prometheus.Collector = (*ConnectionCollector)(nil)
