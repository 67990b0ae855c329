// Package metrics exposes Prometheus instrumentation for the zones daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "zonesd"
	subsystem = "manager"
)

// Label names for zonesd metrics.
const (
	labelZone   = "zone"
	labelResult = "result"
)

// Collector holds all zonesd Prometheus metrics.
//
//   - ZonesRunning tracks currently running zones.
//   - ForegroundSwitches counts focus() completions, labeled by new
//     foreground zone, for alerting on switch storms.
//   - ProxyCalls counts proxy-call outcomes (allowed/denied/forwarded_error).
//   - FileMoves counts file-move outcomes by result code.
//   - IPCPeers is a gauge of connected IPC peers, moved only by IncIPCPeers
//     and DecIPCPeers; the ipc package does not call them.
type Collector struct {
	ZonesRunning       *prometheus.GaugeVec
	ForegroundSwitches *prometheus.CounterVec
	ProxyCalls         *prometheus.CounterVec
	FileMoves          *prometheus.CounterVec
	IPCPeers           prometheus.Gauge
}

// NewCollector creates a Collector with all zonesd metrics registered
// against reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.ZonesRunning,
		c.ForegroundSwitches,
		c.ProxyCalls,
		c.FileMoves,
		c.IPCPeers,
	)

	return c
}

func newMetrics() *Collector {
	return &Collector{
		ZonesRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "zones_running",
			Help:      "Whether a zone is currently running (1) or not (0).",
		}, []string{labelZone}),

		ForegroundSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "foreground_switches_total",
			Help:      "Total completed foreground switches, labeled by the new foreground zone.",
		}, []string{labelZone}),

		ProxyCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "proxy_calls_total",
			Help:      "Total proxy calls, labeled by outcome (allowed, denied, forwarded_error).",
		}, []string{labelResult}),

		FileMoves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "file_moves_total",
			Help:      "Total cross-zone file move requests, labeled by FileMoveRequest result code.",
		}, []string{labelResult}),

		IPCPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ipc",
			Name:      "peers",
			Help:      "Number of currently connected IPC peers.",
		}),
	}
}

// SetZoneRunning records whether zone id is running.
func (c *Collector) SetZoneRunning(id string, running bool) {
	v := 0.0
	if running {
		v = 1.0
	}
	c.ZonesRunning.WithLabelValues(id).Set(v)
}

// RecordForegroundSwitch increments the switch counter for the new
// foreground zone id.
func (c *Collector) RecordForegroundSwitch(id string) {
	c.ForegroundSwitches.WithLabelValues(id).Inc()
}

// RecordProxyCall increments the proxy-call outcome counter.
func (c *Collector) RecordProxyCall(result string) {
	c.ProxyCalls.WithLabelValues(result).Inc()
}

// RecordFileMove increments the file-move outcome counter.
func (c *Collector) RecordFileMove(result string) {
	c.FileMoves.WithLabelValues(result).Inc()
}

// IncIPCPeers increments the connected-peers gauge.
func (c *Collector) IncIPCPeers() {
	c.IPCPeers.Inc()
}

// DecIPCPeers decrements the connected-peers gauge.
func (c *Collector) DecIPCPeers() {
	c.IPCPeers.Dec()
}
