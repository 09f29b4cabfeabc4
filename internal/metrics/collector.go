// Package routermetrics exposes Prometheus instrumentation for the
// inter-VM router's data plane and the upstream agent's control plane.
package routermetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "vmrouter"
)

// Label names.
const (
	labelEgress = "egress"
	labelReason = "reason"
)

// Collector holds all router Prometheus metrics. It satisfies the
// metrics interfaces of both the router and upstream packages.
type Collector struct {
	// FramesForwarded counts frames emitted per egress interface.
	FramesForwarded *prometheus.CounterVec

	// FramesDropped counts frames dropped per reason: short_frame,
	// no_fib_match, not_ready, send_timeout, untagged, inactive_vlan,
	// no_active_vlan.
	FramesDropped *prometheus.CounterVec

	// Broadcasts counts broadcast fan-out decisions.
	Broadcasts prometheus.Counter

	// FIBEntries tracks the size of the forwarding table. Entries are
	// never evicted, so this only grows within a process lifetime.
	FIBEntries prometheus.Gauge

	// ActiveUpstreamVlan is the elected upstream VLAN id, -1 when no
	// interface is active.
	ActiveUpstreamVlan prometheus.Gauge

	// RadvsObserved counts router advertisements with a nonzero
	// lifetime, per VLAN.
	RadvsObserved *prometheus.CounterVec

	// AppInterfaces tracks the number of installed app VM interfaces.
	// Interfaces are never removed.
	AppInterfaces prometheus.Gauge
}

// NewCollector creates a Collector with all metrics registered against
// reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		FramesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "frames_forwarded_total",
			Help:      "Frames emitted per egress interface.",
		}, []string{labelEgress}),

		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped, by reason.",
		}, []string{labelReason}),

		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "broadcasts_total",
			Help:      "Broadcast fan-out decisions.",
		}),

		FIBEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "fib_entries",
			Help:      "Entries in the forwarding table.",
		}),

		ActiveUpstreamVlan: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "active_vlan",
			Help:      "Elected upstream VLAN id, -1 when none.",
		}),

		RadvsObserved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "router_advertisements_total",
			Help:      "Router advertisements with nonzero lifetime, per VLAN.",
		}, []string{"vlan"}),

		AppInterfaces: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "app_interfaces",
			Help:      "Installed app VM interfaces.",
		}),
	}

	c.ActiveUpstreamVlan.Set(-1)

	reg.MustRegister(
		c.FramesForwarded,
		c.FramesDropped,
		c.Broadcasts,
		c.FIBEntries,
		c.ActiveUpstreamVlan,
		c.RadvsObserved,
		c.AppInterfaces,
	)
	return c
}

// FrameForwarded implements router.Metrics.
func (c *Collector) FrameForwarded(egress string) {
	c.FramesForwarded.WithLabelValues(egress).Inc()
}

// FrameDropped implements router.Metrics and upstream.Metrics.
func (c *Collector) FrameDropped(reason string) {
	c.FramesDropped.WithLabelValues(reason).Inc()
}

// BroadcastFanout implements router.Metrics.
func (c *Collector) BroadcastFanout() {
	c.Broadcasts.Inc()
}

// FIBSize implements router.Metrics.
func (c *Collector) FIBSize(n int) {
	c.FIBEntries.Set(float64(n))
}

// RadvObserved implements upstream.Metrics.
func (c *Collector) RadvObserved(vlan uint16) {
	c.RadvsObserved.WithLabelValues(vlanLabel(vlan)).Inc()
}

// ActiveVlan implements upstream.Metrics.
func (c *Collector) ActiveVlan(vlan int) {
	c.ActiveUpstreamVlan.Set(float64(vlan))
}

// AppInterfaceAdded records a newly installed app interface.
func (c *Collector) AppInterfaceAdded() {
	c.AppInterfaces.Inc()
}

// vlanLabel formats a 12-bit VLAN id without pulling strconv into the
// callers' hot path.
func vlanLabel(v uint16) string {
	if v == 0 {
		return "0"
	}
	var b [5]byte
	i := len(b)
	for v > 0 {
		i--
		b[i] = byte('0' + v%10)
		v /= 10
	}
	return string(b[i:])
}
