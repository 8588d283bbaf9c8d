package observability

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pixelflood",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests served by the web sink.",
		},
		[]string{"node", "method", "path", "status"},
	)

	ipsV4 = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pixelflood",
		Name:      "ips_v4",
		Help:      "Total number of connected IPv4 addresses.",
	})
	ipsV6 = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pixelflood",
		Name:      "ips_v6",
		Help:      "Total number of connected IPv6 addresses.",
	})
	statisticEvents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pixelflood",
		Name:      "statistic_events",
		Help:      "Number of statistics events processed internally.",
	})
	frame = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pixelflood",
		Name:      "frame",
		Help:      "Number of frames rendered by display sinks.",
	})

	connectionsForIP = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pixelflood",
			Name:      "connections",
			Help:      "Number of client connections per IP address.",
		},
		[]string{"ip"},
	)
	deniedConnectionsForIP = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pixelflood",
			Name:      "denied_connections",
			Help:      "Number of connections denied per IP address because it exceeded the connection limit.",
		},
		[]string{"ip"},
	)
	bytesForIP = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pixelflood",
			Name:      "bytes",
			Help:      "Number of bytes received per IP address.",
		},
		[]string{"ip"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			ipsV4, ipsV6, statisticEvents, frame,
			connectionsForIP, deniedConnectionsForIP, bytesForIP,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int) {
	RegisterMetrics()
	httpRequests.WithLabelValues(node, method, path, strconv.Itoa(status)).Inc()
}

// UpdateNetworkGauges publishes the scalar counters of one statistics
// snapshot.
func UpdateNetworkGauges(v4, v6 uint32, events, frames uint64) {
	RegisterMetrics()
	ipsV4.Set(float64(v4))
	ipsV6.Set(float64(v6))
	statisticEvents.Set(float64(events))
	frame.Set(float64(frames))
}

// UpdatePerIPGauges replaces the per-IP series wholesale. Resetting first
// keeps addresses from lingering in the exporter after their connections are
// gone.
func UpdatePerIPGauges(connections, denied map[string]uint32, bytes map[string]uint64) {
	RegisterMetrics()
	connectionsForIP.Reset()
	for ip, n := range connections {
		connectionsForIP.WithLabelValues(ip).Set(float64(n))
	}
	deniedConnectionsForIP.Reset()
	for ip, n := range denied {
		deniedConnectionsForIP.WithLabelValues(ip).Set(float64(n))
	}
	bytesForIP.Reset()
	for ip, n := range bytes {
		bytesForIP.WithLabelValues(ip).Set(float64(n))
	}
}
