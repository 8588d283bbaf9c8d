package stats

import (
	"context"

	"github.com/danmuck/pixelflood/internal/observability"
)

// Exporter mirrors published snapshots into the prometheus gauges. The HTTP
// side (promhttp on the metrics address) is served by the web sink; this is
// only the updater.
type Exporter struct {
	snapshots <-chan Snapshot
}

func NewExporter(a *Aggregator) *Exporter {
	observability.RegisterMetrics()
	return &Exporter{snapshots: a.Subscribe()}
}

func (e *Exporter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap := <-e.snapshots:
			observability.UpdateNetworkGauges(snap.IPsV4, snap.IPsV6, snap.StatisticEvents, snap.Frame)
			observability.UpdatePerIPGauges(snap.ConnectionsForIP, snap.DeniedConnectionsForIP, snap.BytesForIP)
		}
	}
}
