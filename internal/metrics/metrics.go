// Package metrics exposes prometheus collectors for the replication engine.
// Registration with a registry (and scrape wiring) is left to the embedding
// process.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors for the shipping path.
var (
	FramesShippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "walvault_frames_shipped_total",
		Help: "Cumulative number of frames confirmed durable in the object store.",
	})
	BytesShippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "walvault_bytes_shipped_total",
		Help: "Cumulative number of payload bytes confirmed durable in the object store.",
	})
	UploadRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "walvault_upload_retries_total",
		Help: "Cumulative number of upload attempts that failed and were retried.",
	})
	ReplicationStallsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "walvault_replication_stalls_total",
		Help: "Cumulative number of times shipping stalled on a permanent store error.",
	})
	SnapshotsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "walvault_snapshots_total",
		Help: "Cumulative number of snapshots made durable.",
	})
	ManifestPublishesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "walvault_manifest_publishes_total",
		Help: "Cumulative number of manifest publications.",
	})
	BufferDepthFrames = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "walvault_buffer_depth_frames",
		Help: "Number of frames queued locally awaiting shipment.",
	})
	BufferDepthBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "walvault_buffer_depth_bytes",
		Help: "Number of bytes queued locally awaiting shipment.",
	})
	BackpressureEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "walvault_backpressure_events_total",
		Help: "Cumulative number of commits that hit buffer backpressure.",
	})
)

// Register adds all walvault collectors to the given registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(
		FramesShippedTotal,
		BytesShippedTotal,
		UploadRetriesTotal,
		ReplicationStallsTotal,
		SnapshotsTotal,
		ManifestPublishesTotal,
		BufferDepthFrames,
		BufferDepthBytes,
		BackpressureEventsTotal,
	)
}
