package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	PendingOps = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shelfsync_pending_ops",
		Help: "Queued operations currently pending delivery.",
	})
	ActiveHandles = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shelfsync_active_handles",
		Help: "Live transient handles held by the blob cache.",
	})

	Drains = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shelfsync_drains_total",
		Help: "Total queue drain passes started.",
	})
	Delivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shelfsync_delivered_total",
		Help: "Total operations delivered and removed from the queue.",
	})
	DeliveryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shelfsync_delivery_failures_total",
		Help: "Total failed delivery attempts (retried or parked as failed).",
	})

	EvictedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shelfsync_evicted_bytes_total",
		Help: "Total cached bytes removed by the size-budget eviction.",
	})
	HandleRevocations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shelfsync_handle_revocations_total",
		Help: "Total handles revoked by release, clears, or the staleness sweep.",
	})
)

func Register() {
	prometheus.MustRegister(
		PendingOps, ActiveHandles,
		Drains, Delivered, DeliveryFailures,
		EvictedBytes, HandleRevocations,
	)
}
