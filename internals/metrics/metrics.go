package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connections
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "locks_connections_active",
		Help: "Number of open websocket connections",
	})

	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "locks_connections_total",
		Help: "Total number of accepted websocket connections",
	})

	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "locks_rooms_active",
		Help: "Number of rooms with at least one connected client",
	})

	// Protocol
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locks_messages_received_total",
		Help: "Inbound frames by message type",
	}, []string{"type"})

	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locks_messages_dropped_total",
		Help: "Inbound frames ignored without a reply",
	}, []string{"reason"})

	// Leases
	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locks_claims_total",
		Help: "Claim attempts by result",
	}, []string{"result"})

	ReleasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locks_releases_total",
		Help: "Release attempts by result",
	}, []string{"result"})

	HeartbeatsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locks_heartbeats_total",
		Help: "Heartbeats by result",
	}, []string{"result"})

	LeasesExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locks_leases_expired_total",
		Help: "Expired leases evicted, by eviction path",
	}, []string{"path"})

	SnapshotSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "locks_snapshot_size",
		Help:    "Number of locks sent in a snapshot",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50},
	})

	// Fan-out
	BroadcastDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locks_broadcast_deliveries_total",
		Help: "Broadcast deliveries by result",
	}, []string{"result"})
)

// Helper functions

func RecordMessage(msgType string) {
	MessagesReceived.WithLabelValues(msgType).Inc()
}

func RecordDropped(reason string) {
	MessagesDropped.WithLabelValues(reason).Inc()
}

func RecordClaim(ok bool) {
	if ok {
		ClaimsTotal.WithLabelValues("accepted").Inc()
	} else {
		ClaimsTotal.WithLabelValues("rejected").Inc()
	}
}

func RecordRelease(ok bool) {
	if ok {
		ReleasesTotal.WithLabelValues("released").Inc()
	} else {
		ReleasesTotal.WithLabelValues("ignored").Inc()
	}
}

func RecordHeartbeat(ok bool) {
	if ok {
		HeartbeatsTotal.WithLabelValues("renewed").Inc()
	} else {
		HeartbeatsTotal.WithLabelValues("ignored").Inc()
	}
}

func RecordExpired(path string, n int) {
	LeasesExpired.WithLabelValues(path).Add(float64(n))
}

func RecordDelivery(ok bool) {
	if ok {
		BroadcastDeliveries.WithLabelValues("ok").Inc()
	} else {
		BroadcastDeliveries.WithLabelValues("failed").Inc()
	}
}
