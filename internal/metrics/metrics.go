// Package metrics registers the process-wide prometheus collectors the
// PCP core feeds. The admin mux exposes them via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pcpcast"

var (
	// ConnectionsAccepted counts accepted PCP sessions by listener role.
	ConnectionsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_accepted_total",
		Help:      "Accepted PCP sessions.",
	}, []string{"role"})

	// ConnectionsActive tracks currently open PCP sessions by role.
	ConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active",
		Help:      "Currently open PCP sessions.",
	}, []string{"role"})

	// HandshakeFailures counts handshakes that did not produce a session.
	HandshakeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handshake_failures_total",
		Help:      "PCP handshakes that failed before classification.",
	})

	// BytesIn / BytesOut count atom bytes moved across all connections.
	BytesIn = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_in_total",
		Help:      "Atom bytes read from peers.",
	})
	BytesOut = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_out_total",
		Help:      "Atom bytes written to peers.",
	})

	// Channels tracks live channels per store.
	Channels = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "channels",
		Help:      "Channels currently held by the store.",
	})

	// SourceRetries counts source task reconnect attempts.
	SourceRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "source_retries_total",
		Help:      "Source task reconnect attempts.",
	})

	// SubscriberDrops counts data frames dropped by full subscriber queues.
	SubscriberDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "subscriber_dropped_frames_total",
		Help:      "Data frames dropped on subscriber queue overflow.",
	})

	// BroadcastsSeen counts bcst atoms consumed by the root service and by
	// the servent's broadcast sessions.
	BroadcastsSeen = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcasts_total",
		Help:      "bcst atoms consumed by the root service and servent broadcast sessions.",
	})
)
