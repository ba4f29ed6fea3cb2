// Package metrics exposes the Prometheus collectors for the nym transport.
// Importing it registers the collectors with the default registry; callers
// that run their own registry can scrape DefaultRegisterer's children or
// wire a fresh collector using the same constructors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "nymtransport"

var (
	// ActiveConnections tracks the number of established transport
	// connections, keyed by role (dialer/acceptor).
	ActiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_connections",
		Help:      "Number of established connections, by role.",
	}, []string{"role"})

	// OpenSubstreams tracks live substreams across all connections.
	OpenSubstreams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "open_substreams",
		Help:      "Number of substreams currently open across all connections.",
	})

	// QueueDepth samples the number of buffered-but-unreleased transport
	// messages for a connection each time it changes.
	QueueDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "reorder_queue_depth",
		Help:      "Buffered message count in a connection's reorder queue at time of observation.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})

	// QueueOverflows counts connections closed because their reorder queue
	// exceeded its configured cap.
	QueueOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reorder_queue_overflows_total",
		Help:      "Connections closed after their reorder queue exceeded its cap.",
	})

	// DroppedFrames counts substream frames rejected as protocol
	// violations (unknown substream id, out-of-window data).
	DroppedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dropped_frames_total",
		Help:      "Substream frames rejected as protocol violations, by reason.",
	}, []string{"reason"})

	// MixnetMessagesTotal counts messages crossing the mixnet boundary, by
	// direction and addressing mode.
	MixnetMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mixnet_messages_total",
		Help:      "Messages sent or received over the mixnet gateway connection.",
	}, []string{"direction", "addressing"})

	// HandshakeDuration observes the time from dial to established
	// connection, or dial to timeout.
	HandshakeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "handshake_duration_seconds",
		Help:      "Time from Dial() to a resolved (successful or failed) handshake.",
		Buckets:   prometheus.DefBuckets,
	})
)
