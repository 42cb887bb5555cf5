// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// acceptedConnections counts connections accepted by each proxy listener.
var acceptedConnections = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: proxySubsystem,
		Name:      "accepted_connections_total",
		Help:      "Count of connections accepted by the proxy, by listener.",
	},
	[]string{LabelListener},
)

// closedConnections counts connections closed by the proxy along with how
// they ended.
var closedConnections = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: proxySubsystem,
		Name:      "closed_connections_total",
		Help:      "Count of connections closed by the proxy, by listener, detected protocol and result.",
	},
	[]string{LabelListener, LabelProtocol, LabelResult},
)

// activeConnections tracks the connections currently being relayed.
var activeConnections = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: proxySubsystem,
		Name:      "active_connections",
		Help:      "Number of connections currently being proxied.",
	},
)

// relayedBytes counts the bytes relayed through the proxy in each direction.
// "in" is client to endpoint, "out" is endpoint to client.
var relayedBytes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: proxySubsystem,
		Name:      "relayed_bytes_total",
		Help:      "Count of bytes relayed through the proxy, by direction.",
	},
	[]string{LabelDirection},
)

// connectionDuration collects measurements of how long proxied connections
// stay open.
var connectionDuration prometheus.ObserverVec = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: proxySubsystem,
		Name:      "connection_duration_seconds",
		Help:      "Histogram of the lifetime of proxied connections, by listener and detected protocol.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
	},
	[]string{LabelListener, LabelProtocol},
)

// detectionOutcomes counts the results of protocol detection.
var detectionOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: proxySubsystem,
		Name:      "protocol_detection_total",
		Help:      "Count of protocol detection results.",
	},
	[]string{LabelOutcome},
)

// RecordAccept increments the accepted connection counter for the listener.
func RecordAccept(listener string) {
	acceptedConnections.With(prometheus.Labels{LabelListener: listener}).Inc()
	activeConnections.Inc()
}

// RecordClose increments the closed connection counter and records the
// connection's lifetime.
func RecordClose(listener, protocol, result string, duration time.Duration) {
	closedConnections.With(prometheus.Labels{
		LabelListener: listener,
		LabelProtocol: protocol,
		LabelResult:   result,
	}).Inc()
	connectionDuration.With(prometheus.Labels{
		LabelListener: listener,
		LabelProtocol: protocol,
	}).Observe(duration.Seconds())
	activeConnections.Dec()
}

// RecordRejected increments the closed connection counter for a connection
// that was never handed to a protocol handler (rate limited or refused).
// The accept counter is not adjusted since RecordAccept was never called.
func RecordRejected(listener, result string) {
	closedConnections.With(prometheus.Labels{
		LabelListener: listener,
		LabelProtocol: ProtocolNotDetected,
		LabelResult:   result,
	}).Inc()
}

// RecordRelayedBytes adds the byte counts for a relayed connection.
func RecordRelayedBytes(bytesIn, bytesOut int64) {
	relayedBytes.With(prometheus.Labels{LabelDirection: DirectionIn}).Add(float64(bytesIn))
	relayedBytes.With(prometheus.Labels{LabelDirection: DirectionOut}).Add(float64(bytesOut))
}

// RecordDetection increments the detection outcome counter.
func RecordDetection(outcome string) {
	detectionOutcomes.With(prometheus.Labels{LabelOutcome: outcome}).Inc()
}
