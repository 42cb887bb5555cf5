// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// discoveryLookupDuration collects measurements of how long destination
// lookups take, by the source that answered them.
var discoveryLookupDuration prometheus.ObserverVec = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: proxySubsystem,
		Name:      "discovery_lookup_duration_seconds",
		Help:      "Histogram of destination lookup latencies, by source (api, dns, cache, static).",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{LabelSource},
)

// RecordDiscoveryLookup records the latency of a destination lookup.
func RecordDiscoveryLookup(source string, d time.Duration) {
	discoveryLookupDuration.With(prometheus.Labels{LabelSource: source}).Observe(d.Seconds())
}
