// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricNamespace = "trellis"
	metricSubsystem = "rate_limit"
)

// rateLimitQuotaUsage gives a count of the number of quotas that are in use
// by the rate limiter.
var rateLimitQuotaUsage = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: metricNamespace,
	Subsystem: metricSubsystem,
	Name:      "quota_storage_usage",
	Help:      "Count of quotas currently stored by the rate limiter.",
})

// rateLimitQuotaStorageCapacity gives the maximum number of quotas that the
// rate limiter can store.
var rateLimitQuotaStorageCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: metricNamespace,
	Subsystem: metricSubsystem,
	Name:      "quota_storage_capacity",
	Help:      "Maximum number of quotas that can be stored by the rate limiter.",
})

// InitializeMetrics registers the rate limit metrics with the prometheus
// registerer.
func InitializeMetrics(r prometheus.Registerer) {
	r.MustRegister(rateLimitQuotaUsage, rateLimitQuotaStorageCapacity)
}
