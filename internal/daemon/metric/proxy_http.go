// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// httpTimeUntilHeader collects measurements of how long it takes the proxy to
// write back the first header to the requester.
var httpTimeUntilHeader prometheus.ObserverVec = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: proxySubsystem,
		Name:      "http_write_header_duration_seconds",
		Help:      "Histogram of time elapsed after a request is received to when the first http header is written back to the client.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{labelHttpCode, LabelListener, labelHttpMethod},
)

var expectedHttpErrCodes = []int{
	http.StatusOK,
	http.StatusBadRequest,
	http.StatusBadGateway,
	http.StatusGatewayTimeout,
	http.StatusServiceUnavailable,
	http.StatusSwitchingProtocols,
	http.StatusInternalServerError,
}

// InstrumentHttpHandler provides a handler which measures time until header
// is written by the server and attaches status code, method, and listener
// labels for the relevant measurements.
func InstrumentHttpHandler(wrapped http.Handler, listener string) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		l := prometheus.Labels{
			LabelListener: listener,
		}
		promhttp.InstrumentHandlerTimeToWriteHeader(
			httpTimeUntilHeader.MustCurryWith(l),
			wrapped,
		).ServeHTTP(rw, req)
	})
}
