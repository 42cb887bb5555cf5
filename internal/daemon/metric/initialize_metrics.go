// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package metric

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// InitializeMetrics registers the proxy collectors to the provided prometheus
// registerer and initializes them to 0 for the most likely label
// combinations.
func InitializeMetrics(r prometheus.Registerer) {
	if r == nil {
		return
	}
	r.MustRegister(
		acceptedConnections,
		closedConnections,
		activeConnections,
		relayedBytes,
		connectionDuration,
		detectionOutcomes,
		httpTimeUntilHeader,
		discoveryLookupDuration,
	)

	listeners := []string{ListenerInbound, ListenerOutbound}
	protocols := []string{ProtocolTcp, ProtocolTls, ProtocolTlsTerminated, ProtocolHttp1, ProtocolHttp2, ProtocolNotDetected}
	results := []string{ResultOk, ResultError, ResultRateLimited, ResultRefused}

	for _, l := range listeners {
		acceptedConnections.With(prometheus.Labels{LabelListener: l})
		for _, p := range protocols {
			connectionDuration.With(prometheus.Labels{LabelListener: l, LabelProtocol: p})
			for _, res := range results {
				closedConnections.With(prometheus.Labels{LabelListener: l, LabelProtocol: p, LabelResult: res})
			}
		}
	}

	for _, d := range []string{DirectionIn, DirectionOut} {
		relayedBytes.With(prometheus.Labels{LabelDirection: d})
	}

	for _, o := range []string{OutcomeTls, OutcomeHttp1, OutcomeHttp2, OutcomeTcp, OutcomeTimeout} {
		detectionOutcomes.With(prometheus.Labels{LabelOutcome: o})
	}

	for _, s := range []string{SourceApi, SourceDns, SourceCache, SourceStatic} {
		discoveryLookupDuration.With(prometheus.Labels{LabelSource: s})
	}

	method := strings.ToLower(http.MethodGet)
	for _, l := range listeners {
		for _, sc := range expectedHttpErrCodes {
			httpTimeUntilHeader.With(prometheus.Labels{
				labelHttpCode:   strconv.Itoa(sc),
				LabelListener:   l,
				labelHttpMethod: method,
			})
		}
	}
}
