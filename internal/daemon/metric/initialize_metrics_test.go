// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package metric

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeMetrics(t *testing.T) {
	require := require.New(t)
	r := prometheus.NewRegistry()
	InitializeMetrics(r)

	// the pre-initialized label combinations should be gatherable
	got, err := r.Gather()
	require.NoError(err)
	require.NotEmpty(got)

	names := make(map[string]bool, len(got))
	for _, mf := range got {
		names[mf.GetName()] = true
	}
	for _, want := range []string{
		"trellis_proxy_accepted_connections_total",
		"trellis_proxy_closed_connections_total",
		"trellis_proxy_relayed_bytes_total",
		"trellis_proxy_connection_duration_seconds",
		"trellis_proxy_protocol_detection_total",
		"trellis_proxy_http_write_header_duration_seconds",
		"trellis_proxy_discovery_lookup_duration_seconds",
	} {
		assert.True(t, names[want], "missing metric %s", want)
	}
}

func TestInitializeMetrics_nilRegisterer(t *testing.T) {
	// should not panic
	InitializeMetrics(nil)
}

func TestRecordHelpers(t *testing.T) {
	// record through every helper; the collectors are package-level so this
	// just proves the label sets are consistent with their definitions.
	RecordAccept(ListenerInbound)
	RecordClose(ListenerInbound, ProtocolHttp1, ResultOk, 42*time.Millisecond)
	RecordRejected(ListenerInbound, ResultRateLimited)
	RecordRelayedBytes(1024, 4096)
	RecordDetection(OutcomeTls)
	RecordDiscoveryLookup(SourceDns, 5*time.Millisecond)
}

func TestInstrumentHttpHandler(t *testing.T) {
	assert, require := assert.New(t), require.New(t)

	wrapped := InstrumentHttpHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), ListenerInbound)

	rec := httptest.NewRecorder()
	req, err := http.NewRequest(http.MethodGet, "/anything", nil)
	require.NoError(err)
	wrapped.ServeHTTP(rec, req)
	assert.Equal(http.StatusOK, rec.Code)
}
