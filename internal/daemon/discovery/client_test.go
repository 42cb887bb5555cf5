// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hashicorp/trellis/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name            string
		addr            string
		wantErrContains string
	}{
		{
			name: "valid-http",
			addr: "http://127.0.0.1:9200",
		},
		{
			name: "valid-https-trailing-slash",
			addr: "https://discovery.internal/",
		},
		{
			name:            "bad-scheme",
			addr:            "unix:///tmp/discovery.sock",
			wantErrContains: "must be http or https",
		},
		{
			name:            "not-a-url",
			addr:            "://nope",
			wantErrContains: "error parsing discovery address",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			c, err := NewClient(ctx, tt.addr)
			if tt.wantErrContains != "" {
				require.Error(err)
				assert.Nil(c)
				assert.Contains(err.Error(), tt.wantErrContains)
				return
			}
			require.NoError(err)
			require.NotNil(c)
			assert.NotContains(c.addr, "//$")
		})
	}
}

func TestClient_Lookup(t *testing.T) {
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const body = `{
			"endpoints": [
				{"address": "10.0.0.10:8443", "weight": 2, "identity": "payments.default.trellis.local", "protocol": "h2"},
				{"address": "10.0.0.11:8443", "weight": 1, "identity": "payments.default.trellis.local", "protocol": "h2"}
			],
			"ttl_seconds": 30
		}`
		switch r.URL.Path {
		case "/v1/destinations/payments.default.trellis.local:8443":
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Control-Plane-Version", "0.1.0")
			_, _ = w.Write([]byte(body))
		case "/v1/destinations/legacy.default.trellis.local:8443":
			// No X-Control-Plane-Version header; identity names are dropped.
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(body))
		case "/v1/destinations/broken.default.trellis.local:80":
			w.WriteHeader(http.StatusInternalServerError)
		case "/v1/destinations/garbage.default.trellis.local:80":
			_, _ = w.Write([]byte(`{"endpoints": [`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c, err := NewClient(ctx, srv.URL)
	require.NoError(t, err)
	// The retry client would otherwise retry 5xx answers.
	c.http.RetryMax = 0

	tests := []struct {
		name            string
		authority       string
		wantEndpoints   int
		wantIdentity    string
		wantErrMatch    *errors.Template
		wantErrContains string
	}{
		{
			name:          "known-authority",
			authority:     "payments.default.trellis.local:8443",
			wantEndpoints: 2,
			wantIdentity:  "payments.default.trellis.local",
		},
		{
			name:          "legacy-control-plane-drops-identity",
			authority:     "legacy.default.trellis.local:8443",
			wantEndpoints: 2,
		},
		{
			name:            "unknown-authority",
			authority:       "nowhere.default.trellis.local:80",
			wantErrMatch:    errors.T(errors.NotFound),
			wantErrContains: "unknown to the control plane",
		},
		{
			name:            "server-error",
			authority:       "broken.default.trellis.local:80",
			wantErrMatch:    errors.T(errors.Unavailable),
			wantErrContains: "returned status 500",
		},
		{
			name:            "bad-body",
			authority:       "garbage.default.trellis.local:80",
			wantErrContains: "error decoding discovery response",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			res, err := c.Lookup(ctx, tt.authority)
			if tt.wantErrMatch != nil || tt.wantErrContains != "" {
				require.Error(err)
				assert.Nil(res)
				if tt.wantErrMatch != nil {
					assert.Truef(errors.Match(tt.wantErrMatch, err), "want %q and got %q", tt.wantErrMatch.Code, err.Error())
				}
				if tt.wantErrContains != "" {
					assert.Contains(err.Error(), tt.wantErrContains)
				}
				return
			}
			require.NoError(err)
			require.NotNil(res)
			assert.Equal(tt.authority, res.Authority)
			assert.Equal(SourceControlPlane, res.Source)
			assert.Len(res.Endpoints, tt.wantEndpoints)
			assert.Equal("10.0.0.10:8443", res.Endpoints[0].Address)
			assert.Equal(2, res.Endpoints[0].Weight)
			assert.Equal(tt.wantIdentity, res.Endpoints[0].Identity)
			assert.False(res.Expiry.IsZero())
		})
	}
}

func TestClient_Lookup_Unreachable(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()

	// A closed listener port; Do fails outright.
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c, err := NewClient(ctx, addr)
	require.NoError(err)
	c.http.RetryMax = 0

	res, err := c.Lookup(ctx, "payments.default.trellis.local:8443")
	require.Error(err)
	assert.Nil(res)
	assert.True(errors.Match(errors.T(errors.Unavailable), err))
}
