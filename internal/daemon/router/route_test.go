// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package router

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/trellis/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileRoute(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name            string
		conf            *RouteConfig
		wantErrMatch    *errors.Template
		wantErrContains string
	}{
		{
			name:            "missing-config",
			conf:            nil,
			wantErrMatch:    errors.T(errors.InvalidParameter),
			wantErrContains: "missing route config",
		},
		{
			name:            "missing-name",
			conf:            &RouteConfig{Hosts: []string{"*"}},
			wantErrMatch:    errors.T(errors.InvalidParameter),
			wantErrContains: "missing route name",
		},
		{
			name:            "bad-forward",
			conf:            &RouteConfig{Name: "legacy", Forward: "10.0.0.1"},
			wantErrMatch:    errors.T(errors.InvalidConfiguration),
			wantErrContains: "not a host:port address",
		},
		{
			name:            "bad-condition",
			conf:            &RouteConfig{Name: "api", Condition: `method $== "GET"`},
			wantErrMatch:    errors.T(errors.InvalidConfiguration),
			wantErrContains: `route "api" has an invalid condition`,
		},
		{
			name: "valid",
			conf: &RouteConfig{
				Name:      "api",
				Hosts:     []string{"*.svc.cluster.local"},
				Condition: `method == "GET"`,
				Timeout:   5 * time.Second,
				Forward:   "10.0.0.1:8080",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			r, err := compileRoute(ctx, tt.conf)
			if tt.wantErrMatch != nil {
				require.Error(err)
				assert.Nil(r)
				assert.Truef(errors.Match(tt.wantErrMatch, err), "want %q and got %q", tt.wantErrMatch.Code, err.Error())
				assert.Contains(err.Error(), tt.wantErrContains)
				return
			}
			require.NoError(err)
			require.NotNil(r)
			assert.Equal("api", r.Name())
			assert.Equal(5*time.Second, r.Timeout())
			assert.Equal("10.0.0.1:8080", r.Forward())
		})
	}
}

func TestRoute_Matches(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		conf *RouteConfig
		meta RequestMeta
		want bool
	}{
		{
			name: "host-glob-match",
			conf: &RouteConfig{Name: "r", Hosts: []string{"*.svc.cluster.local"}},
			meta: RequestMeta{Authority: "web.svc.cluster.local:8080"},
			want: true,
		},
		{
			name: "host-glob-miss",
			conf: &RouteConfig{Name: "r", Hosts: []string{"*.svc.cluster.local"}},
			meta: RequestMeta{Authority: "web.example.com:8080"},
			want: false,
		},
		{
			name: "host-without-port",
			conf: &RouteConfig{Name: "r", Hosts: []string{"web.svc.cluster.local"}},
			meta: RequestMeta{Authority: "web.svc.cluster.local"},
			want: true,
		},
		{
			name: "any-host-when-unset",
			conf: &RouteConfig{Name: "r"},
			meta: RequestMeta{Authority: "anything:1"},
			want: true,
		},
		{
			name: "condition-match",
			conf: &RouteConfig{Name: "r", Condition: `method == "GET" and path matches "^/api/"`},
			meta: RequestMeta{Method: "GET", Path: "/api/users", Authority: "web:80"},
			want: true,
		},
		{
			name: "condition-miss",
			conf: &RouteConfig{Name: "r", Condition: `method == "GET" and path matches "^/api/"`},
			meta: RequestMeta{Method: "POST", Path: "/api/users", Authority: "web:80"},
			want: false,
		},
		{
			name: "host-and-condition",
			conf: &RouteConfig{Name: "r", Hosts: []string{"web*"}, Condition: `method == "DELETE"`},
			meta: RequestMeta{Method: "DELETE", Authority: "web-1:80"},
			want: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			r, err := compileRoute(ctx, tt.conf)
			require.NoError(err)
			assert.Equal(tt.want, r.matches(tt.meta))
		})
	}
}
