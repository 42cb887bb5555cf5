// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/go-rate"
	"github.com/hashicorp/trellis/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigsLimits(t *testing.T) {
	ctx := context.Background()

	// every resource+action pair gets a limit for each allocation
	pairCount := 0
	for _, actions := range resourceActions {
		pairCount += len(actions)
	}
	wantLen := pairCount * 3

	tests := []struct {
		name            string
		configs         Configs
		wantErrContains string
		check           func(t *testing.T, limits []rate.Limit)
	}{
		{
			name:    "no-configs-all-defaults",
			configs: nil,
			check: func(t *testing.T, limits []rate.Limit) {
				got := findLimit(t, limits, ResourceInbound, ActionConnect, rate.LimitPerIPAddress)
				limited, ok := got.(*rate.Limited)
				require.True(t, ok)
				assert.Equal(t, uint64(DefaultIpAddressConnectLimit), limited.MaxRequests)
				assert.Equal(t, DefaultPeriod, limited.Period)
			},
		},
		{
			name: "override-inbound-connect",
			configs: Configs{
				{
					Resources: []string{ResourceInbound},
					Actions:   []string{ActionConnect},
					Per:       string(rate.LimitPerIPAddress),
					Limit:     100,
					Period:    time.Minute,
				},
			},
			check: func(t *testing.T, limits []rate.Limit) {
				got := findLimit(t, limits, ResourceInbound, ActionConnect, rate.LimitPerIPAddress)
				limited, ok := got.(*rate.Limited)
				require.True(t, ok)
				assert.Equal(t, uint64(100), limited.MaxRequests)
				assert.Equal(t, time.Minute, limited.Period)

				// outbound is untouched
				def := findLimit(t, limits, ResourceOutbound, ActionConnect, rate.LimitPerIPAddress)
				defLimited, ok := def.(*rate.Limited)
				require.True(t, ok)
				assert.Equal(t, uint64(DefaultIpAddressConnectLimit), defLimited.MaxRequests)
			},
		},
		{
			name: "unlimited-everything",
			configs: Configs{
				{
					Resources: []string{ResourceAll},
					Actions:   []string{ActionAll},
					Per:       string(rate.LimitPerTotal),
					Unlimited: true,
				},
			},
			check: func(t *testing.T, limits []rate.Limit) {
				got := findLimit(t, limits, ResourceTap, ActionSubscribe, rate.LimitPerTotal)
				_, ok := got.(*rate.Unlimited)
				assert.True(t, ok)
			},
		},
		{
			name: "unknown-resource",
			configs: Configs{
				{
					Resources: []string{"sessions"},
					Actions:   []string{ActionConnect},
					Per:       string(rate.LimitPerTotal),
					Limit:     10,
					Period:    time.Minute,
				},
			},
			wantErrContains: "unknown resource sessions",
		},
		{
			name: "invalid-action-for-resource",
			configs: Configs{
				{
					Resources: []string{ResourceTap},
					Actions:   []string{ActionConnect},
					Per:       string(rate.LimitPerTotal),
					Limit:     10,
					Period:    time.Minute,
				},
			},
			wantErrContains: "action connect not valid for resource tap",
		},
		{
			name: "unknown-per",
			configs: Configs{
				{
					Resources: []string{ResourceInbound},
					Actions:   []string{ActionConnect},
					Per:       "ip",
					Limit:     10,
					Period:    time.Minute,
				},
			},
			wantErrContains: `unknown per "ip"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			limits, err := tt.configs.Limits(ctx)
			if tt.wantErrContains != "" {
				require.Error(err)
				assert.Contains(err.Error(), tt.wantErrContains)
				assert.True(errors.Match(errors.T(errors.InvalidConfiguration), err))
				return
			}
			require.NoError(err)
			assert.Len(limits, wantLen)
			if tt.check != nil {
				tt.check(t, limits)
			}
		})
	}
}

func findLimit(t *testing.T, limits []rate.Limit, res, a string, per rate.LimitPer) rate.Limit {
	t.Helper()
	for _, l := range limits {
		if l.GetResource() == res && l.GetAction() == a && l.GetPer() == per {
			return l
		}
	}
	t.Fatalf("no limit found for %s:%s:%s", res, a, per)
	return nil
}

func TestNewLimiter(t *testing.T) {
	ctx := context.Background()
	require := require.New(t)

	limits, err := Configs{}.Limits(ctx)
	require.NoError(err)

	l, err := NewLimiter(limits, DefaultLimiterMaxQuotas())
	require.NoError(err)
	require.NotNil(l)
	t.Cleanup(func() { _ = l.Shutdown() })

	allowed, _, err := l.Allow(ResourceInbound, ActionConnect, "10.0.0.9", "")
	require.NoError(err)
	require.True(allowed)
}

func TestDefaultLimiterMaxQuotas(t *testing.T) {
	assert.Positive(t, DefaultLimiterMaxQuotas())
}
