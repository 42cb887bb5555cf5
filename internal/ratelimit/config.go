// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package ratelimit

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/hashicorp/go-rate"
	"github.com/hashicorp/trellis/internal/errors"
)

// Resources that can be rate limited.
const (
	ResourceInbound  = "inbound"
	ResourceOutbound = "outbound"
	ResourceTap      = "tap"

	// ResourceAll can be used in a Config to apply a limit to every resource.
	ResourceAll = "*"
)

// Actions that can be rate limited.
const (
	ActionConnect   = "connect"
	ActionSubscribe = "subscribe"

	// ActionAll can be used in a Config to apply a limit to every action
	// valid for the config's resources.
	ActionAll = "*"
)

// resourceActions maps each rate limited resource to its valid actions.
var resourceActions = map[string][]string{
	ResourceInbound:  {ActionConnect},
	ResourceOutbound: {ActionConnect},
	ResourceTap:      {ActionSubscribe},
}

// Defaults used when creating default rate.Limits.
const (
	DefaultInTotalConnectLimit     = 30000
	DefaultIpAddressConnectLimit   = 3000
	DefaultInTotalSubscribeLimit   = 150
	DefaultIpAddressSubscribeLimit = 15
	DefaultPeriod                  = time.Second * 30
)

// DefaultLimiterMaxQuotas returns the default maximum number of quotas that
// can be tracked by the rate limiter. This is calculated based on the number
// of rate limited resource+action pairs and a static number of quotas per
// pair. The total is shared across all pairs, and the inbound connect pair
// will be used far more frequently than the others.
func DefaultLimiterMaxQuotas() int {
	const quotasPerInTotal = 1
	const quotasPerIpAddress = 1000

	var pairCount int
	for _, actions := range resourceActions {
		pairCount += len(actions)
	}
	return (pairCount * quotasPerInTotal) + (pairCount * quotasPerIpAddress)
}

// Config is used to configure rate limits. Each config is used to specify
// the maximum number of requests that can be made in a time period for the
// corresponding resources and actions.
type Config struct {
	Resources []string      `hcl:"resources"`
	Actions   []string      `hcl:"actions"`
	Per       string        `hcl:"per"`
	Limit     int           `hcl:"limit"`
	PeriodHCL string        `hcl:"period"`
	Period    time.Duration `hcl:"-"`
	Unlimited bool          `hcl:"unlimited"`
}

// Configs is an ordered set of Config.
type Configs []*Config

// Equal checks if a set of Configs is equal to another set of Configs.
func (c Configs) Equal(o Configs) bool {
	return reflect.DeepEqual(c, o)
}

// defaultLimit returns the default rate.Limit for the resource+action+per
// combination.
func defaultLimit(res, a string, per rate.LimitPer) rate.Limit {
	if per == rate.LimitPerAuthToken {
		// connections don't carry auth tokens, so the auth-token allocation
		// is never the limiting factor
		return &rate.Unlimited{
			Resource: res,
			Action:   a,
			Per:      per,
		}
	}
	var maxRequests uint64
	switch {
	case a == ActionSubscribe && per == rate.LimitPerTotal:
		maxRequests = DefaultInTotalSubscribeLimit
	case a == ActionSubscribe:
		maxRequests = DefaultIpAddressSubscribeLimit
	case per == rate.LimitPerTotal:
		maxRequests = DefaultInTotalConnectLimit
	default:
		maxRequests = DefaultIpAddressConnectLimit
	}
	return &rate.Limited{
		Resource:    res,
		Action:      a,
		Per:         per,
		MaxRequests: maxRequests,
		Period:      DefaultPeriod,
	}
}

// Limits creates a slice of rate.Limit from the Configs. This will enumerate
// every combination of resource+action, defining a Limit for each.
func (c Configs) Limits(ctx context.Context) ([]rate.Limit, error) {
	const op = "ratelimit.(Configs).Limits"

	allResources := make([]string, 0, len(resourceActions))
	for res := range resourceActions {
		allResources = append(allResources, res)
	}

	defaults := make(map[string]rate.Limit, len(resourceActions)*3)
	for res, actions := range resourceActions {
		for _, a := range actions {
			for _, per := range []rate.LimitPer{rate.LimitPerTotal, rate.LimitPerIPAddress, rate.LimitPerAuthToken} {
				key := fmt.Sprintf("%s:%s:%s", res, a, per)
				defaults[key] = defaultLimit(res, a, per)
			}
		}
	}

	for _, cc := range c {
		per := rate.LimitPer(cc.Per)
		if !per.IsValid() {
			return nil, errors.New(ctx, errors.InvalidConfiguration, op,
				fmt.Sprintf("unknown per %q, must be one of %q, %q or %q",
					cc.Per, rate.LimitPerTotal, rate.LimitPerIPAddress, rate.LimitPerAuthToken))
		}

		var resourceSet []string
		switch {
		case len(cc.Resources) == 1 && cc.Resources[0] == ResourceAll:
			resourceSet = allResources
		default:
			for _, r := range cc.Resources {
				if _, ok := resourceActions[r]; !ok {
					return nil, errors.New(ctx, errors.InvalidConfiguration, op, fmt.Sprintf("unknown resource %s", r))
				}
				resourceSet = append(resourceSet, r)
			}
		}

		for _, res := range resourceSet {
			validActions := resourceActions[res]
			var actionSet []string
			switch {
			case len(cc.Actions) == 1 && cc.Actions[0] == ActionAll:
				actionSet = validActions
			default:
				for _, a := range cc.Actions {
					var valid bool
					for _, va := range validActions {
						if a == va {
							valid = true
							break
						}
					}
					if !valid {
						return nil, errors.New(ctx, errors.InvalidConfiguration, op, fmt.Sprintf("action %s not valid for resource %s", a, res))
					}
					actionSet = append(actionSet, a)
				}
			}

			for _, a := range actionSet {
				key := fmt.Sprintf("%s:%s:%s", res, a, per)
				switch {
				case cc.Unlimited:
					defaults[key] = &rate.Unlimited{
						Resource: res,
						Action:   a,
						Per:      per,
					}
				default:
					defaults[key] = &rate.Limited{
						Resource:    res,
						Action:      a,
						Per:         per,
						MaxRequests: uint64(cc.Limit),
						Period:      cc.Period,
					}
				}
			}
		}
	}

	limits := make([]rate.Limit, 0, len(defaults))
	for _, v := range defaults {
		limits = append(limits, v)
	}
	return limits, nil
}
