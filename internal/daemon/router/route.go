// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package router

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/go-bexpr"
	"github.com/hashicorp/trellis/internal/errors"
	"github.com/ryanuber/go-glob"
)

// RequestMeta is the request metadata route conditions evaluate against.
type RequestMeta struct {
	Method    string `bexpr:"method"`
	Path      string `bexpr:"path"`
	Authority string `bexpr:"authority"`
}

// RouteConfig declares one route rule.
type RouteConfig struct {
	// Name uniquely identifies the route.
	Name string

	// Hosts are glob patterns matched against the destination host
	// (authority without the port), e.g. "*.svc.cluster.local".
	Hosts []string

	// Condition is an optional bexpr expression over RequestMeta.
	Condition string

	// Timeout bounds the whole proxied exchange; zero means no route
	// timeout.
	Timeout time.Duration

	// Forward overrides discovery with a fixed endpoint address.
	Forward string
}

// Route is a compiled route rule.
type Route struct {
	name    string
	hosts   []string
	cond    *bexpr.Evaluator
	timeout time.Duration
	forward string
}

func compileRoute(ctx context.Context, conf *RouteConfig) (*Route, error) {
	const op = "router.compileRoute"
	if conf == nil {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing route config")
	}
	if conf.Name == "" {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing route name")
	}
	if conf.Forward != "" {
		if _, _, err := net.SplitHostPort(conf.Forward); err != nil {
			return nil, errors.New(ctx, errors.InvalidConfiguration, op,
				fmt.Sprintf("route %q forward %q is not a host:port address", conf.Name, conf.Forward))
		}
	}
	r := &Route{
		name:    conf.Name,
		hosts:   conf.Hosts,
		timeout: conf.Timeout,
		forward: conf.Forward,
	}
	if conf.Condition != "" {
		eval, err := bexpr.CreateEvaluator(conf.Condition)
		if err != nil {
			return nil, errors.Wrap(ctx, err, op, errors.WithCode(errors.InvalidConfiguration),
				errors.WithMsg(fmt.Sprintf("route %q has an invalid condition", conf.Name)))
		}
		r.cond = eval
	}
	return r, nil
}

// Name returns the route's configured name.
func (r *Route) Name() string { return r.name }

// Timeout returns the per-route exchange timeout, zero when unset.
func (r *Route) Timeout() time.Duration { return r.timeout }

// Forward returns the static endpoint override, empty when unset.
func (r *Route) Forward() string { return r.forward }

// matches reports whether the route applies to the request.  Host globs are
// matched against the authority's host; an empty host list matches any host.
func (r *Route) matches(meta RequestMeta) bool {
	if len(r.hosts) > 0 {
		host := meta.Authority
		if h, _, err := net.SplitHostPort(meta.Authority); err == nil {
			host = h
		}
		matched := false
		for _, pattern := range r.hosts {
			if glob.Glob(pattern, host) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if r.cond != nil {
		ok, err := r.cond.Evaluate(meta)
		if err != nil || !ok {
			return false
		}
	}
	return true
}
