// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package router decides, per logical destination, the concrete endpoint to
// use and the per-route behavior (timeout, forward override), and dials the
// picked endpoint, originating TLS when the endpoint advertises an identity.
package router

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/trellis/internal/daemon/discovery"
	"github.com/hashicorp/trellis/internal/daemon/identity"
	"github.com/hashicorp/trellis/internal/errors"
	"github.com/hashicorp/trellis/internal/event"
)

const defaultDialTimeout = 10 * time.Second

// Config configures a Router.
type Config struct {
	// Routes are matched in order; the first match wins.
	Routes []*RouteConfig

	// Discovery resolves authorities to endpoint sets.  Required.
	Discovery *discovery.Discovery

	// Identity supplies the client certificate and trust roots for TLS
	// origination.  When nil, endpoints advertising an identity cannot be
	// dialed.
	Identity *identity.Store

	// DialTimeout bounds a single endpoint dial, handshake included.
	DialTimeout time.Duration

	// EndpointCooldown is the quarantine applied to failed endpoints.
	EndpointCooldown time.Duration
}

// Router routes destinations to endpoints.
type Router struct {
	routes      []*Route
	disc        *discovery.Discovery
	identity    *identity.Store
	dialTimeout time.Duration
	balancer    *balancer
}

// New compiles the route table and creates a Router.
func New(ctx context.Context, conf Config) (*Router, error) {
	const op = "router.New"
	if conf.Discovery == nil {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing discovery")
	}

	routes := make([]*Route, 0, len(conf.Routes))
	seen := make(map[string]struct{}, len(conf.Routes))
	for _, rc := range conf.Routes {
		route, err := compileRoute(ctx, rc)
		if err != nil {
			return nil, errors.Wrap(ctx, err, op)
		}
		if _, ok := seen[route.name]; ok {
			return nil, errors.New(ctx, errors.InvalidConfiguration, op,
				fmt.Sprintf("duplicate route %q", route.name))
		}
		seen[route.name] = struct{}{}
		routes = append(routes, route)
	}

	dialTimeout := conf.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	return &Router{
		routes:      routes,
		disc:        conf.Discovery,
		identity:    conf.Identity,
		dialTimeout: dialTimeout,
		balancer:    newBalancer(conf.EndpointCooldown),
	}, nil
}

// Match returns the first route matching the request, or nil when none does.
func (r *Router) Match(meta RequestMeta) *Route {
	for _, route := range r.routes {
		if route.matches(meta) {
			return route
		}
	}
	return nil
}

// Dial resolves the request's authority, picks an endpoint and dials it.
// A matching route's forward override replaces discovery.  Endpoints that
// fail to dial are quarantined and the next candidate is tried; when all
// candidates fail the cached resolution is invalidated.  Closing the
// returned conn releases the endpoint's load slot.
func (r *Router) Dial(ctx context.Context, meta RequestMeta, alpn ...string) (net.Conn, *discovery.Endpoint, *Route, error) {
	const op = "router.(Router).Dial"

	route := r.Match(meta)

	var eps []discovery.Endpoint
	switch {
	case route != nil && route.forward != "":
		eps = []discovery.Endpoint{{Address: route.forward}}
	default:
		if meta.Authority == "" {
			return nil, nil, nil, errors.New(ctx, errors.InvalidParameter, op, "missing authority")
		}
		res, err := r.disc.Resolve(ctx, meta.Authority)
		if err != nil {
			return nil, nil, nil, errors.Wrap(ctx, err, op)
		}
		eps = res.Endpoints
	}
	if len(eps) == 0 {
		return nil, nil, nil, errors.New(ctx, errors.Unavailable, op,
			fmt.Sprintf("no endpoints for %q", meta.Authority))
	}

	remaining := make([]discovery.Endpoint, len(eps))
	copy(remaining, eps)
	var lastErr error
	for len(remaining) > 0 {
		ep := r.balancer.pick(remaining)
		if ep == nil {
			break
		}
		conn, err := r.dialEndpoint(ctx, ep, alpn)
		if err == nil {
			picked := *ep
			return conn, &picked, route, nil
		}
		lastErr = err
		r.balancer.markFailed(ep.Address)
		event.WriteError(ctx, op, err, event.WithInfoMsg("error dialing endpoint",
			"authority", meta.Authority, "endpoint", ep.Address))
		remaining = without(remaining, ep.Address)
	}

	r.disc.Invalidate(meta.Authority)
	return nil, nil, nil, errors.Wrap(ctx, lastErr, op, errors.WithCode(errors.Unavailable),
		errors.WithMsg(fmt.Sprintf("no healthy endpoints for %q", meta.Authority)))
}

// dialEndpoint dials one endpoint, originating TLS when it advertises an
// identity.  The returned conn releases the balancer slot on Close.
func (r *Router) dialEndpoint(ctx context.Context, ep *discovery.Endpoint, alpn []string) (net.Conn, error) {
	const op = "router.(Router).dialEndpoint"

	dialCtx, cancel := context.WithTimeout(ctx, r.dialTimeout)
	defer cancel()

	dialer := &net.Dialer{}
	raw, err := dialer.DialContext(dialCtx, "tcp", ep.Address)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op, errors.WithoutEvent())
	}

	conn := raw
	if ep.Identity != "" {
		if r.identity == nil {
			_ = raw.Close()
			return nil, errors.New(ctx, errors.InvalidConfiguration, op,
				fmt.Sprintf("endpoint %q requires tls but no identity is configured", ep.Address),
				errors.WithoutEvent())
		}
		protos := alpn
		if len(protos) == 0 && ep.Protocol != "" {
			protos = []string{ep.Protocol}
		}
		tlsConn := tls.Client(raw, r.identity.ClientConfig(ep.Identity, protos...))
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			_ = raw.Close()
			return nil, errors.Wrap(ctx, err, op, errors.WithoutEvent(),
				errors.WithMsg(fmt.Sprintf("tls handshake with %q failed", ep.Address)))
		}
		conn = tlsConn
	}

	release := r.balancer.acquire(ep.Address)
	return &trackedConn{Conn: conn, release: release}, nil
}

func without(eps []discovery.Endpoint, addr string) []discovery.Endpoint {
	out := eps[:0]
	for _, ep := range eps {
		if ep.Address != addr {
			out = append(out, ep)
		}
	}
	return out
}

// trackedConn releases its endpoint's balancer slot once on Close.
type trackedConn struct {
	net.Conn
	release func()
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	if c.release != nil {
		c.release()
	}
	return err
}
