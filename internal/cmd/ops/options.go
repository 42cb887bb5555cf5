// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package ops

import (
	"github.com/hashicorp/go-rate"
	"github.com/hashicorp/trellis/internal/daemon/tap"
	"github.com/prometheus/client_golang/prometheus"
)

// getOpts iterates the inbound Options and returns a struct.
func getOpts(opt ...Option) options {
	opts := getDefaultOptions()
	for _, o := range opt {
		o(&opts)
	}
	return opts
}

// Option is a function that takes in an options struct and sets values or
// sets flags or values within the options struct.
type Option func(*options)

type options struct {
	withTapHub   *tap.Hub
	withLimiter  *rate.Limiter
	withGatherer prometheus.Gatherer
	withPprof    bool
}

func getDefaultOptions() options {
	return options{}
}

// WithTapHub enables the /v1/tap endpoint backed by the hub.
func WithTapHub(hub *tap.Hub) Option {
	return func(o *options) {
		o.withTapHub = hub
	}
}

// WithLimiter rate-limits tap subscriptions.
func WithLimiter(limiter *rate.Limiter) Option {
	return func(o *options) {
		o.withLimiter = limiter
	}
}

// WithGatherer sets the prometheus gatherer served at /metrics.  The
// default gatherer is used when unset.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(o *options) {
		o.withGatherer = g
	}
}

// WithPprof enables the /debug/pprof endpoints.
func WithPprof(enabled bool) Option {
	return func(o *options) {
		o.withPprof = enabled
	}
}
