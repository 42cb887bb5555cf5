// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package discovery resolves logical destinations (authorities) to concrete
// endpoint sets.  Static overrides from configuration win over the control
// plane, and authorities unknown to the control plane fall back to DNS.
// Resolutions are cached with their advertised TTL.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/trellis/internal/daemon/metric"
	"github.com/hashicorp/trellis/internal/errors"
	"github.com/hashicorp/trellis/internal/event"
	"github.com/maypok86/otter"
	"golang.org/x/sync/singleflight"
)

// Source identifies where a resolution came from.
type Source string

const (
	SourceControlPlane Source = "control-plane"
	SourceDNS          Source = "dns"
	SourceStatic       Source = "static"
)

// Endpoint is one concrete address for a destination.
type Endpoint struct {
	Address  string `json:"address"`
	Weight   int    `json:"weight,omitempty"`
	Identity string `json:"identity,omitempty"`
	Protocol string `json:"protocol,omitempty"`
}

// Resolution is the endpoint set for an authority, valid until Expiry.
type Resolution struct {
	Authority string
	Endpoints []Endpoint
	Source    Source
	Expiry    time.Time
}

// minCacheTtl is the floor applied to advertised TTLs so a zero or tiny TTL
// cannot turn every connection into a lookup.
const minCacheTtl = 5 * time.Second

const defaultCacheEntries = 10_000

// Config configures a Discovery.
type Config struct {
	// Address is the control-plane discovery API base URL.  Empty disables
	// control-plane lookups; resolution is DNS and static overrides only.
	Address string

	// RefreshInterval is the period of the background refresh loop for
	// watched authorities.
	RefreshInterval time.Duration

	// DNSResolvers are resolver addresses (host[:port]); empty means use
	// /etc/resolv.conf.
	DNSResolvers []string

	// Static maps an authority to a fixed endpoint address list.  Static
	// entries win over both the control plane and DNS.
	Static map[string][]string

	// MaxCacheEntries caps the resolution cache; zero means a default.
	MaxCacheEntries int
}

// Discovery resolves authorities through static overrides, the control plane
// and DNS, with a TTL cache in front.
type Discovery struct {
	client          *Client
	resolver        *Resolver
	static          map[string]*Resolution
	cache           otter.CacheWithVariableTTL[string, *Resolution]
	sf              singleflight.Group
	refreshInterval time.Duration

	mu       sync.Mutex
	watched  map[string]context.CancelFunc
	baseCtx  context.Context
	baseStop context.CancelFunc
}

// New creates a Discovery from the config.
func New(ctx context.Context, conf Config) (*Discovery, error) {
	const op = "discovery.New"

	var client *Client
	if conf.Address != "" {
		var err error
		client, err = NewClient(ctx, conf.Address)
		if err != nil {
			return nil, errors.Wrap(ctx, err, op)
		}
	}
	resolver, err := NewResolver(ctx, conf.DNSResolvers)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}

	entries := conf.MaxCacheEntries
	if entries <= 0 {
		entries = defaultCacheEntries
	}
	cache, err := otter.MustBuilder[string, *Resolution](entries).
		WithVariableTTL().
		Build()
	if err != nil {
		return nil, errors.Wrap(ctx, err, op, errors.WithMsg("error building resolution cache"))
	}

	static := make(map[string]*Resolution, len(conf.Static))
	for authority, addrs := range conf.Static {
		if len(addrs) == 0 {
			return nil, errors.New(ctx, errors.InvalidConfiguration, op,
				fmt.Sprintf("static destination %q has no endpoints", authority))
		}
		eps := make([]Endpoint, 0, len(addrs))
		for _, a := range addrs {
			if _, _, err := net.SplitHostPort(a); err != nil {
				return nil, errors.New(ctx, errors.InvalidConfiguration, op,
					fmt.Sprintf("static endpoint %q for %q is not a host:port address", a, authority))
			}
			eps = append(eps, Endpoint{Address: a})
		}
		static[authority] = &Resolution{
			Authority: authority,
			Endpoints: eps,
			Source:    SourceStatic,
		}
	}

	refreshInterval := conf.RefreshInterval
	if refreshInterval <= 0 {
		refreshInterval = 30 * time.Second
	}

	baseCtx, baseStop := context.WithCancel(context.Background())
	return &Discovery{
		client:          client,
		resolver:        resolver,
		static:          static,
		cache:           cache,
		refreshInterval: refreshInterval,
		watched:         make(map[string]context.CancelFunc),
		baseCtx:         baseCtx,
		baseStop:        baseStop,
	}, nil
}

// Resolve returns the endpoint set for an authority.  Static overrides are
// returned as-is; otherwise the cache is consulted and misses go to the
// control plane with a DNS fallback, deduplicated across callers.
func (d *Discovery) Resolve(ctx context.Context, authority string) (*Resolution, error) {
	const op = "discovery.(Discovery).Resolve"
	if authority == "" {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing authority")
	}
	if res, ok := d.static[authority]; ok {
		return res, nil
	}
	if res, ok := d.cache.Get(authority); ok {
		return res, nil
	}

	v, err, _ := d.sf.Do(authority, func() (any, error) {
		// Re-check under the flight: a racing caller may have populated it.
		if res, ok := d.cache.Get(authority); ok {
			return res, nil
		}
		return d.lookup(ctx, authority)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Resolution), nil
}

// lookup performs an uncached control-plane lookup with DNS fallback and
// stores the result.
func (d *Discovery) lookup(ctx context.Context, authority string) (*Resolution, error) {
	const op = "discovery.(Discovery).lookup"

	start := time.Now()
	var res *Resolution
	var err error
	switch {
	case d.client != nil:
		res, err = d.client.Lookup(ctx, authority)
		if err == nil {
			break
		}
		if !errors.Match(errors.T(errors.NotFound), err) {
			return nil, err
		}
		// Unknown to the control plane; fall back to DNS.
		res, err = d.resolver.Resolve(ctx, authority)
	default:
		res, err = d.resolver.Resolve(ctx, authority)
	}
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	metric.RecordDiscoveryLookup(string(res.Source), time.Since(start))

	ttl := time.Until(res.Expiry)
	if ttl < minCacheTtl {
		ttl = minCacheTtl
		res.Expiry = time.Now().Add(ttl)
	}
	d.cache.Set(authority, res, ttl)
	return res, nil
}

// Invalidate drops an authority from the cache, forcing the next Resolve to
// look it up again.  Used when every endpoint of a resolution has failed.
func (d *Discovery) Invalidate(authority string) {
	d.cache.Delete(authority)
}

// Watch starts a background refresh loop for the authority.  Lookup failures
// back off exponentially; successes reset the loop to the refresh interval.
// Watching an already watched authority is a no-op.
func (d *Discovery) Watch(authority string) {
	const op = "discovery.(Discovery).Watch"
	if authority == "" {
		return
	}
	if _, ok := d.static[authority]; ok {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.watched[authority]; ok {
		return
	}
	ctx, cancel := context.WithCancel(d.baseCtx)
	d.watched[authority] = cancel

	go func() {
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = 0
		timer := time.NewTimer(d.refreshInterval)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			delay := d.refreshInterval
			if _, err := d.lookup(ctx, authority); err != nil {
				event.WriteError(ctx, op, err, event.WithInfoMsg("error refreshing destination", "authority", authority))
				delay = bo.NextBackOff()
			} else {
				bo.Reset()
			}
			timer.Reset(delay)
		}
	}()
}

// Unwatch stops the refresh loop for an authority.
func (d *Discovery) Unwatch(authority string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cancel, ok := d.watched[authority]; ok {
		cancel()
		delete(d.watched, authority)
	}
}

// Close stops all refresh loops and releases the cache.
func (d *Discovery) Close() {
	d.baseStop()
	d.mu.Lock()
	d.watched = make(map[string]context.CancelFunc)
	d.mu.Unlock()
	d.cache.Close()
}
