// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/hashicorp/trellis/internal/errors"
	"github.com/miekg/dns"
)

const resolvConfPath = "/etc/resolv.conf"

// Resolver answers authority lookups from DNS.  When the authority's port is
// a service name an SRV query is tried first; otherwise (and as fallback)
// A/AAAA records are used.
type Resolver struct {
	servers []string
	client  *dns.Client
}

// NewResolver creates a Resolver using the given server addresses, falling
// back to /etc/resolv.conf when none are configured.  Servers without a port
// get the standard port 53.
func NewResolver(ctx context.Context, servers []string) (*Resolver, error) {
	const op = "discovery.NewResolver"

	if len(servers) == 0 {
		cc, err := dns.ClientConfigFromFile(resolvConfPath)
		if err != nil {
			return nil, errors.Wrap(ctx, err, op, errors.WithMsg("error reading resolv.conf"))
		}
		for _, s := range cc.Servers {
			servers = append(servers, net.JoinHostPort(s, cc.Port))
		}
	} else {
		normalized := make([]string, 0, len(servers))
		for _, s := range servers {
			if _, _, err := net.SplitHostPort(s); err != nil {
				s = net.JoinHostPort(s, "53")
			}
			normalized = append(normalized, s)
		}
		servers = normalized
	}
	if len(servers) == 0 {
		return nil, errors.New(ctx, errors.InvalidConfiguration, op, "no dns resolvers available")
	}

	return &Resolver{
		servers: servers,
		client:  &dns.Client{Timeout: 3 * time.Second},
	}, nil
}

// Resolve looks up an authority (host:port) in DNS.  The returned expiry
// honors the smallest record TTL with a floor of minCacheTtl.
func (r *Resolver) Resolve(ctx context.Context, authority string) (*Resolution, error) {
	const op = "discovery.(Resolver).Resolve"

	host, port, err := net.SplitHostPort(authority)
	if err != nil {
		return nil, errors.New(ctx, errors.InvalidParameter, op,
			fmt.Sprintf("authority %q is not a host:port address", authority), errors.WithWrap(err))
	}

	// An IP literal needs no lookup.
	if ip := net.ParseIP(host); ip != nil {
		return &Resolution{
			Authority: authority,
			Endpoints: []Endpoint{{Address: authority}},
			Source:    SourceDNS,
			Expiry:    time.Now().Add(time.Hour),
		}, nil
	}

	// A named port means an SRV service lookup.
	if _, err := strconv.Atoi(port); err != nil {
		if res, err := r.resolveSrv(ctx, authority, host, port); err == nil {
			return res, nil
		}
		return nil, errors.New(ctx, errors.NotFound, op,
			fmt.Sprintf("no srv records for service %q on %q", port, host))
	}

	var addrs []string
	minTtl := uint32(0)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		answers, err := r.exchange(ctx, dns.Fqdn(host), qtype)
		if err != nil {
			continue
		}
		for _, rr := range answers {
			var ip net.IP
			switch a := rr.(type) {
			case *dns.A:
				ip = a.A
			case *dns.AAAA:
				ip = a.AAAA
			default:
				continue
			}
			addrs = append(addrs, net.JoinHostPort(ip.String(), port))
			if ttl := rr.Header().Ttl; minTtl == 0 || ttl < minTtl {
				minTtl = ttl
			}
		}
	}
	if len(addrs) == 0 {
		return nil, errors.New(ctx, errors.NotFound, op,
			fmt.Sprintf("no dns records for %q", host))
	}

	eps := make([]Endpoint, 0, len(addrs))
	for _, a := range addrs {
		eps = append(eps, Endpoint{Address: a})
	}
	return &Resolution{
		Authority: authority,
		Endpoints: eps,
		Source:    SourceDNS,
		Expiry:    time.Now().Add(ttlOrFloor(minTtl)),
	}, nil
}

// resolveSrv resolves _<service>._tcp.<host> SRV records, then resolves each
// target to addresses.
func (r *Resolver) resolveSrv(ctx context.Context, authority, host, service string) (*Resolution, error) {
	const op = "discovery.(Resolver).resolveSrv"

	name := dns.Fqdn(fmt.Sprintf("_%s._tcp.%s", service, host))
	answers, err := r.exchange(ctx, name, dns.TypeSRV)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}

	var eps []Endpoint
	minTtl := uint32(0)
	for _, rr := range answers {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}
		port := strconv.Itoa(int(srv.Port))
		target, err := r.Resolve(ctx, net.JoinHostPort(srv.Target, port))
		if err != nil {
			continue
		}
		for _, ep := range target.Endpoints {
			ep.Weight = int(srv.Weight)
			eps = append(eps, ep)
		}
		if ttl := rr.Header().Ttl; minTtl == 0 || ttl < minTtl {
			minTtl = ttl
		}
	}
	if len(eps) == 0 {
		return nil, errors.New(ctx, errors.NotFound, op,
			fmt.Sprintf("no srv records for %q", name))
	}
	return &Resolution{
		Authority: authority,
		Endpoints: eps,
		Source:    SourceDNS,
		Expiry:    time.Now().Add(ttlOrFloor(minTtl)),
	}, nil
}

// exchange queries each configured server in order until one answers.
func (r *Resolver) exchange(ctx context.Context, name string, qtype uint16) ([]dns.RR, error) {
	const op = "discovery.(Resolver).exchange"

	m := new(dns.Msg)
	m.SetQuestion(name, qtype)

	var lastErr error
	for _, server := range r.servers {
		in, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = err
			continue
		}
		if in.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("server %s answered %s for %s", server, dns.RcodeToString[in.Rcode], name)
			continue
		}
		return in.Answer, nil
	}
	return nil, errors.Wrap(ctx, lastErr, op, errors.WithCode(errors.Unavailable),
		errors.WithMsg(fmt.Sprintf("all dns servers failed for %s", name)))
}

func ttlOrFloor(ttl uint32) time.Duration {
	d := time.Duration(ttl) * time.Second
	if d < minCacheTtl {
		return minCacheTtl
	}
	return d
}
