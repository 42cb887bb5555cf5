// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/hashicorp/trellis/internal/daemon/proxy/conntrack"
	"github.com/hashicorp/trellis/internal/daemon/router"
	"github.com/hashicorp/trellis/internal/errors"
	"github.com/hashicorp/trellis/internal/event"
)

// handleTcp relays an opaque duplex stream between the client and its
// destination.  Inbound connections go to the local application address;
// outbound connections are routed by authority (SNI for TLS passthrough,
// original destination otherwise).
func handleTcp(ctx context.Context, p *Proxy, conn net.Conn, tracked *conntrack.Conn, src *Source) error {
	const op = "proxy.handleTcp"

	var endpoint net.Conn
	switch tracked.Direction() {
	case PurposeInbound:
		target := p.appAddress(src.OrigDst)
		dialed, err := net.DialTimeout("tcp", target, defaultDialTimeout)
		if err != nil {
			return errors.Wrap(ctx, err, op, errors.WithCode(errors.Unavailable),
				errors.WithMsg(fmt.Sprintf("error dialing application at %q", target)))
		}
		endpoint = dialed
		_ = event.WriteAccess(ctx, op, event.WithConnectionInfo(&event.ConnectionInfo{
			ConnectionId: tracked.Id(),
			Endpoint:     target,
		}))
	case PurposeOutbound:
		authority := outboundAuthority(src)
		if authority == "" {
			return errors.New(ctx, errors.Unavailable, op,
				"no destination for outbound connection: no original destination and no sni")
		}
		dialed, ep, route, err := p.Router().Dial(ctx, router.RequestMeta{Authority: authority})
		if err != nil {
			return errors.Wrap(ctx, err, op)
		}
		endpoint = dialed
		connInfo := &event.ConnectionInfo{
			ConnectionId: tracked.Id(),
			Authority:    authority,
			Endpoint:     ep.Address,
		}
		if route != nil {
			connInfo.RouteName = route.Name()
		}
		_ = event.WriteAccess(ctx, op, event.WithConnectionInfo(connInfo))
	default:
		return errors.New(ctx, errors.InternalError, op,
			fmt.Sprintf("unknown direction %q", tracked.Direction()))
	}

	relay(conn, endpoint)
	return nil
}

// outboundAuthority derives the logical destination of an outbound
// connection: the ClientHello SNI when one was seen (port from the original
// destination, 443 otherwise), else the original destination address.
func outboundAuthority(src *Source) string {
	origTcp, _ := src.OrigDst.(*net.TCPAddr)
	if src.sni != "" {
		port := 443
		if origTcp != nil && origTcp.Port != 0 {
			port = origTcp.Port
		}
		return net.JoinHostPort(src.sni, strconv.Itoa(port))
	}
	if origTcp != nil {
		return origTcp.String()
	}
	return ""
}

// relay copies both directions until either side ends, then closes both
// conns and waits for the other copy to unwind.
func relay(client, endpoint net.Conn) {
	connWg := new(sync.WaitGroup)
	connWg.Add(2)
	go func() {
		defer connWg.Done()
		_, _ = io.Copy(endpoint, client)
		_ = endpoint.Close()
		_ = client.Close()
	}()
	go func() {
		defer connWg.Done()
		_, _ = io.Copy(client, endpoint)
		_ = client.Close()
		_ = endpoint.Close()
	}()
	connWg.Wait()
}
