// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package proxy

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"net"

	"github.com/hashicorp/trellis/internal/daemon/proxy/conntrack"
	"github.com/hashicorp/trellis/internal/daemon/proxy/protocol"
	"github.com/hashicorp/trellis/internal/errors"
	"github.com/hashicorp/trellis/internal/event"
)

// handleTls decides between termination and passthrough for a detected TLS
// stream.  Inbound connections whose SNI names the local identity are
// terminated with the proxy's certificate and the plaintext is re-run
// through detection; everything else is relayed opaquely with the SNI
// driving outbound routing.
func handleTls(ctx context.Context, p *Proxy, conn net.Conn, tracked *conntrack.Conn, src *Source) error {
	const op = "proxy.handleTls"

	terminate := tracked.Direction() == PurposeInbound &&
		p.identity != nil &&
		src.sni == p.identity.Name()
	if !terminate {
		src.TLS = TLSStatusPassthrough
		return handleTcp(ctx, p, conn, tracked, src)
	}

	tlsConn := tls.Server(conn, p.identity.ServerConfig())
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return errors.Wrap(ctx, err, op, errors.WithMsg("tls handshake failed"))
	}
	src.TLS = TLSStatusTerminated
	_ = event.WriteAccess(ctx, op, event.WithConnectionInfo(&event.ConnectionInfo{
		ConnectionId:  tracked.Id(),
		TlsTerminated: true,
		Sni:           src.sni,
	}))

	// The plaintext stream gets its own detection pass so terminated http
	// traffic still lands on the http handlers.
	proto, _, inner, err := protocol.Detect(ctx, tlsConn, p.detectionTimeout.Load())
	if err != nil {
		if stderrors.Is(err, protocol.ErrClientClosed) {
			return nil
		}
		return errors.Wrap(ctx, err, op, errors.WithMsg("error detecting protocol after termination"))
	}
	if proto == protocol.Tls {
		// Nested TLS is relayed opaquely rather than unwrapped again.
		proto = protocol.Tcp
	}
	tracked.SetProtocol(string(proto))

	handler, err := GetHandler(proto)
	if err != nil {
		return errors.Wrap(ctx, err, op)
	}
	return handler(ctx, p, inner, tracked, src)
}
