// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package proxy

import (
	"context"
	"net"
)

// TLSStatus describes what the proxy did about TLS on a connection.
type TLSStatus int

const (
	// TLSStatusDisabled means protocol detection was skipped for the
	// connection, so its TLS use is unknown.
	TLSStatusDisabled TLSStatus = iota

	// TLSStatusNoneNotDetected means detection ran and saw no TLS.
	TLSStatusNoneNotDetected

	// TLSStatusPassthrough means a TLS stream is relayed without
	// termination.
	TLSStatusPassthrough

	// TLSStatusTerminated means the proxy terminated TLS with its own
	// identity.
	TLSStatusTerminated
)

func (s TLSStatus) String() string {
	switch s {
	case TLSStatusDisabled:
		return "disabled"
	case TLSStatusNoneNotDetected:
		return "none_not_detected"
	case TLSStatusPassthrough:
		return "passthrough"
	case TLSStatusTerminated:
		return "terminated"
	}
	return "unknown"
}

// Source describes where a proxied connection came from and what is known
// about it.  It is carried in the request context for HTTP handlers.
type Source struct {
	// RemoteAddr is the client's address.
	RemoteAddr net.Addr

	// LocalAddr is the listener address the connection arrived on.
	LocalAddr net.Addr

	// OrigDst is the pre-redirect destination, nil when unavailable or
	// when it pointed back at the proxy itself.
	OrigDst net.Addr

	// TLS is the connection's TLS disposition.
	TLS TLSStatus

	// ConnId is the conn manager id (cn_<base62>).
	ConnId string

	// sni is the server name from the ClientHello, when detection saw one.
	sni string
}

// Sni returns the ClientHello server name, empty when none was seen.
func (s *Source) Sni() string { return s.sni }

type sourceCtxKey struct{}

// NewSourceContext returns a context carrying the source.
func NewSourceContext(ctx context.Context, src *Source) context.Context {
	return context.WithValue(ctx, sourceCtxKey{}, src)
}

// SourceFromContext returns the source carried by the context, if any.
func SourceFromContext(ctx context.Context) (*Source, bool) {
	src, ok := ctx.Value(sourceCtxKey{}).(*Source)
	return src, ok
}
