// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package metric provides functions to initialize the proxy specific
// collectors and hooks to measure metrics and update the relevant collectors.
package metric

const (
	// Namespace is the prometheus namespace shared by all trellis collectors.
	Namespace = "trellis"

	proxySubsystem = "proxy"
	opsSubsystem   = "ops"

	LabelListener  = "listener"
	LabelProtocol  = "protocol"
	LabelResult    = "result"
	LabelDirection = "direction"
	LabelOutcome   = "outcome"
	LabelSource    = "source"

	labelHttpCode   = "code"
	labelHttpMethod = "method"
)

// Listener label values.
const (
	ListenerInbound  = "inbound"
	ListenerOutbound = "outbound"
	ListenerOps      = "ops"
)

// Protocol label values.
const (
	ProtocolTcp           = "tcp"
	ProtocolTls           = "tls-passthrough"
	ProtocolTlsTerminated = "tls-terminated"
	ProtocolHttp1         = "http1"
	ProtocolHttp2         = "http2"
	ProtocolNotDetected   = "not-detected"
)

// Result label values for closed connections.
const (
	ResultOk          = "ok"
	ResultError       = "error"
	ResultRateLimited = "rate_limited"
	ResultRefused     = "refused"
)

// Direction label values for relayed bytes.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Detection outcome label values.
const (
	OutcomeTls     = "tls"
	OutcomeHttp1   = "http1"
	OutcomeHttp2   = "http2"
	OutcomeTcp     = "tcp"
	OutcomeTimeout = "timeout"
)

// Discovery source label values.
const (
	SourceApi    = "api"
	SourceDns    = "dns"
	SourceCache  = "cache"
	SourceStatic = "static"
)
