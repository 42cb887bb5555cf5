// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package proxy

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/hashicorp/trellis/internal/daemon/proxy/conntrack"
	"github.com/hashicorp/trellis/internal/daemon/proxy/protocol"
)

var (
	// handlers is the map of registered handlers
	handlers *sync.Map = new(sync.Map)

	// ErrUnknownProtocol specifies the provided protocol has no registered handler
	ErrUnknownProtocol = errors.New("proxy: handler not found for protocol")

	// ErrProtocolAlreadyRegistered specifies the provided protocol has already been registered
	ErrProtocolAlreadyRegistered = errors.New("proxy: protocol already registered")
)

// HandlerFn relays one connection.  conn is the stream to serve (peeked
// bytes already replayed, TLS possibly terminated), tracked is the conn
// manager entry carrying the byte counters, and src describes the
// connection.  HandlerFn blocks until the relay ends.
type HandlerFn func(ctx context.Context, p *Proxy, conn net.Conn, tracked *conntrack.Conn, src *Source) error

// RegisterHandler registers a handler for the protocol.
func RegisterHandler(proto protocol.Protocol, handler HandlerFn) error {
	_, loaded := handlers.LoadOrStore(proto, handler)
	if loaded {
		return ErrProtocolAlreadyRegistered
	}
	return nil
}

// GetHandler returns the handler registered for the protocol, or
// ErrUnknownProtocol.
func GetHandler(proto protocol.Protocol) (HandlerFn, error) {
	handler, ok := handlers.Load(proto)
	if !ok {
		return nil, ErrUnknownProtocol
	}
	return handler.(HandlerFn), nil
}

func init() {
	for proto, handler := range map[protocol.Protocol]HandlerFn{
		protocol.Tcp:   handleTcp,
		protocol.Tls:   handleTls,
		protocol.Http1: handleHttp1,
		protocol.Http2: handleHttp2,
	} {
		if err := RegisterHandler(proto, handler); err != nil {
			panic(err)
		}
	}
}
