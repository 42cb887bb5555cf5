// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package proxy implements the data plane: listeners, protocol detection,
// and the tcp/tls/http handlers that relay accepted connections to their
// destinations.
package proxy

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-rate"
	"github.com/hashicorp/trellis/internal/daemon/identity"
	"github.com/hashicorp/trellis/internal/daemon/metric"
	"github.com/hashicorp/trellis/internal/daemon/proxy/conntrack"
	"github.com/hashicorp/trellis/internal/daemon/proxy/protocol"
	"github.com/hashicorp/trellis/internal/daemon/router"
	"github.com/hashicorp/trellis/internal/errors"
	"github.com/hashicorp/trellis/internal/event"
	"github.com/hashicorp/trellis/internal/ratelimit"
	ua "go.uber.org/atomic"
)

// Listener purposes.
const (
	PurposeInbound  = "inbound"
	PurposeOutbound = "outbound"
)

const (
	DefaultProtocolDetectionTimeout = 10 * time.Second
	DefaultGracefulShutdownWait     = 15 * time.Second

	defaultDialTimeout = 10 * time.Second
)

// Close reasons recorded on access events.
const (
	reasonCompleted       = "completed"
	reasonClientClosed    = "client closed before bytes"
	reasonDetectionFailed = "detection failed"
	reasonRefused         = "refused"
	reasonError           = "error"
)

// Listener pairs a net.Listener with its purpose (inbound or outbound).
type Listener struct {
	Purpose string
	Ln      net.Listener
}

// Config configures a Proxy.
type Config struct {
	// Name is the proxy's configured name, used in system events.
	Name string

	// InboundAppAddress is the local application address (host:port)
	// inbound connections are forwarded to.  Required when an inbound
	// listener is configured.
	InboundAppAddress string

	// ProtocolDetectionTimeout bounds the initial peek; expiry falls back
	// to opaque tcp.
	ProtocolDetectionTimeout time.Duration

	// DisableProtocolDetectionPorts lists original-destination ports that
	// skip detection and relay as opaque tcp.
	DisableProtocolDetectionPorts []int

	// GracefulShutdownWait is how long Shutdown waits for in-flight
	// connections before force-closing them.
	GracefulShutdownWait time.Duration

	// Listeners are the data-path listeners.  At least one is required.
	Listeners []Listener

	// Router picks and dials endpoints.  Required.
	Router *router.Router

	// Identity enables inbound TLS termination and outbound origination.
	Identity *identity.Store

	// Limiter rate-limits accepted connections; nil disables limiting.
	Limiter *rate.Limiter

	Logger hclog.Logger
}

// Proxy is the data-plane daemon.
type Proxy struct {
	name     string
	logger   hclog.Logger
	identity *identity.Store

	baseCtx    context.Context
	baseCancel context.CancelFunc

	started   *ua.Bool
	draining  *ua.Bool
	startTime time.Time

	manager *conntrack.Manager

	// Reloadable state.
	router           atomic.Pointer[router.Router]
	limiter          atomic.Pointer[rate.Limiter]
	detectionTimeout *ua.Duration
	gracePeriod      *ua.Duration
	skipPorts        atomic.Value // map[int]struct{}

	appHost string
	appPort int

	listeners []Listener
	acceptWg  sync.WaitGroup
	connWg    sync.WaitGroup
}

// New validates the config and creates a Proxy.
func New(ctx context.Context, conf *Config) (*Proxy, error) {
	const op = "proxy.New"
	if conf == nil {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing config")
	}
	if len(conf.Listeners) == 0 {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing listeners")
	}
	if conf.Router == nil {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing router")
	}

	var appHost string
	var appPort int
	for _, l := range conf.Listeners {
		switch l.Purpose {
		case PurposeInbound, PurposeOutbound:
		default:
			return nil, errors.New(ctx, errors.InvalidConfiguration, op,
				fmt.Sprintf("unknown listener purpose %q", l.Purpose))
		}
		if l.Ln == nil {
			return nil, errors.New(ctx, errors.InvalidParameter, op,
				fmt.Sprintf("listener %q has no net.Listener", l.Purpose))
		}
		if l.Purpose == PurposeInbound && conf.InboundAppAddress == "" {
			return nil, errors.New(ctx, errors.InvalidConfiguration, op,
				"an inbound listener requires inbound_app_address")
		}
	}
	if conf.InboundAppAddress != "" {
		host, portStr, err := net.SplitHostPort(conf.InboundAppAddress)
		if err != nil {
			return nil, errors.New(ctx, errors.InvalidConfiguration, op,
				fmt.Sprintf("inbound_app_address %q is not a host:port address", conf.InboundAppAddress))
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return nil, errors.New(ctx, errors.InvalidConfiguration, op,
				fmt.Sprintf("inbound_app_address %q has an invalid port", conf.InboundAppAddress))
		}
		appHost, appPort = host, port
	}

	logger := conf.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	detectionTimeout := conf.ProtocolDetectionTimeout
	if detectionTimeout <= 0 {
		detectionTimeout = DefaultProtocolDetectionTimeout
	}
	grace := conf.GracefulShutdownWait
	if grace <= 0 {
		grace = DefaultGracefulShutdownWait
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	p := &Proxy{
		name:             conf.Name,
		logger:           logger,
		identity:         conf.Identity,
		baseCtx:          baseCtx,
		baseCancel:       baseCancel,
		started:          ua.NewBool(false),
		draining:         ua.NewBool(false),
		manager:          conntrack.NewManager(),
		detectionTimeout: ua.NewDuration(detectionTimeout),
		gracePeriod:      ua.NewDuration(grace),
		appHost:          appHost,
		appPort:          appPort,
		listeners:        conf.Listeners,
	}
	p.router.Store(conf.Router)
	if conf.Limiter != nil {
		p.limiter.Store(conf.Limiter)
	}
	p.skipPorts.Store(portSet(conf.DisableProtocolDetectionPorts))
	return p, nil
}

func portSet(ports []int) map[int]struct{} {
	set := make(map[int]struct{}, len(ports))
	for _, p := range ports {
		set[p] = struct{}{}
	}
	return set
}

// Router returns the current router.
func (p *Proxy) Router() *router.Router { return p.router.Load() }

// Manager returns the proxy's connection manager.
func (p *Proxy) Manager() *conntrack.Manager { return p.manager }

// State reports the proxy lifecycle state: active, draining or stopped.
func (p *Proxy) State() string {
	switch {
	case p.draining.Load():
		return "draining"
	case p.started.Load():
		return "active"
	}
	return "stopped"
}

// ActiveConnections returns the number of connections being relayed.
func (p *Proxy) ActiveConnections() int { return p.manager.Count() }

// Uptime returns how long the proxy has been started.
func (p *Proxy) Uptime() time.Duration {
	if p.startTime.IsZero() {
		return 0
	}
	return time.Since(p.startTime)
}

// Start begins accepting on every configured listener.
func (p *Proxy) Start() error {
	const op = "proxy.(Proxy).Start"
	if !p.started.CompareAndSwap(false, true) {
		return errors.New(p.baseCtx, errors.InternalError, op, "proxy already started")
	}
	p.startTime = time.Now()
	for _, l := range p.listeners {
		l := l
		p.acceptWg.Add(1)
		go p.acceptLoop(l)
	}
	event.WriteSysEvent(p.baseCtx, op, "proxy started", "name", p.name, "listeners", len(p.listeners))
	return nil
}

// Shutdown stops accepting, waits up to the grace period for in-flight
// connections, then force-closes the rest.  After it returns no data-path
// goroutines remain.
func (p *Proxy) Shutdown() error {
	const op = "proxy.(Proxy).Shutdown"
	if !p.started.Load() {
		return nil
	}
	p.draining.Store(true)
	event.WriteSysEvent(p.baseCtx, op, "proxy draining",
		"name", p.name, "active_connections", p.manager.Count())

	for _, l := range p.listeners {
		_ = l.Ln.Close()
	}
	p.acceptWg.Wait()

	deadline := time.Now().Add(p.gracePeriod.Load())
	for p.manager.Count() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	p.baseCancel()
	p.manager.CloseAll()
	p.connWg.Wait()

	p.started.Store(false)
	event.WriteSysEvent(context.Background(), op, "proxy stopped", "name", p.name)
	return nil
}

// Reload swaps the reloadable pieces of the config: detection timeout and
// skip ports, graceful shutdown wait, rate limits and the route table.
// Listener addresses and the inbound application address are not
// reloadable.
func (p *Proxy) Reload(conf *Config) {
	const op = "proxy.(Proxy).Reload"
	if conf == nil {
		return
	}
	if conf.ProtocolDetectionTimeout > 0 {
		p.detectionTimeout.Store(conf.ProtocolDetectionTimeout)
	}
	if conf.GracefulShutdownWait > 0 {
		p.gracePeriod.Store(conf.GracefulShutdownWait)
	}
	p.skipPorts.Store(portSet(conf.DisableProtocolDetectionPorts))
	if conf.Limiter != nil {
		p.limiter.Store(conf.Limiter)
	}
	if conf.Router != nil {
		p.router.Store(conf.Router)
	}
	event.WriteSysEvent(p.baseCtx, op, "proxy configuration reloaded", "name", p.name)
}

// acceptLoop accepts connections on one listener until it is closed.
func (p *Proxy) acceptLoop(l Listener) {
	const op = "proxy.(Proxy).acceptLoop"
	defer p.acceptWg.Done()

	delay := 5 * time.Millisecond
	for {
		conn, err := l.Ln.Accept()
		if err != nil {
			if stderrors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if stderrors.As(err, &ne) && ne.Timeout() {
				// Temporary starvation (fd exhaustion and friends);
				// back off and retry.
				if delay *= 2; delay > time.Second {
					delay = time.Second
				}
				time.Sleep(delay)
				continue
			}
			event.WriteError(p.baseCtx, op, err, event.WithInfoMsg("error accepting connection", "listener", l.Purpose))
			time.Sleep(delay)
			continue
		}
		delay = 5 * time.Millisecond

		if !p.allow(l, conn) {
			metric.RecordRejected(l.Purpose, metric.ResultRateLimited)
			_ = conn.Close()
			continue
		}
		tracked, err := p.manager.Register(p.baseCtx, conn, l.Purpose)
		if err != nil {
			event.WriteError(p.baseCtx, op, err)
			_ = conn.Close()
			continue
		}
		metric.RecordAccept(l.Purpose)
		p.connWg.Add(1)
		go func() {
			defer p.connWg.Done()
			p.handleConn(l, tracked)
		}()
	}
}

// allow applies the connect rate limit for the listener.  Limiter errors
// fail open with an error event; dropping traffic over a limiter bug is
// worse than briefly exceeding a limit.
func (p *Proxy) allow(l Listener, conn net.Conn) bool {
	const op = "proxy.(Proxy).allow"
	limiter := p.limiter.Load()
	if limiter == nil {
		return true
	}
	ip := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	allowed, _, err := limiter.Allow(l.Purpose, ratelimit.ActionConnect, ip, "")
	if err != nil {
		event.WriteError(p.baseCtx, op, err, event.WithInfoMsg("error checking rate limit", "listener", l.Purpose))
		return true
	}
	return allowed
}

// handleConn owns one accepted connection end to end: original destination
// lookup, detection, handler dispatch, and the close-out access event.
func (p *Proxy) handleConn(l Listener, tracked *conntrack.Conn) {
	const op = "proxy.(Proxy).handleConn"

	ctx := p.baseCtx
	eventId, err := event.NewId("e")
	if err == nil {
		clientIp := tracked.RemoteAddr().String()
		if host, _, splitErr := net.SplitHostPort(clientIp); splitErr == nil {
			clientIp = host
		}
		reqCtx, ctxErr := event.NewRequestInfoContext(ctx, &event.RequestInfo{
			EventId:      eventId,
			Id:           tracked.Id(),
			ConnectionId: tracked.Id(),
			Direction:    l.Purpose,
			ClientIp:     clientIp,
		})
		if ctxErr == nil {
			ctx = reqCtx
		}
	}

	src := &Source{
		RemoteAddr: tracked.RemoteAddr(),
		LocalAddr:  tracked.LocalAddr(),
		TLS:        TLSStatusNoneNotDetected,
		ConnId:     tracked.Id(),
	}

	closeReason := reasonCompleted
	var handlerErr error
	defer func() {
		_ = tracked.Conn.Close()
		p.manager.Unregister(tracked.Id())

		duration := time.Since(tracked.StartTime())
		result := metric.ResultOk
		switch {
		case closeReason == reasonRefused:
			result = metric.ResultRefused
		case handlerErr != nil:
			result = metric.ResultError
			if closeReason == reasonCompleted {
				closeReason = reasonError
			}
		}
		metric.RecordClose(l.Purpose, p.metricProtocol(tracked, src), result, duration)
		metric.RecordRelayedBytes(tracked.BytesIn(), tracked.BytesOut())

		connInfo := &event.ConnectionInfo{
			ConnectionId:  tracked.Id(),
			TlsTerminated: src.TLS == TLSStatusTerminated,
			Sni:           src.sni,
		}
		_ = event.WriteAccess(ctx, op,
			event.WithConnectionInfo(connInfo),
			event.WithTraffic(&event.Traffic{
				BytesIn:    tracked.BytesIn(),
				BytesOut:   tracked.BytesOut(),
				DurationMs: duration.Milliseconds(),
			}),
			event.WithCloseReason(closeReason),
			event.WithFlush(),
		)
	}()

	src.OrigDst = origDstIfNotLocal(tracked.Conn)

	connInfo := &event.ConnectionInfo{
		ConnectionId: tracked.Id(),
		Direction:    l.Purpose,
		ClientAddr:   tracked.RemoteAddr().String(),
	}
	if src.OrigDst != nil {
		connInfo.OriginalDst = src.OrigDst.String()
	}
	_ = event.WriteAccess(ctx, op, event.WithConnectionInfo(connInfo))

	var conn net.Conn = tracked
	proto := protocol.Tcp
	if p.skipDetection(src.OrigDst) {
		src.TLS = TLSStatusDisabled
	} else {
		var info protocol.Info
		var detectErr error
		proto, info, conn, detectErr = protocol.Detect(ctx, tracked, p.detectionTimeout.Load())
		if detectErr != nil {
			if stderrors.Is(detectErr, protocol.ErrClientClosed) {
				closeReason = reasonClientClosed
				return
			}
			closeReason = reasonDetectionFailed
			handlerErr = detectErr
			event.WriteError(ctx, op, detectErr, event.WithInfoMsg("error detecting protocol", "connection_id", tracked.Id()))
			return
		}
		src.sni = info.Sni
		metric.RecordDetection(detectionOutcome(proto, info))
	}
	tracked.SetProtocol(string(proto))

	handler, err := GetHandler(proto)
	if err != nil {
		closeReason = reasonRefused
		handlerErr = err
		event.WriteError(ctx, op, err, event.WithInfoMsg("no handler for protocol", "protocol", string(proto)))
		return
	}
	handlerErr = handler(ctx, p, conn, tracked, src)
	if handlerErr != nil && errors.Match(errors.T(errors.Unavailable), handlerErr) {
		closeReason = reasonRefused
	}
}

// skipDetection reports whether the original destination port is in the
// detection skip set.
func (p *Proxy) skipDetection(origDst net.Addr) bool {
	set := p.skipPorts.Load().(map[int]struct{})
	if len(set) == 0 {
		return false
	}
	tcpAddr, ok := origDst.(*net.TCPAddr)
	if !ok {
		return false
	}
	_, skip := set[tcpAddr.Port]
	return skip
}

// metricProtocol maps the connection's detected protocol and TLS state to
// the metric label values.
func (p *Proxy) metricProtocol(tracked *conntrack.Conn, src *Source) string {
	switch src.TLS {
	case TLSStatusTerminated:
		return metric.ProtocolTlsTerminated
	case TLSStatusPassthrough:
		return metric.ProtocolTls
	}
	switch protocol.Protocol(tracked.Protocol()) {
	case protocol.Tcp:
		return metric.ProtocolTcp
	case protocol.Http1:
		return metric.ProtocolHttp1
	case protocol.Http2:
		return metric.ProtocolHttp2
	case protocol.Tls:
		return metric.ProtocolTls
	}
	return metric.ProtocolNotDetected
}

func detectionOutcome(proto protocol.Protocol, info protocol.Info) string {
	if info.TimedOut {
		return metric.OutcomeTimeout
	}
	switch proto {
	case protocol.Tls:
		return metric.OutcomeTls
	case protocol.Http1:
		return metric.OutcomeHttp1
	case protocol.Http2:
		return metric.OutcomeHttp2
	}
	return metric.OutcomeTcp
}

// appAddress returns the local application target for an inbound
// connection: the configured app host, with the original destination's
// port when one is known.
func (p *Proxy) appAddress(origDst net.Addr) string {
	port := p.appPort
	if tcpAddr, ok := origDst.(*net.TCPAddr); ok && tcpAddr.Port != 0 {
		port = tcpAddr.Port
	}
	return net.JoinHostPort(p.appHost, strconv.Itoa(port))
}
