// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package proxy

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/trellis/internal/daemon/metric"
	"github.com/hashicorp/trellis/internal/daemon/proxy/conntrack"
	"github.com/hashicorp/trellis/internal/daemon/proxy/protocol"
	"github.com/hashicorp/trellis/internal/daemon/router"
	"github.com/hashicorp/trellis/internal/errors"
	"github.com/hashicorp/trellis/internal/event"
	"golang.org/x/net/http2"
)

const httpReadHeaderTimeout = 10 * time.Second

// handleHttp1 serves a detected HTTP/1.x connection through a
// single-connection http.Server so keep-alive, upgrades and CONNECT all
// behave as the client expects.
func handleHttp1(ctx context.Context, p *Proxy, conn net.Conn, tracked *conntrack.Conn, src *Source) error {
	const op = "proxy.handleHttp1"

	ln := newSingleConnListener(conn)
	server := &http.Server{
		Handler:           p.httpHandler(tracked, src),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
		ConnContext: func(connCtx context.Context, _ net.Conn) context.Context {
			return NewSourceContext(connCtx, src)
		},
		ConnState: func(_ net.Conn, state http.ConnState) {
			// The client hung up; unblock Serve's Accept.
			if state == http.StateClosed {
				_ = ln.Close()
			}
		},
		ErrorLog: p.logger.StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true}),
	}

	err := server.Serve(ln)
	_ = server.Close()
	if stderrors.Is(err, net.ErrClosed) || stderrors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return errors.Wrap(ctx, err, op)
}

// handleHttp2 serves a detected HTTP/2 connection (h2c preface or ALPN h2
// after termination) directly via the http2 server.
func handleHttp2(ctx context.Context, p *Proxy, conn net.Conn, tracked *conntrack.Conn, src *Source) error {
	h2s := &http2.Server{}
	h2s.ServeConn(conn, &http2.ServeConnOpts{
		Context: NewSourceContext(ctx, src),
		BaseConfig: &http.Server{
			ErrorLog: p.logger.StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true}),
		},
		Handler: p.httpHandler(tracked, src),
	})
	return nil
}

// httpHandler builds the per-connection request handler: a reverse proxy
// targeting the local application (inbound) or the routed endpoint
// (outbound), with CONNECT tunneling, per-route timeouts, per-request
// access events and duration metrics.
func (p *Proxy) httpHandler(tracked *conntrack.Conn, src *Source) http.Handler {
	const op = "proxy.(Proxy).httpHandler"
	inbound := tracked.Direction() == PurposeInbound

	h2 := tracked.Protocol() == string(protocol.Http2)

	var transport http.RoundTripper
	switch {
	case inbound && h2:
		// An h2 client stays h2 toward the application so trailers and
		// bidirectional streams survive end to end.
		transport = &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, _, addr string, _ *tls.Config) (net.Conn, error) {
				return (&net.Dialer{Timeout: defaultDialTimeout}).DialContext(ctx, "tcp", addr)
			},
		}
	case inbound:
		transport = &http.Transport{
			DialContext: (&net.Dialer{Timeout: defaultDialTimeout}).DialContext,
		}
	case h2:
		// Outbound h2 rides the router's dial; plain endpoints get h2c,
		// identity-bearing endpoints get TLS with ALPN h2.
		transport = &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, _, addr string, _ *tls.Config) (net.Conn, error) {
				conn, _, _, err := p.Router().Dial(ctx, router.RequestMeta{Authority: addr}, "h2")
				return conn, err
			},
		}
	default:
		transport = &http.Transport{
			DialContext: func(ctx context.Context, _, addr string) (net.Conn, error) {
				conn, _, _, err := p.Router().Dial(ctx, router.RequestMeta{Authority: addr})
				return conn, err
			},
		}
	}

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetXForwarded()
			pr.Out.URL.Scheme = "http"
			if inbound {
				pr.Out.URL.Host = p.appAddress(src.OrigDst)
			} else {
				pr.Out.URL.Host = requestAuthority(pr.In, src)
			}
			// The application sees the client's Host untouched.
			pr.Out.Host = pr.In.Host
		},
		Transport:     transport,
		FlushInterval: 100 * time.Millisecond,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			event.WriteError(r.Context(), op, err, event.WithInfoMsg("error proxying request",
				"connection_id", tracked.Id(), "method", r.Method, "authority", r.Host))
			w.WriteHeader(http.StatusBadGateway)
		},
	}

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqId, _ := event.NewId("req")
		eventId, _ := event.NewId("e")
		reqInfo := &event.RequestInfo{
			EventId:      eventId,
			Id:           reqId,
			Method:       r.Method,
			Path:         r.URL.Path,
			Authority:    r.Host,
			Protocol:     r.Proto,
			Direction:    tracked.Direction(),
			ClientIp:     clientIp(r.RemoteAddr),
			ConnectionId: tracked.Id(),
		}
		ctx := r.Context()
		if reqCtx, err := event.NewRequestInfoContext(ctx, reqInfo); err == nil {
			ctx = reqCtx
		}

		if r.Method == http.MethodConnect {
			p.handleConnect(w, r.WithContext(ctx), tracked, src)
			return
		}

		meta := router.RequestMeta{Method: r.Method, Path: r.URL.Path, Authority: requestAuthority(r, src)}
		if route := p.Router().Match(meta); route != nil && route.Timeout() > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, route.Timeout())
			defer cancel()
		}

		rp.ServeHTTP(w, r.WithContext(ctx))
		_ = event.WriteAccess(ctx, op, event.WithRequestInfo(reqInfo), event.WithFlush())
	})
	return metric.InstrumentHttpHandler(inner, tracked.Direction())
}

// handleConnect tunnels a CONNECT request: dial the target, answer 200,
// then relay the hijacked stream.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request, tracked *conntrack.Conn, src *Source) {
	const op = "proxy.(Proxy).handleConnect"
	ctx := r.Context()

	var endpoint net.Conn
	var err error
	if tracked.Direction() == PurposeInbound {
		endpoint, err = net.DialTimeout("tcp", r.Host, defaultDialTimeout)
	} else {
		endpoint, _, _, err = p.Router().Dial(ctx, router.RequestMeta{Method: r.Method, Authority: r.Host})
	}
	if err != nil {
		event.WriteError(ctx, op, err, event.WithInfoMsg("error dialing connect target",
			"connection_id", tracked.Id(), "target", r.Host))
		http.Error(w, "cannot reach target", http.StatusBadGateway)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		_ = endpoint.Close()
		http.Error(w, "connect not supported", http.StatusMethodNotAllowed)
		return
	}
	client, bufrw, err := hj.Hijack()
	if err != nil {
		_ = endpoint.Close()
		event.WriteError(ctx, op, err, event.WithInfoMsg("error hijacking connect stream",
			"connection_id", tracked.Id()))
		return
	}
	if _, err := bufrw.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil || bufrw.Flush() != nil {
		_ = client.Close()
		_ = endpoint.Close()
		return
	}
	_ = event.WriteAccess(ctx, op, event.WithConnectionInfo(&event.ConnectionInfo{
		ConnectionId: tracked.Id(),
		Authority:    r.Host,
		Endpoint:     endpoint.RemoteAddr().String(),
	}))
	// Bytes the client pipelined behind the CONNECT head are sitting in the
	// hijack buffer; the relay reads the raw conn, so push them through first.
	if n := bufrw.Reader.Buffered(); n > 0 {
		if _, err := io.CopyN(endpoint, bufrw.Reader, int64(n)); err != nil {
			_ = client.Close()
			_ = endpoint.Close()
			return
		}
	}
	relay(client, endpoint)
}

// requestAuthority returns the request's destination as host:port, falling
// back to the original destination and default HTTP port.
func requestAuthority(r *http.Request, src *Source) string {
	host := r.Host
	origTcp, _ := src.OrigDst.(*net.TCPAddr)
	if host == "" {
		if origTcp != nil {
			return origTcp.String()
		}
		return ""
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	port := 80
	if origTcp != nil && origTcp.Port != 0 {
		port = origTcp.Port
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func clientIp(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

// singleConnListener hands its one connection to the first Accept and
// blocks subsequent Accepts until Close.
type singleConnListener struct {
	conn net.Conn
	ch   chan net.Conn
	done chan struct{}
	once sync.Once
}

func newSingleConnListener(conn net.Conn) *singleConnListener {
	ch := make(chan net.Conn, 1)
	ch <- conn
	return &singleConnListener{
		conn: conn,
		ch:   ch,
		done: make(chan struct{}),
	}
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.ch:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *singleConnListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *singleConnListener) Addr() net.Addr { return l.conn.LocalAddr() }
