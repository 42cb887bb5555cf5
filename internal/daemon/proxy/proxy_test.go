// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/hashicorp/trellis/internal/daemon/discovery"
	"github.com/hashicorp/trellis/internal/daemon/identity"
	"github.com/hashicorp/trellis/internal/daemon/proxy/protocol"
	"github.com/hashicorp/trellis/internal/daemon/router"
	"github.com/hashicorp/trellis/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// testVerifyNoLeaks checks for leaked goroutines after the test's cleanups
// have run, so proxy shutdown and server closes registered later are
// complete by the time the check happens.
func testVerifyNoLeaks(t *testing.T) {
	t.Helper()
	opt := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, opt) })
}

func testRouter(t *testing.T, static map[string][]string) *router.Router {
	t.Helper()
	ctx := context.Background()
	d, err := discovery.New(ctx, discovery.Config{
		// Unreachable; these tests resolve statically or not at all.
		DNSResolvers: []string{"127.0.0.1:1"},
		Static:       static,
	})
	require.NoError(t, err)
	t.Cleanup(d.Close)

	r, err := router.New(ctx, router.Config{Discovery: d, DialTimeout: time.Second})
	require.NoError(t, err)
	return r
}

func testListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

// testEchoServer echoes every accepted connection until closed.
func testEchoServer(t *testing.T) string {
	t.Helper()
	ln := testListener(t)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				_, _ = io.Copy(c, c)
				_ = c.Close()
			}(c)
		}
	}()
	return ln.Addr().String()
}

func testProxy(t *testing.T, conf *Config) *Proxy {
	t.Helper()
	if conf.ProtocolDetectionTimeout == 0 {
		conf.ProtocolDetectionTimeout = time.Second
	}
	if conf.GracefulShutdownWait == 0 {
		conf.GracefulShutdownWait = time.Second
	}
	p, err := New(context.Background(), conf)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	t.Cleanup(func() { _ = p.Shutdown() })
	return p
}

func TestNew(t *testing.T) {
	ctx := context.Background()
	rtr := testRouter(t, nil)
	ln := testListener(t)
	t.Cleanup(func() { _ = ln.Close() })

	tests := []struct {
		name            string
		conf            *Config
		wantErrContains string
	}{
		{
			name:            "missing-config",
			conf:            nil,
			wantErrContains: "missing config",
		},
		{
			name:            "missing-listeners",
			conf:            &Config{Router: rtr},
			wantErrContains: "missing listeners",
		},
		{
			name:            "missing-router",
			conf:            &Config{Listeners: []Listener{{Purpose: PurposeOutbound, Ln: ln}}},
			wantErrContains: "missing router",
		},
		{
			name: "unknown-purpose",
			conf: &Config{
				Router:    rtr,
				Listeners: []Listener{{Purpose: "cluster", Ln: ln}},
			},
			wantErrContains: `unknown listener purpose "cluster"`,
		},
		{
			name: "inbound-without-app-address",
			conf: &Config{
				Router:    rtr,
				Listeners: []Listener{{Purpose: PurposeInbound, Ln: ln}},
			},
			wantErrContains: "requires inbound_app_address",
		},
		{
			name: "bad-app-address",
			conf: &Config{
				Router:            rtr,
				InboundAppAddress: "localhost",
				Listeners:         []Listener{{Purpose: PurposeInbound, Ln: ln}},
			},
			wantErrContains: "not a host:port address",
		},
		{
			name: "valid",
			conf: &Config{
				Router:            rtr,
				InboundAppAddress: "127.0.0.1:8080",
				Listeners:         []Listener{{Purpose: PurposeInbound, Ln: ln}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			p, err := New(ctx, tt.conf)
			if tt.wantErrContains != "" {
				require.Error(err)
				assert.Nil(p)
				assert.Contains(err.Error(), tt.wantErrContains)
				return
			}
			require.NoError(err)
			require.NotNil(p)
			assert.Equal("stopped", p.State())
		})
	}
}

func TestProxy_InboundTcp(t *testing.T) {
	testVerifyNoLeaks(t)
	assert, require := assert.New(t), require.New(t)

	app := testEchoServer(t)
	ln := testListener(t)
	p := testProxy(t, &Config{
		Name:              "test-proxy",
		InboundAppAddress: app,
		Listeners:         []Listener{{Purpose: PurposeInbound, Ln: ln}},
		Router:            testRouter(t, nil),
	})
	assert.Equal("active", p.State())

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(err)

	// A leading 0x01 cannot be TLS, h2 or an HTTP method, so detection
	// settles on tcp without waiting for the full peek.
	payload := []byte{0x01, 0xde, 0xad, 0xbe, 0xef}
	_, err = conn.Write(payload)
	require.NoError(err)

	got := make([]byte, len(payload))
	_, err = io.ReadFull(conn, got)
	require.NoError(err)
	assert.Equal(payload, got)

	require.NoError(conn.Close())
	require.Eventually(func() bool { return p.ActiveConnections() == 0 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(p.Shutdown())
	assert.Equal("stopped", p.State())
}

func TestProxy_InboundHttp1(t *testing.T) {
	testVerifyNoLeaks(t)
	assert, require := assert.New(t), require.New(t)

	appLn := testListener(t)
	app := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-App", "ok")
		w.Header().Set("X-Got-Forwarded-For", r.Header.Get("X-Forwarded-For"))
		_, _ = w.Write([]byte("hello from app"))
	})}
	go func() { _ = app.Serve(appLn) }()
	t.Cleanup(func() { _ = app.Close() })

	ln := testListener(t)
	testProxy(t, &Config{
		InboundAppAddress: appLn.Addr().String(),
		Listeners:         []Listener{{Purpose: PurposeInbound, Ln: ln}},
		Router:            testRouter(t, nil),
	})

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return net.Dial("tcp", ln.Addr().String())
			},
		},
	}
	t.Cleanup(client.CloseIdleConnections)

	resp, err := client.Get("http://app.internal/hello")
	require.NoError(err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(err)
	require.NoError(resp.Body.Close())

	assert.Equal(http.StatusOK, resp.StatusCode)
	assert.Equal("ok", resp.Header.Get("X-App"))
	assert.NotEmpty(resp.Header.Get("X-Got-Forwarded-For"))
	assert.Equal("hello from app", string(body))
}

func TestProxy_InboundHttp2(t *testing.T) {
	testVerifyNoLeaks(t)
	assert, require := assert.New(t), require.New(t)

	appLn := testListener(t)
	app := &http.Server{Handler: h2c.NewHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-App-Proto", r.Proto)
		_, _ = w.Write([]byte("hello from h2 app"))
	}), &http2.Server{})}
	go func() { _ = app.Serve(appLn) }()
	t.Cleanup(func() { _ = app.Close() })

	ln := testListener(t)
	testProxy(t, &Config{
		InboundAppAddress: appLn.Addr().String(),
		Listeners:         []Listener{{Purpose: PurposeInbound, Ln: ln}},
		Router:            testRouter(t, nil),
	})

	client := &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return net.Dial("tcp", ln.Addr().String())
			},
		},
	}
	t.Cleanup(client.CloseIdleConnections)

	resp, err := client.Get("http://app.internal/hello")
	require.NoError(err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(err)
	require.NoError(resp.Body.Close())

	assert.Equal(http.StatusOK, resp.StatusCode)
	assert.Equal(2, resp.ProtoMajor)
	// The application must see an h2 request, not a downgrade to HTTP/1.1.
	assert.Equal("HTTP/2.0", resp.Header.Get("X-App-Proto"))
	assert.Equal("hello from h2 app", string(body))
}

func TestProxy_ConnectPipelinedBytes(t *testing.T) {
	testVerifyNoLeaks(t)
	assert, require := assert.New(t), require.New(t)

	target := testEchoServer(t)
	ln := testListener(t)
	testProxy(t, &Config{
		InboundAppAddress: "127.0.0.1:8080",
		Listeners:         []Listener{{Purpose: PurposeInbound, Ln: ln}},
		Router:            testRouter(t, nil),
	})

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(err)
	defer conn.Close()

	// The payload rides in the same write as the CONNECT head, so it lands
	// in the server's read buffer before the tunnel is hijacked.
	payload := "sent before the 200"
	_, err = conn.Write([]byte("CONNECT " + target + " HTTP/1.1\r\nHost: " + target + "\r\n\r\n" + payload))
	require.NoError(err)

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(err)
	require.NoError(resp.Body.Close())
	require.Equal(http.StatusOK, resp.StatusCode)

	got := make([]byte, len(payload))
	_, err = io.ReadFull(br, got)
	require.NoError(err)
	assert.Equal(payload, string(got))
}

func TestProxy_OutboundRefusedWithoutDestination(t *testing.T) {
	testVerifyNoLeaks(t)
	require := require.New(t)

	ln := testListener(t)
	testProxy(t, &Config{
		Listeners: []Listener{{Purpose: PurposeOutbound, Ln: ln}},
		Router:    testRouter(t, nil),
	})

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(err)
	defer conn.Close()
	_, err = conn.Write([]byte{0x01, 0x02, 0x03})
	require.NoError(err)

	// No original destination and no SNI leaves the proxy nothing to dial;
	// it must close the connection.
	require.NoError(conn.SetReadDeadline(time.Now().Add(5 * time.Second)))
	_, err = conn.Read(make([]byte, 1))
	require.ErrorIs(err, io.EOF)
}

func TestProxy_OutboundTlsPassthrough(t *testing.T) {
	testVerifyNoLeaks(t)
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()

	// The upstream endpoint terminates its own TLS; the proxy must relay
	// the stream opaquely, routing by SNI.
	idConf := identity.TestIdentityFiles(t, t.TempDir(), "web.internal")
	store, err := identity.NewStore(ctx, idConf)
	require.NoError(err)

	endpointLn, err := tls.Listen("tcp", "127.0.0.1:0", store.ServerConfig())
	require.NoError(err)
	t.Cleanup(func() { _ = endpointLn.Close() })
	go func() {
		for {
			c, err := endpointLn.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				_, _ = io.Copy(c, c)
				_ = c.Close()
			}(c)
		}
	}()

	ln := testListener(t)
	testProxy(t, &Config{
		Listeners: []Listener{{Purpose: PurposeOutbound, Ln: ln}},
		Router: testRouter(t, map[string][]string{
			"web.internal:443": {endpointLn.Addr().String()},
		}),
	})

	raw, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(err)

	caPem, err := os.ReadFile(idConf.CAFile)
	require.NoError(err)
	roots := x509.NewCertPool()
	require.True(roots.AppendCertsFromPEM(caPem))

	client := tls.Client(raw, &tls.Config{ServerName: "web.internal", RootCAs: roots})
	require.NoError(client.Handshake())

	_, err = client.Write([]byte("ping"))
	require.NoError(err)
	got := make([]byte, 4)
	_, err = io.ReadFull(client, got)
	require.NoError(err)
	assert.Equal("ping", string(got))
	require.NoError(client.Close())
}

func TestProxy_InboundTlsTermination(t *testing.T) {
	testVerifyNoLeaks(t)
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()

	idConf := identity.TestIdentityFiles(t, t.TempDir(), "app.default.trellis.local")
	store, err := identity.NewStore(ctx, idConf)
	require.NoError(err)

	appLn := testListener(t)
	app := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("plaintext backend"))
	})}
	go func() { _ = app.Serve(appLn) }()
	t.Cleanup(func() { _ = app.Close() })

	ln := testListener(t)
	testProxy(t, &Config{
		InboundAppAddress: appLn.Addr().String(),
		Listeners:         []Listener{{Purpose: PurposeInbound, Ln: ln}},
		Router:            testRouter(t, nil),
		Identity:          store,
	})

	raw, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(err)

	caPem, err := os.ReadFile(idConf.CAFile)
	require.NoError(err)
	roots := x509.NewCertPool()
	require.True(roots.AppendCertsFromPEM(caPem))

	client := tls.Client(raw, &tls.Config{ServerName: "app.default.trellis.local", RootCAs: roots})
	require.NoError(client.Handshake())

	// Plain HTTP inside the terminated stream reaches the plaintext app.
	_, err = client.Write([]byte("GET /secure HTTP/1.1\r\nHost: app.default.trellis.local\r\nConnection: close\r\n\r\n"))
	require.NoError(err)

	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	require.NoError(err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(err)
	require.NoError(resp.Body.Close())
	assert.Equal(http.StatusOK, resp.StatusCode)
	assert.Equal("plaintext backend", string(body))
	require.NoError(client.Close())
}

func TestProxy_RateLimit(t *testing.T) {
	testVerifyNoLeaks(t)
	require := require.New(t)
	ctx := context.Background()

	limits, err := ratelimit.Configs{{
		Resources: []string{ratelimit.ResourceInbound},
		Actions:   []string{ratelimit.ActionConnect},
		Per:       "ip-address",
		Limit:     1,
		Period:    time.Minute,
	}}.Limits(ctx)
	require.NoError(err)
	limiter, err := ratelimit.NewLimiter(limits, 100)
	require.NoError(err)

	app := testEchoServer(t)
	ln := testListener(t)
	testProxy(t, &Config{
		InboundAppAddress: app,
		Listeners:         []Listener{{Purpose: PurposeInbound, Ln: ln}},
		Router:            testRouter(t, nil),
		Limiter:           limiter,
	})

	// First connection passes the limit.
	first, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(err)
	defer first.Close()
	_, err = first.Write([]byte{0x01})
	require.NoError(err)
	got := make([]byte, 1)
	_, err = io.ReadFull(first, got)
	require.NoError(err)

	// The second is over the per-ip limit and is closed immediately.
	second, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(err)
	defer second.Close()
	require.NoError(second.SetReadDeadline(time.Now().Add(5 * time.Second)))
	_, err = second.Read(make([]byte, 1))
	require.ErrorIs(err, io.EOF)
}

func TestProxy_ShutdownDrains(t *testing.T) {
	testVerifyNoLeaks(t)
	assert, require := assert.New(t), require.New(t)

	app := testEchoServer(t)
	ln := testListener(t)
	p := testProxy(t, &Config{
		InboundAppAddress:    app,
		Listeners:            []Listener{{Purpose: PurposeInbound, Ln: ln}},
		Router:               testRouter(t, nil),
		GracefulShutdownWait: 250 * time.Millisecond,
	})

	// Park a connection mid-relay.
	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(err)
	defer conn.Close()
	_, err = conn.Write([]byte{0x01})
	require.NoError(err)
	require.Eventually(func() bool { return p.ActiveConnections() == 1 }, 5*time.Second, 10*time.Millisecond)

	// Shutdown must force-close it after the grace period and leave no
	// data-path goroutines behind.
	start := time.Now()
	require.NoError(p.Shutdown())
	assert.GreaterOrEqual(time.Since(start), 250*time.Millisecond)
	assert.Equal("stopped", p.State())
	assert.Zero(p.ActiveConnections())

	// New connections are refused once the listeners are closed.
	_, err = net.Dial("tcp", ln.Addr().String())
	require.Error(err)
}

func TestProxy_Reload(t *testing.T) {
	assert, require := assert.New(t), require.New(t)

	ln := testListener(t)
	t.Cleanup(func() { _ = ln.Close() })
	p, err := New(context.Background(), &Config{
		Listeners:                     []Listener{{Purpose: PurposeOutbound, Ln: ln}},
		Router:                        testRouter(t, nil),
		ProtocolDetectionTimeout:      time.Second,
		GracefulShutdownWait:          time.Second,
		DisableProtocolDetectionPorts: []int{3306},
	})
	require.NoError(err)

	assert.True(p.skipDetection(&net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 3306}))

	p.Reload(&Config{
		ProtocolDetectionTimeout:      5 * time.Second,
		DisableProtocolDetectionPorts: []int{5432},
	})
	assert.Equal(5*time.Second, p.detectionTimeout.Load())
	assert.False(p.skipDetection(&net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 3306}))
	assert.True(p.skipDetection(&net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5432}))
}

func TestSameAddr(t *testing.T) {
	assert := assert.New(t)
	v4 := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4143}
	mapped := &net.TCPAddr{IP: net.ParseIP("::ffff:127.0.0.1"), Port: 4143}

	assert.True(sameAddr(v4, mapped))
	assert.True(sameAddr(v4, v4))
	assert.False(sameAddr(v4, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4144}))
	assert.False(sameAddr(v4, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 2), Port: 4143}))
	assert.False(sameAddr(nil, v4))
}

func TestOutboundAuthority(t *testing.T) {
	assert := assert.New(t)
	origDst := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 8443}

	assert.Equal("web.internal:8443", outboundAuthority(&Source{sni: "web.internal", OrigDst: origDst}))
	assert.Equal("web.internal:443", outboundAuthority(&Source{sni: "web.internal"}))
	assert.Equal("10.0.0.9:8443", outboundAuthority(&Source{OrigDst: origDst}))
	assert.Empty(outboundAuthority(&Source{}))
}

func TestTLSStatus_String(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("disabled", TLSStatusDisabled.String())
	assert.Equal("none_not_detected", TLSStatusNoneNotDetected.String())
	assert.Equal("passthrough", TLSStatusPassthrough.String())
	assert.Equal("terminated", TLSStatusTerminated.String())
	assert.Equal("unknown", TLSStatus(42).String())
}

func TestSourceContext(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()

	_, ok := SourceFromContext(ctx)
	assert.False(ok)

	src := &Source{ConnId: "cn_test"}
	got, ok := SourceFromContext(NewSourceContext(ctx, src))
	require.True(ok)
	assert.Same(src, got)
}

func TestHandlerRegistry(t *testing.T) {
	assert, require := assert.New(t), require.New(t)

	// The built-in handlers registered in init.
	for _, proto := range []protocol.Protocol{protocol.Tcp, protocol.Tls, protocol.Http1, protocol.Http2} {
		h, err := GetHandler(proto)
		require.NoError(err)
		require.NotNil(h)
	}

	_, err := GetHandler(protocol.Protocol("spdy"))
	require.Error(err)
	assert.ErrorIs(err, ErrUnknownProtocol)

	err = RegisterHandler(protocol.Tcp, handleTcp)
	require.Error(err)
	assert.ErrorIs(err, ErrProtocolAlreadyRegistered)
}

func TestRequestAuthority(t *testing.T) {
	assert := assert.New(t)
	origDst := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 8080}

	r := &http.Request{Host: "web.internal:9090"}
	assert.Equal("web.internal:9090", requestAuthority(r, &Source{}))

	r = &http.Request{Host: "web.internal"}
	assert.Equal("web.internal:8080", requestAuthority(r, &Source{OrigDst: origDst}))
	assert.Equal("web.internal:80", requestAuthority(r, &Source{}))

	r = &http.Request{}
	assert.Equal("10.0.0.9:8080", requestAuthority(r, &Source{OrigDst: origDst}))
	assert.Empty(requestAuthority(r, &Source{}))
}
