// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/hashicorp/go-secure-stdlib/listenerutil"
	"github.com/hashicorp/trellis/internal/cmd/base"
	"github.com/hashicorp/trellis/internal/daemon/discovery"
	"github.com/hashicorp/trellis/internal/daemon/proxy"
	"github.com/hashicorp/trellis/internal/daemon/router"
	"github.com/hashicorp/trellis/internal/daemon/tap"
	"github.com/hashicorp/trellis/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func testOpsListener(t *testing.T) *base.ServerListener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return &base.ServerListener{
		Config:      &listenerutil.ListenerConfig{Type: "tcp", Purpose: []string{base.ListenerPurposeOps}},
		OpsListener: ln,
	}
}

func testServer(t *testing.T, p *proxy.Proxy, opt ...Option) (*Server, string) {
	t.Helper()
	l := testOpsListener(t)
	s, err := NewServer(context.Background(), nil, p, []*base.ServerListener{l}, opt...)
	require.NoError(t, err)
	s.Start()
	t.Cleanup(func() { _ = s.Shutdown() })
	return s, "http://" + l.OpsListener.Addr().String()
}

func testProxy(t *testing.T) *proxy.Proxy {
	t.Helper()
	ctx := context.Background()
	d, err := discovery.New(ctx, discovery.Config{DNSResolvers: []string{"127.0.0.1:1"}})
	require.NoError(t, err)
	t.Cleanup(d.Close)
	rtr, err := router.New(ctx, router.Config{Discovery: d})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p, err := proxy.New(ctx, &proxy.Config{
		InboundAppAddress:    "127.0.0.1:8080",
		Listeners:            []proxy.Listener{{Purpose: proxy.PurposeInbound, Ln: ln}},
		Router:               rtr,
		GracefulShutdownWait: time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, p.Start())
	t.Cleanup(func() { _ = p.Shutdown() })
	return p
}

func TestNewServer(t *testing.T) {
	ctx := context.Background()

	t.Run("no-ops-listeners", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		s, err := NewServer(ctx, nil, nil, []*base.ServerListener{
			{Config: &listenerutil.ListenerConfig{Type: "tcp", Purpose: []string{base.ListenerPurposeInbound}}},
		})
		require.NoError(err)
		assert.Empty(s.bundles)
	})

	t.Run("ops-listener-without-net-listener", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		_, err := NewServer(ctx, nil, nil, []*base.ServerListener{
			{Config: &listenerutil.ListenerConfig{Type: "tcp", Purpose: []string{base.ListenerPurposeOps}}},
		})
		require.Error(err)
		assert.Contains(err.Error(), "ops listener has no net.Listener")
	})

	t.Run("valid", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		s, err := NewServer(ctx, nil, nil, []*base.ServerListener{testOpsListener(t)})
		require.NoError(err)
		assert.Len(s.bundles, 1)
	})
}

func TestServer_Health(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	p := testProxy(t)
	_, addr := testServer(t, p)

	resp, err := http.Get(addr + "/health")
	require.NoError(err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(err)
	require.NoError(resp.Body.Close())
	assert.Equal(http.StatusOK, resp.StatusCode)
	assert.Equal("no-store", resp.Header.Get("Cache-Control"))
	assert.JSONEq(`{}`, string(body))

	resp, err = http.Get(addr + "/health?proxy_info=1")
	require.NoError(err)
	body, err = io.ReadAll(resp.Body)
	require.NoError(err)
	require.NoError(resp.Body.Close())
	assert.Equal(http.StatusOK, resp.StatusCode)

	var health map[string]map[string]any
	require.NoError(json.Unmarshal(body, &health))
	info, ok := health["proxy_process_info"]
	require.True(ok)
	assert.Equal("active", info["state"])
	assert.Zero(info["active_connections"])

	req, err := http.NewRequest(http.MethodPost, addr+"/health", nil)
	require.NoError(err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(err)
	require.NoError(resp.Body.Close())
	assert.Equal(http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_HealthWhileDraining(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()

	d, err := discovery.New(ctx, discovery.Config{DNSResolvers: []string{"127.0.0.1:1"}})
	require.NoError(err)
	t.Cleanup(d.Close)
	rtr, err := router.New(ctx, router.Config{Discovery: d})
	require.NoError(err)

	// An echo app keeps one proxied connection open across Shutdown so the
	// proxy stays draining long enough to observe.
	echoLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	t.Cleanup(func() { _ = echoLn.Close() })
	go func() {
		for {
			c, err := echoLn.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				_, _ = io.Copy(c, c)
				_ = c.Close()
			}(c)
		}
	}()

	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	p, err := proxy.New(ctx, &proxy.Config{
		InboundAppAddress:    echoLn.Addr().String(),
		Listeners:            []proxy.Listener{{Purpose: proxy.PurposeInbound, Ln: proxyLn}},
		Router:               rtr,
		GracefulShutdownWait: 2 * time.Second,
	})
	require.NoError(err)
	require.NoError(p.Start())
	t.Cleanup(func() { _ = p.Shutdown() })

	conn, err := net.Dial("tcp", proxyLn.Addr().String())
	require.NoError(err)
	defer conn.Close()
	_, err = conn.Write([]byte{0x01})
	require.NoError(err)
	require.Eventually(func() bool { return p.ActiveConnections() == 1 }, 5*time.Second, 10*time.Millisecond)

	_, addr := testServer(t, p)
	go func() { _ = p.Shutdown() }()
	require.Eventually(func() bool { return p.State() == "draining" }, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get(addr + "/health")
	require.NoError(err)
	require.NoError(resp.Body.Close())
	assert.Equal(http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_Metrics(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	_, addr := testServer(t, nil)

	resp, err := http.Get(addr + "/metrics")
	require.NoError(err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(err)
	require.NoError(resp.Body.Close())
	assert.Equal(http.StatusOK, resp.StatusCode)
	assert.NotEmpty(body)
}

func TestServer_PprofGated(t *testing.T) {
	assert, require := assert.New(t), require.New(t)

	_, plain := testServer(t, nil)
	resp, err := http.Get(plain + "/debug/pprof/")
	require.NoError(err)
	require.NoError(resp.Body.Close())
	assert.Equal(http.StatusNotFound, resp.StatusCode)

	_, gated := testServer(t, nil, WithPprof(true))
	resp, err = http.Get(gated + "/debug/pprof/")
	require.NoError(err)
	require.NoError(resp.Body.Close())
	assert.Equal(http.StatusOK, resp.StatusCode)
}

func TestServer_Tap(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	hub := tap.New(0)
	_, addr := testServer(t, nil, WithTapHub(hub))
	wsAddr := "ws" + addr[len("http"):]

	conn, _, err := websocket.Dial(ctx, wsAddr+"/v1/tap?filter="+url.QueryEscape(`data.direction == "outbound"`), nil)
	require.NoError(err)
	defer conn.Close(websocket.StatusNormalClosure, "done")
	require.Eventually(func() bool { return hub.SubscriberCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	for _, rec := range []string{
		`{"data": {"direction": "inbound"}}`,
		`{"data": {"direction": "outbound", "connection_id": "cn_tap1"}}`,
	} {
		_, err = hub.Write([]byte(rec))
		require.NoError(err)
	}

	var got map[string]any
	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(wsjson.Read(readCtx, conn, &got))
	data := got["data"].(map[string]any)
	assert.Equal("outbound", data["direction"])
	assert.Equal("cn_tap1", data["connection_id"])
}

func TestServer_TapBadFilter(t *testing.T) {
	require := require.New(t)
	hub := tap.New(0)
	_, addr := testServer(t, nil, WithTapHub(hub))

	resp, err := http.Get(addr + `/v1/tap?filter=direction+%24%3D%3D+%22x%22`)
	require.NoError(err)
	require.NoError(resp.Body.Close())
	require.Equal(http.StatusBadRequest, resp.StatusCode)
}

func TestServer_TapRateLimited(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()

	limits, err := ratelimit.Configs{{
		Resources: []string{ratelimit.ResourceTap},
		Actions:   []string{ratelimit.ActionSubscribe},
		Per:       "ip-address",
		Limit:     1,
		Period:    time.Minute,
	}}.Limits(ctx)
	require.NoError(err)
	limiter, err := ratelimit.NewLimiter(limits, 100)
	require.NoError(err)

	hub := tap.New(0)
	_, addr := testServer(t, nil, WithTapHub(hub), WithLimiter(limiter))
	wsAddr := "ws" + addr[len("http"):]

	conn, _, err := websocket.Dial(ctx, wsAddr+"/v1/tap", nil)
	require.NoError(err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	_, resp, err := websocket.Dial(ctx, wsAddr+"/v1/tap", nil)
	require.Error(err)
	require.NotNil(resp)
	assert.Equal(http.StatusTooManyRequests, resp.StatusCode)
}

func TestServer_WaitIfHealthExists(t *testing.T) {
	assert := assert.New(t)
	s, _ := testServer(t, nil)

	ui := &testUi{}
	start := time.Now()
	s.WaitIfHealthExists(50*time.Millisecond, ui)
	assert.GreaterOrEqual(time.Since(start), 50*time.Millisecond)
	assert.NotEmpty(ui.output)

	empty := &Server{}
	ui = &testUi{}
	empty.WaitIfHealthExists(time.Hour, ui)
	assert.Empty(ui.output)
}

type testUi struct {
	output []string
}

func (u *testUi) Ask(string) (string, error)       { return "", fmt.Errorf("not supported") }
func (u *testUi) AskSecret(string) (string, error) { return "", fmt.Errorf("not supported") }
func (u *testUi) Output(s string)                  { u.output = append(u.output, s) }
func (u *testUi) Info(s string)                    { u.output = append(u.output, s) }
func (u *testUi) Error(s string)                   { u.output = append(u.output, s) }
func (u *testUi) Warn(s string)                    { u.output = append(u.output, s) }
