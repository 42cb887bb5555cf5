// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package ops serves the operational endpoints: health, prometheus metrics,
// optional pprof, and the live traffic tap.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-rate"
	"github.com/hashicorp/trellis/internal/cmd/base"
	"github.com/hashicorp/trellis/internal/daemon/metric"
	"github.com/hashicorp/trellis/internal/daemon/proxy"
	"github.com/hashicorp/trellis/internal/daemon/tap"
	"github.com/hashicorp/trellis/internal/errors"
	"github.com/hashicorp/trellis/internal/event"
	"github.com/hashicorp/trellis/internal/ratelimit"
	"github.com/mitchellh/cli"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const opsShutdownTimeout = 5 * time.Second

// Server serves the ops endpoints on every listener with purpose "ops".
type Server struct {
	logger   hclog.Logger
	proxy    *proxy.Proxy
	hub      *tap.Hub
	limiter  *rate.Limiter
	registry prometheus.Gatherer
	pprof    bool

	bundles []*bundle
	wg      sync.WaitGroup
}

type bundle struct {
	ln     net.Listener
	server *http.Server
}

// NewServer creates an ops Server over the listeners whose purpose is ops.
// A nil proxy is allowed; health then reports only liveness.
func NewServer(ctx context.Context, logger hclog.Logger, p *proxy.Proxy, listeners []*base.ServerListener, opt ...Option) (*Server, error) {
	const op = "ops.NewServer"
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	opts := getOpts(opt...)

	s := &Server{
		logger:   logger,
		proxy:    p,
		hub:      opts.withTapHub,
		limiter:  opts.withLimiter,
		registry: opts.withGatherer,
		pprof:    opts.withPprof,
	}
	if s.registry == nil {
		s.registry = prometheus.DefaultGatherer
	}

	for _, l := range listeners {
		if l == nil || l.Config == nil {
			continue
		}
		isOps := false
		for _, purpose := range l.Config.Purpose {
			if purpose == base.ListenerPurposeOps {
				isOps = true
			}
		}
		if !isOps {
			continue
		}
		if l.OpsListener == nil {
			return nil, errors.New(ctx, errors.InvalidParameter, op, "ops listener has no net.Listener")
		}
		server := &http.Server{
			Handler:           s.mux(),
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          logger.StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true}),
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
		l.HTTPServer = server
		s.bundles = append(s.bundles, &bundle{ln: l.OpsListener, server: server})
	}
	return s, nil
}

// Start serves on every ops listener.  It returns immediately.
func (s *Server) Start() {
	const op = "ops.(Server).Start"
	for _, b := range s.bundles {
		b := b
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			err := b.server.Serve(b.ln)
			if err != nil && err != http.ErrServerClosed {
				event.WriteError(context.Background(), op, err,
					event.WithInfoMsg("ops listener failed", "address", b.ln.Addr().String()))
			}
		}()
		event.WriteSysEvent(context.Background(), op, "ops endpoints available", "address", b.ln.Addr().String())
	}
}

// Shutdown stops the ops servers, waiting briefly for in-flight requests.
func (s *Server) Shutdown() error {
	const op = "ops.(Server).Shutdown"
	ctx, cancel := context.WithTimeout(context.Background(), opsShutdownTimeout)
	defer cancel()
	var shutdownErr error
	for _, b := range s.bundles {
		if err := b.server.Shutdown(ctx); err != nil {
			shutdownErr = errors.Wrap(ctx, err, op, errors.WithMsg("error shutting down ops listener"))
		}
	}
	s.wg.Wait()
	return shutdownErr
}

// WaitIfHealthExists blocks for dur when a health endpoint is being served,
// giving load balancers time to observe the 503 before listeners close.
func (s *Server) WaitIfHealthExists(dur time.Duration, ui cli.Ui) {
	if len(s.bundles) == 0 {
		return
	}
	ui.Output(fmt.Sprintf("==> Waiting %s before shutdown to allow health checks to notice drain", dur))
	time.Sleep(dur)
}

func (s *Server) mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	if s.hub != nil {
		mux.HandleFunc("/v1/tap", s.handleTap)
	}
	if s.pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return metric.InstrumentHttpHandler(mux, base.ListenerPurposeOps)
}

type proxyInfo struct {
	State             string `json:"state"`
	ActiveConnections int    `json:"active_connections"`
	UptimeMs          int64  `json:"uptime_ms"`
}

// handleHealth reports liveness, 503 while draining so load balancers pull
// the instance before listeners close.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	const op = "ops.(Server).handleHealth"
	w.Header().Set("Cache-Control", "no-store")
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp := make(map[string]*proxyInfo)
	status := http.StatusOK
	if s.proxy != nil {
		state := s.proxy.State()
		if state == "draining" {
			status = http.StatusServiceUnavailable
		}
		if q := r.URL.Query().Get("proxy_info"); q == "1" || strings.EqualFold(q, "true") {
			resp["proxy_process_info"] = &proxyInfo{
				State:             state,
				ActiveConnections: s.proxy.ActiveConnections(),
				UptimeMs:          s.proxy.Uptime().Milliseconds(),
			}
		}
	}

	b, err := json.Marshal(resp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		event.WriteError(r.Context(), op, err, event.WithInfoMsg("unable to marshal health response"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

// handleTap upgrades to a WebSocket and streams access records matching the
// optional filter query parameter until the client goes away.
func (s *Server) handleTap(w http.ResponseWriter, r *http.Request) {
	const op = "ops.(Server).handleTap"
	ctx := r.Context()

	if !s.allowTap(r) {
		http.Error(w, "tap subscription rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	sub, err := s.hub.Subscribe(ctx, r.URL.Query().Get("filter"))
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Match(errors.T(errors.InvalidParameter), err):
			status = http.StatusBadRequest
		case errors.Match(errors.T(errors.RateLimited), err):
			status = http.StatusTooManyRequests
		}
		http.Error(w, err.Error(), status)
		return
	}
	defer sub.Close()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		event.WriteError(ctx, op, err, event.WithInfoMsg("error accepting tap websocket"))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "tap ended")

	// Reads are discarded; their context ends when the client disconnects.
	readCtx := conn.CloseRead(ctx)
	event.WriteSysEvent(ctx, op, "tap subscriber connected",
		"subscription_id", sub.Id(), "client", r.RemoteAddr)

	for {
		select {
		case <-readCtx.Done():
			return
		case rec, ok := <-sub.Events():
			if !ok {
				// Disconnected for falling behind.
				_ = conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
				return
			}
			if err := wsjson.Write(readCtx, conn, rec); err != nil {
				return
			}
		}
	}
}

// allowTap applies the subscribe rate limit per client ip.  Limiter errors
// fail open.
func (s *Server) allowTap(r *http.Request) bool {
	const op = "ops.(Server).allowTap"
	if s.limiter == nil {
		return true
	}
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	allowed, _, err := s.limiter.Allow(ratelimit.ResourceTap, ratelimit.ActionSubscribe, ip, "")
	if err != nil {
		event.WriteError(r.Context(), op, err, event.WithInfoMsg("error checking tap rate limit"))
		return true
	}
	return allowed
}
