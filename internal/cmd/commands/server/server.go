// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	atm "sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-rate"
	"github.com/hashicorp/go-secure-stdlib/mlock"
	"github.com/hashicorp/trellis/internal/cmd/base"
	"github.com/hashicorp/trellis/internal/cmd/config"
	"github.com/hashicorp/trellis/internal/cmd/ops"
	"github.com/hashicorp/trellis/internal/daemon/discovery"
	"github.com/hashicorp/trellis/internal/daemon/identity"
	"github.com/hashicorp/trellis/internal/daemon/metric"
	"github.com/hashicorp/trellis/internal/daemon/proxy"
	"github.com/hashicorp/trellis/internal/daemon/router"
	"github.com/hashicorp/trellis/internal/daemon/tap"
	"github.com/hashicorp/trellis/internal/event"
	"github.com/hashicorp/trellis/internal/ratelimit"
	"github.com/mitchellh/cli"
	"github.com/posener/complete"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

var (
	_ cli.Command             = (*Command)(nil)
	_ cli.CommandAutocomplete = (*Command)(nil)
)

// The default registerer panics on duplicate registration, so collectors are
// registered once per process even if Run is invoked multiple times.
var registerMetricsOnce sync.Once

type Command struct {
	*base.Server

	SighupCh  chan struct{}
	SigUSR2Ch chan struct{}

	Config *config.Config

	proxy     *proxy.Proxy
	opsServer *ops.Server
	identity  *identity.Store
	watcher   *identity.Watcher
	disc      *discovery.Discovery
	hub       *tap.Hub

	flagConfig    []string
	flagLogLevel  string
	flagLogFormat string
	flagPprof     bool

	reloadedCh   chan struct{}  // for tests
	startedCh    chan struct{}  // for tests
	presetConfig *atomic.String // for tests
}

func (c *Command) Synopsis() string {
	return "Start a Trellis proxy"
}

func (c *Command) Help() string {
	helpText := `
Usage: trellis server [options]

  Start the proxy with a configuration file:

      $ trellis server -config=/etc/trellis/proxy.hcl

  For a full list of examples, please see the documentation.

` + c.Flags().Help()
	return strings.TrimSpace(helpText)
}

func (c *Command) Flags() *base.FlagSets {
	set := c.FlagSet(base.FlagSetNone)

	f := set.NewFlagSet("Command Options")

	f.StringSliceVar(&base.StringSliceVar{
		Name:   "config",
		Target: &c.flagConfig,
		Completion: complete.PredictOr(
			complete.PredictFiles("*.hcl"),
			complete.PredictFiles("*.json"),
		),
		Usage: "Path to the configuration file. Can be specified multiple times for multiple configuration files (only if using HCL format).",
	})

	f.StringVar(&base.StringVar{
		Name:       "log-level",
		Target:     &c.flagLogLevel,
		EnvVar:     base.EnvTrellisLogLevel,
		Completion: complete.PredictSet("trace", "debug", "info", "warn", "err"),
		Usage: "Log verbosity level, mostly as a fallback for events. Supported values (in order of more detail to less) are " +
			"\"trace\", \"debug\", \"info\", \"warn\", and \"err\".",
	})

	f.StringVar(&base.StringVar{
		Name:       "log-format",
		Target:     &c.flagLogFormat,
		EnvVar:     base.EnvTrellisLogFormat,
		Completion: complete.PredictSet("standard", "json"),
		Usage:      `Log format, mostly as a fallback for events. Supported values are "standard" and "json".`,
	})

	f.BoolVar(&base.BoolVar{
		Name:   "pprof",
		Target: &c.flagPprof,
		Usage:  "Enable the /debug/pprof endpoints on the ops listener.",
		Hidden: true,
	})

	return set
}

func (c *Command) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *Command) AutocompleteFlags() complete.Flags {
	return c.Flags().Completions()
}

func (c *Command) Run(args []string) int {
	defer c.RunShutdownFuncs(c.UI)

	if result := c.ParseFlagsAndConfig(args); result > 0 {
		return result
	}
	if result := c.Start(); result > 0 {
		return result
	}
	return c.WaitForInterrupt()
}

// Start brings up the data plane and ops endpoints from c.Config. It is
// called by Run after flag parsing, and directly by the dev command which
// supplies a generated config.
func (c *Command) Start() int {
	// The dev command sets up logging itself before delegating here.
	if c.Logger == nil {
		c.LogFile = c.Config.LogFile
		c.LogRotateMaxSize = c.Config.LogRotateMaxSize
		c.LogRotateMaxFiles = c.Config.LogRotateMaxFiles
		if err := c.SetupLogging(c.flagLogLevel, c.flagLogFormat, c.Config.LogLevel, c.Config.LogFormat); err != nil {
			c.UI.Error(err.Error())
			return base.CommandUserError
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		c.UI.Error(fmt.Errorf("Unable to determine hostname: %w", err).Error())
		return base.CommandCliError
	}
	serverName := fmt.Sprintf("%s/proxy", hostname)

	// The tap hub has to exist before eventing is initialized so it can be
	// registered as an access sink.
	c.hub = tap.New(0)
	eventing := c.Config.Eventing
	if eventing == nil {
		eventing = event.DefaultEventerConfig()
	}
	eventing.AccessEnabled = true
	eventing.Sinks = append(eventing.Sinks, &event.SinkConfig{
		Name:         "tap",
		EventTypes:   []event.Type{event.AccessType},
		Format:       event.JSONSinkFormat,
		Type:         event.WriterSink,
		WriterConfig: &event.WriterSinkTypeConfig{Writer: c.hub},
	})
	if err := c.SetupEventing(c.Context,
		c.Logger,
		c.StderrLock,
		serverName,
		base.WithEventerConfig(eventing)); err != nil {
		c.UI.Error(err.Error())
		return base.CommandUserError
	}

	registerMetricsOnce.Do(func() {
		metric.InitializeMetrics(prometheus.DefaultRegisterer)
		ratelimit.InitializeMetrics(prometheus.DefaultRegisterer)
	})

	// If mlockall(2) isn't supported, show a warning. We disable this if the
	// user has explicitly disabled mlock in configuration.
	if !c.Config.DisableMlock && !mlock.Supported() {
		c.UI.Warn(base.WrapAtLength(
			"WARNING! mlock is not supported on this system! An mlockall(2)-like " +
				"syscall to prevent memory from being swapped to disk is not " +
				"supported on this system. For better security, only run Trellis on " +
				"systems where this call is supported. If you are running Trellis " +
				"in a Docker container, provide the IPC_LOCK cap to the container."))
	}

	if c.Config.Proxy.PublicAddr != "" {
		addr, err := config.ParseAddress(c.Config.Proxy.PublicAddr)
		if err != nil && !stderrors.Is(err, config.ErrNotAUrl) {
			c.UI.Error(fmt.Errorf("Error parsing public addr: %w", err).Error())
			return base.CommandUserError
		}
		c.Config.Proxy.PublicAddr = addr
		c.InfoKeys = append(c.InfoKeys, "public addr")
		c.Info["public addr"] = addr
	}

	if err := c.SetupListeners(c.UI, c.Config.SharedConfig, []string{
		base.ListenerPurposeInbound,
		base.ListenerPurposeOutbound,
		base.ListenerPurposeOps,
	}); err != nil {
		c.UI.Error(err.Error())
		return base.CommandUserError
	}

	// Write out the PID to the file now that the listeners are bound.
	if err := c.StorePidFile(c.Config.PidFile); err != nil {
		c.UI.Error(fmt.Errorf("Error storing PID: %w", err).Error())
		return base.CommandUserError
	}

	if err := c.startProxy(); err != nil {
		c.UI.Error(err.Error())
		return base.CommandCliError
	}

	c.PrintInfo(c.UI)
	if err := c.ReleaseLogGate(); err != nil {
		c.UI.Error(fmt.Errorf("Error releasing event gate: %w", err).Error())
		return base.CommandCliError
	}

	limiter, err := c.limiter()
	if err != nil {
		c.UI.Error(err.Error())
		return base.CommandUserError
	}
	opsServer, err := ops.NewServer(c.Context, c.Logger, c.proxy, c.Listeners,
		ops.WithTapHub(c.hub),
		ops.WithLimiter(limiter),
		ops.WithPprof(c.flagPprof || c.Config.DevProxy))
	if err != nil {
		c.UI.Error(err.Error())
		return base.CommandCliError
	}
	c.opsServer = opsServer
	c.opsServer.Start()

	// Inform any tests that the server is ready
	if c.startedCh != nil {
		close(c.startedCh)
	}

	return base.CommandSuccess
}

func (c *Command) ParseFlagsAndConfig(args []string) int {
	f := c.Flags()

	if err := f.Parse(args); err != nil {
		c.UI.Error(err.Error())
		return base.CommandUserError
	}

	if len(c.flagConfig) == 0 && c.presetConfig == nil {
		c.UI.Error("Must specify a config file using -config")
		return base.CommandUserError
	}

	cfg, out := c.reloadConfig()
	if out > 0 {
		return out
	}
	if cfg.Proxy == nil {
		c.UI.Error(`No "proxy" stanza found in configuration`)
		return base.CommandUserError
	}
	if err := cfg.Validate(); err != nil {
		c.UI.Error(err.Error())
		return base.CommandUserError
	}
	c.Config = cfg

	return base.CommandSuccess
}

func (c *Command) reloadConfig() (*config.Config, int) {
	const op = "server.(Command).reloadConfig"

	var err error
	var cfg *config.Config
	switch {
	case c.presetConfig != nil:
		cfg, err = config.Parse(c.presetConfig.Load())
		if err != nil {
			event.WriteError(c.Context, op, err, event.WithInfoMsg("could not parse preset config"))
			return nil, base.CommandUserError
		}

	default:
		cfg, err = config.Load(c.Context, c.flagConfig...)
		if err != nil {
			c.UI.Error("Error parsing config: " + err.Error())
			return nil, base.CommandUserError
		}
	}

	return cfg, 0
}

// startProxy builds the identity store, discovery, router and data-plane
// proxy from the parsed config and starts them.
func (c *Command) startProxy() error {
	pc := c.Config.Proxy

	if pc.Identity != nil {
		store, err := identity.NewStore(c.Context, identity.Config{
			Name:     pc.IdentityName,
			CertFile: pc.Identity.CertFile,
			KeyFile:  pc.Identity.KeyFile,
			CAFile:   pc.Identity.CAFile,
		})
		if err != nil {
			return fmt.Errorf("Error loading identity: %w", err)
		}
		c.identity = store

		watcher, err := identity.NewWatcher(c.Context, store)
		if err != nil {
			return fmt.Errorf("Error watching identity files: %w", err)
		}
		watcher.Start(c.Context)
		c.watcher = watcher
		c.ShutdownFuncs = append(c.ShutdownFuncs, func() error {
			watcher.Stop()
			return nil
		})

		c.InfoKeys = append(c.InfoKeys, "identity name")
		c.Info["identity name"] = store.Name()
	}

	disc, err := discovery.New(c.Context, c.discoveryConfig())
	if err != nil {
		return fmt.Errorf("Error initializing discovery: %w", err)
	}
	c.disc = disc
	c.ShutdownFuncs = append(c.ShutdownFuncs, func() error {
		disc.Close()
		return nil
	})

	rtr, err := router.New(c.Context, router.Config{
		Routes:    routeConfigs(pc.Routes),
		Discovery: disc,
		Identity:  c.identity,
	})
	if err != nil {
		return fmt.Errorf("Error building route table: %w", err)
	}

	limiter, err := c.limiter()
	if err != nil {
		return err
	}

	var proxyListeners []proxy.Listener
	for _, l := range c.Listeners {
		if l.ProxyListener == nil {
			continue
		}
		proxyListeners = append(proxyListeners, proxy.Listener{
			Purpose: l.Config.Purpose[0],
			Ln:      l.ProxyListener,
		})
	}

	p, err := proxy.New(c.Context, &proxy.Config{
		Name:                          pc.Name,
		InboundAppAddress:             pc.InboundAppAddress,
		ProtocolDetectionTimeout:      pc.ProtocolDetectionTimeout,
		DisableProtocolDetectionPorts: pc.DisableProtocolDetectionPorts,
		GracefulShutdownWait:          pc.GracefulShutdownWait,
		Listeners:                     proxyListeners,
		Router:                        rtr,
		Identity:                      c.identity,
		Limiter:                       limiter,
		Logger:                        c.Logger.Named("proxy"),
	})
	if err != nil {
		return fmt.Errorf("Error initializing proxy: %w", err)
	}
	if err := p.Start(); err != nil {
		return fmt.Errorf("Error starting proxy: %w", err)
	}
	c.proxy = p
	return nil
}

func (c *Command) discoveryConfig() discovery.Config {
	pc := c.Config.Proxy
	conf := discovery.Config{
		Static: staticDestinations(pc.StaticDestinations),
	}
	if pc.Discovery != nil {
		conf.Address = pc.Discovery.Address
		conf.RefreshInterval = pc.Discovery.RefreshInterval
		conf.DNSResolvers = pc.Discovery.DNSResolvers
	}
	return conf
}

// limiter builds the rate limiter from the rate_limit stanzas; nil when none
// are configured.
func (c *Command) limiter() (*rate.Limiter, error) {
	if len(c.Config.RateLimits) == 0 {
		return nil, nil
	}
	limits, err := c.Config.RateLimits.Limits(c.Context)
	if err != nil {
		return nil, fmt.Errorf("Error configuring rate limits: %w", err)
	}
	limiter, err := ratelimit.NewLimiter(limits, ratelimit.DefaultLimiterMaxQuotas())
	if err != nil {
		return nil, fmt.Errorf("Error creating rate limiter: %w", err)
	}
	return limiter, nil
}

func routeConfigs(routes []*config.Route) []*router.RouteConfig {
	out := make([]*router.RouteConfig, 0, len(routes))
	for _, r := range routes {
		out = append(out, &router.RouteConfig{
			Name:      r.Name,
			Hosts:     r.Hosts,
			Condition: r.Condition,
			Timeout:   r.Timeout,
			Forward:   r.Forward,
		})
	}
	return out
}

func staticDestinations(sds []*config.StaticDestination) map[string][]string {
	if len(sds) == 0 {
		return nil
	}
	out := make(map[string][]string, len(sds))
	for _, sd := range sds {
		out[sd.Authority] = sd.Endpoints
	}
	return out
}

func (c *Command) WaitForInterrupt() int {
	const op = "server.(Command).WaitForInterrupt"

	var shutdownCompleted atm.Bool
	shutdownTriggerCount := 0

	gracefulShutdown := func() {
		if c.opsServer != nil {
			c.opsServer.WaitIfHealthExists(c.Config.Proxy.GracefulShutdownWait, c.UI)
		}
		if err := c.proxy.Shutdown(); err != nil {
			c.UI.Error(fmt.Errorf("Error shutting down proxy: %w", err).Error())
		}
		if c.opsServer != nil {
			if err := c.opsServer.Shutdown(); err != nil {
				c.UI.Error(fmt.Errorf("Failed to shutdown ops listeners: %w", err).Error())
			}
		}
		shutdownCompleted.Store(true)
	}

	for !shutdownCompleted.Load() {
		select {
		case <-c.ShutdownCh:
			shutdownTriggerCount++
			switch {
			case shutdownTriggerCount == 1:
				c.UI.Output("==> Trellis server graceful shutdown triggered, interrupt again to force")
				go gracefulShutdown()
			default:
				c.UI.Error("Forcing shutdown")
				os.Exit(base.CommandCliError)
			}

		case <-c.SighupCh:
			c.UI.Output("==> Trellis server reload triggered")
			c.reload()

		case <-c.SigUSR2Ch:
			buf := make([]byte, 32*1024*1024)
			n := runtime.Stack(buf[:], true)
			event.WriteSysEvent(context.TODO(), op, "goroutine trace", "stack", string(buf[:n]))

		case <-time.After(10 * time.Millisecond):
		}
	}

	return base.CommandSuccess
}

// reload re-reads the config and applies the reloadable pieces: log level,
// listener TLS material, identity material, routes, detection settings and
// rate limits.
func (c *Command) reload() {
	const op = "server.(Command).reload"

	newConf, out := c.reloadConfig()
	if out > 0 || newConf == nil {
		event.WriteError(context.TODO(), op, stderrors.New("no config found at reload time"))
		return
	}
	if newConf.Proxy == nil {
		event.WriteError(context.TODO(), op, stderrors.New("no proxy stanza found at reload time"))
		return
	}

	if newConf.LogLevel != "" {
		configLogLevel := strings.ToLower(strings.TrimSpace(newConf.LogLevel))
		switch configLogLevel {
		case "trace":
			c.Logger.SetLevel(hclog.Trace)
		case "debug":
			c.Logger.SetLevel(hclog.Debug)
		case "notice", "info":
			c.Logger.SetLevel(hclog.Info)
		case "warn", "warning":
			c.Logger.SetLevel(hclog.Warn)
		case "err", "error":
			c.Logger.SetLevel(hclog.Error)
		default:
			event.WriteError(context.TODO(), op, stderrors.New("unknown log level found on reload"),
				event.WithInfo("level", newConf.LogLevel))
		}
	}

	var reloadErrors *multierror.Error

	c.ReloadFuncsLock.RLock()
	for k, funcs := range c.ReloadFuncs {
		if !strings.HasPrefix(k, "listener|") {
			continue
		}
		for _, relFunc := range funcs {
			if relFunc == nil {
				continue
			}
			if err := relFunc(); err != nil {
				reloadErrors = multierror.Append(reloadErrors, fmt.Errorf("error encountered reloading listener: %w", err))
			}
		}
	}
	c.ReloadFuncsLock.RUnlock()

	if c.identity != nil {
		if err := c.identity.Reload(c.Context); err != nil {
			reloadErrors = multierror.Append(reloadErrors, fmt.Errorf("error reloading identity material: %w", err))
		}
	}

	if err := c.reloadProxy(newConf); err != nil {
		reloadErrors = multierror.Append(reloadErrors, err)
	}

	if err := reloadErrors.ErrorOrNil(); err != nil {
		c.UI.Error(fmt.Errorf("Error(s) were encountered during reload: %w", err).Error())
	}
	c.Config = newConf

	// Send a message that we reloaded. This prevents "guessing" sleep times
	// in tests.
	if c.reloadedCh != nil {
		select {
		case c.reloadedCh <- struct{}{}:
		default:
		}
	}
}

func (c *Command) reloadProxy(newConf *config.Config) error {
	pc := newConf.Proxy

	rtr, err := router.New(c.Context, router.Config{
		Routes:    routeConfigs(pc.Routes),
		Discovery: c.disc,
		Identity:  c.identity,
	})
	if err != nil {
		return fmt.Errorf("error rebuilding route table: %w", err)
	}

	var limiter *rate.Limiter
	if len(newConf.RateLimits) > 0 {
		limits, err := newConf.RateLimits.Limits(c.Context)
		if err != nil {
			return fmt.Errorf("error reloading rate limits: %w", err)
		}
		limiter, err = ratelimit.NewLimiter(limits, ratelimit.DefaultLimiterMaxQuotas())
		if err != nil {
			return fmt.Errorf("error recreating rate limiter: %w", err)
		}
	}

	c.proxy.Reload(&proxy.Config{
		ProtocolDetectionTimeout:      pc.ProtocolDetectionTimeout,
		DisableProtocolDetectionPorts: pc.DisableProtocolDetectionPorts,
		GracefulShutdownWait:          pc.GracefulShutdownWait,
		Router:                        rtr,
		Limiter:                       limiter,
	})
	return nil
}
