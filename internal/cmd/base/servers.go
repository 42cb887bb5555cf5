// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package base

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-secure-stdlib/configutil/v2"
	"github.com/hashicorp/go-secure-stdlib/gatedwriter"
	"github.com/hashicorp/go-secure-stdlib/reloadutil"
	"github.com/hashicorp/go-secure-stdlib/strutil"
	"github.com/hashicorp/trellis/internal/cmd/base/logging"
	"github.com/hashicorp/trellis/internal/errors"
	"github.com/hashicorp/trellis/internal/event"
	"github.com/hashicorp/trellis/version"
	"github.com/mitchellh/cli"
	"golang.org/x/net/http/httpproxy"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Server struct {
	*Command

	InfoKeys []string
	Info     map[string]string

	logOutput   io.Writer
	GatedWriter *gatedwriter.Writer
	Logger      hclog.Logger
	CombineLogs bool
	LogLevel    hclog.Level

	// LogFile, when set, mirrors daemon logs to a rotated file on disk.
	// Rotation is size-based; LogRotateMaxSize is in megabytes.
	LogFile           string
	LogRotateMaxSize  int
	LogRotateMaxFiles int

	// StderrLock serializes writes to stderr between the logger and any
	// eventer sinks pointed at it.
	StderrLock *sync.Mutex
	Eventer    *event.Eventer

	SecureRandomReader io.Reader

	ReloadFuncsLock *sync.RWMutex
	ReloadFuncs     map[string][]reloadutil.ReloadFunc

	ShutdownFuncs []func() error

	Listeners []*ServerListener
}

func NewServer(cmd *Command) *Server {
	return &Server{
		Command:            cmd,
		InfoKeys:           make([]string, 0, 20),
		Info:               make(map[string]string),
		SecureRandomReader: rand.Reader,
		ReloadFuncsLock:    new(sync.RWMutex),
		ReloadFuncs:        make(map[string][]reloadutil.ReloadFunc),
		StderrLock:         new(sync.Mutex),
	}
}

func (b *Server) SetupLogging(flagLogLevel, flagLogFormat, configLogLevel, configLogFormat string) error {
	b.logOutput = os.Stderr
	if b.CombineLogs {
		b.logOutput = os.Stdout
	}
	if b.LogFile != "" {
		b.logOutput = io.MultiWriter(b.logOutput, &lumberjack.Logger{
			Filename:   b.LogFile,
			MaxSize:    b.LogRotateMaxSize,
			MaxBackups: b.LogRotateMaxFiles,
		})
	}
	b.GatedWriter = gatedwriter.NewWriter(b.logOutput)

	// Set up logging
	logLevel, logFormat, err := ProcessLogLevelAndFormat(flagLogLevel, flagLogFormat, configLogLevel, configLogFormat)
	if err != nil {
		return err
	}
	b.Logger = hclog.New(&hclog.LoggerOptions{
		Output: b.GatedWriter,
		Level:  logLevel,
		// Note that if logFormat is either unspecified or standard, then
		// the resulting logger's format will be standard.
		JSONFormat: logFormat == logging.JSONFormat,
		Mutex:      b.StderrLock,
	})

	b.Info["log level"] = logLevel.String()
	b.InfoKeys = append(b.InfoKeys, "log level")

	b.LogLevel = logLevel

	// log proxy settings
	proxyCfg := httpproxy.FromEnvironment()
	b.Logger.Info("proxy environment", "http_proxy", proxyCfg.HTTPProxy,
		"https_proxy", proxyCfg.HTTPSProxy, "no_proxy", proxyCfg.NoProxy)

	return nil
}

// SetupEventing initializes the system eventer for the server, applying any
// eventer config and event flag overrides provided via options, and retains
// the resulting eventer on the server.
func (b *Server) SetupEventing(ctx context.Context, logger hclog.Logger, serializationLock *sync.Mutex, serverName string, opt ...Option) error {
	const op = "base.(Server).SetupEventing"
	if logger == nil {
		return errors.New(ctx, errors.InvalidParameter, op, "missing logger", errors.WithoutEvent())
	}
	if serializationLock == nil {
		return errors.New(ctx, errors.InvalidParameter, op, "missing serialization lock", errors.WithoutEvent())
	}
	if serverName == "" {
		return errors.New(ctx, errors.InvalidParameter, op, "missing server name", errors.WithoutEvent())
	}

	opts := GetOpts(opt...)
	if opts.withEventerConfig == nil {
		opts.withEventerConfig = event.DefaultEventerConfig()
	}

	if opts.withEventFlags != nil {
		if err := opts.withEventFlags.Validate(); err != nil {
			return errors.Wrap(ctx, err, op, errors.WithMsg("invalid event flags"), errors.WithoutEvent())
		}
		if opts.withEventFlags.Format != "" {
			for _, s := range opts.withEventerConfig.Sinks {
				s.Format = opts.withEventFlags.Format
			}
		}
		if opts.withEventFlags.AccessEnabled != nil {
			opts.withEventerConfig.AccessEnabled = *opts.withEventFlags.AccessEnabled
		}
		if opts.withEventFlags.ObservationsEnabled != nil {
			opts.withEventerConfig.ObservationsEnabled = *opts.withEventFlags.ObservationsEnabled
		}
		if opts.withEventFlags.SysEventsEnabled != nil {
			opts.withEventerConfig.SysEventsEnabled = *opts.withEventFlags.SysEventsEnabled
		}
		if len(opts.withEventFlags.AllowFilters) > 0 {
			for _, s := range opts.withEventerConfig.Sinks {
				s.AllowFilters = opts.withEventFlags.AllowFilters
			}
		}
		if len(opts.withEventFlags.DenyFilters) > 0 {
			for _, s := range opts.withEventerConfig.Sinks {
				s.DenyFilters = opts.withEventFlags.DenyFilters
			}
		}
	}

	if err := opts.withEventerConfig.Validate(); err != nil {
		return errors.Wrap(ctx, err, op, errors.WithMsg("invalid eventer config"), errors.WithoutEvent())
	}

	if err := event.InitSysEventer(logger, serializationLock, serverName, event.WithEventerConfig(opts.withEventerConfig)); err != nil {
		return errors.Wrap(ctx, err, op, errors.WithoutEvent())
	}
	b.Eventer = event.SysEventer()

	return nil
}

// AddEventerToContext adds the server eventer to the context provided
func (b *Server) AddEventerToContext(ctx context.Context) (context.Context, error) {
	const op = "base.(Server).AddEventerToContext"
	if b.Eventer == nil {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing server eventer", errors.WithoutEvent())
	}
	e, err := event.NewEventerContext(ctx, b.Eventer)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op, errors.WithoutEvent())
	}
	return e, nil
}

// ReleaseLogGate releases the gate on the log output, flushing anything
// buffered since startup.
func (b *Server) ReleaseLogGate() error {
	// Release the log gate.
	return b.Logger.(hclog.OutputResettable).ResetOutputWithFlush(&hclog.LoggerOptions{
		Output: b.logOutput,
	}, b.GatedWriter)
}

func (b *Server) StorePidFile(pidPath string) error {
	// Quit fast if no pidfile
	if pidPath == "" {
		return nil
	}

	// Open the PID file
	pidFile, err := os.OpenFile(pidPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("could not open pid file: %w", err)
	}
	defer pidFile.Close()

	// Write out the PID
	pid := os.Getpid()
	_, err = pidFile.WriteString(fmt.Sprintf("%d", pid))
	if err != nil {
		return fmt.Errorf("could not write to pid file: %w", err)
	}

	b.ShutdownFuncs = append(b.ShutdownFuncs, func() error {
		if err := b.RemovePidFile(pidPath); err != nil {
			return fmt.Errorf("Error deleting the PID file: %w", err)
		}
		return nil
	})

	return nil
}

func (b *Server) RemovePidFile(pidPath string) error {
	if pidPath == "" {
		return nil
	}
	return os.Remove(pidPath)
}

func (b *Server) PrintInfo(ui cli.Ui) {
	b.InfoKeys = append(b.InfoKeys, "version")
	verInfo := version.Get()
	b.Info["version"] = verInfo.FullVersionNumber(false)
	if verInfo.Revision != "" {
		b.Info["version sha"] = strings.Trim(verInfo.Revision, "'")
		b.InfoKeys = append(b.InfoKeys, "version sha")
	}
	b.InfoKeys = append(b.InfoKeys, "cgo")
	b.Info["cgo"] = "disabled"
	if version.CgoEnabled {
		b.Info["cgo"] = "enabled"
	}

	// Server configuration output
	padding := 24
	sort.Strings(b.InfoKeys)
	ui.Output("==> Trellis server configuration:\n")
	for _, k := range b.InfoKeys {
		ui.Output(fmt.Sprintf(
			"%s%s: %s",
			strings.Repeat(" ", padding-len(k)),
			title(k),
			b.Info[k]))
	}
	ui.Output("")

	// Output the header that the server has started
	if !b.CombineLogs {
		ui.Output("==> Trellis server started! Log data will stream in below:\n")
	}
}

func (b *Server) SetupListeners(ui cli.Ui, config *configutil.SharedConfig, allowedListenerPurposes []string) error {
	if len(config.Listeners) == 0 {
		return fmt.Errorf("no listeners found in configuration")
	}

	// Initialize the listeners
	b.Listeners = make([]*ServerListener, 0, len(config.Listeners))
	// Make sure we close everything before we exit
	b.ShutdownFuncs = append(b.ShutdownFuncs, func() error {
		for _, ln := range b.Listeners {
			if ln.ProxyListener != nil {
				ln.ProxyListener.Close()
			}
			if ln.OpsListener != nil {
				ln.OpsListener.Close()
			}
		}
		return nil
	})

	b.ReloadFuncsLock.Lock()
	defer b.ReloadFuncsLock.Unlock()

	for i, lnConfig := range config.Listeners {
		var purpose string
		switch len(lnConfig.Purpose) {
		case 0:
			return fmt.Errorf("listener %d has no purpose", i+1)
		case 1:
			purpose = strings.ToLower(lnConfig.Purpose[0])
			if !strutil.StrListContains(allowedListenerPurposes, purpose) {
				return fmt.Errorf("listener %d has unknown purpose %q", i+1, purpose)
			}
		default:
			return fmt.Errorf("listener %d has more than one purpose", i+1)
		}

		if len(lnConfig.TLSCipherSuites) == 0 {
			lnConfig.TLSCipherSuites = []uint16{
				// 1.3
				tls.TLS_AES_128_GCM_SHA256,
				tls.TLS_AES_256_GCM_SHA384,
				tls.TLS_CHACHA20_POLY1305_SHA256,
				// 1.2
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			}
		}

		ln, props, reloadFunc, err := NewListener(lnConfig, ui)
		if err != nil {
			return fmt.Errorf("Error initializing listener of type %s: %w", lnConfig.Type, err)
		}
		props["purpose"] = purpose

		if reloadFunc != nil {
			relSlice := b.ReloadFuncs["listener|"+purpose]
			relSlice = append(relSlice, reloadFunc)
			b.ReloadFuncs["listener|"+purpose] = relSlice
		}

		sl := &ServerListener{
			Config: lnConfig,
		}
		switch purpose {
		case ListenerPurposeOps:
			sl.OpsListener = ln
		default:
			sl.ProxyListener = ln
		}
		b.Listeners = append(b.Listeners, sl)

		// Store the listener props for output later
		key := fmt.Sprintf("listener %d", i+1)
		propsList := make([]string, 0, len(props))
		for k, v := range props {
			propsList = append(propsList, fmt.Sprintf(
				"%s: %q", k, v))
		}
		sort.Strings(propsList)
		b.InfoKeys = append(b.InfoKeys, key)
		b.Info[key] = fmt.Sprintf(
			"%s (%s)", lnConfig.Type, strings.Join(propsList, ", "))
	}

	return nil
}

func (b *Server) RunShutdownFuncs(ui cli.Ui) {
	for _, f := range b.ShutdownFuncs {
		if err := f(); err != nil {
			ui.Error(fmt.Sprintf("Error running a shutdown task: %s", err.Error()))
		}
	}
}

func title(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
