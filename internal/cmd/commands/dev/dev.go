// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package dev

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/trellis/internal/cmd/base"
	servercmd "github.com/hashicorp/trellis/internal/cmd/commands/server"
	"github.com/hashicorp/trellis/internal/cmd/config"
	"github.com/hashicorp/trellis/internal/daemon/identity"
	"github.com/mitchellh/cli"
	"github.com/posener/complete"
)

var (
	_ cli.Command             = (*Command)(nil)
	_ cli.CommandAutocomplete = (*Command)(nil)
)

type Command struct {
	*base.Server

	SighupCh  chan struct{}
	SigUSR2Ch chan struct{}

	flagLogLevel           string
	flagLogFormat          string
	flagCombineLogs        bool
	flagIdentityName       string
	flagInboundAppAddress  string
	flagInboundListenAddr  string
	flagOutboundListenAddr string
	flagOpsListenAddr      string
	flagUpstreams          []string

	startedCh chan struct{} // for tests
}

func (c *Command) Synopsis() string {
	return "Start a Trellis dev proxy"
}

func (c *Command) Help() string {
	helpText := `
Usage: trellis dev [options]

  Start a dev proxy with a generated identity and loopback listeners on
  random ports:

      $ trellis dev

  For a full list of examples, please see the documentation.

` + c.Flags().Help()
	return strings.TrimSpace(helpText)
}

func (c *Command) Flags() *base.FlagSets {
	set := c.FlagSet(base.FlagSetNone)

	f := set.NewFlagSet("Command Options")

	f.StringVar(&base.StringVar{
		Name:       "log-level",
		Target:     &c.flagLogLevel,
		EnvVar:     base.EnvTrellisLogLevel,
		Completion: complete.PredictSet("trace", "debug", "info", "warn", "err"),
		Usage: "Log verbosity level. Supported values (in order of more detail to less) are " +
			"\"trace\", \"debug\", \"info\", \"warn\", and \"err\".",
	})

	f.StringVar(&base.StringVar{
		Name:       "log-format",
		Target:     &c.flagLogFormat,
		EnvVar:     base.EnvTrellisLogFormat,
		Completion: complete.PredictSet("standard", "json"),
		Usage:      `Log format. Supported values are "standard" and "json".`,
	})

	f.StringVar(&base.StringVar{
		Name:   "identity-name",
		Target: &c.flagIdentityName,
		EnvVar: "TRELLIS_DEV_IDENTITY_NAME",
		Usage:  "Identity name for the generated dev certificate.",
	})

	f.StringVar(&base.StringVar{
		Name:   "inbound-app-address",
		Target: &c.flagInboundAppAddress,
		EnvVar: "TRELLIS_DEV_INBOUND_APP_ADDRESS",
		Usage:  "Address of the local application that inbound connections are forwarded to.",
	})

	f.StringVar(&base.StringVar{
		Name:   "inbound-listen-address",
		Target: &c.flagInboundListenAddr,
		EnvVar: "TRELLIS_DEV_INBOUND_LISTEN_ADDRESS",
		Usage:  `Address to bind for the "inbound" purpose.`,
	})

	f.StringVar(&base.StringVar{
		Name:   "outbound-listen-address",
		Target: &c.flagOutboundListenAddr,
		EnvVar: "TRELLIS_DEV_OUTBOUND_LISTEN_ADDRESS",
		Usage:  `Address to bind for the "outbound" purpose.`,
	})

	f.StringVar(&base.StringVar{
		Name:   "ops-listen-address",
		Target: &c.flagOpsListenAddr,
		EnvVar: "TRELLIS_DEV_OPS_LISTEN_ADDRESS",
		Usage:  `Address to bind for the "ops" purpose.`,
	})

	f.StringSliceVar(&base.StringSliceVar{
		Name:   "upstream",
		Target: &c.flagUpstreams,
		Usage: `Static destination in "authority=host:port" form; may be specified ` +
			`multiple times. Outbound connections to the authority skip discovery ` +
			`and go straight to the given endpoint.`,
	})

	f.BoolVar(&base.BoolVar{
		Name:   "combine-logs",
		Target: &c.flagCombineLogs,
		Usage: "If set, both startup information and logs will be sent to stdout. If not set (the default), " +
			"startup information will go to stdout and logs will be sent to stderr.",
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

	f := c.Flags()
	if err := f.Parse(args); err != nil {
		c.UI.Error(err.Error())
		return base.CommandUserError
	}
	c.CombineLogs = c.flagCombineLogs

	cfg, err := config.DevProxy()
	if err != nil {
		c.UI.Error(fmt.Errorf("Error creating dev config: %w", err).Error())
		return base.CommandCliError
	}
	if c.flagIdentityName != "" {
		cfg.Proxy.IdentityName = c.flagIdentityName
	}
	if c.flagInboundAppAddress != "" {
		cfg.Proxy.InboundAppAddress = c.flagInboundAppAddress
	}
	for i, u := range c.flagUpstreams {
		authority, endpoint, ok := strings.Cut(u, "=")
		if !ok || authority == "" || endpoint == "" {
			c.UI.Error(fmt.Sprintf("Invalid -upstream value %q, must be authority=host:port", u))
			return base.CommandUserError
		}
		cfg.Proxy.StaticDestinations = append(cfg.Proxy.StaticDestinations, &config.StaticDestination{
			Name:      fmt.Sprintf("upstream-%d", i),
			Authority: authority,
			Endpoints: []string{endpoint},
		})
	}
	for _, l := range cfg.Listeners {
		if len(l.Purpose) != 1 {
			continue
		}
		var addr string
		switch l.Purpose[0] {
		case base.ListenerPurposeInbound:
			addr = c.flagInboundListenAddr
		case base.ListenerPurposeOutbound:
			addr = c.flagOutboundListenAddr
		case base.ListenerPurposeOps:
			addr = c.flagOpsListenAddr
		}
		if addr != "" {
			l.Address = addr
			l.RandomPort = false
		}
	}

	if err := c.SetupLogging(c.flagLogLevel, c.flagLogFormat, cfg.LogLevel, cfg.LogFormat); err != nil {
		c.UI.Error(err.Error())
		return base.CommandUserError
	}

	// Dev mode runs with a generated throwaway identity so TLS termination
	// and identity-backed dialing can be exercised without real material.
	identityDir, err := os.MkdirTemp("", "trellis-dev-identity")
	if err != nil {
		c.UI.Error(fmt.Errorf("Error creating dev identity directory: %w", err).Error())
		return base.CommandCliError
	}
	c.ShutdownFuncs = append(c.ShutdownFuncs, func() error {
		return os.RemoveAll(identityDir)
	})
	idConf, err := identity.GenerateFiles(identityDir, cfg.Proxy.IdentityName)
	if err != nil {
		c.UI.Error(fmt.Errorf("Error generating dev identity: %w", err).Error())
		return base.CommandCliError
	}
	cfg.Proxy.Identity = &config.Identity{
		CertFile: idConf.CertFile,
		KeyFile:  idConf.KeyFile,
		CAFile:   idConf.CAFile,
	}
	c.InfoKeys = append(c.InfoKeys, "dev identity dir")
	c.Info["dev identity dir"] = identityDir

	srv := &servercmd.Command{
		Server:    c.Server,
		SighupCh:  c.SighupCh,
		SigUSR2Ch: c.SigUSR2Ch,
		Config:    cfg,
	}
	if result := srv.Start(); result > 0 {
		return result
	}
	if c.startedCh != nil {
		close(c.startedCh)
	}
	return srv.WaitForInterrupt()
}
