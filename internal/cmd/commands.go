// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package cmd

import (
	"context"

	"github.com/hashicorp/trellis/internal/cmd/base"
	"github.com/hashicorp/trellis/internal/cmd/commands/dev"
	"github.com/hashicorp/trellis/internal/cmd/commands/server"
	"github.com/hashicorp/trellis/internal/cmd/commands/version"

	"github.com/mitchellh/cli"
)

// Commands is the mapping of all the available commands.
var Commands map[string]cli.CommandFactory

func initCommands(ui, serverCmdUi cli.Ui) {
	// Server commands consume shutdown messages themselves so they can
	// distinguish a graceful interrupt from a forced one; they must not share
	// the channel with a context-canceling goroutine.
	getServerCommand := func() *base.Command {
		return &base.Command{
			UI:         serverCmdUi,
			ShutdownCh: base.MakeShutdownCh(),
			Context:    context.Background(),
		}
	}

	Commands = map[string]cli.CommandFactory{
		"server": func() (cli.Command, error) {
			return &server.Command{
				Server:    base.NewServer(getServerCommand()),
				SighupCh:  base.MakeSighupCh(),
				SigUSR2Ch: base.MakeSigUSR2Ch(),
			}, nil
		},
		"dev": func() (cli.Command, error) {
			return &dev.Command{
				Server:    base.NewServer(getServerCommand()),
				SighupCh:  base.MakeSighupCh(),
				SigUSR2Ch: base.MakeSigUSR2Ch(),
			}, nil
		},
		"version": func() (cli.Command, error) {
			return &version.Command{
				Command: base.NewCommand(ui),
			}, nil
		},
	}
}
