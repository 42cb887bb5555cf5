// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package dev

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/hashicorp/trellis/internal/cmd/base"
	"github.com/mitchellh/cli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDevCommand(t *testing.T) *Command {
	t.Helper()
	ui := cli.NewMockUi()
	return &Command{
		Server: base.NewServer(&base.Command{
			UI:         ui,
			ShutdownCh: make(chan struct{}),
			Context:    context.Background(),
		}),
		SighupCh:  make(chan struct{}),
		SigUSR2Ch: make(chan struct{}),
		startedCh: make(chan struct{}),
	}
}

func TestDev_StartShutdown(t *testing.T) {
	assert, require := assert.New(t), require.New(t)

	cmd := testDevCommand(t)
	codeChan := make(chan int)
	go func() {
		codeChan <- cmd.Run(nil)
	}()
	select {
	case <-cmd.startedCh:
	case <-time.After(15 * time.Second):
		require.FailNow("timeout waiting for dev proxy to start")
	}

	// Dev mode generates throwaway identity material.
	identityDir := cmd.Info["dev identity dir"]
	require.NotEmpty(identityDir)
	assert.DirExists(identityDir)
	assert.FileExists(identityDir + "/tls.crt")
	assert.FileExists(identityDir + "/ca.crt")

	var opsAddr string
	for _, l := range cmd.Listeners {
		if l.Config.Purpose[0] == base.ListenerPurposeOps {
			opsAddr = l.OpsListener.Addr().String()
		}
	}
	require.NotEmpty(opsAddr)

	resp, err := http.Get("http://" + opsAddr + "/health")
	require.NoError(err)
	require.NoError(resp.Body.Close())
	assert.Equal(http.StatusOK, resp.StatusCode)

	// pprof is always on in dev mode.
	resp, err = http.Get("http://" + opsAddr + "/debug/pprof/cmdline")
	require.NoError(err)
	require.NoError(resp.Body.Close())
	assert.Equal(http.StatusOK, resp.StatusCode)

	cmd.ShutdownCh <- struct{}{}
	require.Zero(<-codeChan)

	// The identity dir is removed by the shutdown funcs.
	assert.NoDirExists(identityDir)
}

func TestDev_InvalidFlag(t *testing.T) {
	require := require.New(t)
	cmd := testDevCommand(t)
	require.Equal(base.CommandUserError, cmd.Run([]string{"-no-such-flag"}))
}

func TestDev_InvalidUpstream(t *testing.T) {
	require := require.New(t)
	cmd := testDevCommand(t)
	require.Equal(base.CommandUserError, cmd.Run([]string{"-upstream", "no-equals-sign"}))
}
