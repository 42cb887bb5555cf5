// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package event

import (
	"sync"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventer(t *testing.T) {
	testLock := &sync.Mutex{}
	testLogger := hclog.NewNullLogger()

	tests := []struct {
		name            string
		logger          hclog.Logger
		lock            *sync.Mutex
		serverName      string
		config          EventerConfig
		wantErrContains string
	}{
		{
			name:            "missing-logger",
			lock:            testLock,
			serverName:      "test-server",
			wantErrContains: "missing logger",
		},
		{
			name:            "missing-lock",
			logger:          testLogger,
			serverName:      "test-server",
			wantErrContains: "missing serialization lock",
		},
		{
			name:            "missing-server-name",
			logger:          testLogger,
			lock:            testLock,
			wantErrContains: "missing server name",
		},
		{
			name:       "invalid-sink-format",
			logger:     testLogger,
			lock:       testLock,
			serverName: "test-server",
			config: EventerConfig{
				Sinks: []*SinkConfig{
					{
						Name:       "bad-sink",
						EventTypes: []Type{EveryType},
						Format:     "not-a-format",
						Type:       StderrSink,
					},
				},
			},
			wantErrContains: "not a valid sink format",
		},
		{
			name:       "access-enabled-without-sink",
			logger:     testLogger,
			lock:       testLock,
			serverName: "test-server",
			config: EventerConfig{
				AccessEnabled: true,
				Sinks: []*SinkConfig{
					{
						Name:       "err-only",
						EventTypes: []Type{ErrorType},
						Format:     JSONSinkFormat,
						Type:       StderrSink,
					},
				},
			},
			wantErrContains: "access events enabled but no sink defined",
		},
		{
			name:       "valid-default-sink",
			logger:     testLogger,
			lock:       testLock,
			serverName: "test-server",
			config:     EventerConfig{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			e, err := NewEventer(tt.logger, tt.lock, tt.serverName, tt.config)
			if tt.wantErrContains != "" {
				require.Error(err)
				assert.Nil(e)
				assert.Contains(err.Error(), tt.wantErrContains)
				return
			}
			require.NoError(err)
			require.NotNil(e)
			assert.NotNil(e.broker)
		})
	}
}

func TestNewEventer_defaultSink(t *testing.T) {
	require := require.New(t)
	e, err := NewEventer(hclog.NewNullLogger(), &sync.Mutex{}, "test-server", EventerConfig{})
	require.NoError(err)
	require.Len(e.conf.Sinks, 1)
	assert.Equal(t, StderrSink, e.conf.Sinks[0].Type)
	assert.Equal(t, []Type{EveryType}, e.conf.Sinks[0].EventTypes)
}

func TestInitSysEventer(t *testing.T) {
	TestResetSysEventer(t)

	testLock := &sync.Mutex{}
	testLogger := hclog.NewNullLogger()
	testConfig := TestEventerConfig(t).EventerConfig
	testEventer := TestEventer(t, TestEventerConfig(t).EventerConfig)

	tests := []struct {
		name            string
		logger          hclog.Logger
		lock            *sync.Mutex
		serverName      string
		opt             []Option
		wantErrContains string
	}{
		{
			name:            "missing-logger",
			lock:            testLock,
			serverName:      "test-server",
			opt:             []Option{WithEventerConfig(&testConfig)},
			wantErrContains: "missing hclog",
		},
		{
			name:            "missing-lock",
			logger:          testLogger,
			serverName:      "test-server",
			opt:             []Option{WithEventerConfig(&testConfig)},
			wantErrContains: "missing serialization lock",
		},
		{
			name:            "missing-server-name",
			logger:          testLogger,
			lock:            testLock,
			opt:             []Option{WithEventerConfig(&testConfig)},
			wantErrContains: "missing server name",
		},
		{
			name:            "missing-both",
			logger:          testLogger,
			lock:            testLock,
			serverName:      "test-server",
			wantErrContains: "missing both eventer and eventer config",
		},
		{
			name:            "both-provided",
			logger:          testLogger,
			lock:            testLock,
			serverName:      "test-server",
			opt:             []Option{WithEventerConfig(&testConfig), WithEventer(testEventer)},
			wantErrContains: "both eventer and eventer config provided",
		},
		{
			name:       "with-config",
			logger:     testLogger,
			lock:       testLock,
			serverName: "test-server",
			opt:        []Option{WithEventerConfig(&testConfig)},
		},
		{
			name:       "with-eventer",
			logger:     testLogger,
			lock:       testLock,
			serverName: "test-server",
			opt:        []Option{WithEventer(testEventer)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			TestResetSysEventer(t)
			err := InitSysEventer(tt.logger, tt.lock, tt.serverName, tt.opt...)
			if tt.wantErrContains != "" {
				require.Error(err)
				assert.Contains(err.Error(), tt.wantErrContains)
				assert.Nil(SysEventer())
				return
			}
			require.NoError(err)
			assert.NotNil(SysEventer())
		})
	}
}

func TestEventer_Reopen(t *testing.T) {
	require := require.New(t)
	e := TestEventer(t, TestEventerConfig(t).EventerConfig)
	require.NoError(e.Reopen())
}

func TestEventer_StandardLogger(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	c := TestEventerConfig(t)
	e := TestEventer(t, c.EventerConfig)
	ctx := TestEventerContext(t, e)

	logger, err := e.StandardLogger(ctx, "test-logger", ErrorType)
	require.NoError(err)
	require.NotNil(logger)

	logger.Println("something failed")
	assert.Contains(c.ErrorEvents.String(), "something failed")
}
