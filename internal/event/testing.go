// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package event

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

// TestConfig bundles an eventer config with the buffers its writer sinks
// write to, so tests can assert on emitted events.
type TestConfig struct {
	EventerConfig EventerConfig
	AllEvents     *bytes.Buffer
	ErrorEvents   *bytes.Buffer
}

// TestEventerConfig creates a test config with a writer sink for every event
// type and a separate writer sink for error events.
func TestEventerConfig(t testing.TB) TestConfig {
	t.Helper()
	allBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)
	return TestConfig{
		AllEvents:   allBuf,
		ErrorEvents: errBuf,
		EventerConfig: EventerConfig{
			AccessEnabled:       true,
			ObservationsEnabled: true,
			SysEventsEnabled:    true,
			Sinks: []*SinkConfig{
				{
					Name:         "every-type-writer-sink",
					EventTypes:   []Type{EveryType},
					Format:       JSONSinkFormat,
					Type:         WriterSink,
					WriterConfig: &WriterSinkTypeConfig{Writer: allBuf},
				},
				{
					Name:         "err-writer-sink",
					EventTypes:   []Type{ErrorType},
					Format:       JSONSinkFormat,
					Type:         WriterSink,
					WriterConfig: &WriterSinkTypeConfig{Writer: errBuf},
				},
			},
		},
	}
}

// TestEventer creates a test eventer from the config provided.
func TestEventer(t testing.TB, c EventerConfig) *Eventer {
	t.Helper()
	require := require.New(t)
	e, err := NewEventer(hclog.NewNullLogger(), &sync.Mutex{}, "test-server", c)
	require.NoError(err)
	return e
}

// TestEventerContext returns a context with the provided test eventer.
func TestEventerContext(t testing.TB, e *Eventer) context.Context {
	t.Helper()
	require := require.New(t)
	ctx, err := NewEventerContext(context.Background(), e)
	require.NoError(err)
	return ctx
}

// TestGetEventerConfig returns the config of the eventer provided.
func TestGetEventerConfig(t testing.TB, e *Eventer) EventerConfig {
	t.Helper()
	require.NotNil(t, e)
	return e.conf
}

// TestResetSysEventer will reset event.syseventer to nil and register it for
// restoration when the test is complete
func TestResetSysEventer(t testing.TB) {
	t.Helper()
	sysEventerLock.Lock()
	prev := sysEventer
	sysEventer = nil
	sysEventerLock.Unlock()
	t.Cleanup(func() {
		sysEventerLock.Lock()
		sysEventer = prev
		sysEventerLock.Unlock()
	})
}
