// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package event

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinkConfig_Validate(t *testing.T) {
	tests := []struct {
		name            string
		sc              SinkConfig
		wantErrContains string
	}{
		{
			name: "valid-stderr",
			sc: SinkConfig{
				Name:       "stderr-sink",
				EventTypes: []Type{EveryType},
				Format:     JSONSinkFormat,
				Type:       StderrSink,
			},
		},
		{
			name: "valid-file",
			sc: SinkConfig{
				Name:       "file-sink",
				EventTypes: []Type{ErrorType, AccessType},
				Format:     TextHclogSinkFormat,
				Type:       FileSink,
				FileConfig: &FileSinkTypeConfig{Path: "/tmp", FileName: "trellis.log"},
			},
		},
		{
			name: "valid-writer",
			sc: SinkConfig{
				Name:         "writer-sink",
				EventTypes:   []Type{SystemType},
				Format:       TextSinkFormat,
				Type:         WriterSink,
				WriterConfig: &WriterSinkTypeConfig{Writer: new(bytes.Buffer)},
			},
		},
		{
			name: "invalid-type",
			sc: SinkConfig{
				Name:       "bad",
				EventTypes: []Type{EveryType},
				Format:     JSONSinkFormat,
				Type:       "not-a-type",
			},
			wantErrContains: "not a valid sink type",
		},
		{
			name: "invalid-format",
			sc: SinkConfig{
				Name:       "bad",
				EventTypes: []Type{EveryType},
				Format:     "not-a-format",
				Type:       StderrSink,
			},
			wantErrContains: "not a valid sink format",
		},
		{
			name: "missing-name",
			sc: SinkConfig{
				EventTypes: []Type{EveryType},
				Format:     JSONSinkFormat,
				Type:       StderrSink,
			},
			wantErrContains: "missing sink name",
		},
		{
			name: "missing-event-types",
			sc: SinkConfig{
				Name:   "no-types",
				Format: JSONSinkFormat,
				Type:   StderrSink,
			},
			wantErrContains: "missing event types",
		},
		{
			name: "invalid-event-type",
			sc: SinkConfig{
				Name:       "bad-type",
				EventTypes: []Type{"not-an-event-type"},
				Format:     JSONSinkFormat,
				Type:       StderrSink,
			},
			wantErrContains: "not a valid event type",
		},
		{
			name: "file-missing-file-name",
			sc: SinkConfig{
				Name:       "file-sink",
				EventTypes: []Type{EveryType},
				Format:     JSONSinkFormat,
				Type:       FileSink,
				FileConfig: &FileSinkTypeConfig{Path: "/tmp"},
			},
			wantErrContains: "missing sink file name",
		},
		{
			name: "writer-missing-writer",
			sc: SinkConfig{
				Name:       "writer-sink",
				EventTypes: []Type{EveryType},
				Format:     JSONSinkFormat,
				Type:       WriterSink,
			},
			wantErrContains: "missing sink writer",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			err := tt.sc.Validate()
			if tt.wantErrContains != "" {
				require.Error(err)
				assert.Contains(err.Error(), tt.wantErrContains)
				assert.ErrorIs(err, ErrInvalidParameter)
				return
			}
			require.NoError(err)
		})
	}
}

func TestEventerConfig_Validate(t *testing.T) {
	assert, require := assert.New(t), require.New(t)

	c := EventerConfig{
		Sinks: []*SinkConfig{
			{
				Name:       "ok",
				EventTypes: []Type{EveryType},
				Format:     JSONSinkFormat,
				Type:       StderrSink,
			},
			{
				Name:   "bad",
				Format: JSONSinkFormat,
				Type:   StderrSink,
			},
		},
	}
	err := c.Validate()
	require.Error(err)
	assert.Contains(err.Error(), "sink 1 is invalid")

	c.Sinks = c.Sinks[:1]
	require.NoError(c.Validate())
}
