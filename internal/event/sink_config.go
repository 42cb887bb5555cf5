// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package event

import (
	"fmt"
	"io"
	"time"
)

// SinkConfig defines the configuration for a Eventer sink
type SinkConfig struct {
	Name              string                `hcl:"name"`             // Name defines a name for the sink.
	Description       string                `hcl:"description"`      // Description defines a description for the sink.
	EventTypes        []Type                `hcl:"event_types"`      // EventTypes defines a list of event types that will be sent to the sink. See the docs for EventTypes for a list of accepted values.
	EventSourceUrl    string                `hcl:"event_source_url"` // EventSourceUrl defines an optional event source URL for the sink
	AllowFilters      []string              `hcl:"allow_filters"`    // AllowFilters define a set of predicates about events; if any match the event is written to the sink
	DenyFilters       []string              `hcl:"deny_filters"`     // DenyFilters define a set of predicates about events; if any match the event is not written to the sink
	Format            SinkFormat            `hcl:"format"`           // Format defines the format for the sink (cloudevents-json, cloudevents-text, hclog-json, hclog-text)
	Type              SinkType              `hcl:"type"`             // Type defines the type of sink (stderr, file or writer)
	DeliveryGuarantee DeliveryGuarantee     `hcl:"-"`                // DeliveryGuarantee defines the sink's delivery guarantee (enforced or best-effort)
	StderrConfig      *StderrSinkTypeConfig `hcl:"stderr"`           // StderrConfig defines sink configuration for a stderr sink (currently there is no config)
	FileConfig        *FileSinkTypeConfig   `hcl:"file"`             // FileConfig defines sink configuration for a file sink
	WriterConfig      *WriterSinkTypeConfig `hcl:"-"`                // WriterConfig defines sink configuration for a writer sink (tests only)
}

// StderrSinkTypeConfig is a sink type config stanza for stderr sinks; there
// are currently no stderr specific options.
type StderrSinkTypeConfig struct{}

// FileSinkTypeConfig defines configuration for a file sink type.
type FileSinkTypeConfig struct {
	Path              string        `hcl:"path"`               // Path defines the file path for the sink
	FileName          string        `hcl:"file_name"`          // FileName defines the file name for the sink
	RotateBytes       int           `hcl:"rotate_bytes"`       // RotateBytes defines the number of bytes that should trigger rotation of a file sink
	RotateDuration    time.Duration `hcl:"-"`                  // RotateDuration defines how often a file sink should be rotated
	RotateDurationHCL string        `hcl:"rotate_duration"`    // RotateDurationHCL is the string version of the RotateDuration
	RotateMaxFiles    int           `hcl:"rotate_max_files"`   // RotateMaxFiles defines how many historical rotated files should be kept for a file sink
}

// WriterSinkTypeConfig defines configuration for a writer sink, which is
// only constructible programmatically and primarily serves tests.
type WriterSinkTypeConfig struct {
	Writer io.Writer
}

// Validate the SinkConfig
func (sc *SinkConfig) Validate() error {
	const op = "event.(SinkConfig).Validate"
	if err := sc.Type.Validate(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := sc.Format.Validate(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := sc.DeliveryGuarantee.validate(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if sc.Name == "" {
		return fmt.Errorf("%s: missing sink name: %w", op, ErrInvalidParameter)
	}
	if len(sc.EventTypes) == 0 {
		return fmt.Errorf("%s: missing event types: %w", op, ErrInvalidParameter)
	}
	for _, et := range sc.EventTypes {
		if err := et.Validate(); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	switch sc.Type {
	case FileSink:
		if sc.FileConfig == nil || sc.FileConfig.FileName == "" {
			return fmt.Errorf("%s: missing sink file name: %w", op, ErrInvalidParameter)
		}
	case WriterSink:
		if sc.WriterConfig == nil || sc.WriterConfig.Writer == nil {
			return fmt.Errorf("%s: missing sink writer: %w", op, ErrInvalidParameter)
		}
	}
	return nil
}
