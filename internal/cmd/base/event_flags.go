// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package base

import (
	"fmt"
	"strconv"

	"github.com/hashicorp/go-bexpr"
	"github.com/hashicorp/trellis/internal/event"
)

// EventFlags represent the cmd flags supported overriding the configured or
// default event configuration
type EventFlags struct {
	Format              event.SinkFormat
	AccessEnabled       *bool
	ObservationsEnabled *bool
	SysEventsEnabled    *bool
	AllowFilters        []string
	DenyFilters         []string
}

// Validate the flags
func (ef *EventFlags) Validate() error {
	if ef != nil {
		if err := ef.Format.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ComposedOfEventArgs holds the raw values that compose into EventFlags.
// The enablement fields are strings so "unset" can be distinguished from
// an explicit true/false.
type ComposedOfEventArgs struct {
	Format       string
	Access       string
	Observations string
	SysEvents    string
	Allow        []string
	Deny         []string
}

// NewEventFlags will create a new EventFlags from the provided default sink
// format and the composed values, validating everything along the way.
func NewEventFlags(defaultFormat event.SinkFormat, c ComposedOfEventArgs) (*EventFlags, error) {
	const op = "base.NewEventFlags"
	if defaultFormat == "" {
		return nil, fmt.Errorf("%s: missing default sink format: %w", op, event.ErrInvalidParameter)
	}
	if err := defaultFormat.Validate(); err != nil {
		return nil, err
	}

	f := &EventFlags{
		Format: defaultFormat,
	}
	if c.Format != "" {
		f.Format = event.SinkFormat(c.Format)
	}

	boolFlags := []struct {
		raw    string
		name   string
		target **bool
	}{
		{c.Access, "access", &f.AccessEnabled},
		{c.Observations, "observations", &f.ObservationsEnabled},
		{c.SysEvents, "sysevents", &f.SysEventsEnabled},
	}
	for _, bf := range boolFlags {
		if bf.raw == "" {
			continue
		}
		b, err := strconv.ParseBool(bf.raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %s value %q is invalid: %w", op, bf.name, bf.raw, event.ErrInvalidParameter)
		}
		*bf.target = &b
	}

	for _, filter := range c.Allow {
		if _, err := bexpr.CreateEvaluator(filter); err != nil {
			return nil, fmt.Errorf("%s: invalid allow filter '%s': %w", op, filter, err)
		}
	}
	f.AllowFilters = c.Allow

	for _, filter := range c.Deny {
		if _, err := bexpr.CreateEvaluator(filter); err != nil {
			return nil, fmt.Errorf("%s: invalid deny filter '%s': %w", op, filter, err)
		}
	}
	f.DenyFilters = c.Deny

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}
