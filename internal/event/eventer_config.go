// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package event

import (
	"fmt"
)

// EventerConfig supplies all the configuration needed to create/config an
// Eventer.
type EventerConfig struct {
	AccessEnabled       bool          `hcl:"access_enabled"`       // AccessEnabled specifies if access events should be emitted
	ObservationsEnabled bool          `hcl:"observations_enabled"` // ObservationsEnabled specifies if observation events should be emitted
	SysEventsEnabled    bool          `hcl:"sysevents_enabled"`    // SysEventsEnabled specifies if sysevents should be emitted
	Sinks               []*SinkConfig `hcl:"-"`                    // Sinks are all the configured sinks
}

// Validate the config
func (c *EventerConfig) Validate() error {
	const op = "event.(EventerConfig).Validate"
	for i, s := range c.Sinks {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("%s: sink %d is invalid: %w", op, i, err)
		}
	}
	return nil
}
