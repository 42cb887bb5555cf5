// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package event

import (
	"net/url"
	"time"
)

// getOpts - iterate the inbound Options and return a struct
func getOpts(opt ...Option) options {
	opts := getDefaultOptions()
	for _, o := range opt {
		if o != nil {
			o(&opts)
		}
	}
	return opts
}

// Option - how Options are passed as arguments
type Option func(*options)

// options = how options are represented
type options struct {
	withId             string
	withDetails        map[string]any
	withHeader         map[string]any
	withFlush          bool
	withInfo           map[string]any
	withRequestInfo    *RequestInfo
	withNow            time.Time
	withConnectionInfo *ConnectionInfo
	withTraffic        *Traffic
	withCloseReason    string
	withCorrelationId  string

	withEventer       *Eventer
	withEventerConfig *EventerConfig

	withAllow  []string
	withDeny   []string
	withSchema *url.URL

	// testing options
	withBroker        broker
	withNoGateLocking bool
}

func getDefaultOptions() options {
	return options{}
}

// WithId allows an optional Id
func WithId(id string) Option {
	return func(o *options) {
		o.withId = id
	}
}

// WithDetails allows an optional set of key-value pairs about an observation
// event at the detail level and observation events may have multiple "details"
func WithDetails(args ...any) Option {
	return func(o *options) {
		o.withDetails = ConvertArgs(args...)
	}
}

// WithHeader allows an optional set of key-value pairs about an event at the
// header level and observation events will only have one "header"
func WithHeader(args ...any) Option {
	return func(o *options) {
		o.withHeader = ConvertArgs(args...)
	}
}

// WithFlush allows an optional flush option.
func WithFlush() Option {
	return func(o *options) {
		o.withFlush = true
	}
}

// WithInfo allows an optional info key-value pairs about an error event.
func WithInfo(args ...any) Option {
	return func(o *options) {
		o.withInfo = ConvertArgs(args...)
	}
}

// WithInfoMsg allows an optional msg and optional info key-value pairs about
// an error event.
func WithInfoMsg(msg string, args ...any) Option {
	return func(o *options) {
		var m map[string]any
		switch len(args) {
		case 0:
			m = make(map[string]any, 1)
		default:
			m = ConvertArgs(args...)
			if m == nil {
				m = make(map[string]any, 1)
			}
		}
		m[msgField] = msg
		o.withInfo = m
	}
}

// WithRequestInfo allows an optional RequestInfo
func WithRequestInfo(i *RequestInfo) Option {
	return func(o *options) {
		o.withRequestInfo = i
	}
}

// WithNow allows an option time.Time to represent "now"
func WithNow(now time.Time) Option {
	return func(o *options) {
		o.withNow = now
	}
}

// WithConnectionInfo allows an optional ConnectionInfo for an access event.
func WithConnectionInfo(i *ConnectionInfo) Option {
	return func(o *options) {
		o.withConnectionInfo = i
	}
}

// WithTraffic allows an optional Traffic summary for an access event.
func WithTraffic(t *Traffic) Option {
	return func(o *options) {
		o.withTraffic = t
	}
}

// WithCloseReason allows an optional close reason for an access event.
func WithCloseReason(reason string) Option {
	return func(o *options) {
		o.withCloseReason = reason
	}
}

// withCorrelationId allows an optional correlation id, which is read from the
// context during event writes rather than passed by callers.
func withCorrelationId(id string) Option {
	return func(o *options) {
		o.withCorrelationId = id
	}
}

// WithEventer allows an optional eventer
func WithEventer(e *Eventer) Option {
	return func(o *options) {
		o.withEventer = e
	}
}

// WithEventerConfig allows an optional eventer config
func WithEventerConfig(c *EventerConfig) Option {
	return func(o *options) {
		o.withEventerConfig = c
	}
}

// WithAllow is an optional set of allow filters
func WithAllow(f ...string) Option {
	return func(o *options) {
		o.withAllow = f
	}
}

// WithDeny is an optional set of deny filters
func WithDeny(f ...string) Option {
	return func(o *options) {
		o.withDeny = f
	}
}

// WithSchema is an optional schema for cloudevents
func WithSchema(url *url.URL) Option {
	return func(o *options) {
		o.withSchema = url
	}
}

// withBroker is an unexported test option for passing in a mock broker.
func withBroker(b broker) Option {
	return func(o *options) {
		o.withBroker = b
	}
}

// WithNoGateLocking is used when trying to flush events during a shutdown
// where we will not be sending any more events.
func WithNoGateLocking() Option {
	return func(o *options) {
		o.withNoGateLocking = true
	}
}
