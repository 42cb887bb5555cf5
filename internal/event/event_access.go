// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package event

import (
	"fmt"
	"time"

	"github.com/hashicorp/eventlogger"
	"github.com/hashicorp/eventlogger/filters/gated"
)

// accessVersion defines the version of access events
const accessVersion = "v0.1"

// accessEventType defines the type of access event
type accessEventType string

const (
	ConnectionAccess accessEventType = "Connection" // ConnectionAccess defines a per-connection access event type
)

// ConnectionInfo defines the data captured about a proxied connection for its
// access event.  Fields are accreted over the connection's lifetime: the
// accept loop knows the client address, the detector fills in the protocol,
// and the router fills in the chosen endpoint.
type ConnectionInfo struct {
	ConnectionId  string `json:"connection_id,omitempty"`
	Direction     string `json:"direction,omitempty"`
	Protocol      string `json:"protocol,omitempty"`
	ClientAddr    string `json:"client_addr,omitempty"`
	OriginalDst   string `json:"original_dst,omitempty"`
	Authority     string `json:"authority,omitempty"`
	RouteName     string `json:"route_name,omitempty"`
	Endpoint      string `json:"endpoint,omitempty"`
	TlsTerminated bool   `json:"tls_terminated,omitempty"`
	Sni           string `json:"sni,omitempty"`
}

// Traffic summarizes the bytes relayed over a proxied connection.  BytesIn
// counts client to endpoint and BytesOut counts endpoint to client.
type Traffic struct {
	BytesIn    int64 `json:"bytes_in"`
	BytesOut   int64 `json:"bytes_out"`
	DurationMs int64 `json:"duration_ms"`
}

// access defines the data of access events, one gated event per proxied
// connection which is flushed when the connection closes.
type access struct {
	Id             string          `json:"id"`
	Version        string          `json:"version"`
	Type           string          `json:"type"`
	Timestamp      time.Time       `json:"timestamp"`
	RequestInfo    *RequestInfo    `json:"request_info,omitempty"`
	ConnectionInfo *ConnectionInfo `json:"connection_info,omitempty"`
	Traffic        *Traffic        `json:"traffic,omitempty"`
	CloseReason    string          `json:"close_reason,omitempty"`
	CorrelationId  string          `json:"correlation_id,omitempty"`
	Flush          bool            `json:"-"`
}

func newAccess(fromOperation Op, opt ...Option) (*access, error) {
	const op = "event.newAccess"
	if fromOperation == "" {
		return nil, fmt.Errorf("%s: missing from operation: %w", op, ErrInvalidParameter)
	}
	opts := getOpts(opt...)
	if opts.withId == "" {
		var err error
		opts.withId, err = NewId(string(AccessType))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	var dtm time.Time
	switch opts.withNow.IsZero() {
	case false:
		dtm = opts.withNow
	default:
		dtm = time.Now()
	}

	a := &access{
		Id:             opts.withId,
		Version:        accessVersion,
		Type:           string(ConnectionAccess),
		Timestamp:      dtm,
		RequestInfo:    opts.withRequestInfo,
		ConnectionInfo: opts.withConnectionInfo,
		Traffic:        opts.withTraffic,
		CloseReason:    opts.withCloseReason,
		CorrelationId:  opts.withCorrelationId,
		Flush:          opts.withFlush,
	}
	if err := a.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return a, nil
}

// EventType is required for all event types by the eventlogger broker
func (a *access) EventType() string { return string(AccessType) }

func (a *access) validate() error {
	const op = "event.(access).validate"
	if a.Id == "" {
		return fmt.Errorf("%s: missing id: %w", op, ErrInvalidParameter)
	}
	return nil
}

// GetID is part of the eventlogger.Gateable interface and returns the access
// event's id.
func (a *access) GetID() string {
	return a.Id
}

// FlushEvent is part of the eventlogger.Gateable interface and returns the
// value of the access event's flush field
func (a *access) FlushEvent() bool {
	return a.Flush
}

// ComposeFrom is part of the eventlogger.Gateable interface.  It's important
// to remember that the receiver will always be nil when this is called by the
// eventlogger gated.Filter
func (a *access) ComposeFrom(events []*eventlogger.Event) (eventlogger.EventType, any, error) {
	const op = "event.(access).ComposeFrom"
	if len(events) == 0 {
		return "", nil, fmt.Errorf("%s: missing events: %w", op, ErrInvalidParameter)
	}
	var validId string
	payload := access{}
	for i, v := range events {
		gated, ok := v.Payload.(*access)
		if !ok {
			return "", nil, fmt.Errorf("%s: event %d is not an access payload: %w", op, i, ErrInvalidParameter)
		}
		if gated.Id == "" {
			// can't really happen since it has to have an id to be gated, but
			// I'll add this check in the name of completeness
			return "", nil, fmt.Errorf("%s: event %d: id is required: %w", op, i, ErrInvalidParameter)
		}
		if validId == "" {
			validId = gated.Id
		}
		if gated.Id != validId {
			return "", nil, fmt.Errorf("%s: event %d has an invalid id: %s != %s: %w", op, i, gated.Id, validId, ErrInvalidParameter)
		}
		if gated.Version != accessVersion {
			return "", nil, fmt.Errorf("%s: event %d has an invalid version: %s != %s: %w", op, i, gated.Version, accessVersion, ErrInvalidParameter)
		}
		if gated.Type != string(ConnectionAccess) {
			return "", nil, fmt.Errorf("%s: event %d has an invalid type: %s != %s: %w", op, i, gated.Type, string(ConnectionAccess), ErrInvalidParameter)
		}
		if gated.RequestInfo != nil {
			payload.RequestInfo = gated.RequestInfo
		}
		if gated.ConnectionInfo != nil {
			if payload.ConnectionInfo == nil {
				payload.ConnectionInfo = &ConnectionInfo{}
			}
			if gated.ConnectionInfo.ConnectionId != "" {
				payload.ConnectionInfo.ConnectionId = gated.ConnectionInfo.ConnectionId
			}
			if gated.ConnectionInfo.Direction != "" {
				payload.ConnectionInfo.Direction = gated.ConnectionInfo.Direction
			}
			if gated.ConnectionInfo.Protocol != "" {
				payload.ConnectionInfo.Protocol = gated.ConnectionInfo.Protocol
			}
			if gated.ConnectionInfo.ClientAddr != "" {
				payload.ConnectionInfo.ClientAddr = gated.ConnectionInfo.ClientAddr
			}
			if gated.ConnectionInfo.OriginalDst != "" {
				payload.ConnectionInfo.OriginalDst = gated.ConnectionInfo.OriginalDst
			}
			if gated.ConnectionInfo.Authority != "" {
				payload.ConnectionInfo.Authority = gated.ConnectionInfo.Authority
			}
			if gated.ConnectionInfo.RouteName != "" {
				payload.ConnectionInfo.RouteName = gated.ConnectionInfo.RouteName
			}
			if gated.ConnectionInfo.Endpoint != "" {
				payload.ConnectionInfo.Endpoint = gated.ConnectionInfo.Endpoint
			}
			if gated.ConnectionInfo.TlsTerminated {
				payload.ConnectionInfo.TlsTerminated = true
			}
			if gated.ConnectionInfo.Sni != "" {
				payload.ConnectionInfo.Sni = gated.ConnectionInfo.Sni
			}
		}
		if gated.Traffic != nil {
			payload.Traffic = gated.Traffic
		}
		if gated.CloseReason != "" {
			payload.CloseReason = gated.CloseReason
		}
		if !gated.Timestamp.IsZero() {
			payload.Timestamp = gated.Timestamp
		}
		if gated.CorrelationId != "" {
			payload.CorrelationId = gated.CorrelationId
		}
	}
	payload.Id = validId
	payload.Version = accessVersion
	payload.Type = string(ConnectionAccess)
	return eventlogger.EventType(a.EventType()), payload, nil
}

var _ gated.Gateable = &access{}
