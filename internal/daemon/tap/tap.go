// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package tap fans access events out to live subscribers.  The Hub is wired
// into the eventer as a writer sink for access events; ops exposes it over
// a WebSocket endpoint.
package tap

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hashicorp/go-bexpr"
	"github.com/hashicorp/go-secure-stdlib/base62"
	"github.com/hashicorp/trellis/internal/errors"
	ua "go.uber.org/atomic"
)

const (
	// DefaultMaxSubscribers caps concurrent taps.
	DefaultMaxSubscribers = 16

	// subscriberBuffer is each subscriber's channel depth.  A subscriber
	// that falls this far behind is disconnected rather than allowed to
	// stall the hub.
	subscriberBuffer = 256
)

// Record is one access event as delivered to subscribers: the sink's JSON
// decoded into a generic map so filters can address any field.
type Record map[string]any

// Hub receives serialized access events and delivers them to subscribers.
// It implements io.Writer so it can be registered as an eventer sink.
type Hub struct {
	maxSubscribers int
	dropped        *ua.Int64

	mu   sync.Mutex
	subs map[string]*Subscription
}

// New creates a Hub.  maxSubscribers <= 0 uses DefaultMaxSubscribers.
func New(maxSubscribers int) *Hub {
	if maxSubscribers <= 0 {
		maxSubscribers = DefaultMaxSubscribers
	}
	return &Hub{
		maxSubscribers: maxSubscribers,
		dropped:        ua.NewInt64(0),
		subs:           make(map[string]*Subscription),
	}
}

// Write delivers one serialized event to every subscriber whose filter
// matches.  It never fails; a record that cannot be decoded is dropped so a
// formatter change cannot take the event pipeline down.
func (h *Hub) Write(p []byte) (int, error) {
	var rec Record
	if err := json.Unmarshal(p, &rec); err != nil {
		h.dropped.Add(1)
		return len(p), nil
	}

	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.deliver(rec)
	}
	return len(p), nil
}

// Subscribe registers a new subscriber.  filter is an optional bexpr
// expression evaluated against each record; empty matches everything.
func (h *Hub) Subscribe(ctx context.Context, filter string) (*Subscription, error) {
	const op = "tap.(Hub).Subscribe"

	var eval *bexpr.Evaluator
	if filter != "" {
		var err error
		eval, err = bexpr.CreateEvaluator(filter)
		if err != nil {
			return nil, errors.Wrap(ctx, err, op, errors.WithCode(errors.InvalidParameter),
				errors.WithMsg(fmt.Sprintf("invalid tap filter %q", filter)))
		}
	}
	id, err := base62.Random(10)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subs) >= h.maxSubscribers {
		return nil, errors.New(ctx, errors.RateLimited, op,
			fmt.Sprintf("tap subscriber limit reached (%d)", h.maxSubscribers))
	}
	s := &Subscription{
		id:   "tap_" + id,
		hub:  h,
		eval: eval,
		ch:   make(chan Record, subscriberBuffer),
	}
	h.subs[s.id] = s
	return s, nil
}

// SubscriberCount returns the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many records were dropped for slow or unparsable
// delivery since the hub was created.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// Subscription is one tap consumer.
type Subscription struct {
	id   string
	hub  *Hub
	eval *bexpr.Evaluator
	ch   chan Record

	// mu orders deliver against Close so the channel is never closed with
	// a send in flight.
	mu     sync.Mutex
	closed bool
}

// Id returns the subscription id (tap_<base62>).
func (s *Subscription) Id() string { return s.id }

// Events returns the record channel.  It is closed when the subscription
// ends, whether by Close or by falling too far behind.
func (s *Subscription) Events() <-chan Record { return s.ch }

// Close ends the subscription.  Safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
	s.hub.remove(s.id)
}

// deliver forwards one record if the filter matches.  A full channel means
// the consumer is too slow; it is disconnected so the hub never blocks the
// event pipeline.
func (s *Subscription) deliver(rec Record) {
	if s.eval != nil {
		if match, err := s.eval.Evaluate(map[string]any(rec)); err != nil || !match {
			return
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- rec:
	default:
		s.closed = true
		close(s.ch)
		s.hub.dropped.Add(1)
		s.hub.remove(s.id)
	}
}
