// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package router

import (
	"sync"
	"time"

	"github.com/hashicorp/trellis/internal/daemon/discovery"
)

// defaultCooldown is how long a failed endpoint stays quarantined.
const defaultCooldown = 30 * time.Second

// balancer picks endpoints by smallest active load scaled by weight,
// quarantining failed endpoints for a cooldown.
type balancer struct {
	cooldown time.Duration

	mu    sync.Mutex
	state map[string]*endpointState
}

type endpointState struct {
	active     int
	quarantine time.Time
}

func newBalancer(cooldown time.Duration) *balancer {
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &balancer{
		cooldown: cooldown,
		state:    make(map[string]*endpointState),
	}
}

// pick returns the healthy endpoint with the lowest active-per-weight load.
// When every endpoint is quarantined the least recently failed one is used
// anyway so a fully quarantined set still gets probed.
func (b *balancer) pick(eps []discovery.Endpoint) *discovery.Endpoint {
	if len(eps) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	var best, fallback *discovery.Endpoint
	var bestLoad float64
	var fallbackQuarantine time.Time
	for i := range eps {
		ep := &eps[i]
		st := b.state[ep.Address]
		if st != nil && now.Before(st.quarantine) {
			if fallback == nil || st.quarantine.Before(fallbackQuarantine) {
				fallback = ep
				fallbackQuarantine = st.quarantine
			}
			continue
		}
		weight := ep.Weight
		if weight <= 0 {
			weight = 1
		}
		active := 0
		if st != nil {
			active = st.active
		}
		load := float64(active) / float64(weight)
		if best == nil || load < bestLoad {
			best = ep
			bestLoad = load
		}
	}
	if best == nil {
		best = fallback
	}
	return best
}

// acquire marks a connection active on the endpoint and returns a release
// func decrementing it.
func (b *balancer) acquire(addr string) func() {
	b.mu.Lock()
	st := b.state[addr]
	if st == nil {
		st = &endpointState{}
		b.state[addr] = st
	}
	st.active++
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if st := b.state[addr]; st != nil && st.active > 0 {
				st.active--
			}
			b.mu.Unlock()
		})
	}
}

// markFailed quarantines the endpoint for the cooldown.
func (b *balancer) markFailed(addr string) {
	b.mu.Lock()
	st := b.state[addr]
	if st == nil {
		st = &endpointState{}
		b.state[addr] = st
	}
	st.quarantine = time.Now().Add(b.cooldown)
	b.mu.Unlock()
}
