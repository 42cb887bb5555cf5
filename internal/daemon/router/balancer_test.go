// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package router

import (
	"testing"
	"time"

	"github.com/hashicorp/trellis/internal/daemon/discovery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBalancer_Pick(t *testing.T) {
	eps := []discovery.Endpoint{
		{Address: "10.0.0.1:80"},
		{Address: "10.0.0.2:80"},
	}

	t.Run("empty-set", func(t *testing.T) {
		assert.Nil(t, newBalancer(0).pick(nil))
	})

	t.Run("prefers-least-active", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		b := newBalancer(0)
		release := b.acquire("10.0.0.1:80")
		defer release()

		ep := b.pick(eps)
		require.NotNil(ep)
		assert.Equal("10.0.0.2:80", ep.Address)
	})

	t.Run("weight-scales-load", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		b := newBalancer(0)
		weighted := []discovery.Endpoint{
			{Address: "10.0.0.1:80", Weight: 4},
			{Address: "10.0.0.2:80", Weight: 1},
		}
		// One active conn on the heavy endpoint still leaves it the
		// lower relative load (1/4 < 1/1 would-be next).
		b.acquire("10.0.0.1:80")
		b.acquire("10.0.0.2:80")
		ep := b.pick(weighted)
		require.NotNil(ep)
		assert.Equal("10.0.0.1:80", ep.Address)
	})

	t.Run("release-frees-slot", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		b := newBalancer(0)
		release := b.acquire("10.0.0.2:80")
		release()
		// Double release must not go negative.
		release()

		b.acquire("10.0.0.1:80")
		ep := b.pick(eps)
		require.NotNil(ep)
		assert.Equal("10.0.0.2:80", ep.Address)
	})

	t.Run("skips-quarantined", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		b := newBalancer(time.Minute)
		b.markFailed("10.0.0.1:80")
		for i := 0; i < 5; i++ {
			ep := b.pick(eps)
			require.NotNil(ep)
			assert.Equal("10.0.0.2:80", ep.Address)
		}
	})

	t.Run("fully-quarantined-still-probes", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		b := newBalancer(time.Minute)
		b.markFailed("10.0.0.2:80")
		time.Sleep(5 * time.Millisecond)
		b.markFailed("10.0.0.1:80")

		// The least recently failed endpoint is handed out anyway.
		ep := b.pick(eps)
		require.NotNil(ep)
		assert.Equal("10.0.0.2:80", ep.Address)
	})

	t.Run("quarantine-expires", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		b := newBalancer(time.Millisecond)
		b.markFailed("10.0.0.1:80")
		b.acquire("10.0.0.2:80")
		time.Sleep(10 * time.Millisecond)

		ep := b.pick(eps)
		require.NotNil(ep)
		assert.Equal("10.0.0.1:80", ep.Address)
	})
}
