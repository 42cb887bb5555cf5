// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package conntrack

import (
	"context"
	"net"
	"strings"
	"testing"

	"github.com/hashicorp/trellis/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_Register(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	m := NewManager()

	c, err := m.Register(ctx, nil, "inbound")
	require.Error(err)
	assert.Nil(c)
	assert.True(errors.Match(errors.T(errors.InvalidParameter), err))

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c, err = m.Register(ctx, server, "inbound")
	require.NoError(err)
	assert.True(strings.HasPrefix(c.Id(), "cn_"))
	assert.Equal("inbound", c.Direction())
	assert.False(c.StartTime().IsZero())
	assert.Equal(1, m.Count())

	c2, err := m.Register(ctx, server, "outbound")
	require.NoError(err)
	assert.NotEqual(c.Id(), c2.Id())
	assert.Equal(2, m.Count())

	m.Unregister(c.Id())
	assert.Equal(1, m.Count())
	// Unknown ids are a no-op, the count cannot go stale.
	m.Unregister(c.Id())
	assert.Equal(1, m.Count())
}

func TestConn_Counters(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	m := NewManager()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c, err := m.Register(ctx, server, "inbound")
	require.NoError(err)

	go func() {
		_, _ = client.Write([]byte("hello"))
		buf := make([]byte, 2)
		_, _ = client.Read(buf)
	}()

	buf := make([]byte, 5)
	n, err := c.Read(buf)
	require.NoError(err)
	assert.Equal(5, n)
	assert.EqualValues(5, c.BytesIn())

	n, err = c.Write([]byte("ok"))
	require.NoError(err)
	assert.Equal(2, n)
	assert.EqualValues(2, c.BytesOut())

	assert.Empty(c.Protocol())
	c.SetProtocol("tcp")
	assert.Equal("tcp", c.Protocol())
}

func TestManager_ForEachAndCloseAll(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	m := NewManager()

	for i := 0; i < 3; i++ {
		client, server := net.Pipe()
		t.Cleanup(func() { _ = client.Close() })
		_, err := m.Register(ctx, server, "inbound")
		require.NoError(err)
	}

	seen := 0
	m.ForEach(func(*Conn) bool {
		seen++
		return true
	})
	assert.Equal(3, seen)

	// An early false stops the walk.
	seen = 0
	m.ForEach(func(*Conn) bool {
		seen++
		return false
	})
	assert.Equal(1, seen)

	m.CloseAll()
	// CloseAll does not unregister; handlers do that as they unwind.
	assert.Equal(3, m.Count())
	m.ForEach(func(c *Conn) bool {
		buf := make([]byte, 1)
		_, err := c.Read(buf)
		assert.Error(err)
		return true
	})
}
