// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package tap

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/trellis/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(t *testing.T, direction, protocol string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"data": map[string]any{
			"connection_info": map[string]any{
				"direction": direction,
				"protocol":  protocol,
			},
		},
	})
	require.NoError(t, err)
	return b
}

func TestHub_Subscribe(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name            string
		filter          string
		wantErrMatch    *errors.Template
		wantErrContains string
	}{
		{
			name: "no-filter",
		},
		{
			name:   "valid-filter",
			filter: `data.connection_info.direction == "outbound"`,
		},
		{
			name:            "bad-filter",
			filter:          `direction $== "outbound"`,
			wantErrMatch:    errors.T(errors.InvalidParameter),
			wantErrContains: "invalid tap filter",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			h := New(0)
			sub, err := h.Subscribe(ctx, tt.filter)
			if tt.wantErrMatch != nil {
				require.Error(err)
				assert.Nil(sub)
				assert.True(errors.Match(tt.wantErrMatch, err))
				assert.Contains(err.Error(), tt.wantErrContains)
				return
			}
			require.NoError(err)
			require.NotNil(sub)
			assert.True(strings.HasPrefix(sub.Id(), "tap_"))
			assert.Equal(1, h.SubscriberCount())
			sub.Close()
			assert.Zero(h.SubscriberCount())
		})
	}
}

func TestHub_SubscriberCap(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	h := New(2)

	first, err := h.Subscribe(ctx, "")
	require.NoError(err)
	defer first.Close()
	second, err := h.Subscribe(ctx, "")
	require.NoError(err)

	_, err = h.Subscribe(ctx, "")
	require.Error(err)
	assert.True(errors.Match(errors.T(errors.RateLimited), err))
	assert.Contains(err.Error(), "tap subscriber limit reached (2)")

	// Closing one frees a slot.
	second.Close()
	third, err := h.Subscribe(ctx, "")
	require.NoError(err)
	third.Close()
}

func TestHub_Write(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	h := New(0)

	all, err := h.Subscribe(ctx, "")
	require.NoError(err)
	defer all.Close()
	outboundOnly, err := h.Subscribe(ctx, `data.connection_info.direction == "outbound"`)
	require.NoError(err)
	defer outboundOnly.Close()

	for _, rec := range [][]byte{
		testRecord(t, "inbound", "tcp"),
		testRecord(t, "outbound", "http1"),
	} {
		n, err := h.Write(rec)
		require.NoError(err)
		assert.Equal(len(rec), n)
	}

	require.Len(all.Events(), 2)
	require.Len(outboundOnly.Events(), 1)
	got := <-outboundOnly.Events()
	want := Record{
		"data": map[string]any{
			"connection_info": map[string]any{
				"direction": "outbound",
				"protocol":  "http1",
			},
		},
	}
	assert.Empty(cmp.Diff(want, got))
}

func TestHub_WriteBadPayload(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	h := New(0)

	sub, err := h.Subscribe(context.Background(), "")
	require.NoError(err)
	defer sub.Close()

	n, err := h.Write([]byte("not json"))
	require.NoError(err)
	assert.Equal(8, n)
	assert.Empty(sub.Events())
	assert.Equal(int64(1), h.Dropped())
}

func TestHub_SlowSubscriberDisconnected(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	h := New(0)

	slow, err := h.Subscribe(context.Background(), "")
	require.NoError(err)

	rec := testRecord(t, "inbound", "tcp")
	for i := 0; i <= subscriberBuffer; i++ {
		_, err := h.Write(rec)
		require.NoError(err)
	}

	// The overflowing write disconnected the subscriber; its channel drains
	// the buffered records then reports closed.
	assert.Zero(h.SubscriberCount())
	assert.Equal(int64(1), h.Dropped())
	count := 0
	for range slow.Events() {
		count++
	}
	assert.Equal(subscriberBuffer, count)

	// Close after disconnect is a no-op.
	slow.Close()
}

func TestHub_CloseIdempotent(t *testing.T) {
	require := require.New(t)
	h := New(0)
	sub, err := h.Subscribe(context.Background(), "")
	require.NoError(err)
	sub.Close()
	sub.Close()
}

func TestHub_ConcurrentWriteAndClose(t *testing.T) {
	require := require.New(t)
	h := New(0)

	subs := make([]*Subscription, 8)
	for i := range subs {
		var err error
		subs[i], err = h.Subscribe(context.Background(), "")
		require.NoError(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		rec := testRecord(t, "inbound", "tcp")
		for i := 0; i < 100; i++ {
			_, _ = h.Write(rec)
		}
	}()
	for _, s := range subs {
		s.Close()
	}
	<-done
}
