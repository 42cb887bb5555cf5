// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcher(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	conf := TestIdentityFiles(t, dir, "web.default.trellis.local")
	s, err := NewStore(ctx, conf)
	require.NoError(err)
	origSerial := s.Leaf().SerialNumber

	w, err := NewWatcher(ctx, s)
	require.NoError(err)
	w.Start(ctx)
	defer w.Stop()

	// Rotating the files should trigger a debounced reload.
	TestIdentityFiles(t, dir, "web.default.trellis.local")
	require.Eventually(func() bool {
		return s.Leaf().SerialNumber.Cmp(origSerial) != 0
	}, 10*time.Second, 50*time.Millisecond)
}

func TestNewWatcher_MissingStore(t *testing.T) {
	require := require.New(t)
	w, err := NewWatcher(context.Background(), nil)
	require.Error(err)
	require.Nil(w)
	require.ErrorContains(err, "missing store")
}
