// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestIdentityFiles generates a CA and a leaf certificate for the given
// identity name, writes them to dir (tls.crt, tls.key, ca.crt) and returns a
// Config pointing at them.  Repeated calls with the same dir rotate the
// material in place.
func TestIdentityFiles(t testing.TB, dir, name string) Config {
	t.Helper()
	conf, err := GenerateFiles(dir, name)
	require.NoError(t, err)
	return conf
}
