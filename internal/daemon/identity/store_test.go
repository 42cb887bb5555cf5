// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package identity

import (
	"context"
	"crypto/tls"
	"net"
	"testing"

	"github.com/hashicorp/trellis/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStore(t *testing.T) {
	ctx := context.Background()
	validConf := TestIdentityFiles(t, t.TempDir(), "web.default.trellis.local")

	tests := []struct {
		name            string
		conf            Config
		wantErrMatch    *errors.Template
		wantErrContains string
	}{
		{
			name: "missing-name",
			conf: func() Config {
				c := validConf
				c.Name = ""
				return c
			}(),
			wantErrMatch:    errors.T(errors.InvalidParameter),
			wantErrContains: "missing identity name",
		},
		{
			name: "missing-cert-file",
			conf: func() Config {
				c := validConf
				c.CertFile = ""
				return c
			}(),
			wantErrMatch:    errors.T(errors.InvalidParameter),
			wantErrContains: "missing cert file",
		},
		{
			name: "missing-key-file",
			conf: func() Config {
				c := validConf
				c.KeyFile = ""
				return c
			}(),
			wantErrMatch:    errors.T(errors.InvalidParameter),
			wantErrContains: "missing key file",
		},
		{
			name: "missing-ca-file",
			conf: func() Config {
				c := validConf
				c.CAFile = ""
				return c
			}(),
			wantErrMatch:    errors.T(errors.InvalidParameter),
			wantErrContains: "missing ca file",
		},
		{
			name: "unreadable-cert",
			conf: func() Config {
				c := validConf
				c.CertFile = c.CertFile + ".missing"
				return c
			}(),
			wantErrContains: "error loading identity key pair",
		},
		{
			name: "san-mismatch",
			conf: func() Config {
				c := validConf
				c.Name = "other.default.trellis.local"
				return c
			}(),
			wantErrMatch:    errors.T(errors.InvalidConfiguration),
			wantErrContains: `not valid for "other.default.trellis.local"`,
		},
		{
			name: "valid",
			conf: validConf,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			s, err := NewStore(ctx, tt.conf)
			if tt.wantErrMatch != nil || tt.wantErrContains != "" {
				require.Error(err)
				assert.Nil(s)
				if tt.wantErrMatch != nil {
					assert.Truef(errors.Match(tt.wantErrMatch, err), "want %q and got %q", tt.wantErrMatch.Code, err.Error())
				}
				if tt.wantErrContains != "" {
					assert.Contains(err.Error(), tt.wantErrContains)
				}
				return
			}
			require.NoError(err)
			require.NotNil(s)
			assert.Equal(tt.conf.Name, s.Name())
			require.NotNil(s.Leaf())
			assert.Contains(s.Leaf().DNSNames, tt.conf.Name)
		})
	}
}

func TestStore_Reload(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()

	dir := t.TempDir()
	conf := TestIdentityFiles(t, dir, "web.default.trellis.local")
	s, err := NewStore(ctx, conf)
	require.NoError(err)
	origSerial := s.Leaf().SerialNumber

	// Rotate the material in place; Reload should pick up the new serial.
	TestIdentityFiles(t, dir, "web.default.trellis.local")
	require.NoError(s.Reload(ctx))
	assert.NotEqual(origSerial, s.Leaf().SerialNumber)

	// A failed reload keeps the last good material.
	goodSerial := s.Leaf().SerialNumber
	TestIdentityFiles(t, dir, "imposter.default.trellis.local")
	err = s.Reload(ctx)
	require.Error(err)
	assert.Contains(err.Error(), "not valid for")
	assert.Equal(goodSerial, s.Leaf().SerialNumber)
}

func TestStore_Handshake(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()

	conf := TestIdentityFiles(t, t.TempDir(), "web.default.trellis.local")
	s, err := NewStore(ctx, conf)
	require.NoError(err)

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	serverErrCh := make(chan error, 1)
	go func() {
		server := tls.Server(serverSide, s.ServerConfig())
		serverErrCh <- server.Handshake()
	}()

	client := tls.Client(clientSide, s.ClientConfig("web.default.trellis.local", "h2"))
	require.NoError(client.Handshake())
	require.NoError(<-serverErrCh)
	assert.Equal("h2", client.ConnectionState().NegotiatedProtocol)
}
