// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package identity manages the proxy's local TLS identity: the certificate
// and key used to terminate inbound TLS and to originate TLS on outbound
// connections, plus the trust roots used to verify peers.  Material is loaded
// from files and can be swapped at runtime without disturbing established
// connections.
package identity

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/hashicorp/trellis/internal/errors"
)

// Config names the identity and the files holding its material.
type Config struct {
	// Name is the identity name; the leaf certificate must carry it as a SAN.
	Name     string
	CertFile string
	KeyFile  string
	CAFile   string
}

// material is an immutable snapshot of loaded identity material.  The store
// swaps whole snapshots so in-flight handshakes never see a cert without its
// roots.
type material struct {
	cert  tls.Certificate
	leaf  *x509.Certificate
	roots *x509.CertPool
}

// Store holds the current identity material behind an atomic pointer so the
// tls.Config callbacks can read it without locking.
type Store struct {
	conf    Config
	current atomic.Pointer[material]
}

// NewStore creates a Store and performs the initial load.
func NewStore(ctx context.Context, conf Config) (*Store, error) {
	const op = "identity.NewStore"
	switch {
	case conf.Name == "":
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing identity name")
	case conf.CertFile == "":
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing cert file")
	case conf.KeyFile == "":
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing key file")
	case conf.CAFile == "":
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing ca file")
	}
	s := &Store{conf: conf}
	if err := s.Reload(ctx); err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	return s, nil
}

// Name returns the configured identity name.
func (s *Store) Name() string {
	return s.conf.Name
}

// Leaf returns the current leaf certificate.
func (s *Store) Leaf() *x509.Certificate {
	return s.current.Load().leaf
}

// Reload re-reads the identity files and swaps the current material.  On any
// error the previously loaded material stays in place.
func (s *Store) Reload(ctx context.Context) error {
	const op = "identity.(Store).Reload"

	cert, err := tls.LoadX509KeyPair(s.conf.CertFile, s.conf.KeyFile)
	if err != nil {
		return errors.Wrap(ctx, err, op, errors.WithMsg("error loading identity key pair"))
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return errors.Wrap(ctx, err, op, errors.WithMsg("error parsing identity leaf certificate"))
	}
	if err := leaf.VerifyHostname(s.conf.Name); err != nil {
		return errors.New(ctx, errors.InvalidConfiguration, op,
			fmt.Sprintf("identity certificate is not valid for %q", s.conf.Name), errors.WithWrap(err))
	}
	cert.Leaf = leaf

	caPem, err := os.ReadFile(s.conf.CAFile)
	if err != nil {
		return errors.Wrap(ctx, err, op, errors.WithMsg("error reading ca file"))
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(caPem) {
		return errors.New(ctx, errors.InvalidConfiguration, op,
			fmt.Sprintf("no certificates found in ca file %q", s.conf.CAFile))
	}

	s.current.Store(&material{
		cert:  cert,
		leaf:  leaf,
		roots: roots,
	})
	return nil
}

// ServerConfig returns a tls.Config for terminating inbound TLS.  The
// certificate is read through the store on every handshake so reloads take
// effect immediately.
func (s *Store) ServerConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"h2", "http/1.1"},
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return &s.current.Load().cert, nil
		},
	}
}

// ClientConfig returns a tls.Config for originating TLS to an endpoint that
// advertises serverName as its identity.  The local certificate is presented
// as the client certificate and the endpoint is verified against the
// configured trust roots.
func (s *Store) ClientConfig(serverName string, alpn ...string) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
		NextProtos: alpn,
		RootCAs:    s.current.Load().roots,
		GetClientCertificate: func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			return &s.current.Load().cert, nil
		},
	}
}
