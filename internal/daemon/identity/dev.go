// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// GenerateFiles creates a throwaway CA and leaf certificate for the given
// identity name and writes them to dir (tls.crt, tls.key, ca.crt). It is used
// by dev mode and by tests; the material is valid for 24 hours.
func GenerateFiles(dir, name string) (Config, error) {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Config{}, fmt.Errorf("error generating ca key: %w", err)
	}
	caSerial, err := newSerial()
	if err != nil {
		return Config{}, err
	}
	caTmpl := &x509.Certificate{
		SerialNumber:          caSerial,
		Subject:               pkix.Name{CommonName: fmt.Sprintf("%s ca", name)},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	caDer, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, caKey.Public(), caKey)
	if err != nil {
		return Config{}, fmt.Errorf("error creating ca certificate: %w", err)
	}
	caCert, err := x509.ParseCertificate(caDer)
	if err != nil {
		return Config{}, fmt.Errorf("error parsing ca certificate: %w", err)
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Config{}, fmt.Errorf("error generating leaf key: %w", err)
	}
	leafSerial, err := newSerial()
	if err != nil {
		return Config{}, err
	}
	leafTmpl := &x509.Certificate{
		SerialNumber: leafSerial,
		Subject:      pkix.Name{CommonName: name},
		DNSNames:     []string{name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	leafDer, err := x509.CreateCertificate(rand.Reader, leafTmpl, caCert, leafKey.Public(), caKey)
	if err != nil {
		return Config{}, fmt.Errorf("error creating leaf certificate: %w", err)
	}
	leafKeyDer, err := x509.MarshalECPrivateKey(leafKey)
	if err != nil {
		return Config{}, fmt.Errorf("error marshaling leaf key: %w", err)
	}

	conf := Config{
		Name:     name,
		CertFile: filepath.Join(dir, "tls.crt"),
		KeyFile:  filepath.Join(dir, "tls.key"),
		CAFile:   filepath.Join(dir, "ca.crt"),
	}
	if err := writePem(conf.CertFile, "CERTIFICATE", leafDer); err != nil {
		return Config{}, err
	}
	if err := writePem(conf.KeyFile, "EC PRIVATE KEY", leafKeyDer); err != nil {
		return Config{}, err
	}
	if err := writePem(conf.CAFile, "CERTIFICATE", caDer); err != nil {
		return Config{}, err
	}
	return conf, nil
}

func newSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, fmt.Errorf("error generating serial: %w", err)
	}
	return serial, nil
}

func writePem(path, blockType string, der []byte) error {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	return nil
}
