// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"
)

var (
	errLoadCerts    = errors.New("failed to load client certificate")
	errLoadServerCA = errors.New("failed to load server CA")
	errAppendCA     = errors.New("failed to append server CA to the root pool")
	errMissingKey   = errors.New("cert_file and key_file must be set together")
)

// Config describes the client side of a TLS connection to the broker.
type Config struct {
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	ServerCAFile       string `yaml:"server_ca_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// IsZero reports whether nothing is configured, in which case the system
// roots and the URL host name are used.
func (c Config) IsZero() bool {
	return c == Config{}
}

// LoadClientConfig builds a client TLS configuration. A client certificate
// is presented when both CertFile and KeyFile are set, and ServerCAFile
// replaces the system roots.
func LoadClientConfig(c Config) (*tls.Config, error) {
	config := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify, //nolint:gosec
	}

	switch {
	case c.CertFile != "" && c.KeyFile != "":
		certificate, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, errors.Join(errLoadCerts, err)
		}
		config.Certificates = []tls.Certificate{certificate}
	case c.CertFile != "" || c.KeyFile != "":
		return nil, errMissingKey
	}

	rootCA, err := loadCertFile(c.ServerCAFile)
	if err != nil {
		return nil, errors.Join(errLoadServerCA, err)
	}
	if len(rootCA) > 0 {
		config.RootCAs = x509.NewCertPool()
		if !config.RootCAs.AppendCertsFromPEM(rootCA) {
			return nil, errAppendCA
		}
	}

	return config, nil
}

// SecurityStatus describes a client TLS configuration for logs.
func SecurityStatus(c *tls.Config) string {
	switch {
	case c == nil:
		return "no TLS"
	case c.InsecureSkipVerify:
		return "TLS without verification"
	case len(c.Certificates) > 0:
		return "mutual TLS"
	default:
		return "TLS"
	}
}

func loadCertFile(certFile string) ([]byte, error) {
	if certFile != "" {
		return os.ReadFile(certFile)
	}
	return []byte{}, nil
}
