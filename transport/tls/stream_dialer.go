// Copyright 2025 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tls reaches proxies that accept CONNECT over TLS, as named by https:// proxy URLs.
// The proxy certificate is checked against the system roots unless [WithRootCAs] says
// otherwise, and against the dialed host unless [WithCertificateName] says otherwise.
package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"

	"github.com/Jigsaw-Code/proxysession/transport"
)

// Config selects how the proxy certificate is validated.
type Config struct {
	// RootCAs are the trusted roots. Nil means the system roots.
	RootCAs *x509.CertPool
	// CertificateName is the name the certificate must be valid for. Empty means the dialed host.
	CertificateName string
}

// Option adjusts a [Config].
type Option func(cfg *Config)

// WithRootCAs trusts only the roots in pool, for proxies with a private CA.
func WithRootCAs(pool *x509.CertPool) Option {
	return func(cfg *Config) {
		cfg.RootCAs = pool
	}
}

// WithCertificateName validates the proxy certificate for name instead of the dialed host,
// for proxies reached by IP address or through an alias.
func WithCertificateName(name string) Option {
	return func(cfg *Config) {
		cfg.CertificateName = name
	}
}

// StreamDialer is a [transport.StreamDialer] that runs a TLS client over the connections of
// its base dialer.
type StreamDialer struct {
	base   transport.StreamDialer
	config Config
}

var _ transport.StreamDialer = (*StreamDialer)(nil)

// NewStreamDialer creates a [StreamDialer] over base.
func NewStreamDialer(base transport.StreamDialer, opts ...Option) (*StreamDialer, error) {
	if base == nil {
		return nil, errors.New("base dialer must not be nil")
	}
	d := &StreamDialer{base: base}
	for _, opt := range opts {
		opt(&d.config)
	}
	return d, nil
}

// DialStream implements [transport.StreamDialer]. The host of remoteAddr is sent as SNI.
func (d *StreamDialer) DialStream(ctx context.Context, remoteAddr string) (transport.StreamConn, error) {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}
	conn, err := d.base.DialStream(ctx, remoteAddr)
	if err != nil {
		return nil, err
	}
	tlsConn, err := Client(ctx, conn, host, d.config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// Client runs the TLS handshake over conn for serverName. It does not close conn on failure.
func Client(ctx context.Context, conn transport.StreamConn, serverName string, cfg Config) (transport.StreamConn, error) {
	tlsConn := tls.Client(conn, cfg.clientConfig(serverName))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("TLS handshake with %v failed: %w", serverName, err)
	}
	return &streamConn{Conn: tlsConn, inner: conn}, nil
}

func (cfg Config) clientConfig(serverName string) *tls.Config {
	tlsConfig := &tls.Config{ServerName: serverName, RootCAs: cfg.RootCAs}
	if cfg.CertificateName == "" || cfg.CertificateName == serverName {
		return tlsConfig
	}
	// Standard verification is tied to ServerName, so check the chain ourselves.
	tlsConfig.InsecureSkipVerify = true
	tlsConfig.VerifyConnection = func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return errors.New("proxy sent no certificates")
		}
		opts := x509.VerifyOptions{
			DNSName:       cfg.CertificateName,
			Roots:         cfg.RootCAs,
			Intermediates: x509.NewCertPool(),
		}
		for _, cert := range cs.PeerCertificates[1:] {
			opts.Intermediates.AddCert(cert)
		}
		_, err := cs.PeerCertificates[0].Verify(opts)
		return err
	}
	return tlsConfig
}

// streamConn keeps half-close working through the TLS layer.
type streamConn struct {
	*tls.Conn
	inner transport.StreamConn
}

var _ transport.StreamConn = (*streamConn)(nil)

func (c *streamConn) CloseWrite() error {
	return errors.Join(c.Conn.CloseWrite(), c.inner.CloseWrite())
}

func (c *streamConn) CloseRead() error {
	return c.inner.CloseRead()
}
