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

package socks5

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"

	"github.com/Jigsaw-Code/proxysession/transport"
)

type credentials struct {
	username []byte
	password []byte
}

// Resolver looks up host names. [*net.Resolver] implements it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Option configures a [StreamDialer].
type Option func(d *StreamDialer)

// WithLocalResolution resolves domain names with resolver and sends the proxy an IP address.
// Without it, domain names are sent to the proxy for resolution.
func WithLocalResolution(resolver Resolver) Option {
	return func(d *StreamDialer) {
		d.resolver = resolver
	}
}

// StreamDialer is a [transport.StreamDialer] that tunnels connections through a SOCKS5 proxy.
type StreamDialer struct {
	proxyEndpoint transport.StreamEndpoint
	cred          *credentials
	resolver      Resolver
}

var _ transport.StreamDialer = (*StreamDialer)(nil)

// NewStreamDialer creates a [StreamDialer] that routes connections to a SOCKS5
// proxy listening at the given [transport.StreamEndpoint].
func NewStreamDialer(endpoint transport.StreamEndpoint, opts ...Option) (*StreamDialer, error) {
	if endpoint == nil {
		return nil, errors.New("argument endpoint must not be nil")
	}
	d := &StreamDialer{proxyEndpoint: endpoint}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// SetCredentials enables username/password authentication. Each value must be 1 to 255 bytes long.
func (d *StreamDialer) SetCredentials(username, password []byte) error {
	if len(username) == 0 || len(username) > 255 {
		return fmt.Errorf("username length %d out of range [1, 255]", len(username))
	}
	if len(password) == 0 || len(password) > 255 {
		return fmt.Errorf("password length %d out of range [1, 255]", len(password))
	}
	d.cred = &credentials{username: username, password: password}
	return nil
}

// DialStream implements [transport.StreamDialer].DialStream using SOCKS5 CONNECT.
// The method selection, authentication and connect requests are sent in a single write, since
// only one method is ever offered.
// The returned error will be a [ReplyCode] if the server rejects the request, which
// you can check against the error constants in this package using [errors.Is].
func (d *StreamDialer) DialStream(ctx context.Context, remoteAddr string) (transport.StreamConn, error) {
	if d.resolver != nil {
		var err error
		if remoteAddr, err = d.resolveAddr(ctx, remoteAddr); err != nil {
			return nil, err
		}
	}
	request, err := d.buildRequest(remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 request: %w", err)
	}
	proxyConn, err := d.proxyEndpoint.ConnectStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not connect to SOCKS5 proxy: %w", err)
	}
	err = transport.Handshake(ctx, proxyConn, func() error {
		return d.handshake(proxyConn, request)
	})
	if err != nil {
		return nil, err
	}
	return proxyConn, nil
}

// resolveAddr replaces the host of remoteAddr with its first address. IP hosts are kept.
func (d *StreamDialer) resolveAddr(ctx context.Context, remoteAddr string) (string, error) {
	host, port, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return "", fmt.Errorf("failed to create SOCKS5 request: %w", err)
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return remoteAddr, nil
	}
	ips, err := d.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %v: %w", host, err)
	}
	if len(ips) == 0 {
		return "", fmt.Errorf("no address for %v", host)
	}
	return net.JoinHostPort(ips[0].Unmap().String(), port), nil
}

func (d *StreamDialer) buildRequest(remoteAddr string) ([]byte, error) {
	// Large enough for the method selection, the RFC 1929 sub-negotiation and a connect
	// request with a domain name.
	b := make([]byte, 0, 3+(3+255+255)+(4+256+2))
	if d.cred == nil {
		b = append(b, protocolVersion, 1, authMethodNoAuth)
	} else {
		b = append(b, protocolVersion, 1, authMethodUserPass)
		b = append(b, authVersion, byte(len(d.cred.username)))
		b = append(b, d.cred.username...)
		b = append(b, byte(len(d.cred.password)))
		b = append(b, d.cred.password...)
	}
	b = append(b, protocolVersion, cmdConnect, 0)
	return appendSOCKS5Address(b, remoteAddr)
}

func (d *StreamDialer) handshake(conn io.ReadWriter, request []byte) error {
	if _, err := conn.Write(request); err != nil {
		return fmt.Errorf("failed to write combined SOCKS5 request: %w", err)
	}

	var buf [256]byte
	// Method selection reply: VER, METHOD.
	if _, err := io.ReadFull(conn, buf[:2]); err != nil {
		return fmt.Errorf("failed to read method server response: %w", err)
	}
	if buf[0] != protocolVersion {
		return fmt.Errorf("invalid protocol version %v. Expected 5", buf[0])
	}
	switch buf[1] {
	case authMethodNoAuth:
	case authMethodUserPass:
		if d.cred == nil {
			return errors.New("server selected username/password authentication but no credentials were configured")
		}
		// Sub-negotiation reply: VER = 1, STATUS = 0 on success.
		if _, err := io.ReadFull(conn, buf[:2]); err != nil {
			return fmt.Errorf("failed to read authentication version and status: %w", err)
		}
		if buf[0] != authVersion {
			return fmt.Errorf("invalid authentication version %v. Expected 1", buf[0])
		}
		if buf[1] != 0 {
			return fmt.Errorf("authentication failed: %v", buf[1])
		}
	default:
		return fmt.Errorf("unsupported SOCKS authentication method %v", buf[1])
	}

	// Connect reply: VER, REP, RSV, ATYP, BND.ADDR, BND.PORT.
	if _, err := io.ReadFull(conn, buf[:4]); err != nil {
		return fmt.Errorf("failed to read connect server response: %w", err)
	}
	if buf[0] != protocolVersion {
		return fmt.Errorf("invalid protocol version %v. Expected 5", buf[0])
	}
	if buf[1] != 0 {
		return ReplyCode(buf[1])
	}
	var bndAddrLen int
	switch buf[3] {
	case addrTypeIPv4:
		bndAddrLen = 4
	case addrTypeIPv6:
		bndAddrLen = 16
	case addrTypeDomainName:
		if _, err := io.ReadFull(conn, buf[:1]); err != nil {
			return fmt.Errorf("failed to read address length in connect response: %w", err)
		}
		bndAddrLen = int(buf[0])
	default:
		return fmt.Errorf("invalid address type %v", buf[3])
	}
	// The bound address and port are not used.
	if _, err := io.ReadFull(conn, buf[:bndAddrLen+2]); err != nil {
		return fmt.Errorf("failed to read bound address: %w", err)
	}
	return nil
}
