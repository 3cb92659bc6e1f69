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

/*
Package socks4 provides a SOCKS4 and SOCKS4a CONNECT client.

SOCKS4 only carries IPv4 destinations, so domain names are resolved locally unless
remote resolution (SOCKS4a) is enabled with [WithRemoteResolution].
*/
package socks4

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"

	"github.com/Jigsaw-Code/proxysession/transport"
)

// ReplyCode is the CD field of a SOCKS4 reply.
type ReplyCode byte

// SOCKS4 reply codes.
const (
	replyGranted            = ReplyCode(90)
	ErrRejected             = ReplyCode(91)
	ErrIdentdUnreachable    = ReplyCode(92)
	ErrIdentdUserIDMismatch = ReplyCode(93)
)

var _ error = (ReplyCode)(0)

func (e ReplyCode) Error() string {
	switch e {
	case ErrRejected:
		return "request rejected or failed"
	case ErrIdentdUnreachable:
		return "request rejected because SOCKS server cannot connect to identd on the client"
	case ErrIdentdUserIDMismatch:
		return "request rejected because the client program and identd report different user-ids"
	default:
		return "reply code " + strconv.Itoa(int(e))
	}
}

const (
	protocolVersion = 4
	cmdConnect      = 1
)

// Option configures a [StreamDialer].
type Option func(d *StreamDialer)

// WithUserID sets the USERID field sent with each request.
func WithUserID(userID string) Option {
	return func(d *StreamDialer) {
		d.userID = userID
	}
}

// WithRemoteResolution sends domain names to the proxy for resolution (SOCKS4a).
func WithRemoteResolution() Option {
	return func(d *StreamDialer) {
		d.remoteResolution = true
	}
}

// WithResolver sets the resolver used for local resolution. Defaults to [net.DefaultResolver].
func WithResolver(resolver *net.Resolver) Option {
	return func(d *StreamDialer) {
		d.resolver = resolver
	}
}

// StreamDialer is a [transport.StreamDialer] that tunnels connections through a SOCKS4 proxy.
type StreamDialer struct {
	proxyEndpoint    transport.StreamEndpoint
	userID           string
	remoteResolution bool
	resolver         *net.Resolver
}

var _ transport.StreamDialer = (*StreamDialer)(nil)

// NewStreamDialer creates a [StreamDialer] that routes connections to the SOCKS4 proxy at the given endpoint.
func NewStreamDialer(endpoint transport.StreamEndpoint, opts ...Option) (*StreamDialer, error) {
	if endpoint == nil {
		return nil, errors.New("argument endpoint must not be nil")
	}
	d := &StreamDialer{proxyEndpoint: endpoint, resolver: net.DefaultResolver}
	for _, opt := range opts {
		opt(d)
	}
	if len(d.userID) > 255 {
		return nil, fmt.Errorf("user id length %d exceeds 255", len(d.userID))
	}
	return d, nil
}

// DialStream implements [transport.StreamDialer].DialStream using SOCKS4 CONNECT.
// The returned error will be a [ReplyCode] if the server rejects the request.
func (d *StreamDialer) DialStream(ctx context.Context, remoteAddr string) (transport.StreamConn, error) {
	request, err := d.buildRequest(ctx, remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS4 request: %w", err)
	}
	proxyConn, err := d.proxyEndpoint.ConnectStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not connect to SOCKS4 proxy: %w", err)
	}
	err = transport.Handshake(ctx, proxyConn, func() error {
		return handshake(proxyConn, request)
	})
	if err != nil {
		return nil, err
	}
	return proxyConn, nil
}

// buildRequest encodes the CONNECT request:
//
//	+----+----+----+----+----+----+----+----+----+----+....+----+
//	| VN | CD | DSTPORT |      DSTIP        | USERID       |NULL|
//	+----+----+----+----+----+----+----+----+----+----+....+----+
//
// For SOCKS4a, DSTIP is 0.0.0.1 and the host name follows USERID, NULL terminated.
func (d *StreamDialer) buildRequest(ctx context.Context, remoteAddr string) ([]byte, error) {
	host, portStr, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, err
	}
	b := make([]byte, 0, 8+len(d.userID)+1+len(host)+1)
	b = append(b, protocolVersion, cmdConnect)
	b = binary.BigEndian.AppendUint16(b, uint16(port))

	ip, err := netip.ParseAddr(host)
	if err == nil {
		ip = ip.Unmap()
		if !ip.Is4() {
			return nil, fmt.Errorf("SOCKS4 does not support IPv6 destination %v", host)
		}
		b = append(b, ip.AsSlice()...)
		b = append(b, d.userID...)
		return append(b, 0), nil
	}

	if d.remoteResolution {
		if len(host) > 255 {
			return nil, fmt.Errorf("domain name length = %v is over 255", len(host))
		}
		b = append(b, 0, 0, 0, 1)
		b = append(b, d.userID...)
		b = append(b, 0)
		b = append(b, host...)
		return append(b, 0), nil
	}

	ips, err := d.resolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %v: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no IPv4 address for %v", host)
	}
	b = append(b, ips[0].Unmap().AsSlice()...)
	b = append(b, d.userID...)
	return append(b, 0), nil
}

func handshake(conn io.ReadWriter, request []byte) error {
	if _, err := conn.Write(request); err != nil {
		return fmt.Errorf("failed to write SOCKS4 request: %w", err)
	}
	// Reply: VN = 0, CD, DSTPORT, DSTIP.
	var reply [8]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		return fmt.Errorf("failed to read SOCKS4 reply: %w", err)
	}
	if reply[0] != 0 {
		return fmt.Errorf("invalid reply version %v. Expected 0", reply[0])
	}
	if code := ReplyCode(reply[1]); code != replyGranted {
		return code
	}
	return nil
}
