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

// Package httpconnect provides a [transport.StreamDialer] that tunnels connections through an
// HTTP proxy with the CONNECT method. Wrap the proxy endpoint in TLS for HTTPS proxies.
package httpconnect

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/Jigsaw-Code/proxysession/transport"
)

// StatusError is returned when the proxy answers the CONNECT request with a non-2xx status.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected CONNECT response: %v", e.Status)
}

// IsAuthError reports whether the proxy requested authentication.
func (e *StatusError) IsAuthError() bool {
	return e.StatusCode == http.StatusProxyAuthRequired
}

// ConnectClient is a [transport.StreamDialer] that sends a CONNECT request over each connection
// it makes to the proxy endpoint.
type ConnectClient struct {
	endpoint transport.StreamEndpoint
	headers  http.Header
}

var _ transport.StreamDialer = (*ConnectClient)(nil)

type ClientOption func(c *ConnectClient)

// WithProxyAuthorization sets the Proxy-Authorization header value.
func WithProxyAuthorization(proxyAuth string) ClientOption {
	return func(c *ConnectClient) {
		c.headers.Set("Proxy-Authorization", proxyAuth)
	}
}

// WithBasicAuth sets Basic Proxy-Authorization from a username and password.
func WithBasicAuth(username, password string) ClientOption {
	creds := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	return WithProxyAuthorization("Basic " + creds)
}

// WithHeaders appends the given headers to every CONNECT request.
func WithHeaders(headers http.Header) ClientOption {
	return func(c *ConnectClient) {
		for k, values := range headers {
			for _, v := range values {
				c.headers.Add(k, v)
			}
		}
	}
}

// NewConnectClient creates a [ConnectClient] that connects to the proxy at the given endpoint.
func NewConnectClient(endpoint transport.StreamEndpoint, opts ...ClientOption) (*ConnectClient, error) {
	if endpoint == nil {
		return nil, errors.New("endpoint must not be nil")
	}
	cc := &ConnectClient{
		endpoint: endpoint,
		headers:  make(http.Header),
	}
	for _, opt := range opts {
		opt(cc)
	}
	return cc, nil
}

// DialStream connects to the proxy and requests a tunnel to remoteAddr.
// A rejected request yields a [*StatusError].
func (c *ConnectClient) DialStream(ctx context.Context, remoteAddr string) (transport.StreamConn, error) {
	if _, _, err := net.SplitHostPort(remoteAddr); err != nil {
		return nil, fmt.Errorf("failed to parse remote address: %w", err)
	}
	conn, err := c.endpoint.ConnectStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to endpoint: %w", err)
	}
	var reader *bufio.Reader
	err = transport.Handshake(ctx, conn, func() error {
		reader, err = c.sendConnectRequest(ctx, remoteAddr, conn)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("CONNECT %v failed: %w", remoteAddr, err)
	}
	if reader.Buffered() > 0 {
		// Keep the bytes the proxy sent right after the response.
		return transport.WrapConn(conn, reader, conn), nil
	}
	return conn, nil
}

func (c *ConnectClient) sendConnectRequest(ctx context.Context, remoteAddr string, conn transport.StreamConn) (*bufio.Reader, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodConnect, "http://"+remoteAddr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Host = remoteAddr
	req.Header = c.headers.Clone()

	if err := req.Write(conn); err != nil {
		return nil, fmt.Errorf("failed to write request: %w", err)
	}

	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, req)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	// The body is never closed: on success it would drain the tunnel, and on failure the
	// connection is discarded anyway.
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return reader, nil
}
