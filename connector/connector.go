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

package connector

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Jigsaw-Code/proxysession/transport"
	"golang.org/x/net/http2"
)

// Kind tells whether a [Connector] goes out directly or through the proxy.
type Kind int

const (
	KindDirect Kind = iota
	KindProxy
)

func (k Kind) String() string {
	if k == KindProxy {
		return "proxy"
	}
	return "direct"
}

// MarshalText implements [encoding.TextMarshaler].
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Connector carries requests over one route. It owns an [http.Transport] whose connections
// are all made with the route's dialer, so pooled connections never cross routes.
type Connector struct {
	kind   Kind
	dialer transport.StreamDialer
	rt     *http.Transport
}

var _ http.RoundTripper = (*Connector)(nil)

func newConnector(kind Kind, dialer transport.StreamDialer) (*Connector, error) {
	dialContext := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !strings.HasPrefix(network, "tcp") {
			return nil, fmt.Errorf("protocol not supported: %v", network)
		}
		return dialer.DialStream(ctx, addr)
	}
	rt := &http.Transport{
		DialContext:           dialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if err := http2.ConfigureTransport(rt); err != nil {
		return nil, fmt.Errorf("failed to configure HTTP/2: %w", err)
	}
	return &Connector{kind: kind, dialer: dialer, rt: rt}, nil
}

// Kind returns the route this connector takes.
func (c *Connector) Kind() Kind {
	return c.kind
}

// Dialer returns the dialer behind the connector.
func (c *Connector) Dialer() transport.StreamDialer {
	return c.dialer
}

// RoundTrip implements [http.RoundTripper] over the connector's route.
func (c *Connector) RoundTrip(req *http.Request) (*http.Response, error) {
	return c.rt.RoundTrip(req)
}

// CloseIdleConnections closes pooled connections that are not in use.
func (c *Connector) CloseIdleConnections() {
	c.rt.CloseIdleConnections()
}

func (c *Connector) String() string {
	return c.kind.String()
}
