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

package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Jigsaw-Code/proxysession/proxyconfig"
	"github.com/Jigsaw-Code/proxysession/transport"
	"github.com/Jigsaw-Code/proxysession/transport/httpconnect"
)

const (
	DefaultTestURL        = "http://connectivitycheck.gstatic.com/generate_204"
	DefaultConnectTimeout = 2 * time.Second
	DefaultTimeout        = 5 * time.Second
)

// ProxyDialerFunc builds the dialer that tunnels through the proxy in cfg.
type ProxyDialerFunc func(cfg *proxyconfig.Config, base transport.StreamDialer) (transport.StreamDialer, error)

// Checker probes proxies. It keeps no state between calls and is safe for concurrent use.
type Checker struct {
	testURL        string
	connectTimeout time.Duration
	timeout        time.Duration
	baseDialer     transport.StreamDialer
	proxyDialer    ProxyDialerFunc
	logger         *slog.Logger
}

// Option configures a [Checker].
type Option func(c *Checker)

// WithTestURL sets the URL fetched through the proxy. It should answer quickly with a 2xx or 3xx.
func WithTestURL(testURL string) Option {
	return func(c *Checker) {
		if testURL != "" {
			c.testURL = testURL
		}
	}
}

// WithConnectTimeout bounds the TCP connect phase.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *Checker) {
		if timeout > 0 {
			c.connectTimeout = timeout
		}
	}
}

// WithTimeout bounds the whole probe, both phases included.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Checker) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithBaseDialer sets the dialer used to reach the proxy. Defaults to [transport.TCPDialer].
func WithBaseDialer(dialer transport.StreamDialer) Option {
	return func(c *Checker) {
		c.baseDialer = dialer
	}
}

// WithProxyDialerFunc sets how the tunneling dialer is built. Defaults to [proxyconfig.NewStreamDialer].
func WithProxyDialerFunc(f ProxyDialerFunc) Option {
	return func(c *Checker) {
		c.proxyDialer = f
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(c *Checker) {
		c.logger = logger
	}
}

// NewChecker creates a [Checker].
func NewChecker(opts ...Option) *Checker {
	c := &Checker{
		testURL:        DefaultTestURL,
		connectTimeout: DefaultConnectTimeout,
		timeout:        DefaultTimeout,
		baseDialer:     &transport.TCPDialer{},
		proxyDialer:    proxyconfig.NewStreamDialer,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TestURL returns the URL fetched through the proxy.
func (c *Checker) TestURL() string {
	return c.testURL
}

// Check probes the proxy in cfg. The returned state is either StatusAlive or StatusDead.
func (c *Checker) Check(ctx context.Context, cfg *proxyconfig.Config) State {
	if cfg == nil {
		return State{Status: StatusDead, CheckedAt: time.Now(), Err: errors.New("no proxy configured")}
	}
	start := time.Now()
	err := c.check(ctx, cfg)
	state := State{Status: StatusAlive, CheckedAt: time.Now(), Err: err}
	if err != nil {
		state.Status = StatusDead
	}
	c.logger.Debug("proxy health check", "proxy", cfg.Redacted(), "status", state.Status,
		"duration", time.Since(start), "error", err)
	return state
}

func (c *Checker) check(ctx context.Context, cfg *proxyconfig.Config) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.checkConnect(ctx, cfg); err != nil {
		return err
	}
	return c.checkProbe(ctx, cfg)
}

// checkConnect verifies the proxy accepts TCP connections.
func (c *Checker) checkConnect(ctx context.Context, cfg *proxyconfig.Config) error {
	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()
	conn, err := c.baseDialer.DialStream(ctx, cfg.Address())
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return newUnreachableError(OpResolve, err)
		}
		return newUnreachableError(OpConnect, err)
	}
	conn.Close()
	return nil
}

// checkProbe fetches the test URL through the proxy.
func (c *Checker) checkProbe(ctx context.Context, cfg *proxyconfig.Config) error {
	dialer, err := c.proxyDialer(cfg, c.baseDialer)
	if err != nil {
		return newUnreachableError(OpProbe, fmt.Errorf("failed to create proxy dialer: %w", err))
	}
	dialContext := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !strings.HasPrefix(network, "tcp") {
			return nil, fmt.Errorf("protocol not supported: %v", network)
		}
		return dialer.DialStream(ctx, addr)
	}
	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext:       dialContext,
			DisableKeepAlives: true,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.testURL, nil)
	if err != nil {
		return newUnreachableError(OpProbe, fmt.Errorf("invalid test URL: %w", err))
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		var statusErr *httpconnect.StatusError
		if errors.As(err, &statusErr) && statusErr.IsAuthError() {
			err = fmt.Errorf("%w: %w", ErrProxyAuthFailed, err)
		}
		return newUnreachableError(OpProbe, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusProxyAuthRequired:
		return newUnreachableError(OpProbe, fmt.Errorf("%w: %v", ErrProxyAuthFailed, resp.Status))
	case resp.StatusCode < 200 || resp.StatusCode >= 400:
		return newUnreachableError(OpProbe, fmt.Errorf("unexpected status %v", resp.Status))
	}
	return nil
}
