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

package session

import (
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/Jigsaw-Code/proxysession/connector"
	"github.com/Jigsaw-Code/proxysession/health"
	"github.com/Jigsaw-Code/proxysession/locality"
	"github.com/Jigsaw-Code/proxysession/proxyconfig"
	"github.com/Jigsaw-Code/proxysession/report"
	"github.com/Jigsaw-Code/proxysession/router"
	"github.com/Jigsaw-Code/proxysession/transport"
	"github.com/Jigsaw-Code/proxysession/transport/tls"
)

// Executor sends a request over the connector chosen for it.
type Executor interface {
	Execute(req *http.Request, c *connector.Connector) (*http.Response, error)
}

// ConnectorExecutor is the default [Executor]. It uses the connector's own HTTP transport.
type ConnectorExecutor struct{}

// Execute implements [Executor].
func (ConnectorExecutor) Execute(req *http.Request, c *connector.Connector) (*http.Response, error) {
	return c.RoundTrip(req)
}

type options struct {
	logger       *slog.Logger
	collector    report.Collector
	resolver     locality.Resolver
	executor     Executor
	checker      connector.Checker
	directDialer transport.StreamDialer
}

// Option customizes a [Session] beyond its [Config].
type Option func(o *options)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithCollector receives a [router.Event] for every routed request.
func WithCollector(collector report.Collector) Option {
	return func(o *options) {
		o.collector = collector
	}
}

// WithResolver sets the resolver of the locality check.
func WithResolver(resolver locality.Resolver) Option {
	return func(o *options) {
		o.resolver = resolver
	}
}

// WithExecutor replaces how requests are sent once routed.
func WithExecutor(executor Executor) Option {
	return func(o *options) {
		o.executor = executor
	}
}

// WithChecker replaces the proxy health checker.
func WithChecker(checker connector.Checker) Option {
	return func(o *options) {
		o.checker = checker
	}
}

// WithDirectDialer sets the dialer for direct connections and for reaching the proxy.
func WithDirectDialer(dialer transport.StreamDialer) Option {
	return func(o *options) {
		o.directDialer = dialer
	}
}

// Session is an HTTP client with per-request proxy routing. It is safe for concurrent use.
type Session struct {
	cfg       Config
	configErr error
	registry  *connector.Registry
	router    *router.Router
	executor  Executor
	logger    *slog.Logger
	client    *http.Client
}

var _ http.RoundTripper = (*Session)(nil)

// New creates a [Session]. An invalid proxy URL is an error only with
// [Config.StrictProxyConfig]; otherwise it is logged, proxying is disabled and
// [Session.ConfigErr] reports it.
func New(cfg Config, opts ...Option) (*Session, error) {
	o := options{logger: slog.Default(), executor: ConnectorExecutor{}}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Session{cfg: cfg, executor: o.executor, logger: o.logger}

	proxyCfg, err := proxyconfig.Parse(cfg.ProxyURL)
	var tlsOpts []tls.Option
	if err == nil && proxyCfg != nil {
		tlsOpts, err = proxyTLSOptions(cfg)
		if err != nil {
			err = &proxyconfig.ConfigError{Input: proxyCfg.Redacted(), Err: err}
		}
	}
	if err != nil {
		if cfg.StrictProxyConfig {
			return nil, err
		}
		o.logger.Error("invalid proxy configuration, proxying disabled", "error", err)
		s.configErr = err
		proxyCfg = nil
	}
	dialers := proxyconfig.NewDefaultRegistry(tlsOpts...)

	if o.directDialer == nil {
		o.directDialer = &transport.TCPDialer{Dialer: net.Dialer{Timeout: cfg.ConnectTimeout}}
	}
	if o.checker == nil {
		o.checker = health.NewChecker(
			health.WithTestURL(cfg.HealthCheckTestURL),
			health.WithConnectTimeout(cfg.ConnectTimeout),
			health.WithTimeout(cfg.HealthCheckTimeout),
			health.WithBaseDialer(o.directDialer),
			health.WithProxyDialerFunc(dialers.NewStreamDialer),
			health.WithLogger(o.logger),
		)
	}
	s.registry, err = connector.NewRegistry(proxyCfg, o.checker,
		connector.WithMode(cfg.HealthCheckMode),
		connector.WithTTL(cfg.CacheTTL),
		connector.WithDirectDialer(o.directDialer),
		connector.WithProxyDialerFunc(dialers.NewStreamDialer),
		connector.WithLogger(o.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectors: %w", err)
	}

	classifierOpts := []locality.Option{
		locality.WithTimeout(cfg.ResolveTimeout),
		locality.WithUnknownPolicy(cfg.UnknownLocality),
		locality.WithLocalPrefixes(cfg.LocalNetworks...),
	}
	if o.resolver != nil {
		classifierOpts = append(classifierOpts, locality.WithResolver(o.resolver))
	}
	routerOpts := []router.Option{
		router.WithBypassLocal(!cfg.DisableLocalBypass),
		router.WithLogger(o.logger),
	}
	if o.collector != nil {
		routerOpts = append(routerOpts, router.WithCollector(o.collector))
	}
	s.router = router.New(locality.NewClassifier(classifierOpts...), s.registry, routerOpts...)
	s.client = &http.Client{Transport: s}

	if proxyCfg != nil {
		o.logger.Info("proxy configured", "proxy", proxyCfg.Redacted(), "mode", cfg.HealthCheckMode,
			"bypassLocal", !cfg.DisableLocalBypass)
	}
	return s, nil
}

// proxyTLSOptions returns how the certificate of an https proxy is validated.
func proxyTLSOptions(cfg Config) ([]tls.Option, error) {
	var opts []tls.Option
	if cfg.ProxyCAFile != "" {
		data, err := os.ReadFile(cfg.ProxyCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read proxy CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("no PEM certificates in proxy CA file %v", cfg.ProxyCAFile)
		}
		opts = append(opts, tls.WithRootCAs(pool))
	}
	if cfg.ProxyCertificateName != "" {
		opts = append(opts, tls.WithCertificateName(cfg.ProxyCertificateName))
	}
	return opts, nil
}

// ConfigErr returns the proxy configuration error that disabled proxying, if any.
func (s *Session) ConfigErr() error {
	return s.configErr
}

// Config returns the session configuration.
func (s *Session) Config() Config {
	return s.cfg
}

// ProxyConfig returns the parsed proxy, or nil when proxying is disabled.
func (s *Session) ProxyConfig() *proxyconfig.Config {
	return s.registry.ProxyConfig()
}

// Init probes the proxy once, so the first requests are routed on a known health. Failed
// probes are not errors; only a done ctx is.
func (s *Session) Init(ctx context.Context) error {
	if !s.registry.ProxyEnabled() {
		return nil
	}
	state := s.registry.Init(ctx)
	if err := context.Cause(ctx); err != nil {
		return err
	}
	if state.Alive() {
		s.logger.Info("proxy is alive", "proxy", s.registry.ProxyConfig().Redacted())
	} else {
		s.logger.Warn("proxy is not usable, requests will go direct",
			"proxy", s.registry.ProxyConfig().Redacted(), "error", state.Err)
	}
	return nil
}

// Health returns the proxy health, probing when the health check mode requires it.
func (s *Session) Health(ctx context.Context) health.State {
	return s.registry.Health(ctx)
}

// Refresh drops the cached proxy health and probes again.
func (s *Session) Refresh(ctx context.Context) health.State {
	return s.registry.Refresh(ctx)
}

// Route returns the routing decision for a request without sending it.
func (s *Session) Route(ctx context.Context, method, rawURL string) router.Decision {
	return s.router.Route(ctx, router.Request{Method: method, URL: rawURL})
}

// RoundTrip implements [http.RoundTripper]. Each call is routed on its own, so redirects
// followed by [Session.Client] may take different routes.
func (s *Session) RoundTrip(req *http.Request) (*http.Response, error) {
	decision := s.router.Route(req.Context(), router.Request{Method: req.Method, URL: req.URL.String()})
	return s.executor.Execute(req, decision.Connector)
}

// Client returns an [http.Client] that routes every request through the session.
func (s *Session) Client() *http.Client {
	return s.client
}

// Do sends req with the session client, following redirects.
func (s *Session) Do(req *http.Request) (*http.Response, error) {
	return s.client.Do(req)
}

// RequestOption adjusts a request made with [Session.Request].
type RequestOption func(req *http.Request)

// WithHeader sets a request header.
func WithHeader(key, value string) RequestOption {
	return func(req *http.Request) {
		req.Header.Set(key, value)
	}
}

// WithHeaders adds all the given headers.
func WithHeaders(headers http.Header) RequestOption {
	return func(req *http.Request) {
		for key, values := range headers {
			for _, value := range values {
				req.Header.Add(key, value)
			}
		}
	}
}

// Request builds and sends a request. The caller must close the response body.
func (s *Session) Request(ctx context.Context, method, rawURL string, body io.Reader, opts ...RequestOption) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for _, opt := range opts {
		opt(req)
	}
	return s.Do(req)
}

// Close stops event delivery and releases pooled connections. Requests in flight are not
// interrupted.
func (s *Session) Close() error {
	s.router.Close()
	return s.registry.Close()
}
