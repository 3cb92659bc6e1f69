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

package proxyconfig

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/Jigsaw-Code/proxysession/transport"
	"github.com/Jigsaw-Code/proxysession/transport/httpconnect"
	"github.com/Jigsaw-Code/proxysession/transport/socks4"
	"github.com/Jigsaw-Code/proxysession/transport/socks5"
	"github.com/Jigsaw-Code/proxysession/transport/tls"
)

// BuildFunc creates a dialer that reaches targets through the proxy in cfg. The base dialer
// connects to the proxy itself.
type BuildFunc func(cfg *Config, base transport.StreamDialer) (transport.StreamDialer, error)

// Registry maps URL schemes to [BuildFunc]s. The zero value is an empty registry.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]BuildFunc
}

// NewDefaultRegistry creates a [Registry] with builders for all the schemes [Parse] accepts.
// The TLS options apply to https proxies.
func NewDefaultRegistry(tlsOpts ...tls.Option) *Registry {
	r := new(Registry)
	// Please keep the list in alphabetical order.
	r.RegisterType("http", newHTTPStreamDialer)
	r.RegisterType("https", NewHTTPSBuilder(tlsOpts...))
	r.RegisterType("socks4", newSOCKS4StreamDialer)
	r.RegisterType("socks4a", newSOCKS4AStreamDialer)
	r.RegisterType("socks5", newSOCKS5StreamDialer)
	r.RegisterType("socks5h", newSOCKS5HStreamDialer)
	return r
}

// RegisterType registers the builder for a URL scheme.
func (r *Registry) RegisterType(scheme string, build BuildFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.builders == nil {
		r.builders = make(map[string]BuildFunc)
	}
	if _, found := r.builders[scheme]; found {
		return fmt.Errorf("type %v registered twice", scheme)
	}
	r.builders[scheme] = build
	return nil
}

// NewStreamDialer creates the proxy dialer for cfg, using base to reach the proxy.
func (r *Registry) NewStreamDialer(cfg *Config, base transport.StreamDialer) (transport.StreamDialer, error) {
	if cfg == nil {
		return nil, errors.New("proxy config is nil")
	}
	if base == nil {
		base = &transport.TCPDialer{}
	}
	r.mu.RLock()
	build, ok := r.builders[cfg.URL.Scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("config type '%v' is not registered", cfg.URL.Scheme)
	}
	return build(cfg, base)
}

var defaultRegistry = NewDefaultRegistry()

// NewStreamDialer creates the proxy dialer for cfg with the default [Registry].
func NewStreamDialer(cfg *Config, base transport.StreamDialer) (transport.StreamDialer, error) {
	return defaultRegistry.NewStreamDialer(cfg, base)
}

func proxyEndpoint(cfg *Config, base transport.StreamDialer) transport.StreamEndpoint {
	return &transport.StreamDialerEndpoint{Dialer: base, Address: cfg.Address()}
}

func connectOptions(cfg *Config) []httpconnect.ClientOption {
	if !cfg.HasCredentials() {
		return nil
	}
	return []httpconnect.ClientOption{httpconnect.WithBasicAuth(cfg.Username, cfg.Password)}
}

func newHTTPStreamDialer(cfg *Config, base transport.StreamDialer) (transport.StreamDialer, error) {
	return httpconnect.NewConnectClient(proxyEndpoint(cfg, base), connectOptions(cfg)...)
}

// NewHTTPSBuilder returns a [BuildFunc] for CONNECT proxies reached over TLS. The proxy host
// is sent as SNI, and the options control certificate validation.
func NewHTTPSBuilder(opts ...tls.Option) BuildFunc {
	return func(cfg *Config, base transport.StreamDialer) (transport.StreamDialer, error) {
		tlsDialer, err := tls.NewStreamDialer(base, opts...)
		if err != nil {
			return nil, err
		}
		return httpconnect.NewConnectClient(proxyEndpoint(cfg, tlsDialer), connectOptions(cfg)...)
	}
}

func newSOCKS4StreamDialer(cfg *Config, base transport.StreamDialer) (transport.StreamDialer, error) {
	return socks4.NewStreamDialer(proxyEndpoint(cfg, base), socks4.WithUserID(cfg.Username))
}

func newSOCKS4AStreamDialer(cfg *Config, base transport.StreamDialer) (transport.StreamDialer, error) {
	return socks4.NewStreamDialer(proxyEndpoint(cfg, base), socks4.WithUserID(cfg.Username), socks4.WithRemoteResolution())
}

// newSOCKS5StreamDialer resolves destination names locally, like socks4.
func newSOCKS5StreamDialer(cfg *Config, base transport.StreamDialer) (transport.StreamDialer, error) {
	return newSOCKS5Dialer(cfg, base, socks5.WithLocalResolution(net.DefaultResolver))
}

// newSOCKS5HStreamDialer leaves name resolution to the proxy.
func newSOCKS5HStreamDialer(cfg *Config, base transport.StreamDialer) (transport.StreamDialer, error) {
	return newSOCKS5Dialer(cfg, base)
}

func newSOCKS5Dialer(cfg *Config, base transport.StreamDialer, opts ...socks5.Option) (*socks5.StreamDialer, error) {
	dialer, err := socks5.NewStreamDialer(proxyEndpoint(cfg, base), opts...)
	if err != nil {
		return nil, err
	}
	if cfg.HasCredentials() {
		if err := dialer.SetCredentials([]byte(cfg.Username), []byte(cfg.Password)); err != nil {
			return nil, err
		}
	}
	return dialer, nil
}
