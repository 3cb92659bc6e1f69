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

// Package session provides an HTTP client that routes every request either through an
// upstream proxy or directly.
//
// A [Session] classifies the destination of each request, consults the proxy health, and
// hands the request to the chosen connector. Local destinations bypass the proxy, and a dead
// proxy never makes a request fail: it falls back to a direct connection.
//
//	s, err := session.New(session.Config{ProxyURL: "socks5://127.0.0.1:9050"})
//	if err != nil { ... }
//	defer s.Close()
//	s.Init(ctx)
//	resp, err := s.Request(ctx, http.MethodGet, "https://example.com/", nil)
package session

import (
	"net/netip"
	"time"

	"github.com/Jigsaw-Code/proxysession/health"
	"github.com/Jigsaw-Code/proxysession/locality"
)

// Config is the immutable configuration of a [Session]. The zero value of every field selects
// its default, so Config{} is a session without a proxy that bypasses local destinations.
type Config struct {
	// ProxyURL is the upstream proxy. Empty disables proxying.
	ProxyURL string `yaml:"proxy_url"`
	// DisableLocalBypass sends requests to local destinations through the proxy too.
	// Configuration files set it through the bypass_local key.
	DisableLocalBypass bool `yaml:"-"`
	// HealthCheckMode selects when the proxy is probed.
	HealthCheckMode health.Mode `yaml:"health_check_mode"`
	// HealthCheckTestURL is fetched through the proxy to prove it works.
	HealthCheckTestURL string `yaml:"health_check_test_url"`
	// ConnectTimeout bounds TCP connects, both to the proxy and direct.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// HealthCheckTimeout bounds a whole probe.
	HealthCheckTimeout time.Duration `yaml:"health_check_timeout"`
	// ResolveTimeout bounds the DNS lookup of the locality check.
	ResolveTimeout time.Duration `yaml:"resolve_timeout"`
	// CacheTTL is how long a probe result is trusted in cached-ttl mode.
	CacheTTL time.Duration `yaml:"cache_ttl"`
	// UnknownLocality says how unresolvable destinations are treated.
	UnknownLocality locality.Policy `yaml:"unknown_locality"`
	// LocalNetworks are extra networks treated as local, besides the private and loopback ranges.
	LocalNetworks []netip.Prefix `yaml:"local_networks"`
	// ProxyCAFile is a PEM file with the roots trusted for an https proxy. Empty means the
	// system roots.
	ProxyCAFile string `yaml:"proxy_ca_file"`
	// ProxyCertificateName is the name the certificate of an https proxy must be valid for.
	// Empty means the proxy host.
	ProxyCertificateName string `yaml:"proxy_certificate_name"`
	// StrictProxyConfig makes an invalid ProxyURL fail [New] instead of disabling proxying.
	StrictProxyConfig bool `yaml:"strict_proxy_config"`
}

// DefaultConfig returns the recommended configuration, without a proxy.
func DefaultConfig() Config {
	return Config{
		HealthCheckMode:    health.ModeCachedTTL,
		HealthCheckTestURL: health.DefaultTestURL,
		ConnectTimeout:     health.DefaultConnectTimeout,
		HealthCheckTimeout: health.DefaultTimeout,
		ResolveTimeout:     locality.DefaultTimeout,
		CacheTTL:           30 * time.Second,
		UnknownLocality:    locality.UnknownAsRemote,
	}
}
