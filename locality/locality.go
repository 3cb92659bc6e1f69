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

// Package locality decides whether a request destination is on the local network.
//
// A destination is [Local] when every address its host resolves to is loopback, private
// (RFC 1918, RFC 4193), link-local, unspecified or inside an extra configured prefix. The
// names localhost and *.localhost are local without a DNS lookup. When resolution fails the
// result is [Unknown], and a [Policy] decides how callers should treat it.
package locality

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/idna"
)

// Result is the outcome of a classification.
type Result int

const (
	// Unknown means the host could not be resolved.
	Unknown Result = iota
	Local
	Remote
)

func (r Result) String() string {
	switch r {
	case Local:
		return "local"
	case Remote:
		return "remote"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (r Result) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Policy says how an [Unknown] result is treated.
type Policy int

const (
	// UnknownAsRemote treats unresolvable hosts as remote, so they go through the proxy.
	UnknownAsRemote Policy = iota
	// UnknownAsLocal treats unresolvable hosts as local, so they bypass the proxy.
	UnknownAsLocal
)

// Resolve maps [Unknown] according to the policy and returns other results unchanged.
func (p Policy) Resolve(r Result) Result {
	if r != Unknown {
		return r
	}
	if p == UnknownAsLocal {
		return Local
	}
	return Remote
}

func (p Policy) String() string {
	if p == UnknownAsLocal {
		return "local"
	}
	return "remote"
}

// ParsePolicy parses "local" or "remote".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "remote":
		return UnknownAsRemote, nil
	case "local":
		return UnknownAsLocal, nil
	default:
		return UnknownAsRemote, fmt.Errorf("invalid unknown-locality policy %q, want local or remote", s)
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (p *Policy) UnmarshalText(text []byte) error {
	policy, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = policy
	return nil
}

// Resolver looks up the addresses of a host. [*net.Resolver] implements it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// ResolutionError is returned along with [Unknown] when the host cannot be resolved.
type ResolutionError struct {
	Host string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("failed to resolve %q: %v", e.Host, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

const DefaultTimeout = 1 * time.Second

// Classifier labels destinations as [Local] or [Remote]. It is safe for concurrent use.
type Classifier struct {
	resolver      Resolver
	timeout       time.Duration
	policy        Policy
	localPrefixes []netip.Prefix
}

// Option configures a [Classifier].
type Option func(c *Classifier)

// WithResolver sets the resolver. Defaults to [net.DefaultResolver].
func WithResolver(resolver Resolver) Option {
	return func(c *Classifier) {
		c.resolver = resolver
	}
}

// WithTimeout bounds each lookup. Zero or negative values keep the default.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Classifier) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithUnknownPolicy sets the policy reported by [Classifier.Policy].
func WithUnknownPolicy(policy Policy) Option {
	return func(c *Classifier) {
		c.policy = policy
	}
}

// WithLocalPrefixes adds networks whose addresses count as local, such as a corporate range.
func WithLocalPrefixes(prefixes ...netip.Prefix) Option {
	return func(c *Classifier) {
		c.localPrefixes = append(c.localPrefixes, prefixes...)
	}
}

// NewClassifier creates a [Classifier].
func NewClassifier(opts ...Option) *Classifier {
	c := &Classifier{resolver: net.DefaultResolver, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns how callers should treat [Unknown] results.
func (c *Classifier) Policy() Policy {
	return c.policy
}

// Classify classifies the host of rawURL. See [Classifier.ClassifyHost].
func (c *Classifier) Classify(ctx context.Context, rawURL string) (Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return Unknown, fmt.Errorf("invalid URL: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return Unknown, errors.New("URL has no host")
	}
	return c.ClassifyHost(ctx, host)
}

// ClassifyHost classifies a host name or IP literal. The error is informational: it is a
// [*ResolutionError] when the result is [Unknown] because of a lookup failure.
func (c *Classifier) ClassifyHost(ctx context.Context, host string) (Result, error) {
	host = strings.TrimSuffix(strings.Trim(host, "[]"), ".")
	if addr, err := netip.ParseAddr(host); err == nil {
		return c.classifyAddrs([]netip.Addr{addr}), nil
	}
	name, err := idna.Lookup.ToASCII(host)
	if err != nil {
		// Names such as my_host fail STD3 rules but may still resolve.
		name = strings.ToLower(host)
	}
	if name == "localhost" || strings.HasSuffix(name, ".localhost") {
		return Local, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	addrs, err := c.resolver.LookupNetIP(ctx, "ip", name)
	if err != nil {
		return Unknown, &ResolutionError{Host: name, Err: err}
	}
	if len(addrs) == 0 {
		return Unknown, &ResolutionError{Host: name, Err: errors.New("no addresses")}
	}
	return c.classifyAddrs(addrs), nil
}

func (c *Classifier) classifyAddrs(addrs []netip.Addr) Result {
	for _, addr := range addrs {
		if !c.isLocal(addr) {
			return Remote
		}
	}
	return Local
}

func (c *Classifier) isLocal(addr netip.Addr) bool {
	addr = addr.Unmap().WithZone("")
	if IsLocalAddr(addr) {
		return true
	}
	for _, prefix := range c.localPrefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// IsLocalAddr reports whether addr is loopback, private, link-local or unspecified.
func IsLocalAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsUnspecified()
}
