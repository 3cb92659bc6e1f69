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
	"net/url"
	"strconv"
	"strings"
)

const redactedPlaceholder = "REDACTED"

// Scheme is the canonical protocol used to talk to a proxy.
type Scheme string

const (
	SchemeHTTP   Scheme = "http"
	SchemeHTTPS  Scheme = "https"
	SchemeSOCKS4 Scheme = "socks4"
	SchemeSOCKS5 Scheme = "socks5"
)

// canonicalSchemes maps accepted URL schemes to their protocol.
var canonicalSchemes = map[string]Scheme{
	"http":    SchemeHTTP,
	"https":   SchemeHTTPS,
	"socks4":  SchemeSOCKS4,
	"socks4a": SchemeSOCKS4,
	"socks5":  SchemeSOCKS5,
	"socks5h": SchemeSOCKS5,
}

// Config is a validated proxy URL. It must not be modified after [Parse] returns it.
type Config struct {
	// URL is the parsed proxy URL, with the scheme lower-cased.
	URL *url.URL
	// Scheme is the canonical protocol. Aliases such as socks5h map to their base protocol.
	Scheme Scheme
	// Host is the proxy host name or IP, without brackets.
	Host string
	// Port is the proxy port, always a number in [1, 65535].
	Port     string
	Username string
	Password string
}

// Address returns the host:port of the proxy endpoint.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// HasCredentials reports whether the URL carries a user name.
func (c *Config) HasCredentials() bool {
	return c.Username != ""
}

// Redacted returns the URL with the password replaced, suitable for logs.
func (c *Config) Redacted() string {
	if c == nil || c.URL == nil {
		return ""
	}
	u := *c.URL
	if _, hasPassword := u.User.Password(); hasPassword {
		u.User = url.UserPassword(u.User.Username(), redactedPlaceholder)
	}
	return u.String()
}

// String implements [fmt.Stringer]. It never reveals the password.
func (c *Config) String() string {
	return c.Redacted()
}

// ConfigError is returned when a proxy URL cannot be used.
type ConfigError struct {
	// Input is the offending URL, with any user info redacted.
	Input string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid proxy URL %q: %v", e.Input, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var (
	ErrUnsupportedScheme = errors.New("unsupported proxy scheme")
	ErrMissingHost       = errors.New("missing proxy host")
	ErrInvalidPort       = errors.New("missing or invalid proxy port")
)

// Parse validates a proxy URL. An empty or blank string returns (nil, nil), meaning no proxy.
// Failures are of type [*ConfigError].
func Parse(rawURL string) (*Config, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, nil
	}
	newErr := func(err error) error {
		return &ConfigError{Input: redactInput(rawURL), Err: err}
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		// url.Error echoes the input, which may hold a password.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return nil, newErr(err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	scheme, ok := canonicalSchemes[u.Scheme]
	if !ok {
		return nil, newErr(fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme))
	}
	host := u.Hostname()
	if host == "" {
		return nil, newErr(ErrMissingHost)
	}
	port := u.Port()
	if n, err := strconv.ParseUint(port, 10, 16); err != nil || n == 0 {
		return nil, newErr(fmt.Errorf("%w: %q", ErrInvalidPort, port))
	}
	if u.Path != "" && u.Path != "/" {
		return nil, newErr(fmt.Errorf("unexpected path %q", u.Path))
	}
	cfg := &Config{URL: u, Scheme: scheme, Host: host, Port: port}
	if u.User != nil {
		cfg.Username = u.User.Username()
		cfg.Password, _ = u.User.Password()
	}
	return cfg, nil
}

// redactInput hides the user info of a URL that may not parse.
func redactInput(rawURL string) string {
	start := strings.Index(rawURL, "://")
	if start < 0 {
		start = 0
	} else {
		start += len("://")
	}
	rest := rawURL[start:]
	if end := strings.IndexAny(rest, "/?#"); end >= 0 {
		rest = rest[:end]
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return rawURL
	}
	return rawURL[:start] + redactedPlaceholder + rawURL[start+at:]
}
