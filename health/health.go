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

// Package health probes upstream proxies.
//
// A [Checker] runs two phases against a proxy: a raw TCP connect to the proxy endpoint,
// then an HTTP GET of a test URL tunneled through the proxy. The result is a [State]; failures
// never surface as errors to the caller, they are recorded in [State.Err] as a
// [*ProxyUnreachableError].
package health

import (
	"fmt"
	"strings"
	"time"
)

// Status is the observed health of a proxy.
type Status int

const (
	// StatusUnknown means no probe has completed yet.
	StatusUnknown Status = iota
	StatusAlive
	StatusDead
)

func (s Status) String() string {
	switch s {
	case StatusAlive:
		return "alive"
	case StatusDead:
		return "dead"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// State is the result of a probe.
type State struct {
	Status Status
	// CheckedAt is when the probe completed. Zero for StatusUnknown.
	CheckedAt time.Time
	// Err explains a StatusDead result.
	Err error
}

// Alive reports whether the proxy passed its last probe.
func (s State) Alive() bool {
	return s.Status == StatusAlive
}

// Mode selects when a proxy is probed.
type Mode int

const (
	// ModeCachedTTL probes on first use and again once the last result is older than a TTL.
	ModeCachedTTL Mode = iota
	// ModeOnceAtStartup probes once and keeps the result for the lifetime of the session.
	ModeOnceAtStartup
	// ModePerRequest probes before every proxied request.
	ModePerRequest
)

func (m Mode) String() string {
	switch m {
	case ModeOnceAtStartup:
		return "once-at-startup"
	case ModePerRequest:
		return "per-request"
	case ModeCachedTTL:
		return "cached-ttl"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses the names returned by [Mode.String]. Underscores and case are ignored.
func ParseMode(s string) (Mode, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-") {
	case "cached-ttl", "ttl":
		return ModeCachedTTL, nil
	case "once-at-startup", "once":
		return ModeOnceAtStartup, nil
	case "per-request":
		return ModePerRequest, nil
	default:
		return ModeCachedTTL, fmt.Errorf("invalid health check mode %q", s)
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (m *Mode) UnmarshalText(text []byte) error {
	mode, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}
