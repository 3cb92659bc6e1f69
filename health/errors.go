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
	"errors"
	"fmt"
	"syscall"
)

var (
	// ErrHealthCheckTimeout is wrapped by failures caused by a probe timeout.
	ErrHealthCheckTimeout = errors.New("health check timed out")
	// ErrProxyAuthFailed is wrapped by failures where the proxy rejected the credentials.
	ErrProxyAuthFailed = errors.New("proxy authentication failed")
)

// Probe phases.
const (
	OpResolve = "resolve"
	OpConnect = "connect"
	OpProbe   = "probe"
)

// ProxyUnreachableError captures why a proxy failed its health check.
type ProxyUnreachableError struct {
	// Which phase failed: "resolve", "connect" or "probe"
	Op string
	// The POSIX error, when available
	PosixError string
	// The error observed for the phase
	Err error
}

var _ error = (*ProxyUnreachableError)(nil)

func (err *ProxyUnreachableError) Error() string {
	if err.PosixError != "" {
		return fmt.Sprintf("%v: %v (%v)", err.Op, err.Err, err.PosixError)
	}
	return fmt.Sprintf("%v: %v", err.Op, err.Err)
}

func (err *ProxyUnreachableError) Unwrap() error {
	return err.Err
}

func isTimeout(err error) bool {
	var timeErr interface{ Timeout() bool }
	return errors.As(err, &timeErr) && timeErr.Timeout()
}

func newUnreachableError(op string, err error) *ProxyUnreachableError {
	var code string
	var errno syscall.Errno
	if errors.As(err, &errno) {
		code = systemErrnoName(errno)
	} else if isTimeout(err) {
		code = "ETIMEDOUT"
	}
	if isTimeout(err) && !errors.Is(err, ErrHealthCheckTimeout) {
		err = fmt.Errorf("%w: %w", ErrHealthCheckTimeout, err)
	}
	return &ProxyUnreachableError{Op: op, PosixError: code, Err: err}
}
