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
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Jigsaw-Code/proxysession/internal/proxytest"
	"github.com/Jigsaw-Code/proxysession/proxyconfig"
	"github.com/Jigsaw-Code/proxysession/transport"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, rawURL string) *proxyconfig.Config {
	t.Helper()
	cfg, err := proxyconfig.Parse(rawURL)
	require.NoError(t, err)
	return cfg
}

// newTestTarget starts an HTTP server that answers with the given status and counts hits.
func newTestTarget(t *testing.T, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if status >= 300 && status < 400 {
			w.Header().Set("Location", "http://127.0.0.1:1/elsewhere")
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server, &hits
}

func requireUnreachable(t *testing.T, state State, op string) *ProxyUnreachableError {
	t.Helper()
	require.Equal(t, StatusDead, state.Status)
	require.False(t, state.Alive())
	var unreachableErr *ProxyUnreachableError
	require.ErrorAs(t, state.Err, &unreachableErr)
	require.Equal(t, op, unreachableErr.Op)
	return unreachableErr
}

func TestCheckAliveSOCKS5(t *testing.T) {
	target, hits := newTestTarget(t, http.StatusNoContent)
	proxy := proxytest.NewSOCKS5Proxy(t, "user", "pass")
	checker := NewChecker(WithTestURL(target.URL))

	before := time.Now()
	state := checker.Check(context.Background(), mustParse(t, "socks5://user:pass@"+proxy.Addr))
	require.Equal(t, StatusAlive, state.Status)
	require.True(t, state.Alive())
	require.NoError(t, state.Err)
	require.False(t, state.CheckedAt.Before(before))
	require.Equal(t, int32(1), hits.Load())
	require.Equal(t, int64(1), proxy.Tunnels.Load())
}

func TestCheckAliveHTTPConnect(t *testing.T) {
	target, hits := newTestTarget(t, http.StatusOK)
	proxy := proxytest.NewConnectProxy(t, "", "")
	checker := NewChecker(WithTestURL(target.URL))

	state := checker.Check(context.Background(), mustParse(t, "http://"+proxy.Addr))
	require.Equal(t, StatusAlive, state.Status)
	require.Equal(t, int32(1), hits.Load())
}

func TestCheckRedirectNotFollowed(t *testing.T) {
	target, hits := newTestTarget(t, http.StatusFound)
	proxy := proxytest.NewSOCKS5Proxy(t, "", "")
	checker := NewChecker(WithTestURL(target.URL))

	state := checker.Check(context.Background(), mustParse(t, "socks5://"+proxy.Addr))
	require.Equal(t, StatusAlive, state.Status)
	require.Equal(t, int32(1), hits.Load())
}

func TestCheckRefused(t *testing.T) {
	checker := NewChecker(WithTestURL("http://127.0.0.1:1/"))
	state := checker.Check(context.Background(), mustParse(t, "socks5://"+proxytest.RefusedAddr(t)))
	unreachableErr := requireUnreachable(t, state, OpConnect)
	require.Equal(t, "ECONNREFUSED", unreachableErr.PosixError)
	require.False(t, errors.Is(state.Err, ErrHealthCheckTimeout))
}

func TestCheckResolveFailure(t *testing.T) {
	dnsErr := &net.DNSError{Err: "no such host", Name: "proxy.invalid", IsNotFound: true}
	base := transport.FuncStreamDialer(func(ctx context.Context, addr string) (transport.StreamConn, error) {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: dnsErr}
	})
	checker := NewChecker(WithBaseDialer(base))
	state := checker.Check(context.Background(), mustParse(t, "http://proxy.invalid:8080"))
	requireUnreachable(t, state, OpResolve)
	require.ErrorIs(t, state.Err, dnsErr)
}

func TestCheckBadStatus(t *testing.T) {
	target, _ := newTestTarget(t, http.StatusInternalServerError)
	proxy := proxytest.NewSOCKS5Proxy(t, "", "")
	checker := NewChecker(WithTestURL(target.URL))

	state := checker.Check(context.Background(), mustParse(t, "socks5://"+proxy.Addr))
	requireUnreachable(t, state, OpProbe)
	require.ErrorContains(t, state.Err, "500")
}

func TestCheckProxyAuthFailed(t *testing.T) {
	target, hits := newTestTarget(t, http.StatusNoContent)
	proxy := proxytest.NewConnectProxy(t, "user", "pass")
	checker := NewChecker(WithTestURL(target.URL))

	state := checker.Check(context.Background(), mustParse(t, "http://user:wrong@"+proxy.Addr))
	requireUnreachable(t, state, OpProbe)
	require.ErrorIs(t, state.Err, ErrProxyAuthFailed)
	require.Zero(t, hits.Load())
}

func TestCheckTargetAnswers407(t *testing.T) {
	target, _ := newTestTarget(t, http.StatusProxyAuthRequired)
	proxy := proxytest.NewSOCKS5Proxy(t, "", "")
	checker := NewChecker(WithTestURL(target.URL))

	state := checker.Check(context.Background(), mustParse(t, "socks5://"+proxy.Addr))
	requireUnreachable(t, state, OpProbe)
	require.ErrorIs(t, state.Err, ErrProxyAuthFailed)
}

// newSilentProxy accepts connections and never answers.
func newSilentProxy(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
	go func() {
		var conns []net.Conn
		defer func() {
			for _, conn := range conns {
				conn.Close()
			}
		}()
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conns = append(conns, conn)
		}
	}()
	return listener.Addr().String()
}

func TestCheckTimeout(t *testing.T) {
	checker := NewChecker(WithTestURL("http://127.0.0.1:1/"), WithTimeout(100*time.Millisecond))
	start := time.Now()
	state := checker.Check(context.Background(), mustParse(t, "socks5://"+newSilentProxy(t)))
	require.Less(t, time.Since(start), 3*time.Second)
	unreachableErr := requireUnreachable(t, state, OpProbe)
	require.ErrorIs(t, state.Err, ErrHealthCheckTimeout)
	require.Equal(t, "ETIMEDOUT", unreachableErr.PosixError)
}

func TestCheckProxyDialerError(t *testing.T) {
	checker := NewChecker(WithProxyDialerFunc(func(*proxyconfig.Config, transport.StreamDialer) (transport.StreamDialer, error) {
		return nil, errors.New("boom")
	}))
	state := checker.Check(context.Background(), mustParse(t, "socks5://"+newSilentProxy(t)))
	requireUnreachable(t, state, OpProbe)
	require.ErrorContains(t, state.Err, "boom")
}

func TestCheckNilConfig(t *testing.T) {
	state := NewChecker().Check(context.Background(), nil)
	require.Equal(t, StatusDead, state.Status)
	require.Error(t, state.Err)
}

func TestNewCheckerDefaults(t *testing.T) {
	checker := NewChecker(WithTestURL(""), WithTimeout(0), WithConnectTimeout(-1))
	require.Equal(t, DefaultTestURL, checker.TestURL())
	require.Equal(t, DefaultTimeout, checker.timeout)
	require.Equal(t, DefaultConnectTimeout, checker.connectTimeout)
}
