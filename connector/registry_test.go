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
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Jigsaw-Code/proxysession/health"
	"github.com/Jigsaw-Code/proxysession/internal/proxytest"
	"github.com/Jigsaw-Code/proxysession/proxyconfig"
	"github.com/Jigsaw-Code/proxysession/transport"
	"github.com/stretchr/testify/require"
)

type fakeChecker struct {
	status   atomic.Int32
	calls    atomic.Int32
	canceled atomic.Int32
	// If not nil, Check blocks until it is closed or the context is done.
	release chan struct{}
}

func newFakeChecker(status health.Status) *fakeChecker {
	c := &fakeChecker{}
	c.status.Store(int32(status))
	return c
}

func (c *fakeChecker) Check(ctx context.Context, cfg *proxyconfig.Config) health.State {
	c.calls.Add(1)
	if c.release != nil {
		select {
		case <-c.release:
		case <-ctx.Done():
			c.canceled.Add(1)
			return health.State{Status: health.StatusDead, Err: ctx.Err()}
		}
	}
	status := health.Status(c.status.Load())
	state := health.State{Status: status, CheckedAt: time.Now()}
	if status == health.StatusDead {
		state.Err = errors.New("proxy is down")
	}
	return state
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func mustParse(t *testing.T, rawURL string) *proxyconfig.Config {
	t.Helper()
	cfg, err := proxyconfig.Parse(rawURL)
	require.NoError(t, err)
	return cfg
}

func countingDialerFunc(builds *atomic.Int32) health.ProxyDialerFunc {
	return func(cfg *proxyconfig.Config, base transport.StreamDialer) (transport.StreamDialer, error) {
		builds.Add(1)
		return proxyconfig.NewStreamDialer(cfg, base)
	}
}

// waitForWaiters blocks until n callers share the in-flight probe.
func waitForWaiters(t *testing.T, r *Registry, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.probe != nil && r.probe.waiters == n
	}, 5*time.Second, time.Millisecond)
}

func TestProxyDisabled(t *testing.T) {
	r, err := NewRegistry(nil, nil)
	require.NoError(t, err)
	require.False(t, r.ProxyEnabled())
	require.Nil(t, r.ProxyConfig())
	require.NotNil(t, r.Direct())
	require.Equal(t, KindDirect, r.Direct().Kind())

	c, state, err := r.GetOrBuildProxy(context.Background())
	require.Nil(t, c)
	require.ErrorIs(t, err, ErrProxyDisabled)
	require.Equal(t, health.StatusUnknown, state.Status)

	state = r.Health(context.Background())
	require.ErrorIs(t, state.Err, ErrProxyDisabled)
	require.Equal(t, health.StatusUnknown, r.Init(context.Background()).Status)
	require.Equal(t, health.StatusUnknown, r.Refresh(context.Background()).Status)
}

func TestNewRegistryRequiresChecker(t *testing.T) {
	_, err := NewRegistry(mustParse(t, "socks5://127.0.0.1:9050"), nil)
	require.Error(t, err)
}

func TestCachedTTL(t *testing.T) {
	checker := newFakeChecker(health.StatusAlive)
	clock := &fakeClock{now: time.Unix(1000, 0)}
	r, err := NewRegistry(mustParse(t, "socks5://127.0.0.1:9050"), checker, WithTTL(30*time.Second), WithClock(clock.Now))
	require.NoError(t, err)
	require.Equal(t, health.ModeCachedTTL, r.Mode())

	state := r.Health(context.Background())
	require.Equal(t, health.StatusAlive, state.Status)
	require.Equal(t, clock.Now(), state.CheckedAt)
	require.Equal(t, int32(1), checker.calls.Load())

	// Within the window the decision is stable, even if the proxy went down.
	checker.status.Store(int32(health.StatusDead))
	clock.Advance(29 * time.Second)
	require.Equal(t, health.StatusAlive, r.Health(context.Background()).Status)
	require.Equal(t, int32(1), checker.calls.Load())

	clock.Advance(2 * time.Second)
	state = r.Health(context.Background())
	require.Equal(t, health.StatusDead, state.Status)
	require.Error(t, state.Err)
	require.Equal(t, int32(2), checker.calls.Load())
	require.Equal(t, health.StatusDead, r.State().Status)
}

func TestOnceAtStartup(t *testing.T) {
	checker := newFakeChecker(health.StatusAlive)
	clock := &fakeClock{now: time.Unix(1000, 0)}
	r, err := NewRegistry(mustParse(t, "socks5://127.0.0.1:9050"), checker, WithMode(health.ModeOnceAtStartup), WithClock(clock.Now))
	require.NoError(t, err)

	require.Equal(t, health.StatusAlive, r.Init(context.Background()).Status)
	checker.status.Store(int32(health.StatusDead))
	clock.Advance(24 * time.Hour)
	for i := 0; i < 3; i++ {
		require.Equal(t, health.StatusAlive, r.Health(context.Background()).Status)
	}
	require.Equal(t, int32(1), checker.calls.Load())

	require.Equal(t, health.StatusDead, r.Refresh(context.Background()).Status)
	require.Equal(t, int32(2), checker.calls.Load())
}

func TestRefreshKeepsStatusUntilChecked(t *testing.T) {
	checker := newFakeChecker(health.StatusAlive)
	clock := &fakeClock{now: time.Unix(1000, 0)}
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	r, err := NewRegistry(mustParse(t, "socks5://127.0.0.1:9050"), checker, WithClock(clock.Now), WithLogger(logger))
	require.NoError(t, err)

	require.Equal(t, health.StatusAlive, r.Init(context.Background()).Status)
	require.Equal(t, 1, strings.Count(logs.String(), "proxy health changed"))

	clock.Advance(time.Second)
	state := r.Refresh(context.Background())
	require.Equal(t, health.StatusAlive, state.Status)
	require.Equal(t, clock.Now(), state.CheckedAt)
	require.Equal(t, int32(2), checker.calls.Load())
	// Alive to alive is not a change.
	require.Equal(t, 1, strings.Count(logs.String(), "proxy health changed"))

	// The refreshed result is cached like any other.
	require.Equal(t, health.StatusAlive, r.Health(context.Background()).Status)
	require.Equal(t, int32(2), checker.calls.Load())
}

func TestRefreshCanceledChecksAgain(t *testing.T) {
	checker := newFakeChecker(health.StatusAlive)
	r, err := NewRegistry(mustParse(t, "socks5://127.0.0.1:9050"), checker)
	require.NoError(t, err)
	require.Equal(t, health.StatusAlive, r.Init(context.Background()).Status)

	checker.release = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Equal(t, health.StatusUnknown, r.Refresh(ctx).Status)
	require.Equal(t, health.StatusAlive, r.State().Status)

	close(checker.release)
	// The canceled check was not recorded, so the refresh is still pending.
	require.Equal(t, health.StatusAlive, r.Health(context.Background()).Status)
	require.Eventually(t, func() bool { return checker.calls.Load() == 3 }, time.Second, time.Millisecond)
}

func TestPerRequest(t *testing.T) {
	checker := newFakeChecker(health.StatusAlive)
	r, err := NewRegistry(mustParse(t, "socks5://127.0.0.1:9050"), checker, WithMode(health.ModePerRequest))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.Equal(t, health.StatusAlive, r.Health(context.Background()).Status)
	}
	require.Equal(t, int32(3), checker.calls.Load())
}

func TestConcurrentHealthSharesProbe(t *testing.T) {
	checker := newFakeChecker(health.StatusAlive)
	checker.release = make(chan struct{})
	r, err := NewRegistry(mustParse(t, "socks5://127.0.0.1:9050"), checker)
	require.NoError(t, err)

	const n = 50
	states := make(chan health.State, n)
	for i := 0; i < n; i++ {
		go func() {
			states <- r.Health(context.Background())
		}()
	}
	waitForWaiters(t, r, n)
	close(checker.release)
	for i := 0; i < n; i++ {
		require.Equal(t, health.StatusAlive, (<-states).Status)
	}
	require.Equal(t, int32(1), checker.calls.Load())
}

func TestConcurrentGetOrBuildProxy(t *testing.T) {
	checker := newFakeChecker(health.StatusAlive)
	checker.release = make(chan struct{})
	var builds atomic.Int32
	r, err := NewRegistry(mustParse(t, "socks5://127.0.0.1:9050"), checker, WithProxyDialerFunc(countingDialerFunc(&builds)))
	require.NoError(t, err)

	const n = 50
	connectors := make(chan *Connector, n)
	for i := 0; i < n; i++ {
		go func() {
			c, _, err := r.GetOrBuildProxy(context.Background())
			if err != nil {
				connectors <- nil
				return
			}
			connectors <- c
		}()
	}
	waitForWaiters(t, r, n)
	close(checker.release)

	first := <-connectors
	require.NotNil(t, first)
	require.Equal(t, KindProxy, first.Kind())
	for i := 1; i < n; i++ {
		require.Same(t, first, <-connectors)
	}
	require.Equal(t, int32(1), builds.Load())
	require.Equal(t, int32(1), checker.calls.Load())
}

func TestCanceledCallerStopsProbe(t *testing.T) {
	checker := newFakeChecker(health.StatusAlive)
	checker.release = make(chan struct{})
	defer close(checker.release)
	r, err := NewRegistry(mustParse(t, "socks5://127.0.0.1:9050"), checker)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan health.State, 1)
	go func() {
		result <- r.Health(ctx)
	}()
	waitForWaiters(t, r, 1)
	cancel()

	select {
	case state := <-result:
		require.Equal(t, health.StatusUnknown, state.Status)
		require.ErrorIs(t, state.Err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Health did not return after cancellation")
	}
	require.Eventually(t, func() bool { return checker.canceled.Load() == 1 }, 5*time.Second, time.Millisecond)
	// The abandoned probe must not poison the cache.
	require.Equal(t, health.StatusUnknown, r.State().Status)
}

func TestCanceledWaiterKeepsSharedProbe(t *testing.T) {
	checker := newFakeChecker(health.StatusAlive)
	checker.release = make(chan struct{})
	r, err := NewRegistry(mustParse(t, "socks5://127.0.0.1:9050"), checker)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	canceled := make(chan health.State, 1)
	kept := make(chan health.State, 1)
	go func() { canceled <- r.Health(ctx) }()
	waitForWaiters(t, r, 1)
	go func() { kept <- r.Health(context.Background()) }()
	waitForWaiters(t, r, 2)

	cancel()
	require.Equal(t, health.StatusUnknown, (<-canceled).Status)
	close(checker.release)
	require.Equal(t, health.StatusAlive, (<-kept).Status)
	require.Zero(t, checker.canceled.Load())
	require.Equal(t, int32(1), checker.calls.Load())
}

func TestGetOrBuildProxyDead(t *testing.T) {
	checker := newFakeChecker(health.StatusDead)
	var builds atomic.Int32
	r, err := NewRegistry(mustParse(t, "socks5://127.0.0.1:9050"), checker, WithProxyDialerFunc(countingDialerFunc(&builds)))
	require.NoError(t, err)

	c, state, err := r.GetOrBuildProxy(context.Background())
	require.NoError(t, err)
	require.Nil(t, c)
	require.Equal(t, health.StatusDead, state.Status)
	require.Zero(t, builds.Load())
}

func TestGetOrBuildProxyBuildError(t *testing.T) {
	checker := newFakeChecker(health.StatusAlive)
	r, err := NewRegistry(mustParse(t, "socks5://127.0.0.1:9050"), checker,
		WithProxyDialerFunc(func(*proxyconfig.Config, transport.StreamDialer) (transport.StreamDialer, error) {
			return nil, errors.New("boom")
		}))
	require.NoError(t, err)

	c, state, err := r.GetOrBuildProxy(context.Background())
	require.Nil(t, c)
	require.ErrorContains(t, err, "boom")
	require.Equal(t, health.StatusAlive, state.Status)
}

func TestClose(t *testing.T) {
	checker := newFakeChecker(health.StatusAlive)
	r, err := NewRegistry(mustParse(t, "socks5://127.0.0.1:9050"), checker)
	require.NoError(t, err)
	c, _, err := r.GetOrBuildProxy(context.Background())
	require.NoError(t, err)
	require.NotNil(t, c)

	require.NoError(t, r.Close())
	_, _, err = r.GetOrBuildProxy(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestConnectorsRoundTrip(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "hello")
	}))
	defer target.Close()
	proxy := proxytest.NewSOCKS5Proxy(t, "user", "pass")

	checker := health.NewChecker(health.WithTestURL(target.URL))
	r, err := NewRegistry(mustParse(t, "socks5://user:pass@"+proxy.Addr), checker)
	require.NoError(t, err)
	defer r.Close()

	c, state, err := r.GetOrBuildProxy(context.Background())
	require.NoError(t, err)
	require.True(t, state.Alive())
	require.Equal(t, "proxy", c.String())
	tunnelsAfterProbe := proxy.Tunnels.Load()
	require.Equal(t, int64(1), tunnelsAfterProbe)

	get := func(rt http.RoundTripper) string {
		resp, err := (&http.Client{Transport: rt}).Get(target.URL)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return string(body)
	}
	require.Equal(t, "hello", get(c))
	require.Equal(t, tunnelsAfterProbe+1, proxy.Tunnels.Load())

	require.Equal(t, "hello", get(r.Direct()))
	require.Equal(t, tunnelsAfterProbe+1, proxy.Tunnels.Load())
}
