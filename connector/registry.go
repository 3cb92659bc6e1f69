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

// Package connector owns the transport connectors of a session and the health of its proxy.
//
// A [Registry] always holds a direct [Connector]. When a proxy is configured it also builds,
// at most once and only after the proxy is found alive, a proxy [Connector]. Proxy health is
// evaluated according to a [health.Mode], and concurrent evaluations share a single probe.
package connector

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Jigsaw-Code/proxysession/health"
	"github.com/Jigsaw-Code/proxysession/proxyconfig"
	"github.com/Jigsaw-Code/proxysession/transport"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrProxyDisabled is returned when no valid proxy is configured.
	ErrProxyDisabled = errors.New("proxy disabled")
	// ErrClosed is returned by [Registry.GetOrBuildProxy] after [Registry.Close].
	ErrClosed = errors.New("registry closed")
)

// DefaultTTL is how long a probe result is trusted in [health.ModeCachedTTL].
const DefaultTTL = 30 * time.Second

// Checker probes a proxy. [*health.Checker] implements it.
type Checker interface {
	Check(ctx context.Context, cfg *proxyconfig.Config) health.State
}

// probeCall is a health probe shared by every caller waiting on it.
type probeCall struct {
	done    chan struct{}
	cancel  context.CancelFunc
	state   health.State
	waiters int
	// Guarded by Registry.mu.
	finished  bool
	abandoned bool
}

// Registry hands out connectors and tracks proxy health. It is safe for concurrent use.
type Registry struct {
	cfg          *proxyconfig.Config
	checker      Checker
	mode         health.Mode
	ttl          time.Duration
	directDialer transport.StreamDialer
	proxyDialer  health.ProxyDialerFunc
	logger       *slog.Logger
	now          func() time.Time

	direct *Connector
	build  singleflight.Group

	mu     sync.Mutex
	proxy  *Connector
	state  health.State
	stale  bool
	probe  *probeCall
	closed bool
}

// Option configures a [Registry].
type Option func(r *Registry)

// WithMode sets when the proxy is probed. Defaults to [health.ModeCachedTTL].
func WithMode(mode health.Mode) Option {
	return func(r *Registry) {
		r.mode = mode
	}
}

// WithTTL sets how long a probe result is trusted in [health.ModeCachedTTL].
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithDirectDialer sets the dialer of the direct connector. It also reaches the proxy itself.
func WithDirectDialer(dialer transport.StreamDialer) Option {
	return func(r *Registry) {
		r.directDialer = dialer
	}
}

// WithProxyDialerFunc sets how the proxy dialer is built. Defaults to [proxyconfig.NewStreamDialer].
func WithProxyDialerFunc(f health.ProxyDialerFunc) Option {
	return func(r *Registry) {
		r.proxyDialer = f
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithClock sets the time source used for TTL expiry.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates a [Registry]. A nil cfg means proxying is disabled.
func NewRegistry(cfg *proxyconfig.Config, checker Checker, opts ...Option) (*Registry, error) {
	if cfg != nil && checker == nil {
		return nil, errors.New("checker must not be nil when a proxy is configured")
	}
	r := &Registry{
		cfg:          cfg,
		checker:      checker,
		mode:         health.ModeCachedTTL,
		ttl:          DefaultTTL,
		directDialer: &transport.TCPDialer{},
		proxyDialer:  proxyconfig.NewStreamDialer,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	direct, err := newConnector(KindDirect, r.directDialer)
	if err != nil {
		return nil, err
	}
	r.direct = direct
	return r, nil
}

// Direct returns the direct connector. It is never nil.
func (r *Registry) Direct() *Connector {
	return r.direct
}

// ProxyEnabled reports whether a proxy is configured.
func (r *Registry) ProxyEnabled() bool {
	return r.cfg != nil
}

// ProxyConfig returns the proxy configuration, or nil when proxying is disabled.
func (r *Registry) ProxyConfig() *proxyconfig.Config {
	return r.cfg
}

// Mode returns the health check mode.
func (r *Registry) Mode() health.Mode {
	return r.mode
}

// State returns the last recorded proxy health without probing.
func (r *Registry) State() health.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Init evaluates the proxy health once, so the first requests find a warm state. It is
// required for [health.ModeOnceAtStartup] to probe at startup rather than on first use.
func (r *Registry) Init(ctx context.Context) health.State {
	return r.Health(ctx)
}

// Refresh drops the cached health and probes again. The previous status stays visible
// through [Registry.State] until the probe completes.
func (r *Registry) Refresh(ctx context.Context) health.State {
	if r.cfg == nil {
		return r.Health(ctx)
	}
	r.mu.Lock()
	r.stale = true
	r.mu.Unlock()
	return r.Health(ctx)
}

// Health returns the proxy health, probing when the mode requires it. If ctx is done before
// a shared probe completes, the caller gets a StatusUnknown state carrying the context error,
// and the probe keeps running for the remaining waiters.
func (r *Registry) Health(ctx context.Context) health.State {
	if r.cfg == nil {
		return health.State{Status: health.StatusUnknown, Err: ErrProxyDisabled}
	}
	if r.mode == health.ModePerRequest {
		state := r.checker.Check(ctx, r.cfg)
		if ctx.Err() == nil {
			r.mu.Lock()
			state = r.recordLocked(state)
			r.mu.Unlock()
		}
		return state
	}

	r.mu.Lock()
	if r.freshLocked() {
		state := r.state
		r.mu.Unlock()
		return state
	}
	call := r.probe
	if call == nil {
		call = r.startProbeLocked(ctx)
	}
	call.waiters++
	r.mu.Unlock()

	select {
	case <-call.done:
		r.leave(call)
		return call.state
	case <-ctx.Done():
		r.leave(call)
		return health.State{Status: health.StatusUnknown, Err: context.Cause(ctx)}
	}
}

func (r *Registry) freshLocked() bool {
	if r.stale || r.state.Status == health.StatusUnknown {
		return false
	}
	switch r.mode {
	case health.ModeOnceAtStartup:
		return true
	case health.ModeCachedTTL:
		return r.now().Before(r.state.CheckedAt.Add(r.ttl))
	default:
		return false
	}
}

func (r *Registry) startProbeLocked(ctx context.Context) *probeCall {
	// The probe outlives the caller that started it, but stops once nobody waits.
	probeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	call := &probeCall{done: make(chan struct{}), cancel: cancel}
	r.probe = call
	go func() {
		defer cancel()
		state := r.checker.Check(probeCtx, r.cfg)
		r.mu.Lock()
		call.finished = true
		if !call.abandoned {
			state = r.recordLocked(state)
		}
		if r.probe == call {
			r.probe = nil
		}
		r.mu.Unlock()
		call.state = state
		close(call.done)
	}()
	return call
}

func (r *Registry) leave(call *probeCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	call.waiters--
	if call.waiters == 0 && !call.finished {
		call.abandoned = true
		call.cancel()
		if r.probe == call {
			r.probe = nil
		}
	}
}

// recordLocked stores a probe result, stamped with the registry clock.
func (r *Registry) recordLocked(state health.State) health.State {
	state.CheckedAt = r.now()
	previous := r.state.Status
	r.state = state
	r.stale = false
	if previous != state.Status {
		level := slog.LevelInfo
		if state.Status == health.StatusDead {
			level = slog.LevelWarn
		}
		r.logger.Log(context.Background(), level, "proxy health changed",
			"proxy", r.cfg.Redacted(), "from", previous, "to", state.Status, "error", state.Err)
	}
	return state
}

// GetOrBuildProxy returns the proxy connector if the proxy is alive, along with the health
// that decided it. The connector is built at most once. When the proxy is not alive, the
// connector is nil and the error is nil. The error is [ErrProxyDisabled] when no proxy is
// configured.
func (r *Registry) GetOrBuildProxy(ctx context.Context) (*Connector, health.State, error) {
	if r.cfg == nil {
		return nil, health.State{Status: health.StatusUnknown, Err: ErrProxyDisabled}, ErrProxyDisabled
	}
	state := r.Health(ctx)
	if !state.Alive() {
		return nil, state, nil
	}
	r.mu.Lock()
	proxy, closed := r.proxy, r.closed
	r.mu.Unlock()
	if closed {
		return nil, state, ErrClosed
	}
	if proxy != nil {
		return proxy, state, nil
	}

	v, err, _ := r.build.Do("proxy", func() (any, error) {
		r.mu.Lock()
		proxy := r.proxy
		r.mu.Unlock()
		if proxy != nil {
			return proxy, nil
		}
		dialer, err := r.proxyDialer(r.cfg, r.directDialer)
		if err != nil {
			return nil, err
		}
		proxy, err = newConnector(KindProxy, dialer)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.proxy = proxy
		r.mu.Unlock()
		r.logger.Debug("proxy connector created", "proxy", r.cfg.Redacted())
		return proxy, nil
	})
	if err != nil {
		return nil, state, err
	}
	return v.(*Connector), state, nil
}

// Close releases idle connections of every connector.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	proxy := r.proxy
	if r.probe != nil {
		r.probe.cancel()
	}
	r.mu.Unlock()
	r.direct.CloseIdleConnections()
	if proxy != nil {
		proxy.CloseIdleConnections()
	}
	return nil
}
