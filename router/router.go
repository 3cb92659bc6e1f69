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

// Package router picks, for each outgoing request, the connector that carries it.
//
// Local destinations go out directly when bypass is on. Other destinations go through the
// proxy when it is configured and alive, and otherwise fall back to the direct connector.
// Routing never fails: every call returns a usable [Decision].
//
// Events go to the collector from a background goroutine, so a slow collector never delays
// routing. When its queue is full, events are dropped.
package router

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/Jigsaw-Code/proxysession/connector"
	"github.com/Jigsaw-Code/proxysession/health"
	"github.com/Jigsaw-Code/proxysession/locality"
	"github.com/Jigsaw-Code/proxysession/report"
)

// Reason explains a [Decision].
type Reason int

const (
	// ReasonLocal means the destination is local and bypasses the proxy.
	ReasonLocal Reason = iota
	// ReasonProxyHealthy means the request goes through a live proxy.
	ReasonProxyHealthy
	// ReasonProxyUnavailableFallback means the proxy is down or unusable, so the request goes direct.
	ReasonProxyUnavailableFallback
	// ReasonConfigDisabled means no valid proxy is configured.
	ReasonConfigDisabled
)

func (r Reason) String() string {
	switch r {
	case ReasonLocal:
		return "local"
	case ReasonProxyHealthy:
		return "proxy-healthy"
	case ReasonProxyUnavailableFallback:
		return "proxy-unavailable-fallback"
	case ReasonConfigDisabled:
		return "config-disabled"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (r Reason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Request is what the router needs to know about an outgoing request.
type Request struct {
	Method string
	URL    string
}

// Decision is the outcome of [Router.Route].
type Decision struct {
	// Connector carries the request. It is never nil.
	Connector *connector.Connector
	Reason    Reason
	// Locality is the raw classification of the destination.
	Locality locality.Result
	// Health is the proxy health that informed the decision, when it was consulted.
	Health health.State
	// Err is why the proxy was not used on a fallback.
	Err error
}

// Classifier labels destinations. [*locality.Classifier] implements it.
type Classifier interface {
	Classify(ctx context.Context, rawURL string) (locality.Result, error)
	Policy() locality.Policy
}

// Registry provides connectors. [*connector.Registry] implements it.
type Registry interface {
	Direct() *connector.Connector
	ProxyEnabled() bool
	GetOrBuildProxy(ctx context.Context) (*connector.Connector, health.State, error)
}

// DefaultEventQueueSize is how many events may wait for the collector.
const DefaultEventQueueSize = 256

// Router routes requests. It is safe for concurrent use. Call [Router.Close] when a collector is set.
type Router struct {
	classifier  Classifier
	registry    Registry
	bypassLocal bool
	collector   report.Collector
	queueSize   int
	logger      *slog.Logger

	events    chan Event
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	delivered chan struct{}
	closeOnce sync.Once
}

// Option configures a [Router].
type Option func(r *Router)

// WithBypassLocal sets whether local destinations skip the proxy. Defaults to true.
func WithBypassLocal(bypass bool) Option {
	return func(r *Router) {
		r.bypassLocal = bypass
	}
}

// WithCollector sets a collector that receives an [Event] for every decision.
func WithCollector(collector report.Collector) Option {
	return func(r *Router) {
		r.collector = collector
	}
}

// WithEventQueueSize sets how many events may wait for the collector. Defaults to
// [DefaultEventQueueSize].
func WithEventQueueSize(size int) Option {
	return func(r *Router) {
		r.queueSize = size
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// New creates a [Router].
func New(classifier Classifier, registry Registry, opts ...Option) *Router {
	r := &Router{
		classifier:  classifier,
		registry:    registry,
		bypassLocal: true,
		queueSize:   DefaultEventQueueSize,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.collector != nil {
		if r.queueSize < 1 {
			r.queueSize = 1
		}
		r.events = make(chan Event, r.queueSize)
		r.ctx, r.cancel = context.WithCancel(context.Background())
		r.done = make(chan struct{})
		r.delivered = make(chan struct{})
		go r.deliver()
	}
	return r
}

// Close stops event delivery and waits for the collector to return. Events still queued are
// handed to the collector with a canceled context. Routing keeps working after Close, without
// events.
func (r *Router) Close() {
	if r.collector == nil {
		return
	}
	r.closeOnce.Do(func() {
		r.cancel()
		close(r.done)
	})
	<-r.delivered
}

func (r *Router) deliver() {
	defer close(r.delivered)
	for {
		select {
		case event := <-r.events:
			r.collect(event)
		case <-r.done:
			for {
				select {
				case event := <-r.events:
					r.collect(event)
				default:
					return
				}
			}
		}
	}
}

func (r *Router) collect(event Event) {
	if err := r.collector.Collect(r.ctx, event); err != nil {
		r.logger.Debug("failed to collect routing event", "error", err)
	}
}

// Route decides which connector carries req.
func (r *Router) Route(ctx context.Context, req Request) Decision {
	start := time.Now()
	loc, err := r.classifier.Classify(ctx, req.URL)
	if err != nil {
		r.logger.Debug("destination locality unknown", "url", redactURL(req.URL), "error", err)
	}
	decision := r.decide(ctx, loc)
	r.emit(req, decision, start)
	return decision
}

func (r *Router) decide(ctx context.Context, loc locality.Result) Decision {
	direct := r.registry.Direct()
	if r.bypassLocal && r.classifier.Policy().Resolve(loc) == locality.Local {
		return Decision{Connector: direct, Reason: ReasonLocal, Locality: loc}
	}
	if !r.registry.ProxyEnabled() {
		return Decision{Connector: direct, Reason: ReasonConfigDisabled, Locality: loc}
	}
	proxy, state, err := r.registry.GetOrBuildProxy(ctx)
	switch {
	case errors.Is(err, connector.ErrProxyDisabled):
		return Decision{Connector: direct, Reason: ReasonConfigDisabled, Locality: loc}
	case err == nil && proxy != nil:
		return Decision{Connector: proxy, Reason: ReasonProxyHealthy, Locality: loc, Health: state}
	}
	if err == nil {
		err = state.Err
	}
	if err == nil {
		err = errors.New("proxy not alive")
	}
	return Decision{Connector: direct, Reason: ReasonProxyUnavailableFallback, Locality: loc, Health: state, Err: err}
}

// Event describes one routing decision.
type Event struct {
	Time       time.Time       `json:"time"`
	DurationMs int64           `json:"durationMs"`
	Method     string          `json:"method"`
	URL        string          `json:"url"`
	Connector  connector.Kind  `json:"connector"`
	Reason     Reason          `json:"reason"`
	Locality   locality.Result `json:"locality"`
	Health     health.Status   `json:"health"`
	Error      string          `json:"error,omitempty"`
}

var _ report.HasSuccess = Event{}

// IsSuccess implements [report.HasSuccess]. Fallbacks are failures.
func (e Event) IsSuccess() bool {
	return e.Reason != ReasonProxyUnavailableFallback
}

func (r *Router) emit(req Request, d Decision, start time.Time) {
	event := Event{
		Time:       start,
		DurationMs: time.Since(start).Milliseconds(),
		Method:     req.Method,
		URL:        redactURL(req.URL),
		Connector:  d.Connector.Kind(),
		Reason:     d.Reason,
		Locality:   d.Locality,
		Health:     d.Health.Status,
	}
	if d.Err != nil {
		event.Error = d.Err.Error()
	}
	attrs := []any{"method", event.Method, "url", event.URL, "connector", event.Connector,
		"reason", event.Reason, "locality", event.Locality}
	if event.IsSuccess() {
		r.logger.Debug("request routed", attrs...)
	} else {
		r.logger.Warn("proxy unavailable, routing directly", append(attrs, "health", event.Health, "error", d.Err)...)
	}
	if r.collector == nil {
		return
	}
	select {
	case <-r.done:
	case r.events <- event:
	default:
		r.logger.Debug("routing event dropped, collector is behind", "url", event.URL)
	}
}

// redactURL drops the user info and query of a URL.
func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid URL>"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
