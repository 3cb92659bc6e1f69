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

// Package report delivers routing events to sinks such as a log, a writer or a remote
// endpoint. Collectors compose: a [SamplingCollector] can feed a [RetryCollector] that wraps
// a [RemoteCollector], and a [TeeCollector] sends each report to several sinks.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// BadRequestError represents an error that occurs when a request fails.
type BadRequestError struct {
	Err error
}

// Error returns the error message associated with the [BadRequestError].
func (e BadRequestError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error wrapped by the [BadRequestError].
func (e BadRequestError) Unwrap() error {
	return e.Err
}

// Report is an alias for any type of report.
type Report any

// HasSuccess is an interface that represents an object that has a success status.
type HasSuccess interface {
	IsSuccess() bool
}

// Collector is an interface that defines the behavior of a report collector.
// Implementations of this interface should be able to collect a report in a given context.
type Collector interface {
	Collect(context.Context, Report) error
}

// CollectorFunc adapts a function to the [Collector] interface.
type CollectorFunc func(context.Context, Report) error

// Collect implements [Collector].
func (f CollectorFunc) Collect(ctx context.Context, report Report) error {
	return f(ctx, report)
}

// RemoteCollector represents a collector that communicates with a remote endpoint.
type RemoteCollector struct {
	HttpClient   *http.Client
	CollectorURL *url.URL
}

// Collect sends the report to the remote collector as JSON.
func (c *RemoteCollector) Collect(ctx context.Context, report Report) error {
	jsonData, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return c.sendReport(ctx, jsonData)
}

// sendReport posts the JSON data to the collector URL. 4xx responses yield a [BadRequestError].
func (c *RemoteCollector) sendReport(ctx context.Context, jsonData []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.CollectorURL.String(), bytes.NewReader(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	httpClient := c.HttpClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if _, err = io.Copy(io.Discard, resp.Body); err != nil {
		return err
	}
	if 400 <= resp.StatusCode && resp.StatusCode < 500 {
		return &BadRequestError{
			Err: fmt.Errorf("http request failed with status code %d", resp.StatusCode),
		}
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("http request failed with status code %d", resp.StatusCode)
	}
	return nil
}

// SamplingCollector represents a collector that randomly samples and collects a report.
type SamplingCollector struct {
	Collector       Collector
	SuccessFraction float64
	FailureFraction float64
	// Rand returns a number in [0, 1). Defaults to [rand.Float64].
	Rand func() float64
}

// Collect forwards the report with a probability that depends on its success status.
// Reports that do not implement [HasSuccess] are dropped.
// Sampling rate of 1.0 means report is always sent, and 0.0 means report is never sent.
func (c *SamplingCollector) Collect(ctx context.Context, report Report) error {
	hs, ok := report.(HasSuccess)
	if !ok {
		return nil
	}
	samplingRate := c.FailureFraction
	if hs.IsSuccess() {
		samplingRate = c.SuccessFraction
	}
	random := rand.Float64
	if c.Rand != nil {
		random = c.Rand
	}
	if random() < samplingRate {
		return c.Collector.Collect(ctx, report)
	}
	return nil
}

// RetryCollector represents a collector that supports retrying failed operations.
type RetryCollector struct {
	Collector    Collector
	MaxRetry     int
	InitialDelay time.Duration
}

// Collect calls the underlying collector until it succeeds, with exponential backoff.
// A [BadRequestError] or a done context stops the retries.
func (c *RetryCollector) Collect(ctx context.Context, report Report) error {
	var e *BadRequestError
	var err error
	for i := 0; i < c.MaxRetry+1; i++ {
		err = c.Collector.Collect(ctx, report)
		if err == nil {
			return nil
		}
		if errors.As(err, &e) {
			break
		}
		if i == c.MaxRetry {
			break
		}
		delay := time.Duration(math.Pow(2, float64(i))) * c.InitialDelay
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
	return fmt.Errorf("max retry exceeded: %w", err)
}

// TeeCollector sends every report to all of its collectors, in order.
type TeeCollector struct {
	Collectors []Collector
}

// Collect calls every collector, even after a failure, and joins their errors.
func (c *TeeCollector) Collect(ctx context.Context, report Report) error {
	var errs []error
	for i, collector := range c.Collectors {
		if err := collector.Collect(ctx, report); err != nil {
			errs = append(errs, fmt.Errorf("collector %d failed: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// WriteCollector represents a collector that writes the report to an io.Writer, one JSON
// object per line. It is safe for concurrent use.
type WriteCollector struct {
	Writer io.Writer
	mu     sync.Mutex
}

// Collect writes the report to the underlying io.Writer.
func (c *WriteCollector) Collect(ctx context.Context, report Report) error {
	jsonData, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = fmt.Fprintln(c.Writer, string(jsonData))
	return err
}

// LogCollector writes reports to a structured logger at Info level, or Warn when the report
// has a failed [HasSuccess] status.
type LogCollector struct {
	Logger  *slog.Logger
	Message string
}

// Collect implements [Collector].
func (c *LogCollector) Collect(ctx context.Context, report Report) error {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	msg := c.Message
	if msg == "" {
		msg = "report"
	}
	level := slog.LevelInfo
	if hs, ok := report.(HasSuccess); ok && !hs.IsSuccess() {
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, msg, "report", report)
	return nil
}
