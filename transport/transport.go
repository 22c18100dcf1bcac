/*
Copyright 2025 GrowSync Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package transport delivers queued operations to the remote API. Every
// delivery attempt carries the entry's idempotency key, so an ambiguous
// failure (timeout after the request may have been applied) is safe to
// retry: the server collapses repeated delivery of the same key.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/verdantlabs/growsync/config"
	"github.com/verdantlabs/growsync/internal/request"
	"github.com/verdantlabs/growsync/internal/syncerror"
)

// Request is one remote call reconstructed from an outbox entry.
type Request struct {
	Path           string
	Method         string
	Body           interface{}
	IdempotencyKey string
}

// Response carries the server-authoritative result of an applied operation.
type Response struct {
	StatusCode      int                    `json:"-"`
	ServerID        string                 `json:"id"`
	ServerUpdatedAt int64                  `json:"updated_at"`
	Fields          map[string]interface{} `json:"fields,omitempty"`
}

// Transport is the remote delivery collaborator consumed by the processor.
type Transport interface {
	Deliver(ctx context.Context, req *Request) (*Response, error)
}

// HTTPTransport delivers operations over HTTP with JSON bodies.
type HTTPTransport struct {
	client  *http.Client
	baseURL string
	headers map[string]string
	timeout time.Duration
}

func NewHTTPTransport(conf *config.Configuration) *HTTPTransport {
	return &HTTPTransport{
		client:  &http.Client{},
		baseURL: conf.Remote.BaseURL,
		headers: conf.Remote.Headers,
		timeout: conf.RemoteTimeout(),
	}
}

// Deliver sends the request and classifies the outcome. Timeouts, connection
// errors, 408, 429 and 5xx are retryable; any other 4xx is terminal since
// retrying a rejected request cannot change the outcome.
func (t *HTTPTransport) Deliver(ctx context.Context, req *Request) (*Response, error) {
	payload, err := request.ToJsonReq(req.Body)
	if err != nil {
		return nil, syncerror.New(syncerror.ErrTerminalTransport, "Failed to encode request body", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, t.baseURL+req.Path, payload)
	if err != nil {
		return nil, syncerror.New(syncerror.ErrTerminalTransport, "Failed to build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	for key, value := range t.headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		// Ambiguous: the request may or may not have been applied. The
		// idempotency key makes the retry safe.
		return nil, syncerror.New(syncerror.ErrRetryableTransport, fmt.Sprintf("Request to %s failed", req.Path), err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			logrus.Error(err)
		}
	}(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		out := &Response{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			logrus.Errorf("Failed to decode response from %s: %v", req.Path, err)
		}
		return out, nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		err := syncerror.New(syncerror.ErrRetryableTransport,
			fmt.Sprintf("Request to %s failed with status code %d", req.Path, resp.StatusCode), nil)
		if after := parseRetryAfter(resp.Header.Get("Retry-After")); after > 0 {
			return nil, retryAfterError{err: err, after: after}
		}
		return nil, err
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, syncerror.New(syncerror.ErrTerminalTransport,
			fmt.Sprintf("Request to %s rejected with status code %d: %s", req.Path, resp.StatusCode, string(body)), nil)
	}
}

// retryAfterError carries the server's requested delay alongside the
// retryable classification.
type retryAfterError struct {
	err   syncerror.SyncError
	after time.Duration
}

func (e retryAfterError) Error() string { return e.err.Error() }
func (e retryAfterError) Unwrap() error { return e.err }

// RetryAfter extracts a server-requested retry delay from a delivery error,
// if one was given.
func RetryAfter(err error) (time.Duration, bool) {
	if rae, ok := err.(retryAfterError); ok {
		return rae.after, true
	}
	return 0, false
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
