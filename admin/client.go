// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package admin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	rpc "github.com/gorilla/rpc/v2/json2"

	"github.com/luxfi/chanrpc/host"
	"github.com/luxfi/chanrpc/internal/logx"
)

const (
	maxRetries    = 3
	retryBaseWait = 500 * time.Millisecond
)

// Option configures one request
type Option func(*options)

type options struct {
	headers     http.Header
	queryParams url.Values
	client      *http.Client
}

func newOptions(opts []Option) *options {
	o := &options{headers: http.Header{}, queryParams: url.Values{}}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithHeader adds a request header
func WithHeader(key, value string) Option {
	return func(o *options) { o.headers.Add(key, value) }
}

// WithQueryParam adds a query parameter to the request URL
func WithQueryParam(key, value string) Option {
	return func(o *options) { o.queryParams.Add(key, value) }
}

// WithHTTPClient replaces the per-attempt client
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// newHTTPClient creates a fresh HTTP client with disabled connection reuse.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DisableKeepAlives: true,
		},
	}
}

// CleanlyCloseBody drains and closes an HTTP response body to prevent
// HTTP/2 GOAWAY errors caused by closing bodies with unread data.
// See: https://github.com/golang/go/issues/46071
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// isRetryableError checks if an error is transient and worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	if errors.Is(err, io.EOF) || strings.Contains(errStr, "EOF") {
		return true
	}
	return strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "broken pipe")
}

// SendJSONRequest calls method on the JSON-RPC endpoint at uri, retrying
// transient connection failures with exponential backoff.
func SendJSONRequest(ctx context.Context, uri *url.URL, method string, params, reply any, opts ...Option) error {
	body, err := rpc.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("failed to encode client params: %w", err)
	}
	o := newOptions(opts)
	target := *uri
	if len(o.queryParams) > 0 {
		target.RawQuery = o.queryParams.Encode()
	}
	log := logx.Log.With().Str("method", method).Str("uri", target.String()).Logger()

	var lastErr error
	for attempt := range maxRetries {
		if attempt > 0 {
			// 500ms, 1s
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBaseWait << (attempt - 1)):
			}
		}
		retry, err := post(ctx, o, target.String(), body, reply)
		if err == nil {
			if attempt > 0 {
				log.Debug().Int("attempt", attempt+1).Msg("request succeeded")
			}
			return nil
		}
		if !retry {
			return err
		}
		lastErr = err
		log.Debug().Int("attempt", attempt+1).Err(err).Msg("retrying request")
	}
	return fmt.Errorf("failed to issue request after %d retries: %w", maxRetries, lastErr)
}

// post makes one attempt. It reports whether a failure is worth retrying.
func post(ctx context.Context, o *options, target string, body []byte, reply any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header = o.headers.Clone()
	req.Header.Set("Content-Type", "application/json")

	client := o.client
	if client == nil {
		client = newHTTPClient()
	}
	resp, err := client.Do(req)
	if err != nil {
		return isRetryableError(err), fmt.Errorf("failed to issue request: %w", err)
	}
	defer CleanlyCloseBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Errorf("received status code: %d", resp.StatusCode)
	}
	if err := rpc.DecodeClientResponse(resp.Body, reply); err != nil {
		return false, fmt.Errorf("failed to decode client response: %w", err)
	}
	return false, nil
}

// Sessions asks the host at uri for its open sessions.
func Sessions(ctx context.Context, uri *url.URL, opts ...Option) ([]host.SessionInfo, error) {
	var reply SessionsReply
	if err := SendJSONRequest(ctx, uri, ServiceName+".Sessions", &SessionsArgs{}, &reply, opts...); err != nil {
		return nil, err
	}
	return reply.Sessions, nil
}

// Methods asks the host at uri which methods it serves.
func Methods(ctx context.Context, uri *url.URL, opts ...Option) ([]string, error) {
	var reply MethodsReply
	if err := SendJSONRequest(ctx, uri, ServiceName+".Methods", &MethodsArgs{}, &reply, opts...); err != nil {
		return nil, err
	}
	return reply.Methods, nil
}
