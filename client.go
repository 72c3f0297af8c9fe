// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chanrpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/reflect/protoregistry"

	"github.com/luxfi/chanrpc/internal/logx"
)

// Endpoint is one end of a duplex message channel. Either side may end it at
// any time; the other learns of it only through the messages it receives.
type Endpoint interface {
	// Send posts a message to the other side
	Send(msg any) error

	// OnMessage registers a listener for inbound messages
	OnMessage(fn func(msg any))

	// OnMessageError registers a listener for inbound items that could not be decoded
	OnMessageError(fn func(err error))

	// Start begins delivery to the registered listeners
	Start()
}

// Stream is a live sequence of JSON-encoded chunks.
type Stream interface {
	// Recv returns the next chunk, io.EOF at a normal end, or the failure
	// that ended the stream
	Recv(ctx context.Context) (json.RawMessage, error)

	// Cancel tells the producer the consumer is gone
	Cancel(err error)
}

// TypeResolver finds message and extension types by name. It is satisfied by
// *protoregistry.Types.
type TypeResolver interface {
	protoregistry.MessageTypeResolver
	protoregistry.ExtensionTypeResolver
}

const (
	DefaultTimeout        = 10 * time.Second
	DefaultAcquireTimeout = 5 * time.Second
)

// Option configures a Transport
type Option func(*options)

type options struct {
	timeout         time.Duration
	acquireTimeout  time.Duration
	stallTimeout    time.Duration
	types           TypeResolver
	clientStreaming bool
	logger          zerolog.Logger
	registerer      prometheus.Registerer
}

func defaultOptions() *options {
	return &options{
		timeout:        DefaultTimeout,
		acquireTimeout: DefaultAcquireTimeout,
		types:          protoregistry.GlobalTypes,
		logger:         logx.Log,
	}
}

// WithDefaultTimeout sets the per-call response timeout
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithAcquireTimeout bounds how long the endpoint factory may take
func WithAcquireTimeout(d time.Duration) Option {
	return func(o *options) { o.acquireTimeout = d }
}

// WithStallTimeout sets the longest gap allowed between stream chunks.
// It defaults to the call timeout.
func WithStallTimeout(d time.Duration) Option {
	return func(o *options) { o.stallTimeout = d }
}

// WithTypes sets the registry used to encode and decode payloads and error details
func WithTypes(r TypeResolver) Option {
	return func(o *options) { o.types = r }
}

// WithClientStreaming enables client and bidi streaming calls
func WithClientStreaming(enabled bool) Option {
	return func(o *options) { o.clientStreaming = enabled }
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer registers the transport metrics with reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// CallOption configures a single call
type CallOption func(*callOptions)

type callOptions struct {
	timeout      time.Duration
	stallTimeout time.Duration
}

// WithTimeout overrides the response timeout for one call
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithCallStallTimeout overrides the chunk stall timeout for one call
func WithCallStallTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.stallTimeout = d }
}
