// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chanrpc

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Transport issues unary and streaming calls over one shared Endpoint.
//
// The endpoint is acquired on the first call and reused afterwards. Once the
// channel fails (disconnect sentinel, channel-level error, undecodable item)
// every pending and future call fails with codes.Unavailable; a new Transport
// is needed to talk again.
type Transport struct {
	getEndpoint func(ctx context.Context) (Endpoint, error)
	opts        *options
	codec       *Codec
	log         zerolog.Logger
	metrics     *metrics

	acquireMu sync.Mutex
	endpoint  Endpoint
	acquiring *acquisition

	pending   sync.Map // requestID -> *pendingCall
	abandoned sync.Map // requestID -> struct{}, calls given up before their response

	// ctx is canceled with the failure (*Error) when the channel fails
	ctx    context.Context
	cancel context.CancelCauseFunc
}

type pendingCall struct {
	resp chan any
}

// acquisition is one in-flight getEndpoint call shared by every caller that
// arrives while it runs.
type acquisition struct {
	done chan struct{}
	ep   Endpoint
	err  error
}

// UnaryResponse is the result of a unary call.
type UnaryResponse struct {
	Message proto.Message
	Header  metadata.MD
	Trailer metadata.MD
}

// New returns a Transport that obtains its endpoint from getEndpoint.
func New(getEndpoint func(ctx context.Context) (Endpoint, error), opts ...Option) *Transport {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.stallTimeout == 0 {
		o.stallTimeout = o.timeout
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Transport{
		getEndpoint: getEndpoint,
		opts:        o,
		codec:       NewCodec(o.types),
		log:         o.logger,
		metrics:     newMetrics(o.registerer),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Codec returns the codec used for payloads.
func (t *Transport) Codec() *Codec { return t.codec }

// Err returns the failure that ended the transport, nil while it is usable.
func (t *Transport) Err() error {
	if t.ctx.Err() == nil {
		return nil
	}
	return context.Cause(t.ctx)
}

// Pending reports the number of calls awaiting their first response.
func (t *Transport) Pending() int {
	n := 0
	t.pending.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close fails every pending call with codes.Canceled and sends the
// disconnect sentinel on the endpoint, if one was acquired.
func (t *Transport) Close() error {
	t.fail(wrapError(codes.Canceled, ErrTransportClosed))
	t.acquireMu.Lock()
	ep := t.endpoint
	t.acquireMu.Unlock()
	if ep != nil {
		return ep.Send(Disconnect)
	}
	return nil
}

// Unary sends one request and waits for one response.
func (t *Transport) Unary(ctx context.Context, method protoreflect.MethodDescriptor, header metadata.MD, req proto.Message, opts ...CallOption) (*UnaryResponse, error) {
	co := t.callOptions(opts)
	name := MethodName(method)
	if method.IsStreamingClient() || method.IsStreamingServer() {
		return nil, NewError(codes.InvalidArgument, fmt.Sprintf("%s is not a unary method", name))
	}
	payload, err := t.codec.MarshalRequest(req)
	if err != nil {
		return nil, wrapError(codes.Internal, err)
	}

	c := t.newCall(ctx, name)
	defer c.release(nil)
	t.metrics.recordStart(name, "unary")

	ev, err := t.await(c, co.timeout, &TransportMessage{RequestID: c.requestID, Message: payload, Header: header})
	resp, err := t.unaryResult(method, ev, err)
	t.metrics.recordSettled(name, Code(err), time.Since(c.start))
	if err != nil {
		t.log.Debug().Str("request_id", c.requestID).Str("method", name).Err(err).Msg("call failed")
		return nil, err
	}
	return resp, nil
}

func (t *Transport) unaryResult(method protoreflect.MethodDescriptor, ev any, err error) (*UnaryResponse, error) {
	if err != nil {
		return nil, err
	}
	switch ev := ev.(type) {
	case *TransportMessage:
		msg, err := t.codec.Unmarshal(ev.Message, method.Output())
		if err != nil {
			return nil, wrapError(codes.Internal, err)
		}
		return &UnaryResponse{Message: msg, Header: ev.Header, Trailer: ev.Trailer}, nil
	case *TransportError:
		return nil, ErrorFromJSON(ev.Err, ev.Metadata)
	case *TransportStream:
		ev.Stream.Cancel(ErrMalformedEvent)
		return nil, NewError(codes.Internal, "stream response to a unary call")
	}
	return nil, NewError(codes.Internal, fmt.Sprintf("unexpected response %T", ev))
}

// ServerStream sends one request and returns the response stream.
func (t *Transport) ServerStream(ctx context.Context, method protoreflect.MethodDescriptor, header metadata.MD, req proto.Message, opts ...CallOption) (*ClientStream, error) {
	return t.Stream(ctx, method, header, func(yield func(proto.Message) bool) { yield(req) }, opts...)
}

// Stream issues a streaming call. For server-streaming methods input must
// yield exactly one request. Client and bidi streaming methods send every
// request input yields and need WithClientStreaming.
func (t *Transport) Stream(ctx context.Context, method protoreflect.MethodDescriptor, header metadata.MD, input iter.Seq[proto.Message], opts ...CallOption) (*ClientStream, error) {
	co := t.callOptions(opts)
	name := MethodName(method)
	kind := "server_stream"

	var (
		out  any
		pipe *StreamPipe
	)
	c := t.newCall(ctx, name)
	if method.IsStreamingClient() {
		if !t.opts.clientStreaming {
			c.release(nil)
			return nil, NewError(codes.Unimplemented, fmt.Sprintf("%s: client streaming is not enabled", name))
		}
		kind = "bidi_stream"
		pipe = NewStreamPipe()
		go t.pumpInput(c.ctx, pipe, input)
		out = &TransportStream{RequestID: c.requestID, Stream: pipe, Header: header}
	} else {
		req, err := single(input)
		if err != nil {
			c.release(nil)
			return nil, err
		}
		payload, err := t.codec.MarshalRequest(req)
		if err != nil {
			c.release(nil)
			return nil, wrapError(codes.Internal, err)
		}
		out = &TransportMessage{RequestID: c.requestID, Message: payload, Header: header}
	}
	t.metrics.recordStart(name, kind)

	ev, err := t.await(c, co.timeout, out)
	s, err := t.streamResult(c, method, co, ev, err)
	t.metrics.recordSettled(name, Code(err), time.Since(c.start))
	if err != nil {
		if pipe != nil {
			pipe.Cancel(err)
		}
		c.release(err)
		t.log.Debug().Str("request_id", c.requestID).Str("method", name).Err(err).Msg("stream failed")
		return nil, err
	}
	return s, nil
}

func (t *Transport) streamResult(c *call, method protoreflect.MethodDescriptor, co *callOptions, ev any, err error) (*ClientStream, error) {
	if err != nil {
		return nil, err
	}
	switch ev := ev.(type) {
	case *TransportStream:
		return newClientStream(t, c, method, ev.Stream, ev.Header, ev.Trailer, co.stallTimeout), nil
	case *TransportError:
		return nil, ErrorFromJSON(ev.Err, ev.Metadata)
	case *TransportMessage:
		if method.IsStreamingClient() && !method.IsStreamingServer() {
			one := NewStreamPipe()
			_ = one.Send(ev.Message)
			one.CloseSend(nil)
			return newClientStream(t, c, method, one, ev.Header, ev.Trailer, co.stallTimeout), nil
		}
		return nil, NewError(codes.Internal, "message response to a streaming call")
	}
	return nil, NewError(codes.Internal, fmt.Sprintf("unexpected response %T", ev))
}

func (t *Transport) pumpInput(ctx context.Context, pipe *StreamPipe, input iter.Seq[proto.Message]) {
	for m := range input {
		if ctx.Err() != nil {
			pipe.CloseSend(classify(context.Cause(ctx)))
			return
		}
		raw, err := t.codec.MarshalRequest(m)
		if err != nil {
			pipe.CloseSend(wrapError(codes.Internal, err))
			return
		}
		if err := pipe.Send(raw); err != nil {
			return
		}
	}
	pipe.CloseSend(nil)
}

func single(input iter.Seq[proto.Message]) (proto.Message, error) {
	var (
		req proto.Message
		n   int
	)
	for m := range input {
		req = m
		n++
		if n > 1 {
			break
		}
	}
	if n != 1 {
		return nil, NewError(codes.InvalidArgument, "a server-streaming call takes exactly one request")
	}
	return req, nil
}

// call ties one request id to a context that ends with the caller's
// context or with the transport.
type call struct {
	requestID string
	method    string
	start     time.Time
	ctx       context.Context
	cancel    context.CancelCauseFunc
	stop      func() bool
}

func (t *Transport) newCall(ctx context.Context, method string) *call {
	cctx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(t.ctx, func() { cancel(context.Cause(t.ctx)) })
	return &call{
		requestID: uuid.NewString(),
		method:    method,
		start:     time.Now(),
		ctx:       cctx,
		cancel:    cancel,
		stop:      stop,
	}
}

func (c *call) release(cause error) {
	c.stop()
	c.cancel(cause)
}

// await sends out and waits for the first response to c. The pending entry
// is gone when await returns, whichever way it returns.
func (t *Transport) await(c *call, timeout time.Duration, out any) (any, error) {
	if err := t.Err(); err != nil {
		return nil, err
	}
	ep, err := t.acquire(c.ctx)
	if err != nil {
		return nil, err
	}

	pc := &pendingCall{resp: make(chan any, 1)}
	t.pending.Store(c.requestID, pc)

	wctx, cancel := context.WithTimeoutCause(c.ctx, timeout, ErrCallTimeout)
	defer cancel()

	if err := ep.Send(out); err != nil {
		t.forget(c.requestID, pc, err)
		return nil, wrapError(codes.Unavailable, fmt.Errorf("send: %w", err))
	}
	t.log.Trace().Str("request_id", c.requestID).Str("method", c.method).Msg("sent")

	select {
	case ev := <-pc.resp:
		return ev, nil
	case <-wctx.Done():
		err := classify(context.Cause(wctx))
		t.forget(c.requestID, pc, err)
		if t.ctx.Err() == nil {
			t.sendAbort(ep, c.requestID)
		}
		return nil, err
	}
}

// forget removes the pending entry. If a response claimed it first, that
// response is already on its way and is discarded; otherwise a late
// response is discarded by settle.
func (t *Transport) forget(requestID string, pc *pendingCall, cause error) {
	if _, ok := t.pending.LoadAndDelete(requestID); ok {
		t.abandoned.Store(requestID, struct{}{})
		time.AfterFunc(t.opts.timeout, func() { t.abandoned.Delete(requestID) })
		return
	}
	discard(<-pc.resp, cause)
}

func (t *Transport) sendAbort(ep Endpoint, requestID string) {
	if err := ep.Send(&TransportAbort{RequestID: requestID, Abort: true}); err != nil {
		t.log.Debug().Str("request_id", requestID).Err(err).Msg("abort not sent")
	}
}

func discard(ev any, cause error) {
	if s, ok := ev.(*TransportStream); ok {
		s.Stream.Cancel(cause)
	}
}

// acquire returns the endpoint, obtaining it on first use. Concurrent first
// callers share one acquisition but each stops waiting when its own ctx ends.
func (t *Transport) acquire(ctx context.Context) (Endpoint, error) {
	t.acquireMu.Lock()
	if t.endpoint != nil {
		ep := t.endpoint
		t.acquireMu.Unlock()
		return ep, nil
	}
	a := t.acquiring
	if a == nil {
		a = &acquisition{done: make(chan struct{})}
		t.acquiring = a
		go t.runAcquire(a)
	}
	t.acquireMu.Unlock()

	select {
	case <-a.done:
		return a.ep, a.err
	case <-ctx.Done():
		return nil, classify(context.Cause(ctx))
	}
}

func (t *Transport) runAcquire(a *acquisition) {
	actx, cancel := context.WithTimeoutCause(t.ctx, t.opts.acquireTimeout, ErrAcquireTimeout)
	defer cancel()

	type result struct {
		ep  Endpoint
		err error
	}
	ch := make(chan result, 1)
	go func() {
		ep, err := t.getEndpoint(actx)
		ch <- result{ep, err}
	}()

	select {
	case r := <-ch:
		switch {
		case r.err != nil && actx.Err() != nil:
			a.err = classify(context.Cause(actx))
		case r.err != nil:
			a.err = wrapError(codes.Unavailable, r.err)
		case r.ep == nil:
			a.err = NewError(codes.Unavailable, "endpoint factory returned no endpoint")
		default:
			a.ep = r.ep
		}
	case <-actx.Done():
		a.err = classify(context.Cause(actx))
	}

	if a.ep != nil {
		a.ep.OnMessage(t.handleMessage)
		a.ep.OnMessageError(t.handleMessageError)
		a.ep.Start()
	}
	t.acquireMu.Lock()
	// failures are not kept, the next call tries again
	t.acquiring = nil
	if a.ep != nil {
		t.endpoint = a.ep
	}
	t.acquireMu.Unlock()
	close(a.done)
}

func (t *Transport) handleMessage(msg any) {
	ev, kind := Parse(msg)
	switch kind {
	case KindMessage:
		t.settle(ev.(*TransportMessage).RequestID, ev)
	case KindStream:
		t.settle(ev.(*TransportStream).RequestID, ev)
	case KindError:
		te := ev.(*TransportError)
		if te.RequestID != "" {
			t.settle(te.RequestID, te)
			return
		}
		remote := ErrorFromJSON(te.Err, te.Metadata)
		t.fail(wrapError(codes.Unavailable, fmt.Errorf("%w: %s", ErrChannelError, remote.Error())))
	case KindDisconnect:
		t.fail(wrapError(codes.Unavailable, ErrDisconnected))
	case KindAbort:
		t.log.Debug().Str("request_id", ev.(*TransportAbort).RequestID).Msg("ignoring abort sent to a client")
	default:
		t.fail(wrapError(codes.Unavailable, fmt.Errorf("%w: %s %T", ErrMalformedEvent, kind, msg)))
	}
}

func (t *Transport) handleMessageError(err error) {
	t.fail(wrapError(codes.Unavailable, fmt.Errorf("%w: %v", ErrMalformedEvent, err)))
}

// settle hands ev to the call waiting on requestID. LoadAndDelete makes the
// first response the only one delivered. Responses to calls this transport
// gave up on are discarded; any other id belongs to another transport on
// the same endpoint and is left alone.
func (t *Transport) settle(requestID string, ev any) {
	v, ok := t.pending.LoadAndDelete(requestID)
	if ok {
		v.(*pendingCall).resp <- ev
		return
	}
	if _, mine := t.abandoned.LoadAndDelete(requestID); mine {
		t.log.Debug().Str("request_id", requestID).Msg("late response discarded")
		discard(ev, wrapError(codes.Canceled, context.Canceled))
		return
	}
	t.log.Trace().Str("request_id", requestID).Msg("response for another transport")
}

func (t *Transport) fail(err *Error) {
	if t.ctx.Err() != nil {
		return
	}
	t.log.Warn().Err(err).Int("pending", t.Pending()).Msg("channel failed")
	t.cancel(err)
}

func (t *Transport) callOptions(opts []CallOption) *callOptions {
	co := &callOptions{timeout: t.opts.timeout, stallTimeout: t.opts.stallTimeout}
	for _, opt := range opts {
		opt(co)
	}
	return co
}

// classify maps the reason a call context ended onto the error taxonomy.
func classify(cause error) *Error {
	var ce *Error
	switch {
	case errors.As(cause, &ce):
		return ce
	case errors.Is(cause, ErrAcquireTimeout),
		errors.Is(cause, ErrCallTimeout),
		errors.Is(cause, ErrStreamStalled),
		errors.Is(cause, context.DeadlineExceeded):
		return wrapError(codes.DeadlineExceeded, cause)
	case cause == nil:
		return wrapError(codes.Canceled, context.Canceled)
	default:
		return wrapError(codes.Canceled, cause)
	}
}

// MethodName returns the "/package.Service/Method" form of m.
func MethodName(m protoreflect.MethodDescriptor) string {
	return "/" + string(m.Parent().FullName()) + "/" + string(m.Name())
}
