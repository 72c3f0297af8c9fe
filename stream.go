// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chanrpc

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// ClientStream is the response side of a streaming call. Recv is not safe
// for concurrent use; Close may be called from any goroutine.
type ClientStream struct {
	t       *Transport
	c       *call
	method  protoreflect.MethodDescriptor
	name    string
	src     Stream
	header  metadata.MD
	trailer metadata.MD
	stall   time.Duration

	mu  sync.Mutex
	err error // terminal result, io.EOF on a normal end
}

func newClientStream(t *Transport, c *call, method protoreflect.MethodDescriptor, src Stream, header, trailer metadata.MD, stall time.Duration) *ClientStream {
	return &ClientStream{
		t:       t,
		c:       c,
		method:  method,
		name:    MethodName(method),
		src:     src,
		header:  header,
		trailer: trailer,
		stall:   stall,
	}
}

func (s *ClientStream) Header() metadata.MD { return s.header }

func (s *ClientStream) Trailer() metadata.MD { return s.trailer }

// Recv returns the next response message, io.EOF once the stream has ended
// normally, or the *Error that ended it. Each wait is bounded by the stall
// timeout.
func (s *ClientStream) Recv() (proto.Message, error) {
	if err := s.result(); err != nil {
		return nil, err
	}
	rctx, cancel := context.WithTimeoutCause(s.c.ctx, s.stall, ErrStreamStalled)
	raw, err := s.src.Recv(rctx)
	cancel()
	if err != nil {
		return nil, s.finish(rctx, err)
	}
	msg, err := s.t.codec.Unmarshal(raw, s.method.Output())
	if err != nil {
		return nil, s.finish(rctx, wrapError(codes.Internal, err))
	}
	s.t.metrics.recordChunk(s.name)
	return msg, nil
}

// All ranges over the remaining messages. Iteration stops at the first
// error, which is yielded; a normal end yields nothing.
func (s *ClientStream) All() iter.Seq2[proto.Message, error] {
	return func(yield func(proto.Message, error) bool) {
		for {
			msg, err := s.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(msg, err) || err != nil {
				if err == nil {
					s.Close()
				}
				return
			}
		}
	}
}

// Close abandons the stream. The producer is canceled and, if the transport
// is still up, the remote side is asked to stop.
func (s *ClientStream) Close() {
	err := wrapError(codes.Canceled, context.Canceled)
	if !s.settle(err) {
		return
	}
	s.src.Cancel(err)
	if s.t.Err() == nil {
		s.t.acquireMu.Lock()
		ep := s.t.endpoint
		s.t.acquireMu.Unlock()
		if ep != nil {
			s.t.sendAbort(ep, s.c.requestID)
		}
	}
	s.c.release(err)
}

// Err returns the terminal error, nil while the stream is live or after a
// normal end.
func (s *ClientStream) Err() error {
	err := s.result()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *ClientStream) finish(rctx context.Context, err error) error {
	var out error
	switch {
	case errors.Is(err, io.EOF):
		out = io.EOF
	case rctx.Err() != nil && errors.Is(err, context.Cause(rctx)):
		out = classify(context.Cause(rctx))
	default:
		out = ErrorFrom(err)
	}
	if !s.settle(out) {
		return s.result()
	}
	if out != io.EOF {
		s.src.Cancel(out)
		s.t.log.Debug().Str("request_id", s.c.requestID).Str("method", s.name).Err(out).Msg("stream ended")
	}
	s.c.release(out)
	return out
}

func (s *ClientStream) settle(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false
	}
	s.err = err
	return true
}

func (s *ClientStream) result() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
