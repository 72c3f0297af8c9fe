// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package host is the privileged side of a session: it accepts connections,
// decodes requests and runs the registered handlers.
package host

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/luxfi/chanrpc"
)

// UnaryHandler answers one request with one response.
type UnaryHandler func(ctx context.Context, req proto.Message) (proto.Message, error)

// ServerStreamHandler answers one request with any number of responses.
type ServerStreamHandler func(ctx context.Context, req proto.Message, send func(proto.Message) error) error

// StreamHandler serves client and bidi streaming methods. recv returns
// io.EOF after the last request. A client-streaming method must send
// exactly one response.
type StreamHandler func(ctx context.Context, recv func() (proto.Message, error), send func(proto.Message) error) error

// Mux routes requests to handlers by the request's message type, so no two
// registered methods may share an input type.
type Mux struct {
	codec *chanrpc.Codec

	mu     sync.RWMutex
	routes map[protoreflect.FullName]*route
}

type route struct {
	method protoreflect.MethodDescriptor
	name   string
	unary  UnaryHandler
	server ServerStreamHandler
	stream StreamHandler
}

// NewMux returns an empty Mux decoding with types, or the global registry
// when types is nil.
func NewMux(types chanrpc.TypeResolver) *Mux {
	return &Mux{
		codec:  chanrpc.NewCodec(types),
		routes: make(map[protoreflect.FullName]*route),
	}
}

func (m *Mux) Codec() *chanrpc.Codec { return m.codec }

func (m *Mux) HandleUnary(md protoreflect.MethodDescriptor, h UnaryHandler) error {
	if md.IsStreamingClient() || md.IsStreamingServer() {
		return fmt.Errorf("host: %s is not unary", chanrpc.MethodName(md))
	}
	return m.add(&route{method: md, unary: h})
}

func (m *Mux) HandleServerStream(md protoreflect.MethodDescriptor, h ServerStreamHandler) error {
	if md.IsStreamingClient() || !md.IsStreamingServer() {
		return fmt.Errorf("host: %s is not server-streaming", chanrpc.MethodName(md))
	}
	return m.add(&route{method: md, server: h})
}

func (m *Mux) HandleStream(md protoreflect.MethodDescriptor, h StreamHandler) error {
	if !md.IsStreamingClient() {
		return fmt.Errorf("host: %s is not client-streaming", chanrpc.MethodName(md))
	}
	return m.add(&route{method: md, stream: h})
}

func (m *Mux) add(r *route) error {
	r.name = chanrpc.MethodName(r.method)
	in := r.method.Input().FullName()
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.routes[in]; ok {
		return fmt.Errorf("host: %s and %s both take %s", prev.name, r.name, in)
	}
	m.routes[in] = r
	return nil
}

func (m *Mux) lookup(msg proto.Message) (*route, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routes[msg.ProtoReflect().Descriptor().FullName()]
	return r, ok
}

// Methods lists the registered methods, sorted.
func (m *Mux) Methods() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.routes))
	for _, r := range m.routes {
		out = append(out, r.name)
	}
	slices.Sort(out)
	return out
}

type callMeta struct {
	mu      sync.Mutex
	header  metadata.MD
	trailer metadata.MD
}

type callMetaKey struct{}

// SetHeader adds md to the response header of the current unary call.
func SetHeader(ctx context.Context, md metadata.MD) {
	if cm, ok := ctx.Value(callMetaKey{}).(*callMeta); ok {
		cm.mu.Lock()
		cm.header = metadata.Join(cm.header, md)
		cm.mu.Unlock()
	}
}

// SetTrailer adds md to the response trailer of the current unary call.
func SetTrailer(ctx context.Context, md metadata.MD) {
	if cm, ok := ctx.Value(callMetaKey{}).(*callMeta); ok {
		cm.mu.Lock()
		cm.trailer = metadata.Join(cm.trailer, md)
		cm.mu.Unlock()
	}
}
