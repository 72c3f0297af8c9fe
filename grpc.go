// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chanrpc

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
)

var _ grpc.ClientConnInterface = (*ClientConn)(nil)

// ClientConn lets generated grpc client stubs run over a Transport. Unary and
// server-streaming methods are supported; client and bidi streams are not.
type ClientConn struct {
	t     *Transport
	files *protoregistry.Files
}

// NewClientConn resolves grpc method names against files, or the global
// registry when files is nil.
func NewClientConn(t *Transport, files *protoregistry.Files) *ClientConn {
	if files == nil {
		files = protoregistry.GlobalFiles
	}
	return &ClientConn{t: t, files: files}
}

func (cc *ClientConn) Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error {
	md, err := cc.lookup(method)
	if err != nil {
		return err
	}
	req, ok := args.(proto.Message)
	if !ok {
		return NewError(codes.Internal, fmt.Sprintf("request %T is not a proto message", args))
	}
	out, ok := reply.(proto.Message)
	if !ok {
		return NewError(codes.Internal, fmt.Sprintf("reply %T is not a proto message", reply))
	}
	header, _ := metadata.FromOutgoingContext(ctx)

	resp, err := cc.t.Unary(ctx, md, header, req)
	if err != nil {
		return err
	}
	setCallMetadata(opts, resp.Header, resp.Trailer)
	return copyMessage(out, resp.Message)
}

func (cc *ClientConn) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	if desc.ClientStreams {
		return nil, NewError(codes.Unimplemented, method+": client streaming is not supported over a channel")
	}
	md, err := cc.lookup(method)
	if err != nil {
		return nil, err
	}
	return &grpcStream{cc: cc, ctx: ctx, method: md, opts: opts}, nil
}

func (cc *ClientConn) lookup(method string) (protoreflect.MethodDescriptor, error) {
	svc, name, ok := strings.Cut(strings.TrimPrefix(method, "/"), "/")
	if !ok {
		return nil, NewError(codes.InvalidArgument, "malformed method name "+method)
	}
	d, err := cc.files.FindDescriptorByName(protoreflect.FullName(svc))
	if err != nil {
		return nil, NewError(codes.Unimplemented, "unknown service "+svc)
	}
	sd, ok := d.(protoreflect.ServiceDescriptor)
	if !ok {
		return nil, NewError(codes.Unimplemented, svc+" is not a service")
	}
	m := sd.Methods().ByName(protoreflect.Name(name))
	if m == nil {
		return nil, NewError(codes.Unimplemented, "unknown method "+method)
	}
	return m, nil
}

// grpcStream defers the call until the request has been sent, matching the
// SendMsg, CloseSend, RecvMsg sequence of generated server-streaming stubs.
type grpcStream struct {
	cc     *ClientConn
	ctx    context.Context
	method protoreflect.MethodDescriptor
	opts   []grpc.CallOption

	req   proto.Message
	once  sync.Once
	s     *ClientStream
	err   error
	ended bool
}

func (g *grpcStream) start() error {
	g.once.Do(func() {
		if g.req == nil {
			g.err = NewError(codes.Internal, "no request sent before receiving")
			return
		}
		header, _ := metadata.FromOutgoingContext(g.ctx)
		g.s, g.err = g.cc.t.ServerStream(g.ctx, g.method, header, g.req)
		if g.err == nil {
			setCallMetadata(g.opts, g.s.Header(), nil)
		}
	})
	return g.err
}

func (g *grpcStream) Header() (metadata.MD, error) {
	if err := g.start(); err != nil {
		return nil, err
	}
	return g.s.Header(), nil
}

func (g *grpcStream) Trailer() metadata.MD {
	if g.s == nil || !g.ended {
		return nil
	}
	return g.s.Trailer()
}

func (g *grpcStream) CloseSend() error { return g.start() }

func (g *grpcStream) Context() context.Context { return g.ctx }

func (g *grpcStream) SendMsg(m any) error {
	if g.req != nil {
		return NewError(codes.Internal, "server-streaming call takes one request")
	}
	req, ok := m.(proto.Message)
	if !ok {
		return NewError(codes.Internal, fmt.Sprintf("request %T is not a proto message", m))
	}
	g.req = req
	return nil
}

func (g *grpcStream) RecvMsg(m any) error {
	if err := g.start(); err != nil {
		return err
	}
	out, ok := m.(proto.Message)
	if !ok {
		return NewError(codes.Internal, fmt.Sprintf("reply %T is not a proto message", m))
	}
	msg, err := g.s.Recv()
	if err != nil {
		g.ended = true
		setCallMetadata(g.opts, nil, g.s.Trailer())
		return err
	}
	return copyMessage(out, msg)
}

func setCallMetadata(opts []grpc.CallOption, header, trailer metadata.MD) {
	for _, o := range opts {
		switch o := o.(type) {
		case grpc.HeaderCallOption:
			if header != nil {
				*o.HeaderAddr = header
			}
		case grpc.TrailerCallOption:
			if trailer != nil {
				*o.TrailerAddr = trailer
			}
		}
	}
}

// copyMessage moves src into dst through the binary form, since src may be a
// dynamic message while dst is the generated type.
func copyMessage(dst, src proto.Message) error {
	b, err := proto.Marshal(src)
	if err != nil {
		return wrapError(codes.Internal, err)
	}
	proto.Reset(dst)
	if err := proto.Unmarshal(b, dst); err != nil {
		return wrapError(codes.Internal, err)
	}
	return nil
}
