// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package echo is a small demo service, lux.chanrpc.echo.v1.EchoService,
// described at init time so no generated code is needed.
package echo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/luxfi/chanrpc"
	"github.com/luxfi/chanrpc/host"
)

const (
	Package     = "lux.chanrpc.echo.v1"
	ServiceName = Package + ".EchoService"
)

var (
	// Files holds the echo file descriptor.
	Files = new(protoregistry.Files)
	// Types holds the echo message types.
	Types = new(protoregistry.Types)

	Service   protoreflect.ServiceDescriptor
	Say       protoreflect.MethodDescriptor
	Introduce protoreflect.MethodDescriptor
	Converse  protoreflect.MethodDescriptor
	// Count is client-streaming: it answers with the number of sentences sent.
	Count protoreflect.MethodDescriptor
)

func init() {
	fd, err := protodesc.NewFile(fileProto(), new(protoregistry.Files))
	if err != nil {
		panic(fmt.Sprintf("echo: build descriptor: %v", err))
	}
	if err := Files.RegisterFile(fd); err != nil {
		panic(err)
	}
	msgs := fd.Messages()
	for i := 0; i < msgs.Len(); i++ {
		if err := Types.RegisterMessage(dynamicpb.NewMessageType(msgs.Get(i))); err != nil {
			panic(err)
		}
	}
	Service = fd.Services().ByName("EchoService")
	Say = Service.Methods().ByName("Say")
	Introduce = Service.Methods().ByName("Introduce")
	Converse = Service.Methods().ByName("Converse")
	Count = Service.Methods().ByName("Count")
}

func fileProto() *descriptorpb.FileDescriptorProto {
	str := func(name string) *descriptorpb.FieldDescriptorProto {
		return &descriptorpb.FieldDescriptorProto{
			Name:     proto.String(name),
			JsonName: proto.String(name),
			Number:   proto.Int32(1),
			Label:    descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
			Type:     descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(),
		}
	}
	message := func(name string, fields ...*descriptorpb.FieldDescriptorProto) *descriptorpb.DescriptorProto {
		return &descriptorpb.DescriptorProto{Name: proto.String(name), Field: fields}
	}
	method := func(name, in, out string, clientStream, serverStream bool) *descriptorpb.MethodDescriptorProto {
		return &descriptorpb.MethodDescriptorProto{
			Name:            proto.String(name),
			InputType:       proto.String("." + Package + "." + in),
			OutputType:      proto.String("." + Package + "." + out),
			ClientStreaming: proto.Bool(clientStream),
			ServerStreaming: proto.Bool(serverStream),
		}
	}
	countReply := &descriptorpb.FieldDescriptorProto{
		Name:     proto.String("count"),
		JsonName: proto.String("count"),
		Number:   proto.Int32(1),
		Label:    descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:     descriptorpb.FieldDescriptorProto_TYPE_INT64.Enum(),
	}
	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String("lux/chanrpc/echo/v1/echo.proto"),
		Package: proto.String(Package),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			message("SayRequest", str("sentence")),
			message("SayResponse", str("sentence")),
			message("IntroduceRequest", str("name")),
			message("IntroduceResponse", str("sentence")),
			message("ConverseRequest", str("sentence")),
			message("ConverseResponse", str("sentence")),
			message("CountRequest", str("sentence")),
			message("CountResponse", countReply),
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("EchoService"),
			Method: []*descriptorpb.MethodDescriptorProto{
				method("Say", "SayRequest", "SayResponse", false, false),
				method("Introduce", "IntroduceRequest", "IntroduceResponse", false, true),
				method("Converse", "ConverseRequest", "ConverseResponse", true, true),
				method("Count", "CountRequest", "CountResponse", true, false),
			},
		}},
	}
}

// New returns an empty message of the named echo type, e.g. "SayRequest".
func New(name string) proto.Message {
	mt, err := Types.FindMessageByName(protoreflect.FullName(Package + "." + name))
	if err != nil {
		panic(fmt.Sprintf("echo: unknown message %s", name))
	}
	return mt.New().Interface()
}

// WithString returns a new message of the named type with its single string
// field set.
func WithString(name, value string) proto.Message {
	m := New(name)
	r := m.ProtoReflect()
	r.Set(r.Descriptor().Fields().ByNumber(1), protoreflect.ValueOfString(value))
	return m
}

// NewSayRequest is a SayRequest for sentence.
func NewSayRequest(sentence string) proto.Message { return WithString("SayRequest", sentence) }

// Sentence returns the single string field of an echo message.
func Sentence(m proto.Message) string {
	r := m.ProtoReflect()
	f := r.Descriptor().Fields().ByNumber(1)
	if f == nil || f.Kind() != protoreflect.StringKind {
		return ""
	}
	return r.Get(f).String()
}

// CountOf returns the count of a CountResponse.
func CountOf(m proto.Message) int64 {
	r := m.ProtoReflect()
	return r.Get(r.Descriptor().Fields().ByName("count")).Int()
}

// Register adds the echo handlers to mux.
func Register(mux *host.Mux) error {
	return errors.Join(
		mux.HandleUnary(Say, say),
		mux.HandleServerStream(Introduce, introduce),
		mux.HandleStream(Converse, converse),
		mux.HandleStream(Count, count),
	)
}

// say repeats the sentence back. An empty sentence is invalid.
func say(_ context.Context, req proto.Message) (proto.Message, error) {
	s := Sentence(req)
	if s == "" {
		return nil, chanrpc.NewError(codes.InvalidArgument, "empty sentence")
	}
	return WithString("SayResponse", s), nil
}

// introduce sends one word per response.
func introduce(ctx context.Context, req proto.Message, send func(proto.Message) error) error {
	name := Sentence(req)
	if name == "" {
		name = "anonymous"
	}
	for _, w := range strings.Fields("Hi " + name + ", I'm an echo service") {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := send(WithString("IntroduceResponse", w)); err != nil {
			return err
		}
	}
	return nil
}

// converse answers every sentence as it arrives.
func converse(ctx context.Context, recv func() (proto.Message, error), send func(proto.Message) error) error {
	for {
		req, err := recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := send(WithString("ConverseResponse", "you said: "+Sentence(req))); err != nil {
			return err
		}
	}
}

// count answers once, after the last sentence.
func count(ctx context.Context, recv func() (proto.Message, error), send func(proto.Message) error) error {
	var n int64
	for {
		_, err := recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		n++
	}
	resp := New("CountResponse")
	r := resp.ProtoReflect()
	r.Set(r.Descriptor().Fields().ByName("count"), protoreflect.ValueOfInt64(n))
	return send(resp)
}
