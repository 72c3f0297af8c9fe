// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chanrpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/dynamicpb"
	"google.golang.org/protobuf/types/known/anypb"
)

// Codec converts protobuf payloads to and from their JSON wire form.
// Requests are written as protojson Any (with "@type") so a dispatcher can
// route them by input type; responses are plain protojson. Unmarshal
// accepts both.
type Codec struct {
	types TypeResolver
}

// NewCodec returns a codec resolving types with r, or the global registry when r is nil.
func NewCodec(r TypeResolver) *Codec {
	if r == nil {
		r = protoregistry.GlobalTypes
	}
	return &Codec{types: r}
}

// Types returns the registry the codec resolves against.
func (c *Codec) Types() TypeResolver { return c.types }

func (c *Codec) Marshal(m proto.Message) (json.RawMessage, error) {
	b, err := protojson.MarshalOptions{Resolver: c.types}.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.ProtoReflect().Descriptor().FullName(), err)
	}
	return b, nil
}

func (c *Codec) MarshalRequest(m proto.Message) (json.RawMessage, error) {
	a, err := anypb.New(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.ProtoReflect().Descriptor().FullName(), err)
	}
	return c.Marshal(a)
}

// Unmarshal decodes raw as a message of type desc.
func (c *Codec) Unmarshal(raw json.RawMessage, desc protoreflect.MessageDescriptor) (proto.Message, error) {
	msg := c.New(desc)
	if !hasTypeField(raw) {
		if err := (protojson.UnmarshalOptions{Resolver: c.types}).Unmarshal(raw, msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", desc.FullName(), err)
		}
		return msg, nil
	}
	a := new(anypb.Any)
	if err := (protojson.UnmarshalOptions{Resolver: c.types}).Unmarshal(raw, a); err != nil {
		return nil, fmt.Errorf("decode %s: %w", desc.FullName(), err)
	}
	if err := anypb.UnmarshalTo(a, msg, proto.UnmarshalOptions{Resolver: c.types}); err != nil {
		return nil, fmt.Errorf("decode %s: %w", desc.FullName(), err)
	}
	return msg, nil
}

// UnmarshalAny decodes a request written by MarshalRequest without knowing
// its type in advance.
func (c *Codec) UnmarshalAny(raw json.RawMessage) (proto.Message, error) {
	a := new(anypb.Any)
	if err := (protojson.UnmarshalOptions{Resolver: c.types}).Unmarshal(raw, a); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	m, err := anypb.UnmarshalNew(a, proto.UnmarshalOptions{Resolver: c.types})
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", a.GetTypeUrl(), err)
	}
	return m, nil
}

// New returns an empty message of type desc, preferring the registered
// concrete type over a dynamic one.
func (c *Codec) New(desc protoreflect.MessageDescriptor) proto.Message {
	if mt, err := c.types.FindMessageByName(desc.FullName()); err == nil {
		return mt.New().Interface()
	}
	return dynamicpb.NewMessage(desc)
}

func hasTypeField(raw json.RawMessage) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return false
	}
	_, ok := fields["@type"]
	return ok
}
