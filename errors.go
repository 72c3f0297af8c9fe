// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chanrpc

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

var (
	ErrAcquireTimeout  = errors.New("chanrpc: endpoint acquisition timed out")
	ErrCallTimeout     = errors.New("chanrpc: call timed out")
	ErrStreamStalled   = errors.New("chanrpc: stream stalled")
	ErrDisconnected    = errors.New("chanrpc: channel disconnected")
	ErrChannelError    = errors.New("chanrpc: channel error")
	ErrMalformedEvent  = errors.New("chanrpc: malformed transport event")
	ErrNotCloneable    = errors.New("chanrpc: value cannot cross a message boundary")
	ErrPortClosed      = errors.New("chanrpc: port closed")
	ErrTransportClosed = errors.New("chanrpc: transport closed")
)

const typeURLPrefix = "type.googleapis.com/"

// Error is a classified call failure. It carries a grpc status code so
// status.Code and status.FromError work on it, and it unwraps to the local
// cause (ErrCallTimeout, ErrStreamStalled, ...) when there is one.
type Error struct {
	code     codes.Code
	message  string
	details  []*anypb.Any
	metadata metadata.MD
	cause    error
}

// NewError returns an Error with the given code and message.
func NewError(c codes.Code, message string) *Error {
	return &Error{code: c, message: message}
}

// wrapError classifies a local cause.
func wrapError(c codes.Code, cause error) *Error {
	return &Error{code: c, message: cause.Error(), cause: cause}
}

func (e *Error) Error() string {
	if e.message == "" {
		return "[" + CodeName(e.code) + "]"
	}
	return fmt.Sprintf("[%s] %s", CodeName(e.code), e.message)
}

func (e *Error) Code() codes.Code { return e.code }

func (e *Error) Message() string { return e.message }

func (e *Error) Metadata() metadata.MD { return e.metadata }

func (e *Error) Unwrap() error { return e.cause }

// GRPCStatus lets grpc status helpers read the classification.
func (e *Error) GRPCStatus() *status.Status {
	return status.FromProto(&spb.Status{
		Code:    int32(e.code),
		Message: e.message,
		Details: e.details,
	})
}

// AddDetail attaches a structured detail message.
func (e *Error) AddDetail(m proto.Message) error {
	a, err := anypb.New(m)
	if err != nil {
		return err
	}
	e.details = append(e.details, a)
	return nil
}

// Details decodes the attached details with r, or the global registry when r is nil.
func (e *Error) Details(r TypeResolver) ([]proto.Message, error) {
	opts := proto.UnmarshalOptions{}
	if r != nil {
		opts.Resolver = r
	}
	out := make([]proto.Message, 0, len(e.details))
	for _, a := range e.details {
		m, err := anypb.UnmarshalNew(a, opts)
		if err != nil {
			return out, fmt.Errorf("decode detail %s: %w", a.GetTypeUrl(), err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Code returns the classification of err, codes.OK for nil.
func Code(err error) codes.Code {
	return status.Code(err)
}

// ErrorFrom converts any error into an *Error. Values that carry no
// classification are stringified under codes.Unknown, so there is always a
// structured form that can be sent across a channel.
func ErrorFrom(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	if st, ok := status.FromError(err); ok {
		p := st.Proto()
		return &Error{code: st.Code(), message: p.GetMessage(), details: p.GetDetails(), cause: err}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return wrapError(codes.DeadlineExceeded, err)
	case errors.Is(err, context.Canceled):
		return wrapError(codes.Canceled, err)
	}
	return wrapError(codes.Unknown, err)
}

// ErrorJSON is the wire form of an Error.
type ErrorJSON struct {
	Code    string            `json:"code"`
	Message string            `json:"message,omitempty"`
	Details []ErrorDetailJSON `json:"details,omitempty"`
}

// ErrorDetailJSON is one detail: a message type name and its base64 binary encoding.
type ErrorDetailJSON struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// JSON returns the wire form of e.
func (e *Error) JSON() *ErrorJSON {
	j := &ErrorJSON{Code: CodeName(e.code), Message: e.message}
	for _, a := range e.details {
		j.Details = append(j.Details, ErrorDetailJSON{
			Type:  strings.TrimPrefix(a.GetTypeUrl(), typeURLPrefix),
			Value: base64.RawStdEncoding.EncodeToString(a.GetValue()),
		})
	}
	return j
}

// ErrorFromJSON decodes the wire form. Unknown code names become codes.Unknown
// and undecodable details are dropped.
func ErrorFromJSON(j *ErrorJSON, md metadata.MD) *Error {
	if j == nil {
		return &Error{code: codes.Unknown, metadata: md}
	}
	c, ok := ParseCodeName(j.Code)
	if !ok {
		c = codes.Unknown
	}
	e := &Error{code: c, message: j.Message, metadata: md}
	for _, d := range j.Details {
		v, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(d.Value, "="))
		if err != nil {
			continue
		}
		e.details = append(e.details, &anypb.Any{TypeUrl: typeURLPrefix + d.Type, Value: v})
	}
	return e
}

var codeNames = map[codes.Code]string{
	codes.Canceled:           "canceled",
	codes.Unknown:            "unknown",
	codes.InvalidArgument:    "invalid_argument",
	codes.DeadlineExceeded:   "deadline_exceeded",
	codes.NotFound:           "not_found",
	codes.AlreadyExists:      "already_exists",
	codes.PermissionDenied:   "permission_denied",
	codes.ResourceExhausted:  "resource_exhausted",
	codes.FailedPrecondition: "failed_precondition",
	codes.Aborted:            "aborted",
	codes.OutOfRange:         "out_of_range",
	codes.Unimplemented:      "unimplemented",
	codes.Internal:           "internal",
	codes.Unavailable:        "unavailable",
	codes.DataLoss:           "data_loss",
	codes.Unauthenticated:    "unauthenticated",
}

var codesByName = func() map[string]codes.Code {
	m := make(map[string]codes.Code, len(codeNames))
	for c, n := range codeNames {
		m[n] = c
	}
	return m
}()

// CodeName returns the wire name of c, e.g. "deadline_exceeded".
func CodeName(c codes.Code) string {
	if c == codes.OK {
		return "ok"
	}
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("code_%d", uint32(c))
}

// ParseCodeName is the inverse of CodeName.
func ParseCodeName(name string) (codes.Code, bool) {
	c, ok := codesByName[name]
	return c, ok
}
