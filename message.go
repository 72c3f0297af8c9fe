// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chanrpc

import (
	"bytes"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/metadata"
)

// Disconnect is the sentinel sent as a bare message body to announce that a
// channel is, or is about to be, closed. It is the only non-object item on
// the wire.
const Disconnect = false

// TransportMessage carries one complete request or response payload.
type TransportMessage struct {
	RequestID string          `json:"requestId"`
	Message   json.RawMessage `json:"message"`
	Header    metadata.MD     `json:"header,omitempty"`
	Trailer   metadata.MD     `json:"trailer,omitempty"`
}

// TransportStream carries a live stream instead of a value. It can only be
// sent over channels that pass Go values as-is, such as a ChannelPort pair;
// relays must negotiate a sub-channel instead.
type TransportStream struct {
	RequestID string
	Stream    Stream
	Header    metadata.MD
	Trailer   metadata.MD
}

// MarshalJSON always fails: a live stream has no serialized form.
func (*TransportStream) MarshalJSON() ([]byte, error) {
	return nil, ErrNotCloneable
}

// TransportAbort asks the remote side to stop work on a pending call.
type TransportAbort struct {
	RequestID string `json:"requestId"`
	Abort     bool   `json:"abort"`
}

// TransportError reports a failure. Without a RequestID it applies to the
// whole channel.
type TransportError struct {
	RequestID string      `json:"requestId,omitempty"`
	Err       *ErrorJSON  `json:"error"`
	Metadata  metadata.MD `json:"metadata,omitempty"`
}

// ChannelInit announces a stream sub-channel for a pending request.
type ChannelInit struct {
	Channel   string `json:"channel"`
	RequestID string `json:"requestId"`
}

// StreamChunk is one item on a stream sub-channel: a value, the end of the
// stream, or an abort carrying the failure.
type StreamChunk struct {
	Value json.RawMessage `json:"value,omitempty"`
	Done  bool            `json:"done,omitempty"`
	Abort *ErrorJSON      `json:"abort,omitempty"`
}

// Kind classifies an inbound item.
type Kind int

const (
	KindUnrecognized Kind = iota
	KindMessage
	KindStream
	KindAbort
	KindError
	KindChannelInit
	KindDisconnect
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindStream:
		return "stream"
	case KindAbort:
		return "abort"
	case KindError:
		return "error"
	case KindChannelInit:
		return "channel-init"
	case KindDisconnect:
		return "disconnect"
	default:
		return "unrecognized"
	}
}

// Parse classifies v into exactly one Kind. Typed events are returned as-is;
// raw JSON is decoded first. Anything else, including typed events missing
// their required fields, is KindUnrecognized.
func Parse(v any) (any, Kind) {
	switch m := v.(type) {
	case bool:
		if !m {
			return Disconnect, KindDisconnect
		}
	case *TransportMessage:
		if m != nil && m.RequestID != "" {
			return m, KindMessage
		}
	case *TransportStream:
		if m != nil && m.RequestID != "" && m.Stream != nil {
			return m, KindStream
		}
	case *TransportAbort:
		if m != nil && m.RequestID != "" && m.Abort {
			return m, KindAbort
		}
	case *TransportError:
		if m != nil && m.Err != nil {
			return m, KindError
		}
	case *ChannelInit:
		if m != nil && m.Channel != "" && m.RequestID != "" {
			return m, KindChannelInit
		}
	case json.RawMessage:
		if ev, err := DecodeEvent(m); err == nil {
			return Parse(ev)
		}
	case []byte:
		if ev, err := DecodeEvent(m); err == nil {
			return Parse(ev)
		}
	}
	return v, KindUnrecognized
}

func IsTransportMessage(v any) bool { _, k := Parse(v); return k == KindMessage }

func IsTransportStream(v any) bool { _, k := Parse(v); return k == KindStream }

func IsTransportAbort(v any) bool { _, k := Parse(v); return k == KindAbort }

func IsTransportError(v any) bool { _, k := Parse(v); return k == KindError }

func IsChannelInit(v any) bool { _, k := Parse(v); return k == KindChannelInit }

func IsDisconnect(v any) bool { _, k := Parse(v); return k == KindDisconnect }

// DecodeEvent decodes one relayed item. The predicates are ordered: message,
// stream, abort, error, channel-init. A stream can never arrive as JSON, so
// an object shaped like one is malformed.
func DecodeEvent(raw json.RawMessage) (any, error) {
	raw = bytes.TrimSpace(raw)
	if bytes.Equal(raw, []byte("false")) {
		return Disconnect, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedEvent)
	}

	var requestID string
	if r, ok := fields["requestId"]; ok {
		if err := json.Unmarshal(r, &requestID); err != nil {
			return nil, fmt.Errorf("%w: requestId is not a string", ErrMalformedEvent)
		}
	}
	_, hasMessage := fields["message"]
	_, hasStream := fields["stream"]
	_, hasError := fields["error"]
	_, hasChannel := fields["channel"]

	switch {
	case requestID != "" && hasMessage:
		var m TransportMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return &m, nil
	case requestID != "" && hasStream:
		return nil, fmt.Errorf("%w: stream for %s sent as a value", ErrMalformedEvent, requestID)
	case requestID != "" && bytes.Equal(bytes.TrimSpace(fields["abort"]), []byte("true")):
		return &TransportAbort{RequestID: requestID, Abort: true}, nil
	case hasError:
		var e TransportError
		if err := json.Unmarshal(raw, &e); err != nil || e.Err == nil {
			return nil, fmt.Errorf("%w: error is not an object", ErrMalformedEvent)
		}
		return &e, nil
	case requestID != "" && hasChannel:
		var c ChannelInit
		if err := json.Unmarshal(raw, &c); err != nil || c.Channel == "" {
			return nil, fmt.Errorf("%w: bad channel name", ErrMalformedEvent)
		}
		return &c, nil
	}
	return nil, fmt.Errorf("%w: unknown shape", ErrMalformedEvent)
}
