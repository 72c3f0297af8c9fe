// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package chanrpc runs unary and streaming protobuf calls over a duplex
// message channel.
//
// # Channels
//
// An Endpoint is one end of an ordered, asynchronous channel that passes
// structured values. NewChannel returns an in-process pair; the session
// package provides an Endpoint relayed over a privileged connection
// (websocket or in-memory, see package port).
//
// # Usage
//
// Client usage:
//
//	t := chanrpc.New(func(ctx context.Context) (chanrpc.Endpoint, error) {
//	    return session.Init(ctx, "wallet", dialer)
//	}, chanrpc.WithDefaultTimeout(5*time.Second))
//	defer t.Close()
//
//	resp, err := t.Unary(ctx, sayMethod, nil, req)
//	if err != nil {
//	    log.Println(chanrpc.Code(err))
//	}
//
//	s, err := t.ServerStream(ctx, introduceMethod, nil, req)
//	for msg, err := range s.All() {
//	    ...
//	}
//
// Generated grpc stubs work through NewClientConn.
//
// # Failures
//
// Every failure is an *Error carrying a grpc code:
//
//   - DeadlineExceeded: acquisition, response or stall timeout (ErrAcquireTimeout,
//     ErrCallTimeout, ErrStreamStalled tell them apart with errors.Is)
//   - Canceled: the caller's context was canceled
//   - Unavailable: the channel disconnected or failed; the Transport is done
//   - anything else: the remote side's own classification
//
// # Architecture
//
//   - message.go: wire events and their classification
//   - transport.go: Transport, pending-call table and failure handling
//   - stream.go: ClientStream with the stall timer
//   - codec.go: protojson payload codec
//   - channel.go, stream_pipe.go: in-process channel and stream
//   - grpc.go: grpc.ClientConnInterface adapter
package chanrpc
