// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package port

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"google.golang.org/grpc/codes"

	"github.com/luxfi/chanrpc"
)

// StreamFrom reads a stream sub-channel. The returned pipe yields every value
// chunk in order and ends at the done or abort chunk. If the peer goes away
// first, or ctx ends, the pipe fails with codes.Unavailable. Canceling the
// pipe disconnects p.
func StreamFrom(ctx context.Context, p Port) *chanrpc.StreamPipe {
	pipe := chanrpc.NewStreamPipe()
	ended := make(chan struct{})
	var once sync.Once
	end := func(err error) {
		once.Do(func() {
			pipe.CloseSend(err)
			close(ended)
			p.Disconnect()
		})
	}

	p.OnMessage(func(raw json.RawMessage) {
		var c chanrpc.StreamChunk
		if err := json.Unmarshal(raw, &c); err != nil {
			end(chanrpc.NewError(codes.Internal, fmt.Sprintf("%v: %v", chanrpc.ErrMalformedEvent, err)))
			return
		}
		switch {
		case c.Abort != nil:
			end(chanrpc.ErrorFromJSON(c.Abort, nil))
		case c.Done:
			end(nil)
		default:
			if err := pipe.Send(c.Value); err != nil {
				end(err)
			}
		}
	})
	p.OnDisconnect(func() {
		end(chanrpc.NewError(codes.Unavailable, chanrpc.ErrDisconnected.Error()))
	})
	go func() {
		select {
		case <-pipe.Done():
			end(pipe.Err())
		case <-ctx.Done():
			err := chanrpc.NewError(codes.Unavailable, chanrpc.ErrDisconnected.Error())
			pipe.Cancel(err)
			end(err)
		case <-ended:
		}
	}()
	return pipe
}

// PumpStream writes s to the sub-channel p until s ends, then sends the done
// chunk, or an abort chunk if s failed. If p's peer disconnects, s is
// canceled. p is disconnected when PumpStream returns.
func PumpStream(ctx context.Context, p Port, s chanrpc.Stream) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	p.OnDisconnect(func() { cancel(chanrpc.ErrDisconnected) })
	defer p.Disconnect()

	for {
		raw, err := s.Recv(ctx)
		switch {
		case errors.Is(err, io.EOF):
			return p.Post(&chanrpc.StreamChunk{Done: true})
		case err != nil && ctx.Err() != nil:
			cause := context.Cause(ctx)
			s.Cancel(cause)
			return cause
		case err != nil:
			_ = p.Post(&chanrpc.StreamChunk{Abort: chanrpc.ErrorFrom(err).JSON()})
			return err
		}
		if err := p.Post(&chanrpc.StreamChunk{Value: raw}); err != nil {
			s.Cancel(err)
			return err
		}
	}
}
