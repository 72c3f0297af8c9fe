// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chanrpc

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/luxfi/chanrpc/internal/fifo"
)

var _ Stream = (*StreamPipe)(nil)

// StreamPipe is an in-process Stream. The producer calls Send and CloseSend;
// the consumer calls Recv and, if it gives up early, Cancel. Producers watch
// Done to learn that nobody is reading any more.
type StreamPipe struct {
	q    *fifo.Queue[json.RawMessage]
	done chan struct{}

	once      sync.Once
	cancelErr error
}

func NewStreamPipe() *StreamPipe {
	return &StreamPipe{
		q:    fifo.New[json.RawMessage](),
		done: make(chan struct{}),
	}
}

// Send queues one chunk. It fails once the stream is closed or canceled.
func (s *StreamPipe) Send(chunk json.RawMessage) error {
	if !s.q.Push(chunk) {
		if err := s.Err(); err != nil {
			return err
		}
		return ErrPortClosed
	}
	return nil
}

// CloseSend ends the stream after the queued chunks. A nil err is a normal
// end; otherwise Recv returns err once the queue is drained.
func (s *StreamPipe) CloseSend(err error) {
	s.q.Close(err)
}

func (s *StreamPipe) Recv(ctx context.Context) (json.RawMessage, error) {
	return s.q.Pop(ctx)
}

func (s *StreamPipe) Cancel(err error) {
	if err == nil {
		err = context.Canceled
	}
	s.once.Do(func() {
		s.cancelErr = err
		s.q.Abort(err)
		close(s.done)
	})
}

// Done is closed when the consumer cancels.
func (s *StreamPipe) Done() <-chan struct{} { return s.done }

// Err returns the cancellation reason, nil while not canceled.
func (s *StreamPipe) Err() error {
	select {
	case <-s.done:
		return s.cancelErr
	default:
		return nil
	}
}
