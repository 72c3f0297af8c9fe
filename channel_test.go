// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chanrpc

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestChannelQueuesUntilStart(t *testing.T) {
	a, b := NewChannel()
	for i := range 3 {
		if err := a.Send(i); err != nil {
			t.Fatal(err)
		}
	}
	got := make(chan any, 3)
	b.OnMessage(func(v any) { got <- v })
	b.Start()
	b.Start()
	for i := range 3 {
		select {
		case v := <-got:
			if v != i {
				t.Fatalf("message %d = %v", i, v)
			}
		case <-time.After(time.Second):
			t.Fatal("message not delivered")
		}
	}
}

func TestChannelPassesValuesAsIs(t *testing.T) {
	a, b := NewChannel()
	pipe := NewStreamPipe()
	got := make(chan any, 1)
	b.OnMessage(func(v any) { got <- v })
	b.Start()
	if err := a.Send(&TransportStream{RequestID: "1", Stream: pipe}); err != nil {
		t.Fatal(err)
	}
	ev := (<-got).(*TransportStream)
	if ev.Stream != pipe {
		t.Error("stream was copied")
	}
}

func TestChannelClose(t *testing.T) {
	a, b := NewChannel()
	if err := a.Send("last"); err != nil {
		t.Fatal(err)
	}
	a.Close()
	if err := a.Send("x"); !errors.Is(err, ErrPortClosed) {
		t.Errorf("Send after Close = %v", err)
	}
	if err := b.Send("x"); !errors.Is(err, ErrPortClosed) {
		t.Errorf("peer Send after Close = %v", err)
	}
	got := make(chan any, 1)
	b.OnMessage(func(v any) { got <- v })
	b.Start()
	select {
	case v := <-got:
		if v != "last" {
			t.Errorf("got %v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("queued message lost")
	}
}

func TestStreamPipe(t *testing.T) {
	ctx := context.Background()
	s := NewStreamPipe()
	if err := s.Send([]byte(`1`)); err != nil {
		t.Fatal(err)
	}
	s.CloseSend(nil)
	if err := s.Send([]byte(`2`)); err == nil {
		t.Error("Send after CloseSend succeeded")
	}
	chunk, err := s.Recv(ctx)
	if err != nil || string(chunk) != "1" {
		t.Fatalf("Recv = %s, %v", chunk, err)
	}
	if _, err := s.Recv(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("Recv at end = %v", err)
	}
}

func TestStreamPipeCloseWithError(t *testing.T) {
	s := NewStreamPipe()
	boom := errors.New("boom")
	s.CloseSend(boom)
	if _, err := s.Recv(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Recv = %v", err)
	}
}

func TestStreamPipeCancel(t *testing.T) {
	s := NewStreamPipe()
	_ = s.Send([]byte(`1`))
	if s.Err() != nil {
		t.Error("Err before Cancel")
	}
	s.Cancel(nil)
	s.Cancel(errors.New("second"))
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed")
	}
	if !errors.Is(s.Err(), context.Canceled) {
		t.Errorf("Err = %v", s.Err())
	}
	if err := s.Send([]byte(`2`)); !errors.Is(err, context.Canceled) {
		t.Errorf("Send after Cancel = %v", err)
	}
	// queued chunks are discarded
	if _, err := s.Recv(context.Background()); !errors.Is(err, context.Canceled) {
		t.Errorf("Recv after Cancel = %v", err)
	}
}

func TestStreamPipeRecvHonorsContext(t *testing.T) {
	s := NewStreamPipe()
	stall := errors.New("stalled")
	ctx, cancel := context.WithTimeoutCause(context.Background(), 10*time.Millisecond, stall)
	defer cancel()
	if _, err := s.Recv(ctx); !errors.Is(err, stall) {
		t.Errorf("Recv = %v", err)
	}
}
