// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fifo

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestQueueOrder(t *testing.T) {
	q := New[int]()
	for i := 0; i < 100; i++ {
		q.Push(i)
	}
	q.Close(nil)

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		v, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("Pop %d: %v", i, err)
		}
		if v != i {
			t.Fatalf("got %d, want %d", v, i)
		}
	}
	if _, err := q.Pop(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("got %v, want io.EOF", err)
	}
}

func TestQueuePopWaits(t *testing.T) {
	q := New[string]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Push("late")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if v != "late" {
		t.Errorf("got %q, want %q", v, "late")
	}
}

func TestQueuePopContext(t *testing.T) {
	q := New[int]()
	cause := errors.New("stop")
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(cause)
	if _, err := q.Pop(ctx); !errors.Is(err, cause) {
		t.Fatalf("got %v, want %v", err, cause)
	}
}

func TestQueueAbort(t *testing.T) {
	q := New[int]()
	q.Push(1)
	boom := errors.New("boom")
	if !q.Abort(boom) {
		t.Fatal("first Abort should close")
	}
	if q.Push(2) {
		t.Fatal("Push after Abort should fail")
	}
	if _, err := q.Pop(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("got %v, want %v", err, boom)
	}
	if q.Close(nil) {
		t.Fatal("second close should be a no-op")
	}
}
