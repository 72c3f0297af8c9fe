// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package session_test

import (
	"errors"
	"io"
	"iter"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/proto"

	"github.com/luxfi/chanrpc"
	"github.com/luxfi/chanrpc/host"
	"github.com/luxfi/chanrpc/internal/echo"
	"github.com/luxfi/chanrpc/port"
	"github.com/luxfi/chanrpc/session"
)

// echoHost serves the echo service to connections made through the
// returned hub.
func echoHost(t *testing.T) (*port.Hub, *host.Server) {
	t.Helper()
	mux := host.NewMux(echo.Types)
	if err := echo.Register(mux); err != nil {
		t.Fatal(err)
	}
	srv := host.NewServer(mux, host.WithLogger(zerolog.Nop()), host.WithClaimTimeout(2*time.Second))
	hub := port.NewHub(srv.Accept)
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
	})
	return hub, srv
}

func newTransport(t *testing.T, hub *port.Hub, clientStreaming bool) *chanrpc.Transport {
	t.Helper()
	tr := session.NewTransport(t.Name(), hub, clientStreaming,
		chanrpc.WithTypes(echo.Types),
		chanrpc.WithLogger(zerolog.Nop()),
	)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

// echoTransport connects a transport to an echo host through an in-memory hub.
func echoTransport(t *testing.T, clientStreaming bool) (*chanrpc.Transport, *host.Server) {
	t.Helper()
	hub, srv := echoHost(t)
	return newTransport(t, hub, clientStreaming), srv
}

func sentences(t *testing.T, s *chanrpc.ClientStream) []string {
	t.Helper()
	out, err := collect(s)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	return out
}

func collect(s *chanrpc.ClientStream) ([]string, error) {
	var out []string
	for {
		msg, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, echo.Sentence(msg))
	}
}

func requests(name string, values ...string) iter.Seq[proto.Message] {
	return func(yield func(proto.Message) bool) {
		for _, v := range values {
			if !yield(echo.WithString(name, v)) {
				return
			}
		}
	}
}

func TestEndToEndUnary(t *testing.T) {
	ctx := testContext(t)
	tr, srv := echoTransport(t, false)

	resp, err := tr.Unary(ctx, echo.Say, nil, echo.NewSayRequest("hello"))
	if err != nil {
		t.Fatalf("Unary: %v", err)
	}
	if got := echo.Sentence(resp.Message); got != "hello" {
		t.Errorf("got %q", got)
	}

	_, err = tr.Unary(ctx, echo.Say, nil, echo.NewSayRequest(""))
	if chanrpc.Code(err) != codes.InvalidArgument {
		t.Errorf("empty sentence = %v, want InvalidArgument", err)
	}
	if tr.Err() != nil {
		t.Errorf("a call error failed the transport: %v", tr.Err())
	}
	if snap := srv.Snapshot(); len(snap) != 1 || snap[0].Label != t.Name() {
		t.Errorf("Snapshot = %+v", snap)
	}
}

func TestEndToEndServerStream(t *testing.T) {
	ctx := testContext(t)
	tr, _ := echoTransport(t, false)

	s, err := tr.ServerStream(ctx, echo.Introduce, nil, echo.WithString("IntroduceRequest", "bob"))
	if err != nil {
		t.Fatalf("ServerStream: %v", err)
	}
	want := []string{"Hi", "bob,", "I'm", "an", "echo", "service"}
	if got := sentences(t, s); !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestEndToEndBidi(t *testing.T) {
	ctx := testContext(t)
	tr, _ := echoTransport(t, true)

	s, err := tr.Stream(ctx, echo.Converse, nil, requests("ConverseRequest", "one", "two"))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	want := []string{"you said: one", "you said: two"}
	if got := sentences(t, s); !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestEndToEndClientStream(t *testing.T) {
	ctx := testContext(t)
	tr, _ := echoTransport(t, true)

	s, err := tr.Stream(ctx, echo.Count, nil, requests("CountRequest", "a", "b", "c"))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	msg, err := s.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if n := echo.CountOf(msg); n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
	if _, err := s.Recv(); !errors.Is(err, io.EOF) {
		t.Errorf("second Recv = %v, want EOF", err)
	}
}

func TestEndToEndHostShutdown(t *testing.T) {
	ctx := testContext(t)
	tr, srv := echoTransport(t, false)

	if _, err := tr.Unary(ctx, echo.Say, nil, echo.NewSayRequest("hi")); err != nil {
		t.Fatal(err)
	}
	srv.Close()
	eventually(t, func() bool { return tr.Err() != nil })
	if chanrpc.Code(tr.Err()) != codes.Unavailable {
		t.Errorf("transport failed with %v", tr.Err())
	}
	if _, ok := session.Lookup(t.Name()); ok {
		t.Error("session outlived its host")
	}
}

func TestTransportsShareSession(t *testing.T) {
	ctx := testContext(t)
	hub, srv := echoHost(t)
	a := newTransport(t, hub, false)
	b := newTransport(t, hub, false)

	if _, err := b.Unary(ctx, echo.Say, nil, echo.NewSayRequest("first")); err != nil {
		t.Fatalf("Unary on b: %v", err)
	}
	want := []string{"Hi", "bob,", "I'm", "an", "echo", "service"}
	for i := range 10 {
		s, err := a.ServerStream(ctx, echo.Introduce, nil, echo.WithString("IntroduceRequest", "bob"))
		if err != nil {
			t.Fatalf("ServerStream %d: %v", i, err)
		}
		if got := sentences(t, s); !slices.Equal(got, want) {
			t.Fatalf("stream %d: got %v, want %v", i, got, want)
		}
	}

	// interleaved calls from both
	var wg sync.WaitGroup
	for _, tr := range []*chanrpc.Transport{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 5 {
				s, err := tr.ServerStream(ctx, echo.Introduce, nil, echo.WithString("IntroduceRequest", "bob"))
				if err != nil {
					t.Errorf("ServerStream: %v", err)
					return
				}
				if got, err := collect(s); err != nil || !slices.Equal(got, want) {
					t.Errorf("got %v (%v), want %v", got, err, want)
					return
				}
				if _, err := tr.Unary(ctx, echo.Say, nil, echo.NewSayRequest("hi")); err != nil {
					t.Errorf("Unary: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if a.Err() != nil || b.Err() != nil {
		t.Errorf("transports failed: %v, %v", a.Err(), b.Err())
	}
	if snap := srv.Snapshot(); len(snap) != 1 {
		t.Errorf("Snapshot = %+v, want one session", snap)
	}
}
