// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chanrpc_test

import (
	"errors"
	"io"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/luxfi/chanrpc"
	"github.com/luxfi/chanrpc/internal/echo"
)

func TestClientConnInvoke(t *testing.T) {
	ctx := testContext(t)
	_, getEndpoint := newRemote(func(r *remote, msg any) {
		id, req := requestOf(t, msg)
		if req == nil {
			return
		}
		tm := msg.(*chanrpc.TransportMessage)
		raw, _ := codec.Marshal(echo.WithString("SayResponse", echo.Sentence(req)+"!"))
		_ = r.port.Send(&chanrpc.TransportMessage{
			RequestID: id,
			Message:   raw,
			Header:    tm.Header,
			Trailer:   metadata.Pairs("x-served-by", "remote"),
		})
	})
	tr := chanrpc.New(getEndpoint, chanrpc.WithTypes(echo.Types))
	cc := chanrpc.NewClientConn(tr, echo.Files)

	ctx = metadata.AppendToOutgoingContext(ctx, "x-trace", "abc")
	reply := echo.New("SayResponse")
	var header, trailer metadata.MD
	err := cc.Invoke(ctx, "/"+echo.ServiceName+"/Say", echo.NewSayRequest("hey"), reply,
		grpc.Header(&header), grpc.Trailer(&trailer))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got := echo.Sentence(reply); got != "hey!" {
		t.Errorf("reply = %q", got)
	}
	if got := header.Get("x-trace"); len(got) != 1 || got[0] != "abc" {
		t.Errorf("header = %v", header)
	}
	if got := trailer.Get("x-served-by"); len(got) != 1 || got[0] != "remote" {
		t.Errorf("trailer = %v", trailer)
	}
}

func TestClientConnServerStream(t *testing.T) {
	ctx := testContext(t)
	_, getEndpoint := newRemote(func(r *remote, msg any) {
		if id, req := requestOf(t, msg); req != nil {
			r.replyStream(id, "a", "b")
		}
	})
	tr := chanrpc.New(getEndpoint, chanrpc.WithTypes(echo.Types))
	cc := chanrpc.NewClientConn(tr, echo.Files)

	desc := &grpc.StreamDesc{StreamName: "Introduce", ServerStreams: true}
	s, err := cc.NewStream(ctx, desc, "/"+echo.ServiceName+"/Introduce")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SendMsg(echo.WithString("IntroduceRequest", "x")); err != nil {
		t.Fatal(err)
	}
	if err := s.CloseSend(); err != nil {
		t.Fatal(err)
	}
	var got []string
	for {
		m := echo.New("IntroduceResponse")
		err := s.RecvMsg(m)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("RecvMsg: %v", err)
		}
		got = append(got, echo.Sentence(m))
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("got %v", got)
	}
}

func TestClientConnRejects(t *testing.T) {
	ctx := testContext(t)
	_, getEndpoint := newRemote(nil)
	tr := chanrpc.New(getEndpoint, chanrpc.WithTypes(echo.Types))
	cc := chanrpc.NewClientConn(tr, echo.Files)

	err := cc.Invoke(ctx, "/"+echo.ServiceName+"/Shout", echo.NewSayRequest("x"), echo.New("SayResponse"))
	if status.Code(err) != codes.Unimplemented {
		t.Errorf("unknown method = %v", err)
	}
	err = cc.Invoke(ctx, "/nope.Service/Say", echo.NewSayRequest("x"), echo.New("SayResponse"))
	if status.Code(err) != codes.Unimplemented {
		t.Errorf("unknown service = %v", err)
	}
	err = cc.Invoke(ctx, "Say", echo.NewSayRequest("x"), echo.New("SayResponse"))
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("malformed name = %v", err)
	}
	_, err = cc.NewStream(ctx, &grpc.StreamDesc{ClientStreams: true, ServerStreams: true}, "/"+echo.ServiceName+"/Converse")
	if status.Code(err) != codes.Unimplemented {
		t.Errorf("client stream = %v", err)
	}
	if tr.Pending() != 0 {
		t.Errorf("rejected calls left %d pending", tr.Pending())
	}
}
