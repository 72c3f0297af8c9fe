// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package port

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/luxfi/chanrpc"
)

// hostEnds collects the host end of every connection a Hub accepts.
func hostEnds() (AcceptFunc, chan Port) {
	ch := make(chan Port, 16)
	return func(p Port) { ch <- p }, ch
}

func recvPort(t *testing.T, ch chan Port) Port {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func TestHubDeliversInOrder(t *testing.T) {
	accept, hosts := hostEnds()
	hub := NewHub(accept)
	client, err := hub.Connect(context.Background(), "wallet/session")
	if err != nil {
		t.Fatal(err)
	}
	host := recvPort(t, hosts)
	if host.Name() != "wallet/session" || client.Name() != "wallet/session" {
		t.Errorf("names = %q, %q", host.Name(), client.Name())
	}

	// posted before anyone listens
	for i := range 5 {
		if err := client.Post(i); err != nil {
			t.Fatal(err)
		}
	}
	got := make(chan json.RawMessage, 5)
	host.OnMessage(func(m json.RawMessage) { got <- m })
	for i := range 5 {
		select {
		case m := <-got:
			var n int
			if err := json.Unmarshal(m, &n); err != nil || n != i {
				t.Fatalf("message %d = %s", i, m)
			}
		case <-time.After(time.Second):
			t.Fatal("message not delivered")
		}
	}
	if hub.Connects() != 1 || hub.Live() != 1 {
		t.Errorf("Connects = %d, Live = %d", hub.Connects(), hub.Live())
	}
}

func TestHubDisconnectNotifiesPeerOnly(t *testing.T) {
	accept, hosts := hostEnds()
	hub := NewHub(accept)
	client, _ := hub.Connect(context.Background(), "wallet/session")
	host := recvPort(t, hosts)

	clientGone := make(chan struct{}, 1)
	client.OnDisconnect(func() { clientGone <- struct{}{} })

	var order []string
	done := make(chan struct{})
	host.OnMessage(func(m json.RawMessage) { order = append(order, string(m)) })
	host.OnDisconnect(func() {
		order = append(order, "disconnect")
		close(done)
	})

	_ = client.Post("last")
	client.Disconnect()
	client.Disconnect()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("host not notified")
	}
	if len(order) != 2 || order[0] != `"last"` || order[1] != "disconnect" {
		t.Errorf("host saw %v", order)
	}
	select {
	case <-clientGone:
		t.Error("disconnecting side was notified")
	case <-time.After(50 * time.Millisecond):
	}
	if err := client.Post("x"); !errors.Is(err, chanrpc.ErrPortClosed) {
		t.Errorf("Post after Disconnect = %v", err)
	}
	if err := host.Post("x"); !errors.Is(err, chanrpc.ErrPortClosed) {
		t.Errorf("peer Post after Disconnect = %v", err)
	}
	if hub.Live() != 0 {
		t.Errorf("Live = %d", hub.Live())
	}
}

func TestHubRejectsNonCloneable(t *testing.T) {
	accept, hosts := hostEnds()
	hub := NewHub(accept)
	client, _ := hub.Connect(context.Background(), "wallet/session")
	_ = recvPort(t, hosts)

	for _, v := range []any{
		make(chan int),
		func() {},
		&chanrpc.TransportStream{RequestID: "1", Stream: chanrpc.NewStreamPipe()},
	} {
		if err := client.Post(v); !errors.Is(err, chanrpc.ErrNotCloneable) {
			t.Errorf("Post(%T) = %v, want ErrNotCloneable", v, err)
		}
	}
}

func TestHubClose(t *testing.T) {
	accept, hosts := hostEnds()
	hub := NewHub(accept)
	client, _ := hub.Connect(context.Background(), "wallet/session")
	_ = recvPort(t, hosts)

	gone := make(chan struct{})
	client.OnDisconnect(func() { close(gone) })
	hub.Close()
	select {
	case <-gone:
	case <-time.After(time.Second):
		t.Fatal("client not notified")
	}
	if _, err := hub.Connect(context.Background(), "wallet/session"); !errors.Is(err, chanrpc.ErrPortClosed) {
		t.Errorf("Connect after Close = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewHub(accept).Connect(ctx, "x/session"); !errors.Is(err, context.Canceled) {
		t.Errorf("Connect with canceled ctx = %v", err)
	}
}
