// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package port provides privileged connections: named, JSON-carrying duplex
// connections with explicit connect and disconnect events.
package port

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/luxfi/chanrpc"
	"github.com/luxfi/chanrpc/internal/fifo"
)

// Port is one end of a privileged connection.
//
// Messages are delivered in order once a listener is registered. A side that
// calls Disconnect is not told about it; only its peer's OnDisconnect
// listeners run, after every message already sent has been delivered.
type Port interface {
	// Name is the name the connection was opened with
	Name() string

	// Post sends msg as JSON. Values with no JSON form fail with an error
	// wrapping chanrpc.ErrNotCloneable.
	Post(msg any) error

	OnMessage(fn func(msg json.RawMessage))
	OnDisconnect(fn func())
	Disconnect()
}

// Dialer opens privileged connections.
type Dialer interface {
	Connect(ctx context.Context, name string) (Port, error)
}

// AcceptFunc is called with the host's end of every new connection. It must
// not block.
type AcceptFunc func(p Port)

var (
	errLocalClose  = errors.New("port: disconnected locally")
	errRemoteClose = errors.New("port: disconnected by peer")
)

// marshal gives msg its wire form. Every encoding failure is a clone failure.
func marshal(msg any) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err == nil {
		return b, nil
	}
	if errors.Is(err, chanrpc.ErrNotCloneable) {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %v", chanrpc.ErrNotCloneable, err)
}

// conn is the listener and delivery half shared by every Port.
type conn struct {
	name  string
	inbox *fifo.Queue[json.RawMessage]

	mu           sync.Mutex
	onMessage    []func(json.RawMessage)
	onDisconnect []func()
	startOnce    sync.Once
}

func newConn(name string) *conn {
	return &conn{name: name, inbox: fifo.New[json.RawMessage]()}
}

func (c *conn) Name() string { return c.name }

func (c *conn) OnMessage(fn func(json.RawMessage)) {
	c.mu.Lock()
	c.onMessage = append(c.onMessage, fn)
	c.mu.Unlock()
	c.start()
}

func (c *conn) OnDisconnect(fn func()) {
	c.mu.Lock()
	c.onDisconnect = append(c.onDisconnect, fn)
	c.mu.Unlock()
	c.start()
}

// closeLocal stops delivery without notifying anyone on this side.
func (c *conn) closeLocal() bool {
	return c.inbox.Abort(errLocalClose)
}

// closeRemote ends delivery after the queued messages and then notifies.
func (c *conn) closeRemote() bool {
	return c.inbox.Close(errRemoteClose)
}

func (c *conn) closed() bool { return c.inbox.Closed() }

func (c *conn) start() {
	c.startOnce.Do(func() { go c.deliver() })
}

func (c *conn) deliver() {
	ctx := context.Background()
	for {
		msg, err := c.inbox.Pop(ctx)
		if err != nil {
			if errors.Is(err, errRemoteClose) {
				c.mu.Lock()
				fns := slices.Clone(c.onDisconnect)
				c.mu.Unlock()
				for _, fn := range fns {
					fn()
				}
			}
			return
		}
		c.mu.Lock()
		fns := slices.Clone(c.onMessage)
		c.mu.Unlock()
		for _, fn := range fns {
			fn(msg)
		}
	}
}
