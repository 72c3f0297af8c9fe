// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package port

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/luxfi/chanrpc"
)

var _ Dialer = (*Hub)(nil)

// Hub is an in-memory privileged host. Each Connect creates a port pair and
// hands the host end to accept.
type Hub struct {
	accept   AcceptFunc
	connects atomic.Int64

	mu    sync.Mutex
	live  map[*memPort]struct{}
	close bool
}

func NewHub(accept AcceptFunc) *Hub {
	return &Hub{accept: accept, live: make(map[*memPort]struct{})}
}

// Connect opens a connection named name.
func (h *Hub) Connect(ctx context.Context, name string) (Port, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	if h.close {
		h.mu.Unlock()
		return nil, chanrpc.ErrPortClosed
	}
	client, host := newMemPair(name)
	h.live[host] = struct{}{}
	h.mu.Unlock()

	h.connects.Add(1)
	host.onGone = func() {
		h.mu.Lock()
		delete(h.live, host)
		h.mu.Unlock()
	}
	h.accept(host)
	return client, nil
}

// Connects reports how many connections were ever opened.
func (h *Hub) Connects() int { return int(h.connects.Load()) }

// Live reports how many connections are still open on the host side.
func (h *Hub) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}

// Close disconnects every open connection from the host side and refuses
// new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.close = true
	ports := make([]*memPort, 0, len(h.live))
	for p := range h.live {
		ports = append(ports, p)
	}
	h.mu.Unlock()
	for _, p := range ports {
		p.Disconnect()
	}
}

type memPort struct {
	*conn
	peer   *memPort
	once   sync.Once
	onGone func()
}

func newMemPair(name string) (client, host *memPort) {
	client = &memPort{conn: newConn(name)}
	host = &memPort{conn: newConn(name)}
	client.peer, host.peer = host, client
	return client, host
}

// Post copies msg through its JSON form, so the receiver never shares memory
// with the sender.
func (p *memPort) Post(msg any) error {
	if p.closed() {
		return chanrpc.ErrPortClosed
	}
	b, err := marshal(msg)
	if err != nil {
		return err
	}
	if !p.peer.inbox.Push(b) {
		return chanrpc.ErrPortClosed
	}
	return nil
}

func (p *memPort) Disconnect() {
	p.once.Do(func() {
		p.closeLocal()
		p.peer.closeRemote()
		p.gone()
		p.peer.gone()
	})
}

func (p *memPort) gone() {
	if p.onGone != nil {
		p.onGone()
	}
}
