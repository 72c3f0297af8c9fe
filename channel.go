// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chanrpc

import (
	"context"
	"slices"
	"sync"

	"github.com/luxfi/chanrpc/internal/fifo"
)

var _ Endpoint = (*ChannelPort)(nil)

// ChannelPort is one end of an in-process duplex channel. Values are passed
// as-is, so a TransportStream can cross it. Delivery is FIFO and unbounded;
// messages sent before Start are kept until Start is called.
type ChannelPort struct {
	peer  *ChannelPort
	inbox *fifo.Queue[any]

	mu        sync.Mutex
	onMessage []func(any)
	onError   []func(error)
	startOnce sync.Once
}

// NewChannel returns the two entangled ends of a new channel.
func NewChannel() (*ChannelPort, *ChannelPort) {
	a := &ChannelPort{inbox: fifo.New[any]()}
	b := &ChannelPort{inbox: fifo.New[any]()}
	a.peer, b.peer = b, a
	return a, b
}

func (p *ChannelPort) Send(msg any) error {
	if !p.peer.inbox.Push(msg) {
		return ErrPortClosed
	}
	return nil
}

func (p *ChannelPort) OnMessage(fn func(any)) {
	p.mu.Lock()
	p.onMessage = append(p.onMessage, fn)
	p.mu.Unlock()
}

func (p *ChannelPort) OnMessageError(fn func(error)) {
	p.mu.Lock()
	p.onError = append(p.onError, fn)
	p.mu.Unlock()
}

func (p *ChannelPort) Start() {
	p.startOnce.Do(func() { go p.deliver() })
}

// Close stops delivery to p. Messages p already sent are still delivered to
// the peer, but neither side can send afterwards.
func (p *ChannelPort) Close() {
	p.inbox.Abort(ErrPortClosed)
	p.peer.inbox.Close(ErrPortClosed)
}

func (p *ChannelPort) deliver() {
	ctx := context.Background()
	for {
		msg, err := p.inbox.Pop(ctx)
		if err != nil {
			return
		}
		p.mu.Lock()
		fns := slices.Clone(p.onMessage)
		p.mu.Unlock()
		for _, fn := range fns {
			fn(msg)
		}
	}
}
