// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package host

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/luxfi/chanrpc/port"
)

var ErrClaimTimeout = errors.New("host: stream sub-channel never connected")

// rendezvous pairs incoming sub-channel connections with the request that
// announced them. Either side may come first. A connection nobody claims
// within the timeout is disconnected.
type rendezvous struct {
	timeout time.Duration
	onDrop  func()

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch chan port.Port
}

func newRendezvous(timeout time.Duration, onDrop func()) *rendezvous {
	return &rendezvous{timeout: timeout, onDrop: onDrop, slots: make(map[string]*slot)}
}

func (r *rendezvous) slot(name string) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[name]
	if !ok {
		s = &slot{ch: make(chan port.Port, 1)}
		r.slots[name] = s
	}
	return s
}

func (r *rendezvous) release(name string, s *slot) {
	r.mu.Lock()
	if r.slots[name] == s {
		delete(r.slots, name)
	}
	r.mu.Unlock()
}

func (r *rendezvous) arrive(p port.Port) {
	name := p.Name()
	s := r.slot(name)
	select {
	case s.ch <- p:
	default:
		// a second connection under the same name
		p.Disconnect()
		return
	}
	time.AfterFunc(r.timeout, func() {
		select {
		case stale := <-s.ch:
			r.release(name, s)
			stale.Disconnect()
			if r.onDrop != nil {
				r.onDrop()
			}
		default:
		}
	})
}

func (r *rendezvous) claim(ctx context.Context, name string) (port.Port, error) {
	s := r.slot(name)
	defer r.release(name, s)
	ctx, cancel := context.WithTimeoutCause(ctx, r.timeout, ErrClaimTimeout)
	defer cancel()
	select {
	case p := <-s.ch:
		return p, nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// pending reports how many names are awaiting their other half.
func (r *rendezvous) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}
