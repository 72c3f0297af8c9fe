// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package session

import (
	"context"

	"github.com/luxfi/chanrpc"
	"github.com/luxfi/chanrpc/port"
)

// NewTransport returns a Transport whose endpoint is the session for
// identity. The session is opened on the first call. Client streaming is
// enabled on both layers together so they cannot disagree.
func NewTransport(identity string, dialer port.Dialer, clientStreaming bool, opts ...chanrpc.Option) *chanrpc.Transport {
	opts = append(opts, chanrpc.WithClientStreaming(clientStreaming))
	return chanrpc.New(func(ctx context.Context) (chanrpc.Endpoint, error) {
		return Init(ctx, identity, dialer, WithClientStreaming(clientStreaming))
	}, opts...)
}

// Dial is NewTransport for a host URL, using the dialer registered for the
// URL's scheme.
func Dial(rawURL, identity string, clientStreaming bool, opts ...chanrpc.Option) (*chanrpc.Transport, error) {
	d, err := port.NewDialer(rawURL)
	if err != nil {
		return nil, err
	}
	return NewTransport(identity, d, clientStreaming, opts...), nil
}
