// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package session provides a chanrpc.Endpoint backed by a privileged
// connection.
//
// At most one session exists per identity. It relays everything the page
// sends to the privileged side and back, turns channel-init notices into
// stream sub-channels, and ends for good on the first disconnect from
// either side. There is no reconnection: a new session must be opened.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"

	"github.com/luxfi/chanrpc"
	"github.com/luxfi/chanrpc/internal/logx"
	"github.com/luxfi/chanrpc/port"
)

// Option configures a session
type Option func(*options)

type options struct {
	logger          zerolog.Logger
	clientStreaming bool
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClientStreaming lets the page send streams, each over its own
// sub-channel
func WithClientStreaming(enabled bool) Option {
	return func(o *options) { o.clientStreaming = enabled }
}

var (
	sessionsMu sync.Mutex
	sessions   = make(map[string]*Client)
	openings   = make(map[string]*opening)
)

// opening is a connect in progress for one identity. Other callers for the
// same identity wait on done instead of dialing again.
type opening struct {
	done chan struct{}
	c    *Client
	err  error
}

// Init returns the page endpoint of the session for identity, opening the
// session if there is none.
func Init(ctx context.Context, identity string, dialer port.Dialer, opts ...Option) (chanrpc.Endpoint, error) {
	c, err := Open(ctx, identity, dialer, opts...)
	if err != nil {
		return nil, err
	}
	return c.Endpoint(), nil
}

// Open returns the live session for identity or connects a new one. While a
// session is open, further calls return it and do not connect again. The
// dial holds up only callers for the same identity.
func Open(ctx context.Context, identity string, dialer port.Dialer, opts ...Option) (*Client, error) {
	sessionsMu.Lock()
	if c, ok := sessions[identity]; ok {
		sessionsMu.Unlock()
		return c, nil
	}
	if op, ok := openings[identity]; ok {
		sessionsMu.Unlock()
		select {
		case <-op.done:
			return op.c, op.err
		case <-ctx.Done():
			return nil, fmt.Errorf("session %s: %w", identity, context.Cause(ctx))
		}
	}
	op := &opening{done: make(chan struct{})}
	openings[identity] = op
	sessionsMu.Unlock()

	op.c, op.err = connect(ctx, identity, dialer, opts)

	sessionsMu.Lock()
	delete(openings, identity)
	if op.c != nil && !op.c.discarded() {
		sessions[identity] = op.c
	}
	sessionsMu.Unlock()
	close(op.done)
	return op.c, op.err
}

func connect(ctx context.Context, identity string, dialer port.Dialer, opts []Option) (*Client, error) {
	o := &options{logger: logx.Log}
	for _, opt := range opts {
		opt(o)
	}
	conn, err := dialer.Connect(ctx, port.SessionName(identity))
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", identity, err)
	}
	c := newClient(identity, dialer, conn, o)
	c.log.Debug().Msg("session opened")
	return c, nil
}

// Lookup returns the live session for identity.
func Lookup(identity string) (*Client, bool) {
	sessionsMu.Lock()
	defer sessionsMu.Unlock()
	c, ok := sessions[identity]
	return c, ok
}

// Client is one session. The page talks to Endpoint; the session talks to
// the privileged side.
type Client struct {
	identity string
	dialer   port.Dialer
	conn     port.Port
	opts     *options
	log      zerolog.Logger

	page *chanrpc.ChannelPort
	ext  *chanrpc.ChannelPort

	ctx    context.Context
	cancel context.CancelFunc

	closed chan struct{}
	once   sync.Once
}

func newClient(identity string, dialer port.Dialer, conn port.Port, o *options) *Client {
	page, ext := chanrpc.NewChannel()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		identity: identity,
		dialer:   dialer,
		conn:     conn,
		opts:     o,
		log:      o.logger.With().Str("session", identity).Logger(),
		page:     page,
		ext:      ext,
		ctx:      ctx,
		cancel:   cancel,
		closed:   make(chan struct{}),
	}
	ext.OnMessage(c.fromPage)
	ext.Start()
	conn.OnMessage(c.fromHost)
	conn.OnDisconnect(c.hostDisconnected)
	return c
}

// Endpoint is the page side of the session.
func (c *Client) Endpoint() chanrpc.Endpoint { return c.page }

// Identity is the label every connection name of this session starts with.
func (c *Client) Identity() string { return c.identity }

// Closed is closed once the session is discarded.
func (c *Client) Closed() <-chan struct{} { return c.closed }

// Discard ends the session as if the page had disconnected.
func (c *Client) Discard() {
	c.disconnect(true)
}

// disconnect tells the page the session is over, closes the privileged side
// when asked to and forgets the session.
func (c *Client) disconnect(closeHost bool) {
	c.once.Do(func() {
		sessionsMu.Lock()
		if sessions[c.identity] == c {
			delete(sessions, c.identity)
		}
		close(c.closed)
		sessionsMu.Unlock()

		c.cancel()
		if closeHost {
			c.conn.Disconnect()
		}
		_ = c.ext.Send(chanrpc.Disconnect)
		// later page sends fail at once instead of waiting on a dead session
		c.ext.Close()
		c.log.Debug().Bool("page_initiated", closeHost).Msg("session discarded")
	})
}

func (c *Client) discarded() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Client) hostDisconnected() {
	c.log.Info().Msg("privileged connection lost")
	c.disconnect(false)
}

// fromPage relays one page message to the privileged side.
func (c *Client) fromPage(msg any) {
	if c.discarded() {
		return
	}
	ev, kind := chanrpc.Parse(msg)
	switch kind {
	case chanrpc.KindDisconnect:
		c.disconnect(true)
		return
	case chanrpc.KindStream:
		ts := ev.(*chanrpc.TransportStream)
		if !c.opts.clientStreaming {
			c.reply(ts.RequestID, chanrpc.NewError(codes.Unimplemented, "client streaming is not enabled for this session"))
			ts.Stream.Cancel(chanrpc.ErrNotCloneable)
			return
		}
		c.sendStream(ts)
		return
	}
	if err := c.conn.Post(msg); err != nil {
		c.postFailed(requestID(ev), err)
	}
}

// postFailed reports a failed relay to the page. A value with no wire form
// is an internal error of the call; anything else means the privileged side
// is unreachable.
func (c *Client) postFailed(id string, err error) {
	c.log.Debug().Str("request_id", id).Err(err).Msg("relay failed")
	if errors.Is(err, chanrpc.ErrNotCloneable) {
		c.reply(id, chanrpc.NewError(codes.Internal, err.Error()))
		return
	}
	c.reply(id, chanrpc.NewError(codes.Unavailable, err.Error()))
}

func (c *Client) reply(id string, e *chanrpc.Error) {
	_ = c.ext.Send(&chanrpc.TransportError{RequestID: id, Err: e.JSON(), Metadata: e.Metadata()})
}

// fromHost relays one privileged-side message to the page.
func (c *Client) fromHost(raw json.RawMessage) {
	if c.discarded() {
		return
	}
	ev, err := chanrpc.DecodeEvent(raw)
	if err != nil {
		// the transport decides what an undecodable item means
		_ = c.ext.Send(raw)
		return
	}
	ev, kind := chanrpc.Parse(ev)
	switch kind {
	case chanrpc.KindDisconnect:
		c.disconnect(true)
	case chanrpc.KindChannelInit:
		go c.receiveStream(ev.(*chanrpc.ChannelInit))
	default:
		_ = c.ext.Send(ev)
	}
}

// receiveStream opens the announced sub-channel and hands the page a live
// stream for the request.
func (c *Client) receiveStream(ci *chanrpc.ChannelInit) {
	p, err := c.dialer.Connect(c.ctx, ci.Channel)
	if err != nil {
		c.reply(ci.RequestID, chanrpc.NewError(codes.Unavailable, err.Error()))
		return
	}
	pipe := port.StreamFrom(c.ctx, p)
	c.log.Trace().Str("request_id", ci.RequestID).Str("channel", ci.Channel).Msg("stream sub-channel opened")
	_ = c.ext.Send(&chanrpc.TransportStream{RequestID: ci.RequestID, Stream: pipe})
}

// sendStream opens a sub-channel for a page stream, announces it and pumps
// the stream into it.
func (c *Client) sendStream(ts *chanrpc.TransportStream) {
	name := port.StreamName(c.identity)
	p, err := c.dialer.Connect(c.ctx, name)
	if err != nil {
		c.reply(ts.RequestID, chanrpc.NewError(codes.Unavailable, err.Error()))
		ts.Stream.Cancel(err)
		return
	}
	if err := c.conn.Post(&chanrpc.ChannelInit{Channel: name, RequestID: ts.RequestID}); err != nil {
		p.Disconnect()
		ts.Stream.Cancel(err)
		c.postFailed(ts.RequestID, err)
		return
	}
	go func() {
		if err := port.PumpStream(c.ctx, p, ts.Stream); err != nil {
			c.log.Debug().Str("request_id", ts.RequestID).Str("channel", name).Err(err).Msg("request stream ended")
		}
	}()
}

func requestID(ev any) string {
	switch ev := ev.(type) {
	case *chanrpc.TransportMessage:
		return ev.RequestID
	case *chanrpc.TransportAbort:
		return ev.RequestID
	case *chanrpc.TransportError:
		return ev.RequestID
	case *chanrpc.ChannelInit:
		return ev.RequestID
	}
	return ""
}
