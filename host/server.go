// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"

	"github.com/luxfi/chanrpc"
	"github.com/luxfi/chanrpc/internal/logx"
	"github.com/luxfi/chanrpc/port"
)

// DefaultClaimTimeout bounds the wait for an announced sub-channel.
const DefaultClaimTimeout = 10 * time.Second

// Option configures a Server
type Option func(*options)

type options struct {
	claimTimeout time.Duration
	logger       zerolog.Logger
	registerer   prometheus.Registerer
}

// WithClaimTimeout bounds the wait for a stream sub-channel
func WithClaimTimeout(d time.Duration) Option {
	return func(o *options) { o.claimTimeout = d }
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer registers the server metrics with reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// Server accepts privileged connections and serves the requests arriving on
// them with a Mux.
type Server struct {
	mux     *Mux
	codec   *chanrpc.Codec
	log     zerolog.Logger
	metrics *metrics
	rv      *rendezvous

	mu       sync.Mutex
	sessions map[*hostSession]struct{}
	closed   bool
}

func NewServer(mux *Mux, opts ...Option) *Server {
	o := &options{claimTimeout: DefaultClaimTimeout, logger: logx.Log}
	for _, opt := range opts {
		opt(o)
	}
	s := &Server{
		mux:      mux,
		codec:    mux.Codec(),
		log:      o.logger,
		metrics:  newMetrics(o.registerer),
		sessions: make(map[*hostSession]struct{}),
	}
	s.rv = newRendezvous(o.claimTimeout, func() {
		s.metrics.subChannels.WithLabelValues(subChannelUnclaimed).Inc()
	})
	return s
}

// Accept takes the host end of a new connection. It satisfies port.AcceptFunc.
func (s *Server) Accept(p port.Port) {
	name, err := port.ParseName(p.Name())
	if err != nil {
		s.log.Warn().Str("channel", p.Name()).Msg("rejecting connection with a malformed name")
		p.Disconnect()
		return
	}
	switch name.Purpose {
	case port.PurposeStream:
		s.rv.arrive(p)
	case port.PurposeSession:
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			p.Disconnect()
			return
		}
		hs := newHostSession(s, p, name.Label)
		s.sessions[hs] = struct{}{}
		s.mu.Unlock()
		s.metrics.sessions.Inc()
		hs.start()
	}
}

// SessionInfo describes one open session.
type SessionInfo struct {
	Name   string    `json:"name"`
	Label  string    `json:"label"`
	Opened time.Time `json:"opened"`
	Calls  int       `json:"calls"`
}

// Snapshot lists the open sessions, oldest first.
func (s *Server) Snapshot() []SessionInfo {
	s.mu.Lock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for hs := range s.sessions {
		out = append(out, hs.info())
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b SessionInfo) int { return a.Opened.Compare(b.Opened) })
	return out
}

// Close disconnects every session and refuses new ones.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	all := make([]*hostSession, 0, len(s.sessions))
	for hs := range s.sessions {
		all = append(all, hs)
	}
	s.mu.Unlock()
	for _, hs := range all {
		hs.end(true)
	}
}

func (s *Server) remove(hs *hostSession) {
	s.mu.Lock()
	_, ok := s.sessions[hs]
	delete(s.sessions, hs)
	s.mu.Unlock()
	if ok {
		s.metrics.sessions.Dec()
	}
}

// hostSession serves the requests of one session connection.
type hostSession struct {
	srv    *Server
	port   port.Port
	label  string
	opened time.Time
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu    sync.Mutex
	calls map[string]context.CancelCauseFunc
	once  sync.Once
}

func newHostSession(s *Server, p port.Port, label string) *hostSession {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &hostSession{
		srv:    s,
		port:   p,
		label:  label,
		opened: time.Now(),
		log:    s.log.With().Str("session", label).Logger(),
		ctx:    ctx,
		cancel: cancel,
		calls:  make(map[string]context.CancelCauseFunc),
	}
}

func (hs *hostSession) start() {
	hs.port.OnMessage(hs.handle)
	hs.port.OnDisconnect(func() { hs.end(false) })
	hs.log.Debug().Msg("session accepted")
}

func (hs *hostSession) info() SessionInfo {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return SessionInfo{Name: hs.port.Name(), Label: hs.label, Opened: hs.opened, Calls: len(hs.calls)}
}

// end cancels every call of the session. When the host ends it, the page is
// told with the disconnect sentinel first.
func (hs *hostSession) end(notify bool) {
	hs.once.Do(func() {
		hs.cancel(chanrpc.ErrDisconnected)
		if notify {
			_ = hs.port.Post(chanrpc.Disconnect)
		}
		hs.port.Disconnect()
		hs.srv.remove(hs)
		hs.log.Debug().Msg("session ended")
	})
}

func (hs *hostSession) handle(raw json.RawMessage) {
	ev, err := chanrpc.DecodeEvent(raw)
	if err != nil {
		hs.log.Warn().Err(err).Msg("dropping undecodable item")
		return
	}
	ev, kind := chanrpc.Parse(ev)
	switch kind {
	case chanrpc.KindMessage:
		tm := ev.(*chanrpc.TransportMessage)
		if ctx, ok := hs.begin(tm.RequestID); ok {
			go hs.serve(ctx, tm.RequestID, func(ctx context.Context) error {
				return hs.dispatch(ctx, tm)
			})
		}
	case chanrpc.KindChannelInit:
		ci := ev.(*chanrpc.ChannelInit)
		if ctx, ok := hs.begin(ci.RequestID); ok {
			go hs.serve(ctx, ci.RequestID, func(ctx context.Context) error {
				return hs.dispatchStream(ctx, ci)
			})
		}
	case chanrpc.KindAbort:
		hs.abort(ev.(*chanrpc.TransportAbort).RequestID)
	case chanrpc.KindDisconnect:
		hs.end(false)
	default:
		hs.log.Debug().Str("kind", kind.String()).Msg("ignoring item")
	}
}

func (hs *hostSession) abort(requestID string) {
	hs.mu.Lock()
	cancel, ok := hs.calls[requestID]
	hs.mu.Unlock()
	if ok {
		hs.log.Debug().Str("request_id", requestID).Msg("call aborted")
		cancel(context.Canceled)
	}
}

// begin registers a call before its handler starts, so an abort delivered
// right behind the request finds it.
func (hs *hostSession) begin(requestID string) (context.Context, bool) {
	ctx, cancel := context.WithCancelCause(hs.ctx)
	hs.mu.Lock()
	if _, dup := hs.calls[requestID]; dup {
		hs.mu.Unlock()
		cancel(nil)
		hs.sendError(requestID, chanrpc.NewError(codes.AlreadyExists, "duplicate request id "+requestID))
		return nil, false
	}
	hs.calls[requestID] = cancel
	hs.mu.Unlock()
	hs.srv.metrics.activeCalls.Inc()
	return ctx, true
}

// serve runs one begun call and reports its failure to the page.
func (hs *hostSession) serve(ctx context.Context, requestID string, fn func(ctx context.Context) error) {
	defer func() {
		hs.mu.Lock()
		cancel := hs.calls[requestID]
		delete(hs.calls, requestID)
		hs.mu.Unlock()
		hs.srv.metrics.activeCalls.Dec()
		if cancel != nil {
			cancel(nil)
		}
	}()

	if err := fn(ctx); err != nil {
		if ctx.Err() != nil {
			// aborted or disconnected: nobody is waiting for an answer
			hs.log.Debug().Str("request_id", requestID).Err(err).Msg("call ended after cancellation")
			return
		}
		hs.sendError(requestID, err)
	}
}

func (hs *hostSession) sendError(requestID string, err error) {
	e := chanrpc.ErrorFrom(err)
	if perr := hs.port.Post(&chanrpc.TransportError{RequestID: requestID, Err: e.JSON(), Metadata: e.Metadata()}); perr != nil {
		hs.log.Debug().Str("request_id", requestID).Err(perr).Msg("error not delivered")
	}
}

func (hs *hostSession) route(msg proto.Message) (*route, error) {
	r, ok := hs.srv.mux.lookup(msg)
	if !ok {
		return nil, chanrpc.NewError(codes.Unimplemented, fmt.Sprintf("no method takes %s", msg.ProtoReflect().Descriptor().FullName()))
	}
	return r, nil
}

func (hs *hostSession) dispatch(ctx context.Context, tm *chanrpc.TransportMessage) error {
	req, err := hs.srv.codec.UnmarshalAny(tm.Message)
	if err != nil {
		return chanrpc.NewError(codes.InvalidArgument, err.Error())
	}
	r, err := hs.route(req)
	if err != nil {
		return err
	}
	ctx = metadata.NewIncomingContext(ctx, tm.Header)
	start := time.Now()

	switch {
	case r.unary != nil:
		cm := &callMeta{}
		resp, err := r.unary(context.WithValue(ctx, callMetaKey{}, cm), req)
		hs.srv.metrics.handled(r.name, chanrpc.Code(err), time.Since(start))
		if err != nil {
			return err
		}
		raw, err := hs.srv.codec.Marshal(resp)
		if err != nil {
			return chanrpc.NewError(codes.Internal, err.Error())
		}
		return hs.port.Post(&chanrpc.TransportMessage{
			RequestID: tm.RequestID,
			Message:   raw,
			Header:    cm.header,
			Trailer:   cm.trailer,
		})
	case r.server != nil:
		err := hs.respondStream(ctx, tm.RequestID, func(ctx context.Context, send func(proto.Message) error) error {
			return r.server(ctx, req, send)
		})
		hs.srv.metrics.handled(r.name, chanrpc.Code(err), time.Since(start))
		return err
	}
	return chanrpc.NewError(codes.InvalidArgument, r.name+" needs a request stream")
}

// respondStream announces a sub-channel for the response, waits for the page
// to connect, then runs produce and pumps what it sends. A disconnect of the
// sub-channel cancels produce.
func (hs *hostSession) respondStream(ctx context.Context, requestID string, produce func(ctx context.Context, send func(proto.Message) error) error) error {
	name := port.StreamName(hs.label)
	if err := hs.port.Post(&chanrpc.ChannelInit{Channel: name, RequestID: requestID}); err != nil {
		return err
	}
	p, err := hs.srv.rv.claim(ctx, name)
	if err != nil {
		hs.srv.metrics.subChannels.WithLabelValues(subChannelClaimTimeout).Inc()
		hs.log.Debug().Str("request_id", requestID).Str("channel", name).Err(err).Msg("response sub-channel not claimed")
		// the page already treats the call as answered; nothing more to send
		return nil
	}
	hs.srv.metrics.subChannels.WithLabelValues(subChannelClaimed).Inc()

	out := chanrpc.NewStreamPipe()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := produce(gctx, func(m proto.Message) error {
			raw, err := hs.srv.codec.Marshal(m)
			if err != nil {
				return chanrpc.NewError(codes.Internal, err.Error())
			}
			return out.Send(raw)
		})
		out.CloseSend(err)
		return nil
	})
	g.Go(func() error {
		return port.PumpStream(gctx, p, out)
	})
	if err := g.Wait(); err != nil {
		hs.log.Debug().Str("request_id", requestID).Str("channel", name).Err(err).Msg("response stream ended early")
	}
	// failures travel on the sub-channel, not as a TransportError
	return nil
}

// dispatchStream serves a client or bidi streaming call whose requests
// arrive on the announced sub-channel. The call is routed by the type of the
// first request.
func (hs *hostSession) dispatchStream(ctx context.Context, ci *chanrpc.ChannelInit) error {
	p, err := hs.srv.rv.claim(ctx, ci.Channel)
	if err != nil {
		hs.srv.metrics.subChannels.WithLabelValues(subChannelClaimTimeout).Inc()
		return chanrpc.NewError(codes.DeadlineExceeded, err.Error())
	}
	hs.srv.metrics.subChannels.WithLabelValues(subChannelClaimed).Inc()
	in := port.StreamFrom(ctx, p)
	defer in.Cancel(nil)

	raw, err := in.Recv(ctx)
	if errors.Is(err, io.EOF) {
		return chanrpc.NewError(codes.InvalidArgument, "empty request stream")
	}
	if err != nil {
		return err
	}
	first, err := hs.srv.codec.UnmarshalAny(raw)
	if err != nil {
		return chanrpc.NewError(codes.InvalidArgument, err.Error())
	}
	r, err := hs.route(first)
	if err != nil {
		return err
	}
	if r.stream == nil {
		return chanrpc.NewError(codes.InvalidArgument, r.name+" does not take a request stream")
	}

	var pending proto.Message = first
	recv := func() (proto.Message, error) {
		if pending != nil {
			m := pending
			pending = nil
			return m, nil
		}
		raw, err := in.Recv(ctx)
		if err != nil {
			return nil, err
		}
		return hs.srv.codec.Unmarshal(raw, r.method.Input())
	}
	start := time.Now()

	if r.method.IsStreamingServer() {
		err := hs.respondStream(ctx, ci.RequestID, func(ctx context.Context, send func(proto.Message) error) error {
			return r.stream(ctx, recv, send)
		})
		hs.srv.metrics.handled(r.name, chanrpc.Code(err), time.Since(start))
		return err
	}

	var resp proto.Message
	err = r.stream(ctx, recv, func(m proto.Message) error {
		if resp != nil {
			return chanrpc.NewError(codes.Internal, r.name+" sends a single response")
		}
		resp = m
		return nil
	})
	hs.srv.metrics.handled(r.name, chanrpc.Code(err), time.Since(start))
	if err != nil {
		return err
	}
	if resp == nil {
		return chanrpc.NewError(codes.Internal, r.name+" sent no response")
	}
	out, err := hs.srv.codec.Marshal(resp)
	if err != nil {
		return chanrpc.NewError(codes.Internal, err.Error())
	}
	return hs.port.Post(&chanrpc.TransportMessage{RequestID: ci.RequestID, Message: out})
}
