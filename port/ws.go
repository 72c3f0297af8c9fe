// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package port

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/luxfi/chanrpc"
	"github.com/luxfi/chanrpc/internal/logx"
)

// NameParam is the query parameter carrying the connection name.
const NameParam = "name"

// DefaultReadLimit bounds a single websocket message.
const DefaultReadLimit = 4 << 20

var _ Dialer = (*WSDialer)(nil)

// WSDialer opens privileged connections to a WSHandler.
type WSDialer struct {
	URL       string
	Header    http.Header
	ReadLimit int64
}

func (d *WSDialer) Connect(ctx context.Context, name string) (Port, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("port: bad url %q: %w", d.URL, err)
	}
	q := u.Query()
	q.Set(NameParam, name)
	u.RawQuery = q.Encode()

	c, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: d.Header})
	if err != nil {
		return nil, fmt.Errorf("port: connect %s: %w", name, err)
	}
	p := newWSPort(name, c, d.ReadLimit, logx.Log)
	go p.readLoop()
	return p, nil
}

// WSHandler serves privileged connections. The handler returns when the
// connection ends.
func WSHandler(accept AcceptFunc, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get(NameParam)
		if name == "" {
			http.Error(w, "missing connection name", http.StatusBadRequest)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			log.Debug().Err(err).Str("channel", name).Msg("websocket accept failed")
			return
		}
		p := newWSPort(name, c, DefaultReadLimit, log)
		accept(p)
		p.readLoop()
	}
}

type wsPort struct {
	*conn
	ws     *websocket.Conn
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func newWSPort(name string, c *websocket.Conn, readLimit int64, log zerolog.Logger) *wsPort {
	if readLimit <= 0 {
		readLimit = DefaultReadLimit
	}
	c.SetReadLimit(readLimit)
	ctx, cancel := context.WithCancel(context.Background())
	return &wsPort{
		conn:   newConn(name),
		ws:     c,
		log:    log.With().Str("channel", name).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (p *wsPort) Post(msg any) error {
	if p.closed() {
		return chanrpc.ErrPortClosed
	}
	b, err := marshal(msg)
	if err != nil {
		return err
	}
	if err := p.ws.Write(p.ctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("%w: %v", chanrpc.ErrPortClosed, err)
	}
	return nil
}

func (p *wsPort) Disconnect() {
	p.once.Do(func() {
		p.closeLocal()
		_ = p.ws.Close(websocket.StatusNormalClosure, "disconnect")
		p.cancel()
	})
}

func (p *wsPort) readLoop() {
	defer p.cancel()
	for {
		_, msg, err := p.ws.Read(p.ctx)
		if err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) && ce.Code != websocket.StatusNormalClosure {
				p.log.Warn().Str("reason", ce.Reason).Int("code", int(ce.Code)).Msg("disconnected")
			}
			p.closeRemote()
			return
		}
		if !p.inbox.Push(msg) {
			return
		}
	}
}
