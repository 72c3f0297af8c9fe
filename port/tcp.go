// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package port

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/chanrpc"
)

var ErrBadFrame = errors.New("port: invalid frame")

// frameType identifies a frame on a TCP connection
type frameType uint8

const (
	frameHello   frameType = 0x01 // connection name, first frame from the dialer
	frameMessage frameType = 0x02 // one JSON message
	frameClose   frameType = 0x03 // the sender disconnected
)

// maxFrame bounds a single frame.
const maxFrame = 64 * 1024 * 1024

// Frame layout: [4 len][1 type][payload], len counting type and payload.
func writeFrame(w io.Writer, t frameType, payload []byte) error {
	buf := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(1+len(payload)))
	buf[4] = byte(t)
	copy(buf[5:], payload)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) (frameType, []byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(header)
	if n == 0 || n > maxFrame {
		return 0, nil, fmt.Errorf("%w: length %d", ErrBadFrame, n)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		return 0, nil, err
	}
	return frameType(msg[0]), msg[1:], nil
}

var _ Dialer = (*TCPDialer)(nil)

// TCPDialer opens privileged connections to a TCPServer.
type TCPDialer struct {
	Addr string
}

func (d *TCPDialer) Connect(ctx context.Context, name string) (Port, error) {
	var nd net.Dialer
	c, err := nd.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, fmt.Errorf("port: connect %s: %w", name, err)
	}
	if err := writeFrame(c, frameHello, []byte(name)); err != nil {
		c.Close()
		return nil, fmt.Errorf("port: connect %s: %w", name, err)
	}
	p := newTCPPort(name, c)
	go p.readLoop()
	return p, nil
}

// TCPServer accepts privileged connections on a listener.
type TCPServer struct {
	listener net.Listener
	accept   AcceptFunc
	conns    sync.Map
	closed   atomic.Bool
}

func NewTCPServer(listener net.Listener, accept AcceptFunc) *TCPServer {
	return &TCPServer{listener: listener, accept: accept}
}

// Serve accepts connections until the server is closed.
func (s *TCPServer) Serve(ctx context.Context) error {
	for {
		c, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() || ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		go s.handleConn(c)
	}
}

func (s *TCPServer) handleConn(c net.Conn) {
	s.conns.Store(c, struct{}{})
	defer s.conns.Delete(c)

	_ = c.SetReadDeadline(time.Now().Add(10 * time.Second))
	t, name, err := readFrame(c)
	if err != nil || t != frameHello || len(name) == 0 {
		c.Close()
		return
	}
	_ = c.SetReadDeadline(time.Time{})

	p := newTCPPort(string(name), c)
	s.accept(p)
	p.readLoop()
}

// Close stops accepting and drops every open connection.
func (s *TCPServer) Close() error {
	s.closed.Store(true)
	s.conns.Range(func(key, _ any) bool {
		key.(net.Conn).Close()
		return true
	})
	return s.listener.Close()
}

// Addr returns the listener address
func (s *TCPServer) Addr() net.Addr {
	return s.listener.Addr()
}

type tcpPort struct {
	*conn
	nc      net.Conn
	writeMu sync.Mutex
	once    sync.Once
}

func newTCPPort(name string, c net.Conn) *tcpPort {
	return &tcpPort{conn: newConn(name), nc: c}
}

func (p *tcpPort) Post(msg any) error {
	if p.closed() {
		return chanrpc.ErrPortClosed
	}
	b, err := marshal(msg)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	err = writeFrame(p.nc, frameMessage, b)
	p.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", chanrpc.ErrPortClosed, err)
	}
	return nil
}

func (p *tcpPort) Disconnect() {
	p.once.Do(func() {
		p.closeLocal()
		p.writeMu.Lock()
		_ = p.nc.SetWriteDeadline(time.Now().Add(time.Second))
		_ = writeFrame(p.nc, frameClose, nil)
		p.writeMu.Unlock()
		p.nc.Close()
	})
}

func (p *tcpPort) readLoop() {
	for {
		t, payload, err := readFrame(p.nc)
		if err != nil || t == frameClose {
			p.closeRemote()
			p.nc.Close()
			return
		}
		if t != frameMessage {
			continue
		}
		if !p.inbox.Push(payload) {
			return
		}
	}
}
