package transport

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/forgeci/remoting/pkg/remoting"
)

// TCPListener accepts raw TCP connections and turns each into a Channel.
// It is the point-to-point alternative to the WebSocket hub, useful on
// trusted networks and in tests.
type TCPListener struct {
	Logger
	listener net.Listener
	template remoting.ChannelConfig
	nextID   uint64
}

// ListenTCP binds addr. template supplies everything but Name and Stream
// for each accepted Channel.
func ListenTCP(lg Logger, addr string, template remoting.ChannelConfig) (*TCPListener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &TCPListener{
		Logger:   lg.ForkLogStr(fmt.Sprintf("TCPListener(%s)", l.Addr())),
		listener: l,
		template: template,
	}, nil
}

// Addr returns the bound address.
func (t *TCPListener) Addr() net.Addr {
	return t.listener.Addr()
}

// Accept blocks for the next inbound connection and negotiates a Channel
// over it.
func (t *TCPListener) Accept() (*remoting.Channel, error) {
	conn, err := t.listener.Accept()
	if err != nil {
		return nil, err
	}
	cfg := t.template
	cfg.Stream = conn
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("tcp-%d", atomic.AddUint64(&t.nextID, 1))
	}
	ch, err := remoting.NewChannel(t.Logger, cfg)
	if err != nil {
		return nil, t.Errorf("negotiation with %s failed: %s", conn.RemoteAddr(), err)
	}
	t.DLogf("accepted %s from %s", ch.Name(), conn.RemoteAddr())
	return ch, nil
}

// Close stops accepting; existing Channels are unaffected.
func (t *TCPListener) Close() error {
	return t.listener.Close()
}

// DialTCP connects to a TCPListener peer and negotiates a Channel. template
// supplies everything but Stream.
func DialTCP(ctx context.Context, lg Logger, addr string, template remoting.ChannelConfig) (*remoting.Channel, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	cfg := template
	cfg.Stream = conn
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("tcp-%s", addr)
	}
	return remoting.NewChannel(lg, cfg)
}
