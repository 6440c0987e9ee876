package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"github.com/sammck-go/asyncobj"

	"github.com/forgeci/remoting/pkg/remoting"
)

// HubConfig configures a Hub.
type HubConfig struct {
	// Token, if non-empty, is the shared bearer token every agent must
	// present. Empty disables authentication.
	Token string

	// Debug wraps the HTTP handler with per-request logging.
	Debug bool

	// KeepAlive enables channel keepalive pings at the given interval.
	KeepAlive time.Duration

	// Executor, if non-nil, is shared by all accepted Channels. A bounded
	// WorkerPool here caps total concurrent remote work across the fleet.
	Executor remoting.Executor

	// Accept receives each established Channel on its own goroutine. The
	// acceptor owns the Channel from then on.
	Accept func(ch *remoting.Channel)
}

// Hub is the controller-side connection server: an HTTP listener that
// upgrades authenticated WebSocket connections from agents into Channels.
type Hub struct {
	*asyncobj.Helper

	cfg      HubConfig
	upgrader websocket.Upgrader
	listener net.Listener
	nextID   uint64
}

// NewHub creates a Hub. cfg.Accept is required.
func NewHub(lg Logger, cfg HubConfig) (*Hub, error) {
	if cfg.Accept == nil {
		return nil, fmt.Errorf("transport: HubConfig.Accept is required")
	}
	h := &Hub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{Subprotocol},
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	h.Helper = asyncobj.NewHelper(lg.ForkLogStr("Hub"), h)
	return h, nil
}

// Run listens on addr and serves until ctx is cancelled or Close is called.
// It returns after the listener has shut down.
func (h *Hub) Run(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return h.Errorf("listen on %s failed: %s", addr, err)
	}
	h.listener = l
	h.SetIsActivated()
	h.ILogf("listening on %s", l.Addr())

	handler := http.Handler(http.HandlerFunc(h.serveHTTP))
	if h.cfg.Debug {
		handler = requestlog.Wrap(handler)
	}
	server := &http.Server{Handler: handler}

	go func() {
		<-ctx.Done()
		h.StartShutdown(ctx.Err())
	}()

	serveErr := server.Serve(l)
	h.StartShutdown(nil)
	err = h.WaitShutdown()
	if err == nil && serveErr != nil && !strings.Contains(serveErr.Error(), "use of closed network connection") {
		err = serveErr
	}
	return err
}

// Addr returns the bound listen address, or nil before Run.
func (h *Hub) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// HandleOnceShutdown closes the listener; in-flight Channels are owned by
// the acceptor and survive hub shutdown.
func (h *Hub) HandleOnceShutdown(completionErr error) error {
	if h.listener != nil {
		h.listener.Close()
	}
	if completionErr == context.Canceled {
		completionErr = nil
	}
	return completionErr
}

func (h *Hub) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		if r.Header.Get("Sec-WebSocket-Protocol") != Subprotocol {
			h.DLogf("rejecting connection with unknown subprotocol %q", r.Header.Get("Sec-WebSocket-Protocol"))
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		if !authorizeRequest(r, h.cfg.Token) {
			h.DLogf("rejecting unauthorized connection from %s", r.RemoteAddr)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		wsConn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.DLogf("websocket upgrade failed: %s", err)
			return
		}
		go h.handleSession(wsConn)
		return
	}

	// Plain HTTP falls through to health and version probes.
	switch r.URL.Path {
	case "/healthz":
		w.Write([]byte("OK\n"))
	case "/version":
		w.Write([]byte(fmt.Sprintf("%s protocol %d\n", Subprotocol, remoting.ProtocolVersion)))
	default:
		http.Error(w, "Not Found", http.StatusNotFound)
	}
}

// handleSession negotiates a Channel over a freshly upgraded connection and
// hands it to the acceptor.
func (h *Hub) handleSession(wsConn *websocket.Conn) {
	id := atomic.AddUint64(&h.nextID, 1)
	ch, err := remoting.NewChannel(h.Logger, remoting.ChannelConfig{
		Name:      fmt.Sprintf("agent-%d", id),
		Stream:    NewWebSocketStream(wsConn),
		Executor:  h.cfg.Executor,
		KeepAlive: h.cfg.KeepAlive,
	})
	if err != nil {
		h.WLogf("channel negotiation with %s failed: %s", wsConn.RemoteAddr(), err)
		wsConn.Close()
		return
	}
	h.ILogf("accepted %s from %s", ch.Name(), wsConn.RemoteAddr())
	h.cfg.Accept(ch)
}
