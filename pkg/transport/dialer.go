package transport

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/forgeci/remoting/pkg/remoting"
)

var hasPortRe = regexp.MustCompile(`:\d+$`)

// DialerConfig configures a Dialer.
type DialerConfig struct {
	// URL is the hub address. http/https schemes are rewritten to ws/wss;
	// a bare host:port gets ws://.
	URL string

	// Token is the shared bearer token presented to the hub.
	Token string

	// Name is the local Channel name; defaults to "agent".
	Name string

	// KeepAlive enables channel keepalive pings at the given interval.
	KeepAlive time.Duration

	// MaxRetries caps connection attempts; 0 means retry forever.
	MaxRetries int

	// MaxRetryInterval caps the backoff between attempts; defaults to
	// 5 minutes.
	MaxRetryInterval time.Duration

	// Executor, if non-nil, dispatches incoming work on the resulting
	// Channel.
	Executor remoting.Executor
}

// Dialer is the agent-side connector: it dials the hub over WebSocket with
// exponential backoff and yields a Channel per established connection.
type Dialer struct {
	Logger
	cfg   DialerConfig
	wsURL string
}

// NewDialer validates cfg and prepares a Dialer.
func NewDialer(lg Logger, cfg DialerConfig) (*Dialer, error) {
	server := cfg.URL
	if !strings.HasPrefix(server, "http") && !strings.HasPrefix(server, "ws") {
		server = "ws://" + server
	}
	u, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("transport: bad hub URL %q: %s", cfg.URL, err)
	}
	if !hasPortRe.MatchString(u.Host) {
		if u.Scheme == "https" || u.Scheme == "wss" {
			u.Host += ":443"
		} else {
			u.Host += ":80"
		}
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	if cfg.MaxRetryInterval < time.Second {
		cfg.MaxRetryInterval = 5 * time.Minute
	}
	if cfg.Name == "" {
		cfg.Name = "agent"
	}
	return &Dialer{
		Logger: lg.ForkLogStr("Dialer"),
		cfg:    cfg,
		wsURL:  u.String(),
	}, nil
}

// Dial connects to the hub, retrying with exponential backoff until a
// Channel is established, the retry budget is spent, or ctx is cancelled.
func (d *Dialer) Dial(ctx context.Context) (*remoting.Channel, error) {
	b := &backoff.Backoff{Max: d.cfg.MaxRetryInterval}
	wsd := websocket.Dialer{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 45 * time.Second,
		Subprotocols:     []string{Subprotocol},
	}
	var lastErr error
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		wsConn, _, err := wsd.DialContext(ctx, d.wsURL, authHeader(d.cfg.Token))
		if err == nil {
			ch, cherr := remoting.NewChannel(d.Logger, remoting.ChannelConfig{
				Name:      d.cfg.Name,
				Stream:    NewWebSocketStream(wsConn),
				Executor:  d.cfg.Executor,
				KeepAlive: d.cfg.KeepAlive,
			})
			if cherr == nil {
				d.ILogf("connected to %s", d.wsURL)
				b.Reset()
				return ch, nil
			}
			err = cherr
		}
		lastErr = err
		attempt := int(b.Attempt())
		if d.cfg.MaxRetries > 0 && attempt >= d.cfg.MaxRetries {
			return nil, d.Errorf("giving up on %s after %d attempts: %s", d.wsURL, attempt, lastErr)
		}
		delay := b.Duration()
		d.DLogf("connection to %s failed (attempt %d): %s; retrying in %s", d.wsURL, attempt+1, err, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
