package transport

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/forgeci/remoting/pkg/remoting"
)

// startHub runs a hub on an ephemeral port and returns its URL plus the
// stream of accepted Channels.
func startHub(t *testing.T, token string) (string, <-chan *remoting.Channel) {
	lg := testLogger(t)
	accepted := make(chan *remoting.Channel, 4)
	hub, err := NewHub(lg, HubConfig{
		Token:  token,
		Debug:  true,
		Accept: func(ch *remoting.Channel) { accepted <- ch },
	})
	if err != nil {
		t.Fatalf("NewHub() returned error: %s", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- hub.Run(ctx, "127.0.0.1:0") }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-runDone:
		case <-time.After(5 * time.Second):
			t.Error("hub did not stop after cancel")
		}
	})

	deadline := time.Now().Add(5 * time.Second)
	for hub.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("hub never bound its listener")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return fmt.Sprintf("ws://%s", hub.Addr()), accepted
}

func TestHubAndDialerEstablishChannel(t *testing.T) {
	const token = "shared-secret"
	url, accepted := startHub(t, token)

	d, err := NewDialer(testLogger(t), DialerConfig{
		URL:        url,
		Token:      token,
		Name:       "test-agent",
		MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("NewDialer() returned error: %s", err)
	}
	agent, err := d.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial() returned error: %s", err)
	}
	defer agent.Close()

	var hubSide *remoting.Channel
	select {
	case hubSide = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("hub never delivered the accepted channel")
	}
	defer hubSide.Close()

	checkUpper(t, hubSide)
	checkUpper(t, agent)
}

func TestHubRejectsBadToken(t *testing.T) {
	url, accepted := startHub(t, "correct-token")

	d, err := NewDialer(testLogger(t), DialerConfig{
		URL:        url,
		Token:      "wrong-token",
		MaxRetries: 1,
	})
	if err != nil {
		t.Fatalf("NewDialer() returned error: %s", err)
	}
	if _, err := d.Dial(context.Background()); err == nil {
		t.Fatal("Dial() with a bad token succeeded")
	}
	select {
	case <-accepted:
		t.Fatal("hub accepted a channel from an unauthorized agent")
	default:
	}
}

func TestDialerURLNormalization(t *testing.T) {
	cases := []struct {
		in, out string
	}{
		{"example.com", "ws://example.com:80"},
		{"http://example.com", "ws://example.com:80"},
		{"https://example.com", "wss://example.com:443"},
		{"ws://example.com:9000", "ws://example.com:9000"},
	}
	lg := testLogger(t)
	for _, c := range cases {
		d, err := NewDialer(lg, DialerConfig{URL: c.in})
		if err != nil {
			t.Errorf("NewDialer(%q) returned error: %s", c.in, err)
			continue
		}
		if d.wsURL != c.out {
			t.Errorf("NewDialer(%q) normalized to %q; expected %q", c.in, d.wsURL, c.out)
		}
	}
}
