package transport

import (
	"context"
	"testing"

	"github.com/forgeci/remoting/pkg/remoting"
)

func TestChannelOverTCP(t *testing.T) {
	lg := testLogger(t)
	listener, err := ListenTCP(lg, "127.0.0.1:0", remoting.ChannelConfig{})
	if err != nil {
		t.Fatalf("ListenTCP() returned error: %s", err)
	}
	defer listener.Close()

	accepted := make(chan *remoting.Channel, 1)
	acceptErr := make(chan error, 1)
	go func() {
		ch, err := listener.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- ch
	}()

	client, err := DialTCP(context.Background(), lg, listener.Addr().String(), remoting.ChannelConfig{Name: "client"})
	if err != nil {
		t.Fatalf("DialTCP() returned error: %s", err)
	}
	defer client.Close()

	var server *remoting.Channel
	select {
	case server = <-accepted:
	case err := <-acceptErr:
		t.Fatalf("Accept() returned error: %s", err)
	}
	defer server.Close()

	checkUpper(t, client)
	checkUpper(t, server)

	// An orderly client close propagates to the server side.
	client.Close()
	if err := server.Join(); err != nil {
		t.Errorf("server Join() returned %v; expected orderly close", err)
	}
}
