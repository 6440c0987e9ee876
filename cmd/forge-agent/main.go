// Command forge-agent is the remote end of a remoting session. By default
// it speaks the channel protocol on stdin/stdout, which is how launchers
// spawn it over child-process stdio or an SSH session; with --connect it
// dials a hub over WebSocket instead. Either way it serves incoming work
// until the controller closes the channel, then exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sammck-go/logger"

	"github.com/forgeci/remoting/pkg/remoting"
	"github.com/forgeci/remoting/pkg/transport"
)

func main() {
	var (
		connect   = flag.String("connect", "", "hub URL to dial; empty serves on stdin/stdout")
		token     = flag.String("token", "", "shared bearer token for the hub")
		name      = flag.String("name", "agent", "channel name reported in logs")
		keepAlive = flag.Duration("keepalive", 25*time.Second, "keepalive ping interval (0 disables)")
		workers   = flag.Int("workers", 0, "max concurrent units of work (0 = unbounded)")
		debug     = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	level := logger.LogLevelInfo
	if *debug {
		level = logger.LogLevelDebug
	}
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(level),
		logger.WithPrefix(*name),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "forge-agent: %s\n", err)
		os.Exit(1)
	}

	var executor remoting.Executor
	if *workers > 0 {
		pool := remoting.NewWorkerPool(*workers)
		defer pool.Close()
		executor = pool
	}

	var ch *remoting.Channel
	if *connect != "" {
		d, err := transport.NewDialer(lg, transport.DialerConfig{
			URL:       *connect,
			Token:     *token,
			Name:      *name,
			KeepAlive: *keepAlive,
			Executor:  executor,
		})
		if err == nil {
			ch, err = d.Dial(context.Background())
		}
		if err != nil {
			lg.ELogf("connection failed: %s", err)
			os.Exit(1)
		}
	} else {
		ch, err = remoting.NewChannel(lg, remoting.ChannelConfig{
			Name:      *name,
			Stream:    remoting.NewStreamPair(os.Stdin, os.Stdout, false, false),
			Executor:  executor,
			KeepAlive: *keepAlive,
		})
		if err != nil {
			lg.ELogf("channel negotiation failed: %s", err)
			os.Exit(1)
		}
	}

	if err := ch.Join(); err != nil {
		lg.ELogf("session ended: %s", err)
		os.Exit(1)
	}
	lg.ILogf("session closed")
}
