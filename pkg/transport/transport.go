// Package transport establishes remoting Channels over real network
// connections. The hub side is an HTTP server that upgrades authenticated
// WebSocket connections and hands each resulting Channel to an acceptor;
// the agent side dials the hub with exponential backoff. Raw TCP variants
// exist for point-to-point setups, and SSHLauncher starts an agent over an
// SSH session and layers a Channel on its stdio.
package transport

import (
	"github.com/forgeci/remoting/pkg/remoting"
)

// Subprotocol is the WebSocket subprotocol both sides must offer. It pins
// the wire protocol generation; the Channel preamble then negotiates
// capabilities within it.
const Subprotocol = "forge-remoting-1"

// Logger is the logging interface used throughout this package.
type Logger = remoting.Logger
