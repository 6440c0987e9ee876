// Package remoting implements a point-to-point remote-execution session
// ("Channel") between exactly two processes, layered on nothing more than a
// pair of raw byte streams (an OS pipe, a TCP socket, a WebSocket, or a child
// process's stdin/stdout).
//
// A Channel lets either side submit a Callable -- a transmittable unit of
// work -- for execution in the peer's address space, and ships the result (or
// failure) back. Live local resources are made remotely addressable through
// the Channel's export table: exporting an object yields a small integer
// handle, and the peer obtains a Proxy that routes invocations back to the
// owner. Unbounded byte data (process output, file contents) travels over
// Pipes, backpressured half-duplex streams multiplexed over the same
// connection alongside ordinary call traffic.
//
// The two endpoints of a Channel are symmetric: there is no client or server
// role at this layer. Either side may call, export, and open pipes
// concurrently; a single reader pump per Channel keeps dispatching incoming
// commands while any number of callers block on their own replies.
//
// A Channel is alive for the duration of one connection. Any transport-level
// fault (stream I/O error, decode error, protocol mismatch) is fatal to the
// whole Channel: every outstanding and future call fails with a
// ChannelClosedError, exports are invalidated, and the Channel is never
// reusable. Failures raised by the remote work itself are ordinary data,
// carried back and re-raised at the call site without affecting the session.
package remoting

// ProtocolVersion is the wire protocol version this package speaks. It is
// exchanged in the capability preamble; see Capability.
const ProtocolVersion uint16 = 1

// preambleMagic identifies the start of a remoting stream. An endpoint that
// reads anything else as the first bytes of a connection reports a protocol
// mismatch and refuses the session.
const preambleMagic uint32 = 0x46524348 // "FRCH"
