package remoting

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// Capability is the negotiated feature bitset of a Channel. Each side writes
// its own Capability as a fixed-size preamble, the very first bytes on a new
// connection; the effective behavior set for the session is the bitwise
// intersection of the two offers, and is immutable for the Channel's
// lifetime.
type Capability uint32

const (
	// CapProxy enables export-handle proxying: local objects may cross the
	// boundary as handles, and the peer may invoke them through a Proxy.
	CapProxy Capability = 1 << iota

	// CapPipe enables backpressured byte pipes multiplexed over the command
	// stream. Requires CapProxy, since a pipe is carried by an export handle.
	CapPipe

	// CapPing enables keepalive ping/pong commands.
	CapPing

	// CapCatalog enables resolve queries against the peer's callable-kind
	// catalog, so that an unknown kind produces a precise failure instead of
	// a bare "unregistered" error.
	CapCatalog
)

// CapabilityNone is the maximally-compatible legacy mode: every optional
// protocol extension is disabled. A Channel constructed in restricted mode
// offers CapabilityNone regardless of the configured offer.
const CapabilityNone Capability = 0

// DefaultCapability returns the full feature set this implementation
// supports. New callers should offer this unless they need compatibility
// with an older peer.
func DefaultCapability() Capability {
	return CapProxy | CapPipe | CapPing | CapCatalog
}

// Has returns true if every bit in feature is present in c.
func (c Capability) Has(feature Capability) bool {
	return c&feature == feature
}

// Intersect returns the feature set common to both sides.
func (c Capability) Intersect(other Capability) Capability {
	return c & other
}

func (c Capability) String() string {
	if c == CapabilityNone {
		return "none"
	}
	var names []string
	for _, f := range []struct {
		bit  Capability
		name string
	}{
		{CapProxy, "proxy"},
		{CapPipe, "pipe"},
		{CapPing, "ping"},
		{CapCatalog, "catalog"},
	} {
		if c.Has(f.bit) {
			names = append(names, f.name)
		}
	}
	return strings.Join(names, "+")
}

// preambleLen is the size of the capability preamble: magic (4), protocol
// version (2), capability bits (4).
const preambleLen = 10

// writePreamble emits the capability preamble for the local side. It writes
// directly to the raw stream; no codec exists yet at this point.
func writePreamble(w io.Writer, c Capability) error {
	var buf [preambleLen]byte
	binary.BigEndian.PutUint32(buf[0:4], preambleMagic)
	binary.BigEndian.PutUint16(buf[4:6], ProtocolVersion)
	binary.BigEndian.PutUint32(buf[6:10], uint32(c))
	_, err := w.Write(buf[:])
	return err
}

// readPreamble reads and validates the peer's capability preamble.
func readPreamble(r io.Reader) (Capability, error) {
	var buf [preambleLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return CapabilityNone, err
	}
	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != preambleMagic {
		return CapabilityNone, fmt.Errorf("remoting: bad preamble magic 0x%08x; peer is not speaking the remoting protocol", magic)
	}
	version := binary.BigEndian.Uint16(buf[4:6])
	if version < 1 {
		return CapabilityNone, fmt.Errorf("remoting: unsupported peer protocol version %d", version)
	}
	return Capability(binary.BigEndian.Uint32(buf[6:10])), nil
}
