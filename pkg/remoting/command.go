package remoting

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"sync"
)

// commandOp identifies the kind of one wire command.
type commandOp uint8

const (
	opExecute commandOp = iota + 1
	opResult
	opFailure
	opPing
	opPong
	opRelease
	opResolve
	opResolveReply
	opBye
)

func (op commandOp) String() string {
	switch op {
	case opExecute:
		return "execute"
	case opResult:
		return "result"
	case opFailure:
		return "failure"
	case opPing:
		return "ping"
	case opPong:
		return "pong"
	case opRelease:
		return "release"
	case opResolve:
		return "resolve"
	case opResolveReply:
		return "resolve-reply"
	case opBye:
		return "bye"
	}
	return fmt.Sprintf("op#%d", uint8(op))
}

// command is one self-describing message on the wire. Field use varies by
// Op; unused fields are zero and cost almost nothing on the gob stream.
type command struct {
	Op commandOp

	// ID is the call id for execute/result/failure. Ids are allocated
	// monotonically by the requesting side and are unique per Channel per
	// direction; a response always carries the id of the request it answers.
	ID uint64

	// Kind is the callable kind name for execute, and the queried kind name
	// for resolve/resolve-reply.
	Kind string

	// Payload is the gob-encoded callable (execute) or boxed result value
	// (result). It is a self-contained gob stream, decoded independently of
	// the outer command stream so that decoding can happen on a worker.
	Payload []byte

	// Message is the failure text for failure commands and the kind
	// descriptor for resolve-reply commands.
	Message string

	// Handle is the export handle for release commands.
	Handle int32

	// Count is the reference-count decrement for release commands.
	Count int32
}

// commandCodec frames commands onto the stream pair. One gob encoder and one
// decoder live for the whole session; the writer lock serializes frames from
// concurrent callers so they never interleave.
type commandCodec struct {
	wlock sync.Mutex
	bw    *bufio.Writer
	enc   *gob.Encoder
	dec   *gob.Decoder
}

func newCommandCodec(r io.Reader, w io.Writer) *commandCodec {
	bw := bufio.NewWriter(w)
	return &commandCodec{
		bw:  bw,
		enc: gob.NewEncoder(bw),
		dec: gob.NewDecoder(bufio.NewReader(r)),
	}
}

// writeCommand encodes and flushes one command. Safe for concurrent use.
func (c *commandCodec) writeCommand(cmd *command) error {
	c.wlock.Lock()
	defer c.wlock.Unlock()
	if err := c.enc.Encode(cmd); err != nil {
		return err
	}
	return c.bw.Flush()
}

// readCommand decodes the next command. Only the Channel's reader pump calls
// this; the gob decoder is not safe for concurrent use.
func (c *commandCodec) readCommand() (*command, error) {
	cmd := &command{}
	if err := c.dec.Decode(cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

// resultBox wraps a result value so that gob transmits the dynamic type of
// the value (or its absence) uniformly.
type resultBox struct {
	V interface{}
}

// encodeValue gob-encodes a single value into a self-contained byte slice.
func encodeValue(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeValue decodes a byte slice produced by encodeValue into out, which
// must be a pointer.
func decodeValue(payload []byte, out interface{}) error {
	return gob.NewDecoder(bytes.NewReader(payload)).Decode(out)
}

// RegisterResultType makes a concrete type transmissible as a call result or
// callable field of interface type. It is a convenience wrapper over
// gob.Register and follows the same rules: call it from an init function,
// once per type, identically on both sides.
func RegisterResultType(value interface{}) {
	gob.Register(value)
}

func init() {
	// Basic result types every channel can carry without registration on
	// the caller's part.
	gob.Register(int(0))
	gob.Register(int32(0))
	gob.Register(int64(0))
	gob.Register(uint64(0))
	gob.Register(float64(0))
	gob.Register(false)
	gob.Register("")
	gob.Register([]byte(nil))
	gob.Register([]string(nil))
	gob.Register(map[string]string(nil))
	gob.Register(Ref{})
}
