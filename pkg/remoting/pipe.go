package remoting

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// Pipes move unbounded byte data across a Channel without requiring it to
// fit in one call. A pipe is half-duplex: one side produces, the other
// consumes, chosen at creation. Two flavors exist:
//
//   - Push (remote-to-local): NewReadPipe creates the read end locally and
//     returns a Ref; the peer opens the matching write end with
//     OpenWritePipe. Bytes are carried as ordinary synchronous "append"
//     invocations against the exported read end, so a full consumer buffer
//     blocks the producer exactly like a blocking OS pipe, multiplexed over
//     the shared connection alongside other call traffic.
//
//   - Pull (local-to-remote): ExportReader exports a local io.Reader and
//     returns a Ref; the peer reads it through OpenReader, each read an
//     invocation back to the owner. Backpressure is inherent: bytes move
//     only when the consumer asks.
//
// End-of-stream is an explicit terminal call in both flavors, never inferred
// from connection state: many pipes share one Channel, and closing the
// Channel must not be confused with closing one pipe.

const (
	pipeOpAppend = "append"
	pipeOpEOF    = "eof"
	pipeOpRead   = "read"
)

// pipeChunkSize bounds the bytes carried per append/read invocation.
const pipeChunkSize = 16 * 1024

// DefaultPipeBuffer is the consumer-side buffer limit used when a caller
// passes a non-positive limit to NewReadPipe.
const DefaultPipeBuffer = 64 * 1024

// PipeReader is the local read end of a push pipe. It implements
// io.ReadCloser for the local consumer and receives "append"/"eof"
// invocations from the remote write end. The internal buffer is bounded; an
// append that would leave the buffer over its limit blocks until the
// consumer drains, which stalls the producer's synchronous call.
type PipeReader struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	limit  int
	eof    bool
	broken error
}

// NewReadPipe creates the read end of a remote-to-local pipe on ch and
// exports it. Ship the returned Ref to the peer (inside a Callable) and open
// the write end there with OpenWritePipe. limit bounds the consumer-side
// buffer; non-positive selects DefaultPipeBuffer. Requires CapPipe.
func NewReadPipe(ch *Channel, limit int) (*PipeReader, Ref, error) {
	if !ch.Capability().Has(CapPipe) {
		return nil, Ref{}, ErrCapabilityUnsupported
	}
	if limit <= 0 {
		limit = DefaultPipeBuffer
	}
	p := &PipeReader{limit: limit}
	p.cond = sync.NewCond(&p.mu)
	ref, err := ch.Export(p)
	if err != nil {
		return nil, Ref{}, err
	}
	return p, ref, nil
}

// Read delivers buffered bytes in arrival order. It blocks until data is
// available, returns io.EOF after the producer's end-of-stream call once the
// buffer drains, and fails with the terminal error if the pipe broke before
// end-of-stream.
func (p *PipeReader) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if len(p.buf) > 0 {
			n := copy(b, p.buf)
			p.buf = p.buf[n:]
			p.cond.Broadcast()
			return n, nil
		}
		if p.eof {
			return 0, io.EOF
		}
		if p.broken != nil {
			return 0, p.broken
		}
		p.cond.Wait()
	}
}

// Close abandons the read end. Pending and future appends from the producer
// fail, which surfaces at the remote write end as an execution error.
func (p *PipeReader) Close() error {
	p.mu.Lock()
	if p.broken == nil {
		p.broken = io.ErrClosedPipe
	}
	p.cond.Broadcast()
	p.mu.Unlock()
	return nil
}

// onChannelDead poisons the pipe when the owning Channel terminates, unless
// end-of-stream already arrived (in which case buffered bytes stay readable
// and the reader still observes a clean EOF).
func (p *PipeReader) onChannelDead(err error) {
	p.mu.Lock()
	if !p.eof && p.broken == nil {
		p.broken = err
	}
	p.cond.Broadcast()
	p.mu.Unlock()
}

// RemoteInvoke implements the pipe's wire surface.
func (p *PipeReader) RemoteInvoke(op string, arg []byte) ([]byte, error) {
	switch op {
	case pipeOpAppend:
		p.mu.Lock()
		defer p.mu.Unlock()
		for len(p.buf) >= p.limit && p.broken == nil && !p.eof {
			p.cond.Wait()
		}
		if p.broken != nil {
			return nil, fmt.Errorf("pipe: read end closed: %s", p.broken)
		}
		if p.eof {
			return nil, fmt.Errorf("pipe: append after end-of-stream")
		}
		p.buf = append(p.buf, arg...)
		p.cond.Broadcast()
		return nil, nil
	case pipeOpEOF:
		p.mu.Lock()
		p.eof = true
		p.cond.Broadcast()
		p.mu.Unlock()
		return nil, nil
	}
	return nil, fmt.Errorf("pipe: unknown operation %q", op)
}

// PipeWriter is the write end of a push pipe, opened against a Ref created
// by the peer's NewReadPipe. Writes are synchronous calls; byte order is
// preserved end-to-end and a full consumer buffer blocks the writer.
type PipeWriter struct {
	proxy *Proxy

	mu     sync.Mutex
	closed bool
}

// OpenWritePipe opens the write end of a push pipe. Requires CapPipe.
func OpenWritePipe(ch *Channel, sink Ref) (*PipeWriter, error) {
	if !ch.Capability().Has(CapPipe) {
		return nil, ErrCapabilityUnsupported
	}
	proxy, err := ch.Proxy(sink)
	if err != nil {
		return nil, err
	}
	return &PipeWriter{proxy: proxy}, nil
}

// Write ships b to the remote read end in chunks, blocking on consumer
// backpressure. It never drops or reorders bytes.
func (w *PipeWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return 0, io.ErrClosedPipe
	}
	written := 0
	for len(b) > 0 {
		chunk := b
		if len(chunk) > pipeChunkSize {
			chunk = chunk[:pipeChunkSize]
		}
		if _, err := w.proxy.Invoke(pipeOpAppend, chunk); err != nil {
			return written, err
		}
		written += len(chunk)
		b = b[len(chunk):]
	}
	return written, nil
}

// Close signals end-of-stream to the remote read end and releases the
// handle. After Close the reader observes exactly the bytes written, then
// io.EOF. Idempotent. Closing after the Channel died returns nil:
// termination already poisoned the read end and invalidated the handle, so
// there is nothing left to deliver or release.
func (w *PipeWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	_, err := w.proxy.Invoke(pipeOpEOF, nil)
	w.proxy.Release()
	if IsChannelClosed(err) {
		return nil
	}
	return err
}

// pipeSource is an exported local io.Reader served in pull mode: the remote
// consumer invokes "read" with a byte count and receives up to that many
// bytes; an empty reply is end-of-stream.
type pipeSource struct {
	mu sync.Mutex
	r  io.Reader
}

// ExportReader exports a local reader for remote pull-mode consumption and
// returns its Ref. The peer reads it through OpenReader. Requires CapPipe.
func ExportReader(ch *Channel, r io.Reader) (Ref, error) {
	if !ch.Capability().Has(CapPipe) {
		return Ref{}, ErrCapabilityUnsupported
	}
	return ch.Export(&pipeSource{r: r})
}

func (s *pipeSource) RemoteInvoke(op string, arg []byte) ([]byte, error) {
	if op != pipeOpRead {
		return nil, fmt.Errorf("pipe: unknown operation %q on source", op)
	}
	if len(arg) != 4 {
		return nil, fmt.Errorf("pipe: malformed read request")
	}
	want := int(binary.BigEndian.Uint32(arg))
	if want <= 0 || want > pipeChunkSize {
		want = pipeChunkSize
	}
	buf := make([]byte, want)
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		n, err := s.r.Read(buf)
		if n > 0 {
			return buf[:n], nil
		}
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// Close closes the underlying reader if it is a closer; called by the export
// table when the last remote reference is released or the Channel dies.
func (s *pipeSource) Close() error {
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// SourceReader is the remote pull end of an exported reader.
type SourceReader struct {
	proxy *Proxy
	eof   bool
}

// OpenReader opens the pull end of a reader exported by the peer with
// ExportReader. Requires CapPipe.
func OpenReader(ch *Channel, src Ref) (*SourceReader, error) {
	if !ch.Capability().Has(CapPipe) {
		return nil, ErrCapabilityUnsupported
	}
	proxy, err := ch.Proxy(src)
	if err != nil {
		return nil, err
	}
	return &SourceReader{proxy: proxy}, nil
}

func (r *SourceReader) Read(b []byte) (int, error) {
	if r.eof {
		return 0, io.EOF
	}
	var arg [4]byte
	want := len(b)
	if want > pipeChunkSize {
		want = pipeChunkSize
	}
	binary.BigEndian.PutUint32(arg[:], uint32(want))
	reply, err := r.proxy.Invoke(pipeOpRead, arg[:])
	if err != nil {
		return 0, err
	}
	if len(reply) == 0 {
		r.eof = true
		return 0, io.EOF
	}
	return copy(b, reply), nil
}

// Close releases the remote handle; the owner closes the underlying reader
// when the reference count reaches zero.
func (r *SourceReader) Close() error {
	r.eof = true
	r.proxy.Release()
	return nil
}
