package remoting

import (
	"io"
	"sync"
)

// StreamPair merges an independent reader and writer (for example a child
// process's stdout and stdin, or os.Stdin/os.Stdout in an agent process)
// into the single ReadWriteCloser a Channel owns. Closing the pair closes
// whichever halves it owns; CloseWrite closes only the write half, so the
// read half can drain.
type StreamPair struct {
	in  io.Reader
	out io.Writer

	closeIn  bool
	closeOut bool

	closeWriteOnce sync.Once
	closeWriteErr  error
	closeOnce      sync.Once
	closeErr       error
}

// NewStreamPair combines reader and writer into one stream. If closeIn or
// closeOut is set, the pair owns that half and closes it (when it implements
// io.Closer) on Close.
func NewStreamPair(in io.Reader, out io.Writer, closeIn, closeOut bool) *StreamPair {
	return &StreamPair{
		in:       in,
		out:      out,
		closeIn:  closeIn,
		closeOut: closeOut,
	}
}

func (s *StreamPair) Read(p []byte) (int, error) {
	return s.in.Read(p)
}

func (s *StreamPair) Write(p []byte) (int, error) {
	return s.out.Write(p)
}

// CloseWrite shuts down the write half only, signalling end-of-stream to the
// remote reader while local reads continue.
func (s *StreamPair) CloseWrite() error {
	s.closeWriteOnce.Do(func() {
		if s.closeOut {
			if c, ok := s.out.(io.Closer); ok {
				s.closeWriteErr = c.Close()
			}
		}
	})
	return s.closeWriteErr
}

// Close closes both halves. Idempotent.
func (s *StreamPair) Close() error {
	s.closeOnce.Do(func() {
		err := s.CloseWrite()
		if s.closeIn {
			if c, ok := s.in.(io.Closer); ok {
				if cerr := c.Close(); err == nil {
					err = cerr
				}
			}
		}
		s.closeErr = err
	})
	return s.closeErr
}
