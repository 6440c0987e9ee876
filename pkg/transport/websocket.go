package transport

import (
	"io"

	"github.com/gorilla/websocket"
)

// wsStream adapts a WebSocket connection to the plain byte stream a Channel
// owns. Writes become binary messages; reads concatenate incoming messages
// back into a stream. Message boundaries carry no meaning.
type wsStream struct {
	conn   *websocket.Conn
	reader io.Reader
}

// NewWebSocketStream wraps conn as an io.ReadWriteCloser suitable for
// remoting.ChannelConfig.Stream. The Channel takes ownership; closing the
// stream closes the WebSocket.
func NewWebSocketStream(conn *websocket.Conn) io.ReadWriteCloser {
	return &wsStream{conn: conn}
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.reader == nil {
			_, r, err := s.conn.NextReader()
			if err != nil {
				if _, ok := err.(*websocket.CloseError); ok {
					return 0, io.EOF
				}
				return 0, err
			}
			s.reader = r
		}
		n, err := s.reader.Read(p)
		if err == io.EOF {
			s.reader = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	return s.conn.Close()
}
